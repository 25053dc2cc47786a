package diff

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/livecomponent/runtime/pkg/protocol"
)

// FullStateThreshold is the fraction of the full-state size past which a
// patch is no longer considered worth sending; ShouldUseFull reports true
// once the patch encoding reaches this share of the full encoding.
const FullStateThreshold = 0.5

// Patch computes the sequence of JSON-Pointer operations that transforms
// oldState into newState. Both arguments must be valid JSON values (objects,
// arrays, or scalars); Patch does not require them to be objects.
func Patch(oldState, newState json.RawMessage) ([]protocol.PatchOp, error) {
	var oldVal, newVal any
	if len(oldState) == 0 {
		oldVal = nil
	} else if err := json.Unmarshal(oldState, &oldVal); err != nil {
		return nil, fmt.Errorf("diff: invalid old state: %w", err)
	}
	if len(newState) == 0 {
		newVal = nil
	} else if err := json.Unmarshal(newState, &newVal); err != nil {
		return nil, fmt.Errorf("diff: invalid new state: %w", err)
	}

	var ops []protocol.PatchOp
	ops, err := diffValue("", oldVal, newVal, ops)
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func diffValue(path string, oldVal, newVal any, ops []protocol.PatchOp) ([]protocol.PatchOp, error) {
	oldMap, oldIsMap := oldVal.(map[string]any)
	newMap, newIsMap := newVal.(map[string]any)
	if oldIsMap && newIsMap {
		return diffMap(path, oldMap, newMap, ops)
	}

	oldArr, oldIsArr := oldVal.([]any)
	newArr, newIsArr := newVal.([]any)
	if oldIsArr && newIsArr {
		return diffArray(path, oldArr, newArr, ops)
	}

	if valuesEqual(oldVal, newVal) {
		return ops, nil
	}

	valBytes, err := json.Marshal(newVal)
	if err != nil {
		return nil, err
	}
	return append(ops, protocol.PatchOp{Op: "replace", Path: pointerOrRoot(path), Value: valBytes}), nil
}

func diffMap(path string, oldMap, newMap map[string]any, ops []protocol.PatchOp) ([]protocol.PatchOp, error) {
	var err error
	for k, newV := range newMap {
		childPath := path + "/" + escapePointerToken(k)
		oldV, existed := oldMap[k]
		if !existed {
			var valBytes []byte
			valBytes, err = json.Marshal(newV)
			if err != nil {
				return nil, err
			}
			ops = append(ops, protocol.PatchOp{Op: "add", Path: childPath, Value: valBytes})
			continue
		}
		ops, err = diffValue(childPath, oldV, newV, ops)
		if err != nil {
			return nil, err
		}
	}
	for k := range oldMap {
		if _, stillPresent := newMap[k]; !stillPresent {
			ops = append(ops, protocol.PatchOp{Op: "remove", Path: path + "/" + escapePointerToken(k)})
		}
	}
	return ops, nil
}

// diffArray treats the array wholesale once any element changes: positional
// JSON-Pointer patches over arrays are brittle under insertion/deletion, so
// any difference in length or content replaces the array as one value. This
// mirrors how indices shift unpredictably under sequence edits.
func diffArray(path string, oldArr, newArr []any, ops []protocol.PatchOp) ([]protocol.PatchOp, error) {
	if len(oldArr) == len(newArr) {
		same := true
		for i := range oldArr {
			if !valuesEqual(oldArr[i], newArr[i]) {
				same = false
				break
			}
		}
		if same {
			return ops, nil
		}
	}

	valBytes, err := json.Marshal(newArr)
	if err != nil {
		return nil, err
	}
	return append(ops, protocol.PatchOp{Op: "replace", Path: pointerOrRoot(path), Value: valBytes}), nil
}

func valuesEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}

func pointerOrRoot(path string) string {
	if path == "" {
		return ""
	}
	return path
}

// escapePointerToken escapes "~" and "/" per RFC 6901.
func escapePointerToken(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	token = strings.ReplaceAll(token, "/", "~1")
	return token
}

// ShouldUseFull reports whether a patch of patchSize bytes should be
// discarded in favor of sending the full state (fullSize bytes), per the
// size-ratio threshold.
func ShouldUseFull(patchSize, fullSize int) bool {
	if fullSize == 0 {
		return false
	}
	return float64(patchSize) >= FullStateThreshold*float64(fullSize)
}

// Build produces the StateUpdate to send for a version transition. It
// computes the JSON-Pointer patch, falls back to a full-state update when the
// patch is not worth its own size or forceFull is set (e.g. on a detected
// version gap), and always reports Full accurately so the receiver knows how
// to apply it.
func Build(id string, fromVersion, toVersion uint64, oldState, newState json.RawMessage, forceFull bool) (*protocol.StateUpdate, error) {
	su := &protocol.StateUpdate{
		Type:        protocol.TypeStateUpdate,
		ID:          id,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
	}

	if forceFull {
		su.Full = true
		su.State = newState
		return su, nil
	}

	ops, err := Patch(oldState, newState)
	if err != nil {
		return nil, err
	}

	patchBytes, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}

	if ShouldUseFull(len(patchBytes), len(newState)) {
		su.Full = true
		su.State = newState
		return su, nil
	}

	su.Patch = ops
	return su, nil
}
