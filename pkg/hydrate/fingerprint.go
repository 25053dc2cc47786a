package hydrate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalJSON re-encodes raw into a deterministic byte form: object keys
// sorted, whitespace collapsed. Go's encoding/json already emits map keys in
// sorted order on Marshal, so a decode/re-encode round trip is sufficient;
// this helper exists so call sites don't have to know that.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return canonicalMarshal(v)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')

			vb, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []any:
		buf := []byte{'['}
		for i, elem := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := canonicalMarshal(elem)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		return json.Marshal(val)
	}
}

// Fingerprint computes the 16-byte (32 hex character) identity digest for a
// component instance, covering everything that determines whether a client's
// cached copy is still compatible with what the server would mount today:
// the type name, the canonicalized props, and the registered schema version.
func Fingerprint(typeName string, props json.RawMessage, schemaVersion string) (string, error) {
	canonProps, err := CanonicalJSON(props)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(typeName))
	h.Write([]byte{0})
	h.Write(canonProps)
	h.Write([]byte{0})
	h.Write([]byte(schemaVersion))

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]), nil
}
