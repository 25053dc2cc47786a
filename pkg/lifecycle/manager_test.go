package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/livecomponent/runtime/pkg/eventbus"
	"github.com/livecomponent/runtime/pkg/protocol"
	"github.com/livecomponent/runtime/pkg/registry"
)

type counterState struct {
	Count int `json:"count"`
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	err := r.Register(registry.Type{
		Name:          "Counter",
		SchemaVersion: "v1",
		NewState: func(props json.RawMessage) (any, error) {
			var s counterState
			if len(props) > 0 {
				_ = json.Unmarshal(props, &s)
			}
			return &s, nil
		},
		Methods: map[string]registry.Method{
			"increment": func(ctx context.Context, mc *registry.MethodContext, state any, params []json.RawMessage) (any, error) {
				s := state.(*counterState)
				s.Count++
				return s.Count, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return r
}

func TestMountGeneratesID(t *testing.T) {
	m := New(newTestRegistry(t), eventbus.New(), Config{}, nil)

	inst, err := m.Mount(context.Background(), MountRequest{ComponentName: "Counter", Props: json.RawMessage(`{"count":1}`)})
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	if inst.ID == "" {
		t.Error("expected a generated instance id")
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestMountWithUserProvidedID(t *testing.T) {
	m := New(newTestRegistry(t), eventbus.New(), Config{}, nil)

	inst, err := m.Mount(context.Background(), MountRequest{
		ComponentName:  "Counter",
		UserProvidedID: "my-counter-01",
	})
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	if inst.ID != "my-counter-01" {
		t.Errorf("ID = %q, want my-counter-01", inst.ID)
	}
}

func TestMountRejectsDuplicateUserID(t *testing.T) {
	m := New(newTestRegistry(t), eventbus.New(), Config{}, nil)

	req := MountRequest{ComponentName: "Counter", UserProvidedID: "dup-counter-1"}
	if _, err := m.Mount(context.Background(), req); err != nil {
		t.Fatalf("first Mount() error = %v", err)
	}
	if _, err := m.Mount(context.Background(), req); err == nil {
		t.Error("expected second Mount() with the same id to fail")
	}
}

func TestMountUnknownType(t *testing.T) {
	m := New(newTestRegistry(t), eventbus.New(), Config{}, nil)

	_, err := m.Mount(context.Background(), MountRequest{ComponentName: "Nope"})
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Code != protocol.ErrUnknownType {
		t.Fatalf("err = %v, want UNKNOWN_TYPE", err)
	}
}

func TestGetAndUnmount(t *testing.T) {
	m := New(newTestRegistry(t), eventbus.New(), Config{}, nil)
	inst, err := m.Mount(context.Background(), MountRequest{ComponentName: "Counter"})
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	if _, ok := m.Get(inst.ID); !ok {
		t.Fatal("expected Get() to find the mounted instance")
	}

	if err := m.Unmount(context.Background(), inst.ID); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
	if _, ok := m.Get(inst.ID); ok {
		t.Error("expected Get() to fail after Unmount()")
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestUnmountUnknownInstance(t *testing.T) {
	m := New(newTestRegistry(t), eventbus.New(), Config{}, nil)
	err := m.Unmount(context.Background(), "nope")
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Code != protocol.ErrUnmountFailed {
		t.Fatalf("err = %v, want UNMOUNT_FAILED", err)
	}
}

func TestRehydrateMatchesFingerprint(t *testing.T) {
	m := New(newTestRegistry(t), eventbus.New(), Config{}, nil)
	inst, err := m.Mount(context.Background(), MountRequest{ComponentName: "Counter", Props: json.RawMessage(`{"count":1}`)})
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	got, ok := m.Rehydrate(inst.ID, inst.Fingerprint)
	if !ok || got.ID != inst.ID {
		t.Errorf("Rehydrate() with matching fingerprint = (%v, %v)", got, ok)
	}

	_, ok = m.Rehydrate(inst.ID, "stale-fingerprint")
	if ok {
		t.Error("Rehydrate() with stale fingerprint should report false")
	}
}

func TestRemountReinitializesInPlaceWithSameFingerprint(t *testing.T) {
	reg := newTestRegistry(t)
	m := New(reg, eventbus.New(), Config{}, nil)

	inst, err := m.Mount(context.Background(), MountRequest{ComponentName: "Counter", Props: json.RawMessage(`{"count":5}`)})
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	origFingerprint := inst.Fingerprint

	if _, err := inst.Call(context.Background(), "increment", nil, "", nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	fresh, err := m.Remount(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Remount() error = %v", err)
	}
	if fresh.ID != inst.ID {
		t.Errorf("Remount() ID = %q, want %q", fresh.ID, inst.ID)
	}
	if fresh.Fingerprint != origFingerprint {
		t.Errorf("Remount() Fingerprint = %q, want unchanged %q", fresh.Fingerprint, origFingerprint)
	}
	if string(fresh.StateJSON()) != `{"count":5}` {
		t.Errorf("Remount() StateJSON() = %s, want re-initialized {\"count\":5}", fresh.StateJSON())
	}
	if fresh.Version() != 1 {
		t.Errorf("Remount() Version() = %d, want 1 (re-initialized)", fresh.Version())
	}

	got, ok := m.Get(inst.ID)
	if !ok || got != fresh {
		t.Error("expected Get() to return the remounted instance in place")
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (remount replaces, does not add)", m.Count())
	}
}

func TestRemountUnknownInstance(t *testing.T) {
	m := New(newTestRegistry(t), eventbus.New(), Config{}, nil)
	_, err := m.Remount(context.Background(), "nope")
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Code != protocol.ErrMountFailed {
		t.Fatalf("err = %v, want MOUNT_FAILED", err)
	}
}

func TestReapEvictsIdleInstances(t *testing.T) {
	m := New(newTestRegistry(t), eventbus.New(), Config{
		IdleTTL:      10 * time.Millisecond,
		ReapInterval: 5 * time.Millisecond,
	}, nil)

	inst, err := m.Mount(context.Background(), MountRequest{ComponentName: "Counter"})
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get(inst.ID); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected idle instance to be reaped within the deadline")
}
