package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/livecomponent/runtime/pkg/protocol"
)

type counterState struct {
	Count int `json:"count"`
}

func counterType() Type {
	return Type{
		Name:          "Counter",
		SchemaVersion: "v1",
		NewState: func(props json.RawMessage) (any, error) {
			var s counterState
			if len(props) > 0 {
				if err := json.Unmarshal(props, &s); err != nil {
					return nil, err
				}
			}
			return &s, nil
		},
		Methods: map[string]Method{
			"increment": func(ctx context.Context, mc *MethodContext, state any, params []json.RawMessage) (any, error) {
				s := state.(*counterState)
				s.Count++
				return s.Count, nil
			},
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	if err := r.Register(counterType()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	typ, err := r.Lookup("Counter")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if typ.Name != "Counter" {
		t.Errorf("Name = %q, want Counter", typ.Name)
	}

	state, err := typ.NewState(json.RawMessage(`{"count":5}`))
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	cs := state.(*counterState)
	if cs.Count != 5 {
		t.Errorf("Count = %d, want 5", cs.Count)
	}

	method, err := typ.LookupMethod("increment")
	if err != nil {
		t.Fatalf("LookupMethod() error = %v", err)
	}
	result, err := method(context.Background(), &MethodContext{InstanceID: "inst1"}, state, nil)
	if err != nil {
		t.Fatalf("method() error = %v", err)
	}
	if result.(int) != 6 {
		t.Errorf("result = %v, want 6", result)
	}
}

func TestLookupUnknownType(t *testing.T) {
	r := New()
	_, err := r.Lookup("Nope")
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Code != protocol.ErrUnknownType {
		t.Fatalf("err = %v, want UNKNOWN_TYPE", err)
	}
}

func TestLookupUnknownMethod(t *testing.T) {
	r := New()
	if err := r.Register(counterType()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	typ, _ := r.Lookup("Counter")

	_, err := typ.LookupMethod("explode")
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Code != protocol.ErrUnknownMethod {
		t.Fatalf("err = %v, want UNKNOWN_METHOD", err)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := New()
	if err := r.Register(counterType()); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := r.Register(counterType()); err != nil {
		t.Fatalf("second identical Register() should be idempotent, got error = %v", err)
	}
}

func TestRegisterConflict(t *testing.T) {
	r := New()
	if err := r.Register(counterType()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	conflicting := counterType()
	conflicting.SchemaVersion = "v2"
	if err := r.Register(conflicting); err == nil {
		t.Fatal("expected error registering conflicting shape under the same name")
	}
}

func TestValidateProps(t *testing.T) {
	typ := counterType()
	typ.PropsSchema = json.RawMessage(`{
		"type": "object",
		"properties": { "count": { "type": "integer", "minimum": 0 } },
		"required": ["count"]
	}`)

	r := New()
	if err := r.Register(typ); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	registered, _ := r.Lookup("Counter")

	if err := registered.ValidateProps(json.RawMessage(`{"count":3}`)); err != nil {
		t.Errorf("valid props rejected: %v", err)
	}
	if err := registered.ValidateProps(json.RawMessage(`{"count":-1}`)); err == nil {
		t.Error("invalid props accepted")
	}
	if err := registered.ValidateProps(json.RawMessage(`{}`)); err == nil {
		t.Error("missing required field accepted")
	}
}

func TestNamesSorted(t *testing.T) {
	r := New()
	_ = r.Register(Type{Name: "Zeta", NewState: func(json.RawMessage) (any, error) { return nil, nil }})
	_ = r.Register(Type{Name: "Alpha", NewState: func(json.RawMessage) (any, error) { return nil, nil }})

	names := r.Names()
	if len(names) != 2 || names[0] != "Alpha" || names[1] != "Zeta" {
		t.Errorf("Names() = %v, want [Alpha Zeta]", names)
	}
}
