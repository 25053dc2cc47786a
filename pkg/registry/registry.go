package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/livecomponent/runtime/pkg/protocol"
)

// EmitFunc lets a method handler publish an event while it runs, scoped per
// protocol.EventScope. It is bound by the caller (pkg/dispatch) to the
// instance and connection the call came from, so handler code never needs to
// know about subscribers or rooms directly.
type EmitFunc func(scope protocol.EventScope, room, name string, data json.RawMessage) error

// MethodContext carries per-call context a handler needs beyond its state
// and params.
type MethodContext struct {
	InstanceID string
	Emit       EmitFunc
}

// Method implements one callable method of a component type. The state
// argument is whatever NewState returned (or a later method's mutation of
// it); a method mutates it in place via a type assertion to its concrete
// type and returns the value to report back to the caller.
type Method func(ctx context.Context, mc *MethodContext, state any, params []json.RawMessage) (result any, err error)

// Hook runs at mount or unmount time.
type Hook func(ctx context.Context, state any) error

// Type is the registered shape of one component: how to build its initial
// state from props, which methods it exposes, and optional lifecycle hooks.
type Type struct {
	// Name is the componentName the wire protocol refers to.
	Name string

	// SchemaVersion is folded into the fingerprint so that deploying a new
	// props/state shape invalidates previously hydrated instances.
	SchemaVersion string

	// NewState builds the initial state for a new instance from its props.
	NewState func(props json.RawMessage) (any, error)

	// Methods maps methodName to its implementation.
	Methods map[string]Method

	// PropsSchema, if non-empty, is a JSON Schema document validated
	// against incoming props before NewState runs.
	PropsSchema json.RawMessage

	// OnMount runs once after NewState succeeds, before the instance is
	// made visible to dispatch.
	OnMount Hook

	// OnUnmount runs as the final mailbox item before an instance is
	// evicted or explicitly torn down.
	OnUnmount Hook

	schema *gojsonschema.Schema
}

// methodNames returns a sorted list, used for idempotency comparisons and
// for UNKNOWN_METHOD error messages.
func (t *Type) methodNames() []string {
	names := make([]string, 0, len(t.Methods))
	for name := range t.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry is the process-wide catalog of known component types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{types: make(map[string]*Type)}
}

// Register adds t to the catalog. Registering the same name twice is
// idempotent as long as the method set and schema version agree; a
// conflicting re-registration is rejected so a startup bug (two components
// claiming the same name) fails loudly instead of silently clobbering.
func (r *Registry) Register(t Type) error {
	if t.Name == "" {
		return fmt.Errorf("registry: component type must have a name")
	}
	if t.NewState == nil {
		return fmt.Errorf("registry: component type %q has no NewState factory", t.Name)
	}

	if len(t.PropsSchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.PropsSchema))
		if err != nil {
			return fmt.Errorf("registry: component type %q has invalid propsSchema: %w", t.Name, err)
		}
		t.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[t.Name]; ok {
		if existing.SchemaVersion != t.SchemaVersion || !sameMethodSet(existing, &t) {
			return fmt.Errorf("registry: component type %q already registered with a different shape", t.Name)
		}
		return nil
	}

	r.types[t.Name] = &t
	return nil
}

func sameMethodSet(a, b *Type) bool {
	an, bn := a.methodNames(), b.methodNames()
	if len(an) != len(bn) {
		return false
	}
	for i := range an {
		if an[i] != bn[i] {
			return false
		}
	}
	return true
}

// Lookup returns the registered type or an UNKNOWN_TYPE protocol error.
func (r *Registry) Lookup(name string) (*Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	if !ok {
		return nil, protocol.NewError(protocol.ErrUnknownType, "unknown component type: "+name)
	}
	return t, nil
}

// LookupMethod returns the named method or an UNKNOWN_METHOD protocol error.
func (t *Type) LookupMethod(name string) (Method, error) {
	m, ok := t.Methods[name]
	if !ok {
		return nil, protocol.NewError(protocol.ErrUnknownMethod, "unknown method "+name+" on "+t.Name)
	}
	return m, nil
}

// ValidateProps checks props against the type's PropsSchema, if one was
// registered. A missing schema accepts any props unconditionally.
func (t *Type) ValidateProps(props json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	if len(props) == 0 {
		props = json.RawMessage("{}")
	}

	result, err := t.schema.Validate(gojsonschema.NewBytesLoader(props))
	if err != nil {
		return protocol.NewError(protocol.ErrMountFailed, "props validation failed: "+err.Error())
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return protocol.NewError(protocol.ErrMountFailed, fmt.Sprintf("props do not match schema: %v", msgs))
	}
	return nil
}

// Names returns the registered component names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
