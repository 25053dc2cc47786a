package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livecomponent/runtime/pkg/diff"
	"github.com/livecomponent/runtime/pkg/protocol"
	"github.com/livecomponent/runtime/pkg/registry"
)

// DefaultMailboxSize bounds the number of queued jobs per instance before
// Call and Unmount start returning OVERLOADED.
const DefaultMailboxSize = 1024

// QuarantineWindow is the sliding window over which repeated handler
// failures trigger quarantine.
const QuarantineWindow = 60 * time.Second

// QuarantineThreshold is the number of handler failures within
// QuarantineWindow that quarantines an instance.
const QuarantineThreshold = 5

// CallResult is what a successful Call produces: the method's return value
// and, if state changed, the update to broadcast to subscribers.
type CallResult struct {
	Value       json.RawMessage
	StateUpdate *protocol.StateUpdate
}

type jobKind int

const (
	jobCall jobKind = iota
	jobUnmount
)

type job struct {
	kind      jobKind
	ctx       context.Context
	method    string
	params    []json.RawMessage
	requestID string
	emit      registry.EmitFunc
	resultCh  chan jobOutcome
}

type jobOutcome struct {
	result *CallResult
	err    error
}

// Instance is one mounted component: its state, its monotonic version, and
// the mailbox serializing every mutation against it.
type Instance struct {
	ID            string
	TypeName      string
	Fingerprint   string
	Props         json.RawMessage
	SchemaVersion string

	typ *registry.Type

	mu        sync.Mutex
	state     any
	stateJSON json.RawMessage
	version   uint64
	failures  []time.Time
	quarantined bool

	lastActivity atomic.Int64 // unix nanos
	closed       atomic.Bool

	mailbox chan job
	done    chan struct{}
	logger  *slog.Logger
}

// Mount constructs a new instance: it validates and applies props via the
// type's NewState factory, runs OnMount if registered, then starts the
// instance's worker goroutine. A failure at any step is reported as
// MOUNT_FAILED and no goroutine is started.
func Mount(ctx context.Context, id string, typ *registry.Type, props json.RawMessage, fingerprint string, mailboxSize int, logger *slog.Logger) (*Instance, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}

	if err := typ.ValidateProps(props); err != nil {
		return nil, err
	}

	state, err := typ.NewState(props)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrMountFailed, "NewState failed: "+err.Error())
	}

	if typ.OnMount != nil {
		if err := typ.OnMount(ctx, state); err != nil {
			return nil, protocol.NewError(protocol.ErrMountFailed, "OnMount failed: "+err.Error())
		}
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrMountFailed, "state is not serializable: "+err.Error())
	}

	inst := &Instance{
		ID:            id,
		TypeName:      typ.Name,
		Fingerprint:   fingerprint,
		Props:         props,
		SchemaVersion: typ.SchemaVersion,
		typ:           typ,
		state:         state,
		stateJSON:     stateJSON,
		version:       1,
		mailbox:       make(chan job, mailboxSize),
		done:          make(chan struct{}),
		logger:        logger.With("instanceId", id, "componentName", typ.Name),
	}
	inst.lastActivity.Store(time.Now().UnixNano())

	go inst.run()
	return inst, nil
}

func (inst *Instance) run() {
	for j := range inst.mailbox {
		switch j.kind {
		case jobCall:
			result, err := inst.handleCall(j)
			j.resultCh <- jobOutcome{result: result, err: err}
		case jobUnmount:
			err := inst.handleUnmount(j.ctx)
			j.resultCh <- jobOutcome{err: err}
			close(inst.done)
			return
		}
	}
}

// Call invokes methodName against the instance's current state. It blocks
// until the job has run (or ctx is done), never longer: the mailbox itself
// never blocks the caller past its capacity, returning OVERLOADED instead.
func (inst *Instance) Call(ctx context.Context, methodName string, params []json.RawMessage, requestID string, emit registry.EmitFunc) (*CallResult, error) {
	if inst.isQuarantined() {
		return nil, protocol.NewError(protocol.ErrInstanceQuarantined, "instance "+inst.ID+" is quarantined after repeated handler failures")
	}
	if inst.closed.Load() {
		return nil, protocol.NewError(protocol.ErrInternal, "instance "+inst.ID+" is no longer mounted")
	}

	j := job{
		kind:      jobCall,
		ctx:       ctx,
		method:    methodName,
		params:    params,
		requestID: requestID,
		emit:      emit,
		resultCh:  make(chan jobOutcome, 1),
	}

	select {
	case inst.mailbox <- j:
	default:
		return nil, protocol.NewError(protocol.ErrOverloaded, "instance "+inst.ID+" mailbox is full")
	}

	select {
	case outcome := <-j.resultCh:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return nil, protocol.NewError(protocol.ErrTimeout, "method call to "+inst.ID+" timed out")
	}
}

// Unmount enqueues teardown as the final mailbox item and waits for the
// worker goroutine to exit.
func (inst *Instance) Unmount(ctx context.Context) error {
	if !inst.closed.CompareAndSwap(false, true) {
		return protocol.NewError(protocol.ErrUnmountFailed, "instance "+inst.ID+" is already unmounting")
	}

	j := job{kind: jobUnmount, ctx: ctx, resultCh: make(chan jobOutcome, 1)}

	select {
	case inst.mailbox <- j:
	default:
		return protocol.NewError(protocol.ErrOverloaded, "instance "+inst.ID+" mailbox is full")
	}

	select {
	case outcome := <-j.resultCh:
		return outcome.err
	case <-ctx.Done():
		return protocol.NewError(protocol.ErrTimeout, "unmount of "+inst.ID+" timed out")
	}
}

// Done reports the channel closed once the worker goroutine has exited.
func (inst *Instance) Done() <-chan struct{} { return inst.done }

// handleCall runs one method call to completion. A panicking method is
// recovered here rather than allowed to unwind through run()'s goroutine:
// an unrecovered panic anywhere in inst.run would take the whole process
// down with it, whereas a handler panic is just another handler failure
// (counted toward quarantine the same as a returned error).
func (inst *Instance) handleCall(j job) (result *CallResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			inst.recordFailure()
			inst.logger.Error("method panicked", "method", j.method, "panic", r)
			result = nil
			err = protocol.NewError(protocol.ErrHandlerError, fmt.Sprintf("panic in %s: %v", j.method, r)).WithRequestID(j.requestID)
		}
	}()

	inst.touch()

	method, lookupErr := inst.typ.LookupMethod(j.method)
	if lookupErr != nil {
		return nil, lookupErr
	}

	inst.mu.Lock()
	state := inst.state
	oldStateJSON := inst.stateJSON
	fromVersion := inst.version
	inst.mu.Unlock()

	mc := &registry.MethodContext{InstanceID: inst.ID, Emit: j.emit}
	value, callErr := method(j.ctx, mc, state, j.params)
	if callErr != nil {
		inst.recordFailure()
		return nil, protocol.NewError(protocol.ErrHandlerError, callErr.Error()).WithRequestID(j.requestID)
	}

	newStateJSON, err := json.Marshal(state)
	if err != nil {
		inst.recordFailure()
		return nil, protocol.NewError(protocol.ErrInternal, "state is not serializable after "+j.method+": "+err.Error())
	}

	result = &CallResult{}
	if value != nil {
		valBytes, err := json.Marshal(value)
		if err != nil {
			return nil, protocol.NewError(protocol.ErrInternal, "method result is not serializable: "+err.Error())
		}
		result.Value = valBytes
	}

	if string(newStateJSON) != string(oldStateJSON) {
		inst.mu.Lock()
		inst.version++
		toVersion := inst.version
		inst.stateJSON = newStateJSON
		inst.mu.Unlock()

		su, err := diff.Build(inst.ID, fromVersion, toVersion, oldStateJSON, newStateJSON, false)
		if err != nil {
			return nil, protocol.NewError(protocol.ErrInternal, "failed to build state update: "+err.Error())
		}
		result.StateUpdate = su
	}

	return result, nil
}

func (inst *Instance) handleUnmount(ctx context.Context) error {
	inst.touch()
	if inst.typ.OnUnmount == nil {
		return nil
	}

	inst.mu.Lock()
	state := inst.state
	inst.mu.Unlock()

	if err := inst.typ.OnUnmount(ctx, state); err != nil {
		return protocol.NewError(protocol.ErrUnmountFailed, "OnUnmount failed: "+err.Error())
	}
	return nil
}

func (inst *Instance) touch() {
	inst.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity reports when this instance last processed a mailbox item.
func (inst *Instance) LastActivity() time.Time {
	return time.Unix(0, inst.lastActivity.Load())
}

// Version reports the instance's current state version.
func (inst *Instance) Version() uint64 {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.version
}

// StateJSON returns the instance's current serialized state, for building an
// initial_state reply or a full resync.
func (inst *Instance) StateJSON() json.RawMessage {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.stateJSON
}

func (inst *Instance) recordFailure() {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-QuarantineWindow)
	fresh := inst.failures[:0]
	for _, t := range inst.failures {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	inst.failures = append(fresh, now)

	if len(inst.failures) >= QuarantineThreshold {
		inst.quarantined = true
		inst.logger.Warn("instance quarantined after repeated handler failures", "failures", len(inst.failures))
	}
}

func (inst *Instance) isQuarantined() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.quarantined
}
