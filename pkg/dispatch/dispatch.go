package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/livecomponent/runtime/pkg/diff"
	"github.com/livecomponent/runtime/pkg/eventbus"
	"github.com/livecomponent/runtime/pkg/lifecycle"
	"github.com/livecomponent/runtime/pkg/protocol"
	"github.com/livecomponent/runtime/pkg/registry"
)

// DefaultRPS and DefaultBurst are the default per-connection rate limits.
const (
	DefaultRPS   = 50
	DefaultBurst = 100
)

// DefaultHandlerTimeout bounds how long a single method call may run before
// the caller receives TIMEOUT.
const DefaultHandlerTimeout = 15 * time.Second

// Connection is the minimal surface a transport must provide for dispatch to
// deliver replies and fanned-out updates.
type Connection interface {
	ID() string
	Send(update protocol.Update) error
}

// UploadHandler processes the chunked-upload update types. Dispatch defers
// to it rather than owning upload assembly itself.
type UploadHandler interface {
	HandleBegin(ctx context.Context, conn Connection, u *protocol.UploadBegin) error
	HandleChunk(ctx context.Context, conn Connection, u *protocol.UploadChunk) error
	HandleEnd(ctx context.Context, conn Connection, u *protocol.UploadEnd) error
}

// NewLimiter builds the token-bucket limiter for one connection.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		rps = DefaultRPS
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Dispatcher routes updates for every connection; it holds no per-connection
// state itself (that lives in the caller's Connection and rate.Limiter).
type Dispatcher struct {
	manager        *lifecycle.Manager
	bus            *eventbus.Bus
	uploads        UploadHandler
	handlerTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithUploadHandler wires a chunked-upload assembler into the dispatcher.
func WithUploadHandler(h UploadHandler) Option {
	return func(d *Dispatcher) { d.uploads = h }
}

// WithHandlerTimeout overrides DefaultHandlerTimeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.handlerTimeout = d }
}

// New builds a Dispatcher over a lifecycle Manager and event Bus.
func New(manager *lifecycle.Manager, bus *eventbus.Bus, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		manager:        manager,
		bus:            bus,
		handlerTimeout: DefaultHandlerTimeout,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle routes one decoded update for conn, rate-limited by limiter. Any
// reply due directly to conn (initial_state, function-result,
// function-error, pong, error) is sent before Handle returns; a
// state-changing method call additionally fans its state_update out to every
// subscriber of the instance via the event bus. The returned error is the
// same condition reported to conn, surfaced so the transport layer can
// decide whether it warrants closing the connection.
func (d *Dispatcher) Handle(ctx context.Context, conn Connection, limiter *rate.Limiter, update protocol.Update) error {
	if limiter != nil && !limiter.Allow() {
		err := protocol.NewError(protocol.ErrRateLimited, "rate limit exceeded")
		_ = conn.Send(err.ToFrame())
		return err
	}

	switch u := update.(type) {
	case *protocol.GetInitialState:
		return d.handleGetInitialState(ctx, conn, u)
	case *protocol.CallMethod:
		return d.handleCallMethod(ctx, conn, u)
	case *protocol.Subscribe:
		return d.handleSubscribe(ctx, conn, u)
	case *protocol.Unsubscribe:
		d.bus.Unsubscribe(u.ID, conn.ID())
		return nil
	case *protocol.Ping:
		return conn.Send(&protocol.Pong{Type: protocol.TypePong, Timestamp: u.Timestamp})
	case *protocol.UploadBegin:
		return d.delegateUpload(ctx, conn, func() error { return d.uploads.HandleBegin(ctx, conn, u) })
	case *protocol.UploadChunk:
		return d.delegateUpload(ctx, conn, func() error { return d.uploads.HandleChunk(ctx, conn, u) })
	case *protocol.UploadEnd:
		return d.delegateUpload(ctx, conn, func() error { return d.uploads.HandleEnd(ctx, conn, u) })
	default:
		err := protocol.NewError(protocol.ErrBadFrame, "unhandled update kind")
		_ = conn.Send(err.ToFrame())
		return err
	}
}

func (d *Dispatcher) delegateUpload(ctx context.Context, conn Connection, fn func() error) error {
	if d.uploads == nil {
		err := protocol.NewError(protocol.ErrInternal, "uploads are not configured on this server")
		_ = conn.Send(err.ToFrame())
		return err
	}
	if err := fn(); err != nil {
		if perr, ok := err.(*protocol.Error); ok {
			_ = conn.Send(perr.ToFrame())
		} else {
			_ = conn.Send(protocol.NewError(protocol.ErrInternal, err.Error()).ToFrame())
		}
		return err
	}
	return nil
}

func (d *Dispatcher) handleGetInitialState(ctx context.Context, conn Connection, u *protocol.GetInitialState) error {
	inst, err := d.manager.Mount(ctx, lifecycle.MountRequest{
		ComponentName:  u.ComponentName,
		Props:          u.Props,
		UserProvidedID: u.UserProvidedID,
	})
	if err != nil {
		d.sendError(conn, err, "")
		return err
	}

	return conn.Send(&protocol.InitialState{
		Type:          protocol.TypeInitialState,
		ComponentName: inst.TypeName,
		State:         inst.StateJSON(),
		ID:            inst.ID,
		Fingerprint:   inst.Fingerprint,
	})
}

// handleSubscribe attaches conn as a subscriber of u.ID and immediately
// catches it up with a full resync: a freshly subscribed connection has no
// way to otherwise learn the instance's current version (spec §4.9, I3).
func (d *Dispatcher) handleSubscribe(ctx context.Context, conn Connection, u *protocol.Subscribe) error {
	inst, ok := d.manager.Get(u.ID)
	if !ok {
		err := protocol.NewError(protocol.ErrVersionGap, "instance "+u.ID+" is not mounted on this server")
		d.sendError(conn, err, "")
		return err
	}

	d.bus.Subscribe(u.ID, conn)

	su, err := diff.Build(u.ID, u.KnownVersion, inst.Version(), nil, inst.StateJSON(), true)
	if err != nil {
		werr := protocol.NewError(protocol.ErrInternal, "failed to build initial resync: "+err.Error())
		d.sendError(conn, werr, "")
		return werr
	}
	d.bus.TrackVersion(u.ID, conn.ID(), inst.Version())

	return conn.Send(su)
}

func (d *Dispatcher) handleCallMethod(ctx context.Context, conn Connection, u *protocol.CallMethod) error {
	inst, ok := d.manager.Get(u.ID)
	if !ok {
		err := protocol.NewError(protocol.ErrVersionGap, "instance "+u.ID+" is not mounted on this server; call getInitialState again")
		d.sendError(conn, err, u.RequestID)
		return err
	}

	if u.HydrationAttempt {
		if _, fresh := d.manager.Rehydrate(u.ID, u.Fingerprint); !fresh {
			return d.remountAndResync(ctx, conn, u.ID, u.RequestID)
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if d.handlerTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.handlerTimeout)
		defer cancel()
	}

	emit := registry.EmitFunc(func(scope protocol.EventScope, room, name string, data json.RawMessage) error {
		return d.bus.Publish(eventbus.PublishRequest{
			Scope:          scope,
			FromInstanceID: u.ID,
			Room:           room,
			Name:           name,
			Data:           data,
			RequestID:      u.RequestID,
			Origin:         conn,
		})
	})

	result, err := inst.Call(callCtx, u.MethodName, u.Params, u.RequestID, emit)
	if err != nil {
		d.sendError(conn, err, u.RequestID)
		return err
	}

	if sendErr := conn.Send(&protocol.FunctionResult{
		Type:      protocol.TypeFunctionResult,
		RequestID: u.RequestID,
		ID:        u.ID,
		Value:     result.Value,
	}); sendErr != nil {
		return sendErr
	}

	if result.StateUpdate != nil {
		if err := d.bus.BroadcastVersioned(u.ID, result.StateUpdate, inst.StateJSON()); err != nil {
			d.logger.Warn("failed to broadcast state update", "instanceId", u.ID, "error", err)
		}
	}

	return nil
}

// remountAndResync handles a hydrationAttempt whose fingerprint no longer
// matches the live instance: the stored state is discarded, a fresh instance
// is mounted in its place, and conn (now subscribed) plus any other existing
// subscriber of id receives a full=true state_update reflecting it, per
// spec §3 ("discards the stored state and re-initializes") and §4.9.
func (d *Dispatcher) remountAndResync(ctx context.Context, conn Connection, id, requestID string) error {
	newInst, err := d.manager.Remount(ctx, id)
	if err != nil {
		d.sendError(conn, err, requestID)
		return err
	}

	d.bus.Subscribe(id, conn)

	su, err := diff.Build(id, 0, newInst.Version(), nil, newInst.StateJSON(), true)
	if err != nil {
		werr := protocol.NewError(protocol.ErrInternal, "failed to build resync: "+err.Error())
		d.sendError(conn, werr, requestID)
		return werr
	}

	if broadcastErr := d.bus.BroadcastVersioned(id, su, newInst.StateJSON()); broadcastErr != nil {
		d.logger.Warn("failed to broadcast remount resync", "instanceId", id, "error", broadcastErr)
	}

	return nil
}

func (d *Dispatcher) sendError(conn Connection, err error, requestID string) {
	perr, ok := err.(*protocol.Error)
	if !ok {
		perr = protocol.NewError(protocol.ErrInternal, err.Error())
	}
	if requestID != "" {
		perr = perr.WithRequestID(requestID)
	}
	_ = conn.Send(&protocol.FunctionError{
		Type:      protocol.TypeFunctionError,
		RequestID: perr.RequestID,
		ID:        "",
		Code:      perr.Code,
		Message:   perr.Message,
	})
}
