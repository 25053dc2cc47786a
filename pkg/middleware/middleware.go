// Package middleware wraps pkg/dispatch.Dispatcher with cross-cutting
// concerns: Prometheus metrics and OpenTelemetry tracing around every
// dispatched update.
package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/livecomponent/runtime/pkg/dispatch"
	"github.com/livecomponent/runtime/pkg/protocol"
)

// Handler dispatches one decoded update for a connection. *dispatch.Dispatcher
// satisfies this interface, as does the Handler returned by Chain.
type Handler interface {
	Handle(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error

func (f HandlerFunc) Handle(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error {
	return f(ctx, conn, limiter, update)
}

// Middleware wraps a Handler to produce another Handler.
type Middleware func(next Handler) Handler

// Chain applies mws around base, in the order given: the first Middleware is
// outermost and runs first.
func Chain(base Handler, mws ...Middleware) Handler {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
