package middleware

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/livecomponent/runtime/pkg/dispatch"
	"github.com/livecomponent/runtime/pkg/protocol"
)

func TestOpenTelemetryMiddleware_AnnotatesCallMethod(t *testing.T) {
	var sawSpan trace.Span

	mw := OpenTelemetry(
		WithAttributeExtractor(func(update protocol.Update) []attribute.KeyValue {
			return []attribute.KeyValue{attribute.String("test.attr", "ok")}
		}),
	)
	base := HandlerFunc(func(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error {
		sawSpan = trace.SpanFromContext(ctx)
		return nil
	})

	call := &protocol.CallMethod{Type: protocol.TypeCallMethod, ComponentName: "Counter", MethodName: "increment", ID: "inst-1"}
	err := mw(base).Handle(context.Background(), &fakeConn{id: "c1"}, nil, call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sawSpan == nil {
		t.Fatal("expected a span to be present in the context passed to next")
	}
}

func TestOpenTelemetryMiddleware_ErrorPropagates(t *testing.T) {
	wantErr := errors.New("boom")
	base := HandlerFunc(func(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error {
		return wantErr
	})

	err := OpenTelemetry()(base).Handle(context.Background(), &fakeConn{id: "c1"}, nil, &protocol.Ping{Type: protocol.TypePing})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected error %v, got %v", wantErr, err)
	}
}

func TestOpenTelemetryMiddleware_FilterSkipsTracing(t *testing.T) {
	nextCalled := false
	base := HandlerFunc(func(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error {
		nextCalled = true
		if trace.SpanContextFromContext(ctx).IsValid() {
			t.Fatal("expected no valid span context when filter skips tracing")
		}
		return nil
	})

	mw := OpenTelemetry(WithUpdateFilter(func(update protocol.Update) bool {
		return update.Kind() != protocol.TypePing
	}))

	err := mw(base).Handle(context.Background(), &fakeConn{id: "c1"}, nil, &protocol.Ping{Type: protocol.TypePing})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !nextCalled {
		t.Fatal("expected next to be called")
	}
}
