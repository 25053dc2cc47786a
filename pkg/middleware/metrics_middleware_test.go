package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"golang.org/x/time/rate"

	"github.com/livecomponent/runtime/pkg/dispatch"
	"github.com/livecomponent/runtime/pkg/protocol"
)

func resetGlobalMetricsForTest() {
	globalMetricsMu.Lock()
	globalMetrics = nil
	globalMetricsMu.Unlock()
}

func metricCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	return m.GetCounter().GetValue()
}

func metricHistogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := o.(prometheus.Metric)
	if !ok {
		t.Fatalf("observer %T does not implement prometheus.Metric", o)
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		t.Fatalf("histogram Write() error: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

type fakeConn struct{ id string }

func (f *fakeConn) ID() string                        { return f.id }
func (f *fakeConn) Send(update protocol.Update) error { return nil }

func TestPrometheusMiddleware_RecordsSuccess(t *testing.T) {
	resetGlobalMetricsForTest()
	reg := prometheus.NewRegistry()

	mw := Prometheus(WithRegistry(reg))
	base := HandlerFunc(func(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error {
		return nil
	})
	h := mw(base)

	conn := &fakeConn{id: "c1"}
	err := h.Handle(context.Background(), conn, nil, &protocol.Ping{Type: protocol.TypePing})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := metricCounterValue(t, globalMetrics.updatesTotal.WithLabelValues("ping", "success")); got != 1 {
		t.Fatalf("updates_total(ping,success)=%v, want 1", got)
	}
	if got := metricCounterValue(t, globalMetrics.updatesTotal.WithLabelValues("ping", "error")); got != 0 {
		t.Fatalf("updates_total(ping,error)=%v, want 0", got)
	}
	if got := metricHistogramCount(t, globalMetrics.updateDuration.WithLabelValues("ping")); got == 0 {
		t.Fatal("expected update_duration_seconds histogram sample count > 0")
	}
}

func TestPrometheusMiddleware_RecordsErrorByCode(t *testing.T) {
	resetGlobalMetricsForTest()
	reg := prometheus.NewRegistry()

	mw := Prometheus(WithRegistry(reg))
	base := HandlerFunc(func(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error {
		return protocol.NewError(protocol.ErrTimeout, "handler timed out")
	})
	h := mw(base)

	conn := &fakeConn{id: "c1"}
	call := &protocol.CallMethod{Type: protocol.TypeCallMethod, ComponentName: "Counter", MethodName: "increment"}
	err := h.Handle(context.Background(), conn, nil, call)
	if err == nil {
		t.Fatal("expected error to propagate")
	}

	if got := metricCounterValue(t, globalMetrics.updatesTotal.WithLabelValues("callMethod", "error")); got != 1 {
		t.Fatalf("updates_total(callMethod,error)=%v, want 1", got)
	}
	if got := metricCounterValue(t, globalMetrics.updateErrors.WithLabelValues("callMethod", "timeout")); got != 1 {
		t.Fatalf("update_errors_total(callMethod,timeout)=%v, want 1", got)
	}
}

func TestPrometheusMiddleware_UnknownErrorType(t *testing.T) {
	resetGlobalMetricsForTest()
	reg := prometheus.NewRegistry()

	mw := Prometheus(WithRegistry(reg))
	base := HandlerFunc(func(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error {
		return errors.New("boom")
	})
	h := mw(base)

	conn := &fakeConn{id: "c1"}
	_ = h.Handle(context.Background(), conn, nil, &protocol.Ping{Type: protocol.TypePing})

	if got := metricCounterValue(t, globalMetrics.updateErrors.WithLabelValues("ping", "unknown")); got != 1 {
		t.Fatalf("update_errors_total(ping,unknown)=%v, want 1", got)
	}
}

func TestChainAppliesMiddlewareInOrder(t *testing.T) {
	var order []string
	track := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error {
				order = append(order, name+":before")
				err := next.Handle(ctx, conn, limiter, update)
				order = append(order, name+":after")
				return err
			})
		}
	}

	base := HandlerFunc(func(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error {
		order = append(order, "base")
		return nil
	})

	h := Chain(base, track("outer"), track("inner"))
	_ = h.Handle(context.Background(), &fakeConn{id: "c1"}, nil, &protocol.Ping{Type: protocol.TypePing})

	want := []string{"outer:before", "inner:before", "base", "inner:after", "outer:after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
