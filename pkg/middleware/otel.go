package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/livecomponent/runtime/pkg/dispatch"
	"github.com/livecomponent/runtime/pkg/protocol"
)

// defaultTracerName is the tracer name used when OTelConfig.TracerName is
// left unset.
const defaultTracerName = "livecomponent"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "livecomponent").
	TracerName string

	// Filter determines which updates to trace. Return true to trace the
	// update, false to skip it. A nil Filter traces everything.
	Filter func(update protocol.Update) bool

	// AttributeExtractor extracts custom attributes from the update.
	AttributeExtractor func(update protocol.Update) []attribute.KeyValue

	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) { c.TracerName = name }
}

// WithUpdateFilter sets a filter function for which updates are traced.
func WithUpdateFilter(filter func(update protocol.Update) bool) OTelOption {
	return func(c *OTelConfig) { c.Filter = filter }
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(update protocol.Update) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) { c.AttributeExtractor = extractor }
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{TracerName: defaultTracerName}
}

// OpenTelemetry wraps a Handler with a middleware that traces every
// dispatched update.
//
// The span name is "livecomponent.<update type>"; attributes include the
// connection id and, for callMethod, the component and method name. The
// tracer uses the global OpenTelemetry tracer provider — configure it in
// main() before starting the server.
func OpenTelemetry(opts ...OTelOption) Middleware {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}
	config.tracer = otel.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error {
			if config.Filter != nil && !config.Filter(update) {
				return next.Handle(ctx, conn, limiter, update)
			}

			attrs := []attribute.KeyValue{
				attribute.String("livecomponent.connection_id", conn.ID()),
				attribute.String("livecomponent.update_type", string(update.Kind())),
			}
			if call, ok := update.(*protocol.CallMethod); ok {
				attrs = append(attrs,
					attribute.String("livecomponent.component", call.ComponentName),
					attribute.String("livecomponent.method", call.MethodName),
					attribute.String("livecomponent.instance_id", call.ID),
				)
			}
			if config.AttributeExtractor != nil {
				attrs = append(attrs, config.AttributeExtractor(update)...)
			}

			spanName := fmt.Sprintf("livecomponent.%s", update.Kind())
			spanCtx, span := config.tracer.Start(
				ctx,
				spanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			err := next.Handle(spanCtx, conn, limiter, update)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		})
	}
}
