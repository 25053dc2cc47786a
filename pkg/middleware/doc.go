// Package middleware wraps pkg/dispatch.Dispatcher with cross-cutting
// observability concerns: OpenTelemetry tracing and Prometheus metrics
// around every dispatched update.
//
// # OpenTelemetry Middleware
//
// The OpenTelemetry middleware traces every dispatched update. Traces
// include the connection id, update type, and (for callMethod) the
// component, method, and instance id.
//
//	handler := middleware.Chain(dispatcher,
//	    middleware.OpenTelemetry(middleware.WithTracerName("my-app")),
//	)
//
// # Prometheus Metrics
//
// The Prometheus middleware collects metrics about dispatched updates:
//   - livecomponent_dispatch_updates_total: updates by type and outcome
//   - livecomponent_dispatch_update_duration_seconds: duration histogram by type
//   - livecomponent_dispatch_update_errors_total: failures by type and protocol error code
//
//	handler := middleware.Chain(dispatcher,
//	    middleware.Prometheus(middleware.WithNamespace("myapp")),
//	)
//
// Chain's resulting Handler can then stand in for the raw Dispatcher
// wherever pkg/server expects one.
package middleware
