// Package observability wires logging, Prometheus metrics and OpenTelemetry
// tracing for ragbench.
//
// Metrics live on a private registry so tests and multiple harnesses in one
// process never collide on the default registerer. Every Metrics method is
// safe on a nil receiver, which lets components run without metrics.
//
// Tracing is a no-op unless an OTLP endpoint is configured.
package observability
