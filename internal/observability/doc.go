// Package observability provides structured logging (zap), Prometheus
// metrics and OpenTelemetry tracing for the gateway.
//
// Components receive an observability.Logger through functional
// options and default to NopLogger. The Metrics type owns a private
// registry that backs the /metrics endpoint.
package observability
