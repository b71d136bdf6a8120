// Package observability provides the shared logging, metrics, and tracing
// plumbing for larkgate.
//
// Logging is built on log/slog with a redacting handler that scrubs known
// secret shapes (app secrets, API keys, bearer tokens) from attribute
// values before they reach the sink. Components receive a plain
// *slog.Logger and stay unaware of redaction.
//
// Metrics are Prometheus collectors behind the Metrics facade, exposed on
// the gateway's /metrics endpoint. Series cover inbound admission results,
// task state transitions, provider API calls, announce queue activity, and
// transcript-guard interventions.
//
// Tracing is OpenTelemetry over OTLP/gRPC. With no endpoint configured the
// tracer is a no-op, so instrumented call sites cost nothing in the
// default deployment.
package observability
