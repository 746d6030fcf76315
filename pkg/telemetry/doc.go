// Package telemetry wires OpenTelemetry tracing and meters plus a Prometheus
// registry for the request pipeline.
//
// It centralises trace provider setup, records lifecycle outcomes and gate
// verdicts, and attaches coarse security events to spans without leaking
// header values or body bytes.
package telemetry
