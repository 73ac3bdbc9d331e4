// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package telemetry initializes the OpenTelemetry SDK for the broker:
// OTLP gRPC exporters for traces and metrics, a resource carrying the
// service name and broker id, and W3C trace-context propagation. When
// telemetry is disabled no exporter is created and the global
// providers stay noop.
package telemetry
