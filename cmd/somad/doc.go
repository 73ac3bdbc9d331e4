// Copyright (c) Soma Authors.
// Licensed under the MIT License.

/*
Package main implements somad, the Soma federation broker daemon.

Subcommands: serve starts the broker, migrate runs schema migrations,
version prints build identity, health probes a running instance.

serve loads configuration (YAML plus SOMA_ environment overrides),
resolves the broker's Ed25519 identity from the configured key file,
then assembles the broker core behind an HTTP server: envelope intake
at POST /v1/envelopes, the federation WebSocket upgrade at
GET /v1/federation, and the read-only admin surface under /v1. Probes
and Prometheus metrics run on their own listener when configured.

Requests pass through a middleware chain in fixed order: Recovery,
RequestID, SecurityHeaders, RequestLogger, tracing, metrics, CORS,
per-IP rate limiting, and JWT auth on the admin surface. The response
writer wrappers expose Unwrap so the federation upgrade can hijack the
connection through the chain.

Shutdown is signal driven and ordered: stop accepting HTTP, snapshot
sessions, close the broker core, release stores, flush telemetry.

Version, BuildTime, and GitCommit are injected through ldflags.
*/
package main
