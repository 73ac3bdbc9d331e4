// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package api defines the HTTP wire shapes of the broker.
//
// The broker exposes two very different surfaces on one listener:
//
//   - POST /v1/envelopes takes a signed CBOR envelope
//     (application/cbor) and answers with the signed reply envelope.
//     Envelopes authenticate themselves, so this route carries no
//     bearer auth; rejection verdicts map onto HTTP status codes but
//     the authoritative outcome is the envelope body.
//   - GET /v1/federation upgrades to a WebSocket and runs the
//     broker-to-broker handshake.
//
// Everything else is the JSON admin surface, guarded by JWT when auth
// is enabled: agent, link, and session listings, per-session audit
// trails, and a redacted view of the running configuration. Health
// probes (/health, /healthz, /ready) and /version stay open.
//
// This package holds the JSON view types; api/handlers holds the
// handlers.
package api
