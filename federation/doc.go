// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package federation manages broker-to-broker links: the mutual signed
// handshake that pins peer identities, per-link heartbeats, and the
// Pending/Connected/Degraded/Severed state machine.
//
// A link starts Pending and becomes Connected only after both sides
// prove possession of their Ed25519 keys by signing each other's
// 32-byte challenge. Missed heartbeats degrade a link; a streak of
// consecutive failures severs it, at which point every tool imported
// from that peer must be evicted. Reconnecting re-enters through
// Pending.
//
// Frames on the wire are canonical CBOR envelopes carried over
// WebSocket with exponential-backoff reconnection and send buffering.
package federation
