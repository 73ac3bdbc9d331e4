// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package registry tracks agent identities for the broker. An agent ID
// is pinned to the Ed25519 public key presented at first registration;
// later registrations with the same key atomically replace the agent's
// declared bodies, and registrations with a different key are rejected
// as identity conflicts until the identity is released.
//
// Liveness is heartbeat-driven. Agents that miss their window become
// stale and drop out of discovery and selection; agents stale past the
// grace period are purged, which releases the identity and cascades to
// the tool index and session manager through subscribed event handlers.
package registry
