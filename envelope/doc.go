// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package envelope implements the signed message unit of the broker
// protocol: a typed, nonce-carrying envelope serialized with canonical
// CBOR and signed with Ed25519.
//
// The encoding is deterministic (RFC 8949 Core Deterministic Encoding),
// so the signature computed over an envelope survives decode/re-encode
// round trips on any conforming peer. Replay protection is first-class:
// verifiers track a per-sender nonce high-water mark inside a bounded
// timestamp window.
//
// Example:
//
//	kp, _ := envelope.GenerateKeyPair()
//	env, _ := envelope.New(envelope.TypeHeartbeat, "agent-a", 1, envelope.HeartbeatBody{Load: 0.2})
//	_ = kp.Sign(env)
//	wire, _ := envelope.Encode(env)
//
//	got, _ := envelope.Decode(wire)
//	if err := envelope.Verify(got, kp.Public()); err != nil {
//		// reject
//	}
package envelope
