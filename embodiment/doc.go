// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package embodiment manages the sessions through which a guest agent
// inhabits a host's body. A session moves through a strict lifecycle:
// requested, then granted or denied; granted sessions become active on
// their first authorized call and end by expiry or revocation, both
// terminal.
//
// The capability set in force is computed once at grant time by
// narrowing the guest's request against the host's declaration, and is
// never widened afterwards. Every decision, including denied calls, is
// appended to a per-session audit trail that can also be written
// through to a durable sink.
package embodiment
