// Copyright (c) Soma Authors.
// Licensed under the MIT License.

/*
Package types provides the shared type definitions of the Soma broker.

types is the lowest-level common package. It depends on no internal
package and provides the unified contracts the envelope, registry,
embodiment, federation, and api layers share, so that cross-package
imports never cycle.

Core types:

  - Error / ErrorCode: structured error taxonomy with HTTP status,
    Retryable, and Origin markers. Protocol codes (DECODE_ERROR,
    AUTH_ERROR, REPLAY_ERROR, IDENTITY_CONFLICT, CAPABILITY_DENIED,
    SESSION_EXPIRED, SESSION_REVOKED, NONE_AVAILABLE,
    FEDERATION_UNREACHABLE) are wire-visible and stable.
  - Context propagation: WithRequestID / WithAgentID / WithSessionID /
    WithBrokerID / WithSubject and their accessors.
*/
package types
