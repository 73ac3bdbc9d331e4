package envelope

import "errors"

// Decode and validation errors.
var (
	ErrMalformed        = errors.New("envelope: malformed bytes")
	ErrInvalidType      = errors.New("envelope: type outside the closed enumeration")
	ErrMissingAgentID   = errors.New("envelope: missing agent id")
	ErrMissingTimestamp = errors.New("envelope: missing timestamp")
	ErrMissingBody      = errors.New("envelope: missing body")
)

// Signature errors.
var (
	ErrMissingSignature = errors.New("envelope: missing signature")
	ErrBadSignature     = errors.New("envelope: signature verification failed")
	ErrBadKey           = errors.New("envelope: invalid key material")
)

// Replay protection errors.
var (
	ErrNonceReplayed  = errors.New("envelope: nonce already consumed")
	ErrStaleTimestamp = errors.New("envelope: timestamp outside the replay window")
)
