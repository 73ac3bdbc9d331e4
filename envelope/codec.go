package envelope

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Canonical encoding keeps envelope bytes deterministic: map keys are
// sorted per RFC 8949 Core Deterministic Encoding and indefinite-length
// items are forbidden, so the same logical envelope always serializes to
// the same bytes and signatures survive re-encoding.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	var err error
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: building encode mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		// Decode CBOR maps into map[string]any instead of
		// map[any]any so payload schemas stay JSON-shaped.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IndefLength:    cbor.IndefLengthForbidden,
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: building decode mode: %v", err))
	}
}

// Marshal encodes a value into canonical CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes canonical CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode serializes an envelope to its canonical wire bytes.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	data, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return data, nil
}

// Decode parses wire bytes into an envelope and validates the required
// fields. Unknown envelope types, truncated bytes, and schema-violating
// payloads all surface as decode failures.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	var e Envelope
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// SigningBytes returns the canonical encoding of the envelope with the
// signature field cleared. This is the exact byte sequence Ed25519 signs
// and verifies.
func SigningBytes(e *Envelope) ([]byte, error) {
	unsigned := *e
	unsigned.Signature = nil
	data, err := encMode.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return data, nil
}
