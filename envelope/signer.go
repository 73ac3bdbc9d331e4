package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// KeyPair holds an Ed25519 signing identity. Agents and brokers carry
// one each; the public half is pinned at registration and at federation
// handshake.
type KeyPair struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh random Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: generating key pair: %w", err)
	}
	return &KeyPair{public: pub, private: priv}, nil
}

// KeyPairFromSeed derives a deterministic key pair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrBadKey, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{
		public:  priv.Public().(ed25519.PublicKey),
		private: priv,
	}, nil
}

// Public returns the public key bytes.
func (kp *KeyPair) Public() []byte {
	return append([]byte(nil), kp.public...)
}

// Sign computes the signature over the envelope's canonical signing
// bytes and attaches it.
func (kp *KeyPair) Sign(e *Envelope) error {
	data, err := SigningBytes(e)
	if err != nil {
		return err
	}
	e.Signature = ed25519.Sign(kp.private, data)
	return nil
}

// SignBytes signs raw bytes, used for handshake challenges where the
// signed material is not an envelope.
func (kp *KeyPair) SignBytes(data []byte) []byte {
	return ed25519.Sign(kp.private, data)
}

// Verify checks the envelope signature against the given public key.
// The failure reason is deliberately uniform: callers cannot tell a
// wrong key from a tampered payload.
func Verify(e *Envelope, publicKey []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes, got %d", ErrBadKey, ed25519.PublicKeySize, len(publicKey))
	}
	if len(e.Signature) == 0 {
		return ErrMissingSignature
	}
	data, err := SigningBytes(e)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), data, e.Signature) {
		return ErrBadSignature
	}
	return nil
}

// VerifyBytes checks a raw-byte signature, the counterpart of SignBytes.
func VerifyBytes(publicKey, data, sig []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes, got %d", ErrBadKey, ed25519.PublicKeySize, len(publicKey))
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), data, sig) {
		return ErrBadSignature
	}
	return nil
}
