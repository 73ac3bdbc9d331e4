package federation

import (
	"crypto/rand"
	"fmt"

	"github.com/somatica/soma/envelope"
)

// challengeSize is the length of the random handshake nonce each side
// issues. The peer must sign it to prove possession of its link key.
const challengeSize = 32

func newChallenge() ([]byte, error) {
	buf := make([]byte, challengeSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("federation: generating challenge: %w", err)
	}
	return buf, nil
}

// challengeProof is the byte string a broker signs during the handshake:
// the peer's challenge followed by the prover's own broker ID. Binding
// the prover ID means a captured proof cannot be replayed to impersonate
// a different broker.
func challengeProof(challenge []byte, proverID string) []byte {
	out := make([]byte, 0, len(challenge)+len(proverID))
	out = append(out, challenge...)
	out = append(out, proverID...)
	return out
}

func proveChallenge(kp *envelope.KeyPair, challenge []byte, proverID string) []byte {
	return kp.SignBytes(challengeProof(challenge, proverID))
}

func verifyChallenge(publicKey, challenge []byte, proverID string, sig []byte) error {
	if len(challenge) != challengeSize {
		return fmt.Errorf("federation: challenge must be %d bytes, got %d", challengeSize, len(challenge))
	}
	return envelope.VerifyBytes(publicKey, challengeProof(challenge, proverID), sig)
}
