package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somatica/soma/envelope"
)

func TestChallengeProofRoundTrip(t *testing.T) {
	keys, err := envelope.GenerateKeyPair()
	require.NoError(t, err)

	challenge, err := newChallenge()
	require.NoError(t, err)
	require.Len(t, challenge, challengeSize)

	sig := proveChallenge(keys, challenge, "broker-east")
	require.NoError(t, verifyChallenge(keys.Public(), challenge, "broker-east", sig))
}

func TestChallengeProofBindsProverIdentity(t *testing.T) {
	keys, err := envelope.GenerateKeyPair()
	require.NoError(t, err)

	challenge, err := newChallenge()
	require.NoError(t, err)

	// A proof captured from one broker must not verify for another
	// identity, even under the same key.
	sig := proveChallenge(keys, challenge, "broker-east")
	err = verifyChallenge(keys.Public(), challenge, "broker-west", sig)
	assert.ErrorIs(t, err, envelope.ErrBadSignature)
}

func TestChallengeProofRejectsWrongKey(t *testing.T) {
	signer, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	other, err := envelope.GenerateKeyPair()
	require.NoError(t, err)

	challenge, err := newChallenge()
	require.NoError(t, err)

	sig := proveChallenge(signer, challenge, "broker-east")
	err = verifyChallenge(other.Public(), challenge, "broker-east", sig)
	assert.ErrorIs(t, err, envelope.ErrBadSignature)
}

func TestChallengeProofRejectsShortChallenge(t *testing.T) {
	keys, err := envelope.GenerateKeyPair()
	require.NoError(t, err)

	sig := proveChallenge(keys, []byte("short"), "broker-east")
	err = verifyChallenge(keys.Public(), []byte("short"), "broker-east", sig)
	assert.Error(t, err)
}

func TestChallengesAreUnique(t *testing.T) {
	a, err := newChallenge()
	require.NoError(t, err)
	b, err := newChallenge()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
