package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testMaster() []byte {
	master := make([]byte, 32)
	for i := range master {
		master[i] = byte(i)
	}
	return master
}

func TestDeriveAuthKeyPair_Deterministic(t *testing.T) {
	master := testMaster()

	pub1, priv1, err := DeriveAuthKeyPair(master)
	require.NoError(t, err)
	pub2, priv2, err := DeriveAuthKeyPair(master)
	require.NoError(t, err)

	require.Equal(t, pub1, pub2)
	require.Equal(t, priv1, priv2)
}

func TestDeriveContentKeyPair_Deterministic(t *testing.T) {
	master := testMaster()

	pub1, priv1, err := DeriveContentKeyPair(master)
	require.NoError(t, err)
	pub2, priv2, err := DeriveContentKeyPair(master)
	require.NoError(t, err)

	require.Equal(t, pub1[:], pub2[:])
	require.Equal(t, priv1[:], priv2[:])
}

func TestDerive_ContextsAreIndependent(t *testing.T) {
	master := testMaster()

	authPub, _, err := DeriveAuthKeyPair(master)
	require.NoError(t, err)
	contentPub, _, err := DeriveContentKeyPair(master)
	require.NoError(t, err)

	// Auth and content keys must never coincide even though both derive from
	// the same master secret.
	require.False(t, bytes.Equal(authPub, contentPub[:]))
}

func TestDerive_DifferentSecretsDifferentKeys(t *testing.T) {
	other := testMaster()
	other[0] ^= 0xff

	pub1, _, err := DeriveContentKeyPair(testMaster())
	require.NoError(t, err)
	pub2, _, err := DeriveContentKeyPair(other)
	require.NoError(t, err)

	require.NotEqual(t, pub1[:], pub2[:])
}

func TestDerive_RejectsShortMaster(t *testing.T) {
	_, _, err := DeriveAuthKeyPair([]byte("too short"))
	require.Error(t, err)
}
