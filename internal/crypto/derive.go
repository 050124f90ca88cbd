package crypto

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

// KDF context strings. Distinct contexts guarantee the auth and content
// keypairs are independent even though both derive from the same master
// secret.
const (
	contextAuth    = "mobvauth"
	contextContent = "mobvcont"
)

// Subkey ids for the derivation tree under each context.
const (
	subkeySigning  uint64 = 1
	subkeyExchange uint64 = 2
)

// deriveSubkey derives a 32-byte subkey from the master secret using keyed
// BLAKE2b. The 16-byte salt encodes the subkey id and the 16-byte
// personalization encodes the context string, matching the libsodium KDF
// construction.
func deriveSubkey(master []byte, subkeyID uint64, context string) ([]byte, error) {
	if len(master) != 32 {
		return nil, fmt.Errorf("master secret must be 32 bytes, got %d", len(master))
	}
	if len(context) > 16 {
		return nil, fmt.Errorf("context too long: %q", context)
	}

	h, err := blake2b.New256(master)
	if err != nil {
		return nil, fmt.Errorf("failed to init kdf: %w", err)
	}

	var salt [16]byte
	binary.LittleEndian.PutUint64(salt[:], subkeyID)
	var personal [16]byte
	copy(personal[:], context)

	h.Write(salt[:])
	h.Write(personal[:])
	return h.Sum(nil), nil
}

// DeriveAuthKeyPair derives the device's Ed25519 signing keypair from the
// master secret. Deterministic: the same secret always yields the same
// keypair, so identity survives reinstalls without extra storage.
func DeriveAuthKeyPair(master []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	seed, err := deriveSubkey(master, subkeySigning, contextAuth)
	if err != nil {
		return nil, nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

// DeriveContentKeyPair derives the device's X25519 content keypair from the
// master secret. The derived seed is hashed once more and used as the scalar
// for a Curve25519 basepoint multiplication.
func DeriveContentKeyPair(master []byte) (*[32]byte, *[32]byte, error) {
	seed, err := deriveSubkey(master, subkeyExchange, contextContent)
	if err != nil {
		return nil, nil, err
	}

	scalar := blake2b.Sum256(seed)
	var priv [32]byte
	copy(priv[:], scalar[:])

	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	var pub [32]byte
	copy(pub[:], pubBytes)

	return &pub, &priv, nil
}
