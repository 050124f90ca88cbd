package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

// WrapDEK seals a session data-encryption-key for a recipient's content
// public key using an anonymous sealed box:
//
//	[ephemeral public key (32 bytes)][box ciphertext]
//
// The nonce is derived as BLAKE2b-192(ephemeralPub || recipientPub) so the
// recipient can reconstruct it without transmission.
func WrapDEK(dek []byte, recipientPub *[32]byte) (string, error) {
	if len(dek) != 32 {
		return "", fmt.Errorf("dek must be 32 bytes, got %d", len(dek))
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}

	nonce, err := sealNonce(ephemeralPub, recipientPub)
	if err != nil {
		return "", err
	}

	sealed := box.Seal(nil, dek, nonce, recipientPub, ephemeralPriv)

	result := make([]byte, 32+len(sealed))
	copy(result[0:32], ephemeralPub[:])
	copy(result[32:], sealed)

	return base64.StdEncoding.EncodeToString(result), nil
}

// UnwrapDEK opens a sealed DEK with the recipient's content keypair. Fails
// closed on truncated input or authentication failure.
func UnwrapDEK(wrapped string, recipientPub, recipientSecret *[32]byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wrapped dek: %w", err)
	}
	if len(raw) < 32+box.Overhead {
		return nil, fmt.Errorf("wrapped dek too short: %d bytes", len(raw))
	}

	var ephemeralPub [32]byte
	copy(ephemeralPub[:], raw[0:32])

	nonce, err := sealNonce(&ephemeralPub, recipientPub)
	if err != nil {
		return nil, err
	}

	dek, ok := box.Open(nil, raw[32:], nonce, &ephemeralPub, recipientSecret)
	if !ok {
		return nil, fmt.Errorf("dek unwrap failed")
	}
	if len(dek) != 32 {
		return nil, fmt.Errorf("invalid dek length: %d", len(dek))
	}
	return dek, nil
}

// sealNonce derives the 24-byte sealed-box nonce from the two public keys.
func sealNonce(ephemeralPub, recipientPub *[32]byte) (*[24]byte, error) {
	h, err := blake2b.New(24, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init nonce hash: %w", err)
	}
	h.Write(ephemeralPub[:])
	h.Write(recipientPub[:])

	var nonce [24]byte
	copy(nonce[:], h.Sum(nil))
	return &nonce, nil
}
