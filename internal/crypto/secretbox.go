package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/mobvibe/mobvibe/internal/wire"
)

// GenerateDEK generates a fresh 32-byte session data-encryption-key.
func GenerateDEK() (*[32]byte, error) {
	var dek [32]byte
	if _, err := rand.Read(dek[:]); err != nil {
		return nil, fmt.Errorf("failed to generate dek: %w", err)
	}
	return &dek, nil
}

// EncryptPayload encrypts an event payload with the session DEK using
// XSalsa20-Poly1305. Format inside the envelope: base64(nonce || ciphertext).
func EncryptPayload(payload any, dek *[32]byte) (wire.EncryptedPayload, error) {
	var plaintext []byte
	switch v := payload.(type) {
	case json.RawMessage:
		plaintext = []byte(v)
	case []byte:
		plaintext = v
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return wire.EncryptedPayload{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		plaintext = encoded
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return wire.EncryptedPayload{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, plaintext, &nonce, dek)

	combined := make([]byte, 24+len(sealed))
	copy(combined[0:24], nonce[:])
	copy(combined[24:], sealed)

	return wire.EncryptedPayload{
		T: wire.EncryptedTag,
		C: base64.StdEncoding.EncodeToString(combined),
	}, nil
}

// DecryptPayload opens an encrypted payload envelope with the session DEK and
// unmarshals the plaintext JSON into target. Fails closed: tampered
// ciphertext or a wrong key yields an error, never partial plaintext.
func DecryptPayload(env wire.EncryptedPayload, dek *[32]byte, target any) error {
	if env.T != wire.EncryptedTag {
		return fmt.Errorf("not an encrypted payload: tag %q", env.T)
	}

	combined, err := base64.StdEncoding.DecodeString(env.C)
	if err != nil {
		return fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(combined) < 24+secretbox.Overhead {
		return fmt.Errorf("encrypted payload too short: %d bytes", len(combined))
	}

	var nonce [24]byte
	copy(nonce[:], combined[0:24])

	plaintext, ok := secretbox.Open(nil, combined[24:], &nonce, dek)
	if !ok {
		return fmt.Errorf("payload decryption failed")
	}

	if err := json.Unmarshal(plaintext, target); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
