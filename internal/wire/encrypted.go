package wire

import "encoding/json"

// EncryptedPayload is the wire envelope for an end-to-end encrypted payload.
// C is base64(nonce || ciphertext); only holders of the session DEK can open it.
type EncryptedPayload struct {
	T string `json:"t"`
	C string `json:"c"`
}

// EncryptedTag is the discriminator value for EncryptedPayload.T.
const EncryptedTag = "encrypted"

// StubPayload replaces the payload of a consolidated WAL row. The row keeps
// its seq slot so range queries stay gapless; readers skip stubs.
var StubPayload = json.RawMessage(`{"t":"stub"}`)

// IsEncryptedPayload reports whether raw is an EncryptedPayload envelope.
// Readers use this to decide whether decryption is required before
// interpreting a payload.
func IsEncryptedPayload(raw json.RawMessage) bool {
	var env EncryptedPayload
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	return env.T == EncryptedTag && env.C != ""
}

// IsStubPayload reports whether raw is a consolidation stub.
func IsStubPayload(raw json.RawMessage) bool {
	var env struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	return env.T == "stub"
}
