package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mobvibe/mobvibe/internal/wire"
)

// SelfDeviceID is the device id the CLI host uses for its own wrapped DEK
// entry before any pairing has occurred.
const SelfDeviceID = "self"

// Service holds a device's derived keypairs and the per-session encryption
// state: DEK cache, wrapped-DEK maps and the known-device registry. Raw DEKs
// live in memory only; callers persist and transmit wrapped DEKs exclusively.
type Service struct {
	mu sync.Mutex

	authPub     ed25519.PublicKey
	authPriv    ed25519.PrivateKey
	contentPub  *[32]byte
	contentPriv *[32]byte

	devices map[string]*[32]byte         // deviceID -> content public key
	deks    map[string]*[32]byte         // sessionID -> DEK
	wrapped map[string]map[string]string // sessionID -> deviceID -> wrapped DEK
}

// NewService derives the device keypairs from the master secret and returns
// an empty session crypto service.
func NewService(master []byte) (*Service, error) {
	authPub, authPriv, err := DeriveAuthKeyPair(master)
	if err != nil {
		return nil, fmt.Errorf("failed to derive auth keypair: %w", err)
	}
	contentPub, contentPriv, err := DeriveContentKeyPair(master)
	if err != nil {
		return nil, fmt.Errorf("failed to derive content keypair: %w", err)
	}

	return &Service{
		authPub:     authPub,
		authPriv:    authPriv,
		contentPub:  contentPub,
		contentPriv: contentPriv,
		devices:     make(map[string]*[32]byte),
		deks:        make(map[string]*[32]byte),
		wrapped:     make(map[string]map[string]string),
	}, nil
}

// AuthPublicKey returns the device's Ed25519 signing public key.
func (s *Service) AuthPublicKey() ed25519.PublicKey { return s.authPub }

// AuthPrivateKey returns the device's Ed25519 signing private key.
func (s *Service) AuthPrivateKey() ed25519.PrivateKey { return s.authPriv }

// ContentPublicKey returns the device's X25519 content public key.
func (s *Service) ContentPublicKey() *[32]byte { return s.contentPub }

// RegisterDevice records another device's content public key. Callers must
// invoke RewrapAllSessions afterwards so the new device can decrypt every
// active session.
func (s *Service) RegisterDevice(deviceID string, contentPub *[32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceID] = contentPub
}

// KnownDevices returns the ids of all registered devices, excluding self.
func (s *Service) KnownDevices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	return ids
}

// InitSessionDEK generates a DEK for the session and wraps it for every known
// device. With no devices registered yet (the bootstrap case before pairing),
// the DEK is wrapped for self only.
func (s *Service) InitSessionDEK(sessionID string) (map[string]string, error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wrapped, err := s.wrapForAllLocked(dek)
	if err != nil {
		return nil, err
	}
	s.deks[sessionID] = dek
	s.wrapped[sessionID] = wrapped

	return copyWrapped(wrapped), nil
}

// wrapForAllLocked wraps a DEK for self plus every registered device.
func (s *Service) wrapForAllLocked(dek *[32]byte) (map[string]string, error) {
	wrapped := make(map[string]string, len(s.devices)+1)

	self, err := WrapDEK(dek[:], s.contentPub)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap dek for self: %w", err)
	}
	wrapped[SelfDeviceID] = self

	for deviceID, pub := range s.devices {
		w, err := WrapDEK(dek[:], pub)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap dek for device %s: %w", deviceID, err)
		}
		wrapped[deviceID] = w
	}
	return wrapped, nil
}

// RewrapAllSessions re-derives the wrapped-DEK map of every cached session.
// Must be called whenever the device registry changes so late-joining devices
// can decrypt all active sessions.
func (s *Service) RewrapAllSessions() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sessionID, dek := range s.deks {
		wrapped, err := s.wrapForAllLocked(dek)
		if err != nil {
			return fmt.Errorf("failed to rewrap session %s: %w", sessionID, err)
		}
		s.wrapped[sessionID] = wrapped
	}
	return nil
}

// WrappedDEKs returns the deviceID -> wrapped DEK map for a session.
func (s *Service) WrappedDEKs(sessionID string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wrapped, ok := s.wrapped[sessionID]
	if !ok {
		return nil, false
	}
	return copyWrapped(wrapped), true
}

// LoadSessionDEK unwraps a previously wrapped DEK with the device's own
// content keypair and caches it for the session.
func (s *Service) LoadSessionDEK(sessionID, wrapped string) error {
	raw, err := UnwrapDEK(wrapped, s.contentPub, s.contentPriv)
	if err != nil {
		return err
	}

	var dek [32]byte
	copy(dek[:], raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deks[sessionID] = &dek
	return nil
}

// DEK returns the cached DEK for a session.
func (s *Service) DEK(sessionID string) (*[32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dek, ok := s.deks[sessionID]
	return dek, ok
}

// ClearSession drops the cached DEK and wrapped-DEK map for a session.
func (s *Service) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deks, sessionID)
	delete(s.wrapped, sessionID)
}

// EncryptEvent encrypts an event payload with the session DEK.
func (s *Service) EncryptEvent(sessionID string, payload json.RawMessage) (wire.EncryptedPayload, error) {
	dek, ok := s.DEK(sessionID)
	if !ok {
		return wire.EncryptedPayload{}, fmt.Errorf("no dek loaded for session %s", sessionID)
	}
	return EncryptPayload(payload, dek)
}

// DecryptEvent opens an encrypted event payload with the session DEK.
func (s *Service) DecryptEvent(sessionID string, env wire.EncryptedPayload) (json.RawMessage, error) {
	dek, ok := s.DEK(sessionID)
	if !ok {
		return nil, fmt.Errorf("no dek loaded for session %s", sessionID)
	}
	var raw json.RawMessage
	if err := DecryptPayload(env, dek, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func copyWrapped(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
