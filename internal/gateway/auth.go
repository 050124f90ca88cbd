package gateway

import (
	"context"
	"errors"

	"github.com/mobvibe/mobvibe/internal/wire"
)

// SessionValidator checks a UI client's credential (session cookie or bearer
// token) and resolves the owning user. Implemented by the external auth
// framework's adapter.
type SessionValidator interface {
	Validate(ctx context.Context, credential string) (userID string, err error)
}

// TokenValidator validates against a static token -> userID table, for
// deployments without an external auth framework.
type TokenValidator struct {
	tokens map[string]string
}

// NewTokenValidator builds a validator over a static token table.
func NewTokenValidator(tokens map[string]string) *TokenValidator {
	return &TokenValidator{tokens: tokens}
}

// Validate resolves a bearer token to its user id.
func (v *TokenValidator) Validate(ctx context.Context, credential string) (string, error) {
	userID, ok := v.tokens[credential]
	if !ok {
		return "", errors.New("unknown token")
	}
	return userID, nil
}

// AuthMode is the two-variant authorization configuration: disabled (every
// connection is anonymous and sees everything) or enabled with a validator.
// Every authorization check branches on this explicitly; there is no implicit
// "no database configured" fallback.
type AuthMode struct {
	enabled   bool
	validator SessionValidator
}

// AuthDisabled returns the open deployment mode.
func AuthDisabled() AuthMode {
	return AuthMode{}
}

// AuthEnabled returns the gated mode backed by validator.
func AuthEnabled(validator SessionValidator) AuthMode {
	return AuthMode{enabled: true, validator: validator}
}

// Enabled reports whether authorization checks apply.
func (m AuthMode) Enabled() bool { return m.enabled }

// Authenticate resolves a credential to a user id. In disabled mode every
// credential (including none) maps to the anonymous user "".
func (m AuthMode) Authenticate(ctx context.Context, credential string) (string, *wire.Error) {
	if !m.enabled {
		return "", nil
	}
	if credential == "" {
		return "", wire.ErrAuthorizationFailed("missing credential")
	}
	userID, err := m.validator.Validate(ctx, credential)
	if err != nil {
		return "", wire.ErrAuthorizationFailed(err.Error())
	}
	return userID, nil
}

// AuthorizeSession gates a user's access to a session.
func (m AuthMode) AuthorizeSession(registry *Registry, sessionID, userID string) *wire.Error {
	if !m.enabled {
		if _, err := registry.CLIForSession(sessionID); err != nil {
			return err
		}
		return nil
	}
	if !registry.IsSessionOwnedByUser(sessionID, userID) {
		return wire.ErrAuthorizationFailed("session is not owned by this user")
	}
	return nil
}
