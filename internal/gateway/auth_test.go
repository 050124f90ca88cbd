package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobvibe/mobvibe/internal/wire"
)

// staticValidator maps credentials to user ids via a fixed table.
type staticValidator struct {
	users map[string]string
}

func (v staticValidator) Validate(_ context.Context, credential string) (string, error) {
	if userID, ok := v.users[credential]; ok {
		return userID, nil
	}
	return "", errors.New("unknown credential")
}

func TestAuthDisabledAdmitsEveryone(t *testing.T) {
	mode := AuthDisabled()
	require.False(t, mode.Enabled())

	userID, err := mode.Authenticate(context.Background(), "")
	require.Nil(t, err)
	require.Empty(t, userID)

	userID, err = mode.Authenticate(context.Background(), "anything")
	require.Nil(t, err)
	require.Empty(t, userID)
}

func TestAuthEnabledValidatesCredential(t *testing.T) {
	mode := AuthEnabled(staticValidator{users: map[string]string{"tok-alice": "alice"}})
	require.True(t, mode.Enabled())

	userID, err := mode.Authenticate(context.Background(), "tok-alice")
	require.Nil(t, err)
	require.Equal(t, "alice", userID)

	_, err = mode.Authenticate(context.Background(), "")
	require.NotNil(t, err)
	require.Equal(t, wire.CodeAuthorizationFailed, err.Code)

	_, err = mode.Authenticate(context.Background(), "forged")
	require.NotNil(t, err)
	require.Equal(t, wire.CodeAuthorizationFailed, err.Code)
}

func TestTokenValidatorResolvesUsers(t *testing.T) {
	mode := AuthEnabled(NewTokenValidator(map[string]string{"tok-alice": "alice"}))

	userID, err := mode.Authenticate(context.Background(), "tok-alice")
	require.Nil(t, err)
	require.Equal(t, "alice", userID)

	_, err = mode.Authenticate(context.Background(), "forged")
	require.NotNil(t, err)
	require.Equal(t, wire.CodeAuthorizationFailed, err.Code)
}

func TestAuthorizeSessionDisabledChecksRoutability(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "", "s1")
	mode := AuthDisabled()

	require.Nil(t, mode.AuthorizeSession(registry, "s1", ""))

	err := mode.AuthorizeSession(registry, "missing", "")
	require.NotNil(t, err)
	require.Equal(t, wire.CodeSessionNotFound, err.Code)
}

func TestAuthorizeSessionEnabledChecksOwnership(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "alice", "s1")
	mode := AuthEnabled(staticValidator{})

	require.Nil(t, mode.AuthorizeSession(registry, "s1", "alice"))

	err := mode.AuthorizeSession(registry, "s1", "bob")
	require.NotNil(t, err)
	require.Equal(t, wire.CodeAuthorizationFailed, err.Code)
}
