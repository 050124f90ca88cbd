package crypto

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the JWT payload used to authenticate CLI sockets against the
// gateway. Tokens are signed with the device's derived auth key.
type TokenClaims struct {
	UserID    string `json:"user"`
	MachineID string `json:"machineId"`
	jwt.RegisteredClaims
}

// NewSocketToken creates an EdDSA-signed token binding a user and machine id.
func NewSocketToken(priv ed25519.PrivateKey, userID, machineID string) (string, error) {
	claims := TokenClaims{
		UserID:    userID,
		MachineID: machineID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "mobvibe-cli",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifySocketToken validates a socket token against the device's registered
// auth public key and returns its claims.
func VerifySocketToken(pub ed25519.PublicKey, tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
