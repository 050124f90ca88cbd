package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DefaultGatewayURL is used when neither the credentials file nor the
// environment names a gateway.
const DefaultGatewayURL = "ws://localhost:3100"

// Credentials is the CLI host identity: the device master secret every
// keypair derives from, plus the gateway it talks to.
type Credentials struct {
	// Secret is the base64-encoded 32-byte master secret.
	Secret     string `json:"secret"`
	GatewayURL string `json:"gatewayUrl,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

// MasterSecret decodes the 32-byte master secret.
func (c *Credentials) MasterSecret() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid master secret length: %d (expected 32)", len(key))
	}
	return key, nil
}

// ConfigDir returns the CLI host state directory, creating it if needed.
func ConfigDir() (string, error) {
	if dir := os.Getenv("MOBVIBE_CONFIG_DIR"); dir != "" {
		return dir, os.MkdirAll(dir, 0700)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".mobvibe")
	return dir, os.MkdirAll(dir, 0700)
}

// LoadCredentials reads the credentials file. Environment variables
// MOBVIBE_MASTER_SECRET and MOBVIBE_GATEWAY_URL override the stored values.
func LoadCredentials(dir string) (*Credentials, error) {
	creds := &Credentials{}

	data, err := os.ReadFile(filepath.Join(dir, "credentials.json"))
	if err == nil {
		if err := json.Unmarshal(data, creds); err != nil {
			return nil, fmt.Errorf("failed to parse credentials: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	if secret := os.Getenv("MOBVIBE_MASTER_SECRET"); secret != "" {
		creds.Secret = secret
	}
	if url := os.Getenv("MOBVIBE_GATEWAY_URL"); url != "" {
		creds.GatewayURL = url
	}
	if creds.GatewayURL == "" {
		creds.GatewayURL = DefaultGatewayURL
	}
	if creds.Secret == "" {
		return nil, os.ErrNotExist
	}
	return creds, nil
}

// SaveCredentials writes the credentials file with restrictive permissions.
func SaveCredentials(dir string, creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "credentials.json"), data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

// GetOrCreateCredentials loads the credentials file or generates a fresh
// master secret and persists it.
func GetOrCreateCredentials(dir string) (*Credentials, error) {
	creds, err := LoadCredentials(dir)
	if err == nil {
		return creds, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master secret: %w", err)
	}
	creds = &Credentials{
		Secret:     base64.StdEncoding.EncodeToString(key),
		GatewayURL: DefaultGatewayURL,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if url := os.Getenv("MOBVIBE_GATEWAY_URL"); url != "" {
		creds.GatewayURL = url
	}
	if err := SaveCredentials(dir, creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// GetOrCreateMachineID loads or generates the stable machine id.
func GetOrCreateMachineID(dir string) (string, error) {
	path := filepath.Join(dir, "machine-id")

	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to save machine id: %w", err)
	}
	return id, nil
}
