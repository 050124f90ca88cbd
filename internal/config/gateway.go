// Package config loads gateway and CLI host configuration from the
// environment and the local credentials directory.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GatewayConfig holds gateway configuration.
type GatewayConfig struct {
	// Addr is the listen address for the HTTP server.
	Addr           string
	Debug          bool
	AllowedOrigins []string
	// RPCTimeout bounds routed calls to CLI hosts.
	RPCTimeout time.Duration
	// AuthTokens maps static bearer tokens to user ids. Empty means the
	// gateway runs open; an external auth framework replaces this in larger
	// deployments.
	AuthTokens map[string]string
}

// GatewayOverrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type GatewayOverrides struct {
	Addr       *string
	Debug      *bool
	RPCTimeout *time.Duration
}

// LoadGateway loads gateway configuration from environment variables and
// applies any explicit overrides.
func LoadGateway(overrides GatewayOverrides) (*GatewayConfig, error) {
	port := 3100
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	addr := fmt.Sprintf(":%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	debug := false
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		debug = true
	}
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	origins := []string{"*"}
	if raw := os.Getenv("MOBVIBE_ALLOWED_ORIGINS"); raw != "" {
		origins = nil
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	timeout := 2 * time.Minute
	if raw := os.Getenv("MOBVIBE_RPC_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid MOBVIBE_RPC_TIMEOUT: %w", err)
		}
		timeout = d
	}
	if overrides.RPCTimeout != nil {
		timeout = *overrides.RPCTimeout
	}

	tokens, err := parseAuthTokens(os.Getenv("MOBVIBE_AUTH_TOKENS"))
	if err != nil {
		return nil, err
	}

	return &GatewayConfig{
		Addr:           addr,
		Debug:          debug,
		AllowedOrigins: origins,
		RPCTimeout:     timeout,
		AuthTokens:     tokens,
	}, nil
}

// parseAuthTokens parses comma-separated token=userID pairs.
func parseAuthTokens(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, userID, ok := strings.Cut(pair, "=")
		if !ok || token == "" || userID == "" {
			return nil, fmt.Errorf("invalid MOBVIBE_AUTH_TOKENS entry %q, want token=userID", pair)
		}
		tokens[token] = userID
	}
	return tokens, nil
}
