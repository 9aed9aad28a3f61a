// Package config provides configuration management for the serverrules service.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// Rule sources.
const (
	SourceDatabase = "database"
	SourceFiles    = "files"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Rules    RulesConfig
	Metrics  MetricsConfig
}

// DatabaseConfig locates the database holding API keys, the audit trail,
// and (for SourceDatabase) the rules.
type DatabaseConfig struct {
	URL          string // sqlite://path or postgres://...
	MaxOpenConns int    // per instance
	MaxIdleConns int
}

// ServerConfig holds configuration for the gRPC rules API.
type ServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
	RequestTimeout time.Duration
}

// RulesConfig controls where rules come from and how engines load them.
type RulesConfig struct {
	Source         string        // SourceDatabase or SourceFiles
	Dir            string        // rule file directory for SourceFiles
	Validate       bool          // validate rule bodies against the operator schemas
	Include        []string      // rule types to load, empty = all
	Omit           []string      // rule types to skip
	ApplyTimes     []string      // apply times accepted by the API, empty = any
	ReloadSchedule string        // cron schedule for periodic reload, empty disables
	Watch          bool          // reload when rule files change (SourceFiles only)
	WatchDebounce  time.Duration // quiet period before a file change triggers reload
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Host    string
	Port    int
	Path    string
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           50051,
			MaxConnections: 1000,
			RequestTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 16,
			MaxIdleConns: 4,
		},
		Rules: RulesConfig{
			Source:         SourceDatabase,
			Dir:            "./rules",
			Validate:       true,
			ReloadSchedule: "@every 5m",
			WatchDebounce:  500 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports SR_HMAC_SECRET (single) and SR_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	add := func(key, val string) error {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[secretID]; exists {
			return fmt.Errorf("duplicate secret_id '%s' found in environment variables (check SR_HMAC_SECRET and SR_HMAC_SECRET_* for conflicts)", secretID)
		}
		secrets[secretID] = decoded
		return nil
	}

	// Format: <secret_id>:<base64_secret>
	if val := os.Getenv("SR_HMAC_SECRET"); val != "" {
		if err := add("SR_HMAC_SECRET", val); err != nil {
			return nil, err
		}
	}

	// Numbered secrets keep old keys valid while rotating.
	for i := 1; ; i++ {
		key := fmt.Sprintf("SR_HMAC_SECRET_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		if err := add(key, val); err != nil {
			return nil, err
		}
	}

	return secrets, nil
}

// ParseHMACSecret decodes base64-encoded HMAC secret from environment variable.
func ParseHMACSecret(envValue string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envValue))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// ParseHMACSecretWithID parses secret_id:base64_secret format.
// Secret ID must be 32 hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (secretID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	secretID = parts[0]
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}
	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = ParseHMACSecret(parts[1])
	if err != nil {
		return "", nil, err
	}
	return secretID, secret, nil
}
