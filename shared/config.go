package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every process-level setting, read once at startup.
type Config struct {
	// API surface
	ListenPort int
	CORSOrigin string

	// Tunnel bridges
	BridgeHost        string
	HostLookupTimeout time.Duration

	// Notarization sessions
	NotaryURL    string
	MaxRecvBytes int

	// Conflict recovery
	ConflictRetryBudget int
	ConflictRetryDelay  time.Duration

	// Logging
	LogFile string
}

// LoadConfig reads configuration from environment variables with fixed defaults.
func LoadConfig() *Config {
	return &Config{
		ListenPort:          GetEnvIntOrDefault("TLSN_LISTEN_PORT", 9816),
		CORSOrigin:          GetEnvOrDefault("TLSN_CORS_ORIGIN", "*"),
		BridgeHost:          GetEnvOrDefault("TLSN_BRIDGE_HOST", "127.0.0.1"),
		HostLookupTimeout:   GetEnvDurationOrDefault("TLSN_HOST_LOOKUP_TIMEOUT", 5*time.Second),
		NotaryURL:           GetEnvOrDefault("TLSN_NOTARY_URL", "https://notary.pse.dev/v0.1.0-alpha.12"),
		MaxRecvBytes:        GetEnvIntOrDefault("TLSN_MAX_RECV_BYTES", 16384),
		ConflictRetryBudget: GetEnvIntOrDefault("TLSN_CONFLICT_RETRY_BUDGET", 1),
		ConflictRetryDelay:  GetEnvDurationOrDefault("TLSN_CONFLICT_RETRY_DELAY", 500*time.Millisecond),
		LogFile:             GetEnvOrDefault("TLSN_LOG_FILE", ""),
	}
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.ListenPort)
}

// Helper functions for environment variable handling
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
