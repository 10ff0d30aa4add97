// Package config loads process configuration from the environment and policy
// documents from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kl-kernel/kl/pkg/envelope"
)

// Config holds runtime configuration.
type Config struct {
	LogLevel              string
	LogFormat             string
	DefaultVersion        string
	DefaultTimeout        time.Duration
	EnvelopeConstraint    string
	AllowInProcessTimeout bool
	OTelEnabled           bool
	OTelEndpoint          string
	PolicyFile            string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:              getenv("KL_LOG_LEVEL", "INFO"),
		LogFormat:             getenv("KL_LOG_FORMAT", "text"),
		DefaultVersion:        getenv("KL_DEFAULT_VERSION", envelope.DefaultVersion),
		EnvelopeConstraint:    os.Getenv("KL_ENVELOPE_CONSTRAINT"),
		AllowInProcessTimeout: os.Getenv("KL_ALLOW_INPROCESS_TIMEOUT") == "true",
		OTelEnabled:           os.Getenv("KL_OTEL_ENABLED") == "true",
		OTelEndpoint:          getenv("KL_OTEL_ENDPOINT", "localhost:4317"),
		PolicyFile:            os.Getenv("KL_POLICY_FILE"),
	}

	if raw := os.Getenv("KL_DEFAULT_TIMEOUT_SECONDS"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("config: KL_DEFAULT_TIMEOUT_SECONDS: %w", err)
		}
		if secs <= 0 {
			return nil, fmt.Errorf("config: KL_DEFAULT_TIMEOUT_SECONDS must be positive, got %s", raw)
		}
		cfg.DefaultTimeout = time.Duration(secs * float64(time.Second))
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
