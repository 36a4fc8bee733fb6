package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// GatewayConfig holds credentials and endpoints for the card-payment processor.
type GatewayConfig struct {
	BaseURL         string
	PublicKey       string
	PrivateKey      string
	EventsSecret    string // verifies inbound webhook signatures
	IntegritySecret string // signs outbound transaction requests
}

// ProvisioningConfig holds the downstream chat-platform endpoint used to
// restore suspended accounts and sync plan limits.
type ProvisioningConfig struct {
	PlatformURL   string
	PlatformToken string
	Timeout       time.Duration
}

// PollPolicy bounds the synchronous wait for a transaction to reach a
// terminal status after an interactive charge.
type PollPolicy struct {
	Attempts int
	Interval time.Duration
}

// Config is the immutable process configuration.
type Config struct {
	ListenAddr          string
	DatabaseURL         string
	DatabaseReplicaURLs string
	RedisURL            string

	Gateway      GatewayConfig
	Provisioning ProvisioningConfig
	Poll         PollPolicy

	// OrchestrationAPIKey guards the scheduler trigger and the read-only
	// orchestration endpoints. Empty means those routes refuse all requests.
	OrchestrationAPIKey string

	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	LogLevel string
}

// Load reads the configuration from the environment and validates the
// secrets that have no sane default.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL:         getEnv("DATABASE_URL", "postgres://localhost/billing?sslmode=disable"),
		DatabaseReplicaURLs: os.Getenv("DATABASE_REPLICA_URLS"),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Gateway: GatewayConfig{
			BaseURL:         getEnv("GATEWAY_BASE_URL", "https://production.wompi.co/v1"),
			PublicKey:       os.Getenv("GATEWAY_PUBLIC_KEY"),
			PrivateKey:      os.Getenv("GATEWAY_PRIVATE_KEY"),
			EventsSecret:    os.Getenv("GATEWAY_EVENTS_SECRET"),
			IntegritySecret: os.Getenv("GATEWAY_INTEGRITY_SECRET"),
		},
		Provisioning: ProvisioningConfig{
			PlatformURL:   os.Getenv("PLATFORM_URL"),
			PlatformToken: os.Getenv("PLATFORM_TOKEN"),
			Timeout:       getEnvDuration("PLATFORM_TIMEOUT", 10*time.Second),
		},
		Poll: PollPolicy{
			Attempts: getEnvInt("CHARGE_POLL_ATTEMPTS", 15),
			Interval: getEnvDuration("CHARGE_POLL_INTERVAL", 2*time.Second),
		},
		OrchestrationAPIKey: os.Getenv("ORCHESTRATION_API_KEY"),
		WebhookRateLimit:    getEnvInt("WEBHOOK_RATE_LIMIT", 120),
		WebhookRateWindow:   getEnvDuration("WEBHOOK_RATE_WINDOW", time.Minute),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}

	if cfg.Gateway.PublicKey == "" || cfg.Gateway.PrivateKey == "" {
		return nil, fmt.Errorf("GATEWAY_PUBLIC_KEY and GATEWAY_PRIVATE_KEY are required")
	}
	if cfg.Gateway.EventsSecret == "" {
		return nil, fmt.Errorf("GATEWAY_EVENTS_SECRET is required")
	}
	if cfg.Gateway.IntegritySecret == "" {
		return nil, fmt.Errorf("GATEWAY_INTEGRITY_SECRET is required")
	}
	if cfg.Poll.Attempts < 1 {
		return nil, fmt.Errorf("CHARGE_POLL_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
