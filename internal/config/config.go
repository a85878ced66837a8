// Package config centralises environment configuration for syncd and deviced.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures runtime configuration for the cloud sync server.
type ServerConfig struct {
	HTTPAddress string
	// PostgresURL selects the Postgres repository; empty keeps records in memory.
	PostgresURL        string
	KafkaBrokers       []string
	SessionEventsTopic string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	JWTSecret          string
	JWTIssuer          string
	PullPageLimit      int
}

// LoadServer reads environment variables into ServerConfig, applying defaults for local dev.
func LoadServer() ServerConfig {
	return ServerConfig{
		HTTPAddress:        getEnv("HTTP_ADDRESS", ":8080"),
		PostgresURL:        getEnv("POSTGRES_URL", ""),
		KafkaBrokers:       splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		SessionEventsTopic: getEnv("SESSION_EVENTS_TOPIC", "session_events"),
		OutboxPollInterval: getDurationEnv("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:    getIntEnv("OUTBOX_BATCH_SIZE", 25),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTIssuer:          getEnv("JWT_ISSUER", "heatsync.identity"),
		PullPageLimit:      getIntEnv("PULL_PAGE_LIMIT", 100),
	}
}

// DeviceConfig captures runtime configuration for one device agent.
type DeviceConfig struct {
	DeviceID   string
	AccountID  string
	SQLitePath string
	// SyncAPIURL points at syncd; empty reconciles against an in-process store.
	SyncAPIURL         string
	SyncAPIToken       string
	RelayEnabled       bool
	RelayListenAddress string
	// RelayPeerURL is the paired device's receiver, e.g. ws://watch.local:7070/relay.
	RelayPeerURL       string
	RelayTimeout       time.Duration
	ReconcileInterval  time.Duration
	PullPageSize       int
	SyncTriggerRate    time.Duration
	SyncTriggerBurst   int
	MetricsAddress     string
}

// LoadDevice reads environment variables into DeviceConfig.
func LoadDevice() DeviceConfig {
	return DeviceConfig{
		DeviceID:           getEnv("DEVICE_ID", hostname()),
		AccountID:          getEnv("ACCOUNT_ID", "local"),
		SQLitePath:         getEnv("SQLITE_PATH", "heatsync.db"),
		SyncAPIURL:         getEnv("SYNC_API_URL", ""),
		SyncAPIToken:       getEnv("SYNC_API_TOKEN", ""),
		RelayEnabled:       getBoolEnv("RELAY_ENABLED", true),
		RelayListenAddress: getEnv("RELAY_LISTEN_ADDRESS", ":7070"),
		RelayPeerURL:       getEnv("RELAY_PEER_URL", ""),
		RelayTimeout:       getDurationEnv("RELAY_TIMEOUT", 3*time.Second),
		ReconcileInterval:  getDurationEnv("RECONCILE_INTERVAL", 5*time.Minute),
		PullPageSize:       getIntEnv("PULL_PAGE_SIZE", 100),
		SyncTriggerRate:    getDurationEnv("SYNC_TRIGGER_RATE", 10*time.Second),
		SyncTriggerBurst:   getIntEnv("SYNC_TRIGGER_BURST", 2),
		MetricsAddress:     getEnv("METRICS_ADDRESS", ":9090"),
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "device"
	}
	return name
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
