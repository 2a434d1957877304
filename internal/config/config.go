/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Event bus selection for cross-node live events.
const (
	EventBusMemory = "memory"
	EventBusRedis  = "redis"
	EventBusNATS   = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string

	// Broker (NATS JetStream)
	NATSURL          string
	NATSToken        string
	NATSName         string
	DecodeSubject    string // requests waiting for track resolution
	ReceiveSubject   string // resolved item ids for the broadcaster
	ConfirmSubject   string // playback confirmations from stereo clients
	BroadcastSubject string // fanout of the item to play

	// Redis (cache, event bus, leader election)
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	CacheEnabled    bool
	EventBus        string
	LeaderElection  bool
	InstanceID      string
	TrackMetaTTL    time.Duration
	LeaderLeaseTime time.Duration

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Track catalog lookup
	CatalogURL     string
	CatalogTimeout time.Duration

	// Now playing webhook
	WebhookURL    string
	WebhookSecret string

	// Stereo client
	PlayerCommand string

	// ExpiryGrace is added to a track length before the expiry timer fires.
	ExpiryGrace time.Duration

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"NMSTEREO_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"NMSTEREO_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"NMSTEREO_HTTP_PORT"}, 8080),
		DBBackend:   DatabaseBackend(getEnvAny([]string{"NMSTEREO_DB_BACKEND"}, string(DatabasePostgres))),
		DBDSN:       getEnvAny([]string{"NMSTEREO_DB_DSN", "DATABASE_URL"}, ""),

		NATSURL:          getEnvAny([]string{"NMSTEREO_NATS_URL", "NATS_URL"}, "nats://localhost:4222"),
		NATSToken:        getEnvAny([]string{"NMSTEREO_NATS_TOKEN", "NATS_TOKEN"}, ""),
		NATSName:         getEnvAny([]string{"NMSTEREO_NATS_NAME"}, "nmstereo"),
		DecodeSubject:    getEnvAny([]string{"NMSTEREO_DECODE_SUBJECT"}, "nmstereo.decode"),
		ReceiveSubject:   getEnvAny([]string{"NMSTEREO_RECEIVE_SUBJECT"}, "nmstereo.receive"),
		ConfirmSubject:   getEnvAny([]string{"NMSTEREO_CONFIRM_SUBJECT"}, "nmstereo.confirm"),
		BroadcastSubject: getEnvAny([]string{"NMSTEREO_BROADCAST_SUBJECT"}, "nmstereo.broadcast"),

		RedisAddr:       getEnvAny([]string{"NMSTEREO_REDIS_ADDR", "REDIS_ADDR"}, "localhost:6379"),
		RedisPassword:   getEnvAny([]string{"NMSTEREO_REDIS_PASSWORD", "REDIS_PASSWORD"}, ""),
		RedisDB:         getEnvIntAny([]string{"NMSTEREO_REDIS_DB", "REDIS_DB"}, 0),
		CacheEnabled:    getEnvBoolAny([]string{"NMSTEREO_CACHE_ENABLED"}, false),
		EventBus:        strings.ToLower(getEnvAny([]string{"NMSTEREO_EVENTBUS"}, EventBusMemory)),
		LeaderElection:  getEnvBoolAny([]string{"NMSTEREO_LEADER_ELECTION_ENABLED"}, false),
		InstanceID:      getEnvAny([]string{"NMSTEREO_INSTANCE_ID"}, ""),
		TrackMetaTTL:    time.Duration(getEnvIntAny([]string{"NMSTEREO_TRACK_META_TTL_HOURS"}, 24*7)) * time.Hour,
		LeaderLeaseTime: time.Duration(getEnvIntAny([]string{"NMSTEREO_LEADER_LEASE_SECONDS"}, 15)) * time.Second,

		TracingEnabled:    getEnvBoolAny([]string{"NMSTEREO_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"NMSTEREO_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"NMSTEREO_TRACING_SAMPLE_RATE"}, 1.0),

		CatalogURL:     getEnvAny([]string{"NMSTEREO_CATALOG_URL"}, "http://ws.spotify.com/lookup/1/.json"),
		CatalogTimeout: time.Duration(getEnvIntAny([]string{"NMSTEREO_CATALOG_TIMEOUT_SECONDS"}, 10)) * time.Second,

		WebhookURL:    getEnvAny([]string{"NMSTEREO_WEBHOOK_URL"}, ""),
		WebhookSecret: getEnvAny([]string{"NMSTEREO_WEBHOOK_SECRET"}, ""),

		PlayerCommand: getEnvAny([]string{"NMSTEREO_PLAYER_COMMAND"}, "open -g /Applications/Spotify.app"),

		ExpiryGrace: time.Duration(getEnvIntAny([]string{"NMSTEREO_EXPIRY_GRACE_MS"}, 200)) * time.Millisecond,
	}

	// Older deployments only had the Redis switch.
	if getEnvBoolAny([]string{"NMSTEREO_EVENTBUS_REDIS"}, false) && os.Getenv("NMSTEREO_EVENTBUS") == "" {
		cfg.EventBus = EventBusRedis
	}
	switch cfg.EventBus {
	case EventBusMemory, EventBusRedis, EventBusNATS:
	default:
		return nil, fmt.Errorf("unsupported event bus %q", cfg.EventBus)
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	subjects := map[string]string{
		"NMSTEREO_DECODE_SUBJECT":    cfg.DecodeSubject,
		"NMSTEREO_RECEIVE_SUBJECT":   cfg.ReceiveSubject,
		"NMSTEREO_CONFIRM_SUBJECT":   cfg.ConfirmSubject,
		"NMSTEREO_BROADCAST_SUBJECT": cfg.BroadcastSubject,
	}
	seen := make(map[string]string, len(subjects))
	for _, key := range sortedKeys(subjects) {
		subject := subjects[key]
		if strings.ContainsAny(subject, " *>") || subject == "" {
			return nil, fmt.Errorf("%s must be a literal subject, got %q", key, subject)
		}
		if other, dup := seen[subject]; dup {
			return nil, fmt.Errorf("%s and %s must not share subject %q", other, key, subject)
		}
		seen[subject] = key
	}

	if cfg.ExpiryGrace < 0 {
		return nil, fmt.Errorf("NMSTEREO_EXPIRY_GRACE_MS must not be negative")
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// RequireDatabase reports an error when no store DSN is configured.
func (c *Config) RequireDatabase() error {
	if c.DBDSN == "" {
		return fmt.Errorf("NMSTEREO_DB_DSN or DATABASE_URL must be provided")
	}
	return nil
}

// HTTPAddr returns the bind address of the ops HTTP server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

// detectLegacyEnvWarnings flags settings from the pre-NATS deployment.
func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"AMQP_HOST":                    "use NMSTEREO_NATS_URL",
		"AMQP_MAIN_QUEUE":              "use NMSTEREO_DECODE_SUBJECT",
		"AMQP_IN_BROADCAST_QUEUE":      "use NMSTEREO_RECEIVE_SUBJECT",
		"AMQP_CONFIRM_BROADCAST_QUEUE": "use NMSTEREO_CONFIRM_SUBJECT",
		"AMQP_BROADCAST_EXCHANGE":      "use NMSTEREO_BROADCAST_SUBJECT",
		"MONGODB_DB_NAME":              "use NMSTEREO_DB_DSN",
	}

	warnings := make([]string, 0, len(legacy))
	for _, key := range sortedKeys(legacy) {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, legacy[key]))
		}
	}
	return warnings
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
