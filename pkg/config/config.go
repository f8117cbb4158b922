// Package config loads the gateway's environment-typed configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the umbrella configuration object used throughout the gateway.
type Config struct {
	// HTTPPort is the listen port for the HTTP surface.
	HTTPPort string

	// DatabaseURL is the Postgres connection string. Empty means the
	// gateway runs in pure in-memory mode (sequenced but not restart-safe).
	DatabaseURL string

	// RedisURL is the broker connection string. Empty selects the
	// in-process broker.
	RedisURL string

	// AdapterSecret signs external-channel requests (HMAC-SHA256).
	AdapterSecret string

	// ProviderContextToken is the bearer token providers present on the
	// user-context surface.
	ProviderContextToken string

	// ProviderURLs maps provider id to base URL. Providers without an
	// entry are local: the invoker synthesises their interactions.
	ProviderURLs map[string]string

	// StreamPrefix prefixes per-session broker stream keys.
	StreamPrefix string

	// StreamGlobalKey is the broker key of the global stream.
	StreamGlobalKey string

	// OutboxInlineDispatch pushes to the broker inside the writer call
	// instead of leaving rows for the worker.
	OutboxInlineDispatch bool

	// Outbox holds worker pool tuning.
	Outbox OutboxConfig

	// SessionIdleThreshold triggers session rotation.
	SessionIdleThreshold time.Duration

	// ProviderTimeout bounds each invoke/interact call.
	ProviderTimeout time.Duration

	// IngestBudget bounds one ingest handler, independent of providers.
	IngestBudget time.Duration
}

// OutboxConfig contains outbox worker pool tuning.
type OutboxConfig struct {
	// WorkerCount is the number of parallel claim-dispatch workers.
	WorkerCount int

	// BatchSize is the maximum rows claimed per poll.
	BatchSize int

	// PollInterval is the base poll interval when no rows are eligible.
	PollInterval time.Duration

	// PollIntervalJitter randomises the poll interval: actual interval is
	// PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// BackoffBase is the first retry delay; doubled per attempt.
	BackoffBase time.Duration

	// BackoffMax caps the exponential retry delay.
	BackoffMax time.Duration

	// StaleLockThreshold is how long a processing row may hold its lock
	// before the watchdog reclaims it.
	StaleLockThreshold time.Duration

	// StaleLockScanInterval is how often the watchdog scans.
	StaleLockScanInterval time.Duration

	// RetentionWindow is how long terminal rows are kept before the sweep
	// deletes them. Zero disables the sweep.
	RetentionWindow time.Duration
}

// DefaultOutboxConfig returns the built-in outbox worker defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		WorkerCount:           4,
		BatchSize:             32,
		PollInterval:          500 * time.Millisecond,
		PollIntervalJitter:    250 * time.Millisecond,
		BackoffBase:           500 * time.Millisecond,
		BackoffMax:            5 * time.Minute,
		StaleLockThreshold:    2 * time.Minute,
		StaleLockScanInterval: time.Minute,
		RetentionWindow:       24 * time.Hour,
	}
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	outbox := DefaultOutboxConfig()
	if v := os.Getenv("OUTBOX_WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid OUTBOX_WORKER_COUNT %q", v)
		}
		outbox.WorkerCount = n
	}

	idle, err := durationEnv("SESSION_IDLE_THRESHOLD", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	providerTimeout, err := durationEnv("PROVIDER_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	ingestBudget, err := durationEnv("INGEST_BUDGET", 3*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort:             getEnv("PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		AdapterSecret:        os.Getenv("UNIASSIST_ADAPTER_SECRET"),
		ProviderContextToken: os.Getenv("UNIASSIST_PROVIDER_CONTEXT_TOKEN"),
		ProviderURLs:         providerURLsFromEnv(os.Environ()),
		StreamPrefix:         getEnv("UNIASSIST_STREAM_PREFIX", "uniassist:stream:"),
		StreamGlobalKey:      getEnv("UNIASSIST_STREAM_GLOBAL_KEY", "uniassist:stream:global"),
		OutboxInlineDispatch: boolEnv("UNIASSIST_OUTBOX_INLINE_DISPATCH"),
		Outbox:               outbox,
		SessionIdleThreshold: idle,
		ProviderTimeout:      providerTimeout,
		IngestBudget:         ingestBudget,
	}
	return cfg, nil
}

// providerURLsFromEnv collects UNIASSIST_PROVIDER_URL_<ID>=<base-url>
// entries. The <ID> suffix is lowercased: UNIASSIST_PROVIDER_URL_PLAN
// configures provider "plan".
func providerURLsFromEnv(environ []string) map[string]string {
	const prefix = "UNIASSIST_PROVIDER_URL_"
	urls := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) || value == "" {
			continue
		}
		id := strings.ToLower(strings.TrimPrefix(key, prefix))
		if id == "" {
			continue
		}
		urls[id] = strings.TrimRight(value, "/")
	}
	return urls
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func boolEnv(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
