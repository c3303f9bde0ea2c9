package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Upstream UpstreamConfig
	Security SecurityConfig
	Cache    CacheConfig
	Schedule ScheduleConfig
	Observe  ObserveConfig
	Server   ServerConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// UpstreamConfig identifies the application to the upstream API. The API key
// authenticates unsigned read calls; the consumer pair signs OAuth calls.
type UpstreamConfig struct {
	// APIURL is the versioned API base; AuthURL hosts the interactive
	// authorization endpoints. Overridable for tests and staging.
	APIURL  string `env:"UPSTREAM_API_URL, default=https://api.tumblr.com/v2"`
	AuthURL string `env:"UPSTREAM_AUTH_URL, default=https://www.tumblr.com"`

	APIKey         string `env:"UPSTREAM_API_KEY, required"`
	ConsumerKey    string `env:"UPSTREAM_CONSUMER_KEY, required"`
	ConsumerSecret string `env:"UPSTREAM_CONSUMER_SECRET, required"`

	// CallbackURL is where the upstream redirects the end user after
	// authorization. Registered with the upstream application.
	CallbackURL string `env:"UPSTREAM_OAUTH_CALLBACK_URL, required"`
}

// SecurityConfig holds the secret protecting credentials at rest.
type SecurityConfig struct {
	// EncryptionSecret keys the credential cipher. Must be at least 32
	// characters; validated at startup.
	EncryptionSecret string `env:"ENCRYPTION_SECRET, required"`
}

type CacheConfig struct {
	// SweepIntervalSeconds controls how often expired response-cache entries
	// are proactively removed. Reads are authoritative regardless.
	SweepIntervalSeconds int `env:"CACHE_SWEEP_INTERVAL_SECS, default=600"`

	// ResponseTTLSeconds is the lifetime of cached idempotent reads.
	ResponseTTLSeconds int `env:"CACHE_RESPONSE_TTL_SECS, default=300"`
}

type ScheduleConfig struct {
	// MinDelayMillis is the mandatory spacing between consecutive upstream
	// calls.
	MinDelayMillis int `env:"SCHEDULE_MIN_DELAY_MS, default=300"`

	// QueueSize bounds the number of pending upstream requests before
	// submissions are rejected.
	QueueSize int `env:"SCHEDULE_QUEUE_SIZE, default=256"`
}

type ObserveConfig struct {
	Enabled                  bool   `env:"OBSERVE_ENABLED, default=false"`
	ServiceName              string `env:"OBSERVE_SERVICE_NAME, default=likegate"`
	TraceBatchTimeoutSeconds int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	HTTPTransportEnabled     bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Security.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid security configuration: %w", err)
	}

	if err := cfg.Schedule.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid schedule configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the encryption secret is usable. A short secret fails
// startup: deriving keys from weak material would silently protect nothing.
func (c *SecurityConfig) Validate() error {
	if len(c.EncryptionSecret) < 32 {
		return fmt.Errorf("ENCRYPTION_SECRET must be at least 32 characters, got %d", len(c.EncryptionSecret))
	}
	return nil
}

// Validate checks the scheduler settings.
func (c *ScheduleConfig) Validate() error {
	if c.MinDelayMillis < 0 {
		return fmt.Errorf("SCHEDULE_MIN_DELAY_MS must not be negative")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("SCHEDULE_QUEUE_SIZE must be at least 1")
	}
	return nil
}
