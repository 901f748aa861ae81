// Package config loads the engine's runtime configuration from the
// environment. Every knob has a default suitable for local development;
// production deployments override via environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration of the coverage engine.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// DatabaseURL selects the PostgreSQL settlement ledger adapter;
	// empty falls back to the in-memory simulated ledger.
	DatabaseURL string `env:"DATABASE_URL"`

	// RedisURL enables the read-through replica cache over the ledger.
	RedisURL        string        `env:"REDIS_URL"`
	ReplicaCacheTTL time.Duration `env:"REPLICA_CACHE_TTL" envDefault:"5s"`

	// LivenessWindow is the delay between observation and finalize.
	LivenessWindow time.Duration `env:"LIVENESS_WINDOW" envDefault:"1h"`

	// OracleStaleTolerance bounds how old a price observation may be
	// when a settlement observation is requested.
	OracleStaleTolerance time.Duration `env:"ORACLE_STALE_TOLERANCE" envDefault:"10m"`

	// RateSanityCeilingBps flags premium rates above this value in
	// quotes; rates above it remain legal.
	RateSanityCeilingBps int64 `env:"RATE_SANITY_CEILING_BPS" envDefault:"10000"`

	// AllowOffWindowIntake admits purchases and deposits while a round
	// is ANNOUNCED or ACTIVE, not just OPEN.
	AllowOffWindowIntake bool `env:"ALLOW_OFF_WINDOW_INTAKE" envDefault:"false"`

	RetryMaxAttempts    uint64        `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"200ms"`

	SettlementSweepInterval time.Duration `env:"SETTLEMENT_SWEEP_INTERVAL" envDefault:"30s"`
	PriceRefreshInterval    time.Duration `env:"PRICE_REFRESH_INTERVAL" envDefault:"15s"`
	HealthRefreshInterval   time.Duration `env:"HEALTH_REFRESH_INTERVAL" envDefault:"30s"`

	// SeedDemo populates the in-memory ledger with a demo tranche and
	// round on startup. Ignored when DatabaseURL is set.
	SeedDemo bool `env:"SEED_DEMO" envDefault:"false"`
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.LivenessWindow <= 0 {
		return nil, fmt.Errorf("config: LIVENESS_WINDOW must be positive")
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = 1
	}
	return cfg, nil
}
