// Package config loads splitz configuration from environment variables.
//
// Variables are declared as struct tags and parsed with caarlos0/env. A .env
// file in the working directory, when present, is loaded first and never
// overrides variables already set in the process environment.
//
// Variables:
//   - DATABASE_URL: PostgreSQL connection string. Required by commands that
//     touch the database (see [Config.RequireDatabase]).
//   - HTTP_ADDR, GRPC_ADDR: listen addresses (default ":8080", ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - FLAG_CACHE_TTL, SEGMENT_CACHE_TTL: evaluation cache lifetimes
//     (default "15s" and "120s").
//   - CACHE_SHARDS: number of evaluation cache shards (default 16).
//   - API_KEY_CACHE_TTL: how long a validated API key is trusted (default "30s").
//   - AUTH_RATE_LIMIT: failed auth attempts allowed per IP per minute (default 10).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes (default 1MB).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

var ErrDatabaseURLRequired = errors.New("DATABASE_URL is required")

// Config holds the runtime configuration for splitz.
type Config struct {
	DatabaseURL     string        `env:"DATABASE_URL"`
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr        string        `env:"GRPC_ADDR" envDefault:":9090"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	FlagCacheTTL    time.Duration `env:"FLAG_CACHE_TTL" envDefault:"15s"`
	SegmentCacheTTL time.Duration `env:"SEGMENT_CACHE_TTL" envDefault:"120s"`
	CacheShards     int           `env:"CACHE_SHARDS" envDefault:"16"`
	APIKeyCacheTTL  time.Duration `env:"API_KEY_CACHE_TTL" envDefault:"30s"`
	AuthRateLimit   int           `env:"AUTH_RATE_LIMIT" envDefault:"10"`
	MaxJSONBodySize int64         `env:"MAX_JSON_BODY_SIZE" envDefault:"1048576"`
}

// Load reads configuration from the environment, applying defaults and
// validating every value. All validation failures are reported together.
func Load() (Config, error) {
	// A missing .env file is the normal case in production.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.HTTPAddr = strings.TrimSpace(cfg.HTTPAddr)
	cfg.GRPCAddr = strings.TrimSpace(cfg.GRPCAddr)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks value ranges. It does not require DATABASE_URL.
func (c Config) Validate() error {
	var errs *multierror.Error

	if c.FlagCacheTTL <= 0 {
		errs = multierror.Append(errs, errors.New("FLAG_CACHE_TTL must be > 0"))
	}
	if c.SegmentCacheTTL <= 0 {
		errs = multierror.Append(errs, errors.New("SEGMENT_CACHE_TTL must be > 0"))
	}
	if c.CacheShards <= 0 {
		errs = multierror.Append(errs, errors.New("CACHE_SHARDS must be > 0"))
	}
	if c.APIKeyCacheTTL <= 0 {
		errs = multierror.Append(errs, errors.New("API_KEY_CACHE_TTL must be > 0"))
	}
	if c.AuthRateLimit <= 0 {
		errs = multierror.Append(errs, errors.New("AUTH_RATE_LIMIT must be > 0"))
	}
	if c.MaxJSONBodySize <= 0 {
		errs = multierror.Append(errs, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)"))
	}
	if c.HTTPAddr == "" {
		errs = multierror.Append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if c.GRPCAddr == "" {
		errs = multierror.Append(errs, errors.New("GRPC_ADDR must not be empty"))
	}

	return errs.ErrorOrNil()
}

// RequireDatabase fails when no DATABASE_URL is configured.
func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}
	return nil
}
