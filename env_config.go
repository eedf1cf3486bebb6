package ygggo_dbclient

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment keys read by LoadConfig. Set values override the file and defaults.
const (
	EnvDriver         = "YGGGO_DB_DRIVER"
	EnvDSN            = "YGGGO_DB_DSN"
	EnvHost           = "YGGGO_DB_HOST"
	EnvPort           = "YGGGO_DB_PORT"
	EnvUsername       = "YGGGO_DB_USERNAME"
	EnvPassword       = "YGGGO_DB_PASSWORD"
	EnvDatabase       = "YGGGO_DB_DATABASE"
	EnvParams         = "YGGGO_DB_PARAMS" // query-string form: parseTime=true&loc=Local
	EnvPoolMin        = "YGGGO_DB_POOL_MIN"
	EnvPoolMax        = "YGGGO_DB_POOL_MAX"
	EnvAcquireTimeout = "YGGGO_DB_ACQUIRE_TIMEOUT"
	EnvIdleTimeout    = "YGGGO_DB_IDLE_TIMEOUT"
	EnvConnectTimeout = "YGGGO_DB_CONNECT_TIMEOUT"
	EnvRetryAttempts  = "YGGGO_DB_RETRY_ATTEMPTS"
	EnvRetryBaseDelay = "YGGGO_DB_RETRY_BASE_DELAY"
	EnvRetryMult      = "YGGGO_DB_RETRY_MULTIPLIER"
	EnvLogLevel       = "YGGGO_DB_LOG_LEVEL"
)

func getenv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// applyEnv overlays YGGGO_DB_* variables onto cfg.
func applyEnv(cfg *Config) error {
	if v, ok := getenv(EnvDriver); ok {
		cfg.Driver = v
	}
	if v, ok := getenv(EnvDSN); ok {
		cfg.DSN = v
	}
	if v, ok := getenv(EnvHost); ok {
		cfg.Host = v
	}
	if v, ok := getenv(EnvUsername); ok {
		cfg.Username = v
	}
	// Passwords may legitimately carry surrounding spaces.
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.Password = v
	}
	if v, ok := getenv(EnvDatabase); ok {
		cfg.Database = v
	}
	if v, ok := getenv(EnvParams); ok {
		q, err := url.ParseQuery(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvParams, err)
		}
		if cfg.Params == nil {
			cfg.Params = make(map[string]string, len(q))
		}
		for k := range q {
			cfg.Params[k] = q.Get(k)
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvPort, &cfg.Port},
		{EnvPoolMin, &cfg.Pool.MinSize},
		{EnvPoolMax, &cfg.Pool.MaxSize},
		{EnvRetryAttempts, &cfg.Retry.MaxAttempts},
	}
	for _, e := range ints {
		if v, ok := getenv(e.key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvAcquireTimeout, &cfg.Pool.AcquireTimeout},
		{EnvIdleTimeout, &cfg.Pool.IdleTimeout},
		{EnvConnectTimeout, &cfg.Pool.ConnectTimeout},
		{EnvRetryBaseDelay, &cfg.Retry.BaseDelay},
	}
	for _, e := range durations {
		if v, ok := getenv(e.key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = d
		}
	}

	if v, ok := getenv(EnvRetryMult); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetryMult, err)
		}
		cfg.Retry.Multiplier = f
	}
	if v, ok := getenv(EnvLogLevel); ok {
		cfg.Logging.Enabled = true
		cfg.Logging.Level = v
	}
	return nil
}

// LoadConfigFile reads a YAML config file on top of DefaultConfig.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfig resolves defaults, then the YAML file at path (skipped when
// path is empty), then the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadConfigFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Pool.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
