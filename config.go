package ygggo_dbclient

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	mysql "github.com/go-sql-driver/mysql"
)

// PoolConfig holds pool sizing and timeouts.
type PoolConfig struct {
	MinSize        int           `yaml:"min_size"`
	MaxSize        int           `yaml:"max_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// ReapInterval schedules a background idle sweep; 0 keeps eviction lazy.
	ReapInterval time.Duration `yaml:"reap_interval"`
	// BorrowWarnThreshold reports leases held longer than this; 0 disables it.
	BorrowWarnThreshold time.Duration `yaml:"borrow_warn_threshold"`
}

// DefaultPoolConfig mirrors the sizing the client has always shipped with.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:        5,
		MaxSize:        20,
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    10 * time.Minute,
		AcquireTimeout: 30 * time.Second,
	}
}

// Validate enforces 0 < MinSize <= MaxSize and non-negative durations.
func (c PoolConfig) Validate() error {
	if c.MinSize <= 0 {
		return fmt.Errorf("pool min size must be positive, got %d", c.MinSize)
	}
	if c.MaxSize < c.MinSize {
		return fmt.Errorf("pool max size %d is below min size %d", c.MaxSize, c.MinSize)
	}
	if c.ConnectTimeout < 0 || c.IdleTimeout < 0 || c.AcquireTimeout < 0 || c.ReapInterval < 0 || c.BorrowWarnThreshold < 0 {
		return fmt.Errorf("pool durations must not be negative")
	}
	return nil
}

// LoggingConfig selects the built-in slog logger when no Logger option is given.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
}

// MetricsConfig toggles OpenTelemetry metric instruments.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig toggles OpenTelemetry spans.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config holds everything needed to build a Client. A zero SlowQueryLogSize
// keeps the last 256 slow statements.
type Config struct {
	// Driver is the database/sql driver name ("mysql" unless overridden).
	Driver string `yaml:"driver"`
	// DSN wins over the field-based settings below when non-empty.
	DSN      string            `yaml:"dsn"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Database string            `yaml:"database"`
	Params   map[string]string `yaml:"params"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	Pool               PoolConfig      `yaml:"pool"`
	Retry              RetryPolicy     `yaml:"retry"`
	PingTimeout        time.Duration   `yaml:"ping_timeout"`
	SlowQueryThreshold time.Duration   `yaml:"slow_query_threshold"`
	SlowQueryLogSize   int             `yaml:"slow_query_log_size"`
	Logging            LoggingConfig   `yaml:"logging"`
	Metrics            MetricsConfig   `yaml:"metrics"`
	Telemetry          TelemetryConfig `yaml:"telemetry"`
}

// DefaultConfig returns a local MySQL configuration with default pool and retry settings.
func DefaultConfig() Config {
	return Config{
		Driver:       "mysql",
		Host:         "localhost",
		Port:         3306,
		Username:     "root",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Pool:         DefaultPoolConfig(),
		Retry:        DefaultRetryPolicy(),
		PingTimeout:  2 * time.Second,
		Logging:      LoggingConfig{Level: "info"},
	}
}

// withDefaults fills zero values so a partially populated Config still works.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Driver == "" {
		c.Driver = def.Driver
	}
	if c.Pool == (PoolConfig{}) {
		c.Pool = def.Pool
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = def.Pool.AcquireTimeout
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = def.Retry
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	return c
}

// dsnFromConfig returns Config.DSN unchanged when set, otherwise builds a
// go-sql-driver/mysql DSN from the individual fields.
func dsnFromConfig(c Config) (string, error) {
	if strings.TrimSpace(c.DSN) != "" {
		return c.DSN, nil
	}
	if c.Host == "" {
		return "", fmt.Errorf("dsn: host is required when DSN is empty")
	}
	mc := mysql.NewConfig()
	mc.User = c.Username
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = c.Host
	if c.Port > 0 {
		mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	mc.DBName = c.Database
	mc.Timeout = c.Pool.ConnectTimeout
	mc.ReadTimeout = c.ReadTimeout
	mc.WriteTimeout = c.WriteTimeout
	mc.ParseTime = true
	if len(c.Params) > 0 {
		mc.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			switch k {
			case "parseTime":
				mc.ParseTime = v == "true" || v == "1"
			case "loc":
				loc, err := time.LoadLocation(v)
				if err != nil {
					return "", fmt.Errorf("dsn: invalid loc %q: %w", v, err)
				}
				mc.Loc = loc
			default:
				mc.Params[k] = v
			}
		}
	}
	if _, ok := mc.Params["charset"]; !ok {
		if mc.Params == nil {
			mc.Params = map[string]string{}
		}
		mc.Params["charset"] = "utf8mb4"
	}
	return mc.FormatDSN(), nil
}
