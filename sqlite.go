package ygggo_dbclient

import (
	"context"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteConfig configures a Client backed by modernc.org/sqlite.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" gives every connection its own
	// database, so the pool is pinned to a single connection.
	Path        string
	BusyTimeout time.Duration
	JournalMode string // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	Synchronous string // FULL, NORMAL, OFF
	ForeignKeys bool
	Pool        PoolConfig
	Retry       RetryPolicy
}

// DefaultSQLiteConfig returns a WAL-mode file configuration with a small pool.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:        path,
		BusyTimeout: 5 * time.Second,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		ForeignKeys: true,
		Pool: PoolConfig{
			MinSize:        1,
			MaxSize:        4,
			ConnectTimeout: 5 * time.Second,
			IdleTimeout:    10 * time.Minute,
			AcquireTimeout: 30 * time.Second,
		},
		Retry: DefaultRetryPolicy(),
	}
}

// sqliteDSN renders cfg in the modernc.org/sqlite _pragma form.
func sqliteDSN(cfg SQLiteConfig) string {
	q := url.Values{}
	if cfg.BusyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	}
	if cfg.JournalMode != "" && cfg.Path != ":memory:" {
		q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", cfg.JournalMode))
	}
	if cfg.Synchronous != "" {
		q.Add("_pragma", fmt.Sprintf("synchronous(%s)", cfg.Synchronous))
	}
	if cfg.ForeignKeys {
		q.Add("_pragma", "foreign_keys(1)")
	}
	if len(q) == 0 {
		return cfg.Path
	}
	return cfg.Path + "?" + q.Encode()
}

// NewSQLiteClient opens a SQLite database and builds a Client on it.
func NewSQLiteClient(ctx context.Context, scfg SQLiteConfig, opts ...Option) (*Client, error) {
	if scfg.Path == "" {
		return nil, fmt.Errorf("new sqlite client: path is required")
	}
	if scfg.Path == ":memory:" {
		scfg.Pool.MinSize, scfg.Pool.MaxSize = 1, 1
	}
	cfg := DefaultConfig()
	cfg.Driver = "sqlite"
	cfg.DSN = sqliteDSN(scfg)
	cfg.Host, cfg.Port, cfg.Username = "", 0, ""
	cfg.Database = scfg.Path
	cfg.Pool = scfg.Pool
	cfg.Retry = scfg.Retry
	return NewClientWithConfig(ctx, cfg, opts...)
}
