//go:build integration

package ygggo_dbclient

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/wait"
)

// mysqlContainer runs a throwaway MySQL server for integration tests.
type mysqlContainer struct {
	container testcontainers.Container
	cfg       Config
}

type mysqlContainerConfig struct {
	Version      string
	Database     string
	Username     string
	Password     string
	StartTimeout time.Duration
}

func defaultMySQLContainerConfig() mysqlContainerConfig {
	return mysqlContainerConfig{
		Version:      "8.0",
		Database:     "testdb",
		Username:     "testuser",
		Password:     "testpass",
		StartTimeout: 90 * time.Second,
	}
}

func startMySQL(ctx context.Context, cc mysqlContainerConfig) (*mysqlContainer, error) {
	c, err := mysql.Run(ctx,
		"mysql:"+cc.Version,
		mysql.WithDatabase(cc.Database),
		mysql.WithUsername(cc.Username),
		mysql.WithPassword(cc.Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("port: 3306  MySQL Community Server").
				WithOccurrence(1).
				WithStartupTimeout(cc.StartTimeout),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start mysql container: %w", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("container host: %w", err)
	}
	port, err := c.MappedPort(ctx, "3306")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("container port: %w", err)
	}
	portNum, err := strconv.Atoi(port.Port())
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("parse port: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Port = portNum
	cfg.Username = cc.Username
	cfg.Password = cc.Password
	cfg.Database = cc.Database
	cfg.Pool = PoolConfig{
		MinSize:        2,
		MaxSize:        4,
		ConnectTimeout: 5 * time.Second,
		IdleTimeout:    time.Minute,
		AcquireTimeout: 5 * time.Second,
	}
	cfg.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, Multiplier: 2}
	return &mysqlContainer{container: c, cfg: cfg}, nil
}

func (m *mysqlContainer) client(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := NewClientWithConfig(context.Background(), m.cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// reset drops every table in the test database.
func (m *mysqlContainer) reset(ctx context.Context, c *Client) error {
	rows, err := c.Query(ctx, "SHOW TABLES")
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	return c.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Execute(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
			return err
		}
		for _, r := range rows {
			vals := r.Values()
			if len(vals) == 0 {
				continue
			}
			if _, err := tx.Execute(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%v`", vals[0])); err != nil {
				return err
			}
		}
		_, err := tx.Execute(ctx, "SET FOREIGN_KEY_CHECKS = 1")
		return err
	})
}

func (m *mysqlContainer) close(ctx context.Context) error {
	return m.container.Terminate(ctx)
}
