package ygggo_dbclient

import (
	"context"
	"fmt"

	"github.com/DATA-DOG/go-sqlmock"
)

// NewClientWithMock builds a Client over a go-sqlmock database for tests in
// dependent packages. The client owns the mock database and closes it on Close.
// Pool sizing defaults to a single connection.
func NewClientWithMock(ctx context.Context, cfg Config, opts ...Option) (*Client, sqlmock.Sqlmock, error) {
	db, mock, err := sqlmock.New()
	if err != nil {
		return nil, nil, fmt.Errorf("new mock client: %w", err)
	}
	if cfg.Pool == (PoolConfig{}) {
		cfg.Pool = PoolConfig{MinSize: 1, MaxSize: 1}
	}
	c, err := NewClientWithTransport(ctx, &sqlTransport{db: db, owns: true}, cfg, opts...)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return c, mock, nil
}
