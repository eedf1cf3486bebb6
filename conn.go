package ygggo_dbclient

import (
	"context"
	"sync/atomic"
	"time"
)

// BorrowLeak describes a lease that was held longer than BorrowWarnThreshold.
type BorrowLeak struct {
	LeaseID uint64
	HeldFor time.Duration
}

// LeasedConn is a pooled connection checked out by exactly one caller.
// It must be released; after that every operation on it fails.
type LeasedConn struct {
	id       uint64
	pc       *physConn
	pool     *Pool
	leasedAt time.Time
	busy     atomic.Bool
	broken   atomic.Bool
}

// ID identifies the lease. A connection gets a new id each time it is leased.
func (c *LeasedConn) ID() uint64 { return c.id }

// Busy reports whether the lease is still held.
func (c *LeasedConn) Busy() bool { return c.busy.Load() }

// Broken reports whether the connection will be discarded on release.
func (c *LeasedConn) Broken() bool { return c.broken.Load() }

// MarkBroken makes Release close the connection instead of reusing it.
func (c *LeasedConn) MarkBroken() { c.broken.Store(true) }

// LeasedAt is when the lease started.
func (c *LeasedConn) LeasedAt() time.Time { return c.leasedAt }

// Release hands the connection back to its pool. Calling it twice is a no-op.
func (c *LeasedConn) Release() error {
	if c == nil || c.pool == nil {
		return nil
	}
	return c.pool.release(context.Background(), c)
}

func (c *LeasedConn) check(op string) error {
	if c == nil || !c.busy.Load() {
		return newError(KindStatement, op, errLeaseReleased)
	}
	return nil
}

// observe marks the connection broken when err shows it is unusable.
func (c *LeasedConn) observe(err error) error {
	if err != nil && isBrokenConnError(err) {
		c.broken.Store(true)
	}
	return err
}

// Exec runs a statement that returns no rows.
func (c *LeasedConn) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	if err := c.check("exec"); err != nil {
		return Result{}, err
	}
	res, err := c.pc.tc.Exec(ctx, query, args...)
	return res, c.observe(err)
}

// Query runs a statement and materialises all rows.
func (c *LeasedConn) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	if err := c.check("query"); err != nil {
		return nil, err
	}
	rows, err := c.pc.tc.Query(ctx, query, args...)
	return rows, c.observe(err)
}

func (c *LeasedConn) Begin(ctx context.Context) error {
	if err := c.check("begin"); err != nil {
		return err
	}
	return c.observe(c.pc.tc.Begin(ctx))
}

func (c *LeasedConn) Commit(ctx context.Context) error {
	if err := c.check("commit"); err != nil {
		return err
	}
	return c.observe(c.pc.tc.Commit(ctx))
}

func (c *LeasedConn) Rollback(ctx context.Context) error {
	if err := c.check("rollback"); err != nil {
		return err
	}
	return c.observe(c.pc.tc.Rollback(ctx))
}

// Ping checks the connection round trip.
func (c *LeasedConn) Ping(ctx context.Context) error {
	if err := c.check("ping"); err != nil {
		return err
	}
	return c.observe(c.pc.tc.Ping(ctx))
}
