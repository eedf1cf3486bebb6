package ygggo_dbclient

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport with scripted failures and delays.
type fakeTransport struct {
	mu sync.Mutex

	dialDelay time.Duration
	dialErr   error
	// execErrs fails the n-th Exec call (1-based, counted across connections).
	execErrs  map[int]error
	opDelay   time.Duration
	rows      []Row
	result    Result
	pingErr   error
	commitErr error

	dialed     int
	closed     int
	open       int
	maxOpen    int
	execs      int
	statements []string
	closedT    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{result: Result{RowsAffected: 1, LastInsertID: 1}}
}

func (t *fakeTransport) Connect(ctx context.Context) (TransportConn, error) {
	t.mu.Lock()
	delay, derr := t.dialDelay, t.dialErr
	t.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if derr != nil {
		return nil, derr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialed++
	t.open++
	if t.open > t.maxOpen {
		t.maxOpen = t.open
	}
	return &fakeConn{t: t, id: t.dialed}, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closedT = true
	return nil
}

func (t *fakeTransport) set(fn func(t *fakeTransport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

type fakeStats struct {
	dialed     int
	closed     int
	open       int
	maxOpen    int
	execs      int
	statements []string
	closedT    bool
}

func (t *fakeTransport) snapshot() fakeStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fakeStats{
		dialed:     t.dialed,
		closed:     t.closed,
		open:       t.open,
		maxOpen:    t.maxOpen,
		execs:      t.execs,
		statements: append([]string(nil), t.statements...),
		closedT:    t.closedT,
	}
}

type fakeConn struct {
	t      *fakeTransport
	id     int
	mu     sync.Mutex
	closed bool
	inTx   bool
}

func (c *fakeConn) wait(ctx context.Context) error {
	c.t.mu.Lock()
	d := c.t.opDelay
	c.t.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Exec(ctx context.Context, query string, _ ...any) (Result, error) {
	if err := c.wait(ctx); err != nil {
		return Result{}, err
	}
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.execs++
	c.t.statements = append(c.t.statements, query)
	if err := c.t.execErrs[c.t.execs]; err != nil {
		return Result{}, err
	}
	return c.t.result, nil
}

func (c *fakeConn) Query(ctx context.Context, query string, _ ...any) ([]Row, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.statements = append(c.t.statements, query)
	return append([]Row(nil), c.t.rows...), nil
}

func (c *fakeConn) Begin(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx {
		return errors.New("already in transaction")
	}
	c.inTx = true
	return nil
}

func (c *fakeConn) Commit(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = false
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return c.t.commitErr
}

func (c *fakeConn) Rollback(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = false
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return c.t.pingErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.closed++
	c.t.open--
	return nil
}

// logEntry is one event captured by recordingLogger.
type logEntry struct {
	Level  Level
	Msg    string
	Fields Fields
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (r *recordingLogger) Log(_ context.Context, level Level, msg string, fields Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, logEntry{Level: level, Msg: msg, Fields: fields})
}

func (r *recordingLogger) find(msg string) []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []logEntry
	for _, e := range r.entries {
		if e.Msg == msg {
			out = append(out, e)
		}
	}
	return out
}

// fastRetry keeps retry tests quick.
func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
}

func testPoolConfig(minSize, maxSize int) PoolConfig {
	return PoolConfig{
		MinSize:        minSize,
		MaxSize:        maxSize,
		ConnectTimeout: time.Second,
		IdleTimeout:    time.Minute,
		AcquireTimeout: time.Second,
	}
}

func newFakeClient(t *testing.T, ft *fakeTransport, pc PoolConfig, opts ...Option) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Pool = pc
	cfg.Retry = fastRetry()
	c, err := NewClientWithTransport(context.Background(), ft, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

const usersSchema = `CREATE TABLE users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	age INTEGER NOT NULL DEFAULT 0
)`

// newSQLiteTestClient opens a file database under t.TempDir with a users table.
func newSQLiteTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	cfg := DefaultSQLiteConfig(filepath.Join(t.TempDir(), "test.db"))
	cfg.Pool = testPoolConfig(1, 4)
	cfg.Retry = fastRetry()
	c, err := NewSQLiteClient(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_, err = c.Execute(context.Background(), usersSchema)
	require.NoError(t, err)
	return c
}

func countRows(t *testing.T, c *Client, table string) int64 {
	t.Helper()
	row, ok, err := c.QueryOne(context.Background(), "SELECT COUNT(*) AS n FROM "+table)
	require.NoError(t, err)
	require.True(t, ok)
	n, ok := row.Int64("n")
	require.True(t, ok)
	return n
}
