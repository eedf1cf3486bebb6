package ygggo_dbclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// sqlTransport dials dedicated *sql.Conn handles from a *sql.DB. When it owns
// the *sql.DB, database/sql keeps no idle connections of its own, so closing
// a handle closes the physical connection and the Pool is the only pool.
type sqlTransport struct {
	db   *sql.DB
	owns bool
}

// NewSQLTransport wraps a caller-owned *sql.DB. Its settings are left alone
// and Close does not close it.
func NewSQLTransport(db *sql.DB) Transport {
	return &sqlTransport{db: db}
}

// OpenSQLTransport opens driverName/dsn and sizes database/sql so that it never
// holds connections the Pool does not know about.
func OpenSQLTransport(driverName, dsn string, pc PoolConfig) (Transport, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	if pc.MaxSize > 0 {
		db.SetMaxOpenConns(pc.MaxSize)
	}
	db.SetMaxIdleConns(0)
	return &sqlTransport{db: db, owns: true}, nil
}

func (t *sqlTransport) Connect(ctx context.Context) (TransportConn, error) {
	c, err := t.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlConn{inner: c}, nil
}

func (t *sqlTransport) Close() error {
	if !t.owns {
		return nil
	}
	return t.db.Close()
}

// sqlConn runs statements on its *sql.Conn, or on the open *sql.Tx between
// Begin and Commit/Rollback.
type sqlConn struct {
	inner *sql.Conn
	tx    *sql.Tx
}

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (c *sqlConn) executor() sqlExecutor {
	if c.tx != nil {
		return c.tx
	}
	return c.inner
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	res, err := c.executor().ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}
	var out Result
	// Drivers that cannot report one of the values return an error for it;
	// the other value is still meaningful.
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out, nil
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rs, err := c.executor().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return scanRows(rs)
}

func (c *sqlConn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return errors.New("transaction already open on connection")
	}
	tx, err := c.inner.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *sqlConn) Commit(context.Context) error {
	if c.tx == nil {
		return sql.ErrTxDone
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

func (c *sqlConn) Rollback(context.Context) error {
	if c.tx == nil {
		return sql.ErrTxDone
	}
	tx := c.tx
	c.tx = nil
	// database/sql already rolled back a tx whose context ended.
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.inner.PingContext(ctx)
}

func (c *sqlConn) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	err := c.inner.Close()
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}

// scanRows materialises a result set. Text columns that the driver hands back
// as []byte become strings; binary columns keep their bytes.
func scanRows(rs *sql.Rows) ([]Row, error) {
	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rs.ColumnTypes()
	if err != nil {
		types = nil
	}
	out := make([]Row, 0)
	buf := make([]any, len(cols))
	scan := make([]any, len(cols))
	for i := range buf {
		scan[i] = &buf[i]
	}
	for rs.Next() {
		if err := rs.Scan(scan...); err != nil {
			return nil, err
		}
		vals := make([]any, len(cols))
		for i, v := range buf {
			if b, ok := v.([]byte); ok {
				if types != nil && isBinaryColumn(types[i]) {
					vals[i] = append([]byte(nil), b...)
				} else {
					vals[i] = string(b)
				}
				continue
			}
			vals[i] = v
		}
		out = append(out, NewRow(cols, vals))
	}
	return out, rs.Err()
}

func isBinaryColumn(ct *sql.ColumnType) bool {
	name := strings.ToUpper(ct.DatabaseTypeName())
	return strings.Contains(name, "BLOB") || strings.Contains(name, "BINARY") || name == "BIT"
}
