package ygggo_dbclient

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// leaseFunc runs on a leased connection and reports the row count for logging.
type leaseFunc func(ctx context.Context, lc *LeasedConn) (int64, error)

// run drives one client operation: span, retries, a fresh lease per attempt,
// statement logging and metrics.
func (c *Client) run(ctx context.Context, op, statement string, argCount int, fn leaseFunc) error {
	ctx, span := c.tracing.startSpan(ctx, op, statement)
	start := time.Now()
	var rows int64
	err := c.exec.Run(ctx, op, func(ctx context.Context) error {
		n, err := c.withLease(ctx, op, statement, fn)
		rows = n
		return err
	})
	err = wrapError(op, statement, err, c.classify)
	duration := time.Since(start)
	c.logStatement(ctx, op, statement, argCount, rows, duration, err)
	c.metrics.recordQuery(ctx, op, duration, err)
	c.tracing.finishSpan(span, err)
	return err
}

func (c *Client) withLease(ctx context.Context, op, statement string, fn leaseFunc) (int64, error) {
	lc, err := c.pool.Lease(ctx, 0)
	if err != nil {
		return 0, err
	}
	defer c.pool.release(ctx, lc)
	n, err := fn(ctx, lc)
	if err != nil {
		return n, wrapError(op, statement, err, c.classify)
	}
	return n, nil
}

// Query returns every row the statement produces, in order. No rows yields an
// empty slice and a nil error.
func (c *Client) Query(ctx context.Context, statement string, args ...any) ([]Row, error) {
	var out []Row
	err := c.run(ctx, "query", statement, len(args), func(ctx context.Context, lc *LeasedConn) (int64, error) {
		rows, err := lc.Query(ctx, statement, args...)
		if err != nil {
			return 0, err
		}
		out = rows
		return int64(len(rows)), nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Row{}
	}
	return out, nil
}

// QueryOne returns the first row. ok is false when nothing matched; extra rows
// are ignored.
func (c *Client) QueryOne(ctx context.Context, statement string, args ...any) (row Row, ok bool, err error) {
	rows, err := c.Query(ctx, statement, args...)
	if err != nil || len(rows) == 0 {
		return Row{}, false, err
	}
	return rows[0], true, nil
}

// Execute runs a statement and returns the number of affected rows.
func (c *Client) Execute(ctx context.Context, statement string, args ...any) (int64, error) {
	res, err := c.exec1(ctx, "execute", statement, args)
	return res.RowsAffected, err
}

func (c *Client) exec1(ctx context.Context, op, statement string, args []any) (Result, error) {
	var res Result
	err := c.run(ctx, op, statement, len(args), func(ctx context.Context, lc *LeasedConn) (int64, error) {
		r, err := lc.Exec(ctx, statement, args...)
		if err != nil {
			return 0, err
		}
		res = r
		return r.RowsAffected, nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// ExecuteMany runs statement once per parameter set on a single connection
// and returns the total affected rows. It is not transactional: a failure
// part way leaves earlier sets applied. Once a set has been applied the batch
// is no longer retried.
func (c *Client) ExecuteMany(ctx context.Context, statement string, paramSets [][]any) (int64, error) {
	if len(paramSets) == 0 {
		return 0, nil
	}
	var total int64
	applied := 0
	err := c.run(ctx, "execute_many", statement, len(paramSets), func(ctx context.Context, lc *LeasedConn) (int64, error) {
		for i, args := range paramSets {
			res, err := lc.Exec(ctx, statement, args...)
			if err != nil {
				err = fmt.Errorf("parameter set %d: %w", i, err)
				if applied > 0 {
					return total, permanent(wrapError("execute_many", statement, err, c.classify))
				}
				return total, err
			}
			total += res.RowsAffected
			applied = i + 1
		}
		return total, nil
	})
	return total, err
}

// Insert writes one row built from fields and returns the generated key.
func (c *Client) Insert(ctx context.Context, table string, fields Fields) (int64, error) {
	stmt, args, err := buildInsert(table, fields)
	if err != nil {
		return 0, err
	}
	res, err := c.exec1(ctx, "insert", stmt, args)
	return res.LastInsertID, err
}

// Update sets fields on the rows matching where. An empty where clause fails
// with UnsafeMutation before any connection is used.
func (c *Client) Update(ctx context.Context, table string, fields Fields, where string, whereArgs ...any) (int64, error) {
	stmt, args, err := buildUpdate(table, fields, where, whereArgs)
	if err != nil {
		return 0, err
	}
	return c.Execute(ctx, stmt, args...)
}

// Delete removes the rows matching where, with the same guard as Update.
func (c *Client) Delete(ctx context.Context, table, where string, whereArgs ...any) (int64, error) {
	stmt, err := buildDelete(table, where)
	if err != nil {
		return 0, err
	}
	return c.Execute(ctx, stmt, whereArgs...)
}

// BulkInsert writes rows with a single multi-values INSERT and returns the
// affected row count.
func (c *Client) BulkInsert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	stmt, args, err := buildBulkInsert(table, columns, rows)
	if err != nil {
		return 0, err
	}
	res, err := c.exec1(ctx, "bulk_insert", stmt, args)
	return res.RowsAffected, err
}

func buildBulkInsert(table string, columns []string, rows [][]any) (string, []any, error) {
	if len(rows) == 0 || len(columns) == 0 {
		return "", nil, newError(KindStatement, "bulk_insert", fmt.Errorf("no rows to insert into %s", table))
	}
	if err := checkIdents("bulk_insert", table, columns); err != nil {
		return "", nil, err
	}
	colN := len(columns)
	placeOne := "(" + strings.TrimSuffix(strings.Repeat("?, ", colN), ", ") + ")"
	var b strings.Builder
	b.Grow(32 + len(table) + len(rows)*(len(placeOne)+2))
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")
	args := make([]any, 0, len(rows)*colN)
	for i, r := range rows {
		if len(r) != colN {
			return "", nil, newError(KindStatement, "bulk_insert", fmt.Errorf("row %d has %d values, want %d", i, len(r), colN))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeOne)
		args = append(args, r...)
	}
	return b.String(), args, nil
}
