package ygggo_dbclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TxState is the lifecycle state of a Tx. Committed and RolledBack are terminal.
type TxState int

const (
	TxOpen TxState = iota
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxOpen:
		return "open"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("tx_state(%d)", int(s))
	}
}

var errTxDone = errors.New("transaction scope has ended")

// Tx is the handle passed to a Transaction function. It is bound to one
// leased connection and becomes unusable when the function returns.
type Tx struct {
	c      *Client
	lc     *LeasedConn
	logger Logger
	span   trace.Span

	mu    sync.Mutex
	state TxState
}

// State reports the current lifecycle state.
func (tx *Tx) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

func (tx *Tx) begin(op string) error {
	tx.mu.Lock()
	open := tx.state == TxOpen
	tx.mu.Unlock()
	if !open {
		return newError(KindStatement, op, errTxDone)
	}
	return nil
}

// stmt runs fn on the transaction's connection with statement logging.
func (tx *Tx) stmt(ctx context.Context, op, statement string, argCount int, fn func(ctx context.Context) (int64, error)) error {
	if err := tx.begin(op); err != nil {
		return err
	}
	if tx.c.tracing != nil && !trace.SpanContextFromContext(ctx).IsValid() {
		ctx = trace.ContextWithSpan(ctx, tx.span)
	}
	ctx, span := tx.c.tracing.startSpan(ctx, op, statement)
	start := time.Now()
	n, err := fn(ctx)
	err = wrapError(op, statement, err, tx.c.classify)
	duration := time.Since(start)
	tx.c.logStatement(ctx, op, statement, argCount, n, duration, err)
	tx.c.metrics.recordQuery(ctx, op, duration, err)
	tx.c.tracing.finishSpan(span, err)
	return err
}

// Execute runs a statement inside the transaction and returns affected rows.
func (tx *Tx) Execute(ctx context.Context, statement string, args ...any) (int64, error) {
	var res Result
	err := tx.stmt(ctx, "tx_execute", statement, len(args), func(ctx context.Context) (int64, error) {
		r, err := tx.lc.Exec(ctx, statement, args...)
		res = r
		return r.RowsAffected, err
	})
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

// Query returns all rows, or an empty slice when nothing matched.
func (tx *Tx) Query(ctx context.Context, statement string, args ...any) ([]Row, error) {
	var out []Row
	err := tx.stmt(ctx, "tx_query", statement, len(args), func(ctx context.Context) (int64, error) {
		rows, err := tx.lc.Query(ctx, statement, args...)
		out = rows
		return int64(len(rows)), err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Row{}
	}
	return out, nil
}

// QueryOne returns the first row; ok is false when nothing matched.
func (tx *Tx) QueryOne(ctx context.Context, statement string, args ...any) (Row, bool, error) {
	rows, err := tx.Query(ctx, statement, args...)
	if err != nil || len(rows) == 0 {
		return Row{}, false, err
	}
	return rows[0], true, nil
}

// Insert writes one row and returns the generated key.
func (tx *Tx) Insert(ctx context.Context, table string, fields Fields) (int64, error) {
	stmt, args, err := buildInsert(table, fields)
	if err != nil {
		return 0, err
	}
	var res Result
	err = tx.stmt(ctx, "tx_insert", stmt, len(args), func(ctx context.Context) (int64, error) {
		r, err := tx.lc.Exec(ctx, stmt, args...)
		res = r
		return r.RowsAffected, err
	})
	if err != nil {
		return 0, err
	}
	return res.LastInsertID, nil
}

// Transaction always fails: savepoints are not supported.
func (tx *Tx) Transaction(context.Context, func(*Tx) error) error {
	return newError(KindNestedTransaction, "transaction", errors.New("a transaction is already open on this handle"))
}

// Transaction runs fn inside a transaction on a single leased connection.
// A nil return commits; an error or panic rolls back, and a panic is re-raised
// afterwards. The connection is released on every path. Only the lease and
// BEGIN are retried, never fn.
func (c *Client) Transaction(ctx context.Context, fn func(*Tx) error) (err error) {
	ctx, span := c.tracing.startSpan(ctx, "transaction", "")
	start := time.Now()

	var lc *LeasedConn
	err = c.exec.Run(ctx, "begin", func(ctx context.Context) error {
		l, err := c.pool.Lease(ctx, 0)
		if err != nil {
			return err
		}
		if err := l.Begin(ctx); err != nil {
			_ = c.pool.release(ctx, l)
			return wrapError("begin", "", err, c.classify)
		}
		lc = l
		return nil
	})
	if err != nil {
		err = wrapError("begin", "", err, c.classify)
		c.logger.Log(ctx, LevelError, "transaction begin failed", Fields{"error": err.Error()})
		c.tracing.finishSpan(span, err)
		return err
	}

	tx := &Tx{
		c:      c,
		lc:     lc,
		logger: withFields(c.logger, Fields{"component": "tx", "lease_id": lc.ID()}),
		span:   span,
	}
	tx.logger.Log(ctx, LevelDebug, "transaction started", nil)

	defer func() {
		p := recover()
		if p != nil {
			err = fmt.Errorf("transaction panicked: %v", p)
		}
		// Commit and rollback must still reach the server when ctx is done.
		fctx := context.WithoutCancel(ctx)
		err = tx.finish(fctx, err)
		_ = c.pool.release(fctx, lc)

		outcome := tx.State()
		c.metrics.recordTransaction(ctx, time.Since(start), outcome)
		c.tracing.finishSpan(span, err)
		if p != nil {
			panic(p)
		}
	}()

	return fn(tx)
}

// finish commits when fnErr is nil and rolls back otherwise, exactly once.
func (tx *Tx) finish(ctx context.Context, fnErr error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxOpen {
		return fnErr
	}

	if fnErr == nil {
		cerr := tx.lc.Commit(ctx)
		if cerr == nil {
			tx.state = TxCommitted
			tx.logger.Log(ctx, LevelDebug, "transaction committed", nil)
			return nil
		}
		tx.state = TxRolledBack
		// Some drivers leave the server transaction open after a failed COMMIT.
		if rerr := tx.lc.Rollback(ctx); rerr != nil {
			tx.lc.MarkBroken()
		}
		err := wrapError("commit", "", cerr, tx.c.classify)
		tx.logger.Log(ctx, LevelError, "transaction commit failed", Fields{"error": err.Error()})
		return err
	}

	tx.state = TxRolledBack
	if rerr := tx.lc.Rollback(ctx); rerr != nil {
		// The connection's transaction state is unknown now.
		tx.lc.MarkBroken()
		tx.logger.Log(ctx, LevelError, "transaction rollback failed", Fields{
			"error":       rerr.Error(),
			"cause_error": fnErr.Error(),
		})
		return errors.Join(fnErr, wrapError("rollback", "", rerr, tx.c.classify))
	}
	tx.logger.Log(ctx, LevelInfo, "transaction rolled back", Fields{"error": fnErr.Error()})
	return fnErr
}
