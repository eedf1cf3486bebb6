package ygggo_dbclient

import "context"

// Executor is the statement surface shared by Client and Tx, so helpers can
// run either inside or outside a transaction.
type Executor interface {
	Query(ctx context.Context, statement string, args ...any) ([]Row, error)
	QueryOne(ctx context.Context, statement string, args ...any) (Row, bool, error)
	Execute(ctx context.Context, statement string, args ...any) (int64, error)
	Insert(ctx context.Context, table string, fields Fields) (int64, error)
}

var (
	_ Executor = (*Client)(nil)
	_ Executor = (*Tx)(nil)
)
