package ygggo_dbclient

import "context"

// Transport is the driver layer that talks to the database server. The pool
// only needs it to dial new physical connections.
type Transport interface {
	Connect(ctx context.Context) (TransportConn, error)
	// Close releases transport-wide resources after every connection is closed.
	Close() error
}

// TransportConn is one physical connection. It is never used by two
// goroutines at once; the pool guarantees exclusive ownership.
type TransportConn interface {
	Exec(ctx context.Context, query string, args ...any) (Result, error)
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Result is what a statement reports back.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}
