// Package ygggo_dbclient provides a resilient, pooled relational database client for Go.
//
// # Overview
//
// ygggo_dbclient sits between application code and a database/sql driver. It
// owns a bounded pool of connections, retries transient failures with
// exponential backoff, exposes a small CRUD surface and scopes transactions so
// that commit or rollback always happens exactly once.
//
// # Key Features
//
// ## Connection Management
//   - Bounded pool (MinSize warmed at start, MaxSize hard cap)
//   - FIFO lease queue with acquire timeouts; no caller is starved
//   - Lazy idle eviction, optional background reaper
//   - Broken connections are discarded on release
//   - Leak detection for leases held too long
//
// ## Failure Handling
//   - Typed errors with an exhaustive kind taxonomy (errors.Is friendly)
//   - MySQL and SQLite error classification
//   - Only connection failures are retried; statement and integrity errors surface at once
//   - Caller deadlines interrupt backoff waits
//
// ## Observability
//   - Structured logging through a small Logger interface (slog and zap adapters)
//   - OpenTelemetry metrics and spans
//   - Prometheus collector for pool counters
//
// # Quick Start
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		db "github.com/yggai/ygggo_dbclient"
//	)
//
//	func main() {
//		ctx := context.Background()
//		client, err := db.NewClient(ctx, "localhost", 3306, "app", "secret", "shop", db.DefaultPoolConfig())
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer client.Close()
//
//		id, err := client.Insert(ctx, "users", db.Fields{"name": "Alice", "age": 30})
//		if err != nil {
//			log.Fatal(err)
//		}
//		row, ok, err := client.QueryOne(ctx, "SELECT name, age FROM users WHERE id = ?", id)
//		if err != nil {
//			log.Fatal(err)
//		}
//		if ok {
//			log.Println(row.Text("name"))
//		}
//	}
//
// # Transactions
//
// Transaction leases one connection for the whole function. Returning nil
// commits; returning an error or panicking rolls back.
//
//	err := client.Transaction(ctx, func(tx *db.Tx) error {
//		if _, err := tx.Execute(ctx, "UPDATE accounts SET balance = balance - ? WHERE id = ?", 100, from); err != nil {
//			return err
//		}
//		_, err := tx.Execute(ctx, "UPDATE accounts SET balance = balance + ? WHERE id = ?", 100, to)
//		return err
//	})
//
// # Errors
//
// Every error returned by the client carries an ErrorKind:
//
//	if errors.Is(err, db.ErrPoolExhausted) {
//		// back off and try later
//	}
//
// Update and Delete refuse an empty where clause with ErrUnsafeMutation before
// touching the pool.
//
// # Configuration
//
// LoadConfig merges DefaultConfig, an optional YAML file and YGGGO_DB_*
// environment variables (YGGGO_DB_HOST, YGGGO_DB_POOL_MAX, ...). The result is
// passed to NewClientWithConfig.
//
// For runnable programs, see the examples/ directory in the repository.
package ygggo_dbclient
