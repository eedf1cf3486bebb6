package ygggo_dbclient

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	mysql "github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
)

// ErrorKind is the class an error belongs to. The set is exhaustive.
type ErrorKind int

const (
	KindStatement ErrorKind = iota
	KindConnectionFailure
	KindTimeout
	KindPoolExhausted
	KindPoolClosed
	KindIntegrityViolation
	KindUnsafeMutation
	KindNestedTransaction
)

func (k ErrorKind) String() string {
	switch k {
	case KindStatement:
		return "statement_error"
	case KindConnectionFailure:
		return "connection_failure"
	case KindTimeout:
		return "timeout"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindPoolClosed:
		return "pool_closed"
	case KindIntegrityViolation:
		return "integrity_violation"
	case KindUnsafeMutation:
		return "unsafe_mutation"
	case KindNestedTransaction:
		return "nested_transaction"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether errors of this kind are retried by the RetryExecutor.
func (k ErrorKind) Retryable() bool { return k == KindConnectionFailure }

// Sentinels for errors.Is matching on kind.
var (
	ErrStatement          = &Error{Kind: KindStatement}
	ErrConnectionFailure  = &Error{Kind: KindConnectionFailure}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrPoolExhausted      = &Error{Kind: KindPoolExhausted}
	ErrPoolClosed         = &Error{Kind: KindPoolClosed}
	ErrIntegrityViolation = &Error{Kind: KindIntegrityViolation}
	ErrUnsafeMutation     = &Error{Kind: KindUnsafeMutation}
	ErrNestedTransaction  = &Error{Kind: KindNestedTransaction}
)

// Error carries the kind of a failure plus enough context to log and act on it.
type Error struct {
	Kind      ErrorKind
	Op        string
	Statement string
	Attempts  int
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Statement != "" {
		msg += fmt.Sprintf(" [%s]", truncate(e.Statement, maxLoggedStatement))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var errLeaseReleased = errors.New("connection lease already released")

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err. Errors that were never classified are
// classified on the fly.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

// wrapError attaches op/statement context, classifying err if needed.
func wrapError(op, statement string, err error, classify Classifier) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" && e.Statement == "" {
			out := *e
			out.Op = op
			out.Statement = statement
			return &out
		}
		return err
	}
	if classify == nil {
		classify = Classify
	}
	return &Error{Kind: classify(err), Op: op, Statement: statement, Err: err}
}

// Classifier maps a raw transport error onto the taxonomy.
type Classifier func(error) ErrorKind

// MySQL server error numbers the classifier cares about.
const (
	erDupKey             = 1022
	erTooManyConnections = 1040
	erDBAccessDenied     = 1044
	erAccessDenied       = 1045
	erBadNull            = 1048
	erServerShutdown     = 1053
	erBadField           = 1054
	erDupEntry           = 1062
	erParse              = 1064
	erTableAccessDenied  = 1142
	erColumnAccessDenied = 1143
	erNoSuchTable        = 1146
	erSyntax             = 1149
	erLockWaitTimeout    = 1205
	erLockDeadlock       = 1213
	erNoReferencedRow    = 1216
	erRowIsReferenced    = 1217
	erRowIsReferenced2   = 1451
	erNoReferencedRow2   = 1452
	erCheckViolated      = 3819

	crConnectionError = 2002
	crConnHostError   = 2003
	crServerGone      = 2006
	crServerLost      = 2013
)

// SQLite primary result codes.
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteIOErr      = 10
	sqliteConstraint = 19
)

// Classify is the default classifier for MySQL, SQLite and network errors.
// Anything it cannot place is treated as a statement error, which is surfaced
// without retry.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindStatement
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case erDupKey, erDupEntry, erBadNull, erNoReferencedRow, erRowIsReferenced,
			erRowIsReferenced2, erNoReferencedRow2, erCheckViolated:
			return KindIntegrityViolation
		case erLockDeadlock, erLockWaitTimeout, erTooManyConnections, erServerShutdown,
			crConnectionError, crConnHostError, crServerGone, crServerLost:
			return KindConnectionFailure
		case erParse, erSyntax, erNoSuchTable, erBadField,
			erAccessDenied, erDBAccessDenied, erTableAccessDenied, erColumnAccessDenied:
			return KindStatement
		default:
			return KindStatement
		}
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqliteBusy, sqliteLocked, sqliteIOErr:
			return KindConnectionFailure
		case sqliteConstraint:
			return KindIntegrityViolation
		default:
			return KindStatement
		}
	}

	if isNetworkError(err) {
		return KindConnectionFailure
	}
	return KindStatement
}

// isNetworkError reports failures of the connection itself, as opposed to
// server-side errors on a healthy connection.
func isNetworkError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && !errors.Is(err, context.DeadlineExceeded)
}

// isBrokenConnError reports whether a connection that returned err must not
// go back to the idle set.
func isBrokenConnError(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == crServerGone || me.Number == crServerLost
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqliteIOErr
	}
	return isNetworkError(err)
}
