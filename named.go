package ygggo_dbclient

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// bindNamed rewrites :name placeholders to positional ? and orders the
// values from arg, a map[string]any or a struct with `db` tags.
func bindNamed(statement string, arg any) (string, []any, error) {
	bound, args, err := sqlx.Named(statement, arg)
	if err != nil {
		return "", nil, newError(KindStatement, "bind_named", err)
	}
	return bound, args, nil
}

// NamedQuery is Query with :name parameters.
func (c *Client) NamedQuery(ctx context.Context, statement string, arg any) ([]Row, error) {
	bound, args, err := bindNamed(statement, arg)
	if err != nil {
		return nil, err
	}
	return c.Query(ctx, bound, args...)
}

// NamedExecute is Execute with :name parameters.
func (c *Client) NamedExecute(ctx context.Context, statement string, arg any) (int64, error) {
	bound, args, err := bindNamed(statement, arg)
	if err != nil {
		return 0, err
	}
	return c.Execute(ctx, bound, args...)
}

// BuildIn expands slice arguments bound to a single ? into (?, ?, ...), as in
// "SELECT * FROM t WHERE id IN (?)".
func BuildIn(statement string, args ...any) (string, []any, error) {
	bound, out, err := sqlx.In(statement, args...)
	if err != nil {
		return "", nil, newError(KindStatement, "build_in", err)
	}
	return bound, out, nil
}
