package ygggo_dbclient

import (
	"fmt"
	"regexp"
	"strings"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

// validIdent accepts plain or schema-qualified identifiers. Identifiers are
// never quoted, so anything else is rejected rather than escaped.
func validIdent(name string) bool {
	return identPattern.MatchString(name)
}

func checkIdents(op, table string, cols []string) error {
	if !validIdent(table) {
		return newError(KindStatement, op, fmt.Errorf("invalid table name %q", table))
	}
	for _, c := range cols {
		if !validIdent(c) {
			return newError(KindStatement, op, fmt.Errorf("invalid column name %q", c))
		}
	}
	return nil
}

// buildInsert renders INSERT INTO t (a, b) VALUES (?, ?) with columns in
// sorted order, returning the args in the same order.
func buildInsert(table string, fields Fields) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, newError(KindStatement, "insert", fmt.Errorf("no fields to insert into %s", table))
	}
	cols := sortedKeys(fields)
	if err := checkIdents("insert", table, cols); err != nil {
		return "", nil, err
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = fields[c]
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), marks)
	return stmt, args, nil
}

// buildUpdate renders UPDATE t SET a = ?, b = ? WHERE <where>. The SET args
// come first, then whereArgs.
func buildUpdate(table string, fields Fields, where string, whereArgs []any) (string, []any, error) {
	if err := guardWhere("update", table, where); err != nil {
		return "", nil, err
	}
	if len(fields) == 0 {
		return "", nil, newError(KindStatement, "update", fmt.Errorf("no fields to update in %s", table))
	}
	cols := sortedKeys(fields)
	if err := checkIdents("update", table, cols); err != nil {
		return "", nil, err
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(whereArgs))
	for i, c := range cols {
		sets[i] = c + " = ?"
		args = append(args, fields[c])
	}
	args = append(args, whereArgs...)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), strings.TrimSpace(where))
	return stmt, args, nil
}

func buildDelete(table, where string) (string, error) {
	if err := guardWhere("delete", table, where); err != nil {
		return "", err
	}
	if err := checkIdents("delete", table, nil); err != nil {
		return "", err
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.TrimSpace(where)), nil
}

// guardWhere refuses full-table mutations.
func guardWhere(op, table, where string) error {
	if strings.TrimSpace(where) == "" {
		return newError(KindUnsafeMutation, op, fmt.Errorf("empty where clause on %s", table))
	}
	return nil
}
