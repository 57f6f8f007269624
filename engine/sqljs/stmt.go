//go:build js && wasm

package sqljs

import (
	"context"
	"database/sql/driver"
	"fmt"
	"syscall/js"
)

// Stmt implements driver.Stmt.
type Stmt struct {
	c      *Conn
	js     js.Value // sql.js Statement: https://sql-js.github.io/sql.js/documentation/Statement.html
	closed bool
}

// Exec executes a prepared statement with the given arguments.
func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), valuesToNamed(args))
}

// ExecContext executes a statement that doesn't return rows.
func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (res driver.Result, err error) {
	defer protect("Stmt.Exec", func(e error) { err = e })
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := jsTryCatch(func() js.Value { return s.js.Call("run", bindValues(args)) }); err != nil {
		return nil, err
	}

	return s.c.lastResult()
}

// Query executes a query that may return rows.
func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), valuesToNamed(args))
}

// QueryContext executes a query that may return rows.
func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (rows driver.Rows, err error) {
	defer protect("Stmt.Query", func(e error) { err = e })
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := jsTryCatch(func() js.Value { return s.js.Call("bind", bindValues(args)) })
	if err != nil {
		return nil, err
	}
	if !ok.Bool() {
		return nil, fmt.Errorf("sqljs: failed to bind query")
	}
	step, err := jsTryCatch(func() js.Value { return s.js.Call("step") })
	if err != nil {
		return nil, err
	}
	return &Rows{s: s, hasNext: step.Bool()}, nil
}

// NumInput returns -1; sql.js does not expose the placeholder count.
func (s *Stmt) NumInput() int {
	return -1
}

// Close frees the statement.
func (s *Stmt) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	res, err := jsTryCatch(func() js.Value { return s.js.Call("free") })
	if err != nil {
		return err
	}
	if !res.Bool() {
		return fmt.Errorf("sqljs: couldn't close stmt")
	}
	return nil
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	list := make([]driver.NamedValue, len(args))
	for i, v := range args {
		list[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return list
}

// bindValues builds the sql.js bind argument: an array for positional
// parameters, an object for named ones. sql.js looks named parameters up
// with their prefix, so every prefix SQLite accepts is supplied.
func bindValues(args []driver.NamedValue) any {
	named := false
	for _, a := range args {
		if a.Name != "" {
			named = true
			break
		}
	}
	if !named {
		list := make([]any, len(args))
		for i, a := range args {
			list[i] = toJS(a.Value)
		}
		return list
	}
	obj := js.Global().Get("Object").New()
	for _, a := range args {
		v := toJS(a.Value)
		if a.Name == "" {
			obj.Set(fmt.Sprintf("?%d", a.Ordinal), v)
			continue
		}
		for _, prefix := range []string{":", "@", "$"} {
			obj.Set(prefix+a.Name, v)
		}
	}
	return obj
}
