//go:build js && wasm

// Package sqljs implements a database/sql driver over sql.js, SQLite
// compiled to WebAssembly, for Go programs running in a browser.
//
// Each connection owns a private sql.js Database. The page has to load
// sql.js and store the initialized module in the global named by
// GlobalSQLJS before the first connection is opened.
package sqljs

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"syscall/js"
)

const driverName = "sqlite3_js"

func init() {
	sql.Register(driverName, &Driver{})
}

// Driver implements driver.Driver.
type Driver struct{}

// Conn implements driver.Conn.
type Conn struct {
	JsDb js.Value // sql.js SQL.Database : https://sql-js.github.io/sql.js/documentation/Database.html
	inTx bool
}

// Tx implements driver.Tx.
type Tx struct {
	c *Conn
}

// Result implements driver.Result.
type Result struct {
	id      int64
	changes int64
}

// Open returns a connection to a new, empty in-memory database. Browser
// persistence is left to callers, which export and reload images.
func (d *Driver) Open(dsn string) (conn driver.Conn, err error) {
	defer protect("Open", func(e error) { err = e })
	mod, err := sqlJS()
	if err != nil {
		return nil, err
	}
	jsDb, err := jsTryCatch(func() js.Value { return mod.Get("Database").New() })
	if err != nil {
		return nil, err
	}
	return &Conn{JsDb: jsDb}, nil
}

// Prepare creates a prepared statement for later queries or executions.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

// PrepareContext creates a prepared statement.
func (c *Conn) PrepareContext(ctx context.Context, query string) (stmt driver.Stmt, err error) {
	defer protect("Prepare", func(e error) { err = e })
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jsStmt, err := jsTryCatch(func() js.Value { return c.JsDb.Call("prepare", query) })
	if err != nil {
		return nil, err
	}
	return &Stmt{c: c, js: jsStmt}, nil
}

// Close frees the sql.js database.
func (c *Conn) Close() error {
	_, err := jsTryCatch(func() js.Value { return c.JsDb.Call("close") })
	return err
}

// Begin starts a transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx starts a transaction. SQLite has a single isolation level, so
// only the default is accepted.
func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if opts.Isolation != driver.IsolationLevel(sql.LevelDefault) {
		return nil, fmt.Errorf("sqljs: isolation level %d is not supported", opts.Isolation)
	}
	if err := c.run(ctx, "BEGIN"); err != nil {
		return nil, err
	}
	c.inTx = true
	return &Tx{c: c}, nil
}

// Serialize returns an image of the database. sql.js frees every prepared
// statement of the database while exporting.
func (c *Conn) Serialize(schema string) (image []byte, err error) {
	defer protect("Serialize", func(e error) { err = e })
	if schema != "main" {
		return nil, fmt.Errorf("sqljs: cannot serialize schema %q", schema)
	}
	data, err := jsTryCatch(func() js.Value { return c.JsDb.Call("export") })
	if err != nil {
		return nil, err
	}
	image = make([]byte, data.Get("byteLength").Int())
	js.CopyBytesToGo(image, data)
	return image, nil
}

// Deserialize replaces the database with the given image.
func (c *Conn) Deserialize(image []byte, schema string) (err error) {
	defer protect("Deserialize", func(e error) { err = e })
	if schema != "main" {
		return fmt.Errorf("sqljs: cannot deserialize schema %q", schema)
	}
	if c.inTx {
		return errors.New("sqljs: cannot load an image inside a transaction")
	}
	mod, err := sqlJS()
	if err != nil {
		return err
	}
	buf := toJS(image)
	jsDb, err := jsTryCatch(func() js.Value { return mod.Get("Database").New(buf) })
	if err != nil {
		return err
	}
	c.JsDb.Call("close")
	c.JsDb = jsDb
	return nil
}

// ExecContext runs a script without placeholders directly, so scripts with
// several statements run in full. Queries with arguments go through
// Prepare.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (res driver.Result, err error) {
	defer protect("Exec", func(e error) { err = e })
	if len(args) != 0 {
		return nil, driver.ErrSkip
	}
	if err := c.run(ctx, query); err != nil {
		return nil, err
	}
	return c.lastResult()
}

// lastResult reads the effect of the last statement. The last insert rowid
// is connection scoped, so it must be read before anything else runs.
func (c *Conn) lastResult() (driver.Result, error) {
	changes := c.JsDb.Call("getRowsModified").Int()
	rowid, err := jsTryCatch(func() js.Value {
		rows := c.JsDb.Call("exec", "SELECT last_insert_rowid()")
		if rows.Length() != 1 {
			// this gets recover()d and turns into an error
			panic(fmt.Sprintf("last_insert_rowid: expected 1 row to be returned, got %d", rows.Length()))
		}
		// 'rows' is of the form: [{columns: ['id'], values:[[1]]}]
		return rows.Index(0).Get("values").Index(0).Index(0)
	})
	if err != nil {
		return nil, fmt.Errorf("sqljs: error getting rowid: %w", err)
	}
	return &Result{id: int64(rowid.Float()), changes: int64(changes)}, nil
}

func (c *Conn) run(ctx context.Context, query string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := jsTryCatch(func() js.Value { return c.JsDb.Call("run", query) })
	return err
}

// Commit commits the transaction.
func (tx *Tx) Commit() error {
	tx.c.inTx = false
	if err := tx.c.run(context.Background(), "COMMIT"); err != nil {
		// database/sql considers the transaction complete once Commit
		// returns, so don't leave it open in sql.js.
		_ = tx.c.run(context.Background(), "ROLLBACK")
		return err
	}
	return nil
}

// Rollback aborts the transaction.
func (tx *Tx) Rollback() error {
	tx.c.inTx = false
	return tx.c.run(context.Background(), "ROLLBACK")
}

// LastInsertId returns the last inserted ID.
func (r *Result) LastInsertId() (int64, error) {
	return r.id, nil
}

// RowsAffected returns how many rows were affected.
func (r *Result) RowsAffected() (int64, error) {
	return r.changes, nil
}

// Rows implements driver.Rows.
type Rows struct {
	s       *Stmt
	hasNext bool
	closed  bool
}

// Columns returns the names of the columns.
func (r *Rows) Columns() []string {
	res := r.s.js.Call("getColumnNames")
	cols := make([]string, res.Length())
	for i := range cols {
		cols[i] = res.Index(i).String()
	}
	return cols
}

// Next populates dest with the next row; io.EOF when there are no more.
func (r *Rows) Next(dest []driver.Value) (err error) {
	defer protect("Rows.Next", func(e error) { err = e })
	if r.closed || !r.hasNext {
		return io.EOF
	}
	row := r.s.js.Call("get")
	for i := 0; i < row.Length() && i < len(dest); i++ {
		v, err := fromJS(row.Index(i))
		if err != nil {
			return err
		}
		dest[i] = v
	}
	step, err := jsTryCatch(func() js.Value { return r.s.js.Call("step") })
	if err != nil {
		return err
	}
	r.hasNext = step.Bool()
	return nil
}

// Close resets the statement so it can be run again.
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	_, err := jsTryCatch(func() js.Value { return r.s.js.Call("reset") })
	return err
}
