// Package engine adapts the embedded SQL engine to the worker protocol.
//
// An Instance owns exactly one pinned database connection. Everything that
// runs on an instance runs on that connection, so an in-memory database,
// an open transaction and a loaded image all stay visible to later
// statements. An Instance is not safe for concurrent use; a worker drives
// it from a single goroutine.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/sqlworker/protocol"
)

const (
	defaultBusyTimeout = 5 * time.Second
	mainSchema         = "main"
)

var (
	// ErrTxActive is returned when an operation needs the instance to be
	// outside of a transaction.
	ErrTxActive = errors.New("engine: transaction already active")
	// ErrNoTx is returned by Commit and Rollback without an open transaction.
	ErrNoTx = errors.New("engine: no active transaction")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: instance closed")
)

// Config holds the options used to open an Instance.
type Config struct {
	Driver      string        // Optional, defaults to the build's engine driver
	DSN         string        // Optional, empty opens a private in-memory database
	BusyTimeout time.Duration // Optional, defaults to 5s; file databases only
	Logger      *slog.Logger  // Optional, defaults to slog.Default()
}

// imageConn is implemented by driver connections that can dump and load a
// whole schema as a byte image.
type imageConn interface {
	Serialize(schema string) ([]byte, error)
	Deserialize(b []byte, schema string) error
}

// queryer is satisfied by both the pinned connection and an open transaction.
type queryer interface {
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Instance is one open database.
type Instance struct {
	db     *sqlx.DB
	conn   *sqlx.Conn
	tx     *sqlx.Tx
	txRO   bool // tx was opened read-only; query_only is on
	dsn    string
	logger *slog.Logger
	closed bool
}

// RunResult reports the effect of a statement that returns no rows.
type RunResult struct {
	LastInsertID int64
	RowsAffected int64
}

// Open opens a database. When image is non-empty it replaces the main
// schema of the new connection.
func Open(ctx context.Context, cfg Config, image []byte) (*Instance, error) {
	driverName := cfg.Driver
	if driverName == "" {
		driverName = defaultDriver
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout == 0 {
		busyTimeout = defaultBusyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := prepareDSN(driverName, cfg.DSN, busyTimeout)
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("engine: open %s: %w", driverName, err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Connx(ctx)
	if err != nil {
		db.Close()
		return nil, describe("connect", err)
	}

	ins := &Instance{
		db:     db,
		conn:   conn,
		dsn:    dsn,
		logger: logger.With("component", "Engine"),
	}

	if len(image) > 0 {
		if err := ins.withImageConn(func(ic imageConn) error {
			return ic.Deserialize(image, mainSchema)
		}); err != nil {
			ins.Close()
			return nil, describe("load image", err)
		}
	}

	ins.logger.Debug("Opened database", "driver", driverName, "dsn", dsn, "imageBytes", len(image))
	return ins, nil
}

// Close rolls back any open transaction and closes the connection.
func (ins *Instance) Close() error {
	if ins.closed {
		return nil
	}
	ins.closed = true
	if ins.tx != nil {
		_ = ins.tx.Rollback()
		ins.tx = nil
	}
	connErr := ins.conn.Close()
	dbErr := ins.db.Close()
	if connErr != nil {
		return fmt.Errorf("engine: close connection: %w", connErr)
	}
	if dbErr != nil {
		return fmt.Errorf("engine: close database: %w", dbErr)
	}
	return nil
}

// InTx reports whether a transaction is open.
func (ins *Instance) InTx() bool {
	return ins.tx != nil
}

func (ins *Instance) q() queryer {
	if ins.tx != nil {
		return ins.tx
	}
	return ins.conn
}

// Exec runs every statement in script and returns one result set for
// each statement that produced rows. Parameters may only be used with a
// single statement.
func (ins *Instance) Exec(ctx context.Context, script string, params []any, named map[string]any) ([]protocol.ResultSet, error) {
	if ins.closed {
		return nil, ErrClosed
	}
	stmts, err := SplitStatements(script)
	if err != nil {
		return nil, err
	}
	args, err := Args(params, named)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 && len(stmts) > 1 {
		return nil, fmt.Errorf("engine: cannot exec multiple statements with placeholders, nstmts=%d nargs=%d", len(stmts), len(args))
	}

	results := []protocol.ResultSet{}
	for _, stmt := range stmts {
		var set *protocol.ResultSet
		err := ins.queryRows(ctx, stmt, args, func(cols []string, row []any) error {
			if set == nil {
				set = &protocol.ResultSet{Columns: cols}
			}
			set.Values = append(set.Values, protocol.Values(row...))
			return nil
		})
		if err != nil {
			return nil, err
		}
		if set != nil {
			results = append(results, *set)
		}
	}
	return results, nil
}

// Each runs a single statement and calls fn once per row.
func (ins *Instance) Each(ctx context.Context, statement string, params []any, named map[string]any, fn func(cols []string, row []any) error) error {
	if ins.closed {
		return ErrClosed
	}
	stmts, err := SplitStatements(statement)
	if err != nil {
		return err
	}
	if len(stmts) > 1 {
		return fmt.Errorf("engine: each accepts a single statement, got %d", len(stmts))
	}
	if len(stmts) == 0 {
		return nil
	}
	args, err := Args(params, named)
	if err != nil {
		return err
	}
	return ins.queryRows(ctx, stmts[0], args, fn)
}

// Query runs a single statement and returns all of its rows, including the
// column names when no row matched.
func (ins *Instance) Query(ctx context.Context, statement string, args []any) (protocol.ResultSet, error) {
	if ins.closed {
		return protocol.ResultSet{}, ErrClosed
	}
	rows, err := ins.q().QueryxContext(ctx, statement, args...)
	if err != nil {
		return protocol.ResultSet{}, describe("query", err)
	}
	return collect(rows)
}

// Run executes a statement that returns no rows.
func (ins *Instance) Run(ctx context.Context, statement string, args []any) (RunResult, error) {
	if ins.closed {
		return RunResult{}, ErrClosed
	}
	res, err := ins.q().ExecContext(ctx, statement, args...)
	if err != nil {
		return RunResult{}, describe("exec", err)
	}
	return runResult(res), nil
}

// Prepare compiles a statement on the instance's connection.
func (ins *Instance) Prepare(ctx context.Context, statement string) (*sqlx.Stmt, error) {
	if ins.closed {
		return nil, ErrClosed
	}
	stmt, err := ins.conn.PreparexContext(ctx, statement)
	if err != nil {
		return nil, describe("prepare", err)
	}
	return stmt, nil
}

// StmtQuery runs a prepared statement, inside the open transaction if any.
func (ins *Instance) StmtQuery(ctx context.Context, stmt *sqlx.Stmt, args []any) (protocol.ResultSet, error) {
	if ins.closed {
		return protocol.ResultSet{}, ErrClosed
	}
	if ins.tx != nil {
		txStmt := ins.tx.StmtxContext(ctx, stmt)
		defer txStmt.Close()
		stmt = txStmt
	}
	rows, err := stmt.QueryxContext(ctx, args...)
	if err != nil {
		return protocol.ResultSet{}, describe("query", err)
	}
	return collect(rows)
}

// StmtRun executes a prepared statement, inside the open transaction if any.
func (ins *Instance) StmtRun(ctx context.Context, stmt *sqlx.Stmt, args []any) (RunResult, error) {
	if ins.closed {
		return RunResult{}, ErrClosed
	}
	if ins.tx != nil {
		txStmt := ins.tx.StmtxContext(ctx, stmt)
		defer txStmt.Close()
		stmt = txStmt
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return RunResult{}, describe("exec", err)
	}
	return runResult(res), nil
}

// Begin opens the instance's transaction.
func (ins *Instance) Begin(readOnly bool) error {
	if ins.closed {
		return ErrClosed
	}
	if ins.tx != nil {
		return ErrTxActive
	}
	// The transaction outlives the request that opened it, so it must not
	// be bound to that request's context.
	tx, err := ins.conn.BeginTxx(context.Background(), &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return describe("begin", err)
	}
	// Neither SQLite driver enforces TxOptions.ReadOnly.
	if readOnly {
		if _, err := tx.Exec("PRAGMA query_only = ON"); err != nil {
			_ = tx.Rollback()
			return describe("begin read-only", err)
		}
	}
	ins.tx = tx
	ins.txRO = readOnly
	return nil
}

// endTx lifts query_only after a read-only transaction ended either way.
func (ins *Instance) endTx() {
	if !ins.txRO {
		return
	}
	ins.txRO = false
	if _, err := ins.conn.ExecContext(context.Background(), "PRAGMA query_only = OFF"); err != nil {
		ins.logger.Warn("Failed to leave read-only mode", "error", err)
	}
}

// Commit commits the open transaction.
func (ins *Instance) Commit() error {
	if ins.tx == nil {
		return ErrNoTx
	}
	tx := ins.tx
	ins.tx = nil
	defer ins.endTx()
	if err := tx.Commit(); err != nil {
		return describe("commit", err)
	}
	return nil
}

// Rollback aborts the open transaction.
func (ins *Instance) Rollback() error {
	if ins.tx == nil {
		return ErrNoTx
	}
	tx := ins.tx
	ins.tx = nil
	defer ins.endTx()
	if err := tx.Rollback(); err != nil {
		return describe("rollback", err)
	}
	return nil
}

// Export returns an image of the main schema.
func (ins *Instance) Export(ctx context.Context) ([]byte, error) {
	if ins.closed {
		return nil, ErrClosed
	}
	if ins.tx != nil {
		return nil, fmt.Errorf("engine: cannot export: %w", ErrTxActive)
	}
	var image []byte
	err := ins.withImageConn(func(ic imageConn) error {
		var err error
		image, err = ic.Serialize(mainSchema)
		return err
	})
	if err != nil {
		return nil, describe("export", err)
	}
	return image, nil
}

func (ins *Instance) withImageConn(fn func(imageConn) error) error {
	return ins.conn.Raw(func(driverConn any) error {
		ic, ok := driverConn.(imageConn)
		if !ok {
			return fmt.Errorf("driver connection %T does not support database images", driverConn)
		}
		return fn(ic)
	})
}

func (ins *Instance) queryRows(ctx context.Context, statement string, args []any, fn func(cols []string, row []any) error) error {
	rows, err := ins.q().QueryxContext(ctx, statement, args...)
	if err != nil {
		return describe("query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return describe("columns", err)
	}
	for rows.Next() {
		row, err := rows.SliceScan()
		if err != nil {
			return describe("scan", err)
		}
		if err := fn(cols, row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return describe("step", err)
	}
	return nil
}

func collect(rows *sqlx.Rows) (protocol.ResultSet, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return protocol.ResultSet{}, describe("columns", err)
	}
	set := protocol.ResultSet{Columns: cols, Values: [][]protocol.Value{}}
	for rows.Next() {
		row, err := rows.SliceScan()
		if err != nil {
			return protocol.ResultSet{}, describe("scan", err)
		}
		set.Values = append(set.Values, protocol.Values(row...))
	}
	if err := rows.Err(); err != nil {
		return protocol.ResultSet{}, describe("step", err)
	}
	return set, nil
}

func runResult(res sql.Result) RunResult {
	// Neither value is fatal when the driver can't report it.
	lastInsertID, _ := res.LastInsertId()
	rowsAffected, _ := res.RowsAffected()
	return RunResult{LastInsertID: lastInsertID, RowsAffected: rowsAffected}
}

// Args turns positional or named parameters into database/sql arguments.
// Named keys may carry their ':', '@' or '$' prefix.
func Args(params []any, named map[string]any) ([]any, error) {
	if len(params) > 0 && len(named) > 0 {
		return nil, fmt.Errorf("engine: cannot mix positional and named parameters")
	}
	if len(named) > 0 {
		args := make([]any, 0, len(named))
		for k, v := range named {
			name := strings.TrimLeft(k, ":@$")
			if name == "" {
				return nil, fmt.Errorf("engine: empty parameter name %q", k)
			}
			args = append(args, sql.Named(name, v))
		}
		return args, nil
	}
	return params, nil
}
