package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tomyedwab/sqlworker/client"
	"github.com/tomyedwab/sqlworker/pool"
	"github.com/tomyedwab/sqlworker/protocol"
)

const driverName = "sqlworker"

func init() {
	sql.Register(driverName, &Driver{})
}

var (
	poolsMu sync.RWMutex
	pools   = make(map[string]*pool.Pool)
)

// Register makes p available to sql.Open("sqlworker", name).
func Register(name string, p *pool.Pool) {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	pools[name] = p
}

// Unregister removes the pool registered under name.
func Unregister(name string) {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	delete(pools, name)
}

// --- Driver implementation ---

// Driver is the SQL driver for registered pools.
type Driver struct{}

// Open returns a new connection to the pool registered under name.
func (d *Driver) Open(name string) (driver.Conn, error) {
	connector, err := d.OpenConnector(name)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

// OpenConnector returns a connector for the pool registered under name.
func (d *Driver) OpenConnector(name string) (driver.Connector, error) {
	poolsMu.RLock()
	p, ok := pools[name]
	poolsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sqlproxy: no pool registered as %q", name)
	}
	return NewConnector(p), nil
}

// Connector opens connections on one pool.
type Connector struct {
	p *pool.Pool
}

// NewConnector returns a connector for sql.OpenDB.
func NewConnector(p *pool.Pool) *Connector {
	return &Connector{p: p}
}

// Connect leases a worker for a new connection.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	lease, err := c.p.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlproxy: failed to acquire worker: %w", err)
	}
	return &Conn{lease: lease, client: lease.Client()}, nil
}

// Driver returns the underlying Driver.
func (c *Connector) Driver() driver.Driver {
	return &Driver{}
}

// --- Connection implementation ---

// Conn implements the driver.Conn interface.
type Conn struct {
	lease       *pool.Lease
	client      *client.Client
	currentTxID string // For transactions initiated by BeginTx
	closed      bool
}

func (c *Conn) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if c.closed {
		return protocol.Response{}, driver.ErrBadConn
	}
	resp, err := c.client.Call(ctx, req)
	if err != nil {
		if errors.Is(err, client.ErrClosed) {
			return resp, driver.ErrBadConn
		}
		return resp, fmt.Errorf("sqlproxy: %w", err)
	}
	return resp, nil
}

// Prepare returns a prepared statement, suitable for query or execution.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

// PrepareContext returns a prepared statement bound to the connection's
// current transaction, if any.
func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	resp, err := c.call(ctx, protocol.Request{Action: protocol.ActionPrepare, SQL: query, TxID: c.currentTxID})
	if err != nil {
		return nil, err
	}
	if resp.StmtID == "" {
		return nil, fmt.Errorf("sqlproxy: worker did not return a StmtID for prepare")
	}
	return &Stmt{conn: c, query: query, stmtID: resp.StmtID, txID: c.currentTxID}, nil
}

// Close resets the worker and returns it to the pool.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	_, err := c.call(context.Background(), protocol.Request{Action: protocol.ActionReset})
	c.closed = true
	c.currentTxID = ""
	if err != nil {
		// The worker's state is unknown; don't hand it to anyone else.
		c.lease.Discard()
		if errors.Is(err, driver.ErrBadConn) {
			return nil
		}
		return err
	}
	c.lease.Release()
	return nil
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx starts a transaction. Read-only transactions are passed on to
// the worker; isolation levels other than the default are rejected.
func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.currentTxID != "" {
		return nil, fmt.Errorf("sqlproxy: transaction already active on this connection (TxID: %s)", c.currentTxID)
	}
	if opts.Isolation != driver.IsolationLevel(sql.LevelDefault) {
		return nil, fmt.Errorf("sqlproxy: isolation level %s is not supported", sql.IsolationLevel(opts.Isolation))
	}
	resp, err := c.call(ctx, protocol.Request{Action: protocol.ActionBegin, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, err
	}
	if resp.TxID == "" {
		return nil, fmt.Errorf("sqlproxy: worker did not return a transaction ID for begin_tx")
	}
	c.currentTxID = resp.TxID
	return &Tx{conn: c, txID: resp.TxID}, nil
}

// Ping checks that the leased worker answers.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.call(ctx, protocol.Request{Action: protocol.ActionPing})
	return err
}

// ResetSession is called by database/sql before the connection is reused.
func (c *Conn) ResetSession(ctx context.Context) error {
	if !c.IsValid() {
		return driver.ErrBadConn
	}
	return nil
}

// IsValid reports whether the leased worker is still connected.
func (c *Conn) IsValid() bool {
	if c.closed {
		return false
	}
	select {
	case <-c.client.Done():
		return false
	default:
		return true
	}
}

// ExecContext runs a statement without preparing it first.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	params, named := convertNamedValues(args)
	return c.run(ctx, protocol.Request{Action: protocol.ActionRun, SQL: query, TxID: c.currentTxID, Params: params, Named: named})
}

// QueryContext runs a query without preparing it first.
func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	params, named := convertNamedValues(args)
	return c.query(ctx, protocol.Request{Action: protocol.ActionQuery, SQL: query, TxID: c.currentTxID, Params: params, Named: named})
}

func (c *Conn) run(ctx context.Context, req protocol.Request) (driver.Result, error) {
	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	return &sqlProxyResult{lastInsertID: resp.LastInsertID, rowsAffected: resp.RowsAffected}, nil
}

func (c *Conn) query(ctx context.Context, req protocol.Request) (driver.Rows, error) {
	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return &sqlProxyRows{}, nil
	}
	set := resp.Results[0]
	return &sqlProxyRows{columns: set.Columns, data: set.Values}, nil
}

// --- Statement implementation ---

// Stmt implements the driver.Stmt interface.
type Stmt struct {
	conn   *Conn
	query  string // Original query, mainly for context/debugging
	stmtID string // Worker-provided statement ID
	txID   string // Transaction ID if this statement was prepared within a transaction
}

// Close closes the statement.
func (s *Stmt) Close() error {
	if s.stmtID == "" || s.conn.closed {
		return nil
	}
	if _, err := s.conn.call(context.Background(), protocol.Request{Action: protocol.ActionCloseStmt, StmtID: s.stmtID}); err != nil {
		return err
	}
	s.stmtID = "" // Mark as closed
	return nil
}

// NumInput returns -1; the worker checks the argument count.
func (s *Stmt) NumInput() int {
	return -1
}

// Exec executes a prepared statement with the given arguments and returns a Result.
func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), valuesToNamed(args))
}

// ExecContext executes a prepared statement with the given arguments.
func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	params, named := convertNamedValues(args)
	return s.conn.run(ctx, protocol.Request{Action: protocol.ActionRun, StmtID: s.stmtID, TxID: s.txForCall(), Params: params, Named: named})
}

// Query executes a prepared statement with the given arguments and returns Rows.
func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), valuesToNamed(args))
}

// QueryContext executes a prepared query with the given arguments.
func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	params, named := convertNamedValues(args)
	return s.conn.query(ctx, protocol.Request{Action: protocol.ActionQuery, StmtID: s.stmtID, TxID: s.txForCall(), Params: params, Named: named})
}

// txForCall returns the transaction the statement runs in: the one it was
// prepared in while that is still open, otherwise the connection's current one.
func (s *Stmt) txForCall() string {
	if s.txID != "" && s.txID == s.conn.currentTxID {
		return s.txID
	}
	return s.conn.currentTxID
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// convertNamedValues splits database/sql arguments into the positional and
// named parameters of a request.
func convertNamedValues(args []driver.NamedValue) ([]protocol.Value, map[string]protocol.Value) {
	var params []protocol.Value
	var named map[string]protocol.Value
	for _, arg := range args {
		if arg.Name != "" {
			if named == nil {
				named = make(map[string]protocol.Value)
			}
			named[arg.Name] = protocol.Value{V: arg.Value}
			continue
		}
		params = append(params, protocol.Value{V: arg.Value})
	}
	return params, named
}

// --- Transaction implementation ---

// Tx implements the driver.Tx interface.
type Tx struct {
	conn *Conn
	txID string // Worker-provided transaction ID
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.finish(protocol.ActionCommit)
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	return t.finish(protocol.ActionRollback)
}

func (t *Tx) finish(action protocol.Action) error {
	if t.txID == "" {
		return fmt.Errorf("sqlproxy: transaction already committed or rolled back")
	}
	txID := t.txID
	// Whatever the worker answers, the transaction is over for this connection.
	t.txID = ""
	t.conn.currentTxID = ""
	if _, err := t.conn.call(context.Background(), protocol.Request{Action: action, TxID: txID}); err != nil {
		return fmt.Errorf("%w (TxID: %s)", err, txID)
	}
	return nil
}

// --- Result implementation ---

type sqlProxyResult struct {
	lastInsertID int64
	rowsAffected int64
}

// LastInsertId returns the database's auto-generated ID after an insert.
func (r *sqlProxyResult) LastInsertId() (int64, error) {
	return r.lastInsertID, nil
}

// RowsAffected returns the number of rows affected by the query.
func (r *sqlProxyResult) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- Rows implementation ---

type sqlProxyRows struct {
	columns         []string
	data            [][]protocol.Value
	currentRowIndex int
}

// Columns returns the names of the columns.
func (r *sqlProxyRows) Columns() []string {
	return r.columns
}

// Close closes the rows iterator.
func (r *sqlProxyRows) Close() error {
	r.data = nil
	return nil
}

// Next is called to populate the next row of data into the provided slice.
func (r *sqlProxyRows) Next(dest []driver.Value) error {
	if r.currentRowIndex >= len(r.data) {
		return io.EOF
	}
	rowData := r.data[r.currentRowIndex]
	if len(rowData) != len(dest) {
		return fmt.Errorf("sqlproxy: column count mismatch. Expected %d, got %d", len(dest), len(rowData))
	}
	for i, val := range rowData {
		dest[i] = val.V
	}
	r.currentRowIndex++
	return nil
}
