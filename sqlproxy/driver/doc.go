// Package driver implements a database/sql/driver on top of a worker pool.
//
// Every connection leases one worker from the pool for its whole lifetime,
// so statements, transactions and the worker's database instance line up
// the way database/sql expects. Closing the connection resets the worker
// (its prepared statements are closed and an open transaction is rolled
// back) and returns it to the pool.
//
// Usage:
//
//  1. Start a pool:
//     p, err := pool.New(ctx, pool.Config{Path: "app.db"})
//
//  2. Open a database over it, either directly:
//     db := sql.OpenDB(driver.NewConnector(p))
//
//     or through the registered "sqlworker" driver:
//     driver.Register("app", p)
//     db, err := sql.Open("sqlworker", "app")
//
//  3. Use the *sql.DB as usual. Cap db.SetMaxOpenConns at the pool size,
//     since every open connection holds a worker.
//
// Communication Protocol:
//
// The driver sends protocol.Request messages with the prepare, query,
// run, begin_tx, commit, rollback, close_stmt and reset actions. Query
// results are fetched whole and iterated locally.
//
// Implemented Interfaces:
//
// The driver implements the following core `database/sql/driver` interfaces:
// - driver.Driver, driver.DriverContext and driver.Connector
// - driver.Conn with ConnPrepareContext, ConnBeginTx, ExecerContext,
// QueryerContext, Pinger, SessionResetter and Validator
// - driver.Stmt with StmtExecContext and StmtQueryContext
// - driver.Tx
// - driver.Result
// - driver.Rows
//
// Limitations:
//
//   - SQLite has a single isolation level; only the default is accepted.
//   - Values cross the worker boundary as JSON. Times arrive as RFC3339
//     strings, not time.Time.
package driver
