//go:build !js

package driver

import (
	"context"
	"database/sql"
	"path"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/sqlworker/pool"
)

type fooRow struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

func newTestDB(t *testing.T, size int) (*sqlx.DB, *pool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := pool.New(ctx, pool.Config{
		Size:                size,
		Path:                path.Join(t.TempDir(), "driver.db"),
		HealthCheckInterval: -1,
	})
	if err != nil {
		t.Fatalf("pool.New returned error: %v", err)
	}
	db := sqlx.NewDb(sql.OpenDB(NewConnector(p)), "sqlite3")
	db.SetMaxOpenConns(size)
	t.Cleanup(func() {
		db.Close()
		p.Close()
	})
	db.MustExec("CREATE TABLE foo(id INTEGER PRIMARY KEY, name TEXT)")
	return db, p
}

func TestExecAndSelect(t *testing.T) {
	db, _ := newTestDB(t, 2)

	res, err := db.Exec("INSERT INTO foo VALUES (?, ?)", 9001, "over")
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := res.LastInsertId(); id != 9001 {
		t.Errorf("Expected rowid 9001, got %d", id)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Errorf("Expected 1 row affected, got %d", n)
	}
	db.MustExec("INSERT INTO foo VALUES (:id, :name)", sql.Named("id", 2), sql.Named("name", "two"))

	var rows []fooRow
	if err := db.Select(&rows, "SELECT id, name FROM foo ORDER BY id"); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Name != "two" || rows[1].ID != 9001 {
		t.Errorf("Unexpected rows: %+v", rows)
	}

	var missing fooRow
	if err := db.Get(&missing, "SELECT id, name FROM foo WHERE id = ?", 404); err != sql.ErrNoRows {
		t.Errorf("Expected sql.ErrNoRows, got %v", err)
	}
}

func TestPreparedStatement(t *testing.T) {
	db, _ := newTestDB(t, 1)

	stmt, err := db.Preparex("INSERT INTO foo(name) VALUES (?)")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if _, err := stmt.Exec(name); err != nil {
			t.Fatalf("Exec(%s) failed: %v", name, err)
		}
	}
	if err := stmt.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	var count int
	if err := db.Get(&count, "SELECT count(*) FROM foo"); err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("Expected 3 rows, got %d", count)
	}
}

func TestTransactions(t *testing.T) {
	db, _ := newTestDB(t, 2)

	tx := db.MustBegin()
	tx.MustExec("INSERT INTO foo VALUES (666, 'not happening')")
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	tx = db.MustBegin()
	stmt, err := tx.Preparex("INSERT INTO foo VALUES (?, ?)")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stmt.Exec(999, "happening"); err != nil {
		t.Fatal(err)
	}
	var inside int
	if err := tx.Get(&inside, "SELECT count(*) FROM foo"); err != nil {
		t.Fatal(err)
	}
	if inside != 1 {
		t.Errorf("Expected the insert to be visible inside the transaction, got %d rows", inside)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Error("Expected second commit to fail")
	}

	var names []string
	if err := db.Select(&names, "SELECT name FROM foo"); err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "happening" {
		t.Errorf("Expected only the committed row, got %v", names)
	}

	if _, err := db.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelSerializable}); err == nil {
		t.Error("Expected non-default isolation level to be rejected")
	}
}

func TestReadOnlyTransaction(t *testing.T) {
	db, _ := newTestDB(t, 1)
	ctx := context.Background()

	tx, err := db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Exec("INSERT INTO foo VALUES (1, 'sneaky')"); err == nil {
		t.Error("Expected insert inside a read-only transaction to fail")
	}
	var count int
	if err := tx.Get(&count, "SELECT count(*) FROM foo"); err != nil {
		t.Fatalf("Read inside a read-only transaction failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Exec("INSERT INTO foo VALUES (2, 'allowed')"); err != nil {
		t.Fatalf("Write after the read-only transaction failed: %v", err)
	}
}

func TestRealColumnsScanAsFloat(t *testing.T) {
	db, _ := newTestDB(t, 1)

	var x, n any
	if err := db.QueryRow("SELECT 3.0, 3").Scan(&x, &n); err != nil {
		t.Fatal(err)
	}
	if f, ok := x.(float64); !ok || f != 3 {
		t.Errorf("Expected float64 3, got %T %v", x, x)
	}
	if i, ok := n.(int64); !ok || i != 3 {
		t.Errorf("Expected int64 3, got %T %v", n, n)
	}
}

func TestBlobAndNull(t *testing.T) {
	db, _ := newTestDB(t, 1)
	db.MustExec("CREATE TABLE blobs(id INTEGER, thing BLOB)")
	db.MustExec("INSERT INTO blobs VALUES (?, ?), (?, NULL)", 1, []byte{0, 1, 2, 255}, 2)

	var thing []byte
	if err := db.Get(&thing, "SELECT thing FROM blobs WHERE id = 1"); err != nil {
		t.Fatal(err)
	}
	if string(thing) != "\x00\x01\x02\xff" {
		t.Errorf("Blob mismatch: %x", thing)
	}
	var null sql.NullString
	if err := db.Get(&null, "SELECT thing FROM blobs WHERE id = 2"); err != nil {
		t.Fatal(err)
	}
	if null.Valid {
		t.Errorf("Expected NULL, got %q", null.String)
	}
}

func TestSyntaxErrorKeepsConnection(t *testing.T) {
	db, p := newTestDB(t, 1)

	if _, err := db.Exec("INSERT INTO nope VALUES (1)"); err == nil {
		t.Fatal("Expected error for missing table")
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping after failed statement returned error: %v", err)
	}
	if stats := p.Stats(); stats.Restarts != 0 {
		t.Errorf("Expected no worker restarts, got %d", stats.Restarts)
	}
}

func TestConnectionHoldsWorker(t *testing.T) {
	db, p := newTestDB(t, 2)
	ctx := context.Background()

	conn, err := db.Connx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.PingContext(ctx); err != nil {
		t.Fatal(err)
	}
	if stats := p.Stats(); stats.Busy < 1 {
		t.Errorf("Expected a leased worker, got %+v", stats)
	}
	if _, err := conn.ExecContext(ctx, "INSERT INTO foo VALUES (1, 'held')"); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}

	// Closing the database hands every worker back.
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if stats := p.Stats(); stats.Idle != stats.Size {
		t.Errorf("Expected all workers idle after Close, got %+v", stats)
	}
}

func TestRegisteredDriver(t *testing.T) {
	// The first database keeps an idle connection, and with it a worker.
	_, p := newTestDB(t, 2)
	Register("driver-test", p)
	defer Unregister("driver-test")

	db := sqlx.MustConnect(driverName, "driver-test")
	defer db.Close()
	var count int
	if err := db.Get(&count, "SELECT count(*) FROM foo"); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("Expected empty table, got %d rows", count)
	}

	if _, err := sqlx.Connect(driverName, "unknown"); err == nil {
		t.Error("Expected error for an unregistered pool")
	}
}
