//go:build js && wasm

// These tests need a JS host that has loaded sql.js into the global named
// by GlobalSQLJS, e.g. a wasm test runner page.
package sqljs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"testing"
)

func newDB(t *testing.T, schema string) *sql.DB {
	db, err := sql.Open(driverName, "")
	if err != nil {
		t.Fatalf("cannot open database: %s", err)
	}
	// One connection per database: every sql.js connection is a separate
	// in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if schema != "" {
		if _, err := db.Exec(schema); err != nil {
			t.Fatalf("cannot create schema: %s", err)
		}
	}
	return db
}

func assertStored(t *testing.T, db *sql.DB, query string, wants []string) {
	rows, err := db.Query(query)
	if err != nil {
		t.Fatalf("assertStored: cannot run query: %s", err)
	}
	defer rows.Close()
	var gots []string
	for rows.Next() {
		var got string
		if err := rows.Scan(&got); err != nil {
			t.Fatalf("assertStored: failed to scan row: %s", err)
		}
		gots = append(gots, got)
	}
	if len(gots) != len(wants) {
		t.Fatalf("assertStored: got %d results, want %d", len(gots), len(wants))
	}
	for i := range wants {
		if gots[i] != wants[i] {
			t.Errorf("assertStored: result row %d got %s, want %s", i, gots[i], wants[i])
		}
	}
}

func TestEmptyQuery(t *testing.T) {
	db := newDB(t, "create table foo(id INTEGER PRIMARY KEY, name string)")
	rows, err := db.Query("SELECT id, name FROM foo")
	if err != nil {
		t.Fatal(err)
	}
	if rows.Next() {
		t.Error("Expected no rows")
	}
	rows.Close()
}

func TestErrNoRows(t *testing.T) {
	db := newDB(t, "create table foo(id INTEGER PRIMARY KEY, name string)")
	var a int64
	var b string
	err := db.QueryRowContext(context.Background(), "SELECT id, name FROM foo").Scan(&a, &b)
	if err != sql.ErrNoRows {
		t.Fatalf("Expected sql.ErrNoRows to QueryRowContext, got %s", err)
	}
}

func TestBlobSupport(t *testing.T) {
	db := newDB(t, "create table blobs(id INTEGER, thing BLOB)")
	rawBytes := sha256.Sum256([]byte("hello world"))
	if _, err := db.Exec("INSERT INTO blobs(id, thing) values($1, $2)", 44, rawBytes[:]); err != nil {
		t.Fatal(err)
	}
	var bres []byte
	if err := db.QueryRow("SELECT thing FROM blobs WHERE id = $1", 44).Scan(&bres); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bres, rawBytes[:]) {
		t.Fatalf("Blob mismatch: got %x want %x", bres, rawBytes)
	}
}

func TestNamedParameters(t *testing.T) {
	db := newDB(t, "create table foo(id INTEGER PRIMARY KEY, name string)")
	if _, err := db.Exec("insert into foo values(:id, :name)", sql.Named("id", 7), sql.Named("name", "seven")); err != nil {
		t.Fatal(err)
	}
	assertStored(t, db, "SELECT name FROM foo", []string{"seven"})
}

func TestLastInsertID(t *testing.T) {
	db := newDB(t, "create table foo(id INTEGER PRIMARY KEY, name string)")
	res, err := db.Exec("insert into foo values(9001, NULL)")
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := res.LastInsertId(); id != 9001 {
		t.Errorf("expected rowid 9001, got %d", id)
	}
	if ra, _ := res.RowsAffected(); ra != 1 {
		t.Errorf("expected 1 row affected, got %d", ra)
	}
}

func TestCommitAndRollback(t *testing.T) {
	db := newDB(t, "create table foo(id INTEGER PRIMARY KEY, name string)")

	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("begin failed: %s", err)
	}
	if _, err := txn.Exec("insert into foo values(?, ?)", 666, "not happening"); err != nil {
		t.Fatalf("exec failed: %s", err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatalf("rollback failed: %s", err)
	}

	txn, err = db.Begin()
	if err != nil {
		t.Fatalf("begin failed: %s", err)
	}
	if _, err := txn.Exec("insert into foo values(?, ?)", 999, "happening"); err != nil {
		t.Fatalf("exec failed: %s", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit failed: %s", err)
	}
	assertStored(t, db, "SELECT name FROM foo", []string{"happening"})
}

func TestSerializeRoundTrip(t *testing.T) {
	db := newDB(t, "create table foo(id INTEGER); insert into foo values (5)")
	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var image []byte
	err = conn.Raw(func(dc any) error {
		var err error
		image, err = dc.(*Conn).Serialize("main")
		if err != nil {
			return err
		}
		dc.(*Conn).JsDb.Call("exec", "DELETE FROM foo")
		return dc.(*Conn).Deserialize(image, "main")
	})
	if err != nil {
		t.Fatal(err)
	}

	var id int
	if err := conn.QueryRowContext(context.Background(), "SELECT id FROM foo").Scan(&id); err != nil {
		t.Fatal(err)
	}
	if id != 5 {
		t.Errorf("Expected 5 after reloading the image, got %d", id)
	}
}
