//go:build !js

package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const defaultDriver = "sqlite3"

// prepareDSN maps an empty DSN to a private in-memory database and adds a
// busy timeout to file databases so pooled workers sharing a file wait for
// each other's locks instead of failing.
func prepareDSN(driverName, dsn string, busyTimeout time.Duration) string {
	if dsn == "" {
		return ":memory:"
	}
	if driverName != defaultDriver || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return dsn
	}
	if strings.Contains(dsn, "_busy_timeout") || strings.Contains(dsn, "_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_busy_timeout=%d", dsn, sep, busyTimeout.Milliseconds())
}

// describe prefixes an engine error with the operation and, for SQLite
// errors, the extended result code.
func describe(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return fmt.Errorf("engine: %s: %w (code %d)", op, err, int(se.ExtendedCode))
	}
	return fmt.Errorf("engine: %s: %w", op, err)
}
