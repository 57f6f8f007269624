//go:build js && wasm

package engine

import (
	"fmt"
	"time"

	_ "github.com/tomyedwab/sqlworker/engine/sqljs" // sql.js driver
)

const defaultDriver = "sqlite3_js"

func prepareDSN(driverName, dsn string, busyTimeout time.Duration) string {
	return dsn
}

func describe(op string, err error) error {
	return fmt.Errorf("engine: %s: %w", op, err)
}
