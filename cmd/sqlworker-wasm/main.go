//go:build js && wasm

// Command sqlworker-wasm is the entry point of a browser worker. The
// worker script loads sql.js into the global named by sqljs.GlobalSQLJS,
// then runs this program with wasm_exec.js.
package main

import (
	"context"
	"log/slog"
	"os"
	"syscall/js"

	"github.com/tomyedwab/sqlworker/transport/jsport"
	"github.com/tomyedwab/sqlworker/worker"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	name := "sqlworker"
	if v := js.Global().Get("name"); v.Type() == js.TypeString && v.String() != "" {
		name = v.String()
	}

	port := jsport.Self()
	defer port.Close()

	w := worker.New(port, worker.Config{Name: name, Logger: logger})
	if err := w.Serve(context.Background()); err != nil {
		logger.Error("Worker stopped", "worker", name, "error", err)
	}
}
