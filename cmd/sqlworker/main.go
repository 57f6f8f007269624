package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/tomyedwab/sqlworker/client"
	"github.com/tomyedwab/sqlworker/pool"
	"github.com/tomyedwab/sqlworker/protocol"
	"github.com/tomyedwab/sqlworker/wasmlib"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("Invalid %s %q: %v", key, v, err)
	}
	return n
}

type options struct {
	dbPath         string
	workers        int
	wasmFile       string
	requireExports string
	cacheDir       string
	exportPath     string
	named          string
}

func main() {
	var opts options
	flag.StringVar(&opts.dbPath, "db", envOr("SQLWORKER_DB", ""), "Path to the SQLite database file; empty for in-memory")
	flag.IntVar(&opts.workers, "workers", envInt("SQLWORKER_WORKERS", 1), "Number of pooled workers")
	flag.StringVar(&opts.wasmFile, "wasm", envOr("SQLWORKER_WASM", ""), "Optional WASM library every worker waits for")
	flag.StringVar(&opts.requireExports, "require-exports", "", "Comma-separated functions the WASM library must export")
	flag.StringVar(&opts.cacheDir, "cache-dir", envOr("SQLWORKER_CACHE_DIR", ""), "Directory for the WASM compilation cache")
	flag.StringVar(&opts.exportPath, "export", "", "Write the database image to this file when done")
	flag.StringVar(&opts.named, "named", "", "Run on a named worker instead of the pool")
	verbose := flag.Bool("v", false, "Log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	script := strings.Join(flag.Args(), " ")
	if script == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("Failed to read SQL from stdin: %v", err)
		}
		script = string(b)
	}
	if strings.TrimSpace(script) == "" {
		log.Fatal("SQL must be given as arguments or on stdin")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, opts, script, logger)
	cancel()
	if err != nil {
		log.Fatal(err)
	}
}

// run executes script and shuts the workers down before returning.
func run(ctx context.Context, opts options, script string, logger *slog.Logger) error {
	cfg := pool.Config{
		Size:                opts.workers,
		Path:                opts.dbPath,
		Logger:              logger,
		HealthCheckInterval: -1,
	}
	if opts.wasmFile != "" {
		libCfg := wasmlib.Config{Path: opts.wasmFile, CacheDir: opts.cacheDir, Logger: logger}
		if opts.requireExports != "" {
			libCfg.RequiredExports = strings.Split(opts.requireExports, ",")
		}
		loader := wasmlib.NewLoader(libCfg)
		defer loader.Close(context.Background())
		cfg.Library = loader
	}

	p, err := pool.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	defer p.Close()

	var c *client.Client
	if opts.named != "" {
		c, err = p.Named(ctx, opts.named)
		if err != nil {
			return fmt.Errorf("failed to start named worker %s: %w", opts.named, err)
		}
	} else {
		lease, err := p.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire worker: %w", err)
		}
		defer lease.Release()
		c = lease.Client()
	}

	results, err := c.Exec(ctx, script)
	if err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(printable(results)); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}

	if opts.exportPath != "" {
		image, err := c.Export(ctx)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		if err := os.WriteFile(opts.exportPath, image, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", opts.exportPath, err)
		}
		logger.Info("Exported database image", "path", opts.exportPath, "bytes", len(image))
	}
	return nil
}

type resultJSON struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// printable unwraps result sets so blobs print as base64 strings.
func printable(sets []protocol.ResultSet) []resultJSON {
	out := make([]resultJSON, len(sets))
	for i, set := range sets {
		out[i] = resultJSON{Columns: set.Columns, Rows: set.Rows()}
	}
	return out
}
