// Package wasmlib initializes the database library when it ships as a
// WebAssembly module.
//
// The module is compiled once with wazero and inspected before any worker
// relies on it. A Loader shares that one initialization among every worker
// of a process.
package wasmlib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// ErrNoModule is returned when neither a path nor module bytes are configured.
var ErrNoModule = errors.New("wasmlib: no module configured")

// Config describes the library module to load.
type Config struct {
	Path            string       // Path to the .wasm file; ignored when Bytes is set
	Bytes           []byte       // Optional, the module itself
	CacheDir        string       // Optional, directory for wazero's compilation cache
	RequiredExports []string     // Optional, functions the module must export
	Logger          *slog.Logger // Optional, defaults to slog.Default()
}

// Library is a compiled and validated library module.
type Library struct {
	Name    string
	Size    int
	Exports []string // Exported function names, sorted
	Imports []string // Imported functions as "module.name", sorted

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cache    wazero.CompilationCache
}

// Load reads, compiles and validates the module described by cfg.
func Load(ctx context.Context, cfg Config) (*Library, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "WasmLib")

	wasmBytes := cfg.Bytes
	name := "module"
	if len(wasmBytes) == 0 {
		if cfg.Path == "" {
			return nil, ErrNoModule
		}
		var err error
		wasmBytes, err = os.ReadFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("wasmlib: failed to read %s: %w", cfg.Path, err)
		}
		name = filepath.Base(cfg.Path)
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("wasmlib: failed to open compilation cache %s: %w", cfg.CacheDir, err)
		}
		runtimeCfg = runtimeCfg.WithCompilationCache(cache)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		r.Close(ctx)
		closeCache(ctx, cache)
		return nil, fmt.Errorf("wasmlib: failed to compile %s: %w", name, err)
	}
	if n := compiled.Name(); n != "" {
		name = n
	}

	lib := &Library{
		Name:     name,
		Size:     len(wasmBytes),
		Exports:  exportNames(compiled.ExportedFunctions()),
		Imports:  importNames(compiled.ImportedFunctions()),
		runtime:  r,
		compiled: compiled,
		cache:    cache,
	}

	var missing []string
	for _, fn := range cfg.RequiredExports {
		if !lib.HasExport(fn) {
			missing = append(missing, fn)
		}
	}
	if len(missing) > 0 {
		lib.Close(ctx)
		return nil, fmt.Errorf("wasmlib: %s is missing required exports %v", name, missing)
	}

	logger.Info("Loaded library module", "name", name, "bytes", lib.Size, "exports", len(lib.Exports), "imports", len(lib.Imports))
	return lib, nil
}

// HasExport reports whether the module exports a function called fn.
func (l *Library) HasExport(fn string) bool {
	i := sort.SearchStrings(l.Exports, fn)
	return i < len(l.Exports) && l.Exports[i] == fn
}

// Close releases the compiled module and its runtime.
func (l *Library) Close(ctx context.Context) error {
	err := l.compiled.Close(ctx)
	if rerr := l.runtime.Close(ctx); err == nil {
		err = rerr
	}
	closeCache(ctx, l.cache)
	return err
}

func closeCache(ctx context.Context, cache wazero.CompilationCache) {
	if cache != nil {
		_ = cache.Close(ctx)
	}
}

func exportNames(defs map[string]api.FunctionDefinition) []string {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func importNames(defs []api.FunctionDefinition) []string {
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		module, name, _ := def.Import()
		names = append(names, module+"."+name)
	}
	sort.Strings(names)
	return names
}

// Loader performs a single shared Load for many callers.
type Loader struct {
	cfg Config

	mu       sync.Mutex
	lib      *Library
	inflight chan struct{}
	err      error
	closed   bool
}

// NewLoader returns a Loader for cfg. Nothing is loaded until Get.
func NewLoader(cfg Config) *Loader {
	return &Loader{cfg: cfg}
}

// Get returns the loaded library, loading it on first use. Concurrent
// callers wait for the same load. A failed load is reported to everyone
// waiting on it and retried by the next Get.
func (ld *Loader) Get(ctx context.Context) (*Library, error) {
	for {
		ld.mu.Lock()
		if ld.closed {
			ld.mu.Unlock()
			return nil, errors.New("wasmlib: loader closed")
		}
		if ld.lib != nil {
			lib := ld.lib
			ld.mu.Unlock()
			return lib, nil
		}
		if wait := ld.inflight; wait != nil {
			ld.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			ld.mu.Lock()
			err := ld.err
			lib := ld.lib
			ld.mu.Unlock()
			if lib != nil {
				return lib, nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}

		done := make(chan struct{})
		ld.inflight = done
		ld.err = nil
		ld.mu.Unlock()

		// The load is shared, so one caller's cancellation must not fail
		// everybody else waiting on it.
		lib, err := Load(context.WithoutCancel(ctx), ld.cfg)

		ld.mu.Lock()
		ld.inflight = nil
		ld.err = err
		if err == nil {
			if ld.closed {
				ld.mu.Unlock()
				close(done)
				lib.Close(context.Background())
				return nil, errors.New("wasmlib: loader closed")
			}
			ld.lib = lib
		}
		ld.mu.Unlock()
		close(done)
		return lib, err
	}
}

// Ready loads the library and discards it, for callers that only need to
// know initialization succeeded.
func (ld *Loader) Ready(ctx context.Context) error {
	_, err := ld.Get(ctx)
	return err
}

// Close releases the loaded library. Get fails afterwards.
func (ld *Loader) Close(ctx context.Context) error {
	ld.mu.Lock()
	lib := ld.lib
	ld.lib = nil
	ld.closed = true
	ld.mu.Unlock()
	if lib == nil {
		return nil
	}
	return lib.Close(ctx)
}
