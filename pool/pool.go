// Package pool keeps a set of database workers and leases them out.
//
// Every pooled worker holds one database instance that stays open across
// leases, so a lease costs no more than a channel operation. Workers that
// die or stop answering health checks are replaced in the background.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tomyedwab/sqlworker/client"
	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/protocol"
	"github.com/tomyedwab/sqlworker/transport"
	"github.com/tomyedwab/sqlworker/worker"
)

const (
	defaultSize                  = 4
	defaultHealthCheckInterval   = 15 * time.Second
	defaultHealthCheckTimeout    = 5 * time.Second
	defaultConsecutiveFailures   = 3
	defaultRestartBackoffInitial = 100 * time.Millisecond
	defaultRestartBackoffMax     = 5 * time.Second
	pipeBuffer                   = 16
)

// ErrClosed is returned by Acquire and Named after Close.
var ErrClosed = errors.New("pool: closed")

// SpawnFunc starts a worker and returns the caller's end of its port.
type SpawnFunc func(ctx context.Context, name string) (transport.Port, error)

// Config holds configuration options for the Pool.
type Config struct {
	Size                  int                  // Optional, defaults to 4
	Path                  string               // Optional, database every worker opens; empty means in-memory
	Image                 []byte               // Optional, database image every worker loads when Path is empty
	Engine                engine.Config        // Optional, engine options for in-process workers
	Library               worker.LibraryLoader // Optional, awaited by in-process workers before they report ready
	Spawn                 SpawnFunc            // Optional, defaults to in-process workers over transport.Pipe
	HealthChecker         HealthChecker        // Optional, defaults to PingHealthChecker
	Logger                *slog.Logger         // Optional, defaults to slog.Default()
	HealthCheckInterval   time.Duration        // Optional, defaults to 15s; negative disables health checks
	HealthCheckTimeout    time.Duration        // Optional, for the default PingHealthChecker, defaults to 5s
	ConsecutiveFailures   int                  // Optional, defaults to 3
	RestartBackoffInitial time.Duration        // Optional, defaults to 100ms
	RestartBackoffMax     time.Duration        // Optional, defaults to 5s
}

// managedWorker is one worker and the pool's view of it. All fields are
// guarded by Pool.mu.
type managedWorker struct {
	name         string
	client       *client.Client
	state        WorkerState
	pooled       bool // false for named workers
	broken       bool // the client terminated while the worker was out of rotation
	failures     int  // consecutive failed health checks
	restartCount int
}

// Pool orchestrates a fixed number of workers plus any named workers.
type Pool struct {
	cfg           Config
	spawn         SpawnFunc
	healthChecker HealthChecker
	logger        *slog.Logger

	mu       sync.Mutex
	workers  []*managedWorker
	idle     []*managedWorker // FIFO
	waiters  []chan *managedWorker
	named    map[string]*managedWorker
	restarts int
	closed   bool

	// lifetime is cancelled by Close and bounds every background task.
	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// Stats is a snapshot of the pool.
type Stats struct {
	Size     int // Pooled workers, whatever their state
	Idle     int
	Busy     int
	Waiting  int // Callers blocked in Acquire
	Named    int
	Restarts int // Worker restarts since New
}

// New starts cfg.Size workers and opens the configured database on each
// of them. It returns once every worker is ready.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Path != "" && len(cfg.Image) > 0 {
		return nil, fmt.Errorf("pool: Path and Image are mutually exclusive")
	}
	if cfg.Size == 0 {
		cfg.Size = defaultSize
	}
	if cfg.Size < 0 {
		return nil, fmt.Errorf("pool: invalid size %d", cfg.Size)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaultConsecutiveFailures
	}
	if cfg.RestartBackoffInitial == 0 {
		cfg.RestartBackoffInitial = defaultRestartBackoffInitial
	}
	if cfg.RestartBackoffMax == 0 {
		cfg.RestartBackoffMax = defaultRestartBackoffMax
	}
	healthChecker := cfg.HealthChecker
	if healthChecker == nil {
		healthChecker = NewPingHealthChecker(cfg.HealthCheckTimeout)
	}

	lifetime, stop := context.WithCancel(context.Background())
	p := &Pool{
		cfg:           cfg,
		healthChecker: healthChecker,
		logger:        logger.With("component", "Pool"),
		named:         make(map[string]*managedWorker),
		lifetime:      lifetime,
		stop:          stop,
	}
	p.spawn = cfg.Spawn
	if p.spawn == nil {
		p.spawn = p.spawnInProcess
	}

	// Start every worker at once; each one loads the library and opens
	// its database independently.
	type started struct {
		c   *client.Client
		err error
	}
	results := make([]started, cfg.Size)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Size; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.startWorker(ctx, workerName(i))
			results[i] = started{c, err}
		}(i)
	}
	wg.Wait()

	var startErr error
	for i, r := range results {
		if r.err != nil && startErr == nil {
			startErr = fmt.Errorf("pool: failed to start %s: %w", workerName(i), r.err)
		}
	}
	if startErr != nil {
		for _, r := range results {
			if r.c != nil {
				r.c.Close()
			}
		}
		stop()
		return nil, startErr
	}

	p.mu.Lock()
	for i, r := range results {
		w := &managedWorker{name: workerName(i), client: r.c, state: StateIdle, pooled: true}
		p.workers = append(p.workers, w)
		p.idle = append(p.idle, w)
		p.watchLocked(w, r.c)
	}
	p.mu.Unlock()

	if cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthMonitorLoop()
	}
	p.logger.Info("Pool started", "size", cfg.Size, "path", cfg.Path, "imageBytes", len(cfg.Image))
	return p, nil
}

func workerName(i int) string {
	return fmt.Sprintf("worker-%d", i)
}

// spawnInProcess runs a worker on a goroutine behind a transport.Pipe.
func (p *Pool) spawnInProcess(ctx context.Context, name string) (transport.Port, error) {
	callerSide, workerSide := transport.Pipe(pipeBuffer)
	w := worker.New(workerSide, worker.Config{
		Name:    name,
		Engine:  p.cfg.Engine,
		Library: p.cfg.Library,
		Logger:  p.cfg.Logger,
	})
	go func() {
		if err := w.Serve(p.lifetime); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("Worker stopped with error", "worker", name, "error", err)
		}
		workerSide.Close()
	}()
	return callerSide, nil
}

// startWorker spawns a worker, waits for it to be ready and opens the
// pool's database on it.
func (p *Pool) startWorker(ctx context.Context, name string) (*client.Client, error) {
	port, err := p.spawn(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}
	c := client.New(port, client.WithLogger(p.logger.With("worker", name)))
	if err := c.WaitReady(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("worker not ready: %w", err)
	}
	if err := c.Open(ctx, p.cfg.Path, p.cfg.Image); err != nil {
		c.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return c, nil
}

// Lease is exclusive use of one pooled worker until Release or Discard.
type Lease struct {
	p    *Pool
	w    *managedWorker
	c    *client.Client
	once sync.Once
}

// Client returns the leased worker's client.
func (l *Lease) Client() *client.Client {
	return l.c
}

// Release returns the worker to the pool.
func (l *Lease) Release() {
	l.once.Do(func() { l.p.release(l.w, false) })
}

// Discard replaces the worker instead of returning it, for when the
// lease holder left it in an unknown state.
func (l *Lease) Discard() {
	l.once.Do(func() { l.p.release(l.w, true) })
}

// Acquire leases an idle worker, waiting for one if all are busy. Callers
// are served in the order they arrive.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if len(p.idle) > 0 && len(p.waiters) == 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		w.state = StateBusy
		c := w.client
		p.mu.Unlock()
		return &Lease{p: p, w: w, c: c}, nil
	}
	ch := make(chan *managedWorker, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case w, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return p.leaseFor(w), nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, waiter := range p.waiters {
			if waiter == ch {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		p.mu.Unlock()
		// A worker was handed over while we gave up; pass it on.
		if w, ok := <-ch; ok {
			p.release(w, false)
		}
		return nil, ctx.Err()
	}
}

func (p *Pool) leaseFor(w *managedWorker) *Lease {
	p.mu.Lock()
	c := w.client
	p.mu.Unlock()
	return &Lease{p: p, w: w, c: c}
}

func (p *Pool) release(w *managedWorker, discard bool) {
	p.mu.Lock()
	if p.closed || w.state == StateRestarting {
		// A restart in progress puts the worker back when it is done.
		p.mu.Unlock()
		return
	}
	if discard || w.broken || terminated(w.client) {
		p.mu.Unlock()
		p.restart(w, "released broken")
		return
	}
	p.makeAvailableLocked(w)
	p.mu.Unlock()
}

func terminated(c *client.Client) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// makeAvailableLocked hands w to the longest waiting caller, or puts it
// back in the idle queue.
func (p *Pool) makeAvailableLocked(w *managedWorker) {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.state = StateBusy
		ch <- w
		return
	}
	w.state = StateIdle
	p.idle = append(p.idle, w)
}

func (p *Pool) removeIdleLocked(w *managedWorker) bool {
	for i, idle := range p.idle {
		if idle == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

// Exec runs a script on any worker and returns its result sets.
func (p *Pool) Exec(ctx context.Context, sql string, params ...any) ([]protocol.ResultSet, error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	results, err := lease.Client().Exec(ctx, sql, params...)
	p.finish(lease, err)
	return results, err
}

// Each runs a single statement on any worker and calls fn per row.
func (p *Pool) Each(ctx context.Context, sql string, params []any, fn func(cols []string, row []any) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = lease.Client().Each(ctx, sql, params, fn)
	p.finish(lease, err)
	return err
}

// finish releases a lease, replacing the worker when its connection is
// gone. A cancelled call keeps the worker: it answers requests in order,
// so the abandoned reply is dropped before the next caller's arrives.
func (p *Pool) finish(lease *Lease, err error) {
	if errors.Is(err, client.ErrClosed) {
		lease.Discard()
		return
	}
	lease.Release()
}

// Named returns the client of a dedicated worker for name, starting it on
// first use. Named workers are not part of the Acquire rotation, so all
// users of one name share one database instance.
func (p *Pool) Named(ctx context.Context, name string) (*client.Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if w, ok := p.named[name]; ok {
		c := w.client
		p.mu.Unlock()
		if c == nil {
			return nil, fmt.Errorf("pool: named worker %s is restarting", name)
		}
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.startWorker(ctx, "named-"+name)
	if err != nil {
		return nil, fmt.Errorf("pool: failed to start named worker %s: %w", name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Close()
		return nil, ErrClosed
	}
	if w, ok := p.named[name]; ok {
		// Somebody else started it first.
		c.Close()
		return w.client, nil
	}
	w := &managedWorker{name: "named-" + name, client: c, state: StateIdle}
	p.named[name] = w
	p.watchLocked(w, c)
	p.logger.Info("Started named worker", "name", name)
	return c, nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Size:     len(p.workers),
		Idle:     len(p.idle),
		Waiting:  len(p.waiters),
		Named:    len(p.named),
		Restarts: p.restarts,
	}
	for _, w := range p.workers {
		if w.state == StateBusy {
			s.Busy++
		}
	}
	return s
}

// Close stops supervision and shuts every worker down. Acquire and
// Named fail with ErrClosed afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
	p.idle = nil
	var clients []*client.Client
	all := append([]*managedWorker{}, p.workers...)
	for _, w := range p.named {
		all = append(all, w)
	}
	for _, w := range all {
		w.state = StateStopped
		if w.client != nil {
			clients = append(clients, w.client)
		}
	}
	p.mu.Unlock()

	p.logger.Info("Stopping pool...")
	p.stop()
	p.wg.Wait()
	for _, c := range clients {
		c.Close()
	}
	p.logger.Info("Pool stopped.")
	return nil
}
