// Package worker runs one database instance behind a message port.
//
// A worker announces itself once its library is initialized, then reads
// action-tagged requests from its port and answers each of them in order.
// Everything it does happens on the goroutine running Serve.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/protocol"
	"github.com/tomyedwab/sqlworker/transport"
)

// LibraryLoader initializes the shared database library. Ready blocks until
// the library is usable or its initialization failed.
type LibraryLoader interface {
	Ready(ctx context.Context) error
}

// Config holds the options of a worker.
type Config struct {
	Name    string        // Optional, used in logs
	Engine  engine.Config // Options for every instance the worker opens
	Library LibraryLoader // Optional, awaited before the worker announces itself
	Logger  *slog.Logger  // Optional, defaults to slog.Default()
}

// Worker serves the worker protocol on a port.
type Worker struct {
	port   transport.Port
	cfg    Config
	logger *slog.Logger

	ins   *engine.Instance
	stmts map[string]*sqlx.Stmt
	txID  string
}

// New returns a worker for port. Nothing happens until Serve.
func New(port transport.Port, cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "Worker")
	if cfg.Name != "" {
		logger = logger.With("worker", cfg.Name)
	}
	cfg.Engine.Logger = logger
	return &Worker{
		port:   port,
		cfg:    cfg,
		logger: logger,
		stmts:  make(map[string]*sqlx.Stmt),
	}
}

// Serve initializes the worker and answers requests until the port closes,
// which returns nil, or ctx is done. The open instance is closed on return.
func (w *Worker) Serve(ctx context.Context) error {
	if w.cfg.Library != nil {
		if err := w.cfg.Library.Ready(ctx); err != nil {
			w.logger.Error("Library initialization failed", "error", err)
			_ = w.post(ctx, protocol.Response{Error: err.Error()})
			return fmt.Errorf("worker: library initialization: %w", err)
		}
	}
	defer w.closeInstance()

	if err := w.post(ctx, protocol.Response{Ready: true}); err != nil {
		return ignoreClosed(err)
	}
	w.logger.Debug("Worker ready")

	for {
		msg, err := w.port.Recv(ctx)
		if err != nil {
			return ignoreClosed(err)
		}
		if err := w.handle(ctx, msg); err != nil {
			return ignoreClosed(err)
		}
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

func (w *Worker) post(ctx context.Context, resp protocol.Response) error {
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		// A marshal failure is reported in place of the response.
		w.logger.Error("Failed to encode response", "id", resp.ID, "error", err)
		payload, err = protocol.EncodeResponse(protocol.Response{ID: resp.ID, Error: err.Error()})
		if err != nil {
			return err
		}
	}
	return w.port.Send(ctx, payload)
}

// handle decodes and serves one message. It only fails when the reply
// cannot be sent.
func (w *Worker) handle(ctx context.Context, msg []byte) error {
	req, err := protocol.DecodeRequest(msg)
	if err != nil {
		w.logger.Warn("Dropping undecodable request", "id", req.ID, "error", err)
		return w.post(ctx, protocol.Response{ID: req.ID, Error: err.Error()})
	}

	var sendErr error
	emit := func(resp protocol.Response) error {
		resp.ID = req.ID
		if err := w.post(ctx, resp); err != nil {
			sendErr = err
			return err
		}
		return nil
	}

	resp, err := w.dispatch(ctx, req, emit)
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		w.logger.Debug("Request failed", "id", req.ID, "action", req.Action, "error", err)
		return w.post(ctx, protocol.Response{ID: req.ID, Error: err.Error()})
	}
	if resp == nil {
		return nil
	}
	resp.ID = req.ID
	return w.post(ctx, *resp)
}

// dispatch runs one request. A nil response means the handler already
// emitted everything it had to say.
func (w *Worker) dispatch(ctx context.Context, req protocol.Request, emit func(protocol.Response) error) (resp *protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Request panicked", "id", req.ID, "action", req.Action, "panic", r, "stack", string(debug.Stack()))
			resp, err = nil, fmt.Errorf("%s panicked: %v", req.Action, r)
		}
	}()

	switch req.Action {
	case protocol.ActionOpen:
		return w.handleOpen(ctx, &req)
	case protocol.ActionExec:
		return w.handleExec(ctx, &req)
	case protocol.ActionEach:
		return nil, w.handleEach(ctx, &req, emit)
	case protocol.ActionExport:
		return w.handleExport(ctx)
	case protocol.ActionClose:
		w.closeInstance()
		return &protocol.Response{}, nil
	case protocol.ActionPing:
		return &protocol.Response{}, nil
	case protocol.ActionPrepare:
		return w.handlePrepare(ctx, &req)
	case protocol.ActionQuery:
		return w.handleQuery(ctx, &req)
	case protocol.ActionRun:
		return w.handleRun(ctx, &req)
	case protocol.ActionBegin:
		return w.handleBeginTx(ctx, &req)
	case protocol.ActionCommit:
		return w.handleCommit(&req)
	case protocol.ActionRollback:
		return w.handleRollback(&req)
	case protocol.ActionCloseStmt:
		return w.handleCloseStmt(&req)
	case protocol.ActionReset:
		w.reset()
		return &protocol.Response{}, nil
	default:
		return nil, fmt.Errorf("unknown action: %s", req.Action)
	}
}

// instance returns the open instance, opening a private in-memory one
// when the first request arrives before any open.
func (w *Worker) instance(ctx context.Context) (*engine.Instance, error) {
	if w.ins != nil {
		return w.ins, nil
	}
	cfg := w.cfg.Engine
	cfg.DSN = ""
	ins, err := engine.Open(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	w.ins = ins
	return ins, nil
}

// reset closes every prepared statement and rolls back the open
// transaction, leaving the instance ready for its next user.
func (w *Worker) reset() {
	for id, stmt := range w.stmts {
		_ = stmt.Close()
		delete(w.stmts, id)
	}
	if w.ins != nil && w.ins.InTx() {
		if err := w.ins.Rollback(); err != nil {
			w.logger.Warn("Rollback during reset failed", "error", err)
		}
	}
	w.txID = ""
}

func (w *Worker) closeInstance() {
	w.reset()
	if w.ins == nil {
		return
	}
	if err := w.ins.Close(); err != nil {
		w.logger.Warn("Failed to close database", "error", err)
	}
	w.ins = nil
}
