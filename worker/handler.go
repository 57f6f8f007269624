package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/protocol"
)

func (w *Worker) handleOpen(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if req.Path != "" && len(req.Buffer) > 0 {
		return nil, fmt.Errorf("open takes either a path or a buffer, not both")
	}
	w.closeInstance()

	cfg := w.cfg.Engine
	cfg.DSN = req.Path
	ins, err := engine.Open(ctx, cfg, req.Buffer)
	if err != nil {
		return nil, err
	}
	w.ins = ins
	return &protocol.Response{Ready: true}, nil
}

func (w *Worker) handleExec(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ins, err := w.instance(ctx)
	if err != nil {
		return nil, err
	}
	results, err := ins.Exec(ctx, req.SQL, protocol.Unwrap(req.Params), unwrapNamed(req.Named))
	if err != nil {
		return nil, err
	}
	return &protocol.Response{Results: results}, nil
}

// handleEach emits one response per row and a final finished response.
// An error after some rows have been emitted ends the stream with an
// error response instead.
func (w *Worker) handleEach(ctx context.Context, req *protocol.Request, emit func(protocol.Response) error) error {
	ins, err := w.instance(ctx)
	if err != nil {
		return err
	}
	err = ins.Each(ctx, req.SQL, protocol.Unwrap(req.Params), unwrapNamed(req.Named), func(cols []string, row []any) error {
		return emit(protocol.Response{Columns: cols, Row: protocol.Values(row...)})
	})
	if err != nil {
		return err
	}
	return emit(protocol.Response{Finished: true})
}

// handleExport returns the database image. Exporting invalidates the
// worker's prepared statements; a refused export leaves them alone.
func (w *Worker) handleExport(ctx context.Context) (*protocol.Response, error) {
	ins, err := w.instance(ctx)
	if err != nil {
		return nil, err
	}
	if ins.InTx() {
		return nil, fmt.Errorf("engine: cannot export: %w", engine.ErrTxActive)
	}
	if len(w.stmts) > 0 {
		w.logger.Debug("Export closes prepared statements", "count", len(w.stmts))
		for id, stmt := range w.stmts {
			_ = stmt.Close()
			delete(w.stmts, id)
		}
	}
	image, err := ins.Export(ctx)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{Buffer: image}, nil
}

func (w *Worker) handlePrepare(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if err := w.checkTx(req.TxID); err != nil {
		return nil, err
	}
	ins, err := w.instance(ctx)
	if err != nil {
		return nil, err
	}
	stmt, err := ins.Prepare(ctx, req.SQL)
	if err != nil {
		return nil, fmt.Errorf("prepare failed: %w", err)
	}
	stmtID := uuid.NewString()
	w.stmts[stmtID] = stmt
	return &protocol.Response{StmtID: stmtID}, nil
}

func (w *Worker) handleQuery(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	stmt, args, err := w.statement(ctx, req)
	if err != nil {
		return nil, err
	}
	var set protocol.ResultSet
	if stmt != nil {
		set, err = w.ins.StmtQuery(ctx, stmt, args)
	} else {
		set, err = w.ins.Query(ctx, req.SQL, args)
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return &protocol.Response{Results: []protocol.ResultSet{set}}, nil
}

func (w *Worker) handleRun(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	stmt, args, err := w.statement(ctx, req)
	if err != nil {
		return nil, err
	}
	var res engine.RunResult
	if stmt != nil {
		res, err = w.ins.StmtRun(ctx, stmt, args)
	} else {
		res, err = w.ins.Run(ctx, req.SQL, args)
	}
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return &protocol.Response{LastInsertID: res.LastInsertID, RowsAffected: res.RowsAffected}, nil
}

// statement resolves the target of a query or run request: a prepared
// statement when stmt_id is set, otherwise the request's SQL (nil stmt).
func (w *Worker) statement(ctx context.Context, req *protocol.Request) (*sqlx.Stmt, []any, error) {
	if err := w.checkTx(req.TxID); err != nil {
		return nil, nil, err
	}
	if _, err := w.instance(ctx); err != nil {
		return nil, nil, err
	}
	args, err := engine.Args(protocol.Unwrap(req.Params), unwrapNamed(req.Named))
	if err != nil {
		return nil, nil, err
	}
	if req.StmtID == "" {
		return nil, args, nil
	}
	stmt, ok := w.stmts[req.StmtID]
	if !ok {
		return nil, nil, fmt.Errorf("statement not found: %s", req.StmtID)
	}
	return stmt, args, nil
}

func (w *Worker) handleBeginTx(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ins, err := w.instance(ctx)
	if err != nil {
		return nil, err
	}
	if err := ins.Begin(req.ReadOnly); err != nil {
		return nil, fmt.Errorf("begin transaction failed: %w", err)
	}
	w.txID = uuid.NewString()
	return &protocol.Response{TxID: w.txID}, nil
}

func (w *Worker) handleCommit(req *protocol.Request) (*protocol.Response, error) {
	if err := w.endTx(req.TxID); err != nil {
		return nil, err
	}
	if err := w.ins.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	return &protocol.Response{}, nil
}

func (w *Worker) handleRollback(req *protocol.Request) (*protocol.Response, error) {
	if err := w.endTx(req.TxID); err != nil {
		return nil, err
	}
	if err := w.ins.Rollback(); err != nil {
		return nil, fmt.Errorf("rollback failed: %w", err)
	}
	return &protocol.Response{}, nil
}

// endTx checks that txID names the open transaction and forgets it.
func (w *Worker) endTx(txID string) error {
	if w.txID == "" || w.ins == nil || !w.ins.InTx() {
		w.txID = ""
		if txID == "" {
			return engine.ErrNoTx
		}
		return fmt.Errorf("transaction not found or already closed: %s", txID)
	}
	if txID != "" && txID != w.txID {
		return fmt.Errorf("transaction not found or already closed: %s", txID)
	}
	w.txID = ""
	return nil
}

// checkTx fails when a request names a transaction other than the open one.
func (w *Worker) checkTx(txID string) error {
	if txID != "" && txID != w.txID {
		return fmt.Errorf("transaction not found: %s", txID)
	}
	return nil
}

func (w *Worker) handleCloseStmt(req *protocol.Request) (*protocol.Response, error) {
	stmt, ok := w.stmts[req.StmtID]
	if !ok {
		// Closing twice is not an error.
		return &protocol.Response{}, nil
	}
	delete(w.stmts, req.StmtID)
	if err := stmt.Close(); err != nil {
		return nil, fmt.Errorf("failed to close statement: %w", err)
	}
	return &protocol.Response{}, nil
}

func unwrapNamed(named map[string]protocol.Value) map[string]any {
	if len(named) == 0 {
		return nil
	}
	out := make(map[string]any, len(named))
	for k, v := range named {
		out[k] = v.V
	}
	return out
}
