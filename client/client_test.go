//go:build !js

package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomyedwab/sqlworker/protocol"
	"github.com/tomyedwab/sqlworker/transport"
	"github.com/tomyedwab/sqlworker/worker"
)

func newWorkerClient(t *testing.T, options ...ClientOption) *Client {
	t.Helper()
	callerSide, workerSide := transport.Pipe(16)
	go func() {
		_ = worker.New(workerSide, worker.Config{Name: "client-test"}).Serve(context.Background())
		workerSide.Close()
	}()
	c := New(callerSide, options...)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady returned error: %v", err)
	}
	return c
}

// fakeWorker lets a test answer requests by hand.
type fakeWorker struct {
	t    *testing.T
	port transport.Port
}

func newFakeClient(t *testing.T, options ...ClientOption) (*Client, *fakeWorker) {
	callerSide, workerSide := transport.Pipe(16)
	c := New(callerSide, options...)
	t.Cleanup(func() { c.Close() })
	return c, &fakeWorker{t: t, port: workerSide}
}

func (f *fakeWorker) next() protocol.Request {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := f.port.Recv(ctx)
	if err != nil {
		f.t.Fatalf("fake worker Recv returned error: %v", err)
	}
	req, err := protocol.DecodeRequest(msg)
	if err != nil {
		f.t.Fatal(err)
	}
	return req
}

func (f *fakeWorker) reply(resp protocol.Response) {
	f.t.Helper()
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		f.t.Fatal(err)
	}
	if err := f.port.Send(context.Background(), payload); err != nil {
		f.t.Fatal(err)
	}
}

func TestExecAgainstWorker(t *testing.T) {
	c := newWorkerClient(t)
	ctx := context.Background()

	if _, err := c.Exec(ctx, "CREATE TABLE foo(id INTEGER, name TEXT)"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Exec(ctx, "INSERT INTO foo VALUES (?, ?)", 1, "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ExecNamed(ctx, "INSERT INTO foo VALUES (:id, :name)", map[string]any{"id": 2, "name": "two"}); err != nil {
		t.Fatal(err)
	}
	results, err := c.Exec(ctx, "SELECT name FROM foo ORDER BY id")
	if err != nil {
		t.Fatal(err)
	}
	rows := results[0].Rows()
	if len(rows) != 2 || rows[0][0] != "one" || rows[1][0] != "two" {
		t.Errorf("Unexpected rows: %v", rows)
	}

	var names []string
	err = c.Each(ctx, "SELECT name FROM foo ORDER BY id DESC", nil, func(cols []string, row []any) error {
		names = append(names, row[0].(string))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "two,one" {
		t.Errorf("Unexpected streamed rows: %v", names)
	}

	image, err := c.Export(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Open(ctx, "", image); err != nil {
		t.Fatal(err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.CloseDB(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerErrorsAreStructured(t *testing.T) {
	c := newWorkerClient(t)
	_, err := c.Exec(context.Background(), "SELECT * FROM missing")
	var werr *protocol.Error
	if !errors.As(err, &werr) {
		t.Fatalf("Expected *protocol.Error, got %T %v", err, err)
	}
	if werr.Action != protocol.ActionExec || !strings.Contains(werr.Message, "no such table") {
		t.Errorf("Unexpected error: %+v", werr)
	}
}

func TestConcurrentCallsAreCorrelated(t *testing.T) {
	c := newWorkerClient(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results, err := c.Exec(ctx, "SELECT ?", i)
			if err != nil {
				t.Errorf("call %d failed: %v", i, err)
				return
			}
			if got := results[0].Rows()[0][0]; got != int64(i) {
				t.Errorf("call %d got the answer for %v", i, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestOutOfOrderResponses(t *testing.T) {
	c, fake := newFakeClient(t)
	ctx := context.Background()

	type result struct {
		resp protocol.Response
		err  error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		resp, err := c.Call(ctx, protocol.Request{ID: "first", Action: protocol.ActionPing})
		first <- result{resp, err}
	}()
	req1 := fake.next()
	go func() {
		resp, err := c.Call(ctx, protocol.Request{ID: "second", Action: protocol.ActionExport})
		second <- result{resp, err}
	}()
	req2 := fake.next()

	fake.reply(protocol.Response{ID: req2.ID, Buffer: []byte("image")})
	fake.reply(protocol.Response{ID: req1.ID})

	r2 := <-second
	if r2.err != nil || string(r2.resp.Buffer) != "image" {
		t.Errorf("Unexpected second result: %+v", r2)
	}
	r1 := <-first
	if r1.err != nil || r1.resp.ID != "first" {
		t.Errorf("Unexpected first result: %+v", r1)
	}
}

func TestCallAssignsIDs(t *testing.T) {
	c, fake := newFakeClient(t)
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), protocol.Request{Action: protocol.ActionPing})
		done <- err
	}()
	req := fake.next()
	if req.ID == "" {
		t.Fatal("Expected the client to assign an id")
	}
	if req.Version != protocol.Version {
		t.Errorf("Expected version %d, got %d", protocol.Version, req.Version)
	}
	fake.reply(protocol.Response{ID: req.ID})
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestCancelledCallDropsLateReply(t *testing.T) {
	c, fake := newFakeClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, protocol.Request{ID: "slow", Action: protocol.ActionExec, SQL: "SELECT 1"})
		done <- err
	}()
	fake.next()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	// The late reply must not wedge the client.
	fake.reply(protocol.Response{ID: "slow", Results: []protocol.ResultSet{{Columns: []string{"1"}}}})
	go func() {
		_, err := c.Call(context.Background(), protocol.Request{ID: "next", Action: protocol.ActionPing})
		done <- err
	}()
	req := fake.next()
	fake.reply(protocol.Response{ID: req.ID})
	if err := <-done; err != nil {
		t.Errorf("Expected the next call to succeed, got %v", err)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	c, fake := newFakeClient(t)
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), protocol.Request{ID: "pending", Action: protocol.ActionPing})
		done <- err
	}()
	fake.next()
	if err := c.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call did not fail after Close")
	}
	select {
	case <-c.Done():
	default:
		t.Error("Expected Done to be closed")
	}
	if c.Err() != nil {
		t.Errorf("Expected nil Err after Close, got %v", c.Err())
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

func TestWaitReadyReportsInitFailure(t *testing.T) {
	c, fake := newFakeClient(t)
	fake.reply(protocol.Response{Error: "failed to load sql.js"})
	err := c.WaitReady(context.Background())
	var werr *protocol.Error
	if !errors.As(err, &werr) || werr.Message != "failed to load sql.js" {
		t.Errorf("Expected init error, got %v", err)
	}
}

func TestPostDeliversToResults(t *testing.T) {
	mailbox := NewResults()
	c, fake := newFakeClient(t, WithResults(mailbox))
	ctx := context.Background()

	id, err := c.Post(ctx, protocol.Request{Action: protocol.ActionExport})
	if err != nil {
		t.Fatal(err)
	}
	req := fake.next()
	if req.ID != id {
		t.Fatalf("Expected posted id %q, got %q", id, req.ID)
	}
	fake.reply(protocol.Response{ID: id, Buffer: []byte("img")})

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := mailbox.Wait(waitCtx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Buffer) != "img" {
		t.Errorf("Unexpected buffer %q", resp.Buffer)
	}
	if mailbox.Len() != 0 {
		t.Errorf("Expected Wait to take the response, %d left", mailbox.Len())
	}

	if _, err := c.Post(ctx, protocol.Request{Action: protocol.ActionEach, SQL: "SELECT 1"}); err == nil {
		t.Error("Expected Post of a streaming each request to fail")
	}
	if mailbox.Len() != 0 {
		t.Errorf("Expected nothing posted for the rejected request, %d in mailbox", mailbox.Len())
	}

	plain, _ := newFakeClient(t)
	if _, err := plain.Post(ctx, protocol.Request{Action: protocol.ActionPing}); err == nil {
		t.Error("Expected Post without a mailbox to fail")
	}
}

func TestResultsPoll(t *testing.T) {
	ctx := context.Background()
	r := NewResults()

	if _, err := r.Poll(ctx, "missing", time.Millisecond, 3); !errors.Is(err, ErrPollExhausted) {
		t.Errorf("Expected ErrPollExhausted, got %v", err)
	}

	// Every Poll gets its own attempts.
	go func() {
		time.Sleep(5 * time.Millisecond)
		r.Put("late", protocol.Response{ID: "late"})
	}()
	resp, err := r.Poll(ctx, "late", time.Millisecond, 5000)
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if resp.ID != "late" {
		t.Errorf("Unexpected response %+v", resp)
	}

	r.Put("bad", protocol.Response{ID: "bad", Error: "boom"})
	if _, err := r.Poll(ctx, "bad", time.Millisecond, 1); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected the stored error, got %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := r.Wait(cctx, "never"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled from Wait, got %v", err)
	}
}
