package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tomyedwab/sqlworker/protocol"
	"github.com/tomyedwab/sqlworker/transport"
)

// ErrClosed is returned by calls on a client whose port has closed.
var ErrClosed = errors.New("client: closed")

// Client is the caller side of one worker.
type Client struct {
	port    transport.Port
	logger  *slog.Logger
	results *Results

	mu      sync.Mutex
	pending map[string]*call
	posted  map[string]protocol.Action

	ready     chan struct{}
	readyErr  error
	readyOnce sync.Once

	stop      context.CancelFunc
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

type call struct {
	action protocol.Action
	ch     chan protocol.Response
	// abandoned is closed when the caller stops waiting.
	abandoned chan struct{}
}

// ClientOption represents a functional option for configuring the Client
type ClientOption func(*Client)

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithResults sets the mailbox that receives responses to Post.
func WithResults(results *Results) ClientOption {
	return func(c *Client) {
		c.results = results
	}
}

// New returns a client for port and starts reading responses.
func New(port transport.Port, options ...ClientOption) *Client {
	ctx, stop := context.WithCancel(context.Background())
	c := &Client{
		port:    port,
		logger:  slog.Default(),
		pending: make(map[string]*call),
		posted:  make(map[string]protocol.Action),
		ready:   make(chan struct{}),
		stop:    stop,
		done:    make(chan struct{}),
	}
	for _, option := range options {
		option(c)
	}
	c.logger = c.logger.With("component", "Client")

	go c.readLoop(ctx)
	return c
}

func (c *Client) readLoop(ctx context.Context) {
	var err error
	for {
		var msg []byte
		msg, err = c.port.Recv(ctx)
		if err != nil {
			break
		}
		resp, derr := protocol.DecodeResponse(msg)
		if derr != nil {
			c.logger.Warn("Dropping undecodable response", "id", resp.ID, "error", derr)
			if resp.ID == "" {
				continue
			}
			resp = protocol.Response{ID: resp.ID, Error: derr.Error()}
		}
		c.deliver(resp)
	}
	c.terminate(err)
}

// deliver routes one response to the call, stream or mailbox waiting for it.
func (c *Client) deliver(resp protocol.Response) {
	if resp.ID == "" {
		c.readyOnce.Do(func() {
			if resp.Error != "" {
				c.readyErr = &protocol.Error{Message: resp.Error}
			} else if !resp.Ready {
				c.readyErr = errors.New("client: worker announced without being ready")
			}
			close(c.ready)
		})
		return
	}

	c.mu.Lock()
	pc, ok := c.pending[resp.ID]
	action, posted := c.posted[resp.ID]
	if posted {
		delete(c.posted, resp.ID)
	}
	c.mu.Unlock()

	if ok {
		// Streams can outrun their reader; wait for it unless it gave up.
		select {
		case pc.ch <- resp:
		case <-pc.abandoned:
		}
		return
	}
	if posted && c.results != nil {
		if resp.Error != "" {
			c.logger.Debug("Posted request failed", "id", resp.ID, "action", action, "error", resp.Error)
		}
		c.results.Put(resp.ID, resp)
		return
	}
	c.logger.Debug("Dropping response without a caller", "id", resp.ID)
}

func (c *Client) terminate(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
		err = nil
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("Worker connection failed", "error", err)
	}
	c.readyOnce.Do(func() {
		c.readyErr = ErrClosed
		close(c.ready)
	})
	close(c.done)
}

// WaitReady blocks until the worker has announced itself. It returns the
// worker's initialization error when that failed.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the client stops reading responses.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the client, or nil when its port was
// closed normally. It is only meaningful after Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the port. Calls still waiting fail with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.port.Close()
		c.stop()
	})
	<-c.done
	return err
}

func (c *Client) register(req *protocol.Request) *call {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	pc := &call{action: req.Action, ch: make(chan protocol.Response, 1), abandoned: make(chan struct{})}
	c.mu.Lock()
	c.pending[req.ID] = pc
	c.mu.Unlock()
	return pc
}

func (c *Client) unregister(id string, pc *call) {
	c.mu.Lock()
	if c.pending[id] == pc {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(pc.abandoned)
}

func (c *Client) send(ctx context.Context, req protocol.Request) error {
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	if err := c.port.Send(ctx, payload); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("client: failed to send %s request: %w", req.Action, err)
	}
	return nil
}

// Call sends req and waits for its response. An empty req.ID is replaced
// by a fresh one. When ctx is done the call is abandoned and a late
// response is dropped.
func (c *Client) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var resp protocol.Response
	err := c.Stream(ctx, req, func(r protocol.Response) error {
		resp = r
		return errStop
	})
	return resp, err
}

var errStop = errors.New("stop")

// Stream sends req and calls fn for every response with its id until the
// worker marks the stream finished. An error from fn ends the stream.
func (c *Client) Stream(ctx context.Context, req protocol.Request, fn func(protocol.Response) error) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	pc := c.register(&req)
	defer c.unregister(req.ID, pc)

	if err := c.send(ctx, req); err != nil {
		return err
	}
	for {
		select {
		case resp := <-pc.ch:
			if stop, err := handleStream(req.Action, resp, fn); stop {
				return err
			}
		case <-c.done:
			// A response may have raced with termination.
			select {
			case resp := <-pc.ch:
				if stop, err := handleStream(req.Action, resp, fn); stop {
					return err
				}
			default:
			}
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func handleStream(action protocol.Action, resp protocol.Response, fn func(protocol.Response) error) (bool, error) {
	if resp.Error != "" {
		return true, &protocol.Error{Action: action, Message: resp.Error}
	}
	if resp.Finished {
		return true, nil
	}
	if err := fn(resp); err != nil {
		if errors.Is(err, errStop) {
			return true, nil
		}
		return true, err
	}
	return false, nil
}

// Post sends req without waiting. Its response is stored in the client's
// Results mailbox under the returned id. Streaming each requests answer
// with many responses and cannot be posted; use Each.
func (c *Client) Post(ctx context.Context, req protocol.Request) (string, error) {
	if c.results == nil {
		return "", errors.New("client: Post needs a Results mailbox, see WithResults")
	}
	if req.Action == protocol.ActionEach {
		return "", errors.New("client: cannot Post an each request, use Each")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	c.mu.Lock()
	c.posted[req.ID] = req.Action
	c.mu.Unlock()
	if err := c.send(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.posted, req.ID)
		c.mu.Unlock()
		return "", err
	}
	return req.ID, nil
}
