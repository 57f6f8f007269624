// Package transport carries messages between a caller and a worker.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a Port once either end has been closed.
var ErrClosed = errors.New("transport: port closed")

// Port is one end of a bidirectional message channel. Messages are
// delivered whole and in order. Send and Recv may be called from
// different goroutines.
type Port interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

type pipePort struct {
	in    chan []byte
	out   chan []byte
	state *pipeState
}

// Pipe returns two connected in-process ports. Each direction holds up to
// buffer messages before Send blocks. Sent bytes are copied, so the sender
// may reuse its buffer.
func Pipe(buffer int) (Port, Port) {
	state := &pipeState{closed: make(chan struct{})}
	a2b := make(chan []byte, buffer)
	b2a := make(chan []byte, buffer)
	return &pipePort{in: b2a, out: a2b, state: state},
		&pipePort{in: a2b, out: b2a, state: state}
}

func (p *pipePort) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.state.closed:
		return ErrClosed
	default:
	}
	cp := append([]byte(nil), msg...)
	select {
	case p.out <- cp:
		return nil
	case <-p.state.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next message. Messages still buffered when the pipe is
// closed are dropped.
func (p *pipePort) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-p.state.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipePort) Close() error {
	p.state.once.Do(func() { close(p.state.closed) })
	return nil
}
