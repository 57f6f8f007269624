//go:build js && wasm

// Package jsport implements transport.Port over the browser's
// postMessage, for Web Workers and the worker global scope.
//
// Messages travel as JSON strings so both ends agree on framing without
// structured-clone type mapping.
package jsport

import (
	"context"
	"fmt"
	"sync"
	"syscall/js"

	"github.com/tomyedwab/sqlworker/transport"
)

// Port is a transport.Port over a JS object with postMessage and message
// events: a Worker, a MessagePort or the worker global scope.
type Port struct {
	target    js.Value
	terminate bool
	onMessage js.Func

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

// New wraps target. Messages that arrive before the first Recv are queued.
func New(target js.Value) *Port {
	p := &Port{
		target: target,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	// The JS event loop calls this; it must never block.
	p.onMessage = js.FuncOf(func(this js.Value, args []js.Value) any {
		if len(args) == 0 {
			return nil
		}
		data := args[0].Get("data")
		if data.Type() != js.TypeString {
			return nil
		}
		p.mu.Lock()
		p.queue = append(p.queue, []byte(data.String()))
		p.mu.Unlock()
		select {
		case p.notify <- struct{}{}:
		default:
		}
		return nil
	})
	target.Call("addEventListener", "message", p.onMessage)
	return p
}

// Self returns the port of the worker global scope, for code running
// inside a Web Worker.
func Self() *Port {
	return New(js.Global())
}

// Spawn returns a function that starts a Web Worker loading url and
// returns its port. It fits pool.Config.Spawn. Closing the port
// terminates the worker.
func Spawn(url string) func(ctx context.Context, name string) (transport.Port, error) {
	return func(ctx context.Context, name string) (port transport.Port, err error) {
		defer func() {
			if e := recover(); e != nil {
				err = fmt.Errorf("jsport: cannot start worker %s: %v", name, e)
			}
		}()
		opts := js.Global().Get("Object").New()
		opts.Set("name", name)
		w := js.Global().Get("Worker").New(url, opts)
		p := New(w)
		p.terminate = true
		return p, nil
	}
}

func (p *Port) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.closed:
		return transport.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.target.Call("postMessage", string(msg))
	return nil
}

func (p *Port) Recv(ctx context.Context) ([]byte, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			msg := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return msg, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-p.closed:
			return nil, transport.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close detaches the message listener, and terminates the worker when the
// port was created by Spawn.
func (p *Port) Close() error {
	p.once.Do(func() {
		close(p.closed)
		p.target.Call("removeEventListener", "message", p.onMessage)
		p.onMessage.Release()
		if p.terminate {
			p.target.Call("terminate")
		}
	})
	return nil
}
