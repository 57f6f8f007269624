package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomyedwab/sqlworker/protocol"
)

// ErrPollExhausted is returned by Poll when no response arrived within the
// allowed attempts.
var ErrPollExhausted = errors.New("client: no response after polling")

// Results is a mailbox of responses keyed by request id. It is safe for
// concurrent use.
type Results struct {
	mu      sync.Mutex
	entries map[string]protocol.Response
	changed chan struct{}
}

// NewResults returns an empty mailbox.
func NewResults() *Results {
	return &Results{
		entries: make(map[string]protocol.Response),
		changed: make(chan struct{}),
	}
}

// Put stores resp under id, replacing an earlier one, and wakes waiters.
func (r *Results) Put(id string, resp protocol.Response) {
	r.mu.Lock()
	r.entries[id] = resp
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// Take removes and returns the response stored under id.
func (r *Results) Take(id string) (protocol.Response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return resp, ok
}

// Len returns the number of stored responses.
func (r *Results) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Wait blocks until a response for id is stored, then takes it. A response
// carrying an error is returned along with a *protocol.Error.
func (r *Results) Wait(ctx context.Context, id string) (protocol.Response, error) {
	for {
		r.mu.Lock()
		resp, ok := r.entries[id]
		if ok {
			delete(r.entries, id)
		}
		changed := r.changed
		r.mu.Unlock()
		if ok {
			return resp, responseError(resp)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return protocol.Response{}, ctx.Err()
		}
	}
}

// Poll checks for a response for id up to attempts times, interval apart.
// The attempt count belongs to this call alone.
func (r *Results) Poll(ctx context.Context, id string, interval time.Duration, attempts int) (protocol.Response, error) {
	for attempt := 0; attempt < attempts; attempt++ {
		if resp, ok := r.Take(id); ok {
			return resp, responseError(resp)
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return protocol.Response{}, ctx.Err()
		}
	}
	return protocol.Response{}, ErrPollExhausted
}

func responseError(resp protocol.Response) error {
	if resp.Error == "" {
		return nil
	}
	return &protocol.Error{Message: resp.Error}
}
