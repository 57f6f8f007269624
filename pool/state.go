package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/tomyedwab/sqlworker/client"
)

// WorkerState represents the lifecycle status of a pooled worker.
type WorkerState int

const (
	// StateUnknown means the worker state is not yet determined.
	StateUnknown WorkerState = iota
	// StateStarting means the worker is being spawned and opened.
	StateStarting
	// StateIdle means the worker is ready and waiting for a lease.
	StateIdle
	// StateBusy means the worker is leased.
	StateBusy
	// StateChecking means the worker is out of rotation for a health check.
	StateChecking
	// StateRestarting means the worker is being replaced.
	StateRestarting
	// StateStopped means the worker has been shut down with the pool.
	StateStopped
	// StateFailed means the worker failed its health checks.
	StateFailed
)

// String returns a string representation of the WorkerState.
func (ws WorkerState) String() string {
	switch ws {
	case StateUnknown:
		return "Unknown"
	case StateStarting:
		return "Starting"
	case StateIdle:
		return "Idle"
	case StateBusy:
		return "Busy"
	case StateChecking:
		return "Checking"
	case StateRestarting:
		return "Restarting"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// HealthChecker defines the interface for performing health checks on a worker.
type HealthChecker interface {
	// Check returns StateIdle when the worker is healthy and StateFailed
	// otherwise, with an error describing the failure.
	Check(ctx context.Context, c *client.Client) (WorkerState, error)
}

// PingHealthChecker implements HealthChecker with a ping request.
type PingHealthChecker struct {
	requestTimeout time.Duration // Timeout for a single ping
}

// NewPingHealthChecker creates a new PingHealthChecker.
func NewPingHealthChecker(requestTimeout time.Duration) *PingHealthChecker {
	return &PingHealthChecker{requestTimeout: requestTimeout}
}

// Check pings the worker behind c.
func (h *PingHealthChecker) Check(ctx context.Context, c *client.Client) (WorkerState, error) {
	ctx, cancel := context.WithTimeout(ctx, h.requestTimeout)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		return StateFailed, fmt.Errorf("health check ping failed: %w", err)
	}
	return StateIdle, nil
}
