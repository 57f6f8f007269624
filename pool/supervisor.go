package pool

import (
	"time"

	"github.com/tomyedwab/sqlworker/client"
)

// watchLocked restarts w when c terminates. Workers that are leased or
// being checked are only marked; whoever holds them restarts them.
func (p *Pool) watchLocked(w *managedWorker, c *client.Client) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-c.Done():
		case <-p.lifetime.Done():
			return
		}

		p.mu.Lock()
		if p.closed || w.client != c {
			p.mu.Unlock()
			return
		}
		p.logger.Warn("Worker connection terminated", "worker", w.name, "state", w.state.String(), "error", c.Err())
		if w.state != StateIdle {
			w.broken = true
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.restart(w, "connection terminated")
	}()
}

// restart replaces w's worker in the background. The first attempt starts
// right away; failed attempts back off exponentially.
func (p *Pool) restart(w *managedWorker, reason string) {
	p.mu.Lock()
	if p.closed || w.state == StateRestarting {
		p.mu.Unlock()
		return
	}
	p.removeIdleLocked(w)
	w.state = StateRestarting
	old := w.client
	w.client = nil
	w.broken = false
	p.restarts++
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Info("Restarting worker", "worker", w.name, "reason", reason)
	go func() {
		defer p.wg.Done()
		if old != nil {
			old.Close()
		}
		for attempt := 0; ; attempt++ {
			p.mu.Lock()
			backoff := calculateBackoff(w.restartCount, p.cfg.RestartBackoffInitial, p.cfg.RestartBackoffMax)
			w.restartCount++
			p.mu.Unlock()
			if backoff > 0 {
				p.logger.Info("Applying restart backoff", "worker", w.name, "duration", backoff, "attempt", attempt)
			}
			select {
			case <-time.After(backoff):
			case <-p.lifetime.Done():
				return
			}

			c, err := p.startWorker(p.lifetime, w.name)
			if err != nil {
				p.logger.Error("Failed to restart worker", "worker", w.name, "error", err)
				continue
			}

			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				c.Close()
				return
			}
			w.client = c
			w.failures = 0
			p.watchLocked(w, c)
			if w.pooled {
				p.makeAvailableLocked(w)
			} else {
				w.state = StateIdle
			}
			p.mu.Unlock()
			p.logger.Info("Worker restarted", "worker", w.name)
			return
		}
	}()
}

// calculateBackoff returns the delay before restart attempt restartCount.
func calculateBackoff(restartCount int, initialDelay, maxDelay time.Duration) time.Duration {
	if restartCount <= 0 {
		return 0 // No delay for the first attempt
	}
	// Simple exponential backoff: initialDelay * 2^(restartCount-1)
	backoff := initialDelay
	for i := 1; i < restartCount; i++ {
		backoff *= 2
		if backoff > maxDelay {
			return maxDelay
		}
	}
	return backoff
}

// healthMonitorLoop periodically checks workers that nobody is using.
func (p *Pool) healthMonitorLoop() {
	defer p.wg.Done()
	p.logger.Debug("Health monitor loop started.")
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkWorkers()
		case <-p.lifetime.Done():
			p.logger.Debug("Health monitor loop stopping.")
			return
		}
	}
}

// checkWorkers checks every idle pooled worker, taking each out of
// rotation only for the duration of its own check, then every named worker.
func (p *Pool) checkWorkers() {
	p.mu.Lock()
	candidates := append([]*managedWorker{}, p.idle...)
	for _, w := range p.named {
		candidates = append(candidates, w)
	}
	p.mu.Unlock()

	for _, w := range candidates {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if w.pooled && !p.removeIdleLocked(w) {
			// Leased or restarting since the snapshot.
			p.mu.Unlock()
			continue
		}
		if !w.pooled && w.state != StateIdle {
			p.mu.Unlock()
			continue
		}
		if w.pooled {
			w.state = StateChecking
		}
		c := w.client
		p.mu.Unlock()

		_, err := p.healthChecker.Check(p.lifetime, c)

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if err == nil && !w.broken {
			w.failures = 0
			w.restartCount = 0
			if w.pooled {
				p.makeAvailableLocked(w)
			}
			p.mu.Unlock()
			continue
		}
		w.failures++
		p.logger.Warn("Worker health check failed", "worker", w.name, "failures", w.failures, "error", err)
		if w.broken || w.failures >= p.cfg.ConsecutiveFailures {
			w.state = StateFailed
			p.mu.Unlock()
			p.restart(w, "health checks failed")
			continue
		}
		if w.pooled {
			p.makeAvailableLocked(w)
		}
		p.mu.Unlock()
	}
}
