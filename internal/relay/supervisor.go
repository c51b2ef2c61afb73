package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Supervisor keeps a long-lived task running, restarting it after a fixed
// delay whenever it returns. It is safe to call Start/Stop concurrently.
type Supervisor struct {
	name  string
	run   func(ctx context.Context) error
	delay time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	doneCh   chan struct{}
	running  bool
	restarts int
}

// NewSupervisor creates a Supervisor for run.
func NewSupervisor(name string, delay time.Duration, run func(ctx context.Context) error) *Supervisor {
	return &Supervisor{name: name, run: run, delay: delay}
}

// Start begins supervision. Cancelling ctx stops it like Stop does.
// Starting a running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	s.running = true
	go s.supervise(ctx, s.doneCh)
}

// Stop cancels the task and waits for the supervision goroutine to exit.
// Safe to call if not running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, doneCh := s.cancel, s.doneCh
	s.mu.Unlock()

	cancel()
	select {
	case <-doneCh:
	case <-time.After(10 * time.Second):
		slog.Warn("supervisor: stop timed out", "name", s.name)
	}
}

// Restarts returns how many times the task has been restarted.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *Supervisor) supervise(ctx context.Context, doneCh chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(doneCh)
	}()

	for {
		err := s.run(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Info("supervisor: task ended, reconnecting", "name", s.name, "delay", s.delay, "err", err)

		// One reconnect attempt per delay; a stop during the wait ends the loop.
		if !sleepCtx(ctx, s.delay) {
			return
		}
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
	}
}
