// Package sweeper runs periodic housekeeping for the broker: idle
// hibernation and rate limiter pruning.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Hibernator is the broker surface the sweeper needs.
type Hibernator interface {
	Hibernate() bool
	IdleSince() time.Time
}

// Pruner drops stale per-client bookkeeping.
type Pruner interface {
	Cleanup()
}

// Sweeper ticks at a fixed interval until stopped.
type Sweeper struct {
	broker         Hibernator
	pruner         Pruner
	interval       time.Duration
	hibernateAfter time.Duration
	now            func() time.Time

	mu       sync.Mutex
	running  bool
	shutdown chan struct{}
	done     chan struct{}
}

// New creates a sweeper. hibernateAfter of zero disables hibernation;
// pruner may be nil.
func New(broker Hibernator, pruner Pruner, interval, hibernateAfter time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		broker:         broker,
		pruner:         pruner,
		interval:       interval,
		hibernateAfter: hibernateAfter,
		now:            time.Now,
	}
}

// Start launches the background loop. It stops on Stop or when ctx ends.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})

	log.Debug().Dur("interval", s.interval).Dur("hibernate_after", s.hibernateAfter).Msg("Starting sweeper")
	go s.run(ctx, s.shutdown, s.done)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.shutdown)
	done := s.done
	s.mu.Unlock()

	<-done
	log.Debug().Msg("Sweeper stopped")
	return nil
}

func (s *Sweeper) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one housekeeping pass.
func (s *Sweeper) Sweep() {
	if s.pruner != nil {
		s.pruner.Cleanup()
	}

	if s.hibernateAfter <= 0 || s.broker == nil {
		return
	}
	idle := s.now().Sub(s.broker.IdleSince())
	if idle < s.hibernateAfter {
		return
	}
	if !s.broker.Hibernate() {
		log.Warn().Dur("idle", idle).Msg("Broker declined to hibernate")
	}
}
