package sweeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeBroker struct {
	idleSince  time.Time
	refuse     bool
	hibernated atomic.Int32
}

func (f *fakeBroker) Hibernate() bool {
	f.hibernated.Add(1)
	return !f.refuse
}

func (f *fakeBroker) IdleSince() time.Time { return f.idleSince }

type fakePruner struct{ calls atomic.Int32 }

func (p *fakePruner) Cleanup() { p.calls.Add(1) }

func TestSweep_HibernatesWhenIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name           string
		idleFor        time.Duration
		hibernateAfter time.Duration
		want           int32
	}{
		{"idle past threshold", 10 * time.Minute, 5 * time.Minute, 1},
		{"exactly at threshold", 5 * time.Minute, 5 * time.Minute, 1},
		{"recently active", time.Minute, 5 * time.Minute, 0},
		{"hibernation disabled", time.Hour, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBroker{idleSince: now.Add(-tt.idleFor)}
			p := &fakePruner{}
			s := New(b, p, time.Minute, tt.hibernateAfter)
			s.now = func() time.Time { return now }

			s.Sweep()

			if got := b.hibernated.Load(); got != tt.want {
				t.Errorf("Hibernate calls = %d, want %d", got, tt.want)
			}
			if p.calls.Load() != 1 {
				t.Errorf("Cleanup calls = %d, want 1", p.calls.Load())
			}
		})
	}
}

func TestSweep_RefusedHibernationIsRetried(t *testing.T) {
	now := time.Now()
	b := &fakeBroker{idleSince: now.Add(-time.Hour), refuse: true}
	s := New(b, nil, time.Minute, time.Minute)
	s.now = func() time.Time { return now }

	s.Sweep()
	s.Sweep()

	if got := b.hibernated.Load(); got != 2 {
		t.Errorf("Hibernate calls = %d, want 2", got)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	p := &fakePruner{}
	s := New(&fakeBroker{idleSince: time.Now()}, p, 5*time.Millisecond, 0)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != ErrAlreadyRunning {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	deadline := time.Now().Add(time.Second)
	for p.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.calls.Load() < 2 {
		t.Fatalf("expected at least two sweeps, got %d", p.calls.Load())
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != ErrNotRunning {
		t.Errorf("second Stop = %v, want ErrNotRunning", err)
	}

	after := p.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if p.calls.Load() != after {
		t.Error("sweeps continued after Stop")
	}

	// Restart after stop is allowed.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	_ = s.Stop()
}

func TestSweeper_StopsWithContext(t *testing.T) {
	s := New(&fakeBroker{}, nil, time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on context cancellation")
	}
	// Stop still succeeds and does not block once the loop has exited.
	if err := s.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
