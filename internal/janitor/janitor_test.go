package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePurger struct {
	mu     sync.Mutex
	before []time.Time
	n      int
	err    error
	called chan struct{}
}

func (f *fakePurger) Purge(ctx context.Context, before time.Time) (int, error) {
	f.mu.Lock()
	f.before = append(f.before, before)
	f.mu.Unlock()
	if f.called != nil {
		select {
		case f.called <- struct{}{}:
		default:
		}
	}
	return f.n, f.err
}

func TestSweepUsesTTL(t *testing.T) {
	p := &fakePurger{n: 3}
	j, err := New(p, "@every 1h", 24*time.Hour)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	n, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 purged, got %d", n)
	}
	if len(p.before) != 1 || !p.before[0].Equal(now.Add(-24*time.Hour)) {
		t.Errorf("Expected cutoff %v, got %v", now.Add(-24*time.Hour), p.before)
	}
}

func TestSweepError(t *testing.T) {
	boom := errors.New("boom")
	j, err := New(&fakePurger{err: boom}, "@every 1h", time.Hour)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := j.Sweep(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
}

func TestNewRejectsSchedule(t *testing.T) {
	if _, err := New(&fakePurger{}, "whenever", time.Hour); err == nil {
		t.Error("Expected an invalid schedule error")
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	p := &fakePurger{called: make(chan struct{}, 1)}
	j, err := New(p, "@every 1s", time.Minute)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	j.Start()
	defer j.Stop()

	select {
	case <-p.called:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected a scheduled sweep")
	}
}
