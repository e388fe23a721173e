// Package janitor periodically deletes images nobody has touched for a while.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Purger deletes every image last modified before the given time
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int, error)
}

type Janitor struct {
	purger Purger
	ttl    time.Duration
	cron   *cron.Cron
	now    func() time.Time
}

// New schedules sweeps of p on a cron spec such as "@every 10m"
func New(p Purger, schedule string, ttl time.Duration) (*Janitor, error) {
	j := &Janitor{
		purger: p,
		ttl:    ttl,
		cron:   cron.New(),
		now:    time.Now,
	}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) run() {
	if _, err := j.Sweep(context.Background()); err != nil {
		slog.Error("Janitor sweep failed", "error", err)
	}
}

// Sweep purges expired images once
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	before := j.now().Add(-j.ttl)
	n, err := j.purger.Purge(ctx, before)
	if n > 0 {
		slog.Info("Purged expired images", "count", n, "before", before)
	}
	return n, err
}

func (j *Janitor) Start() {
	slog.Info("Janitor started", "ttl", j.ttl)
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
