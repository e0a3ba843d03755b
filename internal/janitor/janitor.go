// Package janitor periodically removes expired conversation ids, pending
// replies and stale continuation leases on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/difybridge/internal/store"
)

// Named pairs a pruner with a label used in logs and metrics.
type Named struct {
	Name   string
	Pruner store.Pruner
}

// Janitor runs every pruner on each tick of a cron expression.
type Janitor struct {
	schedule string
	pruners  []Named
	now      func() time.Time

	// OnPruned, if set, is called after each pruner with the rows removed.
	OnPruned func(name string, n int64)
}

// New validates the cron expression.
func New(schedule string, pruners []Named) (*Janitor, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("janitor: invalid cron expression %q", schedule)
	}
	return &Janitor{schedule: schedule, pruners: pruners, now: time.Now}, nil
}

// Run blocks until ctx is done, sweeping at every scheduled tick.
func (j *Janitor) Run(ctx context.Context) error {
	if len(j.pruners) == 0 {
		<-ctx.Done()
		return nil
	}
	slog.Info("janitor started", "schedule", j.schedule, "pruners", len(j.pruners))
	for {
		next, err := gronx.NextTickAfter(j.schedule, j.now(), false)
		if err != nil {
			return fmt.Errorf("janitor: next tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		j.Sweep(ctx)
	}
}

// Sweep runs every pruner once and returns the total rows removed.
// A failing pruner is logged and does not stop the others.
func (j *Janitor) Sweep(ctx context.Context) int64 {
	now := j.now()
	var total int64
	for _, p := range j.pruners {
		n, err := p.Pruner.Prune(ctx, now)
		if err != nil {
			slog.Warn("janitor: prune failed", "store", p.Name, "error", err)
			continue
		}
		if n > 0 {
			slog.Debug("janitor: pruned", "store", p.Name, "rows", n)
		}
		if j.OnPruned != nil {
			j.OnPruned(p.Name, n)
		}
		total += n
	}
	return total
}
