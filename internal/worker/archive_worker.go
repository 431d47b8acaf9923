// Package worker hosts the batch side of the closure pipeline. The
// core services never schedule anything themselves; this worker is the
// external caller that walks the calendar.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/ledger"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/period"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/services"
)

// maxDaysPerRun bounds one pass so a long-idle deployment catches up
// over several runs instead of holding the closure lock for hours.
const maxDaysPerRun = 92

// ArchiveWorker archives completed days and advances the closure
// frontier. One pass archives every eligible day and then requests
// closure day by day, stopping at the first period that is not yet
// eligible.
type ArchiveWorker struct {
	archiver *services.Archiver
	closures *services.ClosureCoordinator
	status   ledger.ClosureStore
	actor    core.Actor
	now      func() time.Time
}

func NewArchiveWorker(
	archiver *services.Archiver,
	closures *services.ClosureCoordinator,
	status ledger.ClosureStore,
	actor core.Actor,
) *ArchiveWorker {
	return &ArchiveWorker{
		archiver: archiver,
		closures: closures,
		status:   status,
		actor:    actor,
		now:      time.Now,
	}
}

// Run executes one pass immediately, then one per tick until the
// context is cancelled.
func (w *ArchiveWorker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			slog.ErrorContext(ctx, "Archive pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce archives and closes every day between the closure frontier
// and now. A concurrent closure elsewhere is not an error: the pass
// logs who holds the lock and leaves the remaining days for the next
// tick.
func (w *ArchiveWorker) RunOnce(ctx context.Context) error {
	day, err := w.firstCandidate(ctx)
	if err != nil {
		return err
	}

	now := w.now()
	closed := 0
	for i := 0; i < maxDaysPerRun; i++ {
		if !day.EligibleForClosure(now) {
			break
		}

		if _, err := w.archiver.ArchiveDay(ctx, day.String()); err != nil {
			return fmt.Errorf("archive day %s: %w", day, err)
		}

		if _, err := w.closures.RequestClosure(ctx, day.String(), w.actor); err != nil {
			var concurrent *core.ConcurrencyError
			if errors.As(err, &concurrent) {
				slog.InfoContext(ctx, "Closure already in progress, deferring",
					"period_key", day.String(), "holder", concurrent.HolderID)
				return nil
			}
			return fmt.Errorf("close day %s: %w", day, err)
		}

		closed++
		day = day.Next()
	}

	if closed > 0 {
		slog.InfoContext(ctx, "Archive pass completed",
			"days_closed", closed, "next_day", day.String())
	}
	return nil
}

// firstCandidate is the day after the closure frontier, or yesterday
// on a fresh system with no closure history.
func (w *ArchiveWorker) firstCandidate(ctx context.Context) (period.Key, error) {
	status, err := w.status.GetClosureStatus(ctx)
	if err != nil {
		return period.Key{}, fmt.Errorf("load closure status: %w", err)
	}

	if status.LastClosedKey == "" {
		return period.DayOf(w.now().AddDate(0, 0, -1)), nil
	}

	last, err := period.Parse(status.LastClosedKey)
	if err != nil {
		return period.Key{}, fmt.Errorf("parse closure frontier %q: %w", status.LastClosedKey, err)
	}
	if last.Gran != period.Day {
		// Frontier moved by a manual week/month closure; resume from
		// the day after its end.
		return period.DayOf(last.End()), nil
	}
	return last.Next(), nil
}
