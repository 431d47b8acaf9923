package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/ledger"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/period"
)

// Archiver migrates completed days from the mutable today bucket into
// frozen per-day history and keeps the dependent aggregates current.
type Archiver struct {
	aggregator *Aggregator
	mover      ledger.HistoryMover
	store      ledger.AggregateStore
	events     ledger.EventPublisher
	now        func() time.Time
}

func NewArchiver(aggregator *Aggregator, mover ledger.HistoryMover, store ledger.AggregateStore, events ledger.EventPublisher) *Archiver {
	return &Archiver{
		aggregator: aggregator,
		mover:      mover,
		store:      store,
		events:     events,
		now:        time.Now,
	}
}

// ArchiveDay moves a day's operations into history and persists its
// aggregate, both inside the store's transaction. Re-invoking on an
// already-archived day returns the existing aggregate without touching
// the ledger.
func (ar *Archiver) ArchiveDay(ctx context.Context, rawDay string) (core.PeriodAggregate, error) {
	day, err := period.Parse(rawDay)
	if err != nil {
		return core.PeriodAggregate{}, err
	}
	if day.Gran != period.Day {
		return core.PeriodAggregate{}, &core.ValidationError{
			Field:  "periodKey",
			Detail: fmt.Sprintf("archival is day-level, got a %s key", day.Gran),
		}
	}
	// An unfinished day must stay mutable: freezing it would strand the
	// operations recorded after the move.
	if day.End().After(ar.now()) {
		return core.PeriodAggregate{}, &core.ValidationError{
			Field:  "periodKey",
			Detail: fmt.Sprintf("day %s has not ended yet", day),
		}
	}

	done, err := ar.mover.DayArchived(ctx, day)
	if err != nil {
		return core.PeriodAggregate{}, fmt.Errorf("check archived day %s: %w", day, err)
	}
	if done {
		stored, err := ar.store.GetAggregate(ctx, day.String())
		if err != nil {
			return core.PeriodAggregate{}, fmt.Errorf("load archived aggregate %s: %w", day, err)
		}
		if stored != nil {
			return *stored, nil
		}
		// Aggregate lost but history intact; recompute from history.
		return ar.aggregator.Aggregate(ctx, day.String())
	}

	agg, err := ar.aggregator.Compute(ctx, day)
	if err != nil {
		return core.PeriodAggregate{}, err
	}

	if err := ar.mover.ArchiveDay(ctx, day, agg); err != nil {
		return core.PeriodAggregate{}, fmt.Errorf("archive day %s: %w", day, err)
	}

	ar.publish(ctx, core.ChangeEvent{Action: "archive", PeriodKey: day.String(), Timestamp: time.Now().UTC()})
	ar.recomputeDependents(ctx, day)

	return agg, nil
}

// recomputeDependents refreshes the week, month and year aggregates
// containing the archived day. Best effort: they are derived views and
// any miss is repaired by the next aggregation.
func (ar *Archiver) recomputeDependents(ctx context.Context, day period.Key) {
	start := day.Start()
	dependents := []period.Key{
		period.WeekOf(start),
		period.MonthOf(start),
		period.YearOf(start),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, dep := range dependents {
		g.Go(func() error {
			if _, err := ar.aggregator.Aggregate(gctx, dep.String()); err != nil {
				return fmt.Errorf("recompute %s: %w", dep, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.WarnContext(ctx, "Dependent aggregate recomputation failed",
			"day", day.String(), "error", err)
	}
}

func (ar *Archiver) publish(ctx context.Context, ev core.ChangeEvent) {
	if ar.events == nil {
		return
	}
	if err := ar.events.PublishChangeEvent(ctx, ev); err != nil {
		// Fire and forget: a lost notification never blocks archival.
		slog.WarnContext(ctx, "Change event publish failed",
			"action", ev.Action, "period_key", ev.PeriodKey, "error", err)
	}
}
