package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/ledger"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/period"
)

// ClosureScopeKey is the single lock scope serializing closures across
// the whole system. One closure at a time, regardless of period.
const ClosureScopeKey = "cloture"

// ClosureConfig bounds the archival retry loop inside a closure.
type ClosureConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

func DefaultClosureConfig() ClosureConfig {
	return ClosureConfig{
		MaxAttempts: 3,
		RetryDelay:  3 * time.Second,
	}
}

// ClosureCoordinator drives the Open -> Pending -> Closed state machine
// of a period. Mutual exclusion rests on the lock store's atomic
// acquisition; everything else here is sequencing and retry.
type ClosureCoordinator struct {
	archiver   *Archiver
	aggregator *Aggregator
	aggStore   ledger.AggregateStore
	locks      ledger.LockStore
	status     ledger.ClosureStore
	events     ledger.EventPublisher
	config     ClosureConfig
	now        func() time.Time
}

func NewClosureCoordinator(
	archiver *Archiver,
	aggregator *Aggregator,
	aggStore ledger.AggregateStore,
	locks ledger.LockStore,
	status ledger.ClosureStore,
	events ledger.EventPublisher,
	config ClosureConfig,
) *ClosureCoordinator {
	return &ClosureCoordinator{
		archiver:   archiver,
		aggregator: aggregator,
		aggStore:   aggStore,
		locks:      locks,
		status:     status,
		events:     events,
		config:     config,
		now:        time.Now,
	}
}

// RequestClosure locks the system, archives the period's days with
// bounded retries and advances the closed frontier. Concurrent callers
// lose the lock race and get a ConcurrencyError naming the holder.
func (c *ClosureCoordinator) RequestClosure(ctx context.Context, rawKey string, actor core.Actor) (core.ClosureStatus, error) {
	key, err := period.Parse(rawKey)
	if err != nil {
		return core.ClosureStatus{}, err
	}

	if !key.EligibleForClosure(c.now()) {
		return core.ClosureStatus{}, &core.ValidationError{
			Field:  "periodKey",
			Detail: fmt.Sprintf("period %s is not yet eligible for closure", key),
		}
	}

	stored, err := c.aggStore.GetAggregate(ctx, key.String())
	if err != nil {
		return core.ClosureStatus{}, fmt.Errorf("load aggregate %s: %w", key, err)
	}
	status, err := c.status.GetClosureStatus(ctx)
	if err != nil {
		return core.ClosureStatus{}, fmt.Errorf("load closure status: %w", err)
	}
	if stored != nil && stored.Closed {
		return status, nil
	}

	// Sequential closure: the frontier only ever advances to the
	// immediate successor within a granularity.
	if status.LastClosedKey != "" {
		last, err := period.Parse(status.LastClosedKey)
		if err != nil {
			return core.ClosureStatus{}, fmt.Errorf("stored closure frontier %q: %w", status.LastClosedKey, err)
		}
		if last.Gran == key.Gran && !key.IsSuccessorOf(last) {
			return core.ClosureStatus{}, &core.ValidationError{
				Field:  "periodKey",
				Detail: fmt.Sprintf("closure must advance sequentially, expected %s after %s", last.Next(), last),
			}
		}
	}

	lock := core.ClosureLock{
		ScopeKey:   ClosureScopeKey,
		PeriodKey:  key.String(),
		HolderID:   actor.ID,
		AcquiredAt: c.now(),
	}
	if err := c.locks.AcquireLock(ctx, lock); err != nil {
		return core.ClosureStatus{}, err
	}

	slog.InfoContext(ctx, "Closure pending",
		"period_key", key.String(), "actor", actor.ID)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		attempts = attempt
		lastErr = c.archivePeriod(ctx, key)
		if lastErr == nil {
			break
		}

		if err := c.locks.UpdateLockAttempt(ctx, ClosureScopeKey, attempt, lastErr.Error()); err != nil {
			slog.WarnContext(ctx, "Lock attempt update failed", "error", err)
		}
		slog.WarnContext(ctx, "Closure attempt failed",
			"period_key", key.String(),
			"attempt", attempt,
			"max_attempts", c.config.MaxAttempts,
			"error", lastErr)

		if attempt < c.config.MaxAttempts {
			if err := sleepCtx(ctx, c.config.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
	}

	if lastErr != nil {
		c.release(ctx, actor.ID)
		return core.ClosureStatus{}, &core.RetryExhaustedError{
			PeriodKey: key.String(),
			Attempts:  attempts,
			LastErr:   lastErr,
		}
	}

	if err := c.aggStore.SetAggregateClosed(ctx, key.String(), true); err != nil {
		c.release(ctx, actor.ID)
		return core.ClosureStatus{}, fmt.Errorf("mark aggregate closed: %w", err)
	}

	status = core.ClosureStatus{
		LastClosedKey: key.String(),
		LastClosedBy:  actor.ID,
		LastClosedAt:  c.now(),
	}
	if err := c.status.PutClosureStatus(ctx, status); err != nil {
		c.release(ctx, actor.ID)
		return core.ClosureStatus{}, fmt.Errorf("persist closure status: %w", err)
	}

	c.release(ctx, actor.ID)
	c.publish(ctx, core.ChangeEvent{Action: "cloture", PeriodKey: key.String(), Timestamp: c.now().UTC()})

	slog.InfoContext(ctx, "Period closed",
		"period_key", key.String(), "actor", actor.ID, "attempts", attempts)

	return status, nil
}

// Reopen resets a closed period back to Open. Privileged: the actor
// needs the elevated flag, and only the frontier period can reopen.
func (c *ClosureCoordinator) Reopen(ctx context.Context, rawKey string, actor core.Actor) (core.ClosureStatus, error) {
	if !actor.Elevated {
		return core.ClosureStatus{}, &core.AuthorizationError{ActorID: actor.ID, Action: "reopen period " + rawKey}
	}

	key, err := period.Parse(rawKey)
	if err != nil {
		return core.ClosureStatus{}, err
	}

	status, err := c.status.GetClosureStatus(ctx)
	if err != nil {
		return core.ClosureStatus{}, fmt.Errorf("load closure status: %w", err)
	}
	if status.LastClosedKey != key.String() {
		return core.ClosureStatus{}, &core.ValidationError{
			Field:  "periodKey",
			Detail: fmt.Sprintf("only the last closed period can reopen, frontier is %q", status.LastClosedKey),
		}
	}

	if err := c.aggStore.SetAggregateClosed(ctx, key.String(), false); err != nil {
		return core.ClosureStatus{}, fmt.Errorf("reset aggregate closed flag: %w", err)
	}

	status = core.ClosureStatus{
		LastClosedKey: key.Prev().String(),
		LastClosedBy:  actor.ID,
		LastClosedAt:  c.now(),
	}
	if err := c.status.PutClosureStatus(ctx, status); err != nil {
		return core.ClosureStatus{}, fmt.Errorf("persist closure status: %w", err)
	}

	c.publish(ctx, core.ChangeEvent{Action: "reouverture", PeriodKey: key.String(), Timestamp: c.now().UTC()})

	slog.InfoContext(ctx, "Period reopened",
		"period_key", key.String(), "actor", actor.ID)

	return status, nil
}

// archivePeriod archives every day the period covers, then persists
// the period's own aggregate. Day archival is idempotent, so retrying
// after a partial pass only redoes the missing days.
func (c *ClosureCoordinator) archivePeriod(ctx context.Context, key period.Key) error {
	for _, day := range key.Days() {
		if _, err := c.archiver.ArchiveDay(ctx, day.String()); err != nil {
			return err
		}
	}
	if key.Gran == period.Day {
		return nil
	}
	if _, err := c.aggregator.Aggregate(ctx, key.String()); err != nil {
		return err
	}
	return nil
}

func (c *ClosureCoordinator) release(ctx context.Context, holderID string) {
	if err := c.locks.ReleaseLock(ctx, ClosureScopeKey, holderID); err != nil {
		slog.ErrorContext(ctx, "Closure lock release failed",
			"holder", holderID, "error", err)
	}
}

func (c *ClosureCoordinator) publish(ctx context.Context, ev core.ChangeEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishChangeEvent(ctx, ev); err != nil {
		slog.WarnContext(ctx, "Change event publish failed",
			"action", ev.Action, "period_key", ev.PeriodKey, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
