package ledger

import (
	"context"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/period"
)

// Ports for outbound adapters. The core components only ever talk to
// the ledger, the aggregate store and the event bus through these.
type (
	// OperationReader reads operation records over a period range,
	// spanning the mutable today bucket and the frozen history.
	OperationReader interface {
		OperationsForPeriod(ctx context.Context, key period.Key) ([]core.OperationRecord, error)
	}

	// OperationRecorder appends a validated operation to the today
	// bucket and returns its id.
	OperationRecorder interface {
		RecordOperation(ctx context.Context, op core.OperationRecord) (string, error)
	}

	// TreasuryReader returns the current balance per payment instrument.
	TreasuryReader interface {
		TreasuryBalances(ctx context.Context) (core.TreasurySnapshot, error)
	}

	// HistoryMover migrates a completed day out of the today bucket.
	// ArchiveDay moves the day's operations into history and persists
	// the day aggregate in a single transaction: both succeed or
	// neither does.
	HistoryMover interface {
		ArchiveDay(ctx context.Context, day period.Key, agg core.PeriodAggregate) error
		DayArchived(ctx context.Context, day period.Key) (bool, error)
	}

	// AggregateStore persists period aggregates.
	AggregateStore interface {
		// GetAggregate returns (nil, nil) when no aggregate exists.
		GetAggregate(ctx context.Context, key string) (*core.PeriodAggregate, error)
		PutAggregate(ctx context.Context, agg core.PeriodAggregate) error
		SetAggregateClosed(ctx context.Context, key string, closed bool) error
	}

	// ClosureStore persists the closed-period frontier.
	ClosureStore interface {
		GetClosureStatus(ctx context.Context) (core.ClosureStatus, error)
		PutClosureStatus(ctx context.Context, status core.ClosureStatus) error
	}

	// LockStore holds the global closure lock. AcquireLock is atomic:
	// it either installs the lock or returns *core.ConcurrencyError
	// describing the current holder, never both.
	LockStore interface {
		AcquireLock(ctx context.Context, lock core.ClosureLock) error
		// GetLock returns (nil, nil) when no live lock exists.
		GetLock(ctx context.Context, scopeKey string) (*core.ClosureLock, error)
		UpdateLockAttempt(ctx context.Context, scopeKey string, attempt int, lastErr string) error
		ReleaseLock(ctx context.Context, scopeKey, holderID string) error
	}

	// EventPublisher fans change notifications out to interested
	// collaborators. Fire and forget: the core never subscribes.
	EventPublisher interface {
		PublishChangeEvent(ctx context.Context, ev core.ChangeEvent) error
	}
)
