package services

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/period"
)

// fakeLedger is an in-memory implementation of every ledger port,
// shared by the service tests. Failure injection goes through the
// archiveErr and putErr fields.
type fakeLedger struct {
	mu sync.Mutex

	ops        []core.OperationRecord
	treasury   core.TreasurySnapshot
	archived   map[string]bool
	aggregates map[string]core.PeriodAggregate
	status     core.ClosureStatus
	lock       *core.ClosureLock
	events     []core.ChangeEvent

	archiveErr  error
	archiveFail int // fail this many ArchiveDay calls, then succeed
	putErr      error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		archived:   make(map[string]bool),
		aggregates: make(map[string]core.PeriodAggregate),
	}
}

func (f *fakeLedger) addOp(date time.Time, accountRef string, amount float64, dir core.Direction, mode core.PaymentMode, motif string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, core.OperationRecord{
		ID:          "op-" + date.Format("20060102") + "-" + accountRef + "-" + motif,
		Date:        date,
		AccountRef:  accountRef,
		Amount:      decimal.NewFromFloat(amount),
		Direction:   dir,
		PaymentMode: mode,
		Motif:       motif,
	})
}

func (f *fakeLedger) OperationsForPeriod(_ context.Context, key period.Key) ([]core.OperationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.OperationRecord
	for _, op := range f.ops {
		if key.Contains(op.Date) {
			out = append(out, op)
		}
	}
	return out, nil
}

func (f *fakeLedger) TreasuryBalances(_ context.Context) (core.TreasurySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.treasury, nil
}

func (f *fakeLedger) ArchiveDay(_ context.Context, day period.Key, agg core.PeriodAggregate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archiveFail > 0 {
		f.archiveFail--
		return f.archiveErr
	}
	if f.archiveErr != nil {
		return f.archiveErr
	}
	f.archived[day.String()] = true
	f.aggregates[agg.PeriodKey] = agg
	return nil
}

func (f *fakeLedger) DayArchived(_ context.Context, day period.Key) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.archived[day.String()], nil
}

func (f *fakeLedger) GetAggregate(_ context.Context, key string) (*core.PeriodAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agg, ok := f.aggregates[key]
	if !ok {
		return nil, nil
	}
	return &agg, nil
}

func (f *fakeLedger) PutAggregate(_ context.Context, agg core.PeriodAggregate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	if prev, ok := f.aggregates[agg.PeriodKey]; ok {
		agg.Closed = prev.Closed
	}
	f.aggregates[agg.PeriodKey] = agg
	return nil
}

func (f *fakeLedger) SetAggregateClosed(_ context.Context, key string, closed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agg, ok := f.aggregates[key]
	if !ok {
		return &core.NotFoundError{Kind: "aggregate", Key: key}
	}
	agg.Closed = closed
	f.aggregates[key] = agg
	return nil
}

func (f *fakeLedger) GetClosureStatus(_ context.Context) (core.ClosureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeLedger) PutClosureStatus(_ context.Context, status core.ClosureStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	return nil
}

func (f *fakeLedger) AcquireLock(_ context.Context, lock core.ClosureLock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock != nil {
		return &core.ConcurrencyError{HolderID: f.lock.HolderID, PeriodKey: f.lock.PeriodKey}
	}
	f.lock = &lock
	return nil
}

func (f *fakeLedger) GetLock(_ context.Context, scopeKey string) (*core.ClosureLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock == nil || f.lock.ScopeKey != scopeKey {
		return nil, nil
	}
	lock := *f.lock
	return &lock, nil
}

func (f *fakeLedger) UpdateLockAttempt(_ context.Context, scopeKey string, attempt int, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock != nil && f.lock.ScopeKey == scopeKey {
		f.lock.AttemptCount = attempt
		f.lock.LastError = lastErr
	}
	return nil
}

func (f *fakeLedger) ReleaseLock(_ context.Context, scopeKey, holderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock != nil && f.lock.ScopeKey == scopeKey && f.lock.HolderID == holderID {
		f.lock = nil
	}
	return nil
}

func (f *fakeLedger) PublishChangeEvent(_ context.Context, ev core.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeLedger) eventActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := make([]string, len(f.events))
	for i, ev := range f.events {
		actions[i] = ev.Action
	}
	return actions
}

func (f *fakeLedger) putAggregate(key string, in, out float64, count int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inD := decimal.NewFromFloat(in)
	outD := decimal.NewFromFloat(out)
	f.aggregates[key] = core.PeriodAggregate{
		PeriodKey: key,
		Totals: core.Totals{
			In:  inD,
			Out: outD,
			Net: inD.Sub(outD),
		},
		OperationCount: count,
		Closed:         closed,
	}
}
