package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/cache"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/ledger"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/period"
)

const (
	aggregateCacheSize = 256
	aggregateCacheTTL  = 5 * time.Minute
)

// Aggregator computes period summaries from the operation ledger.
// Aggregation is a pure function of ledger state: the same ledger
// yields the same aggregate, so recomputation is always safe.
type Aggregator struct {
	ops      ledger.OperationReader
	treasury ledger.TreasuryReader
	store    ledger.AggregateStore
	cache    *cache.LRU[core.PeriodAggregate]
}

func NewAggregator(ops ledger.OperationReader, treasury ledger.TreasuryReader, store ledger.AggregateStore) *Aggregator {
	return &Aggregator{
		ops:      ops,
		treasury: treasury,
		store:    store,
		cache:    cache.NewLRU[core.PeriodAggregate](aggregateCacheSize, aggregateCacheTTL),
	}
}

// Aggregate computes, persists and returns the summary for a period
// key. Closed periods are served from the store untouched; open periods
// are recomputed and overwrite both the store and the cache.
func (a *Aggregator) Aggregate(ctx context.Context, rawKey string) (core.PeriodAggregate, error) {
	key, err := period.Parse(rawKey)
	if err != nil {
		return core.PeriodAggregate{}, err
	}

	stored, err := a.store.GetAggregate(ctx, key.String())
	if err != nil {
		return core.PeriodAggregate{}, fmt.Errorf("load aggregate %s: %w", key, err)
	}
	if stored != nil && stored.Closed {
		return *stored, nil
	}

	agg, err := a.Compute(ctx, key)
	if err != nil {
		return core.PeriodAggregate{}, err
	}

	if err := a.store.PutAggregate(ctx, agg); err != nil {
		return core.PeriodAggregate{}, fmt.Errorf("persist aggregate %s: %w", key, err)
	}
	a.cache.Set(key.String(), agg)

	slog.DebugContext(ctx, "Aggregate recomputed",
		"period_key", key.String(),
		"operations", agg.OperationCount,
		"net", agg.Totals.Net.String())

	return agg, nil
}

// Compute builds the aggregate without persisting anything. The
// archival transaction persists the result itself, so computation and
// storage stay separable.
func (a *Aggregator) Compute(ctx context.Context, key period.Key) (core.PeriodAggregate, error) {
	ops, err := a.ops.OperationsForPeriod(ctx, key)
	if err != nil {
		return core.PeriodAggregate{}, fmt.Errorf("read operations for %s: %w", key, err)
	}

	snap, err := a.treasury.TreasuryBalances(ctx)
	if err != nil {
		return core.PeriodAggregate{}, fmt.Errorf("read treasury balances: %w", err)
	}

	return buildAggregate(key, ops, snap), nil
}

// Cached returns the last aggregate computed for the key, if still
// fresh. Derived view only; callers fall back to Aggregate.
func (a *Aggregator) Cached(rawKey string) (core.PeriodAggregate, bool) {
	return a.cache.Get(rawKey)
}

// buildAggregate is the pure summation step: totals per direction,
// per-account breakdown in stable order, treasury snapshot attached.
func buildAggregate(key period.Key, ops []core.OperationRecord, snap core.TreasurySnapshot) core.PeriodAggregate {
	agg := core.PeriodAggregate{
		PeriodKey:      key.String(),
		Treasury:       snap,
		OperationCount: len(ops),
	}

	byAccount := make(map[string]*core.AccountTotal)
	for _, op := range ops {
		switch op.Direction {
		case core.In:
			agg.Totals.In = agg.Totals.In.Add(op.Amount)
		case core.Out:
			agg.Totals.Out = agg.Totals.Out.Add(op.Amount)
		}

		k := op.AccountRef + "|" + string(op.Direction)
		line, ok := byAccount[k]
		if !ok {
			line = &core.AccountTotal{AccountRef: op.AccountRef, Direction: op.Direction, Total: decimal.Zero}
			byAccount[k] = line
		}
		line.Total = line.Total.Add(op.Amount)
		line.Count++
	}

	agg.Totals.Net = agg.Totals.In.Sub(agg.Totals.Out)

	agg.PerAccount = make([]core.AccountTotal, 0, len(byAccount))
	for _, line := range byAccount {
		agg.PerAccount = append(agg.PerAccount, *line)
	}
	sort.Slice(agg.PerAccount, func(i, j int) bool {
		if agg.PerAccount[i].AccountRef != agg.PerAccount[j].AccountRef {
			return agg.PerAccount[i].AccountRef < agg.PerAccount[j].AccountRef
		}
		return agg.PerAccount[i].Direction < agg.PerAccount[j].Direction
	})

	return agg
}
