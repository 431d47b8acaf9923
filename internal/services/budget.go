package services

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/ledger"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/period"
)

// Budget suggestion tuning. CV is the coefficient of variation in
// percent; the thresholds pick the suggestion strategy.
const (
	BudgetHistoryWindow  = 3
	BudgetCVLow          = 20.0
	BudgetCVMedium       = 40.0
	BudgetTrendThreshold = 0.15
	MotifTopN            = 5
)

// Suggestion strategies, from most to least confident.
const (
	StrategyMean        = "moyenne"
	StrategyMeanPlus    = "moyenne_majoree"
	StrategyMaximumPlus = "maximum_majore"
)

// BudgetAdvisor proposes budget envelopes from spending history and
// explains realized amounts by operation motif.
type BudgetAdvisor struct {
	store ledger.AggregateStore
	ops   ledger.OperationReader
}

func NewBudgetAdvisor(store ledger.AggregateStore, ops ledger.OperationReader) *BudgetAdvisor {
	return &BudgetAdvisor{store: store, ops: ops}
}

// SuggestBudget proposes an envelope for one account on the target
// period, from the BudgetHistoryWindow preceding periods of the same
// granularity. Periods without activity count as zero.
func (b *BudgetAdvisor) SuggestBudget(ctx context.Context, accountRef, targetPeriod string) (core.BudgetSuggestion, error) {
	if accountRef == "" {
		return core.BudgetSuggestion{}, &core.ValidationError{Field: "accountRef", Detail: "empty account reference"}
	}
	key, err := period.Parse(targetPeriod)
	if err != nil {
		return core.BudgetSuggestion{}, err
	}

	history := make([]float64, BudgetHistoryWindow)
	prev := key
	for i := BudgetHistoryWindow - 1; i >= 0; i-- {
		prev = prev.Prev()
		agg, err := b.store.GetAggregate(ctx, prev.String())
		if err != nil {
			return core.BudgetSuggestion{}, fmt.Errorf("load budget history %s: %w", prev, err)
		}
		if agg != nil {
			history[i] = accountAmount(agg, accountRef)
		}
	}

	suggestion := core.BudgetSuggestion{
		AccountRef:   accountRef,
		TargetPeriod: key.String(),
	}

	mean, stddev := meanStdDev(history)
	if mean == 0 {
		suggestion.Reason = "aucun historique pour ce compte"
		return suggestion, nil
	}

	suggestion.Available = true
	suggestion.Mean = mean
	suggestion.StdDev = stddev
	suggestion.CV = stddev / mean * 100
	suggestion.Trend = budgetTrend(history)

	switch {
	case suggestion.CV < BudgetCVLow:
		suggestion.Strategy = StrategyMean
		suggestion.Confidence = core.ConfidenceHigh
		suggestion.Suggested = decimal.NewFromFloat(mean)
	case suggestion.CV < BudgetCVMedium:
		suggestion.Strategy = StrategyMeanPlus
		suggestion.Confidence = core.ConfidenceMedium
		suggestion.Suggested = decimal.NewFromFloat(mean * 1.10)
	default:
		suggestion.Strategy = StrategyMaximumPlus
		suggestion.Confidence = core.ConfidenceLow
		suggestion.Suggested = decimal.NewFromFloat(maxOf(history) * 1.15)
	}
	suggestion.Suggested = suggestion.Suggested.Round(2)

	return suggestion, nil
}

// AnalyzeMotifs breaks an account's operations on a period down by
// motif, verbatim: "Achat riz" and "achat riz" stay separate groups.
func (b *BudgetAdvisor) AnalyzeMotifs(ctx context.Context, accountRef, rawKey string) (core.MotifAnalysis, error) {
	if accountRef == "" {
		return core.MotifAnalysis{}, &core.ValidationError{Field: "accountRef", Detail: "empty account reference"}
	}
	key, err := period.Parse(rawKey)
	if err != nil {
		return core.MotifAnalysis{}, err
	}

	ops, err := b.ops.OperationsForPeriod(ctx, key)
	if err != nil {
		return core.MotifAnalysis{}, fmt.Errorf("read operations for %s: %w", key, err)
	}

	analysis := core.MotifAnalysis{
		AccountRef: accountRef,
		PeriodKey:  key.String(),
	}

	groups := make(map[string]*core.MotifStat)
	totalCount := 0
	totalAmount := decimal.Zero
	for _, op := range ops {
		if op.AccountRef != accountRef {
			continue
		}
		stat, ok := groups[op.Motif]
		if !ok {
			stat = &core.MotifStat{Motif: op.Motif, Total: decimal.Zero}
			groups[op.Motif] = stat
		}
		stat.Count++
		stat.Total = stat.Total.Add(op.Amount)
		totalCount++
		totalAmount = totalAmount.Add(op.Amount)
	}
	if totalCount == 0 {
		analysis.Reason = "aucune operation pour ce compte sur la periode"
		return analysis, nil
	}
	analysis.Available = true

	stats := make([]core.MotifStat, 0, len(groups))
	for _, stat := range groups {
		stat.Average = stat.Total.Div(decimal.NewFromInt(int64(stat.Count))).Round(2)
		stat.CountShare = float64(stat.Count) / float64(totalCount) * 100
		if !totalAmount.IsZero() {
			stat.AmountShare = stat.Total.Div(totalAmount).InexactFloat64() * 100
		}
		stats = append(stats, *stat)
	}

	analysis.TopByCount = topMotifs(stats, func(a, b core.MotifStat) bool {
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Motif < b.Motif
	})
	analysis.TopByAmount = topMotifs(stats, func(a, b core.MotifStat) bool {
		if cmp := a.Total.Cmp(b.Total); cmp != 0 {
			return cmp > 0
		}
		return a.Motif < b.Motif
	})

	return analysis, nil
}

// VarianceLines compares planned envelopes against realized totals for
// one period. Accounts present in the ledger but absent from the plan
// get a zero-planned line so overruns never hide.
func (b *BudgetAdvisor) VarianceLines(ctx context.Context, rawKey string, planned map[string]decimal.Decimal) ([]core.BudgetLine, error) {
	key, err := period.Parse(rawKey)
	if err != nil {
		return nil, err
	}

	agg, err := b.store.GetAggregate(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("load aggregate %s: %w", key, err)
	}

	realized := make(map[string]decimal.Decimal)
	if agg != nil {
		for _, line := range agg.PerAccount {
			realized[line.AccountRef] = realized[line.AccountRef].Add(line.Total)
		}
	}

	refs := make(map[string]struct{}, len(planned)+len(realized))
	for ref := range planned {
		refs[ref] = struct{}{}
	}
	for ref := range realized {
		refs[ref] = struct{}{}
	}

	lines := make([]core.BudgetLine, 0, len(refs))
	for ref := range refs {
		lines = append(lines, core.NewBudgetLine(ref, planned[ref], realized[ref]))
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].AccountRef < lines[j].AccountRef
	})
	return lines, nil
}

func topMotifs(stats []core.MotifStat, less func(a, b core.MotifStat) bool) []core.MotifStat {
	sorted := make([]core.MotifStat, len(stats))
	copy(sorted, stats)
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if len(sorted) > MotifTopN {
		sorted = sorted[:MotifTopN]
	}
	return sorted
}

// budgetTrend averages the two period-over-period deltas and grades
// them against the trend threshold.
func budgetTrend(history []float64) string {
	growth := Trend(history)
	switch {
	case growth > BudgetTrendThreshold:
		return core.TrendUp
	case growth < -BudgetTrendThreshold:
		return core.TrendDown
	default:
		return core.TrendStable
	}
}

// meanStdDev is the population standard deviation over the window.
func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}

func maxOf(values []float64) float64 {
	max := 0.0
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}
