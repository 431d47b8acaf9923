package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/ledger"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/period"
)

// ForecastScopeAll projects the whole activity instead of one account.
const ForecastScopeAll = "all"

// Forecast tuning constants. Named so the projection behavior stays
// auditable and testable in isolation.
const (
	MovingAverageWindow = 3
	SeasonalMinHistory  = 6
	ForecastBandSpread  = 0.10

	DefaultHistoryWindow = 12
)

// ForecastEngine projects future periods from historical monthly
// aggregates: a growth trend, a moving-average base and a seasonal
// index per calendar month, with pessimistic/optimistic bands.
type ForecastEngine struct {
	store ledger.AggregateStore
	now   func() time.Time
}

func NewForecastEngine(store ledger.AggregateStore) *ForecastEngine {
	return &ForecastEngine{store: store, now: time.Now}
}

// Forecast projects horizon future months for an account reference or
// for ForecastScopeAll. Thin history degrades to Available=false, never
// to an error: forecasts are advisory.
func (f *ForecastEngine) Forecast(ctx context.Context, scope string, horizon, window int) (core.ForecastResult, error) {
	if scope == "" {
		return core.ForecastResult{}, &core.ValidationError{Field: "accountRef", Detail: "empty forecast scope"}
	}
	if horizon <= 0 {
		return core.ForecastResult{}, &core.ValidationError{Field: "horizon", Detail: fmt.Sprintf("horizon must be positive, got %d", horizon)}
	}
	if window <= 0 {
		window = DefaultHistoryWindow
	}

	hist, err := f.loadHistory(ctx, window)
	if err != nil {
		return core.ForecastResult{}, err
	}

	result := core.ForecastResult{Scope: scope, Horizon: horizon}

	if scope != ForecastScopeAll {
		series := historySeries(hist, func(agg *core.PeriodAggregate) float64 {
			return accountAmount(agg, scope)
		})
		if len(series.values) == 0 {
			result.Reason = "historique insuffisant"
			return result, nil
		}
		result.Available = true
		result.Points = f.project(series, horizon)
		return result, nil
	}

	inSeries := historySeries(hist, func(agg *core.PeriodAggregate) float64 {
		return agg.Totals.In.InexactFloat64()
	})
	outSeries := historySeries(hist, func(agg *core.PeriodAggregate) float64 {
		return agg.Totals.Out.InexactFloat64()
	})
	netSeries := historySeries(hist, func(agg *core.PeriodAggregate) float64 {
		return agg.Totals.Net.InexactFloat64()
	})
	if len(inSeries.values) == 0 && len(outSeries.values) == 0 {
		result.Reason = "historique insuffisant"
		return result, nil
	}

	result.Available = true
	result.In = f.project(inSeries, horizon)
	result.Out = f.project(outSeries, horizon)

	// Net is derived by summing the directional lines per step, then
	// banded like any other predicted value.
	netTrend := Trend(netSeries.values)
	seasonal := SeasonalIndex(netSeries.values, netSeries.months)
	result.Points = make([]core.ForecastPoint, horizon)
	for i := 0; i < horizon; i++ {
		predicted := result.In[i].Predicted - result.Out[i].Predicted
		result.Points[i] = core.ForecastPoint{
			PeriodKey:      result.In[i].PeriodKey,
			Predicted:      predicted,
			Pessimistic:    predicted * (1 - ForecastBandSpread),
			Optimistic:     predicted * (1 + ForecastBandSpread),
			GrowthRate:     netTrend,
			SeasonalFactor: seasonalFactor(seasonal, futureMonth(f.currentMonth(), i+1)),
		}
	}

	return result, nil
}

// Trend returns the average period-over-period relative growth of the
// series, or 0 when fewer than 2 non-zero points exist. Pairs with a
// zero base are skipped.
func Trend(history []float64) float64 {
	nonZero := 0
	for _, v := range history {
		if v != 0 {
			nonZero++
		}
	}
	if nonZero < 2 {
		return 0
	}

	sum := 0.0
	pairs := 0
	for i := 1; i < len(history); i++ {
		if history[i-1] == 0 {
			continue
		}
		sum += (history[i] - history[i-1]) / history[i-1]
		pairs++
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

// MovingAverage returns the mean of the last window points, or of the
// whole series when it is shorter than the window.
func MovingAverage(history []float64, window int) float64 {
	if len(history) == 0 || window <= 0 {
		return 0
	}
	start := len(history) - window
	if start < 0 {
		start = 0
	}
	sum := 0.0
	for _, v := range history[start:] {
		sum += v
	}
	return sum / float64(len(history)-start)
}

// SeasonalIndex computes mean(month group)/mean(all) per calendar
// month. Below SeasonalMinHistory points every index stays neutral.
func SeasonalIndex(values []float64, months []time.Month) map[time.Month]float64 {
	index := make(map[time.Month]float64, 12)
	for m := time.January; m <= time.December; m++ {
		index[m] = 1
	}
	if len(values) < SeasonalMinHistory || len(values) != len(months) {
		return index
	}

	total := 0.0
	for _, v := range values {
		total += v
	}
	overall := total / float64(len(values))
	if overall == 0 {
		return index
	}

	sums := make(map[time.Month]float64)
	counts := make(map[time.Month]int)
	for i, v := range values {
		sums[months[i]] += v
		counts[months[i]]++
	}
	for m, n := range counts {
		index[m] = (sums[m] / float64(n)) / overall
	}
	return index
}

type monthlySeries struct {
	values []float64
	months []time.Month
}

// project runs the projection formula over one series: for step i,
// movingAverage * (1+trend)^(i+1) * seasonal[target month], banded
// ±10%. The moving average trails the last observation by one period,
// so every step compounds one extra growth factor to catch up.
func (f *ForecastEngine) project(series monthlySeries, horizon int) []core.ForecastPoint {
	base := MovingAverage(series.values, MovingAverageWindow)
	tr := Trend(series.values)
	seasonal := SeasonalIndex(series.values, series.months)
	current := f.currentMonth()

	points := make([]core.ForecastPoint, horizon)
	for i := 1; i <= horizon; i++ {
		target := futureMonth(current, i)
		factor := seasonalFactor(seasonal, target)
		predicted := base * math.Pow(1+tr, float64(i+1)) * factor
		points[i-1] = core.ForecastPoint{
			PeriodKey:      monthKeyAt(current, i).String(),
			Predicted:      predicted,
			Pessimistic:    predicted * (1 - ForecastBandSpread),
			Optimistic:     predicted * (1 + ForecastBandSpread),
			GrowthRate:     tr,
			SeasonalFactor: factor,
		}
	}
	return points
}

type historyPoint struct {
	key period.Key
	agg *core.PeriodAggregate
}

// loadHistory collects the stored monthly aggregates of the trailing
// window, oldest first. Months never aggregated simply do not
// contribute a point.
func (f *ForecastEngine) loadHistory(ctx context.Context, window int) ([]historyPoint, error) {
	current := f.currentMonth()

	keys := make([]period.Key, 0, window)
	k := current
	for i := 0; i < window; i++ {
		k = k.Prev()
		keys = append(keys, k)
	}

	hist := make([]historyPoint, 0, window)
	for i := len(keys) - 1; i >= 0; i-- {
		agg, err := f.store.GetAggregate(ctx, keys[i].String())
		if err != nil {
			return nil, fmt.Errorf("load history aggregate %s: %w", keys[i], err)
		}
		if agg == nil {
			continue
		}
		hist = append(hist, historyPoint{key: keys[i], agg: agg})
	}
	return hist, nil
}

func (f *ForecastEngine) currentMonth() period.Key {
	return period.MonthOf(f.now())
}

func historySeries(hist []historyPoint, value func(*core.PeriodAggregate) float64) monthlySeries {
	var s monthlySeries
	for _, p := range hist {
		s.values = append(s.values, value(p.agg))
		s.months = append(s.months, p.key.Month)
	}
	return s
}

func seasonalFactor(index map[time.Month]float64, m time.Month) float64 {
	if f, ok := index[m]; ok {
		return f
	}
	return 1
}

func monthKeyAt(current period.Key, offset int) period.Key {
	return period.MonthOf(current.Start().AddDate(0, offset, 0))
}

func futureMonth(current period.Key, offset int) time.Month {
	return monthKeyAt(current, offset).Month
}

// accountAmount sums the aggregate's per-account lines matching ref,
// across directions.
func accountAmount(agg *core.PeriodAggregate, ref string) float64 {
	total := 0.0
	for _, line := range agg.PerAccount {
		if line.AccountRef == ref {
			total += line.Total.InexactFloat64()
		}
	}
	return total
}
