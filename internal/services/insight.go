package services

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/ledger"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/period"
)

// Thresholds driving the insight rules and anomaly grading.
const (
	CostRatioHealthy  = 50.0
	CostRatioCritical = 80.0

	TreasuryDaysComfort  = 90.0
	TreasuryDaysCritical = 15.0

	// TreasuryRunwayDivisor normalizes any period's outflow to a daily
	// burn rate over a standard month, so runways stay comparable
	// across day, week, month and year reports.
	TreasuryRunwayDivisor = 30.0

	TrendSignificance = 0.05

	AnomalyMediumDeviation = 0.2
	AnomalyHighDeviation   = 0.3
)

// InsightEngine derives ratios, findings and the health score from
// period aggregates. Every output is a derived view recomputed on
// demand; nothing here writes to the store.
type InsightEngine struct {
	aggregator *Aggregator
	store      ledger.AggregateStore
}

func NewInsightEngine(aggregator *Aggregator, store ledger.AggregateStore) *InsightEngine {
	return &InsightEngine{aggregator: aggregator, store: store}
}

// ComputeInsights analyzes one period: margin, cost ratio, treasury
// runway, revenue trend, and the rule-driven findings built on them.
func (e *InsightEngine) ComputeInsights(ctx context.Context, rawKey string) (core.InsightReport, error) {
	key, err := period.Parse(rawKey)
	if err != nil {
		return core.InsightReport{}, err
	}

	agg, err := e.loadAggregate(ctx, key)
	if err != nil {
		return core.InsightReport{}, err
	}

	report := core.InsightReport{PeriodKey: key.String()}
	if agg.OperationCount == 0 {
		report.Reason = "aucune operation sur la periode"
		return report, nil
	}
	report.Available = true

	in := agg.Totals.In.InexactFloat64()
	out := agg.Totals.Out.InexactFloat64()
	report.Margin = marginPct(in, out)
	report.CostRatio = costRatioPct(in, out)
	report.TreasuryDays = treasuryDays(agg)

	e.applyCostRules(&report, in)
	e.applyTreasuryRules(&report, out)
	if err := e.applyTrendRules(ctx, &report, key, in); err != nil {
		return core.InsightReport{}, err
	}

	return report, nil
}

// loadAggregate serves reports from the aggregator's short-lived cache
// when possible. Insight views are derived, so a few minutes of
// staleness only delays a finding, never corrupts one.
func (e *InsightEngine) loadAggregate(ctx context.Context, key period.Key) (core.PeriodAggregate, error) {
	if agg, ok := e.aggregator.Cached(key.String()); ok {
		return agg, nil
	}
	return e.aggregator.Aggregate(ctx, key.String())
}

// applyCostRules grades the cost structure. The favorable branch needs
// actual revenue: a pure-outflow period has a zero cost ratio only
// because the ratio is undefined, not because costs are under control.
func (e *InsightEngine) applyCostRules(report *core.InsightReport, in float64) {
	switch {
	case report.CostRatio > CostRatioCritical:
		report.Alerts = append(report.Alerts, core.Alert{
			Category:      "couts",
			Severity:      core.SeverityHigh,
			Message:       fmt.Sprintf("Les charges absorbent %.1f%% des recettes", report.CostRatio),
			RelatedMetric: "cost_ratio",
			Value:         report.CostRatio,
		})
		report.Recommendations = append(report.Recommendations, core.Recommendation{
			Category: "couts",
			Priority: core.SeverityHigh,
			Message:  "Reduire les charges ou augmenter les recettes",
			Actions: []string{
				"Passer en revue les comptes de charges les plus lourds",
				"Renegocier les postes recurrents",
			},
		})
	case report.CostRatio < CostRatioHealthy && in > 0:
		report.Insights = append(report.Insights, core.Insight{
			Category:      "couts",
			Message:       fmt.Sprintf("Structure de couts saine: %.1f%% des recettes", report.CostRatio),
			RelatedMetric: "cost_ratio",
			Value:         report.CostRatio,
		})
	}

	if report.Margin < 0 {
		report.Alerts = append(report.Alerts, core.Alert{
			Category:      "marge",
			Severity:      core.SeverityUrgent,
			Message:       fmt.Sprintf("Marge negative: %.1f%%", report.Margin),
			RelatedMetric: "margin",
			Value:         report.Margin,
		})
		report.Recommendations = append(report.Recommendations, core.Recommendation{
			Category: "marge",
			Priority: core.SeverityUrgent,
			Message:  "La periode est deficitaire",
			Actions: []string{
				"Identifier les sorties exceptionnelles",
				"Geler les depenses non essentielles",
			},
		})
	}
}

// applyTreasuryRules needs an outflow baseline to project a runway;
// with zero outflow the runway is undefined and the rules are skipped.
func (e *InsightEngine) applyTreasuryRules(report *core.InsightReport, out float64) {
	if out == 0 {
		return
	}
	switch {
	case report.TreasuryDays < TreasuryDaysCritical:
		report.Alerts = append(report.Alerts, core.Alert{
			Category:      "tresorerie",
			Severity:      core.SeverityUrgent,
			Message:       fmt.Sprintf("Tresorerie critique: %.0f jours de couverture", report.TreasuryDays),
			RelatedMetric: "treasury_days",
			Value:         report.TreasuryDays,
		})
		report.Recommendations = append(report.Recommendations, core.Recommendation{
			Category: "tresorerie",
			Priority: core.SeverityUrgent,
			Message:  "Securiser la tresorerie immediatement",
			Actions: []string{
				"Accelerer les encaissements en attente",
				"Differer les sorties non urgentes",
			},
		})
	case report.TreasuryDays >= TreasuryDaysComfort:
		report.Insights = append(report.Insights, core.Insight{
			Category:      "tresorerie",
			Message:       fmt.Sprintf("Tresorerie confortable: %.0f jours de couverture", report.TreasuryDays),
			RelatedMetric: "treasury_days",
			Value:         report.TreasuryDays,
		})
	}
}

// applyTrendRules compares revenue against the two preceding periods of
// the same granularity. Periods without a stored aggregate drop out of
// the comparison.
func (e *InsightEngine) applyTrendRules(ctx context.Context, report *core.InsightReport, key period.Key, in float64) error {
	values := []float64{in}
	prev := key
	for i := 0; i < 2; i++ {
		prev = prev.Prev()
		agg, err := e.store.GetAggregate(ctx, prev.String())
		if err != nil {
			return fmt.Errorf("load trend aggregate %s: %w", prev, err)
		}
		if agg == nil {
			break
		}
		values = append([]float64{agg.Totals.In.InexactFloat64()}, values...)
	}
	if len(values) < 2 {
		return nil
	}

	growth := Trend(values)
	switch {
	case growth > TrendSignificance:
		report.Insights = append(report.Insights, core.Insight{
			Category:      "croissance",
			Message:       fmt.Sprintf("Recettes en hausse de %.1f%% sur les dernieres periodes", growth*100),
			RelatedMetric: "revenue_growth",
			Value:         growth,
		})
	case growth < -TrendSignificance:
		report.Alerts = append(report.Alerts, core.Alert{
			Category:      "croissance",
			Severity:      core.SeverityMedium,
			Message:       fmt.Sprintf("Recettes en baisse de %.1f%% sur les dernieres periodes", -growth*100),
			RelatedMetric: "revenue_growth",
			Value:         growth,
		})
		report.Recommendations = append(report.Recommendations, core.Recommendation{
			Category: "croissance",
			Priority: core.SeverityMedium,
			Message:  "Relancer l'activite",
			Actions: []string{
				"Comparer les recettes par compte avec la periode precedente",
			},
		})
	}
	return nil
}

// ComputeHealthScore grades a period on four weighted criteria totaling
// 100 points: margin, treasury runway, cost ratio and activity volume.
func (e *InsightEngine) ComputeHealthScore(ctx context.Context, rawKey string) (core.HealthScore, error) {
	key, err := period.Parse(rawKey)
	if err != nil {
		return core.HealthScore{}, err
	}

	agg, err := e.loadAggregate(ctx, key)
	if err != nil {
		return core.HealthScore{}, err
	}

	in := agg.Totals.In.InexactFloat64()
	out := agg.Totals.Out.InexactFloat64()

	score := core.HealthScore{
		PeriodKey: key.String(),
		Criteria: []core.ScoreCriterion{
			{Name: "marge", Points: marginPoints(marginPct(in, out)), Max: 30},
			{Name: "tresorerie", Points: treasuryPoints(treasuryDays(agg)), Max: 30},
			{Name: "couts", Points: costPoints(costRatioPct(in, out)), Max: 20},
			{Name: "activite", Points: activityPoints(agg.OperationCount), Max: 20},
		},
	}
	for _, c := range score.Criteria {
		score.Score += c.Points
	}
	score.Label = scoreLabel(score.Score)

	return score, nil
}

// DetectAnomalies compares a forecast set against the realized
// aggregate of the same period. Pure function: both inputs arrive
// precomputed, so it is trivially testable and replayable.
func DetectAnomalies(set core.ForecastSet, realized core.PeriodAggregate) []core.Anomaly {
	var anomalies []core.Anomaly

	if a, ok := gradeDeviation("all", set.PeriodKey, set.Total.Predicted, realized.Totals.Net.InexactFloat64()); ok {
		anomalies = append(anomalies, a)
	}

	for _, af := range set.PerAccount {
		if a, ok := gradeDeviation(af.AccountRef, set.PeriodKey, af.Point.Predicted, accountAmount(&realized, af.AccountRef)); ok {
			anomalies = append(anomalies, a)
		}
	}

	sort.Slice(anomalies, func(i, j int) bool {
		if anomalies[i].Severity != anomalies[j].Severity {
			return anomalies[i].Severity == core.SeverityHigh
		}
		return anomalies[i].Deviation > anomalies[j].Deviation
	})
	return anomalies
}

func gradeDeviation(scope, periodKey string, predicted, realized float64) (core.Anomaly, bool) {
	if predicted == 0 {
		return core.Anomaly{}, false
	}
	deviation := math.Abs(realized-predicted) / math.Abs(predicted)
	if deviation <= AnomalyMediumDeviation {
		return core.Anomaly{}, false
	}
	severity := core.SeverityMedium
	if deviation > AnomalyHighDeviation {
		severity = core.SeverityHigh
	}
	return core.Anomaly{
		Scope:     scope,
		PeriodKey: periodKey,
		Predicted: predicted,
		Realized:  realized,
		Deviation: deviation,
		Severity:  severity,
	}, true
}

func marginPct(in, out float64) float64 {
	if in == 0 {
		return 0
	}
	return (in - out) / in * 100
}

func costRatioPct(in, out float64) float64 {
	if in == 0 {
		return 0
	}
	return out / in * 100
}

// treasuryDays projects the runway: current treasury divided by the
// period's outflow spread over a standard 30-day month.
func treasuryDays(agg core.PeriodAggregate) float64 {
	out := agg.Totals.Out.InexactFloat64()
	if out == 0 {
		return 0
	}
	return agg.Treasury.Total().InexactFloat64() / (out / TreasuryRunwayDivisor)
}

func marginPoints(margin float64) int {
	switch {
	case margin >= 20:
		return 30
	case margin >= 10:
		return 20
	case margin >= 0:
		return 10
	default:
		return 0
	}
}

func treasuryPoints(days float64) int {
	switch {
	case days >= 60:
		return 30
	case days >= 30:
		return 20
	case days >= 15:
		return 10
	default:
		return 0
	}
}

func costPoints(ratio float64) int {
	switch {
	case ratio <= 60:
		return 20
	case ratio <= 75:
		return 14
	case ratio <= 85:
		return 7
	default:
		return 0
	}
}

func activityPoints(count int) int {
	switch {
	case count >= 100:
		return 20
	case count >= 50:
		return 14
	case count >= 20:
		return 7
	default:
		return 0
	}
}

func scoreLabel(score int) string {
	switch {
	case score >= 85:
		return "Excellent"
	case score >= 70:
		return "Bon"
	case score >= 50:
		return "Moyen"
	default:
		return "Fragile"
	}
}
