package core

import "github.com/shopspring/decimal"

// Severity levels shared by alerts, anomalies and recommendations.
const (
	SeverityLow    Severity = "faible"
	SeverityMedium Severity = "moyenne"
	SeverityHigh   Severity = "haute"
	SeverityUrgent Severity = "urgente"
)

// Trend flags attached to budget suggestions.
const (
	TrendUp     = "hausse"
	TrendDown   = "baisse"
	TrendStable = "stable"
)

// Confidence levels attached to budget suggestions.
const (
	ConfidenceHigh   = "haute"
	ConfidenceMedium = "moyenne"
	ConfidenceLow    = "basse"
)

type (
	Severity string

	// ForecastPoint is one projected future period with its scenario band.
	ForecastPoint struct {
		PeriodKey      string  `json:"period_key"`
		Predicted      float64 `json:"predicted"`
		Pessimistic    float64 `json:"pessimistic"`
		Optimistic     float64 `json:"optimistic"`
		GrowthRate     float64 `json:"growth_rate"`
		SeasonalFactor float64 `json:"seasonal_factor"`
	}

	// ForecastResult is the full projection for one scope. Derived view,
	// never persisted. Available is false when history is too thin; the
	// engines degrade instead of failing.
	ForecastResult struct {
		Available bool            `json:"available"`
		Reason    string          `json:"reason,omitempty"`
		Scope     string          `json:"scope"`
		Horizon   int             `json:"horizon"`
		Points    []ForecastPoint `json:"points,omitempty"`
		// In and Out are populated for scope "all", where Points carries
		// the derived net line.
		In  []ForecastPoint `json:"in,omitempty"`
		Out []ForecastPoint `json:"out,omitempty"`
	}

	// AccountForecast pairs an account with its projection for one period.
	AccountForecast struct {
		AccountRef string        `json:"account_ref"`
		Point      ForecastPoint `json:"point"`
	}

	// ForecastSet is the per-period input of anomaly detection: the total
	// projection plus per-account lines.
	ForecastSet struct {
		PeriodKey  string            `json:"period_key"`
		Total      ForecastPoint     `json:"total"`
		PerAccount []AccountForecast `json:"per_account,omitempty"`
	}

	// Insight is a favorable finding derived from a period's ratios.
	Insight struct {
		Category      string  `json:"category"`
		Message       string  `json:"message"`
		RelatedMetric string  `json:"related_metric"`
		Value         float64 `json:"value"`
	}

	// Alert is an unfavorable finding with a severity.
	Alert struct {
		Category      string   `json:"category"`
		Severity      Severity `json:"severity"`
		Message       string   `json:"message"`
		RelatedMetric string   `json:"related_metric"`
		Value         float64  `json:"value"`
	}

	// Recommendation pairs suggested actions to an alert category.
	Recommendation struct {
		Category string   `json:"category"`
		Priority Severity `json:"priority"`
		Message  string   `json:"message"`
		Actions  []string `json:"actions"`
	}

	// InsightReport bundles ratios and findings for one period.
	InsightReport struct {
		PeriodKey       string           `json:"period_key"`
		Available       bool             `json:"available"`
		Reason          string           `json:"reason,omitempty"`
		Margin          float64          `json:"margin"`
		CostRatio       float64          `json:"cost_ratio"`
		TreasuryDays    float64          `json:"treasury_days"`
		Insights        []Insight        `json:"insights,omitempty"`
		Alerts          []Alert          `json:"alerts,omitempty"`
		Recommendations []Recommendation `json:"recommendations,omitempty"`
	}

	// ScoreCriterion is one weighted line of the health score.
	ScoreCriterion struct {
		Name   string `json:"name"`
		Points int    `json:"points"`
		Max    int    `json:"max"`
	}

	// HealthScore is the weighted financial health of a period.
	// Criteria maxima always sum to 100.
	HealthScore struct {
		PeriodKey string           `json:"period_key"`
		Score     int              `json:"score"`
		Label     string           `json:"label"`
		Criteria  []ScoreCriterion `json:"criteria"`
	}

	// Anomaly flags a forecast-vs-actual deviation beyond threshold.
	Anomaly struct {
		Scope     string   `json:"scope"`
		PeriodKey string   `json:"period_key"`
		Predicted float64  `json:"predicted"`
		Realized  float64  `json:"realized"`
		Deviation float64  `json:"deviation"`
		Severity  Severity `json:"severity"`
	}

	// BudgetLine compares planned and realized amounts for one account.
	BudgetLine struct {
		AccountRef   string          `json:"account_ref"`
		Planned      decimal.Decimal `json:"planned"`
		Realized     decimal.Decimal `json:"realized"`
		Variance     decimal.Decimal `json:"variance"`
		VarianceRate float64         `json:"variance_rate"`
	}

	// BudgetSuggestion is a data-driven budget proposal for one account.
	BudgetSuggestion struct {
		AccountRef   string          `json:"account_ref"`
		TargetPeriod string          `json:"target_period"`
		Available    bool            `json:"available"`
		Reason       string          `json:"reason,omitempty"`
		Suggested    decimal.Decimal `json:"suggested"`
		Mean         float64         `json:"mean"`
		StdDev       float64         `json:"std_dev"`
		CV           float64         `json:"cv"`
		Strategy     string          `json:"strategy"`
		Confidence   string          `json:"confidence"`
		Trend        string          `json:"trend"`
	}

	// MotifStat is the per-motif breakdown of an account's operations.
	MotifStat struct {
		Motif       string          `json:"motif"`
		Count       int             `json:"count"`
		Total       decimal.Decimal `json:"total"`
		Average     decimal.Decimal `json:"average"`
		CountShare  float64         `json:"count_share"`
		AmountShare float64         `json:"amount_share"`
	}

	// MotifAnalysis explains a budget line by operation motif.
	MotifAnalysis struct {
		AccountRef  string      `json:"account_ref"`
		PeriodKey   string      `json:"period_key"`
		Available   bool        `json:"available"`
		Reason      string      `json:"reason,omitempty"`
		TopByCount  []MotifStat `json:"top_by_count,omitempty"`
		TopByAmount []MotifStat `json:"top_by_amount,omitempty"`
	}
)

// NewBudgetLine derives the variance fields from planned and realized.
func NewBudgetLine(accountRef string, planned, realized decimal.Decimal) BudgetLine {
	line := BudgetLine{
		AccountRef: accountRef,
		Planned:    planned,
		Realized:   realized,
		Variance:   realized.Sub(planned),
	}
	if !planned.IsZero() {
		line.VarianceRate = line.Variance.Div(planned).InexactFloat64() * 100
	}
	return line
}
