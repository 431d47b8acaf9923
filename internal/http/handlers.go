package http

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/services"
)

const (
	dateLayout = "2006-01-02"

	defaultForecastHorizon = 3
)

type recordOperationRequest struct {
	Date        string          `json:"date"`
	AccountRef  string          `json:"account_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Direction   string          `json:"direction"`
	PaymentMode string          `json:"payment_mode"`
	Motif       string          `json:"motif"`
	Description string          `json:"description"`
}

func (s *Server) handleRecordOperation(w http.ResponseWriter, r *http.Request) {
	var req recordOperationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		writeError(w, r, &core.ValidationError{Field: "date", Detail: "expected YYYY-MM-DD"})
		return
	}

	op := core.OperationRecord{
		Date:        date,
		AccountRef:  req.AccountRef,
		Amount:      req.Amount,
		Direction:   core.Direction(req.Direction),
		PaymentMode: core.PaymentMode(req.PaymentMode),
		Motif:       req.Motif,
		Description: req.Description,
	}
	if err := op.Validate(); err != nil {
		writeError(w, r, &core.ValidationError{Field: "operation", Detail: err.Error()})
		return
	}

	id, err := s.deps.Recorder.RecordOperation(r.Context(), op)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	key, err := queryParam(r, "period")
	if err != nil {
		writeError(w, r, err)
		return
	}

	agg, err := s.deps.Aggregator.Aggregate(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

type periodRequest struct {
	PeriodKey string `json:"period_key"`
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	agg, err := s.deps.Archiver.ArchiveDay(r.Context(), req.PeriodKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleClosure(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	status, err := s.deps.Closures.RequestClosure(r.Context(), req.PeriodKey, actorFromRequest(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	status, err := s.deps.Closures.Reopen(r.Context(), req.PeriodKey, actorFromRequest(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = services.ForecastScopeAll
	}

	defaultHorizon := s.deps.ForecastHorizon
	if defaultHorizon == 0 {
		defaultHorizon = defaultForecastHorizon
	}
	defaultWindow := s.deps.ForecastWindow
	if defaultWindow == 0 {
		defaultWindow = services.DefaultHistoryWindow
	}

	horizon, err := queryInt(r, "horizon", defaultHorizon)
	if err != nil {
		writeError(w, r, err)
		return
	}
	window, err := queryInt(r, "window", defaultWindow)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.deps.Forecasts.Forecast(r.Context(), scope, horizon, window)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	key, err := queryParam(r, "period")
	if err != nil {
		writeError(w, r, err)
		return
	}

	report, err := s.deps.Insights.ComputeInsights(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealthScore(w http.ResponseWriter, r *http.Request) {
	key, err := queryParam(r, "period")
	if err != nil {
		writeError(w, r, err)
		return
	}

	score, err := s.deps.Insights.ComputeHealthScore(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleBudgetSuggest(w http.ResponseWriter, r *http.Request) {
	account, err := queryParam(r, "account")
	if err != nil {
		writeError(w, r, err)
		return
	}
	key, err := queryParam(r, "period")
	if err != nil {
		writeError(w, r, err)
		return
	}

	suggestion, err := s.deps.Budget.SuggestBudget(r.Context(), account, key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestion)
}

type motifsRequest struct {
	AccountRef string `json:"account_ref"`
	PeriodKey  string `json:"period_key"`
}

func (s *Server) handleBudgetMotifs(w http.ResponseWriter, r *http.Request) {
	var req motifsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	analysis, err := s.deps.Budget.AnalyzeMotifs(r.Context(), req.AccountRef, req.PeriodKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

type varianceRequest struct {
	PeriodKey string                     `json:"period_key"`
	Planned   map[string]decimal.Decimal `json:"planned"`
}

func (s *Server) handleBudgetVariance(w http.ResponseWriter, r *http.Request) {
	var req varianceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Planned) == 0 {
		writeError(w, r, &core.ValidationError{Field: "planned", Detail: "at least one planned line required"})
		return
	}

	lines, err := s.deps.Budget.VarianceLines(r.Context(), req.PeriodKey, req.Planned)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period_key": req.PeriodKey,
		"lines":      lines,
	})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	var set core.ForecastSet
	if err := decodeBody(r, &set); err != nil {
		writeError(w, r, err)
		return
	}
	if set.PeriodKey == "" {
		writeError(w, r, &core.ValidationError{Field: "period_key", Detail: "required"})
		return
	}

	realized, err := s.deps.Aggregator.Aggregate(r.Context(), set.PeriodKey)
	if err != nil {
		writeError(w, r, err)
		return
	}

	anomalies := services.DetectAnomalies(set, realized)
	writeJSON(w, http.StatusOK, map[string]any{
		"period_key": set.PeriodKey,
		"anomalies":  anomalies,
	})
}
