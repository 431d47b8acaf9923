package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/period"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/services"
)

// apiLedger backs the handler tests with an in-memory implementation
// of every ledger port.
type apiLedger struct {
	mu sync.Mutex

	ops        []core.OperationRecord
	treasury   core.TreasurySnapshot
	archived   map[string]bool
	aggregates map[string]core.PeriodAggregate
	status     core.ClosureStatus
	lock       *core.ClosureLock
	events     []core.ChangeEvent
}

func newAPILedger() *apiLedger {
	return &apiLedger{
		archived:   make(map[string]bool),
		aggregates: make(map[string]core.PeriodAggregate),
	}
}

func (f *apiLedger) RecordOperation(_ context.Context, op core.OperationRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op.ID = uuid.NewString()
	f.ops = append(f.ops, op)
	return op.ID, nil
}

func (f *apiLedger) OperationsForPeriod(_ context.Context, key period.Key) ([]core.OperationRecord, error) {
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

func (f *apiLedger) TreasuryBalances(_ context.Context) (core.TreasurySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.treasury, nil
}

func (f *apiLedger) ArchiveDay(_ context.Context, day period.Key, agg core.PeriodAggregate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived[day.String()] = true
	f.aggregates[agg.PeriodKey] = agg
	return nil
}

func (f *apiLedger) DayArchived(_ context.Context, day period.Key) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.archived[day.String()], nil
}

func (f *apiLedger) GetAggregate(_ context.Context, key string) (*core.PeriodAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agg, ok := f.aggregates[key]
	if !ok {
		return nil, nil
	}
	return &agg, nil
}

func (f *apiLedger) PutAggregate(_ context.Context, agg core.PeriodAggregate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.aggregates[agg.PeriodKey]; ok {
		agg.Closed = prev.Closed
	}
	f.aggregates[agg.PeriodKey] = agg
	return nil
}

func (f *apiLedger) SetAggregateClosed(_ context.Context, key string, closed bool) error {
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

func (f *apiLedger) GetClosureStatus(_ context.Context) (core.ClosureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *apiLedger) PutClosureStatus(_ context.Context, status core.ClosureStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	return nil
}

func (f *apiLedger) AcquireLock(_ context.Context, lock core.ClosureLock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock != nil {
		return &core.ConcurrencyError{HolderID: f.lock.HolderID, PeriodKey: f.lock.PeriodKey}
	}
	f.lock = &lock
	return nil
}

func (f *apiLedger) GetLock(_ context.Context, scopeKey string) (*core.ClosureLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock == nil || f.lock.ScopeKey != scopeKey {
		return nil, nil
	}
	lock := *f.lock
	return &lock, nil
}

func (f *apiLedger) UpdateLockAttempt(_ context.Context, scopeKey string, attempt int, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock != nil && f.lock.ScopeKey == scopeKey {
		f.lock.AttemptCount = attempt
		f.lock.LastError = lastErr
	}
	return nil
}

func (f *apiLedger) ReleaseLock(_ context.Context, scopeKey, holderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock != nil && f.lock.ScopeKey == scopeKey && f.lock.HolderID == holderID {
		f.lock = nil
	}
	return nil
}

func (f *apiLedger) PublishChangeEvent(_ context.Context, ev core.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func newServerUnderTest(t *testing.T, f *apiLedger) *Server {
	t.Helper()

	aggregator := services.NewAggregator(f, f, f)
	archiver := services.NewArchiver(aggregator, f, f, f)
	coordinator := services.NewClosureCoordinator(
		archiver, aggregator, f, f, f, f,
		services.ClosureConfig{MaxAttempts: 3, RetryDelay: time.Millisecond},
	)

	s := NewServer(":0", Deps{
		Recorder:   f,
		Aggregator: aggregator,
		Archiver:   archiver,
		Closures:   coordinator,
		Forecasts:  services.NewForecastEngine(f),
		Insights:   services.NewInsightEngine(aggregator, f),
		Budget:     services.NewBudgetAdvisor(f, f),
	})
	t.Cleanup(func() {
		if err := s.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return s
}

func doRequest(s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	s := newServerUnderTest(t, newAPILedger())

	rec := doRequest(s, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	decodeResponse(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestRecordOperation(t *testing.T) {
	f := newAPILedger()
	s := newServerUnderTest(t, f)

	rec := doRequest(s, http.MethodPost, "/api/operations", `{
		"date": "2025-03-10",
		"account_ref": "ventes",
		"amount": "1500",
		"direction": "in",
		"payment_mode": "especes",
		"motif": "vente sandwichs"
	}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var body map[string]string
	decodeResponse(t, rec, &body)
	if body["id"] == "" {
		t.Error("expected generated operation id")
	}
	if len(f.ops) != 1 {
		t.Fatalf("recorded %d operations, want 1", len(f.ops))
	}
	if !f.ops[0].Amount.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("amount = %s, want 1500", f.ops[0].Amount)
	}
}

func TestRecordOperationRejectsInvalidInput(t *testing.T) {
	s := newServerUnderTest(t, newAPILedger())

	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{`},
		{"bad date", `{"date": "10/03/2025", "account_ref": "ventes", "amount": "10", "direction": "in", "payment_mode": "especes", "motif": "x"}`},
		{"bad direction", `{"date": "2025-03-10", "account_ref": "ventes", "amount": "10", "direction": "sideways", "payment_mode": "especes", "motif": "x"}`},
		{"zero amount", `{"date": "2025-03-10", "account_ref": "ventes", "amount": "0", "direction": "in", "payment_mode": "especes", "motif": "x"}`},
		{"unknown field", `{"date": "2025-03-10", "account_ref": "ventes", "amount": "10", "direction": "in", "payment_mode": "especes", "motif": "x", "extra": true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodPost, "/api/operations", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			var body errorResponse
			decodeResponse(t, rec, &body)
			if body.Kind != "validation" {
				t.Errorf("kind = %q, want validation", body.Kind)
			}
		})
	}
}

func TestAggregateEndpoint(t *testing.T) {
	f := newAPILedger()
	f.ops = append(f.ops,
		core.OperationRecord{
			ID: "op-1", Date: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
			AccountRef: "ventes", Amount: decimal.NewFromInt(2000),
			Direction: core.In, PaymentMode: core.Cash, Motif: "ventes du jour",
		},
		core.OperationRecord{
			ID: "op-2", Date: time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC),
			AccountRef: "achats", Amount: decimal.NewFromInt(800),
			Direction: core.Out, PaymentMode: core.Bank, Motif: "achat farine",
		},
	)
	s := newServerUnderTest(t, f)

	rec := doRequest(s, http.MethodGet, "/api/aggregate?period=10032025", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var agg core.PeriodAggregate
	decodeResponse(t, rec, &agg)
	if agg.PeriodKey != "10032025" {
		t.Errorf("period key = %q, want 10032025", agg.PeriodKey)
	}
	if !agg.Totals.Net.Equal(decimal.NewFromInt(1200)) {
		t.Errorf("net = %s, want 1200", agg.Totals.Net)
	}
	if agg.OperationCount != 2 {
		t.Errorf("operation count = %d, want 2", agg.OperationCount)
	}
}

func TestAggregateEndpointValidation(t *testing.T) {
	s := newServerUnderTest(t, newAPILedger())

	tests := []struct {
		name   string
		target string
	}{
		{"missing period", "/api/aggregate"},
		{"malformed period", "/api/aggregate?period=2025-03-10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodGet, tt.target, "", nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestArchiveEndpoint(t *testing.T) {
	f := newAPILedger()
	f.ops = append(f.ops, core.OperationRecord{
		ID: "op-1", Date: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		AccountRef: "ventes", Amount: decimal.NewFromInt(500),
		Direction: core.In, PaymentMode: core.Cash, Motif: "ventes",
	})
	s := newServerUnderTest(t, f)

	rec := doRequest(s, http.MethodPost, "/api/archive", `{"period_key": "10032025"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !f.archived["10032025"] {
		t.Error("day not marked archived")
	}
}

func TestArchiveEndpointRejectsNonDay(t *testing.T) {
	s := newServerUnderTest(t, newAPILedger())

	rec := doRequest(s, http.MethodPost, "/api/archive", `{"period_key": "032025"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestClosureEndpointConflict(t *testing.T) {
	f := newAPILedger()
	f.lock = &core.ClosureLock{
		ScopeKey:   services.ClosureScopeKey,
		PeriodKey:  "09032025",
		HolderID:   "someone-else",
		AcquiredAt: time.Now(),
	}
	s := newServerUnderTest(t, f)

	rec := doRequest(s, http.MethodPost, "/api/closure", `{"period_key": "10032025"}`,
		map[string]string{headerActorID: "gerant"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusConflict, rec.Body.String())
	}

	var body errorResponse
	decodeResponse(t, rec, &body)
	if body.Kind != "concurrency" {
		t.Errorf("kind = %q, want concurrency", body.Kind)
	}
	if !strings.Contains(body.Error, "someone-else") {
		t.Errorf("error %q should name the lock holder", body.Error)
	}
}

func TestReopenRequiresElevation(t *testing.T) {
	f := newAPILedger()
	f.status = core.ClosureStatus{
		LastClosedKey: "10032025",
		LastClosedBy:  "gerant",
		LastClosedAt:  time.Now(),
	}
	f.aggregates["10032025"] = core.PeriodAggregate{PeriodKey: "10032025", Closed: true}
	s := newServerUnderTest(t, f)

	rec := doRequest(s, http.MethodPost, "/api/closure/reopen", `{"period_key": "10032025"}`,
		map[string]string{headerActorID: "employe"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusForbidden, rec.Body.String())
	}

	rec = doRequest(s, http.MethodPost, "/api/closure/reopen", `{"period_key": "10032025"}`,
		map[string]string{headerActorID: "admin", headerActorRole: "admin"})
	if rec.Code != http.StatusOK {
		t.Fatalf("elevated reopen status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var status core.ClosureStatus
	decodeResponse(t, rec, &status)
	if status.LastClosedKey != "09032025" {
		t.Errorf("frontier = %q, want 09032025", status.LastClosedKey)
	}
}

func TestForecastEndpointDegradesWithoutHistory(t *testing.T) {
	s := newServerUnderTest(t, newAPILedger())

	rec := doRequest(s, http.MethodGet, "/api/forecast", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var result core.ForecastResult
	decodeResponse(t, rec, &result)
	if result.Available {
		t.Error("expected unavailable forecast without history")
	}
	if result.Reason == "" {
		t.Error("expected a reason on unavailable forecast")
	}
}

func TestForecastEndpointValidation(t *testing.T) {
	s := newServerUnderTest(t, newAPILedger())

	tests := []struct {
		name   string
		target string
	}{
		{"horizon not a number", "/api/forecast?horizon=abc"},
		{"horizon negative", "/api/forecast?horizon=-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodGet, tt.target, "", nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestInsightsEndpoint(t *testing.T) {
	f := newAPILedger()
	f.ops = append(f.ops, core.OperationRecord{
		ID: "op-1", Date: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		AccountRef: "ventes", Amount: decimal.NewFromInt(1000),
		Direction: core.In, PaymentMode: core.Cash, Motif: "ventes",
	})
	s := newServerUnderTest(t, f)

	rec := doRequest(s, http.MethodGet, "/api/insights?period=10032025", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var report core.InsightReport
	decodeResponse(t, rec, &report)
	if !report.Available {
		t.Error("expected available report for a period with operations")
	}
	if report.Margin != 100 {
		t.Errorf("margin = %v, want 100", report.Margin)
	}
}

func TestHealthScoreEndpoint(t *testing.T) {
	f := newAPILedger()
	f.ops = append(f.ops, core.OperationRecord{
		ID: "op-1", Date: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		AccountRef: "ventes", Amount: decimal.NewFromInt(1000),
		Direction: core.In, PaymentMode: core.Cash, Motif: "ventes",
	})
	s := newServerUnderTest(t, f)

	rec := doRequest(s, http.MethodGet, "/api/health-score?period=10032025", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var score core.HealthScore
	decodeResponse(t, rec, &score)
	if len(score.Criteria) != 4 {
		t.Errorf("criteria count = %d, want 4", len(score.Criteria))
	}
	maxSum := 0
	for _, c := range score.Criteria {
		maxSum += c.Max
	}
	if maxSum != 100 {
		t.Errorf("criteria maxima sum = %d, want 100", maxSum)
	}
}

func TestBudgetSuggestEndpoint(t *testing.T) {
	s := newServerUnderTest(t, newAPILedger())

	rec := doRequest(s, http.MethodGet, "/api/budget/suggest?account=achats&period=042025", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var suggestion core.BudgetSuggestion
	decodeResponse(t, rec, &suggestion)
	if suggestion.Available {
		t.Error("expected unavailable suggestion without history")
	}

	rec = doRequest(s, http.MethodGet, "/api/budget/suggest?period=042025", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing account status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestBudgetVarianceEndpoint(t *testing.T) {
	f := newAPILedger()
	f.ops = append(f.ops, core.OperationRecord{
		ID: "op-1", Date: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		AccountRef: "achats", Amount: decimal.NewFromInt(1200),
		Direction: core.Out, PaymentMode: core.Bank, Motif: "achat stock",
	})
	s := newServerUnderTest(t, f)

	rec := doRequest(s, http.MethodPost, "/api/budget/variance",
		`{"period_key": "032025", "planned": {"achats": "1000"}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var body struct {
		PeriodKey string            `json:"period_key"`
		Lines     []core.BudgetLine `json:"lines"`
	}
	decodeResponse(t, rec, &body)
	if len(body.Lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(body.Lines))
	}
	if !body.Lines[0].Variance.Equal(decimal.NewFromInt(200)) {
		t.Errorf("variance = %s, want 200", body.Lines[0].Variance)
	}
}

func TestBudgetVarianceRequiresPlannedLines(t *testing.T) {
	s := newServerUnderTest(t, newAPILedger())

	rec := doRequest(s, http.MethodPost, "/api/budget/variance", `{"period_key": "032025"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestAnomaliesEndpoint(t *testing.T) {
	f := newAPILedger()
	f.ops = append(f.ops, core.OperationRecord{
		ID: "op-1", Date: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		AccountRef: "ventes", Amount: decimal.NewFromInt(500),
		Direction: core.In, PaymentMode: core.Cash, Motif: "ventes",
	})
	s := newServerUnderTest(t, f)

	rec := doRequest(s, http.MethodPost, "/api/anomalies", `{
		"period_key": "10032025",
		"total": {"period_key": "10032025", "predicted": 1000}
	}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var body struct {
		PeriodKey string         `json:"period_key"`
		Anomalies []core.Anomaly `json:"anomalies"`
	}
	decodeResponse(t, rec, &body)
	if len(body.Anomalies) != 1 {
		t.Fatalf("anomalies = %d, want 1 (body %s)", len(body.Anomalies), rec.Body.String())
	}
	if body.Anomalies[0].Severity != core.SeverityHigh {
		t.Errorf("severity = %q, want %q", body.Anomalies[0].Severity, core.SeverityHigh)
	}
}
