package http

import (
	"context"
	"net/http"
	"sync"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/ledger"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/log"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/middleware/ratelimit"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/middleware/security"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/middleware/trace"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/services"
)

// Deps bundles everything the API surface talks to.
type Deps struct {
	Recorder   ledger.OperationRecorder
	Aggregator *services.Aggregator
	Archiver   *services.Archiver
	Closures   *services.ClosureCoordinator
	Forecasts  *services.ForecastEngine
	Insights   *services.InsightEngine
	Budget     *services.BudgetAdvisor
	Logger     *log.Logger

	// Defaults for /api/forecast when the query omits them; zero
	// values fall back to the service constants.
	ForecastHorizon int
	ForecastWindow  int
}

// Server is the JSON API in front of the accounting core.
type Server struct {
	http.Server

	deps Deps

	limiter      *ratelimit.Limiter
	detector     *security.Detector
	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server.
func NewServer(addr string, deps Deps) *Server {
	mux := http.NewServeMux()

	s := &Server{
		deps:     deps,
		limiter:  ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		detector: security.NewDetector(),
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/operations", s.handleRecordOperation)
	mux.HandleFunc("GET /api/aggregate", s.handleAggregate)
	mux.HandleFunc("POST /api/archive", s.handleArchive)
	mux.HandleFunc("POST /api/closure", s.handleClosure)
	mux.HandleFunc("POST /api/closure/reopen", s.handleReopen)
	mux.HandleFunc("GET /api/forecast", s.handleForecast)
	mux.HandleFunc("GET /api/insights", s.handleInsights)
	mux.HandleFunc("GET /api/health-score", s.handleHealthScore)
	mux.HandleFunc("GET /api/budget/suggest", s.handleBudgetSuggest)
	mux.HandleFunc("POST /api/budget/motifs", s.handleBudgetMotifs)
	mux.HandleFunc("POST /api/budget/variance", s.handleBudgetVariance)
	mux.HandleFunc("POST /api/anomalies", s.handleAnomalies)

	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	tracer := trace.NewMiddleware(s.detector.ExtractClientIP)

	var handler http.Handler = mux
	handler = s.limiter.Middleware(s.detector.ExtractClientIP, nil)(handler)
	handler = headers.Middleware(handler)
	handler = tracer.Middleware(handler)
	if deps.Logger != nil {
		handler = log.Middleware(deps.Logger)(handler)
	}

	s.Server = http.Server{
		Addr:    addr,
		Handler: handler,
	}

	return s
}

// Shutdown drains the HTTP server and stops the limiter's cleanup
// goroutine.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
