package log

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldOperation  = "operation"

	FieldPeriodKey  = "period_key"
	FieldAccountRef = "account_ref"
	FieldActor      = "actor"
	FieldAttempt    = "attempt"
	FieldAction     = "action"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentHTTP       = "http"
	ComponentStorage    = "storage"
	ComponentAMQP       = "amqp"
	ComponentWorker     = "worker"
	ComponentAggregator = "aggregator"
	ComponentClosure    = "closure"
	ComponentForecast   = "forecast"
	ComponentInsight    = "insight"
	ComponentBudget     = "budget"
	ComponentCache      = "cache"
	ComponentTrace      = "trace"
	ComponentSecurity   = "security"
	ComponentRateLimit  = "rate_limit"
)

// Operations defines standard operation names
const (
	OpAggregate = "aggregate"
	OpArchive   = "archive"
	OpClose     = "close"
	OpReopen    = "reopen"
	OpForecast  = "forecast"
	OpSuggest   = "suggest"
	OpStartup   = "startup"
	OpShutdown  = "shutdown"
)
