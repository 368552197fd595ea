package constants

// Пути health, ready, metrics (остальные API — см. internal/router).
const (
	PathHealth  = "/health"
	PathReady   = "/ready"
	PathMetrics = "/metrics"
)
