package httpx

import (
	"log/slog"
	"net/http"

	"github.com/farmsight/ops-api/internal/core"
	"github.com/farmsight/ops-api/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Dispatch *service.DispatchService
	Runs     *service.RunService
	// Status serves the status endpoint; wire the caching wrapper here so
	// concurrent dashboard tabs share upstream queries.
	Status  core.AnalysisAPI
	Tracker *service.Tracker
	// Cache is optional; when set, /healthz reports cache health.
	Cache  core.CacheRepository
	Logger *slog.Logger
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	analysisHandlers := &AnalysisHandlers{
		Dispatch: services.Dispatch,
		Runs:     services.Runs,
		Status:   services.Status,
		Tracker:  services.Tracker,
		Logger:   services.Logger,
	}

	mux.Handle("POST /api/analysis/start", http.HandlerFunc(analysisHandlers.StartAnalysis))
	mux.Handle("GET /api/analysis/status/{handle}", http.HandlerFunc(analysisHandlers.GetStatus))
	mux.Handle("GET /api/analysis/runs", http.HandlerFunc(analysisHandlers.ListRuns))
	mux.Handle("GET /api/analysis/runs/{id}", http.HandlerFunc(analysisHandlers.GetRun))

	healthHandlers := &HealthHandlers{Cache: services.Cache}
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandlers.Health))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandlers.Health))

	return mux
}
