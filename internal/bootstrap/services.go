package bootstrap

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/farmsight/ops-api/config"
	"github.com/farmsight/ops-api/internal/adapters/farmcore"
	"github.com/farmsight/ops-api/internal/adapters/statuscache"
	"github.com/farmsight/ops-api/internal/core"
	"github.com/farmsight/ops-api/internal/data"
	"github.com/farmsight/ops-api/internal/service"
)

// ServiceDeps holds the infrastructure dependencies for service wiring.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// ServiceContainer holds all constructed services.
type ServiceContainer struct {
	Dispatch *service.DispatchService
	Runs     *service.RunService
	Poller   *service.Poller
	Tracker  *service.Tracker
	// Status is the caching AnalysisAPI served to the HTTP layer.
	Status core.AnalysisAPI
	Cache  core.CacheRepository
}

// NewServices wires all services from configuration and infrastructure.
func NewServices(deps *ServiceDeps) (*ServiceContainer, error) {
	cfg := deps.Config

	client, err := farmcore.NewClient(farmcore.Config{
		BaseURL:      cfg.Analysis.BaseURL,
		Timeout:      cfg.Analysis.RequestTimeout,
		TokenURL:     cfg.Analysis.TokenURL,
		ClientID:     cfg.Analysis.ClientID,
		ClientSecret: cfg.Analysis.ClientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("create farm-core client: %w", err)
	}

	runRepo := data.NewRunRepo(deps.DB, deps.Logger)
	cacheRepo := data.NewRedisCacheRepo(deps.RedisClient)

	cachedAPI, err := statuscache.New(statuscache.Options{
		API:    client,
		Cache:  cacheRepo,
		TTL:    cfg.Analysis.StatusCacheTTL,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create status cache: %w", err)
	}

	dispatchSvc, err := service.NewDispatchService(service.DispatchServiceOptions{
		API:    client,
		Runs:   runRepo,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatch service: %w", err)
	}

	runSvc, err := service.NewRunService(service.RunServiceOptions{
		Runs:   runRepo,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create run service: %w", err)
	}

	// The tracker polls through the raw client: its sessions pace
	// themselves on the poll interval and must observe fresh state.
	poller, err := service.NewPoller(service.PollerOptions{
		API:            client,
		Interval:       cfg.Analysis.PollInterval,
		MaxAttempts:    cfg.Analysis.PollMaxAttempts,
		ErrorTolerance: cfg.Analysis.PollErrorTolerance,
		Logger:         deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}

	tracker, err := service.NewTracker(service.TrackerOptions{
		Poller: poller,
		Runs:   runRepo,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create tracker: %w", err)
	}

	return &ServiceContainer{
		Dispatch: dispatchSvc,
		Runs:     runSvc,
		Poller:   poller,
		Tracker:  tracker,
		Status:   cachedAPI,
		Cache:    cacheRepo,
	}, nil
}
