package config

import "time"

// AnalysisConfig contains farm-core client and status polling configuration.
type AnalysisConfig struct {
	// BaseURL is the base URL of the farm-core analysis service.
	BaseURL string `env:"FARMCORE_URL" envDefault:"http://localhost:9090"`

	// RequestTimeout bounds each HTTP call to farm-core.
	RequestTimeout time.Duration `env:"FARMCORE_TIMEOUT" envDefault:"10s"`

	// TokenURL, ClientID and ClientSecret configure optional
	// client-credentials auth for service-to-service calls. Auth is
	// disabled when TokenURL is empty.
	TokenURL     string `env:"FARMCORE_TOKEN_URL"     envDefault:""`
	ClientID     string `env:"FARMCORE_CLIENT_ID"     envDefault:""`
	ClientSecret string `env:"FARMCORE_CLIENT_SECRET" envDefault:""`

	// PollInterval is the fixed spacing between status queries for a
	// deferred run.
	PollInterval time.Duration `env:"ANALYSIS_POLL_INTERVAL" envDefault:"2s"`

	// PollMaxAttempts bounds the total polling budget
	// (PollInterval × PollMaxAttempts).
	PollMaxAttempts int `env:"ANALYSIS_POLL_MAX_ATTEMPTS" envDefault:"60"`

	// PollErrorTolerance is how many consecutive status-query errors are
	// retried before a session gives up on the status endpoint.
	PollErrorTolerance int `env:"ANALYSIS_POLL_ERROR_TOLERANCE" envDefault:"5"`

	// StatusCacheTTL is how long non-terminal status snapshots are served
	// from cache before a fresh upstream query.
	StatusCacheTTL time.Duration `env:"ANALYSIS_STATUS_CACHE_TTL" envDefault:"1s"`
}

// Sanitize applies guardrails to analysis configuration values.
func (a *AnalysisConfig) Sanitize() {
	if a.RequestTimeout <= 0 {
		a.RequestTimeout = 10 * time.Second
	}
	if a.PollInterval <= 0 {
		a.PollInterval = 2 * time.Second
	}
	if a.PollMaxAttempts <= 0 {
		a.PollMaxAttempts = 60
	}
	if a.PollErrorTolerance <= 0 {
		a.PollErrorTolerance = 5
	}
	if a.StatusCacheTTL <= 0 {
		a.StatusCacheTTL = time.Second
	}
	// A cache TTL at or above the poll interval would starve pollers of
	// fresh state; clamp to half the interval.
	if a.StatusCacheTTL >= a.PollInterval {
		a.StatusCacheTTL = a.PollInterval / 2
	}
}
