// Package statuscache wraps the farm-core analysis API with a short-lived
// status snapshot cache. Many dashboard tabs can poll the same run; the
// cache plus singleflight collapses them into at most one upstream status
// query per TTL window per handle.
package statuscache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/farmsight/ops-api/internal/core"
	"github.com/farmsight/ops-api/internal/domain/model"
	apperrors "github.com/farmsight/ops-api/internal/errors"
)

const (
	// DefaultTTL is shorter than the default poll interval so a browser
	// polling at that interval still observes fresh state.
	DefaultTTL = time.Second

	keyPrefix = "analysis:status:"
)

// Options groups dependencies for the caching API wrapper.
type Options struct {
	API    core.AnalysisAPI     // Required: upstream client
	Cache  core.CacheRepository // Required: snapshot store
	TTL    time.Duration        // Optional: defaults to DefaultTTL
	Logger *slog.Logger         // Optional: structured logger
}

// API implements core.AnalysisAPI. Dispatch passes straight through;
// Status serves cached snapshots when fresh.
type API struct {
	upstream core.AnalysisAPI
	cache    core.CacheRepository
	ttl      time.Duration
	logger   *slog.Logger
	group    singleflight.Group
}

// New constructs the caching wrapper.
func New(opts Options) (*API, error) {
	if opts.API == nil {
		return nil, apperrors.Validation("AnalysisAPI is required")
	}
	if opts.Cache == nil {
		return nil, apperrors.Validation("CacheRepository is required")
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "status_cache")
	}

	return &API{upstream: opts.API, cache: opts.Cache, ttl: ttl, logger: logger}, nil
}

// Dispatch forwards to the upstream client. Dispatches are never cached.
func (a *API) Dispatch(
	ctx context.Context,
	req model.AnalysisRequest,
) (*model.DispatchResult, error) {
	return a.upstream.Dispatch(ctx, req)
}

// Status returns a cached snapshot when one is fresh, otherwise fetches
// upstream. Concurrent misses for the same handle share one fetch.
// Terminal snapshots are cached without expiry since they cannot change.
func (a *API) Status(
	ctx context.Context,
	handle model.JobHandle,
) (*model.StatusSnapshot, error) {
	if !handle.Valid() {
		return nil, apperrors.Validation("job handle is required")
	}

	key := keyPrefix + string(handle)
	if snapshot := a.cached(ctx, key); snapshot != nil {
		return snapshot, nil
	}

	v, err, _ := a.group.Do(key, func() (any, error) {
		// Re-check under the flight: a sibling may have filled the cache
		// between our miss and acquiring the flight.
		if snapshot := a.cached(ctx, key); snapshot != nil {
			return snapshot, nil
		}

		snapshot, err := a.upstream.Status(ctx, handle)
		if err != nil {
			return nil, err
		}
		a.store(ctx, key, snapshot)
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}

	snapshot, ok := v.(*model.StatusSnapshot)
	if !ok {
		return nil, apperrors.Internal("unexpected snapshot type from singleflight")
	}
	return snapshot, nil
}

func (a *API) cached(ctx context.Context, key string) *model.StatusSnapshot {
	raw, err := a.cache.Get(ctx, key)
	if err != nil {
		if a.logger != nil {
			a.logger.WarnContext(ctx, "status cache get failed", "key", key, "error", err)
		}
		return nil
	}
	if raw == nil {
		return nil
	}

	var snapshot model.StatusSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		if a.logger != nil {
			a.logger.WarnContext(ctx, "corrupt status cache entry", "key", key, "error", err)
		}
		if _, derr := a.cache.Delete(ctx, key); derr != nil && a.logger != nil {
			a.logger.WarnContext(ctx, "delete corrupt cache entry failed", "key", key, "error", derr)
		}
		return nil
	}
	return &snapshot
}

func (a *API) store(ctx context.Context, key string, snapshot *model.StatusSnapshot) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		if a.logger != nil {
			a.logger.WarnContext(ctx, "encode status snapshot failed", "key", key, "error", err)
		}
		return
	}

	ttl := a.ttl
	if snapshot.Status.Terminal() {
		// Terminal snapshots are immutable; keep them for an hour so
		// late-arriving tabs skip the upstream entirely.
		ttl = time.Hour
	}

	if err := a.cache.Set(ctx, key, raw, ttl); err != nil && a.logger != nil {
		a.logger.WarnContext(ctx, "status cache set failed", "key", key, "error", err)
	}
}
