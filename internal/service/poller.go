package service

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/farmsight/ops-api/internal/core"
	"github.com/farmsight/ops-api/internal/domain/model"
	apperrors "github.com/farmsight/ops-api/internal/errors"
)

// Ticker abstracts time.Ticker so polling is testable with a manual clock.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock produces tickers. The default implementation wraps the time package.
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

type realClock struct{}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (rt *realTicker) C() <-chan time.Time { return rt.t.C }
func (rt *realTicker) Stop()               { rt.t.Stop() }

const (
	// DefaultPollInterval is the fixed spacing between status queries.
	DefaultPollInterval = 2 * time.Second
	// DefaultMaxAttempts bounds the total polling budget
	// (interval × attempts).
	DefaultMaxAttempts = 60
	// DefaultErrorTolerance is how many consecutive status-query errors
	// are retried before the session gives up on the status endpoint.
	DefaultErrorTolerance = 5

	defaultQueryTimeout = 15 * time.Second
)

// PollOutcomeKind classifies the single terminal outcome of a poll session.
type PollOutcomeKind string

const (
	// PollSucceeded means a Succeeded status was observed; Outcome is set.
	PollSucceeded PollOutcomeKind = "succeeded"
	// PollFailed means the run reported failure, or the status endpoint
	// failed more than the tolerated number of consecutive times.
	PollFailed PollOutcomeKind = "failed"
	// PollTimedOut means the attempt budget was exhausted without a
	// terminal status. The run may still finish server-side, so this is
	// deliberately distinct from PollFailed.
	PollTimedOut PollOutcomeKind = "timed_out"
)

// PollOutcome is the terminal result delivered exactly once per session.
type PollOutcome struct {
	Kind     PollOutcomeKind
	Outcome  *model.AnalysisOutcome
	Reason   string
	Attempts int
}

// PollUpdate is a non-terminal progress observation.
type PollUpdate struct {
	Status  model.JobStatus
	Attempt int
}

// PollCallbacks receive session events. Both are optional; nil callbacks
// are skipped. Callbacks are invoked sequentially from the session's own
// goroutine, never concurrently with each other.
type PollCallbacks struct {
	OnUpdate   func(PollUpdate)
	OnTerminal func(PollOutcome)
}

// PollerOptions groups dependencies for Poller.
type PollerOptions struct {
	API            core.AnalysisAPI // Required: status endpoint client
	Interval       time.Duration    // Optional: defaults to DefaultPollInterval
	MaxAttempts    int              // Optional: defaults to DefaultMaxAttempts
	ErrorTolerance int              // Optional: defaults to DefaultErrorTolerance
	QueryTimeout   time.Duration    // Optional: per-query deadline
	Clock          Clock            // Optional: override for tests
	Logger         *slog.Logger     // Optional: structured logger
}

// Poller starts poll sessions for background analysis runs. Each session
// owns one repeating timer and delivers exactly one terminal outcome.
type Poller struct {
	api            core.AnalysisAPI
	interval       time.Duration
	maxAttempts    int
	errorTolerance int
	queryTimeout   time.Duration
	clock          Clock
	logger         *slog.Logger
}

// NewPoller constructs a new Poller.
func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.API == nil {
		return nil, apperrors.Validation("AnalysisAPI is required")
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	tolerance := opts.ErrorTolerance
	if tolerance <= 0 {
		tolerance = DefaultErrorTolerance
	}
	queryTimeout := opts.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "poller")
	}

	return &Poller{
		api:            opts.API,
		interval:       interval,
		maxAttempts:    maxAttempts,
		errorTolerance: tolerance,
		queryTimeout:   queryTimeout,
		clock:          clock,
		logger:         logger,
	}, nil
}

// Interval returns the fixed poll interval.
func (p *Poller) Interval() time.Duration { return p.interval }

// Start begins polling the given handle. The first status query fires one
// interval after Start returns, not immediately, so a dispatch that just
// returned is not queried twice in the same instant.
//
// The returned session's Cancel method is idempotent and safe to call after
// natural termination.
func (p *Poller) Start(handle model.JobHandle, cb PollCallbacks) (*PollSession, error) {
	if !handle.Valid() {
		return nil, apperrors.Validation("job handle is required")
	}

	s := &PollSession{
		handle:         handle,
		api:            p.api,
		maxAttempts:    p.maxAttempts,
		errorTolerance: p.errorTolerance,
		queryTimeout:   p.queryTimeout,
		ticker:         p.clock.NewTicker(p.interval),
		stop:           make(chan struct{}),
		cb:             cb,
		logger:         p.logger,
	}

	if p.logger != nil {
		p.logger.Debug("poll session started",
			"handle", handle,
			"interval", p.interval,
			"max_attempts", p.maxAttempts,
		)
	}

	go s.run()
	return s, nil
}

// PollSession tracks one in-progress polling loop for one job handle. It is
// owned by the caller that started it and must not be shared.
type PollSession struct {
	handle         model.JobHandle
	api            core.AnalysisAPI
	maxAttempts    int
	errorTolerance int
	queryTimeout   time.Duration
	ticker         Ticker
	stop           chan struct{}
	cb             PollCallbacks
	logger         *slog.Logger

	stopOnce sync.Once

	mu              sync.Mutex
	done            bool
	attempts        int
	consecutiveErrs int
	// deliveringGID is the id of the goroutine currently running a
	// callback, or zero. Cancel uses it to wait for an in-flight
	// delivery without deadlocking when called from inside one.
	deliveringGID uint64
	// cancelWaiters are closed when the in-flight delivery completes.
	cancelWaiters []chan struct{}
}

// Handle returns the job handle this session polls.
func (s *PollSession) Handle() model.JobHandle { return s.handle }

// Cancel stops polling. It is idempotent: calling it repeatedly, or after
// the session already delivered its terminal outcome, is a no-op. The timer
// is released before Cancel returns and no callback begins or is still
// running after it returns: a callback already executing when Cancel is
// called completes first and Cancel blocks until it does, except when
// Cancel is invoked from inside that same callback. A status query in
// flight completes in the background and its result is discarded rather
// than delivered.
func (s *PollSession) Cancel() {
	s.mu.Lock()
	alreadyDone := s.done
	s.done = true
	var wait chan struct{}
	if s.deliveringGID != 0 && s.deliveringGID != goroutineID() {
		wait = make(chan struct{})
		s.cancelWaiters = append(s.cancelWaiters, wait)
	}
	s.mu.Unlock()

	s.ticker.Stop()
	s.stopOnce.Do(func() { close(s.stop) })

	if wait != nil {
		<-wait
	}

	if !alreadyDone && s.logger != nil {
		s.logger.Debug("poll session cancelled", "handle", s.handle)
	}
}

// run drives the tick loop. Ticks execute sequentially in this goroutine,
// so no status query overlaps another for the same session.
func (s *PollSession) run() {
	defer s.ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.ticker.C():
			if s.tick() {
				return
			}
		}
	}
}

// tick performs one status query and advances the session state machine.
// Returns true when the session is finished.
func (s *PollSession) tick() bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.queryTimeout)
	snapshot, err := s.api.Status(ctx, s.handle)
	cancel()

	s.mu.Lock()
	if s.done {
		// Cancelled while the query was in flight; discard the result.
		s.mu.Unlock()
		return true
	}
	s.attempts++
	attempt := s.attempts

	if err != nil {
		return s.handleQueryError(attempt, err)
	}
	if snapshot == nil {
		// A nil snapshot with a nil error is a broken client; treat it
		// like a failed status query instead of dereferencing it.
		return s.handleQueryError(attempt, apperrors.StatusQuery("empty status response"))
	}
	s.consecutiveErrs = 0

	switch snapshot.Status {
	case model.JobStatusSucceeded:
		return s.deliverTerminal(PollOutcome{Kind: PollSucceeded, Outcome: snapshot.Outcome, Attempts: attempt})

	case model.JobStatusFailed:
		return s.deliverTerminal(PollOutcome{Kind: PollFailed, Reason: snapshot.Error, Attempts: attempt})

	case model.JobStatusPending, model.JobStatusInProgress:
		if attempt >= s.maxAttempts {
			return s.deliverTerminal(PollOutcome{Kind: PollTimedOut, Attempts: attempt})
		}
		s.deliveringGID = goroutineID()
		s.mu.Unlock()
		if s.cb.OnUpdate != nil {
			s.cb.OnUpdate(PollUpdate{Status: snapshot.Status, Attempt: attempt})
		}
		s.endDelivery()
		return false

	default:
		// Unknown status marker; treat like a transient query error.
		return s.handleQueryError(attempt, apperrors.StatusQuery("unknown status marker"))
	}
}

// handleQueryError is called with s.mu held and releases it.
func (s *PollSession) handleQueryError(attempt int, err error) bool {
	s.consecutiveErrs++
	errs := s.consecutiveErrs

	if errs > s.errorTolerance {
		return s.deliverTerminal(PollOutcome{
			Kind:     PollFailed,
			Reason:   "status check failing: " + err.Error(),
			Attempts: attempt,
		})
	}

	if attempt >= s.maxAttempts {
		return s.deliverTerminal(PollOutcome{Kind: PollTimedOut, Attempts: attempt})
	}

	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Debug("status query failed, retrying next tick",
			"handle", s.handle,
			"attempt", attempt,
			"consecutive_errors", errs,
			"error", err,
		)
	}
	return false
}

// deliverTerminal is called with s.mu held and releases it. It marks the
// session done and delivers the terminal outcome under the delivery fence,
// so a concurrent Cancel blocks until OnTerminal has returned.
func (s *PollSession) deliverTerminal(outcome PollOutcome) bool {
	s.done = true
	s.deliveringGID = goroutineID()
	s.mu.Unlock()
	s.finish(outcome)
	s.endDelivery()
	return true
}

// endDelivery clears the delivery marker and releases any Cancel calls
// that were waiting for the callback to return.
func (s *PollSession) endDelivery() {
	s.mu.Lock()
	s.deliveringGID = 0
	waiters := s.cancelWaiters
	s.cancelWaiters = nil
	s.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// finish releases the timer and delivers the terminal outcome exactly once.
// s.done is already set, so later ticks and Cancel calls are no-ops.
func (s *PollSession) finish(outcome PollOutcome) {
	s.ticker.Stop()
	if s.logger != nil {
		s.logger.Debug("poll session finished",
			"handle", s.handle,
			"outcome", outcome.Kind,
			"attempts", outcome.Attempts,
		)
	}
	if s.cb.OnTerminal != nil {
		s.cb.OnTerminal(outcome)
	}
}

// goroutineID parses the calling goroutine's id out of its stack header.
// The runtime offers no direct accessor; the header format
// ("goroutine N [state]:") has been stable since Go 1.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
