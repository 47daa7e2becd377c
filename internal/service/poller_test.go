package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmsight/ops-api/internal/core"
	"github.com/farmsight/ops-api/internal/domain/model"
	apperrors "github.com/farmsight/ops-api/internal/errors"
)

const testHandle = model.JobHandle("job-abc123")

// manualTicker lets tests drive ticks by sending on ch. Sends are unbuffered
// by default, so a send only completes once the session goroutine has
// finished processing every earlier tick.
type manualTicker struct {
	ch chan time.Time

	mu      sync.Mutex
	stopped bool
}

func newManualTicker(buffer int) *manualTicker {
	return &manualTicker{ch: make(chan time.Time, buffer)}
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *manualTicker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *manualTicker) tick() { t.ch <- time.Now() }

type manualClock struct {
	ticker   *manualTicker
	interval time.Duration
}

func (c *manualClock) NewTicker(d time.Duration) Ticker {
	c.interval = d
	return c.ticker
}

// statusStep is one scripted response from the status endpoint.
type statusStep struct {
	snapshot *model.StatusSnapshot
	err      error
}

func pendingStep() statusStep {
	return statusStep{snapshot: &model.StatusSnapshot{Status: model.JobStatusPending}}
}

func progressStep() statusStep {
	return statusStep{snapshot: &model.StatusSnapshot{Status: model.JobStatusInProgress}}
}

func successStep(outcome *model.AnalysisOutcome) statusStep {
	return statusStep{snapshot: &model.StatusSnapshot{Status: model.JobStatusSucceeded, Outcome: outcome}}
}

func failureStep(reason string) statusStep {
	return statusStep{snapshot: &model.StatusSnapshot{Status: model.JobStatusFailed, Error: reason}}
}

func errorStep(msg string) statusStep {
	return statusStep{err: apperrors.StatusQuery(msg)}
}

// scriptedAPI replays a fixed sequence of status responses.
type scriptedAPI struct {
	mu    sync.Mutex
	steps []statusStep
	calls int
}

func (a *scriptedAPI) Dispatch(_ context.Context, _ model.AnalysisRequest) (*model.DispatchResult, error) {
	return nil, apperrors.Internal("dispatch not scripted")
}

func (a *scriptedAPI) Status(_ context.Context, _ model.JobHandle) (*model.StatusSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls >= len(a.steps) {
		return nil, apperrors.StatusQuery("script exhausted")
	}
	step := a.steps[a.calls]
	a.calls++
	return step.snapshot, step.err
}

func (a *scriptedAPI) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type sessionEvents struct {
	updates  chan PollUpdate
	terminal chan PollOutcome
}

func newSessionEvents() *sessionEvents {
	return &sessionEvents{
		updates:  make(chan PollUpdate, 32),
		terminal: make(chan PollOutcome, 4),
	}
}

func (e *sessionEvents) callbacks() PollCallbacks {
	return PollCallbacks{
		OnUpdate:   func(u PollUpdate) { e.updates <- u },
		OnTerminal: func(o PollOutcome) { e.terminal <- o },
	}
}

func (e *sessionEvents) waitTerminal(t *testing.T) PollOutcome {
	t.Helper()
	select {
	case o := <-e.terminal:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal outcome")
		return PollOutcome{}
	}
}

func (e *sessionEvents) drainUpdates() []PollUpdate {
	var out []PollUpdate
	for {
		select {
		case u := <-e.updates:
			out = append(out, u)
		default:
			return out
		}
	}
}

func (e *sessionEvents) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case u := <-e.updates:
		t.Fatalf("unexpected update delivered: %+v", u)
	case o := <-e.terminal:
		t.Fatalf("unexpected terminal outcome delivered: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestPoller(t *testing.T, api core.AnalysisAPI, clock *manualClock, opts PollerOptions) *Poller {
	t.Helper()
	opts.API = api
	opts.Clock = clock
	p, err := NewPoller(opts)
	require.NoError(t, err)
	return p
}

func TestNewPoller(t *testing.T) {
	t.Run("requires an API", func(t *testing.T) {
		_, err := NewPoller(PollerOptions{})
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("applies defaults", func(t *testing.T) {
		clock := &manualClock{ticker: newManualTicker(0)}
		p := newTestPoller(t, &scriptedAPI{}, clock, PollerOptions{})

		assert.Equal(t, DefaultPollInterval, p.Interval())
		assert.Equal(t, DefaultMaxAttempts, p.maxAttempts)
		assert.Equal(t, DefaultErrorTolerance, p.errorTolerance)
	})

	t.Run("ticker uses the configured interval", func(t *testing.T) {
		clock := &manualClock{ticker: newManualTicker(0)}
		p := newTestPoller(t, &scriptedAPI{}, clock, PollerOptions{Interval: 5 * time.Second})

		session, err := p.Start(testHandle, PollCallbacks{})
		require.NoError(t, err)
		defer session.Cancel()

		assert.Equal(t, 5*time.Second, clock.interval)
	})
}

func TestPollerStartRejectsEmptyHandle(t *testing.T) {
	clock := &manualClock{ticker: newManualTicker(0)}
	p := newTestPoller(t, &scriptedAPI{}, clock, PollerOptions{})

	_, err := p.Start("", PollCallbacks{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	_, err = p.Start("   ", PollCallbacks{})
	require.Error(t, err)
}

func TestPollSessionSuccess(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{
		pendingStep(),
		progressStep(),
		successStep(&model.AnalysisOutcome{HousesChecked: 12, AlertsCreated: 2, NotificationsSent: 2}),
	}}
	ticker := newManualTicker(0)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{})
	events := newSessionEvents()

	session, err := p.Start(testHandle, events.callbacks())
	require.NoError(t, err)
	defer session.Cancel()

	ticker.tick()
	ticker.tick()
	ticker.tick()

	outcome := events.waitTerminal(t)
	assert.Equal(t, PollSucceeded, outcome.Kind)
	assert.Equal(t, 3, outcome.Attempts)
	require.NotNil(t, outcome.Outcome)
	assert.Equal(t, 12, outcome.Outcome.HousesChecked)
	assert.Equal(t, 2, outcome.Outcome.AlertsCreated)

	updates := events.drainUpdates()
	require.Len(t, updates, 2)
	assert.Equal(t, model.JobStatusPending, updates[0].Status)
	assert.Equal(t, 1, updates[0].Attempt)
	assert.Equal(t, model.JobStatusInProgress, updates[1].Status)
	assert.Equal(t, 2, updates[1].Attempt)

	assert.True(t, ticker.Stopped())
	assert.Equal(t, 3, api.Calls())
}

func TestPollSessionFailureReportsReasonVerbatim(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{
		pendingStep(),
		failureStep("insufficient sensor coverage for house H-7"),
	}}
	ticker := newManualTicker(0)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{})
	events := newSessionEvents()

	session, err := p.Start(testHandle, events.callbacks())
	require.NoError(t, err)
	defer session.Cancel()

	ticker.tick()
	ticker.tick()

	outcome := events.waitTerminal(t)
	assert.Equal(t, PollFailed, outcome.Kind)
	assert.Equal(t, "insufficient sensor coverage for house H-7", outcome.Reason)
	assert.Nil(t, outcome.Outcome)
	assert.Equal(t, 2, outcome.Attempts)
}

func TestPollSessionTimeout(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{
		pendingStep(), pendingStep(), pendingStep(), pendingStep(),
	}}
	// Buffered so an extra tick can be queued after the session has exited.
	ticker := newManualTicker(4)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{MaxAttempts: 3})
	events := newSessionEvents()

	session, err := p.Start(testHandle, events.callbacks())
	require.NoError(t, err)
	defer session.Cancel()

	ticker.tick()
	ticker.tick()
	ticker.tick()

	outcome := events.waitTerminal(t)
	assert.Equal(t, PollTimedOut, outcome.Kind)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Empty(t, outcome.Reason)

	// Two updates fired before the budget ran out; the terminal attempt
	// does not also produce an update.
	updates := events.drainUpdates()
	assert.Len(t, updates, 2)

	// A tick queued after termination is never processed.
	ticker.tick()
	events.assertQuiet(t)
	assert.Equal(t, 3, api.Calls())
}

func TestPollSessionTransientErrorsThenSuccess(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{
		errorStep("farm-core unreachable"),
		errorStep("farm-core unreachable"),
		pendingStep(),
		errorStep("farm-core unreachable"),
		successStep(&model.AnalysisOutcome{HousesChecked: 4}),
	}}
	ticker := newManualTicker(0)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{ErrorTolerance: 2})
	events := newSessionEvents()

	session, err := p.Start(testHandle, events.callbacks())
	require.NoError(t, err)
	defer session.Cancel()

	for i := 0; i < 5; i++ {
		ticker.tick()
	}

	// The pending observation resets the consecutive error count, so the
	// tolerance of two is never exceeded.
	outcome := events.waitTerminal(t)
	assert.Equal(t, PollSucceeded, outcome.Kind)
	assert.Equal(t, 5, outcome.Attempts)
	require.NotNil(t, outcome.Outcome)
	assert.Equal(t, 4, outcome.Outcome.HousesChecked)
}

func TestPollSessionErrorToleranceExceeded(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{
		errorStep("connection refused"),
		errorStep("connection refused"),
		errorStep("connection refused"),
	}}
	ticker := newManualTicker(0)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{ErrorTolerance: 2})
	events := newSessionEvents()

	session, err := p.Start(testHandle, events.callbacks())
	require.NoError(t, err)
	defer session.Cancel()

	ticker.tick()
	ticker.tick()
	ticker.tick()

	outcome := events.waitTerminal(t)
	assert.Equal(t, PollFailed, outcome.Kind)
	assert.Contains(t, outcome.Reason, "status check failing")
	assert.Contains(t, outcome.Reason, "connection refused")
	assert.Equal(t, 3, outcome.Attempts)
	assert.Empty(t, events.drainUpdates())
}

func TestPollSessionUnknownStatusTreatedAsTransient(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{
		{snapshot: &model.StatusSnapshot{Status: model.JobStatus("archived")}},
		successStep(&model.AnalysisOutcome{HousesChecked: 1}),
	}}
	ticker := newManualTicker(0)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{})
	events := newSessionEvents()

	session, err := p.Start(testHandle, events.callbacks())
	require.NoError(t, err)
	defer session.Cancel()

	ticker.tick()
	ticker.tick()

	outcome := events.waitTerminal(t)
	assert.Equal(t, PollSucceeded, outcome.Kind)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Empty(t, events.drainUpdates())
}

func TestPollSessionCancelBeforeFirstTick(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{pendingStep()}}
	ticker := newManualTicker(1)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{})
	events := newSessionEvents()

	session, err := p.Start(testHandle, events.callbacks())
	require.NoError(t, err)

	// A tick queued after Cancel must not produce a query.
	session.Cancel()
	ticker.tick()

	events.assertQuiet(t)
	assert.Equal(t, 0, api.Calls())
	assert.True(t, ticker.Stopped())
}

func TestPollSessionCancelAfterFirstUpdate(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{pendingStep(), pendingStep()}}
	ticker := newManualTicker(0)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{})
	events := newSessionEvents()

	session, err := p.Start(testHandle, events.callbacks())
	require.NoError(t, err)

	ticker.tick()
	select {
	case u := <-events.updates:
		assert.Equal(t, model.JobStatusPending, u.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("first update never arrived")
	}

	session.Cancel()
	events.assertQuiet(t)
	assert.Equal(t, 1, api.Calls())
}

func TestPollSessionCancelIsIdempotent(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{pendingStep()}}
	ticker := newManualTicker(0)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{})

	session, err := p.Start(testHandle, PollCallbacks{})
	require.NoError(t, err)

	session.Cancel()
	session.Cancel()
	session.Cancel()
	assert.True(t, ticker.Stopped())
}

func TestPollSessionCancelAfterTerminalIsNoOp(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{
		successStep(&model.AnalysisOutcome{HousesChecked: 3}),
	}}
	ticker := newManualTicker(0)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{})
	events := newSessionEvents()

	session, err := p.Start(testHandle, events.callbacks())
	require.NoError(t, err)

	ticker.tick()
	outcome := events.waitTerminal(t)
	assert.Equal(t, PollSucceeded, outcome.Kind)

	session.Cancel()
	session.Cancel()
	events.assertQuiet(t)
}

// blockingAPI parks every Status call until released, so a test can cancel
// the session while a query is in flight.
type blockingAPI struct {
	entered chan struct{}
	release chan struct{}
}

func (a *blockingAPI) Dispatch(_ context.Context, _ model.AnalysisRequest) (*model.DispatchResult, error) {
	return nil, apperrors.Internal("dispatch not scripted")
}

func (a *blockingAPI) Status(_ context.Context, _ model.JobHandle) (*model.StatusSnapshot, error) {
	a.entered <- struct{}{}
	<-a.release
	return &model.StatusSnapshot{
		Status:  model.JobStatusSucceeded,
		Outcome: &model.AnalysisOutcome{HousesChecked: 9},
	}, nil
}

func TestPollSessionCancelDiscardsInFlightResult(t *testing.T) {
	api := &blockingAPI{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	ticker := newManualTicker(0)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{})
	events := newSessionEvents()

	session, err := p.Start(testHandle, events.callbacks())
	require.NoError(t, err)

	ticker.tick()
	select {
	case <-api.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("status query never started")
	}

	// Cancel returns without waiting for the in-flight query.
	session.Cancel()
	close(api.release)

	// The successful result arrives after cancellation and is discarded.
	events.assertQuiet(t)
}

func TestPollSessionCancelWaitsForRunningCallback(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{pendingStep()}}
	ticker := newManualTicker(0)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var callbackReturned atomic.Bool
	terminal := make(chan PollOutcome, 1)

	session, err := p.Start(testHandle, PollCallbacks{
		OnUpdate: func(PollUpdate) {
			close(entered)
			<-release
			callbackReturned.Store(true)
		},
		OnTerminal: func(o PollOutcome) { terminal <- o },
	})
	require.NoError(t, err)

	ticker.tick()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("update callback never started")
	}

	cancelReturned := make(chan struct{})
	go func() {
		session.Cancel()
		close(cancelReturned)
	}()

	// Cancel must block while the update callback is still executing.
	select {
	case <-cancelReturned:
		t.Fatal("Cancel returned while a callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-cancelReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not return after the callback finished")
	}

	assert.True(t, callbackReturned.Load())
	select {
	case o := <-terminal:
		t.Fatalf("unexpected terminal outcome after cancel: %+v", o)
	default:
	}
}

func TestPollSessionCancelInsideUpdateCallback(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{pendingStep(), pendingStep()}}
	ticker := newManualTicker(1)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{})
	events := newSessionEvents()

	var session *PollSession
	var err error
	cancelled := make(chan struct{})
	session, err = p.Start(testHandle, PollCallbacks{
		OnUpdate: func(PollUpdate) {
			// Cancelling the session from its own callback must not
			// deadlock on the delivery fence.
			session.Cancel()
			close(cancelled)
		},
		OnTerminal: func(o PollOutcome) { events.terminal <- o },
	})
	require.NoError(t, err)

	ticker.tick()
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel inside the update callback hung")
	}

	// A tick queued after the self-cancel is never processed.
	ticker.tick()
	events.assertQuiet(t)
	assert.Equal(t, 1, api.Calls())
	assert.True(t, ticker.Stopped())
}

func TestPollSessionCancelInsideTerminalCallback(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{
		successStep(&model.AnalysisOutcome{HousesChecked: 2}),
	}}
	ticker := newManualTicker(0)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{})

	var session *PollSession
	var err error
	terminal := make(chan PollOutcome, 1)
	session, err = p.Start(testHandle, PollCallbacks{
		OnTerminal: func(o PollOutcome) {
			session.Cancel()
			terminal <- o
		},
	})
	require.NoError(t, err)

	ticker.tick()
	select {
	case o := <-terminal:
		assert.Equal(t, PollSucceeded, o.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel inside the terminal callback hung")
	}
}

func TestPollSessionNilSnapshotTreatedAsTransient(t *testing.T) {
	api := &scriptedAPI{steps: []statusStep{
		{}, // nil snapshot with a nil error from a misbehaving client
		successStep(&model.AnalysisOutcome{HousesChecked: 1}),
	}}
	ticker := newManualTicker(0)
	p := newTestPoller(t, api, &manualClock{ticker: ticker}, PollerOptions{})
	events := newSessionEvents()

	session, err := p.Start(testHandle, events.callbacks())
	require.NoError(t, err)
	defer session.Cancel()

	ticker.tick()
	ticker.tick()

	outcome := events.waitTerminal(t)
	assert.Equal(t, PollSucceeded, outcome.Kind)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Empty(t, events.drainUpdates())
}
