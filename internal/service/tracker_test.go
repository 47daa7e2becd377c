package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/farmsight/ops-api/internal/core"
	"github.com/farmsight/ops-api/internal/domain/model"
	apperrors "github.com/farmsight/ops-api/internal/errors"
	"github.com/farmsight/ops-api/internal/mocks"
)

// tickerFactory hands out a fresh manual ticker per session so tests can
// drive each session independently.
type tickerFactory struct {
	mu      sync.Mutex
	buffer  int
	tickers []*manualTicker
}

func (f *tickerFactory) NewTicker(_ time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	tk := newManualTicker(f.buffer)
	f.tickers = append(f.tickers, tk)
	return tk
}

func (f *tickerFactory) ticker(i int) *manualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers[i]
}

func pendingRun(id, handle string) *model.AnalysisRun {
	h := handle
	return &model.AnalysisRun{
		ID:      id,
		HouseID: "H-1",
		Mode:    model.DispatchDeferred,
		Handle:  &h,
		Status:  model.RunStatusPending,
	}
}

func newTracker(t *testing.T, api core.AnalysisAPI, clock Clock, runs core.RunRepository) *Tracker {
	t.Helper()
	poller, err := NewPoller(PollerOptions{API: api, Clock: clock})
	require.NoError(t, err)

	tracker, err := NewTracker(TrackerOptions{Poller: poller, Runs: runs})
	require.NoError(t, err)
	return tracker
}

func expectMarkTerminal(runs *mocks.MockRunRepository) <-chan core.MarkTerminalParams {
	recorded := make(chan core.MarkTerminalParams, 1)
	runs.EXPECT().
		MarkTerminal(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, p core.MarkTerminalParams) (bool, error) {
			recorded <- p
			return true, nil
		})
	return recorded
}

func waitMarkTerminal(t *testing.T, ch <-chan core.MarkTerminalParams) core.MarkTerminalParams {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal record")
		return core.MarkTerminalParams{}
	}
}

func TestTrackerRejectsUntrackableRuns(t *testing.T) {
	ctrl := gomock.NewController(t)
	clock := &tickerFactory{}
	tracker := newTracker(t, &scriptedAPI{}, clock, mocks.NewMockRunRepository(ctrl))

	err := tracker.Track(nil)
	assert.True(t, apperrors.IsValidation(err))

	err = tracker.Track(&model.AnalysisRun{ID: "run-1"})
	assert.True(t, apperrors.IsValidation(err))

	empty := ""
	err = tracker.Track(&model.AnalysisRun{ID: "run-1", Handle: &empty})
	assert.True(t, apperrors.IsValidation(err))
}

func TestTrackerRecordsSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	runs := mocks.NewMockRunRepository(ctrl)
	recorded := expectMarkTerminal(runs)

	api := &scriptedAPI{steps: []statusStep{
		progressStep(),
		successStep(&model.AnalysisOutcome{HousesChecked: 6, AlertsCreated: 1}),
	}}
	clock := &tickerFactory{}
	tracker := newTracker(t, api, clock, runs)

	require.NoError(t, tracker.Track(pendingRun("run-1", "job-1")))
	assert.Equal(t, 1, tracker.ActiveSessions())

	clock.ticker(0).tick()
	clock.ticker(0).tick()

	params := waitMarkTerminal(t, recorded)
	assert.Equal(t, "run-1", params.ID)
	assert.Equal(t, model.RunStatusSucceeded, params.Status)
	require.NotNil(t, params.Outcome)
	assert.Equal(t, 6, params.Outcome.HousesChecked)
	assert.Empty(t, params.ErrMsg)

	assert.Eventually(t, func() bool {
		return tracker.ActiveSessions() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestTrackerRecordsFailureReason(t *testing.T) {
	ctrl := gomock.NewController(t)
	runs := mocks.NewMockRunRepository(ctrl)
	recorded := expectMarkTerminal(runs)

	api := &scriptedAPI{steps: []statusStep{failureStep("sensor data gap exceeds threshold")}}
	clock := &tickerFactory{}
	tracker := newTracker(t, api, clock, runs)

	require.NoError(t, tracker.Track(pendingRun("run-2", "job-2")))
	clock.ticker(0).tick()

	params := waitMarkTerminal(t, recorded)
	assert.Equal(t, model.RunStatusFailed, params.Status)
	assert.Equal(t, "sensor data gap exceeds threshold", params.ErrMsg)
	assert.Nil(t, params.Outcome)
}

func TestTrackerRecordsTimeoutAsInconclusive(t *testing.T) {
	ctrl := gomock.NewController(t)
	runs := mocks.NewMockRunRepository(ctrl)
	recorded := expectMarkTerminal(runs)

	api := &scriptedAPI{steps: []statusStep{pendingStep(), pendingStep()}}
	clock := &tickerFactory{}

	poller, err := NewPoller(PollerOptions{API: api, Clock: clock, MaxAttempts: 2})
	require.NoError(t, err)
	tracker, err := NewTracker(TrackerOptions{Poller: poller, Runs: runs})
	require.NoError(t, err)

	require.NoError(t, tracker.Track(pendingRun("run-3", "job-3")))
	clock.ticker(0).tick()
	clock.ticker(0).tick()

	params := waitMarkTerminal(t, recorded)
	assert.Equal(t, model.RunStatusInconclusive, params.Status)
	assert.Empty(t, params.ErrMsg)
	assert.Nil(t, params.Outcome)
}

func TestTrackerReplacesSessionForSameRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	runs := mocks.NewMockRunRepository(ctrl)
	recorded := expectMarkTerminal(runs)

	api := &scriptedAPI{steps: []statusStep{
		successStep(&model.AnalysisOutcome{HousesChecked: 1}),
	}}
	clock := &tickerFactory{buffer: 1}
	tracker := newTracker(t, api, clock, runs)

	require.NoError(t, tracker.Track(pendingRun("run-4", "job-4a")))
	require.NoError(t, tracker.Track(pendingRun("run-4", "job-4b")))
	assert.Equal(t, 1, tracker.ActiveSessions())

	// The first session's timer was released when it was replaced, and a
	// queued tick no longer reaches the status endpoint.
	first := clock.ticker(0)
	assert.True(t, first.Stopped())
	first.tick()

	clock.ticker(1).tick()
	params := waitMarkTerminal(t, recorded)
	assert.Equal(t, "run-4", params.ID)
	assert.Equal(t, model.RunStatusSucceeded, params.Status)
	assert.Equal(t, 1, api.Calls())
}

func TestTrackerResume(t *testing.T) {
	ctrl := gomock.NewController(t)
	runs := mocks.NewMockRunRepository(ctrl)

	orphan := &model.AnalysisRun{ID: "run-no-handle", Status: model.RunStatusPending}
	runs.EXPECT().
		ListPending(gomock.Any(), resumeBatchLimit).
		Return([]*model.AnalysisRun{
			pendingRun("run-5", "job-5"),
			orphan,
			pendingRun("run-6", "job-6"),
		}, nil)

	clock := &tickerFactory{}
	tracker := newTracker(t, &scriptedAPI{}, clock, runs)
	defer tracker.StopAll()

	require.NoError(t, tracker.Resume(context.Background()))
	assert.Equal(t, 2, tracker.ActiveSessions())
}

func TestTrackerResumeListFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	runs := mocks.NewMockRunRepository(ctrl)
	runs.EXPECT().
		ListPending(gomock.Any(), gomock.Any()).
		Return(nil, apperrors.Internal("db down"))

	clock := &tickerFactory{}
	tracker := newTracker(t, &scriptedAPI{}, clock, runs)

	err := tracker.Resume(context.Background())
	require.Error(t, err)
}

func TestTrackerStopAll(t *testing.T) {
	ctrl := gomock.NewController(t)
	runs := mocks.NewMockRunRepository(ctrl)

	clock := &tickerFactory{}
	tracker := newTracker(t, &scriptedAPI{}, clock, runs)

	require.NoError(t, tracker.Track(pendingRun("run-7", "job-7")))
	require.NoError(t, tracker.Track(pendingRun("run-8", "job-8")))
	assert.Equal(t, 2, tracker.ActiveSessions())

	tracker.StopAll()
	assert.Equal(t, 0, tracker.ActiveSessions())
	assert.True(t, clock.ticker(0).Stopped())
	assert.True(t, clock.ticker(1).Stopped())

	// A stopped tracker refuses new sessions.
	err := tracker.Track(pendingRun("run-9", "job-9"))
	require.Error(t, err)
}
