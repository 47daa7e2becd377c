// Package farmcore provides the HTTP client for the farm-core analysis
// service. It translates the wire protocol into domain types and classifies
// failures so callers can tell "could not even start" from "started and
// then failed".
package farmcore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/farmsight/ops-api/internal/domain/model"
	apperrors "github.com/farmsight/ops-api/internal/errors"
)

const (
	// maxResponseBytes caps how much of a response body is read. Status
	// and dispatch payloads are small; anything larger is malformed.
	maxResponseBytes = 1 << 20

	requestIDHeader = "X-Request-ID"
)

// Config captures the subset of farm-core client behaviour we need.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client

	// Optional client-credentials auth for service-to-service calls.
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Client calls the farm-core analysis endpoints.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a farm-core client. Callers should pass a validated config.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("farm-core base url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid farm-core base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid farm-core url scheme: %s", u.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	hc := cfg.Client
	if hc == nil {
		if cfg.TokenURL != "" {
			cc := clientcredentials.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				TokenURL:     cfg.TokenURL,
			}
			hc = cc.Client(context.Background())
			hc.Timeout = timeout
		} else {
			hc = &http.Client{Timeout: timeout}
		}
	}

	return &Client{baseURL: baseURL, client: hc}, nil
}

// dispatchResponse is the wire shape of POST /analysis/start.
type dispatchResponse struct {
	Mode    string       `json:"mode"`
	Handle  string       `json:"handle"`
	Result  *wireOutcome `json:"result"`
	Warning string       `json:"warning"`
}

// statusResponse is the wire shape of GET /analysis/status/{handle}.
// Outcome fields are flattened alongside the status marker. The backend
// calls the notification count "emails".
type statusResponse struct {
	Status  model.JobStatus `json:"status"`
	Checked int             `json:"checked"`
	Alerts  int             `json:"alerts"`
	Emails  int             `json:"emails"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

type wireOutcome struct {
	Checked int    `json:"checked"`
	Alerts  int    `json:"alerts"`
	Emails  int    `json:"emails"`
	Message string `json:"message"`
}

func (o *wireOutcome) toModel() *model.AnalysisOutcome {
	if o == nil {
		return nil
	}
	return &model.AnalysisOutcome{
		HousesChecked:     o.Checked,
		AlertsCreated:     o.Alerts,
		NotificationsSent: o.Emails,
		Message:           o.Message,
	}
}

// Execution-mode markers on the dispatch response.
const (
	modeSynchronous  = "synchronous"
	modeAsynchronous = "asynchronous"
	modeSyncFallback = "sync_fallback"
)

// Dispatch starts an analysis run and classifies the response.
func (c *Client) Dispatch(
	ctx context.Context,
	req model.AnalysisRequest,
) (*model.DispatchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDispatch, "encode dispatch request")
	}

	raw, err := c.do(ctx, http.MethodPost, c.baseURL+"/analysis/start", body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDispatch, "start analysis")
	}

	var resp dispatchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDispatch, "decode dispatch response")
	}

	return classifyDispatch(resp)
}

// classifyDispatch maps the execution-mode marker onto the tagged union.
// An absent marker means the backend ran the analysis inline without
// issuing a handle.
func classifyDispatch(resp dispatchResponse) (*model.DispatchResult, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Mode)) {
	case modeAsynchronous:
		handle := model.JobHandle(resp.Handle)
		if !handle.Valid() {
			return nil, apperrors.Dispatch("asynchronous dispatch response missing job handle")
		}
		return &model.DispatchResult{Kind: model.DispatchDeferred, Handle: handle}, nil

	case modeSyncFallback:
		outcome := resp.Result.toModel()
		if outcome == nil {
			return nil, apperrors.Dispatch("fallback dispatch response missing result")
		}
		return &model.DispatchResult{
			Kind:    model.DispatchFallback,
			Outcome: outcome,
			Warning: resp.Warning,
		}, nil

	case modeSynchronous, "":
		outcome := resp.Result.toModel()
		if outcome == nil {
			return nil, apperrors.Dispatch("synchronous dispatch response missing result")
		}
		return &model.DispatchResult{Kind: model.DispatchImmediate, Outcome: outcome}, nil

	default:
		return nil, apperrors.Dispatchf("unknown execution mode: %q", resp.Mode)
	}
}

// Status queries one observation of a background run.
func (c *Client) Status(
	ctx context.Context,
	handle model.JobHandle,
) (*model.StatusSnapshot, error) {
	if !handle.Valid() {
		return nil, apperrors.Validation("job handle is required")
	}

	endpoint := c.baseURL + "/analysis/status/" + url.PathEscape(string(handle))
	raw, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeStatusQuery, "query status for %s", handle)
	}

	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStatusQuery, "decode status response")
	}
	if !resp.Status.Valid() {
		return nil, apperrors.StatusQuery("status response missing status marker")
	}

	snapshot := &model.StatusSnapshot{Status: resp.Status}
	switch resp.Status {
	case model.JobStatusSucceeded:
		snapshot.Outcome = &model.AnalysisOutcome{
			HousesChecked:     resp.Checked,
			AlertsCreated:     resp.Alerts,
			NotificationsSent: resp.Emails,
			Message:           resp.Message,
		}
	case model.JobStatusFailed:
		snapshot.Error = resp.Error
		if snapshot.Error == "" {
			snapshot.Error = "analysis failed without a reason"
		}
	case model.JobStatusPending, model.JobStatusInProgress:
		// No payload on non-terminal statuses.
	}

	return snapshot, nil
}

// do performs one HTTP round trip and returns the body for 2xx responses.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet(payload))
	}

	return payload, nil
}

// snippet trims a response body for inclusion in error messages.
func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
