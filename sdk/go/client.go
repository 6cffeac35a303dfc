package leanlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Leanline HTTP API client bound to one project.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// StageProgress is one stage of a progress report.
type StageProgress struct {
	StageID   string   `json:"stage_id"`
	Label     string   `json:"label"`
	Criteria  []string `json:"criteria"`
	Flags     []bool   `json:"flags"`
	Reachable bool     `json:"reachable"`
	Completed int      `json:"completed"`
	Total     int      `json:"total"`
	Percent   int      `json:"percent"`
}

// Progress is the whole validation journey of the project.
type Progress struct {
	Stages  []StageProgress `json:"stages"`
	Overall int             `json:"overall_percent"`
}

// CriterionUpdate is the result of toggling one criterion.
type CriterionUpdate struct {
	StageID   string `json:"stage_id"`
	Index     int    `json:"index"`
	Completed bool   `json:"completed"`
	Changed   bool   `json:"changed"`
	Stage     struct {
		Completed int `json:"completed"`
		Total     int `json:"total"`
		Percent   int `json:"percent"`
	} `json:"stage"`
	Overall int `json:"overall_percent"`
}

// Metric mirrors the API metric model.
type Metric struct {
	ID               string `json:"id,omitempty"`
	LegacyID         string `json:"legacy_id,omitempty"`
	ProjectID        string `json:"project_id,omitempty"`
	Category         string `json:"category,omitempty"`
	Name             string `json:"name"`
	CurrentValue     string `json:"current_value,omitempty"`
	TargetValue      string `json:"target_value"`
	WarningThreshold string `json:"warning_threshold,omitempty"`
	ErrorThreshold   string `json:"error_threshold,omitempty"`
	Direction        string `json:"direction,omitempty"`
	Status           string `json:"status,omitempty"`
}

// MetricPatch changes only the fields that are set.
type MetricPatch struct {
	Category         *string `json:"category,omitempty"`
	Name             *string `json:"name,omitempty"`
	CurrentValue     *string `json:"current_value,omitempty"`
	TargetValue      *string `json:"target_value,omitempty"`
	WarningThreshold *string `json:"warning_threshold,omitempty"`
	ErrorThreshold   *string `json:"error_threshold,omitempty"`
	Direction        *string `json:"direction,omitempty"`
}

// PivotOption mirrors the API pivot option model.
type PivotOption struct {
	ID                 string `json:"id,omitempty"`
	LegacyID           string `json:"legacy_id,omitempty"`
	Type               string `json:"type"`
	Description        string `json:"description"`
	TriggerDescription string `json:"trigger_description,omitempty"`
	Likelihood         string `json:"likelihood,omitempty"`
}

// Trigger links a metric to a pivot option.
type Trigger struct {
	PivotOptionID string `json:"pivot_option_id"`
	MetricID      string `json:"metric_id"`
	ThresholdType string `json:"threshold_type,omitempty"`
}

// ActiveTrigger is a trigger whose metric is at risk.
type ActiveTrigger struct {
	Trigger     Trigger     `json:"trigger"`
	PivotOption PivotOption `json:"pivot_option"`
	Metric      Metric      `json:"metric"`
}

// Signals is the pivot view of the project.
type Signals struct {
	ActiveTriggers []ActiveTrigger `json:"active_triggers"`
	AtRiskMetrics  []Metric        `json:"at_risk_metrics"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details are filled from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SyncFailed reports whether the server accepted a change but could not persist it.
func (e *APIError) SyncFailed() bool {
	return e.StatusCode == http.StatusServiceUnavailable && e.Code == "sync_failed"
}

// Progress returns per-stage and overall progress. With refresh the server reloads
// tracking from storage first.
func (c *Client) Progress(ctx context.Context, refresh bool) (Progress, error) {
	endpoint := c.projectPath("progress")
	if refresh {
		endpoint += "?refresh=true"
	}
	var resp Progress
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetCriterion marks one criterion of a stage as completed or not.
func (c *Client) SetCriterion(ctx context.Context, stageID string, index int, completed bool) (CriterionUpdate, error) {
	var resp CriterionUpdate
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/criteria/%d", url.PathEscape(stageID), index))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"completed": completed}, &resp)
	return resp, err
}

// CreateMetric creates a metric; the server classifies it.
func (c *Client) CreateMetric(ctx context.Context, m Metric) (Metric, error) {
	var resp Metric
	err := c.do(ctx, http.MethodPost, c.projectPath("metrics"), m, &resp)
	return resp, err
}

// UpdateMetric patches a metric and returns it reclassified.
func (c *Client) UpdateMetric(ctx context.Context, id string, patch MetricPatch) (Metric, error) {
	var resp Metric
	err := c.do(ctx, http.MethodPatch, c.projectPath("metrics/"+url.PathEscape(id)), patch, &resp)
	return resp, err
}

// Metrics lists metrics, optionally filtered by category.
func (c *Client) Metrics(ctx context.Context, category string) ([]Metric, error) {
	endpoint := c.projectPath("metrics")
	if category != "" {
		endpoint += "?category=" + url.QueryEscape(category)
	}
	var resp []Metric
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteMetric removes a metric and its trigger links.
func (c *Client) DeleteMetric(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("metrics/"+url.PathEscape(id)), nil, nil)
}

// CreatePivotOption creates a pivot option.
func (c *Client) CreatePivotOption(ctx context.Context, p PivotOption) (PivotOption, error) {
	var resp PivotOption
	err := c.do(ctx, http.MethodPost, c.projectPath("pivots"), p, &resp)
	return resp, err
}

// LinkTrigger links a metric to a pivot option.
func (c *Client) LinkTrigger(ctx context.Context, pivotOptionID, metricID, thresholdType string) (Trigger, error) {
	var resp Trigger
	body := Trigger{PivotOptionID: pivotOptionID, MetricID: metricID, ThresholdType: thresholdType}
	err := c.do(ctx, http.MethodPost, c.projectPath("triggers"), body, &resp)
	return resp, err
}

// UnlinkTrigger removes a trigger link.
func (c *Client) UnlinkTrigger(ctx context.Context, pivotOptionID, metricID string) error {
	endpoint := c.projectPath(fmt.Sprintf("triggers/%s/%s", url.PathEscape(pivotOptionID), url.PathEscape(metricID)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Signals returns active pivot triggers and at-risk metrics.
func (c *Client) Signals(ctx context.Context) (Signals, error) {
	var resp Signals
	err := c.do(ctx, http.MethodGet, c.projectPath("signals"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
