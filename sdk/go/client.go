package taskflowsdk

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

// Client is a minimal Taskflow HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkItem represents the API work item model.
type WorkItem struct {
	ID                   string   `json:"id"`
	Kind                 string   `json:"kind"`
	Title                string   `json:"title"`
	Status               string   `json:"status"`
	Tags                 []string `json:"tags,omitempty"`
	ParentID             *string  `json:"parent_id,omitempty"`
	RequiresVerification bool     `json:"requires_verification,omitempty"`
	CreatedAt            string   `json:"created_at"`
	UpdatedAt            string   `json:"updated_at"`
}

// DependencyEdge represents a BLOCKS edge between two tasks.
type DependencyEdge struct {
	FromTaskID string `json:"from_task_id"`
	ToTaskID   string `json:"to_task_id"`
	Type       string `json:"type"`
	CreatedAt  string `json:"created_at"`
}

// AppliedChange is one status mutation.
type AppliedChange struct {
	ItemID    string `json:"item_id"`
	Kind      string `json:"kind"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// CascadeEvent describes one ancestor evaluation during a cascade.
type CascadeEvent struct {
	ItemID  string         `json:"item_id"`
	Kind    string         `json:"kind"`
	Outcome string         `json:"outcome"`
	Change  *AppliedChange `json:"change,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// CleanupNote reports cleanup handling of one task.
type CleanupNote struct {
	TaskID   string `json:"task_id"`
	Deleted  bool   `json:"deleted,omitempty"`
	Retained bool   `json:"retained,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// TransitionResult is the full outcome of a transition request.
type TransitionResult struct {
	Applied        AppliedChange  `json:"applied"`
	CascadeEvents  []CascadeEvent `json:"cascade_events,omitempty"`
	UnblockedTasks []string       `json:"unblocked_tasks,omitempty"`
	Cleanup        []CleanupNote  `json:"cleanup,omitempty"`
}

// Recommendation is the read-only next-status answer.
type Recommendation struct {
	Next     string   `json:"next,omitempty"`
	Options  []string `json:"options,omitempty"`
	Terminal bool     `json:"terminal"`
}

// Verification represents one satisfied criterion.
type Verification struct {
	ID          string `json:"id"`
	ItemID      string `json:"item_id"`
	Criterion   string `json:"criterion"`
	SatisfiedBy string `json:"satisfied_by"`
	TS          string `json:"ts"`
}

// Event represents a log entry. Payload is the raw JSON document recorded
// with the event.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	ItemID   string `json:"item_id,omitempty"`
	ItemKind string `json:"item_kind"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateItemRequest carries item creation parameters.
type CreateItemRequest struct {
	ID                   string   `json:"id,omitempty"`
	Kind                 string   `json:"kind"`
	Title                string   `json:"title"`
	Tags                 []string `json:"tags,omitempty"`
	ParentID             string   `json:"parent_id,omitempty"`
	RequiresVerification bool     `json:"requires_verification,omitempty"`
}

// CreateItem creates a work item at its flow's entry status.
func (c *Client) CreateItem(ctx context.Context, req CreateItemRequest) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "items", req, &resp)
	return resp, err
}

// GetItem fetches a work item by id.
func (c *Client) GetItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListItems lists work items, optionally filtered by kind and status.
func (c *Client) ListItems(ctx context.Context, kind, status string) ([]WorkItem, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "items"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteItem removes a work item.
func (c *Client) DeleteItem(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "items/"+url.PathEscape(id), nil, nil)
}

// Transition applies a trigger on an item and returns the full outcome,
// including cascades, unblocked tasks and cleanup notes.
func (c *Client) Transition(ctx context.Context, id, trigger string) (TransitionResult, error) {
	body := map[string]any{"trigger": trigger}
	var resp TransitionResult
	endpoint := fmt.Sprintf("items/%s/transition", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// NextStatus returns the forward recommendation without mutating.
func (c *Client) NextStatus(ctx context.Context, id string) (Recommendation, error) {
	var resp Recommendation
	endpoint := fmt.Sprintf("items/%s/next-status", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddDependency inserts a BLOCKS edge: from must finish before to starts.
func (c *Client) AddDependency(ctx context.Context, from, to string) (DependencyEdge, error) {
	body := map[string]any{"from": from, "to": to}
	var resp DependencyEdge
	err := c.do(ctx, http.MethodPost, "dependencies", body, &resp)
	return resp, err
}

// AddDependencyBatch atomically applies a linear, fan-out or fan-in
// pattern over the given tasks.
func (c *Client) AddDependencyBatch(ctx context.Context, pattern string, taskIDs []string) ([]DependencyEdge, error) {
	body := map[string]any{"pattern": pattern, "task_ids": taskIDs}
	var resp []DependencyEdge
	err := c.do(ctx, http.MethodPost, "dependencies/batch", body, &resp)
	return resp, err
}

// Blocked reports whether the task has unfinished predecessors.
func (c *Client) Blocked(ctx context.Context, taskID string) (bool, error) {
	var resp map[string]bool
	endpoint := fmt.Sprintf("tasks/%s/blocked", url.PathEscape(taskID))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return false, err
	}
	return resp["blocked"], nil
}

// Blockers returns every task transitively blocking the given one.
func (c *Client) Blockers(ctx context.Context, taskID string) ([]string, error) {
	var resp []string
	endpoint := fmt.Sprintf("tasks/%s/blockers", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RequireCriterion registers a completion criterion on an item.
func (c *Client) RequireCriterion(ctx context.Context, itemID, criterion string) error {
	body := map[string]any{"criterion": criterion}
	endpoint := fmt.Sprintf("items/%s/criteria", url.PathEscape(itemID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// RecordVerification marks one criterion satisfied.
func (c *Client) RecordVerification(ctx context.Context, itemID, criterion string) (Verification, error) {
	body := map[string]any{"criterion": criterion}
	var resp Verification
	endpoint := fmt.Sprintf("items/%s/verifications", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent audit events, newest first.
func (c *Client) Events(ctx context.Context, itemID string, limit int) ([]Event, error) {
	q := url.Values{}
	if itemID != "" {
		q.Set("item", itemID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
