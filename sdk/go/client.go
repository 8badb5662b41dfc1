package opdtracksdk

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

// Client is a minimal OPD tracking HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
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

// WorkOrder represents the API work order model.
type WorkOrder struct {
	Number        string  `json:"number"`
	Customer      string  `json:"customer,omitempty"`
	ProductType   string  `json:"product_type,omitempty"`
	Responsible   string  `json:"responsible,omitempty"`
	OrderDate     *string `json:"order_date,omitempty"`
	ForecastStart *string `json:"forecast_start,omitempty"`
	ForecastEnd   *string `json:"forecast_end,omitempty"`
}

// Activity represents the API activity model (partial).
type Activity struct {
	ID             string  `json:"id"`
	WorkOrder      string  `json:"work_order"`
	ParentID       *string `json:"parent_id,omitempty"`
	Kind           string  `json:"kind"`
	Crew           string  `json:"crew,omitempty"`
	Status         string  `json:"status"`
	ElapsedSeconds int64   `json:"elapsed_seconds"`
	DueDate        *string `json:"due_date,omitempty"`
}

// ActivityNode is an activity with its subtasks.
type ActivityNode struct {
	Activity
	Subtasks []Activity `json:"subtasks,omitempty"`
}

// Checklist is the work order checklist view.
type Checklist struct {
	WorkOrder  string         `json:"work_order"`
	Stats      ChecklistStats `json:"stats"`
	Activities []ActivityNode `json:"activities"`
}

// ChecklistStats summarizes checklist progress.
type ChecklistStats struct {
	Total      int `json:"total"`
	ToDo       int `json:"to_do"`
	InProgress int `json:"in_progress"`
	Paused     int `json:"paused"`
	Done       int `json:"done"`
	Percent    int `json:"percent"`
}

// LogEntry represents a transition log entry.
type LogEntry struct {
	ID         int64  `json:"id"`
	ActivityID string `json:"activity_id"`
	WorkOrder  string `json:"work_order"`
	Action     string `json:"action"`
	Actor      string `json:"actor"`
	TS         string `json:"ts"`
}

// FormResult represents a stored quality-control form.
type FormResult struct {
	ID         string         `json:"id"`
	WorkOrder  string         `json:"work_order"`
	ActivityID *string        `json:"activity_id,omitempty"`
	SchemaRef  string         `json:"schema_ref"`
	FilledBy   string         `json:"filled_by"`
	Draft      bool           `json:"draft"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkOrder creates a work order and seeds its checklist.
func (c *Client) CreateWorkOrder(ctx context.Context, number, customer string) (WorkOrder, error) {
	body := map[string]any{
		"number":   number,
		"customer": customer,
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "v0/workorders", body, &resp)
	return resp, err
}

// Checklist returns the activity tree for a work order. Filters are
// optional; empty strings are ignored.
func (c *Client) Checklist(ctx context.Context, number, status, due, sort string) (Checklist, error) {
	endpoint := fmt.Sprintf("v0/workorders/%s/activities", url.PathEscape(number))
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if due != "" {
		q.Set("due", due)
	}
	if sort != "" {
		q.Set("sort", sort)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Checklist
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Timer applies a timer action (start, pause, resume, finish).
func (c *Client) Timer(ctx context.Context, number, activityID, action string) (Activity, error) {
	endpoint := fmt.Sprintf("v0/workorders/%s/activities/%s/timer", url.PathEscape(number), url.PathEscape(activityID))
	var resp Activity
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"action": action}, &resp)
	return resp, err
}

// SubmitForm stores a form result for an activity.
func (c *Client) SubmitForm(ctx context.Context, number, activityID, schemaRef string, payload map[string]any) (FormResult, error) {
	endpoint := fmt.Sprintf("v0/workorders/%s/forms", url.PathEscape(number))
	body := map[string]any{
		"activity_id": activityID,
		"schema_ref":  schemaRef,
		"payload":     payload,
	}
	var resp FormResult
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ActivityLogs returns the transition log for one activity, oldest first.
func (c *Client) ActivityLogs(ctx context.Context, number, activityID string) ([]LogEntry, error) {
	endpoint := fmt.Sprintf("v0/workorders/%s/activities/%s/logs", url.PathEscape(number), url.PathEscape(activityID))
	var resp []LogEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TailLogs returns recent log entries across work orders, newest first.
func (c *Client) TailLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	endpoint := "v0/logs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []LogEntry
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
