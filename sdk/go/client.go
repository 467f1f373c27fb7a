// Package latticesdk is a minimal client for the lattice dashboard API.
// The API is read-only; mutation happens through the lattice CLI on the
// machine that owns the root directory.
package latticesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one dashboard server.
type Client struct {
	BaseURL     string
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

// Task mirrors the snapshot model served by the API.
type Task struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Status       string         `json:"status"`
	Priority     string         `json:"priority"`
	Urgency      string         `json:"urgency,omitempty"`
	Type         string         `json:"type"`
	Description  string         `json:"description,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	AssignedTo   string         `json:"assigned_to,omitempty"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
	LastEventID  string         `json:"last_event_id"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

// Event is one log entry.
type Event struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	TaskID string         `json:"task_id"`
	Actor  string         `json:"actor"`
	TS     string         `json:"ts"`
	Data   map[string]any `json:"data,omitempty"`
}

// Comment is one node of the threaded comment view.
type Comment struct {
	ID        string              `json:"id"`
	Author    string              `json:"author"`
	Body      string              `json:"body"`
	Role      string              `json:"role,omitempty"`
	CreatedAt string              `json:"created_at"`
	EditedAt  string              `json:"edited_at,omitempty"`
	Deleted   bool                `json:"deleted"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	Replies   []*Comment          `json:"replies,omitempty"`
}

// Stats is the aggregate summary.
type Stats struct {
	ActiveTasks    int            `json:"active_tasks"`
	ArchivedTasks  int            `json:"archived_tasks"`
	ByStatus       map[string]int `json:"by_status"`
	ByPriority     map[string]int `json:"by_priority"`
	ByType         map[string]int `json:"by_type"`
	ByAssignee     map[string]int `json:"by_assignee"`
	TotalEvents    int            `json:"total_events"`
	ArchivedEvents int            `json:"archived_events"`
	RecentlyActive int            `json:"recently_active"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status   string
	Type     string
	Assignee string
	Tag      string
	Archived bool
}

func (f TaskFilter) query() string {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.Assignee != "" {
		q.Set("assignee", f.Assignee)
	}
	if f.Tag != "" {
		q.Set("tag", f.Tag)
	}
	if f.Archived {
		q.Set("archived", "true")
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// Health checks the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "v0/health", nil)
}

// ListTasks returns task snapshots matching the filter.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, "v0/tasks"+filter.query(), &resp)
	return resp.Items, err
}

// GetTask fetches one task by full id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, bool, error) {
	var resp struct {
		Task     Task `json:"task"`
		Archived bool `json:"archived"`
	}
	err := c.do(ctx, "v0/tasks/"+url.PathEscape(taskID), &resp)
	return resp.Task, resp.Archived, err
}

// TaskEvents returns a task's event log, newest last. A limit of 0
// means the whole log.
func (c *Client) TaskEvents(ctx context.Context, taskID string, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/tasks/%s/events", url.PathEscape(taskID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, endpoint, &resp)
	return resp.Items, err
}

// TaskComments returns the threaded comment view.
func (c *Client) TaskComments(ctx context.Context, taskID string) ([]*Comment, error) {
	var resp struct {
		Items []*Comment `json:"items"`
	}
	err := c.do(ctx, fmt.Sprintf("v0/tasks/%s/comments", url.PathEscape(taskID)), &resp)
	return resp.Items, err
}

// Stats returns the aggregate summary.
func (c *Client) Stats(ctx context.Context, windowDays int) (Stats, error) {
	endpoint := "v0/stats"
	if windowDays > 0 {
		endpoint = fmt.Sprintf("%s?window_days=%d", endpoint, windowDays)
	}
	var resp Stats
	err := c.do(ctx, endpoint, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
