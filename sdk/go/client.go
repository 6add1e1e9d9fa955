package keepsakesdk

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

// Client is a minimal Keepsake control API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Device is a registered backup target.
type Device struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	MountPath  string  `json:"mount_path"`
	Identifier string  `json:"identifier"`
	FreeBytes  *uint64 `json:"free_bytes,omitempty"`
	Free       string  `json:"free,omitempty"`
}

// Item is one queued, running or completed action.
type Item struct {
	Position   int           `json:"position,omitempty"`
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	State      string        `json:"state"`
	Duration   time.Duration `json:"duration_ns"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
}

type Counts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	PoolSize  int `json:"pool_size"`
	Executors int `json:"executors"`
}

// QueueStatus is the full queue snapshot.
type QueueStatus struct {
	Counts                Counts        `json:"counts"`
	AverageCompletionTime time.Duration `json:"average_completion_ns"`
	Pending               []Item        `json:"pending"`
	Running               []Item        `json:"running"`
	Completed             []Item        `json:"completed"`
}

// Event represents a catalog event.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Busy reports whether the server found the queue locked; the call may be
// retried.
func (e *APIError) Busy() bool {
	return e.StatusCode == http.StatusConflict && e.Code == "queue_busy"
}

// Devices lists registered devices with their free space.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var resp []Device
	err := c.do(ctx, http.MethodGet, "devices", nil, &resp)
	return resp, err
}

// Queue returns the queue snapshot.
func (c *Client) Queue(ctx context.Context) (QueueStatus, error) {
	var resp QueueStatus
	err := c.do(ctx, http.MethodGet, "queue", nil, &resp)
	return resp, err
}

// Reorder moves the pending actions at positions ("1,3-5") to dest ("top",
// "bottom" or a position) and returns the new pending order.
func (c *Client) Reorder(ctx context.Context, positions, dest string) ([]string, error) {
	var resp struct {
		Pending []string `json:"pending"`
	}
	err := c.do(ctx, http.MethodPost, "queue/reorder", map[string]string{"positions": positions, "to": dest}, &resp)
	return resp.Pending, err
}

// Dequeue removes pending actions and returns their names.
func (c *Client) Dequeue(ctx context.Context, positions string) ([]string, error) {
	var resp struct {
		Removed []string `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "queue/dequeue", map[string]string{"positions": positions}, &resp)
	return resp.Removed, err
}

// ClearCompleted forgets finished actions.
func (c *Client) ClearCompleted(ctx context.Context) (int, error) {
	var resp struct {
		Cleared int `json:"cleared"`
	}
	err := c.do(ctx, http.MethodPost, "queue/clear", nil, &resp)
	return resp.Cleared, err
}

// SetPoolSize changes the desired executor count.
func (c *Client) SetPoolSize(ctx context.Context, n int) (int, error) {
	var resp struct {
		Size int `json:"size"`
	}
	err := c.do(ctx, http.MethodPut, "queue/pool-size", map[string]int{"size": n}, &resp)
	return resp.Size, err
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
	endpoint := "events"
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
