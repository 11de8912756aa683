package taskfeedsdk

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

// Client is a minimal Taskfeed HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. An empty token makes anonymous
// calls, which see only the communal WhatsApp tasks.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Note is one append-only annotation on a task.
type Note struct {
	ID            string         `json:"id"`
	Text          string         `json:"text"`
	User          string         `json:"user"`
	At            string         `json:"at"`
	AIImprovement map[string]any `json:"ai_improvement,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	EnhancedTitle *string `json:"enhanced_title,omitempty"`
	Steps         []any   `json:"steps,omitempty"`
	Completed     bool    `json:"completed"`
	UserID        *string `json:"user_id,omitempty"`
	UserEmail     *string `json:"user_email,omitempty"`
	Source        *string `json:"source,omitempty"`
	Notes         []Note  `json:"notes,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// TaskUpdate is a partial edit; nil fields are left untouched.
type TaskUpdate struct {
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
	Steps     []any   `json:"steps,omitempty"`
}

// NoteResult is the response to a note append.
type NoteResult struct {
	OK    bool   `json:"ok"`
	Notes []Note `json:"notes"`
	Task  Task   `json:"task"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListTasks lists the tasks visible to the caller. includeExternal adds the
// communal WhatsApp channel.
func (c *Client) ListTasks(ctx context.Context, includeExternal bool) ([]Task, error) {
	endpoint := "tasks"
	if includeExternal {
		endpoint += "?include=whatsapp"
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateTask creates a task owned by the caller.
func (c *Client) CreateTask(ctx context.Context, title string) (Task, error) {
	var resp struct {
		OK   bool `json:"ok"`
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "tasks", map[string]any{"title": title}, &resp)
	return resp.Task, err
}

// UpdateTask applies a partial edit to a task.
func (c *Client) UpdateTask(ctx context.Context, id string, u TaskUpdate) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(id), u, &resp)
	return resp, err
}

// AddNote appends a note to a task.
func (c *Client) AddNote(ctx context.Context, id, text string) (NoteResult, error) {
	var resp NoteResult
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/note", map[string]any{"note": text}, &resp)
	return resp, err
}

// DeleteTask deletes a task the caller owns, or any communal task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

// SendWhatsApp forwards a message to the WhatsApp workflow.
func (c *Client) SendWhatsApp(ctx context.Context, body, number string) (map[string]any, error) {
	payload := map[string]any{"body": body}
	if number != "" {
		payload["number"] = number
	}
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, "wa", payload, &resp)
	return resp, err
}

// Chat relays a message to the chat workflow and returns its reply.
func (c *Client) Chat(ctx context.Context, message string) (string, error) {
	var resp struct {
		Reply string `json:"reply"`
	}
	err := c.do(ctx, http.MethodPost, "chat", map[string]any{"message": message}, &resp)
	return resp.Reply, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
