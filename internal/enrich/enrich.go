// Package enrich calls the external enhancement workflow that rewrites
// task titles and proposes step breakdowns. Every failure here is
// non-fatal: callers log and continue with the original title.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

// ErrUnavailable wraps any transport or non-2xx failure from the workflow.
var ErrUnavailable = errors.New("enrichment unavailable")

type Client struct {
	URL        string
	APIKey     string
	HeaderName string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(url, apiKey, headerName string, timeout time.Duration) *Client {
	if headerName == "" {
		headerName = "x-api-key"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{URL: url, APIKey: apiKey, HeaderName: headerName, Timeout: timeout}
}

// Result is the decoded workflow response. The workflow answers snake_case
// on task creation and camelCase on note improvement, so both spellings
// are decoded.
type Result struct {
	EnhancedTitle    string   `json:"enhanced_title"`
	EnhancedTitleAlt string   `json:"enhancedTitle"`
	Steps            []any    `json:"steps"`
	Suggestions      []string `json:"suggestions"`

	raw map[string]any
}

// Title returns the rewritten title, whichever key carried it.
func (r *Result) Title() string {
	if r.EnhancedTitle != "" {
		return r.EnhancedTitle
	}
	return r.EnhancedTitleAlt
}

// Raw returns the full workflow payload for embedding in a note.
func (r *Result) Raw() map[string]any {
	return r.raw
}

// Configured reports whether the workflow can be called at all.
func (c *Client) Configured() bool {
	return c != nil && c.URL != ""
}

// EnhanceTitle asks the workflow to rewrite a freshly created task title.
func (c *Client) EnhanceTitle(ctx context.Context, title string) (*Result, error) {
	return c.post(ctx, map[string]any{"title": title})
}

// ImproveNote asks the workflow to react to a note added to an existing task.
func (c *Client) ImproveNote(ctx context.Context, taskID, title, note, userEmail string) (*Result, error) {
	return c.post(ctx, map[string]any{
		"task_id":    taskID,
		"title":      title,
		"note":       note,
		"user_email": userEmail,
	})
}

func (c *Client) post(ctx context.Context, payload map[string]any) (*Result, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: no workflow url configured", ErrUnavailable)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set(c.HeaderName, c.APIKey)
	}
	res, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	_ = json.Unmarshal(body, &result.raw)
	return &result, nil
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.timeout()}
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}
