// Package wa proxies messages to the external WhatsApp automation
// workflow. The workflow response is passed through uninterpreted.
package wa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

var ErrNotConfigured = errors.New("whatsapp workflow not configured")

type Client struct {
	SendURL    string
	APIKey     string
	HeaderName string
	Enabled    bool
	HTTPClient *http.Client
}

func New(sendURL, apiKey, headerName string, enabled bool) *Client {
	if headerName == "" {
		headerName = "x-api-key"
	}
	return &Client{SendURL: sendURL, APIKey: apiKey, HeaderName: headerName, Enabled: enabled}
}

// Response mirrors the proxy contract: upstream status plus its raw body.
type Response struct {
	OK      bool            `json:"ok"`
	Status  int             `json:"status"`
	Data    json.RawMessage `json:"data"`
	Skipped bool            `json:"skipped,omitempty"`
}

// Send forwards a message body (and optional number) to the workflow.
// A disabled client reports a skipped success instead of calling out.
func (c *Client) Send(ctx context.Context, body, number string) (Response, error) {
	if !c.Enabled {
		return Response{OK: true, Status: http.StatusNoContent, Data: json.RawMessage(`{}`), Skipped: true}, nil
	}
	if c.SendURL == "" {
		return Response{}, ErrNotConfigured
	}
	payload := map[string]any{"body": body}
	if number != "" {
		payload["number"] = number
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.SendURL, bytes.NewReader(data))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set(c.HeaderName, c.APIKey)
	}
	res, err := c.client().Do(req)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if !json.Valid(raw) {
		raw, _ = json.Marshal(map[string]string{"raw": string(raw)})
	}
	return Response{
		OK:     res.StatusCode >= 200 && res.StatusCode < 300,
		Status: res.StatusCode,
		Data:   json.RawMessage(raw),
	}, nil
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}
