package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ChatClient talks to the conversational workflow. Replies come back in a
// handful of shapes depending on which node answered, so extraction is
// best-effort.
type ChatClient struct {
	URL        string
	APIKey     string
	HeaderName string
	HTTPClient *http.Client
}

func NewChat(url, apiKey, headerName string) *ChatClient {
	if headerName == "" {
		headerName = "x-api-key"
	}
	return &ChatClient{URL: url, APIKey: apiKey, HeaderName: headerName}
}

func (c *ChatClient) Configured() bool {
	return c != nil && c.URL != ""
}

// Ask forwards a message and returns the workflow's textual reply.
func (c *ChatClient) Ask(ctx context.Context, userEmail, message string) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("%w: no chat url configured", ErrUnavailable)
	}
	data, err := json.Marshal(map[string]any{"userEmail": userEmail, "message": message})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set(c.HeaderName, c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	return extractReply(body), nil
}

func extractReply(body []byte) string {
	var payload struct {
		Reply      string `json:"reply"`
		OutputText string `json:"output_text"`
		Text       string `json:"text"`
		Choices    []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return string(body)
	}
	switch {
	case payload.Reply != "":
		return payload.Reply
	case payload.OutputText != "":
		return payload.OutputText
	case payload.Text != "":
		return payload.Text
	case len(payload.Choices) > 0 && payload.Choices[0].Message.Content != "":
		return payload.Choices[0].Message.Content
	}
	return "(no reply)"
}
