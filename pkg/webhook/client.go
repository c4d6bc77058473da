// Package webhook carries out HTTP node requests and waits for webhook
// callbacks through a small relay service.
package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ravi-parthasarathy/canvasflow/pkg/graph"
)

const defaultTimeout = 30 * time.Second

// maxErrorBody bounds how much of a failed response ends up in the error.
const maxErrorBody = 512

// Client sends request descriptors over HTTP.
type Client struct {
	HTTP    *http.Client
	Timeout time.Duration
}

// NewClient returns a Client with the default timeout.
func NewClient() *Client {
	return &Client{HTTP: &http.Client{}, Timeout: defaultTimeout}
}

// Do sends req and returns the response body. A status outside 2xx is an
// error that quotes the start of the body.
func (c *Client) Do(ctx context.Context, req graph.HTTPRequest) (string, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(reqCtx, method, req.URL, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}
	if body != nil && hreq.Header.Get("Content-Type") == "" && looksJSON(req.Body) {
		hreq.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(hreq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	slog.Debug("http request done", "method", method, "url", req.URL, "status", resp.StatusCode, "elapsed", time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody] + "..."
		}
		return "", fmt.Errorf("non-2xx status %d: %s", resp.StatusCode, strings.TrimSpace(snippet))
	}
	return string(data), nil
}

func looksJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}
