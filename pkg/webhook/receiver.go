package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// ErrStopped is returned when the wait for a hook response is abandoned.
var ErrStopped = errors.New("stopped waiting for webhook response")

const defaultPollInterval = 2 * time.Second

// Receiver registers hooks with a relay and polls it for the callback.
type Receiver struct {
	base   string
	client *http.Client
	every  time.Duration
}

// NewReceiver talks to the relay at baseURL, polling at most once per
// interval. A zero interval uses two seconds.
func NewReceiver(baseURL string, interval time.Duration) *Receiver {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Receiver{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: defaultTimeout},
		every:  interval,
	}
}

// CreateHook asks the relay for a new hook id.
func (r *Receiver) CreateHook(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/hooks", nil)
	if err != nil {
		return "", err
	}
	status, body, err := r.send(req)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", fmt.Errorf("create hook: relay returned %d", status)
	}
	id := gjson.Get(body, "id").String()
	if id == "" {
		return "", errors.New("create hook: relay returned no id")
	}
	return id, nil
}

// GetHookResponse polls until the hook has been called, keepGoing returns
// false, or ctx ends.
func (r *Receiver) GetHookResponse(ctx context.Context, id string, keepGoing func() bool) (string, error) {
	lim := rate.NewLimiter(rate.Every(r.every), 1)
	target := r.base + "/hooks/" + url.PathEscape(id)
	for polls := 1; ; polls++ {
		if err := lim.Wait(ctx); err != nil {
			return "", err
		}
		if !keepGoing() {
			return "", ErrStopped
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", err
		}
		status, body, err := r.send(req)
		if err != nil {
			return "", err
		}
		switch status {
		case http.StatusOK:
			slog.Debug("webhook answered", "hook", id, "polls", polls)
			return body, nil
		case http.StatusNoContent, http.StatusAccepted:
		case http.StatusNotFound:
			return "", fmt.Errorf("hook %s unknown to relay", id)
		default:
			return "", fmt.Errorf("poll hook %s: relay returned %d", id, status)
		}
	}
}

func (r *Receiver) send(req *http.Request) (int, string, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("relay: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("relay: read body: %w", err)
	}
	return resp.StatusCode, string(data), nil
}
