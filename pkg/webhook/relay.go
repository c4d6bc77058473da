package webhook

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxCallbackBody bounds a stored callback.
const maxCallbackBody = 1 << 20

type hook struct {
	created  time.Time
	answered bool
	body     string
}

// Relay is the service a Receiver talks to. It hands out hook ids, stores
// the first callback each hook receives, and answers polls for it.
//
//	POST /hooks        create a hook, {"id": "..."}
//	POST /hooks/{id}   deliver the callback body
//	GET  /hooks/{id}   200 with the body once delivered, 204 before
type Relay struct {
	// TTL drops hooks older than this on each create. Zero keeps them.
	TTL time.Duration

	mu    sync.Mutex
	hooks map[string]*hook
}

// NewRelay returns an empty relay.
func NewRelay(ttl time.Duration) *Relay {
	return &Relay{TTL: ttl, hooks: make(map[string]*hook)}
}

// Handler routes the relay endpoints.
func (rl *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks", rl.create)
	mux.HandleFunc("POST /hooks/{id}", rl.deliver)
	mux.HandleFunc("GET /hooks/{id}", rl.poll)
	return mux
}

func (rl *Relay) create(w http.ResponseWriter, _ *http.Request) {
	id := uuid.NewString()
	now := time.Now()
	rl.mu.Lock()
	if rl.TTL > 0 {
		for k, h := range rl.hooks {
			if now.Sub(h.created) > rl.TTL {
				delete(rl.hooks, k)
			}
		}
	}
	rl.hooks[id] = &hook{created: now}
	rl.mu.Unlock()

	slog.Debug("hook created", "hook", id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = fmt.Fprintf(w, `{"id":%q}`, id)
}

func (rl *Relay) deliver(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	h, ok := rl.hooks[id]
	switch {
	case !ok:
		http.NotFound(w, r)
	case h.answered:
		http.Error(w, "hook already answered", http.StatusConflict)
	default:
		h.answered, h.body = true, string(data)
		slog.Debug("hook answered", "hook", id, "bytes", len(data))
		w.WriteHeader(http.StatusAccepted)
	}
}

func (rl *Relay) poll(w http.ResponseWriter, r *http.Request) {
	rl.mu.Lock()
	h, ok := rl.hooks[r.PathValue("id")]
	var body string
	var answered bool
	if ok {
		body, answered = h.body, h.answered
	}
	rl.mu.Unlock()
	switch {
	case !ok:
		http.NotFound(w, r)
	case !answered:
		w.WriteHeader(http.StatusNoContent)
	default:
		_, _ = io.WriteString(w, body)
	}
}
