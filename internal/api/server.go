package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/NamanBalaji/sharebridge/internal/account"
	"github.com/NamanBalaji/sharebridge/internal/engine"
	"github.com/NamanBalaji/sharebridge/internal/events"
	"github.com/NamanBalaji/sharebridge/internal/logger"
	"github.com/NamanBalaji/sharebridge/internal/search"
	"github.com/NamanBalaji/sharebridge/internal/task"
)

// Version is reported by mode=version and the indexer caps document.
const Version = "4.3.3"

// Engine is the part of the engine the adapters drive.
type Engine interface {
	AddTask(ctx context.Context, req engine.AddRequest) (*task.Task, error)
	AddBatch(ctx context.Context, name string, reqs []engine.AddRequest) (*task.Batch, []*task.Task, error)
	Get(id uuid.UUID) (*task.Task, error)
	List(filter func(t *task.Task) bool) []*task.Task
	FindByURL(shareURL string) []*task.Task
	QueueOrder() []uuid.UUID
	Pause(id uuid.UUID) error
	Resume(id uuid.UUID) error
	Cancel(id uuid.UUID) error
	Delete(id uuid.UUID, removeFiles bool) error
	Batches() []task.BatchProgress
	Accounts() []account.Health
	RevalidateAccount(id string, resetUsage bool) error
	SetSpeedLimit(bps int64)
	Stats() engine.GlobalStats
	Subscribe() *events.Subscription
}

// Server exposes the queue adapter, the indexer adapter and the event
// stream on one mux.
type Server struct {
	engine   Engine
	provider search.Provider
	apiKey   string
}

// New creates a Server. An empty apiKey disables the key check.
func New(eng Engine, provider search.Provider, apiKey string) *Server {
	if provider == nil {
		provider = search.Disabled{}
	}

	return &Server{
		engine:   eng,
		provider: provider,
		apiKey:   apiKey,
	}
}

// Handler returns the routes of every adapter.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api", s.handleQueue)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("/indexer/api", s.handleIndexer)

	return mux
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}

	key := r.FormValue("apikey")
	if key == "" {
		key = r.Header.Get("X-Api-Key")
	}

	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("Failed to write response: %v", err)
	}
}
