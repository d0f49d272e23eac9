// Package api exposes the sync protocol, the target cache, formation
// queries and the change-event stream over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"formation_tracker/internal/deltasync"
	"formation_tracker/internal/events"
	"formation_tracker/internal/formations"
	"formation_tracker/internal/recognizer"
	"formation_tracker/internal/state"
	"formation_tracker/internal/target"
)

// RecognizeFunc applies observations and runs one recognition pass over
// the current cache.
type RecognizeFunc func(ctx context.Context, obs []target.Observation, emitEvents bool) (recognizer.Result, []state.ItemStatus)

// ApplyFunc applies a batch of observations to the cache.
type ApplyFunc func(ctx context.Context, obs []target.Observation, emitEvents bool) []state.ItemStatus

// Deps are the services a server binds to HTTP.
type Deps struct {
	Store      *state.Store
	Sync       *deltasync.Service
	Formations *formations.Store
	Notifier   *events.Notifier
	// Recognize may be nil when no recognition loop is attached.
	Recognize RecognizeFunc
	// Apply routes batch updates. When nil the store's ApplyBatch is
	// used directly.
	Apply ApplyFunc
}

// Config holds configuration for the API server.
type Config struct {
	Port        int
	AuthEnabled bool
	APIKeys     []string // List of valid API keys.
	Logger      *slog.Logger
}

// Server provides HTTP and WebSocket access to the tracker.
type Server struct {
	store      *state.Store
	sync       *deltasync.Service
	formations *formations.Store
	notifier   *events.Notifier
	recognize  RecognizeFunc
	apply      ApplyFunc

	log         *slog.Logger
	port        int
	authEnabled bool
	apiKeys     map[string]bool // Simple API key auth (when enabled).
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg Config) *Server {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	apply := deps.Apply
	if apply == nil && deps.Store != nil {
		apply = deps.Store.ApplyBatch
	}

	return &Server{
		store:       deps.Store,
		sync:        deps.Sync,
		formations:  deps.Formations,
		notifier:    deps.Notifier,
		recognize:   deps.Recognize,
		apply:       apply,
		log:         log,
		port:        cfg.Port,
		authEnabled: cfg.AuthEnabled,
		apiKeys:     keys,
	}
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.log.Info("api listening", "addr", srv.Addr, "auth", s.authEnabled)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Router returns the configured chi router for embedding in other servers.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	// Standard middleware.
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// CORS for browser access.
	r.Use(corsMiddleware)

	// Optional authentication.
	if s.authEnabled {
		r.Use(s.authMiddleware)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		// The stream stays outside the timeout group: it lives for the
		// whole connection.
		r.Get("/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/sync/session", s.handleCreateSession)
			r.Post("/sync/pull", s.handlePull)
			r.Delete("/sync/session/{session_id}", s.handleCloseSession)

			r.Get("/targets", s.handleListTargets)
			r.Get("/targets/{target_id}", s.handleGetTarget)
			r.Post("/targets", s.handleUpsertTarget)
			r.Post("/targets/batch", s.handleBatchUpdate)
			r.Delete("/targets/{target_id}", s.handleRemoveTarget)

			r.Post("/recognize", s.handleRecognize)

			r.Get("/formations/latest", s.handleFormationsLatest)
			r.Get("/formations/range", s.handleFormationsRange)
			r.Get("/formations/day/{day}", s.handleFormationsDay)
			r.Get("/formations/stats", s.handleFormationsStats)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check X-API-Key header first.
		apiKey := r.Header.Get("X-API-Key")

		// Fall back to Authorization: Bearer <key>.
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		// Fall back to query parameter (for simple testing).
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.store != nil {
		health["targets"] = s.store.Count()
	}
	if s.notifier != nil {
		health["subscribers"] = s.notifier.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, health)
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
