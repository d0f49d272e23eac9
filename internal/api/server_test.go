package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"formation_tracker/internal/deltasync"
	"formation_tracker/internal/events"
	"formation_tracker/internal/formations"
	"formation_tracker/internal/geo"
	"formation_tracker/internal/state"
	"formation_tracker/internal/target"
)

// testServer wires a server over in-memory backends.
func testServer(t *testing.T) (*Server, *state.Store) {
	t.Helper()

	store := state.NewStore(state.DefaultConfig(), nil, nil)
	notifier := events.NewNotifier(events.DefaultConfig())
	store.OnUpdate(func(up state.Update) {
		notifier.Publish(events.TargetUpdated(up))
	})
	store.OnRemove(func(rm state.Removal) {
		notifier.Publish(events.TargetRemoved(rm, time.Now().UTC()))
	})

	fstore, err := formations.Open(formations.Config{InMemory: true}, nil)
	if err != nil {
		t.Fatalf("opening formation store: %v", err)
	}
	t.Cleanup(func() { _ = fstore.Close() })

	syncSvc := deltasync.New(deltasync.Config{}, store, deltasync.NewMemoryRegistry())

	srv := NewServer(Deps{
		Store:      store,
		Sync:       syncSvc,
		Formations: fstore,
		Notifier:   notifier,
	}, Config{Port: 8080})

	return srv, store
}

func observation(id string, lon float64) target.Observation {
	return target.Observation{
		ID:       id,
		Name:     "Viper " + id,
		Platform: target.PlatformFighter,
		Position: geo.Position{Lon: lon, Lat: 39.9, Alt: 5000},
		Heading:  90,
		Speed:    250,
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, store := testServer(t)
	router := srv.Router()

	if _, err := store.Upsert(context.Background(), observation("T1", 44.0)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["targets"] != float64(1) {
		t.Errorf("targets = %v, want 1", resp["targets"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := testServer(t)
	srv.authEnabled = true
	srv.apiKeys = map[string]bool{"test-key-123": true, "another-key": true}
	router := srv.Router()

	tests := []struct {
		name       string
		apiKey     string
		keyHeader  string
		wantStatus int
	}{
		{
			name:       "no key",
			apiKey:     "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid key",
			apiKey:     "wrong-key",
			keyHeader:  "X-API-Key",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "valid key via X-API-Key",
			apiKey:     "test-key-123",
			keyHeader:  "X-API-Key",
			wantStatus: http.StatusOK,
		},
		{
			name:       "valid key via Bearer",
			apiKey:     "another-key",
			keyHeader:  "Authorization",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.apiKey != "" {
				if tt.keyHeader == "Authorization" {
					req.Header.Set("Authorization", "Bearer "+tt.apiKey)
				} else {
					req.Header.Set(tt.keyHeader, tt.apiKey)
				}
			}

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuthMiddlewareQueryParam(t *testing.T) {
	srv, _ := testServer(t)
	srv.authEnabled = true
	srv.apiKeys = map[string]bool{"query-key": true}
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/health?api_key=query-key", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for OPTIONS", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS Allow-Origin header")
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("missing CORS Allow-Methods header")
	}
}
