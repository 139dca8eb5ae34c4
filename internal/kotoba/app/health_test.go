package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// --- mock ---

type fixedStats struct{ stats Stats }

func (f fixedStats) Stats() Stats { return f.stats }

func TestHealthServer_Health(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0", fixedStats{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestHealthServer_Status(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0", fixedStats{Stats{Sessions: 2, Commands: 9, PluginsLoaded: 4, PluginsEnabled: 3}})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	for key, want := range map[string]float64{"sessions": 2, "commands": 9, "plugins_loaded": 4, "plugins_enabled": 3} {
		if got, _ := resp[key].(float64); got != want {
			t.Errorf("%s: got %v, want %v", key, resp[key], want)
		}
	}
}

func TestHealthServer_MethodNotAllowed(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health: got %d, want 405", w.Code)
	}
}
