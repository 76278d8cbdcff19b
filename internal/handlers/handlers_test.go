//go:build !windows

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/aicli/internal/config"
	"github.com/gluk-w/aicli/internal/database"
	"github.com/gluk-w/aicli/internal/sshtunnel"
)

func TestMain(m *testing.M) {
	sshtunnel.ServeFakeSSHIfRequested()
	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&database.TunnelEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	database.DB = db
	t.Cleanup(func() { database.Close() })
}

// setupTunnels installs a registry whose ssh is this test binary in mode.
func setupTunnels(t *testing.T, mode string) {
	t.Helper()
	for _, kv := range sshtunnel.FakeSSHEnviron(mode) {
		k, v, _ := strings.Cut(kv, "=")
		t.Setenv(k, v)
	}
	Tunnels = sshtunnel.NewRegistry(sshtunnel.Options{
		SSHBinary:    os.Args[0],
		GracePeriod:  100 * time.Millisecond,
		ProbeTimeout: 3 * time.Second,
		StopTimeout:  2 * time.Second,
	})
	Providers = &config.File{Providers: map[string]config.ProviderConfig{}}
	t.Cleanup(func() {
		Tunnels.CloseAll()
		Tunnels = nil
		Providers = nil
	})
}

func newChiRequest(method, path string, params map[string]string, body []byte) *http.Request {
	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var v map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthCheck(t *testing.T) {
	setupTestDB(t)
	setupTunnels(t, sshtunnel.FakeSSHForward)

	w := httptest.NewRecorder()
	HealthCheck(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "healthy" || body["database"] != "connected" || body["tunnels"] != float64(0) {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestHealthCheck_NoDatabase(t *testing.T) {
	database.DB = nil
	w := httptest.NewRecorder()
	HealthCheck(w, httptest.NewRequest("GET", "/health", nil))
	if body := decode(t, w); body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestTunnelLifecycle(t *testing.T) {
	setupTestDB(t)
	setupTunnels(t, sshtunnel.FakeSSHForward)

	w := httptest.NewRecorder()
	CreateTunnel(w, newChiRequest("POST", "/api/v1/tunnels/ollama", map[string]string{"name": "ollama"}, []byte(`{"host":"gpu.example.com"}`)))
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decode(t, w)
	if created["name"] != "ollama" || created["state"] != "ready" {
		t.Errorf("create body = %v", created)
	}
	url, _ := created["url"].(string)
	if !strings.HasPrefix(url, "http://localhost:") {
		t.Errorf("url = %q", url)
	}

	w = httptest.NewRecorder()
	ListTunnels(w, newChiRequest("GET", "/api/v1/tunnels", nil, nil))
	list := decode(t, w)
	active, _ := list["active"].(map[string]interface{})
	if active["ollama"] != url {
		t.Errorf("active = %v, want ollama -> %s", active, url)
	}

	w = httptest.NewRecorder()
	GetTunnel(w, newChiRequest("GET", "/api/v1/tunnels/ollama", map[string]string{"name": "ollama"}, nil))
	if w.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	GetTunnelEvents(w, newChiRequest("GET", "/api/v1/tunnels/ollama/events", map[string]string{"name": "ollama"}, nil))
	events, _ := decode(t, w)["events"].([]interface{})
	if len(events) != 1 {
		t.Errorf("events = %v, want one created event", events)
	}

	w = httptest.NewRecorder()
	DeleteTunnel(w, newChiRequest("DELETE", "/api/v1/tunnels/ollama", map[string]string{"name": "ollama"}, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	GetTunnel(w, newChiRequest("GET", "/api/v1/tunnels/ollama", map[string]string{"name": "ollama"}, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", w.Code)
	}
}

func TestCreateTunnel_FromProviderConfig(t *testing.T) {
	setupTunnels(t, sshtunnel.FakeSSHForward)
	ssh := sshtunnel.EndpointConfig{Host: "gpu.example.com"}.WithDefaults()
	Providers.Providers["ollama"] = config.ProviderConfig{SSH: &ssh}

	w := httptest.NewRecorder()
	CreateTunnel(w, newChiRequest("POST", "/api/v1/tunnels/ollama", map[string]string{"name": "ollama"}, nil))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if Tunnels.GetTunnel("ollama") == nil {
		t.Error("tunnel not registered")
	}
}

func TestCreateTunnel_BadRequests(t *testing.T) {
	setupTunnels(t, sshtunnel.FakeSSHForward)

	tests := []struct {
		name string
		body []byte
	}{
		{"no body no provider", nil},
		{"invalid json", []byte(`{"host":`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			CreateTunnel(w, newChiRequest("POST", "/api/v1/tunnels/x", map[string]string{"name": "x"}, tt.body))
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestCreateTunnel_StartFailure(t *testing.T) {
	setupTunnels(t, sshtunnel.FakeSSHAuthFail)

	w := httptest.NewRecorder()
	CreateTunnel(w, newChiRequest("POST", "/api/v1/tunnels/claude", map[string]string{"name": "claude"}, []byte(`{"host":"example.com"}`)))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	body := decode(t, w)
	if body["kind"] != "authentication_failure" {
		t.Errorf("kind = %v, want authentication_failure", body["kind"])
	}
	if !strings.Contains(body["detail"].(string), "Permission denied") {
		t.Errorf("detail = %v, want ssh diagnostic", body["detail"])
	}
}

func TestCreateTunnel_InvalidEndpoint(t *testing.T) {
	setupTunnels(t, sshtunnel.FakeSSHForward)

	w := httptest.NewRecorder()
	CreateTunnel(w, newChiRequest("POST", "/api/v1/tunnels/x", map[string]string{"name": "x"}, []byte(`{"host":"-oProxyCommand=id"}`)))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if body := decode(t, w); body["kind"] != "spawn_failure" {
		t.Errorf("kind = %v, want spawn_failure", body["kind"])
	}
}

func TestDeleteAllTunnels(t *testing.T) {
	setupTunnels(t, sshtunnel.FakeSSHForward)

	for _, name := range []string{"a", "b"} {
		if _, err := Tunnels.CreateTunnel(name, sshtunnel.EndpointConfig{Host: "example.com"}); err != nil {
			t.Fatal(err)
		}
	}

	w := httptest.NewRecorder()
	DeleteAllTunnels(w, newChiRequest("DELETE", "/api/v1/tunnels", nil, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if n := len(Tunnels.ListActive()); n != 0 {
		t.Errorf("%d tunnels still active", n)
	}
}

func TestGetTunnelHistory(t *testing.T) {
	setupTestDB(t)
	setupTunnels(t, sshtunnel.FakeSSHForward)

	for _, typ := range []sshtunnel.EventType{sshtunnel.EventCreated, sshtunnel.EventClosed} {
		if err := database.RecordTunnelEvent(sshtunnel.Event{Name: "ollama", Type: typ}); err != nil {
			t.Fatal(err)
		}
	}

	w := httptest.NewRecorder()
	GetTunnelHistory(w, newChiRequest("GET", "/api/v1/tunnels/ollama/history?limit=1", map[string]string{"name": "ollama"}, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	events, _ := decode(t, w)["events"].([]interface{})
	if len(events) != 1 {
		t.Errorf("len(events) = %d, want 1", len(events))
	}

	w = httptest.NewRecorder()
	GetTunnelHistory(w, newChiRequest("GET", "/api/v1/tunnels/ollama/history?limit=abc", map[string]string{"name": "ollama"}, nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid limit: expected 400, got %d", w.Code)
	}
}

func TestListEvents(t *testing.T) {
	setupTunnels(t, sshtunnel.FakeSSHAuthFail)

	for _, name := range []string{"claude", "ollama"} {
		w := httptest.NewRecorder()
		CreateTunnel(w, newChiRequest("POST", "/api/v1/tunnels/"+name, map[string]string{"name": name}, []byte(`{"host":"gpu.example.com"}`)))
		if w.Code != http.StatusBadGateway {
			t.Fatalf("create %s: expected 502, got %d", name, w.Code)
		}
	}

	w := httptest.NewRecorder()
	ListEvents(w, newChiRequest("GET", "/api/v1/events", nil, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	events, _ := decode(t, w)["events"].([]interface{})
	if len(events) != 2 {
		t.Fatalf("events = %v, want two start_failed events", events)
	}
	for _, e := range events {
		if ev, _ := e.(map[string]interface{}); ev["type"] != "start_failed" {
			t.Errorf("event = %v, want start_failed", ev)
		}
	}
}
