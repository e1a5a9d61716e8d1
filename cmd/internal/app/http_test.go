package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relay/cmd/internal/chat"
	"relay/cmd/internal/realtime"
)

func TestHealthzAndReadyz_MemoryMode(t *testing.T) {
	mux := newTestMux(t, Config{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz: code=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ready\n" {
		t.Fatalf("readyz: code=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyz_RequiresConfiguredDB(t *testing.T) {
	mux := newTestMux(t, Config{ReadinessRequireDB: true})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz without db: code=%d want 503", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux := newTestMux(t, Config{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: code=%d want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "relay_connections_active") {
		t.Fatalf("metrics body missing gateway collectors")
	}
}

// ---- test helpers ----

func newTestMux(t *testing.T, cfg Config) *http.ServeMux {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	core := chat.NewService(chat.NewMemoryStore(), chat.NewPermissiveMembership(), log)
	ws := realtime.NewWSGateway(log, realtime.NewHub(log), core)

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, nil, false, ws)
	return mux
}
