package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lighthouse-project/lighthouse/internal/clock"
	"github.com/lighthouse-project/lighthouse/internal/config"
	"github.com/lighthouse-project/lighthouse/internal/db"
	"github.com/lighthouse-project/lighthouse/internal/events"
	"github.com/lighthouse-project/lighthouse/internal/games"
	"github.com/lighthouse-project/lighthouse/internal/master"
	"github.com/lighthouse-project/lighthouse/internal/registry"
)

type testAPI struct {
	srv *Server
	reg *registry.Registry
	clk *clock.Clock
}

// newTestAPI builds a router over a live registry, without binding a socket.
// archive may be nil, mirroring a disabled stats archive.
func newTestAPI(t *testing.T, cfg *config.Config, archive *db.StatsArchive) *testAPI {
	t.Helper()

	clk := clock.New()
	clk.Set(1000)

	reg, err := registry.New(registry.DefaultOptions(), clk, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	mst := master.New(cfg, reg, games.NewPolicy(zerolog.Nop()), clk, bus, nil)

	srv := NewServer(cfg, reg, mst, archive)
	srv.router = srv.buildRouter()
	return &testAPI{srv: srv, reg: reg, clk: clk}
}

func (ta *testAPI) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	ta.srv.router.ServeHTTP(w, req)
	return w
}

// addServer plants a verified record directly in the registry.
func (ta *testAPI) addServer(t *testing.T, host string, port int, game string) {
	t.Helper()
	sv, err := ta.reg.GetOrAdd(&net.UDPAddr{IP: net.ParseIP(host), Port: port}, true)
	if err != nil {
		t.Fatalf("GetOrAdd(%s:%d): %v", host, port, err)
	}
	sv.State = registry.StateOccupied
	sv.GameName = game
	sv.Protocol = 3
	sv.Timeout = ta.clk.Now() + registry.InfoResponseLife
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
	}
	return body
}

func TestPing(t *testing.T) {
	ta := newTestAPI(t, config.DefaultConfig(), nil)

	w := ta.get(t, "/api/public/ping")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}

func TestServersFilter(t *testing.T) {
	ta := newTestAPI(t, config.DefaultConfig(), nil)
	ta.addServer(t, "192.0.2.1", 26000, "DarkPlaces")
	ta.addServer(t, "192.0.2.2", 26000, "DarkPlaces")
	ta.addServer(t, "192.0.2.3", 26000, "Nexuiz")

	w := ta.get(t, "/api/public/servers")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got, want := decodeBody(t, w)["count"], float64(3); got != want {
		t.Errorf("count = %v, want %v", got, want)
	}

	w = ta.get(t, "/api/public/servers?game=DarkPlaces")
	body := decodeBody(t, w)
	if got, want := body["count"], float64(2); got != want {
		t.Errorf("filtered count = %v, want %v", got, want)
	}
	servers, ok := body["servers"].([]any)
	if !ok {
		t.Fatalf("servers field has type %T, want array", body["servers"])
	}
	for _, raw := range servers {
		sv := raw.(map[string]any)
		if sv["game"] != "DarkPlaces" {
			t.Errorf("filtered list contains game %v", sv["game"])
		}
	}
}

func TestStats(t *testing.T) {
	ta := newTestAPI(t, config.DefaultConfig(), nil)
	ta.addServer(t, "192.0.2.1", 26000, "DarkPlaces")

	w := ta.get(t, "/api/public/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decodeBody(t, w)
	regStats, ok := body["registry"].(map[string]any)
	if !ok {
		t.Fatalf("registry field has type %T, want object", body["registry"])
	}
	if got, want := regStats["active"], float64(1); got != want {
		t.Errorf("active = %v, want %v", got, want)
	}
	if _, ok := body["wire"]; !ok {
		t.Error("wire counters missing from stats response")
	}
}

func TestStatsHistory(t *testing.T) {
	archive, err := db.NewStatsArchive(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("NewStatsArchive: %v", err)
	}
	t.Cleanup(func() { archive.Close() })

	if err := archive.Insert(db.Sample{
		SampledAt: time.Now(),
		Active:    7,
		Capacity:  4096,
		IPv4:      7,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ta := newTestAPI(t, config.DefaultConfig(), archive)

	w := ta.get(t, "/api/public/stats/history")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got, want := decodeBody(t, w)["count"], float64(1); got != want {
		t.Errorf("count = %v, want %v", got, want)
	}

	if w := ta.get(t, "/api/public/stats/history?limit=bogus"); w.Code != http.StatusBadRequest {
		t.Errorf("bogus limit: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := ta.get(t, "/api/public/stats/history?limit=0"); w.Code != http.StatusBadRequest {
		t.Errorf("zero limit: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestStatsHistoryDisabled(t *testing.T) {
	ta := newTestAPI(t, config.DefaultConfig(), nil)

	w := ta.get(t, "/api/public/stats/history")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestMetrics(t *testing.T) {
	ta := newTestAPI(t, config.DefaultConfig(), nil)
	ta.addServer(t, "192.0.2.1", 26000, "DarkPlaces")

	w := ta.get(t, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	for _, metric := range []string{
		"lighthouse_servers_capacity",
		"lighthouse_servers_active",
		"lighthouse_game_servers",
	} {
		if !strings.Contains(w.Body.String(), metric) {
			t.Errorf("scrape output missing %s", metric)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	ta := newTestAPI(t, config.DefaultConfig(), nil)

	w := ta.get(t, "/api/public/bogus")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if decodeBody(t, w)["error"] == nil {
		t.Error("404 response has no error field")
	}
}

func TestRateLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ApplicationData.API.RateLimitRPS = 1
	ta := newTestAPI(t, cfg, nil)

	// Burst is twice the rate, so the third immediate request is refused.
	allowed := 0
	var lastCode int
	for i := 0; i < 3; i++ {
		w := ta.get(t, "/api/public/ping")
		lastCode = w.Code
		if w.Code == http.StatusOK {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed %d requests, want 2", allowed)
	}
	if lastCode != http.StatusTooManyRequests {
		t.Errorf("last status = %d, want %d", lastCode, http.StatusTooManyRequests)
	}
}
