package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxmeet/internal/instrumentation"
	"github.com/teemow/inboxmeet/internal/negotiation"
	"github.com/teemow/inboxmeet/internal/server"
	"github.com/teemow/inboxmeet/internal/server/servertest"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthChecker_Readiness(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *server.HealthChecker, sc *server.ServerContext)
		wantStatus int
		wantCheck  map[string]string
	}{
		{
			name:       "ready",
			setup:      func(*server.HealthChecker, *server.ServerContext) {},
			wantStatus: http.StatusOK,
			wantCheck:  map[string]string{"ready": "ok", "shutdown": "ok"},
		},
		{
			name:       "not ready",
			setup:      func(h *server.HealthChecker, _ *server.ServerContext) { h.SetReady(false) },
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  map[string]string{"ready": "not ready"},
		},
		{
			name:       "shutting down",
			setup:      func(_ *server.HealthChecker, sc *server.ServerContext) { _ = sc.Shutdown() },
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  map[string]string{"shutdown": "shutting down"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := servertest.NewContext(t)
			h := server.NewHealthChecker(sc)
			tt.setup(h, sc)

			rec := get(t, h.ReadinessHandler(), "/readyz")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp server.HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			for k, v := range tt.wantCheck {
				if resp.Checks[k] != v {
					t.Errorf("checks[%q] = %q, want %q", k, resp.Checks[k], v)
				}
			}
		})
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := server.NewHealthChecker(nil)
	h.SetReady(false)

	rec := get(t, h.LivenessHandler(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("liveness status = %d, want %d regardless of readiness", rec.Code, http.StatusOK)
	}
}

func TestHealthChecker_Detailed(t *testing.T) {
	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)
	f := servertest.NewFixture(t, "default", servertest.Script{
		"meet": servertest.Proposal(start, time.Hour),
	})
	sc := servertest.NewContext(t, f)
	acct, err := sc.AccountFor("default")
	if err != nil {
		t.Fatalf("AccountFor() error = %v", err)
	}
	out, err := acct.Engine.HandleEmail(context.Background(), negotiation.Email{
		MessageID:  "m1",
		ThreadID:   "t1",
		From:       "alice@example.com",
		Subject:    "Sync",
		Body:       "Can we meet then?",
		ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("HandleEmail() error = %v", err)
	}
	if out.Negotiation == nil || out.Negotiation.State != negotiation.StatePendingConfirm {
		t.Fatalf("HandleEmail() = %+v, want a pending confirmation", out)
	}
	if _, err := acct.Engine.Confirm(context.Background(), out.Negotiation.ID); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	h := server.NewHealthChecker(sc)
	h.RecordPoll(3, errors.New("gmail unavailable"))

	rec := get(t, h.DetailedHealthHandler(), "/healthz/detailed")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp server.DetailedHealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Accounts) != 1 {
		t.Fatalf("accounts = %+v, want one", resp.Accounts)
	}
	got := resp.Accounts[0]
	if got.Name != "default" || got.Negotiations != 1 || got.Waiting != 0 || got.ActiveMeeting != 1 {
		t.Errorf("account status = %+v", got)
	}
	if resp.LastPoll == nil || resp.LastPoll.Processed != 3 || resp.LastPoll.Error != "gmail unavailable" {
		t.Errorf("last poll = %+v", resp.LastPoll)
	}
}

func TestHTTPServer_Routes(t *testing.T) {
	sc := servertest.NewContext(t)
	srv := server.NewHTTPServer(mcpserverForTest(), sc, server.NewHealthChecker(sc))

	for _, path := range []string{"/healthz", "/readyz", "/healthz/detailed"} {
		if rec := get(t, srv.Handler(), path); rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
	if rec := get(t, srv.Handler(), "/unknown"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /unknown status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() before Start() error = %v", err)
	}
}

func mcpserverForTest() *mcpserver.MCPServer {
	return mcpserver.NewMCPServer("inboxmeet-test", "test", mcpserver.WithToolCapabilities(true))
}

func TestMetricsServer_HealthEndpoints(t *testing.T) {
	ctx := context.Background()
	provider, err := instrumentation.NewProvider(ctx, instrumentation.Config{
		Enabled:         true,
		MetricsExporter: instrumentation.ExporterPrometheus,
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer func() { _ = provider.Shutdown(ctx) }()

	health := server.NewHealthChecker(servertest.NewContext(t))
	health.SetReady(false)
	srv, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:                    "127.0.0.1:0",
		InstrumentationProvider: provider,
		Health:                  health,
	})
	if err != nil {
		t.Fatalf("NewMetricsServer() error = %v", err)
	}

	ready := make(chan struct{})
	go func() { _ = srv.StartWithReadySignal(ready) }()
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not become ready")
	}
	defer func() { _ = srv.Shutdown(ctx) }()

	resp, err := http.Get("http://" + srv.Addr() + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}
