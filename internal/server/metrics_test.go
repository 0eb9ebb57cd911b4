package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/teemow/inboxmeet/internal/instrumentation"
)

func TestNewMetricsServer(t *testing.T) {
	tests := []struct {
		name        string
		config      MetricsServerConfig
		wantAddr    string
		errContains string
	}{
		{
			name:     "valid config",
			config:   MetricsServerConfig{Addr: ":9090", InstrumentationProvider: testProvider(t, instrumentation.ExporterPrometheus)},
			wantAddr: ":9090",
		},
		{
			name:     "default addr",
			config:   MetricsServerConfig{InstrumentationProvider: testProvider(t, instrumentation.ExporterPrometheus)},
			wantAddr: DefaultMetricsAddr,
		},
		{
			name:        "nil provider",
			config:      MetricsServerConfig{Addr: ":9090"},
			errContains: "instrumentation provider is required",
		},
		{
			name:        "disabled provider",
			config:      MetricsServerConfig{Addr: ":9090", InstrumentationProvider: disabledProvider(t)},
			errContains: "instrumentation provider is not enabled",
		},
		{
			name:        "exporter without a registry",
			config:      MetricsServerConfig{Addr: ":9090", InstrumentationProvider: testProvider(t, instrumentation.ExporterStdout)},
			errContains: "requires the prometheus exporter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := NewMetricsServer(tt.config)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("NewMetricsServer() error = %v, want it to contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewMetricsServer() unexpected error: %v", err)
			}
			if srv.Addr() != tt.wantAddr {
				t.Errorf("Addr() = %q, want %q", srv.Addr(), tt.wantAddr)
			}
		})
	}
}

func TestMetricsServer_StartAndShutdown(t *testing.T) {
	provider := testProvider(t, instrumentation.ExporterPrometheus)
	provider.Metrics().RecordExtraction(context.Background(), instrumentation.ExtractionProposal)

	srv, err := NewMetricsServer(MetricsServerConfig{Addr: "127.0.0.1:0", InstrumentationProvider: provider})
	if err != nil {
		t.Fatalf("NewMetricsServer() error = %v", err)
	}

	ready := make(chan struct{})
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.StartWithReadySignal(ready) }()

	select {
	case <-ready:
	case err := <-serverErr:
		t.Fatalf("StartWithReadySignal() error = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not become ready")
	}
	if srv.Addr() == "127.0.0.1:0" {
		t.Errorf("Addr() = %q, want the bound port", srv.Addr())
	}

	bodies := map[string]string{}
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get("http://" + srv.Addr() + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
		bodies[path] = string(b)
	}
	if !strings.Contains(bodies["/metrics"], "meeting_extractions") {
		t.Error("/metrics does not expose the engine metrics")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	select {
	case err := <-serverErr:
		if err != nil {
			t.Errorf("StartWithReadySignal() after Shutdown = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server did not stop after Shutdown()")
	}
}

func TestMetricsServer_BindError(t *testing.T) {
	srv, err := NewMetricsServer(MetricsServerConfig{
		Addr:                    "256.0.0.1:1",
		InstrumentationProvider: testProvider(t, instrumentation.ExporterPrometheus),
	})
	if err != nil {
		t.Fatalf("NewMetricsServer() error = %v", err)
	}

	ready := make(chan struct{})
	if err := srv.StartWithReadySignal(ready); err == nil {
		t.Fatal("StartWithReadySignal() expected a listen error")
	}
	select {
	case <-ready:
		t.Error("ready must not be closed when binding fails")
	default:
	}
}

func TestMetricsServer_ShutdownWithoutStart(t *testing.T) {
	srv, err := NewMetricsServer(MetricsServerConfig{InstrumentationProvider: testProvider(t, instrumentation.ExporterPrometheus)})
	if err != nil {
		t.Fatalf("NewMetricsServer() error = %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() without Start() error = %v", err)
	}
}

func testProvider(t *testing.T, exporter string) *instrumentation.Provider {
	t.Helper()
	ctx := context.Background()
	provider, err := instrumentation.NewProvider(ctx, instrumentation.Config{
		ServiceName:     "test-service",
		ServiceVersion:  "1.0.0",
		Enabled:         true,
		MetricsExporter: exporter,
		TracingExporter: instrumentation.ExporterNone,
	})
	if err != nil {
		t.Fatalf("failed to create test provider: %v", err)
	}
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })
	return provider
}

func disabledProvider(t *testing.T) *instrumentation.Provider {
	t.Helper()
	provider, err := instrumentation.NewProvider(context.Background(), instrumentation.Config{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create disabled provider: %v", err)
	}
	return provider
}
