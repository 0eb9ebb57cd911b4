package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{" JSON ", FormatJSON, false},
		{"logfmt", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: slog.LevelInfo, Format: FormatJSON, Service: "inboxmeet"})

	logger.Debug("hidden")
	logger.Info("negotiation transition", Negotiation("n-1"), slog.Duration("took", 1500*time.Millisecond))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1 (debug must be filtered): %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if rec[KeyService] != "inboxmeet" {
		t.Errorf("service = %v, want inboxmeet", rec[KeyService])
	}
	if rec[KeyNegotiation] != "n-1" {
		t.Errorf("negotiation_id = %v, want n-1", rec[KeyNegotiation])
	}
	if rec["took"] != "1.5s" {
		t.Errorf("took = %v, want 1.5s", rec["took"])
	}
}

func TestNew_TextDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: slog.LevelDebug})

	logger.Debug("polling", Status("ok"))

	out := buf.String()
	if !strings.Contains(out, "level=DEBUG") || !strings.Contains(out, "status=ok") {
		t.Errorf("unexpected text output: %q", out)
	}
	if strings.Contains(out, KeyService+"=") {
		t.Errorf("service attribute added without Options.Service: %q", out)
	}
}
