package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxmeet/internal/intent"
)

func chatServer(t *testing.T, calls *atomic.Int32, handler func(n int32, w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		handler(calls.Add(1), w)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeContent(w http.ResponseWriter, content string) {
	resp := map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:        url + "/v1",
		APIKey:         "test-key",
		MaxTries:       3,
		InitialBackoff: time.Millisecond,
	}, nil)
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC) }
	return c
}

func TestClient_Understand(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, &calls, func(_ int32, w http.ResponseWriter) {
		writeContent(w, "```json\n"+`{"is_meeting": true, "confidence": 0.8, "mentions": [{"text": "Tuesday 2pm", "start": "2025-03-04T14:00:00",}], "duration_minutes": 45,}`+"\n```")
	})
	c := newTestClient(t, srv.URL)

	u, err := c.Understand(context.Background(), "Can we meet Tuesday 2pm?")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, u.Confidence, 1e-9)
	assert.Equal(t, []intent.TimeMention{{Text: "Tuesday 2pm", Start: "2025-03-04T14:00:00"}}, u.Mentions)
	assert.Equal(t, 45*time.Minute, u.Duration)

	_, err = c.Understand(context.Background(), "Can we meet Tuesday 2pm?")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second call should be served from cache")
}

func TestClient_NotMeetingZeroesConfidence(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, &calls, func(_ int32, w http.ResponseWriter) {
		writeContent(w, `{"is_meeting": false, "confidence": 0.95, "mentions": []}`)
	})
	u, err := newTestClient(t, srv.URL).Understand(context.Background(), "Invoice attached")
	require.NoError(t, err)
	assert.Zero(t, u.Confidence)
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, &calls, func(n int32, w http.ResponseWriter) {
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeContent(w, `{"is_meeting": true, "confidence": 0.7}`)
	})
	u, err := newTestClient(t, srv.URL).Understand(context.Background(), "meet?")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, u.Confidence, 1e-9)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, &calls, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	})
	_, err := newTestClient(t, srv.URL).Understand(context.Background(), "meet?")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)
}

func TestFallback(t *testing.T) {
	failing := intent.UnderstanderFunc(func(context.Context, string) (intent.Understanding, error) {
		return intent.Understanding{}, errors.New("unavailable")
	})
	f := NewFallback(failing, nil)

	u, err := f.Understand(context.Background(), "Can we meet Tuesday at 2pm?")
	require.NoError(t, err)
	assert.NotEmpty(t, u.Mentions)
	assert.Greater(t, u.Confidence, 0.6)
}

func TestNew_WithoutKeyUsesKeywords(t *testing.T) {
	u, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, intent.KeywordUnderstander{}, u)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "a", truncate("aé", 2))
}
