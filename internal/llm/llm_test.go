package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, provider string, h http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Settings{
		Provider:   provider,
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

var hello = Request{Messages: []Message{{Role: "user", Content: "hi"}}}

func TestAnthropicText(t *testing.T) {
	c := newTestClient(t, "anthropic", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		var p anthropicPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, defaultAnthropicModel, p.Model)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"finish\":\"done\"}"}]}`))
	})
	resp, err := c.Generate(context.Background(), hello)
	require.NoError(t, err)
	assert.Equal(t, `{"finish":"done"}`, resp.Text)
}

func TestAnthropicToolUse(t *testing.T) {
	c := newTestClient(t, "anthropic", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[{"type":"tool_use","name":"click","input":{"target":"css=#go"}}]}`))
	})
	resp, err := c.Generate(context.Background(), hello)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"click","input":{"target":"css=#go"}}`, resp.Text)
}

func TestRetriesThenUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, "openai", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	})
	_, err := c.Generate(context.Background(), hello)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, "openai", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})
	resp, err := c.Generate(context.Background(), hello)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, "openai", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad","type":"invalid_request_error"}}`))
	})
	_, err := c.Generate(context.Background(), hello)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "openai 400: bad")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIToolCall(t *testing.T) {
	c := newTestClient(t, "openai", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"tool_calls":[{"function":{"name":"fill","arguments":"{\"target\":\"css=#q\",\"value\":\"go\"}"}}]}}]}`))
	})
	resp, err := c.Generate(context.Background(), hello)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"fill","input":{"target":"css=#q","value":"go"}}`, resp.Text)
}

func TestOpenAIToolCallBadArguments(t *testing.T) {
	c := newTestClient(t, "openai", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"tool_calls":[{"function":{"name":"fill","arguments":"{\"target\": css=#q"}}]}}]}`))
	})
	_, err := c.Generate(context.Background(), hello)
	require.ErrorIs(t, err, ErrMalformedResponse)
	assert.Contains(t, err.Error(), "fill")
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestTruncationKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("щ", 10) // two bytes per rune
	got := truncateString(s, 7)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("щ", 3)+"...", got)

	req := Request{System: strings.Repeat("я", maxRequestSize), Messages: []Message{{Role: "user", Content: "ok" + strings.Repeat("ж", maxRequestSize)}}}
	clip(zerolog.Nop(), &req)
	assert.True(t, utf8.ValidString(req.System))
	assert.True(t, utf8.ValidString(req.Messages[0].Content))
	assert.Equal(t, "ok", req.Messages[0].Content[:2])
}

func TestNewValidates(t *testing.T) {
	_, err := New(Settings{Provider: "anthropic"}, zerolog.Nop())
	require.Error(t, err)
	_, err = New(Settings{Provider: "cohere", APIKey: "k"}, zerolog.Nop())
	require.Error(t, err)
}
