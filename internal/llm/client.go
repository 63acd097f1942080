package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	defaultMaxTokens  = 900
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
	maxRequestSize    = 200000 // ~200KB limit for safety
)

// ErrUnavailable is returned when the provider could not be reached or kept
// answering with 429/5xx until retries ran out.
var ErrUnavailable = errors.New("llm unavailable")

// ErrMalformedResponse is returned when the provider answered but the payload
// cannot be used, such as tool arguments that are not a JSON object.
var ErrMalformedResponse = errors.New("malformed llm response")

type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System      string
	Messages    []Message
	Tools       []Tool
	Temperature float32
	MaxTokens   int
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type Response struct {
	Text string
}

// Settings selects and configures a provider.
type Settings struct {
	Provider   string // "anthropic" or "openai"
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// New creates a client for s.Provider. Defaults to Anthropic.
func New(s Settings, logger zerolog.Logger) (Client, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, fmt.Errorf("missing api key for provider %q", s.Provider)
	}
	t := newTransport(s, logger)
	model := strings.Trim(strings.TrimSpace(s.Model), "\"'")

	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case "", "anthropic":
		if model == "" {
			model = defaultAnthropicModel
		}
		return &anthropicClient{apiKey: s.APIKey, model: model, url: orDefault(s.BaseURL, anthropicURL), t: t}, nil
	case "openai":
		if model == "" {
			model = defaultOpenAIModel
		}
		return &openAIClient{apiKey: s.APIKey, model: model, url: orDefault(s.BaseURL, openAIURL), t: t}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'anthropic' or 'openai')", s.Provider)
	}
}

// transport posts JSON with bounded exponential backoff. Network errors, 429
// and 5xx are retried; other 4xx fail immediately.
type transport struct {
	http       *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     zerolog.Logger
}

func newTransport(s Settings, logger zerolog.Logger) *transport {
	t := &transport{
		http:       &http.Client{Timeout: s.Timeout},
		maxRetries: s.MaxRetries,
		retryDelay: s.RetryDelay,
		logger:     logger,
	}
	if t.http.Timeout <= 0 {
		t.http.Timeout = defaultTimeout
	}
	if t.maxRetries < 0 {
		t.maxRetries = 0
	} else if t.maxRetries == 0 {
		t.maxRetries = defaultMaxRetries
	}
	if t.retryDelay <= 0 {
		t.retryDelay = defaultRetryDelay
	}
	return t
}

// apiError turns an error body into an error.
type apiError func(status int, body []byte) error

func (t *transport) post(ctx context.Context, provider, url string, headers map[string]string, body []byte, describe apiError) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			delay := t.retryDelay * time.Duration(1<<uint(attempt-1))
			t.logger.Info().
				Str("provider", provider).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying API call")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := t.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		t.logger.Debug().
			Str("provider", provider).
			Int("status", resp.StatusCode).
			Int("response_size", len(data)).
			Msg("API response")

		if resp.StatusCode >= 400 {
			lastErr = describe(resp.StatusCode, data)
			t.logger.Error().
				Str("provider", provider).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("API error")
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			return nil, lastErr
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: max retries exceeded: %v", ErrUnavailable, lastErr)
}

// clip bounds oversized prompt text.
func clip(logger zerolog.Logger, req *Request) {
	for i, m := range req.Messages {
		if len(m.Content) > maxRequestSize {
			logger.Warn().Int("message_idx", i).Int("size", len(m.Content)).Msg("message too large, truncating")
			req.Messages[i].Content = cut(m.Content, maxRequestSize) + "... [truncated]"
		}
	}
	if len(req.System) > maxRequestSize {
		logger.Warn().Int("size", len(req.System)).Msg("system prompt too large, truncating")
		req.System = cut(req.System, maxRequestSize) + "... [truncated]"
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return cut(s, maxLen) + "..."
}

// cut returns at most n bytes of s without splitting a UTF-8 sequence.
func cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
