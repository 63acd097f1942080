package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"

	anthropicURL     = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
)

type anthropicClient struct {
	apiKey string
	model  string
	url    string
	t      *transport
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}
	clip(c.t.logger, &req)

	payload := anthropicPayload{
		Model:       c.model,
		System:      req.System,
		MaxTokens:   max(req.MaxTokens, defaultMaxTokens),
		Temperature: float64(req.Temperature),
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, anthropicMessage{
			Role:    m.Role,
			Content: []anthropicContent{{Type: "text", Text: m.Content}},
		})
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, anthropicTool(t))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}
	c.t.logger.Debug().
		Str("model", c.model).
		Int("messages", len(payload.Messages)).
		Int("tools", len(payload.Tools)).
		Int("payload_size", len(body)).
		Msg("Anthropic API request")

	data, err := c.t.post(ctx, "anthropic", c.url, map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}, body, describeAnthropicError)
	if err != nil {
		return Response{}, err
	}

	var ar anthropicResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return Response{}, fmt.Errorf("parse response: %w", err)
	}

	var buf bytes.Buffer
	for _, content := range ar.Content {
		switch content.Type {
		case "text":
			buf.WriteString(content.Text)
		case "tool_use":
			// Tool calls are surfaced as {"action": name, "input": {...}}.
			call, err := json.Marshal(map[string]any{"action": content.Name, "input": content.Input})
			if err != nil {
				return Response{}, fmt.Errorf("marshal tool call: %w", err)
			}
			return Response{Text: string(call)}, nil
		}
	}
	if buf.Len() == 0 {
		return Response{}, errors.New("empty response content")
	}
	c.t.logger.Debug().Int("response_length", buf.Len()).Msg("Anthropic API success")
	return Response{Text: buf.String()}, nil
}

func describeAnthropicError(status int, data []byte) error {
	var env struct {
		Error anthropicError `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Error() == "" {
		return fmt.Errorf("anthropic %d: %s", status, truncateString(strings.TrimSpace(string(data)), 500))
	}
	return fmt.Errorf("anthropic %d: %s (type: %s)", status, env.Error.Error(), env.Error.Type)
}

type anthropicPayload struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e anthropicError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Type
}
