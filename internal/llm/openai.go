package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	openAIURL          = "https://api.openai.com/v1/chat/completions"
)

type openAIClient struct {
	apiKey string
	model  string
	url    string
	t      *transport
}

type openAIPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func (c *openAIClient) Name() string { return c.model }

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}
	clip(c.t.logger, &req)

	// OpenAI takes the system prompt as the first message.
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	payload := openAIPayload{
		Model:       c.model,
		Messages:    messages,
		Temperature: float64(req.Temperature),
		MaxTokens:   max(req.MaxTokens, defaultMaxTokens),
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}
	if len(payload.Tools) > 0 {
		payload.ToolChoice = "auto"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}
	c.t.logger.Debug().
		Str("model", c.model).
		Int("messages", len(messages)).
		Int("tools", len(payload.Tools)).
		Int("payload_size", len(body)).
		Msg("OpenAI API request")

	data, err := c.t.post(ctx, "openai", c.url, map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	}, body, describeOpenAIError)
	if err != nil {
		return Response{}, err
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return Response{}, fmt.Errorf("parse response: %w (raw: %s)", err, truncateString(string(data), 500))
	}
	if len(apiResp.Choices) == 0 {
		return Response{}, errors.New("no choices in response")
	}
	choice := apiResp.Choices[0]

	if len(choice.Message.ToolCalls) > 0 {
		call := choice.Message.ToolCalls[0]
		c.t.logger.Debug().
			Str("tool_name", call.Function.Name).
			Str("tool_args", truncateString(call.Function.Arguments, 200)).
			Msg("OpenAI tool call")
		input := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				c.t.logger.Warn().Err(err).Str("tool_name", call.Function.Name).Msg("OpenAI tool arguments unparseable")
				return Response{}, fmt.Errorf("%w: tool %s arguments: %v", ErrMalformedResponse, call.Function.Name, err)
			}
		}
		out, err := json.Marshal(map[string]any{"action": call.Function.Name, "input": input})
		if err != nil {
			return Response{}, fmt.Errorf("marshal tool call: %w", err)
		}
		return Response{Text: string(out)}, nil
	}

	text := choice.Message.Content
	if text == "" {
		return Response{}, errors.New("empty response content")
	}
	c.t.logger.Debug().
		Str("finish_reason", choice.FinishReason).
		Int("total_tokens", apiResp.Usage.TotalTokens).
		Str("response_preview", truncateString(text, 200)).
		Msg("OpenAI API success")
	return Response{Text: text}, nil
}

func describeOpenAIError(status int, data []byte) error {
	var apiResp openAIResponse
	if err := json.Unmarshal(data, &apiResp); err != nil || apiResp.Error == nil {
		return fmt.Errorf("openai %d: %s", status, truncateString(strings.TrimSpace(string(data)), 500))
	}
	return fmt.Errorf("openai %d: %s (type: %s, code: %s)", status, apiResp.Error.Message, apiResp.Error.Type, apiResp.Error.Code)
}
