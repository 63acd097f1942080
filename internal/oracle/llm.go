package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-autopilot/internal/action"
	"github.com/polzovatel/browser-autopilot/internal/llm"
	"github.com/polzovatel/browser-autopilot/internal/script"
)

const decideSystemPrompt = `You are a fast, deterministic browser agent.
CRITICAL RULES:
1. Respond with a SINGLE JSON object and NOTHING else. Exactly one of:
   {"action": "<tool>", "input": {...}}   one primitive from the provided tools
   {"code": "<script>"}                    up to 20 primitives, one per line: <tool> <target> ["value"]
   {"finish": "<result>"}                  the task is done; result answers the task
2. Targets are locator expressions, never code:
   role=<role>[,name="..."][,exact] | text="..." | label="..." | placeholder="..." | testid=... | css=<selector>
3. Pick targets from the indexed ELEMENTS listing. Prefer role+name, then label/placeholder, then css.
4. A failed step is reported in history with its error. Do not repeat the same failing target.
5. Never finish before the task is verifiably done.`

const repairSystemPrompt = `You repair broken element locators.
A locator failed to resolve to exactly one element. From the indexed ELEMENTS listing choose the element
the failed action meant, and write a locator expression that matches that element and nothing else.
Respond with a SINGLE JSON object and NOTHING else: {"choice_index": <index>, "locator": "<expression>"}
Locator grammar: role=<role>[,name="..."][,exact] | text="..." | label="..." | placeholder="..." | testid=... | css=<selector>
Expressions are queries only. Do not include any action call.`

// LLM is an Oracle backed by a chat model.
type LLM struct {
	client llm.Client
	log    zerolog.Logger
}

func NewLLM(client llm.Client, logger zerolog.Logger) *LLM {
	return &LLM{client: client, log: logger.With().Str("comp", "oracle").Logger()}
}

func (o *LLM) Decide(ctx context.Context, req Request) (Decision, error) {
	snap := req.Observation.Snapshot
	payload := map[string]any{
		"task":     req.Task,
		"url":      req.Observation.URL,
		"title":    req.Observation.Title,
		"visible":  snap.Visible,
		"elements": snap.Listing(),
		"history":  req.History,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Decision{}, err
	}
	msg := fmt.Sprintf("STATE:\n%s\n\nOUTPUT FORMAT (strict JSON only, no text outside)\n", raw)

	resp, err := o.client.Generate(ctx, llm.Request{
		System:      decideSystemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: msg}},
		Tools:       toLLMTools(action.Vocabulary()),
		Temperature: 0.0,
		MaxTokens:   600,
	})
	if err != nil {
		return Decision{}, transportErr(err)
	}
	dec, err := parseDecision(resp.Text)
	if err != nil {
		o.log.Warn().Err(err).Str("raw", resp.Text).Msg("unusable decision")
		return Decision{}, err
	}
	return dec, nil
}

func (o *LLM) ProposeRepair(ctx context.Context, req RepairRequest) (RepairProposal, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "FAILED ACTION: %s\nERROR: %s\nURL: %s\n\nELEMENTS:\n", req.Failure.Action, req.Failure.Error, req.Failure.URL)
	for _, el := range req.Elements {
		fmt.Fprintf(&b, "[%d] %s", el.Index, el.Role)
		if el.Name != "" {
			fmt.Fprintf(&b, " name=%q", el.Name)
		}
		if el.Text != "" && el.Text != el.Name {
			fmt.Fprintf(&b, " text=%q", el.Text)
		}
		b.WriteByte('\n')
	}
	if len(req.Previous) > 0 {
		b.WriteString("\nREJECTED PROPOSALS:\n")
		for _, r := range req.Previous {
			fmt.Fprintf(&b, "- choice_index=%d locator=%s: %s\n", r.Proposal.ChoiceIndex, r.Proposal.Locator, r.Reason)
		}
	}

	resp, err := o.client.Generate(ctx, llm.Request{
		System:      repairSystemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: b.String()}},
		Temperature: 0.0,
		MaxTokens:   200,
	})
	if err != nil {
		return RepairProposal{}, transportErr(err)
	}
	return parseRepair(resp.Text)
}

func transportErr(err error) error {
	switch {
	case errors.Is(err, llm.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, llm.ErrMalformedResponse):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return err
}

func parseDecision(text string) (Decision, error) {
	jsonStr, err := extractJSON(text)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var parsed struct {
		Action string          `json:"action"`
		Input  map[string]any  `json:"input"`
		Code   string          `json:"code"`
		Finish json.RawMessage `json:"finish"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return Decision{}, fmt.Errorf("%w: llm json parse: %v", ErrMalformed, err)
	}

	switch {
	case len(parsed.Finish) > 0:
		var result string
		if err := json.Unmarshal(parsed.Finish, &result); err != nil {
			result = string(parsed.Finish)
		}
		return Decision{Terminate: true, Result: result}, nil
	case strings.EqualFold(strings.TrimSpace(parsed.Action), "finish"):
		return Decision{Terminate: true, Result: finishMessage(parsed.Input)}, nil
	case strings.TrimSpace(parsed.Code) != "":
		if _, err := script.ParseLimit(parsed.Code, script.MaxPayload); err != nil {
			return Decision{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return Decision{Code: parsed.Code}, nil
	case parsed.Action != "":
		a, err := action.FromInput(parsed.Action, parsed.Input)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return Decision{Action: &a}, nil
	}
	return Decision{}, fmt.Errorf("%w: no action, code or finish in %s", ErrMalformed, jsonStr)
}

func finishMessage(input map[string]any) string {
	for _, k := range []string{"result", "message", "text"} {
		if s, ok := input[k].(string); ok {
			return s
		}
	}
	return fmt.Sprintf("task finished: %v", input)
}

func parseRepair(text string) (RepairProposal, error) {
	jsonStr, err := extractJSON(text)
	if err != nil {
		return RepairProposal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var p struct {
		ChoiceIndex *int   `json:"choice_index"`
		Locator     string `json:"locator"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return RepairProposal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.ChoiceIndex == nil || strings.TrimSpace(p.Locator) == "" {
		return RepairProposal{}, fmt.Errorf("%w: choice_index and locator required", ErrMalformed)
	}
	return RepairProposal{ChoiceIndex: *p.ChoiceIndex, Locator: strings.TrimSpace(p.Locator)}, nil
}

func extractJSON(text string) (string, error) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return text[start : i+1], nil
				}
			}
		}
	}
	return "", errors.New("json not found")
}

func toLLMTools(ts []action.Tool) []llm.Tool {
	res := make([]llm.Tool, 0, len(ts))
	for _, t := range ts {
		res = append(res, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return res
}
