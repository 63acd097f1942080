package action

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tool describes one vocabulary entry to a model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

const targetHelp = `locator expression: role=<role>[,name="..."][,exact] | text="..." | label="..." | placeholder="..." | testid=... | css=<selector>`

var vocabulary = []Tool{
	newTool(string(Goto), "Open URL", schema{"url": str("absolute http(s) url")}, []string{"url"}),
	newTool(string(Click), "Click the single element matched by target", schema{"target": str(targetHelp)}, []string{"target"}),
	newTool(string(Fill), "Replace the value of an input matched by target", schema{"target": str(targetHelp), "value": str("text to type")}, []string{"target", "value"}),
	newTool(string(Press), "Press a key (Enter, Tab, Escape, ...) on the element matched by target", schema{"target": str(targetHelp), "key": str("key name")}, []string{"target", "key"}),
	newTool(string(Read), "Return the text of the element matched by target", schema{"target": str(targetHelp)}, []string{"target"}),
	newTool(string(Query), "Count and describe elements matched by target without acting", schema{"target": str(targetHelp)}, []string{"target"}),
}

// Vocabulary lists the allowed actions.
func Vocabulary() []Tool {
	return append([]Tool(nil), vocabulary...)
}

// FromInput builds an action from a tool name and its JSON input.
func FromInput(name string, input map[string]any) (Action, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(name)))
	var (
		a   = Action{Kind: kind}
		err error
	)
	switch kind {
	case Goto:
		a.Target, err = requiredString(input, "url")
	case Click, Read, Query:
		a.Target, err = requiredString(input, "target")
	case Fill:
		// An empty value clears the field.
		if a.Target, err = requiredString(input, "target"); err == nil {
			if _, ok := input["value"]; !ok {
				err = fmt.Errorf("field value required")
			}
			a.Value = optionalString(input, "value")
		}
	case Press:
		if a.Target, err = requiredString(input, "target"); err == nil {
			a.Value = optionalString(input, "key")
			if a.Value == "" {
				a.Value, err = requiredString(input, "value")
			}
		}
	default:
		return Action{}, fmt.Errorf("%w: unknown tool %q", ErrInvalidAction, name)
	}
	if err != nil {
		return Action{}, fmt.Errorf("%w: %s: %v", ErrInvalidAction, name, err)
	}
	return a, a.Validate()
}

// Helpers for schema and extraction.
type schema map[string]any

func newTool(name, desc string, props schema, required []string) Tool {
	return Tool{
		Name:        name,
		Description: desc,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

func requiredString(input map[string]any, key string) (string, error) {
	val, ok := input[key]
	if !ok {
		return "", fmt.Errorf("field %s required", key)
	}
	switch v := val.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("field %s empty", key)
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("field %s must be string", key)
	}
}

func optionalString(input map[string]any, key string) string {
	switch v := input[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
