// Package script implements the restricted command language used for skill
// code and multi-step oracle payloads. A script is one action per line:
//
//	goto https://example.com
//	fill placeholder="Search" "{{query}}"
//	press placeholder="Search" "Enter"
//	click role=link,name="Next"
//
// Blank lines and lines starting with # are ignored. Nothing is evaluated;
// every line becomes an action.Action checked against the allow-list.
package script

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/polzovatel/browser-autopilot/internal/action"
)

// MaxPayload bounds the number of commands accepted from the oracle.
const MaxPayload = 20

var (
	ErrSyntax       = errors.New("script syntax")
	ErrTooLong      = errors.New("script too long")
	ErrMissingParam = errors.New("missing parameter")
)

// Command is one parsed line.
type Command struct {
	Line   int
	Action action.Action
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Placeholders lists the distinct parameter names referenced by code, in
// order of first use.
func Placeholders(code string) []string {
	var (
		out  []string
		seen = map[string]bool{}
	)
	for _, m := range placeholder.FindAllStringSubmatch(code, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Render substitutes {{name}} placeholders. Values are escaped for use inside
// double-quoted strings. Every placeholder must have a value.
func Render(code string, params map[string]string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(code, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		q := strconv.Quote(v)
		return q[1 : len(q)-1]
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, strings.Join(missing, ", "))
	}
	return out, nil
}

// Parse parses code with no length limit.
func Parse(code string) ([]Command, error) { return ParseLimit(code, 0) }

// ParseLimit parses code and fails with ErrTooLong when it holds more than
// max commands. max <= 0 disables the check.
func ParseLimit(code string, max int) ([]Command, error) {
	var cmds []Command
	for i, raw := range strings.Split(code, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		cmds = append(cmds, Command{Line: i + 1, Action: a})
		if max > 0 && len(cmds) > max {
			return nil, fmt.Errorf("%w: more than %d commands", ErrTooLong, max)
		}
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("%w: no commands", ErrSyntax)
	}
	return cmds, nil
}

func parseLine(line string) (action.Action, error) {
	head, rest, _ := strings.Cut(line, " ")
	a := action.Action{Kind: action.Kind(strings.ToLower(head)), Target: strings.TrimSpace(rest)}

	switch a.Kind {
	case action.Fill, action.Press:
		start, ok := trailingQuoted(a.Target)
		if !ok {
			return action.Action{}, fmt.Errorf("%w: %s needs a trailing quoted value", ErrSyntax, a.Kind)
		}
		v, err := strconv.Unquote(a.Target[start:])
		if err != nil {
			return action.Action{}, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		a.Value = v
		a.Target = strings.TrimSpace(a.Target[:start])
	}
	if err := a.Validate(); err != nil {
		return action.Action{}, err
	}
	return a, nil
}

// trailingQuoted finds a double-quoted token that ends s and is separated from
// the preceding text by whitespace.
func trailingQuoted(s string) (int, bool) {
	if !strings.HasSuffix(s, `"`) || len(s) < 2 {
		return 0, false
	}
	inQuote := false
	start := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			if !inQuote && (i == 0 || unicode.IsSpace(rune(s[i-1]))) {
				start = i
			} else if !inQuote {
				start = -1
			}
			inQuote = !inQuote
		}
	}
	if inQuote || start <= 0 {
		return 0, false
	}
	return start, true
}

// Format renders actions back into script text.
func Format(actions []action.Action) string {
	var b strings.Builder
	for _, a := range actions {
		b.WriteString(string(a.Kind))
		b.WriteByte(' ')
		b.WriteString(a.Target)
		if a.Kind == action.Fill || a.Kind == action.Press {
			b.WriteByte(' ')
			b.WriteString(strconv.Quote(a.Value))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
