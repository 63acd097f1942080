// Package locator parses the query-only expressions used to address elements,
// e.g. `role=button,name="Submit"`, `text="Sign in"`, `css=#search input`.
//
// An expression only ever describes what to find. Anything that looks like an
// embedded call (`.click(`, `=>`, `;`, `javascript:`) is rejected.
package locator

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Strategy selects how an element is matched.
type Strategy string

const (
	ByRole        Strategy = "role"
	ByText        Strategy = "text"
	ByLabel       Strategy = "label"
	ByPlaceholder Strategy = "placeholder"
	ByAltText     Strategy = "alt"
	ByTitle       Strategy = "title"
	ByTestID      Strategy = "testid"
	ByCSS         Strategy = "css"
)

var strategies = map[Strategy]bool{
	ByRole: true, ByText: true, ByLabel: true, ByPlaceholder: true,
	ByAltText: true, ByTitle: true, ByTestID: true, ByCSS: true,
}

var (
	ErrEmpty    = errors.New("empty locator")
	ErrSyntax   = errors.New("locator syntax")
	ErrNotQuery = errors.New("locator is not a pure query")
)

// Locator is a parsed expression. For ByRole, Role holds the ARIA role and
// Value the optional accessible name; for other strategies Value holds the
// text, label, test id or CSS selector.
type Locator struct {
	Strategy Strategy
	Role     string
	Value    string
	Exact    bool
}

var callPattern = regexp.MustCompile(`(?i)(\.\s*[a-z_][a-z0-9_]*\s*\(|=>|;|javascript:|` + "`" + `|(?:^|[^a-z0-9_:-])(eval|click|fill|press|type|check|uncheck|hover|tap|dblclick|evaluate|goto|select_option|selectoption|set_input_files|dispatch_event)\s*\()`)

// Parse validates expr and returns the parsed locator.
func Parse(expr string) (Locator, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Locator{}, ErrEmpty
	}
	if strings.ContainsAny(expr, "\n\r") {
		return Locator{}, fmt.Errorf("%w: multi-line expression", ErrNotQuery)
	}
	if callPattern.MatchString(stripQuoted(expr)) {
		return Locator{}, fmt.Errorf("%w: %q", ErrNotQuery, expr)
	}

	head, rest, ok := strings.Cut(expr, "=")
	if !ok {
		return Locator{}, fmt.Errorf("%w: missing strategy in %q", ErrSyntax, expr)
	}
	strategy := Strategy(strings.ToLower(strings.TrimSpace(head)))
	if !strategies[strategy] {
		return Locator{}, fmt.Errorf("%w: unknown strategy %q", ErrSyntax, head)
	}

	switch strategy {
	case ByCSS:
		sel := strings.TrimSpace(rest)
		if sel == "" {
			return Locator{}, fmt.Errorf("%w: empty css selector", ErrSyntax)
		}
		return Locator{Strategy: ByCSS, Value: sel}, nil
	case ByRole:
		return parseRole(rest)
	default:
		value, tail, err := readValue(rest)
		if err != nil {
			return Locator{}, err
		}
		if value == "" {
			return Locator{}, fmt.Errorf("%w: empty %s value", ErrSyntax, strategy)
		}
		loc := Locator{Strategy: strategy, Value: value}
		if err := applyFlags(&loc, tail); err != nil {
			return Locator{}, err
		}
		return loc, nil
	}
}

// MustParse is Parse for expressions known at compile time.
func MustParse(expr string) Locator {
	loc, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return loc
}

func parseRole(rest string) (Locator, error) {
	role, tail, _ := strings.Cut(rest, ",")
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" || strings.ContainsAny(role, `"' `) {
		return Locator{}, fmt.Errorf("%w: invalid role %q", ErrSyntax, role)
	}
	loc := Locator{Strategy: ByRole, Role: role}
	for tail = strings.TrimSpace(tail); tail != ""; {
		var part string
		if strings.HasPrefix(tail, "name=") {
			value, after, err := readValue(strings.TrimPrefix(tail, "name="))
			if err != nil {
				return Locator{}, err
			}
			loc.Value = value
			tail = strings.TrimPrefix(strings.TrimSpace(after), ",")
			tail = strings.TrimSpace(tail)
			continue
		}
		part, tail, _ = strings.Cut(tail, ",")
		tail = strings.TrimSpace(tail)
		if err := applyFlags(&loc, part); err != nil {
			return Locator{}, err
		}
	}
	return loc, nil
}

// readValue reads a quoted or bare value and returns the remainder after it.
func readValue(s string) (value, rest string, err error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `"`) {
		end := closingQuote(s)
		if end < 0 {
			return "", "", fmt.Errorf("%w: unterminated quote in %q", ErrSyntax, s)
		}
		value, err = strconv.Unquote(s[:end+1])
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		return value, s[end+1:], nil
	}
	value, rest, _ = strings.Cut(s, ",")
	if rest != "" {
		rest = "," + rest
	}
	return strings.TrimSpace(value), rest, nil
}

func applyFlags(loc *Locator, tail string) error {
	for _, f := range strings.Split(tail, ",") {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "":
		case "exact", "exact=true":
			loc.Exact = true
		case "exact=false":
			loc.Exact = false
		default:
			return fmt.Errorf("%w: unexpected %q", ErrSyntax, strings.TrimSpace(f))
		}
	}
	return nil
}

func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

// stripQuoted blanks out double-quoted segments so that accessible names such
// as "Save;Close" do not trip the call detector.
func stripQuoted(s string) string {
	var b strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case inQuote && ch == '\\':
			i++
		case ch == '"':
			inQuote = !inQuote
			b.WriteByte(ch)
		case inQuote:
			b.WriteByte(' ')
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// String renders the canonical expression for l.
func (l Locator) String() string {
	var b strings.Builder
	switch l.Strategy {
	case ByCSS:
		return "css=" + l.Value
	case ByRole:
		b.WriteString("role=" + l.Role)
		if l.Value != "" {
			b.WriteString(",name=" + strconv.Quote(l.Value))
		}
	default:
		b.WriteString(string(l.Strategy) + "=" + strconv.Quote(l.Value))
	}
	if l.Exact {
		b.WriteString(",exact")
	}
	return b.String()
}
