// Package action is the single dispatch point for primitive actions against a
// surface. Every action is checked against a fixed allow-list before anything
// touches the page.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/polzovatel/browser-autopilot/internal/locator"
)

// Kind is one entry of the action vocabulary.
type Kind string

const (
	Goto  Kind = "goto"
	Click Kind = "click"
	Fill  Kind = "fill"
	Press Kind = "press"
	Read  Kind = "read"
	Query Kind = "query"
)

var kinds = map[Kind]bool{Goto: true, Click: true, Fill: true, Press: true, Read: true, Query: true}

// ErrInvalidAction is returned for anything outside the vocabulary or with
// missing arguments.
var ErrInvalidAction = errors.New("invalid action")

// Action is one primitive. Target is a URL for Goto and a locator expression
// otherwise. Location identifies the call site for recovery bookkeeping; when
// empty the recovery layer derives one.
type Action struct {
	Kind     Kind   `json:"type"`
	Target   string `json:"target_expression"`
	Value    string `json:"value,omitempty"`
	Location string `json:"-"`
}

func (a Action) String() string {
	if a.Value != "" {
		return fmt.Sprintf("%s %s %q", a.Kind, a.Target, a.Value)
	}
	return fmt.Sprintf("%s %s", a.Kind, a.Target)
}

// Targeted reports whether the action resolves a locator.
func (a Action) Targeted() bool { return a.Kind != Goto }

// Validate checks a against the allow-list.
func (a Action) Validate() error {
	if !kinds[a.Kind] {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}
	if strings.TrimSpace(a.Target) == "" {
		return fmt.Errorf("%w: %s needs a target", ErrInvalidAction, a.Kind)
	}
	switch a.Kind {
	case Goto:
		t := strings.ToLower(a.Target)
		if !strings.HasPrefix(t, "http://") && !strings.HasPrefix(t, "https://") && !strings.HasPrefix(t, "about:") {
			return fmt.Errorf("%w: goto needs an http(s) url, got %q", ErrInvalidAction, a.Target)
		}
		return nil
	case Press:
		if a.Value == "" {
			return fmt.Errorf("%w: press needs a key", ErrInvalidAction)
		}
	}
	if _, err := locator.Parse(a.Target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return nil
}

// Outcome is the result of one performed action. Target is the expression
// that actually resolved, which differs from the requested one after a repair.
type Outcome struct {
	Output    string
	Target    string
	Recovered bool
}

// Performer executes actions. Executor is the base implementation; the
// recovery layer decorates it.
type Performer interface {
	Perform(ctx context.Context, a Action) (Outcome, error)
}

// PerformerFunc adapts a function to Performer.
type PerformerFunc func(ctx context.Context, a Action) (Outcome, error)

func (f PerformerFunc) Perform(ctx context.Context, a Action) (Outcome, error) { return f(ctx, a) }
