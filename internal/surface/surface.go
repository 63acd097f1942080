// Package surface defines the contract between the automation core and the
// page-like target it drives: navigation, structural observation, element
// queries and primitive actions.
package surface

import (
	"context"
	"errors"
	"fmt"

	"github.com/polzovatel/browser-autopilot/internal/locator"
	"github.com/polzovatel/browser-autopilot/internal/snapshot"
)

// Kind is a primitive action applied to a single element.
type Kind string

const (
	KindClick Kind = "click"
	KindFill  Kind = "fill"
	KindPress Kind = "press"
	KindRead  Kind = "read"
)

// Element is a handle to one live element. Key is the element's identity on
// the surface: two handles refer to the same node iff their keys are equal.
type Element struct {
	Key  string
	Role string
	Name string
	Text string
}

// Driver is implemented by every automation backend. Implementations are used
// by exactly one task at a time and are not safe for concurrent use.
type Driver interface {
	Goto(ctx context.Context, url string) error
	Observe(ctx context.Context) (snapshot.Snapshot, error)
	Find(ctx context.Context, loc locator.Locator) ([]Element, error)
	Act(ctx context.Context, el Element, kind Kind, value string) (string, error)
	URL() string
}

// Session is a Driver owned by one task; Close releases the underlying page.
type Session interface {
	Driver
	Close(ctx context.Context) error
}

// Opener hands out isolated sessions, one per task.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// Locator-class failures. They are the only errors the recovery layer tries
// to repair.
var (
	ErrNotFound  = errors.New("target not found")
	ErrTimeout   = errors.New("target timeout")
	ErrAmbiguous = errors.New("ambiguous target")
)

// LocatorError reports a failure to resolve a locator expression to exactly
// one element.
type LocatorError struct {
	Expr  string
	Count int
	Err   error
}

func (e *LocatorError) Error() string {
	if errors.Is(e.Err, ErrAmbiguous) {
		return fmt.Sprintf("locator %s: %v (%d matches)", e.Expr, e.Err, e.Count)
	}
	return fmt.Sprintf("locator %s: %v", e.Expr, e.Err)
}

func (e *LocatorError) Unwrap() error { return e.Err }

// IsLocatorFailure reports whether err is a not-found, timeout or
// ambiguous-match failure.
func IsLocatorFailure(err error) bool {
	var le *LocatorError
	if errors.As(err, &le) {
		return true
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrAmbiguous)
}
