package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-autopilot/internal/locator"
	"github.com/polzovatel/browser-autopilot/internal/surface"
)

// DefaultTimeout bounds a single action, locator resolution included.
const DefaultTimeout = 10 * time.Second

// Executor performs actions against one surface.
type Executor struct {
	drv     surface.Driver
	timeout time.Duration
	log     zerolog.Logger
}

type Option func(*Executor)

func WithTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.log = l.With().Str("comp", "executor").Logger() }
}

func NewExecutor(drv surface.Driver, opts ...Option) *Executor {
	e := &Executor{drv: drv, timeout: DefaultTimeout, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Driver exposes the underlying surface.
func (e *Executor) Driver() surface.Driver { return e.drv }

func (e *Executor) Perform(ctx context.Context, a Action) (Outcome, error) {
	if err := a.Validate(); err != nil {
		return Outcome{}, err
	}
	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.log.Debug().Str("kind", string(a.Kind)).Str("target", a.Target).Msg("perform")

	if a.Kind == Goto {
		if err := e.drv.Goto(actx, a.Target); err != nil {
			return Outcome{}, fmt.Errorf("goto %s: %w", a.Target, e.timeoutErr(ctx, err))
		}
		return Outcome{Output: "opened " + a.Target, Target: a.Target}, nil
	}

	loc, err := locator.Parse(a.Target)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	found, err := e.drv.Find(actx, loc)
	if err != nil {
		return Outcome{}, e.locatorErr(ctx, a.Target, err)
	}

	if a.Kind == Query {
		return Outcome{Output: describeMatches(found), Target: a.Target}, nil
	}

	switch len(found) {
	case 0:
		return Outcome{}, &surface.LocatorError{Expr: a.Target, Err: surface.ErrNotFound}
	case 1:
	default:
		return Outcome{}, &surface.LocatorError{Expr: a.Target, Count: len(found), Err: surface.ErrAmbiguous}
	}

	out, err := e.drv.Act(actx, found[0], surface.Kind(a.Kind), a.Value)
	if err != nil {
		if surface.IsLocatorFailure(err) {
			return Outcome{}, e.locatorErr(ctx, a.Target, err)
		}
		return Outcome{}, fmt.Errorf("%s %s: %w", a.Kind, a.Target, e.timeoutErr(ctx, err))
	}
	if out == "" {
		out = fmt.Sprintf("%s ok", a.Kind)
	}
	return Outcome{Output: out, Target: a.Target}, nil
}

// locatorErr normalizes a resolution failure into a *surface.LocatorError.
func (e *Executor) locatorErr(parent context.Context, expr string, err error) error {
	var le *surface.LocatorError
	if errors.As(err, &le) {
		return err
	}
	err = e.timeoutErr(parent, err)
	switch {
	case errors.Is(err, surface.ErrTimeout), errors.Is(err, surface.ErrNotFound), errors.Is(err, surface.ErrAmbiguous):
		return &surface.LocatorError{Expr: expr, Err: err}
	}
	return fmt.Errorf("find %s: %w", expr, err)
}

// timeoutErr maps expiry of the per-action deadline to surface.ErrTimeout.
// Cancellation of the parent context passes through untouched.
func (e *Executor) timeoutErr(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %v", surface.ErrTimeout, err)
	}
	return err
}

func describeMatches(found []surface.Element) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d match(es)", len(found))
	for i, el := range found {
		if i == 5 {
			b.WriteString("\n...")
			break
		}
		fmt.Fprintf(&b, "\n- %s %q", el.Role, firstNonEmpty(el.Name, el.Text))
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
