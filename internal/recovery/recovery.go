// Package recovery repairs broken locators while a task runs. A Wrapper sits
// in front of an action.Performer; when an action fails because its target
// could not be resolved, the wrapper asks the oracle to pick the intended
// element from a fresh snapshot, validates the proposed locator against the
// live surface and retries once per proposal.
//
// Each call site (location) gets at most one repair attempt per run.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polzovatel/browser-autopilot/internal/action"
	"github.com/polzovatel/browser-autopilot/internal/locator"
	"github.com/polzovatel/browser-autopilot/internal/oracle"
	"github.com/polzovatel/browser-autopilot/internal/snapshot"
	"github.com/polzovatel/browser-autopilot/internal/surface"
)

const (
	DefaultMaxAttempts    = 5
	DefaultObserveTimeout = 10 * time.Second
	DefaultRepairTimeout  = 30 * time.Second
)

// ErrInvalidProposal is recorded for a proposal that failed validation.
var ErrInvalidProposal = errors.New("invalid repair proposal")

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFail    Outcome = "fail"
)

// Attempt is one oracle proposal and what became of it.
type Attempt struct {
	Choice  int    `json:"choice"`
	Locator string `json:"locator"`
	Error   string `json:"error,omitempty"`
}

// Result summarizes the repair of one location.
type Result struct {
	ActionName string    `json:"action_name"`
	Location   string    `json:"location"`
	Original   string    `json:"original_locator"`
	Repaired   string    `json:"repaired_locator,omitempty"`
	Attempts   []Attempt `json:"attempts"`
	Outcome    Outcome   `json:"outcome"`
	Exception  string    `json:"exception,omitempty"`
	At         time.Time `json:"at"`
}

// Sink receives every finished Result.
type Sink func(ctx context.Context, r Result)

type Wrapper struct {
	next   action.Performer
	drv    surface.Driver
	oracle oracle.Oracle

	maxAttempts    int
	observeTimeout time.Duration
	repairTimeout  time.Duration
	sink           Sink
	log            zerolog.Logger
	tracer         trace.Tracer

	mu        sync.Mutex
	attempted map[string]bool
	results   []Result
}

type Option func(*Wrapper)

func WithMaxAttempts(n int) Option {
	return func(w *Wrapper) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

func WithTimeouts(observe, repair time.Duration) Option {
	return func(w *Wrapper) {
		if observe > 0 {
			w.observeTimeout = observe
		}
		if repair > 0 {
			w.repairTimeout = repair
		}
	}
}

func WithSink(s Sink) Option { return func(w *Wrapper) { w.sink = s } }

func WithLogger(l zerolog.Logger) Option {
	return func(w *Wrapper) { w.log = l.With().Str("comp", "recovery").Logger() }
}

// New wraps next. drv is the surface next acts on; it is used to observe and
// to validate proposals. A Wrapper belongs to a single task run.
func New(next action.Performer, drv surface.Driver, o oracle.Oracle, opts ...Option) *Wrapper {
	w := &Wrapper{
		next:           next,
		drv:            drv,
		oracle:         o,
		maxAttempts:    DefaultMaxAttempts,
		observeTimeout: DefaultObserveTimeout,
		repairTimeout:  DefaultRepairTimeout,
		log:            zerolog.Nop(),
		tracer:         otel.Tracer("github.com/polzovatel/browser-autopilot/recovery"),
		attempted:      map[string]bool{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Results returns the repair results recorded so far, one per location.
func (w *Wrapper) Results() []Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Result(nil), w.results...)
}

func (w *Wrapper) Perform(ctx context.Context, a action.Action) (action.Outcome, error) {
	out, err := w.next.Perform(ctx, a)
	if err == nil || !a.Targeted() || !surface.IsLocatorFailure(err) {
		return out, err
	}

	loc := a.Location
	if loc == "" {
		loc = callerLocation(2)
	}

	w.mu.Lock()
	seen := w.attempted[loc]
	w.attempted[loc] = true
	w.mu.Unlock()
	if seen {
		w.log.Debug().Str("location", loc).Msg("location already repaired this run")
		return out, err
	}
	return w.repair(ctx, a, loc, err)
}

func (w *Wrapper) repair(ctx context.Context, a action.Action, loc string, original error) (action.Outcome, error) {
	ctx, span := w.tracer.Start(ctx, "recovery.repair", trace.WithAttributes(
		attribute.String("location", loc),
		attribute.String("action", string(a.Kind)),
		attribute.String("target", a.Target),
	))
	defer span.End()

	res := Result{ActionName: string(a.Kind), Location: loc, Original: a.Target, Outcome: OutcomeFail}
	logger := w.log.With().Str("location", loc).Str("target", a.Target).Logger()
	logger.Info().Err(original).Msg("locator failed, attempting repair")

	finish := func(err error) (action.Outcome, error) {
		res.Exception = err.Error()
		w.record(ctx, res)
		span.SetStatus(codes.Error, err.Error())
		return action.Outcome{}, err
	}

	snap, err := w.observe(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot for repair failed")
		if ctx.Err() != nil {
			return finish(ctx.Err())
		}
		return finish(original)
	}

	failure := oracle.Failure{Action: a, Error: original.Error(), Location: loc, URL: w.drv.URL()}
	var rejected []oracle.Rejection

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		prop, err := w.propose(ctx, oracle.RepairRequest{Failure: failure, Elements: snap.Elements, Previous: rejected})
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("oracle repair request failed")
			res.Attempts = append(res.Attempts, Attempt{Choice: -1, Error: err.Error()})
			if ctx.Err() != nil {
				return finish(ctx.Err())
			}
			if errors.Is(err, oracle.ErrUnavailable) {
				break
			}
			rejected = append(rejected, oracle.Rejection{Reason: err.Error()})
			continue
		}

		if err := w.validate(ctx, snap, prop); err != nil {
			logger.Info().Int("attempt", attempt).Str("proposal", prop.Locator).Err(err).Msg("proposal rejected")
			res.Attempts = append(res.Attempts, Attempt{Choice: prop.ChoiceIndex, Locator: prop.Locator, Error: err.Error()})
			rejected = append(rejected, oracle.Rejection{Proposal: prop, Reason: err.Error()})
			continue
		}

		repaired := a
		repaired.Target = prop.Locator
		out, err := w.next.Perform(ctx, repaired)
		if err == nil {
			res.Attempts = append(res.Attempts, Attempt{Choice: prop.ChoiceIndex, Locator: prop.Locator})
			res.Outcome = OutcomeSuccess
			res.Repaired = prop.Locator
			w.record(ctx, res)
			logger.Info().Int("attempt", attempt).Str("repaired", prop.Locator).Msg("locator repaired")
			out.Recovered = true
			out.Target = prop.Locator
			return out, nil
		}

		res.Attempts = append(res.Attempts, Attempt{Choice: prop.ChoiceIndex, Locator: prop.Locator, Error: err.Error()})
		if !surface.IsLocatorFailure(err) {
			return finish(err)
		}
		rejected = append(rejected, oracle.Rejection{Proposal: prop, Reason: "retry failed: " + err.Error()})
		if fresh, err := w.observe(ctx); err == nil {
			snap = fresh
		}
	}

	logger.Warn().Int("attempts", len(res.Attempts)).Msg("repair exhausted")
	return finish(original)
}

// validate accepts a proposal only if it is a pure query that resolves to
// exactly one live element, and that element is the one listed at the chosen
// index.
func (w *Wrapper) validate(ctx context.Context, snap snapshot.Snapshot, p oracle.RepairProposal) error {
	loc, err := locator.Parse(p.Locator)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	chosen, ok := snap.Lookup(p.ChoiceIndex)
	if !ok {
		return fmt.Errorf("%w: choice_index %d out of range [0,%d)", ErrInvalidProposal, p.ChoiceIndex, len(snap.Elements))
	}

	fctx, cancel := context.WithTimeout(ctx, w.observeTimeout)
	defer cancel()
	found, err := w.drv.Find(fctx, loc)
	if err != nil {
		return fmt.Errorf("%w: resolving %s: %v", ErrInvalidProposal, p.Locator, err)
	}
	if len(found) != 1 {
		return fmt.Errorf("%w: %s matched %d elements, need exactly 1", ErrInvalidProposal, p.Locator, len(found))
	}
	if found[0].Key != chosen.Key {
		return fmt.Errorf("%w: %s matched a different element than [%d]", ErrInvalidProposal, p.Locator, p.ChoiceIndex)
	}
	return nil
}

func (w *Wrapper) observe(ctx context.Context) (snapshot.Snapshot, error) {
	octx, cancel := snapshot.WithDeadline(ctx, w.observeTimeout)
	defer cancel()
	return w.drv.Observe(octx)
}

func (w *Wrapper) propose(ctx context.Context, req oracle.RepairRequest) (oracle.RepairProposal, error) {
	rctx, cancel := context.WithTimeout(ctx, w.repairTimeout)
	defer cancel()
	return w.oracle.ProposeRepair(rctx, req)
}

func (w *Wrapper) record(ctx context.Context, r Result) {
	r.At = time.Now().UTC()
	w.mu.Lock()
	w.results = append(w.results, r)
	w.mu.Unlock()
	if w.sink != nil {
		w.sink(context.WithoutCancel(ctx), r)
	}
}

func callerLocation(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}
