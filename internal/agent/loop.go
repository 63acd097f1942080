// Package agent runs the observe, think, act cycle used when no learned skill
// or trajectory fits a task.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-autopilot/internal/action"
	"github.com/polzovatel/browser-autopilot/internal/knowledge"
	"github.com/polzovatel/browser-autopilot/internal/oracle"
	"github.com/polzovatel/browser-autopilot/internal/script"
	"github.com/polzovatel/browser-autopilot/internal/snapshot"
	"github.com/polzovatel/browser-autopilot/internal/surface"
)

const (
	ReasonMaxSteps    = "max steps exceeded"
	ReasonUnavailable = "oracle unavailable"
)

type Config struct {
	MaxSteps int
	// MinActions is the smallest number of executed actions for a successful
	// run to be saved as a trajectory.
	MinActions     int
	OracleAttempts int
	OracleBackoff  time.Duration
	ObserveTimeout time.Duration
	ThinkTimeout   time.Duration
	// HistoryLimit bounds how many previous steps are sent to the oracle.
	HistoryLimit int
}

func DefaultConfig() Config {
	return Config{
		MaxSteps:       25,
		MinActions:     3,
		OracleAttempts: 3,
		OracleBackoff:  500 * time.Millisecond,
		ObserveTimeout: 10 * time.Second,
		ThinkTimeout:   60 * time.Second,
		HistoryLimit:   8,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.MinActions <= 0 {
		c.MinActions = d.MinActions
	}
	if c.OracleAttempts <= 0 {
		c.OracleAttempts = d.OracleAttempts
	}
	if c.OracleBackoff < 0 {
		c.OracleBackoff = 0
	}
	if c.ObserveTimeout <= 0 {
		c.ObserveTimeout = d.ObserveTimeout
	}
	if c.ThinkTimeout <= 0 {
		c.ThinkTimeout = d.ThinkTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	return c
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

type Outcome struct {
	Status Status
	Result string
	Reason string
	Steps  []oracle.Step
	// ThinkCalls counts THINK transitions, not transport retries.
	ThinkCalls   int
	Actions      []knowledge.ActionRecord
	TrajectoryID string
}

// TrajectoryStore persists successful runs.
type TrajectoryStore interface {
	SaveTrajectory(ctx context.Context, in knowledge.TrajectoryInput) (string, error)
}

type Loop struct {
	cfg    Config
	drv    surface.Driver
	perf   action.Performer
	oracle oracle.Oracle
	store  TrajectoryStore
	log    zerolog.Logger
	now    func() time.Time
}

type Option func(*Loop)

func WithLogger(l zerolog.Logger) Option {
	return func(lp *Loop) { lp.log = l.With().Str("comp", "loop").Logger() }
}

// WithStore enables trajectory persistence.
func WithStore(s TrajectoryStore) Option { return func(lp *Loop) { lp.store = s } }

// NewLoop builds a loop that observes drv, asks o for decisions and executes
// them through perf, normally a recovery wrapper around an executor.
func NewLoop(drv surface.Driver, perf action.Performer, o oracle.Oracle, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		cfg:    cfg.withDefaults(),
		drv:    drv,
		perf:   perf,
		oracle: o,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run drives task to termination. The returned error is non-nil only when ctx
// is done; every other failure is reported through Outcome.
func (l *Loop) Run(ctx context.Context, task string) (Outcome, error) {
	startURL := l.drv.URL()
	var out Outcome

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		snap, err := l.observe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return l.fail(out, fmt.Sprintf("observe: %v", err)), nil
		}

		if out.ThinkCalls >= l.cfg.MaxSteps {
			l.log.Warn().Int("steps", out.ThinkCalls).Msg("step limit reached")
			return l.fail(out, ReasonMaxSteps), nil
		}
		out.ThinkCalls++
		step := oracle.Step{Number: out.ThinkCalls, URL: snap.URL}

		l.log.Info().
			Int("step", step.Number).
			Str("url", snap.URL).
			Int("elements", len(snap.Elements)).
			Msg("snapshot")

		dec, err := l.think(ctx, oracle.Request{
			Observation: oracle.Observation{URL: snap.URL, Title: snap.Title, Snapshot: snap, Visual: snap.Visual},
			Task:        task,
			History:     last(out.Steps, l.cfg.HistoryLimit),
		})
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return out, ctx.Err()
		case errors.Is(err, oracle.ErrUnavailable):
			return l.fail(out, ReasonUnavailable), nil
		case errors.Is(err, oracle.ErrMalformed):
			step.Error = err.Error()
			out.Steps = append(out.Steps, step)
			continue
		default:
			return l.fail(out, fmt.Sprintf("oracle: %v", err)), nil
		}

		if dec.Terminate {
			out.Status = StatusSuccess
			out.Result = dec.Result
			l.persist(ctx, task, startURL, &out)
			l.log.Info().Int("steps", out.ThinkCalls).Int("actions", len(out.Actions)).Msg("task finished")
			return out, nil
		}

		fatal, err := l.act(ctx, dec, &step, &out)
		out.Steps = append(out.Steps, step)
		if err != nil {
			return out, err
		}
		if fatal != "" {
			return l.fail(out, fatal), nil
		}
	}
}

func (l *Loop) observe(ctx context.Context) (snapshot.Snapshot, error) {
	ctx, cancel := snapshot.WithDeadline(ctx, l.cfg.ObserveTimeout)
	defer cancel()
	return l.drv.Observe(ctx)
}

// think asks the oracle for one decision, retrying transport failures with
// exponential backoff.
func (l *Loop) think(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.OracleAttempts; attempt++ {
		if attempt > 1 {
			delay := l.cfg.OracleBackoff * time.Duration(1<<(attempt-2))
			l.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying oracle")
			select {
			case <-ctx.Done():
				return oracle.Decision{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		tctx, cancel := context.WithTimeout(ctx, l.cfg.ThinkTimeout)
		dec, err := l.oracle.Decide(tctx, req)
		expired := errors.Is(tctx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			return dec, nil
		}
		if ctx.Err() != nil {
			return oracle.Decision{}, ctx.Err()
		}
		if expired {
			err = fmt.Errorf("%w: think timeout: %v", oracle.ErrUnavailable, err)
		}
		if !errors.Is(err, oracle.ErrUnavailable) {
			return oracle.Decision{}, err
		}
		lastErr = err
	}
	return oracle.Decision{}, lastErr
}

// act executes a decision. It returns a non-empty reason when the run must
// stop as failed, and an error only when ctx is done.
func (l *Loop) act(ctx context.Context, dec oracle.Decision, step *oracle.Step, out *Outcome) (string, error) {
	var actions []action.Action
	switch {
	case dec.Action != nil:
		step.Action = dec.Action.String()
		actions = []action.Action{*dec.Action}
	case strings.TrimSpace(dec.Code) != "":
		step.Code = dec.Code
		cmds, err := script.ParseLimit(dec.Code, script.MaxPayload)
		if err != nil {
			step.Error = err.Error()
			return "", nil
		}
		for _, c := range cmds {
			actions = append(actions, c.Action)
		}
	default:
		step.Error = "empty decision"
		return "", nil
	}

	var outputs []string
	for i, a := range actions {
		a.Location = fmt.Sprintf("step:%d:L%d", step.Number, i+1)
		res, err := l.perf.Perform(ctx, a)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			step.Output = strings.Join(outputs, "\n")
			step.Error = err.Error()
			if surface.IsLocatorFailure(err) || errors.Is(err, action.ErrInvalidAction) {
				l.log.Debug().Err(err).Int("step", step.Number).Str("action", a.String()).Msg("action failed")
				return "", nil
			}
			l.log.Error().Err(err).Int("step", step.Number).Str("action", a.String()).Msg("unrecoverable action error")
			return fmt.Sprintf("unrecoverable: %v", err), nil
		}
		target := a.Target
		if res.Recovered && res.Target != "" {
			target = res.Target
		}
		out.Actions = append(out.Actions, knowledge.ActionRecord{
			Type:      string(a.Kind),
			Target:    target,
			Value:     a.Value,
			Timestamp: l.now(),
		})
		if res.Output != "" {
			outputs = append(outputs, res.Output)
		}
	}
	step.Output = strings.Join(outputs, "\n")
	return "", nil
}

// persist saves a successful run once it has enough executed actions. A
// store failure is logged and does not change the outcome.
func (l *Loop) persist(ctx context.Context, task, url string, out *Outcome) {
	if l.store == nil || len(out.Actions) < l.cfg.MinActions {
		return
	}
	id, err := l.store.SaveTrajectory(context.WithoutCancel(ctx), knowledge.TrajectoryInput{
		Task:     task,
		URL:      url,
		Actions:  out.Actions,
		Success:  true,
		Metadata: map[string]string{"steps": fmt.Sprint(out.ThinkCalls), "result": out.Result},
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("save trajectory")
		return
	}
	out.TrajectoryID = id
}

func (l *Loop) fail(out Outcome, reason string) Outcome {
	out.Status = StatusFailed
	out.Reason = reason
	l.log.Warn().Str("reason", reason).Int("steps", out.ThinkCalls).Msg("task failed")
	return out
}

func last(items []oracle.Step, n int) []oracle.Step {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
