// Package runner is the entry point for executing a task: it routes the task,
// dispatches it to a skill, a trajectory replay or a reasoning loop, and
// feeds successful runs back into the knowledge store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-autopilot/internal/action"
	"github.com/polzovatel/browser-autopilot/internal/agent"
	"github.com/polzovatel/browser-autopilot/internal/knowledge"
	"github.com/polzovatel/browser-autopilot/internal/oracle"
	"github.com/polzovatel/browser-autopilot/internal/recovery"
	"github.com/polzovatel/browser-autopilot/internal/router"
	"github.com/polzovatel/browser-autopilot/internal/script"
	"github.com/polzovatel/browser-autopilot/internal/surface"
	"github.com/polzovatel/browser-autopilot/internal/synth"
)

// Store is the knowledge the runner reads and writes.
type Store interface {
	router.Knowledge
	agent.TrajectoryStore
	Trajectory(ctx context.Context, id string) (knowledge.Trajectory, error)
	SaveSkill(ctx context.Context, in knowledge.SkillInput) (string, error)
	MarkTested(ctx context.Context, skillID string, success bool) error
	SaveRecovery(ctx context.Context, runID string, r recovery.Result) error
}

type Config struct {
	Loop agent.Config

	SkillThreshold      float64
	TrajectoryThreshold float64

	RecoveryAttempts int
	RecoveryObserve  time.Duration
	RecoveryRepair   time.Duration
	ActionTimeout    time.Duration

	// MaxReroutes bounds how many failed skills or trajectories are skipped
	// before the task goes to reasoning.
	MaxReroutes int
	// Synthesize turns newly saved trajectories into skills when their task
	// carries quoted values.
	Synthesize bool
}

func DefaultConfig() Config {
	return Config{
		Loop:                agent.DefaultConfig(),
		SkillThreshold:      router.DefaultThreshold,
		TrajectoryThreshold: router.DefaultThreshold,
		RecoveryAttempts:    recovery.DefaultMaxAttempts,
		RecoveryObserve:     recovery.DefaultObserveTimeout,
		RecoveryRepair:      recovery.DefaultRepairTimeout,
		ActionTimeout:       action.DefaultTimeout,
		MaxReroutes:         2,
	}
}

// Result summarizes one task run. Error carries the failure reason of an
// unsuccessful run.
type Result struct {
	RunID        string            `json:"run_id"`
	Success      bool              `json:"success"`
	Output       string            `json:"output,omitempty"`
	Error        string            `json:"error,omitempty"`
	StepCount    int               `json:"step_count"`
	Path         router.Path       `json:"path"`
	Confidence   float64           `json:"confidence"`
	Recoveries   []recovery.Result `json:"recoveries,omitempty"`
	TrajectoryID string            `json:"trajectory_id,omitempty"`
	SkillID      string            `json:"skill_id,omitempty"`
}

type Runner struct {
	opener surface.Opener
	store  Store
	oracle oracle.Oracle
	router *router.Router
	cfg    Config
	log    zerolog.Logger
	newID  func() string
}

type Option func(*Runner)

func WithConfig(c Config) Option { return func(r *Runner) { r.cfg = c } }

func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = l.With().Str("comp", "runner").Logger() }
}

func New(opener surface.Opener, store Store, o oracle.Oracle, opts ...Option) *Runner {
	r := &Runner{
		opener: opener,
		store:  store,
		oracle: o,
		cfg:    DefaultConfig(),
		log:    zerolog.Nop(),
		newID:  func() string { return "run_" + uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.router = router.New(store,
		router.WithThresholds(r.cfg.SkillThreshold, r.cfg.TrajectoryThreshold),
		router.WithLogger(r.log),
	)
	return r
}

// run holds the per-task state: one surface, one recovery wrapper.
type run struct {
	id      string
	task    string
	url     string
	sess    surface.Session
	perform *recovery.Wrapper
	log     zerolog.Logger
}

// Run executes task starting at url. maxSteps <= 0 uses the configured bound.
// Only infrastructure faults are returned as errors: the surface could not be
// opened, or ctx was cancelled. Task failures are reported in Result.
func (r *Runner) Run(ctx context.Context, task, url string, maxSteps int) (res Result, err error) {
	res.RunID = r.newID()
	ctx, span := startRunSpan(ctx, res.RunID, task, url)
	defer func() { endRunSpan(span, res, err) }()

	sess, err := r.opener.Open(ctx)
	if err != nil {
		return res, fmt.Errorf("open surface: %w", err)
	}
	defer func() {
		if cerr := sess.Close(context.WithoutCancel(ctx)); cerr != nil {
			r.log.Warn().Err(cerr).Msg("close surface")
		}
	}()

	rn := &run{id: res.RunID, task: task, url: url, sess: sess, log: r.log.With().Str("run", res.RunID).Logger()}
	exec := action.NewExecutor(sess, action.WithTimeout(r.cfg.ActionTimeout), action.WithLogger(r.log))
	rn.perform = recovery.New(exec, sess, r.oracle,
		recovery.WithMaxAttempts(r.cfg.RecoveryAttempts),
		recovery.WithTimeouts(r.cfg.RecoveryObserve, r.cfg.RecoveryRepair),
		recovery.WithLogger(r.log),
		recovery.WithSink(func(ctx context.Context, rr recovery.Result) {
			if err := r.store.SaveRecovery(ctx, rn.id, rr); err != nil {
				rn.log.Warn().Err(err).Str("location", rr.Location).Msg("save recovery")
			}
		}),
	)
	defer func() { res.Recoveries = rn.perform.Results() }()

	var skipSkills, skipTrajectories []string
	for reroutes := 0; ; reroutes++ {
		if err := r.navigate(ctx, rn); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Error = err.Error()
			return res, nil
		}

		d := r.router.Route(ctx, task, url,
			router.ExcludeSkills(skipSkills...),
			router.ExcludeTrajectories(skipTrajectories...))
		if d.Path != router.PathReasoning && reroutes >= r.cfg.MaxReroutes {
			rn.log.Info().Int("reroutes", reroutes).Msg("reroute budget spent, reasoning")
			d = router.Decision{Path: router.PathReasoning, Confidence: d.Confidence}
		}
		res.Path, res.Confidence = d.Path, d.Confidence
		res.SkillID, res.TrajectoryID, res.Error, res.StepCount = "", "", "", 0
		rn.log.Info().Str("path", string(d.Path)).Float64("confidence", d.Confidence).Msg("routed")

		switch d.Path {
		case router.PathSkill:
			ok, err := r.runSkill(ctx, rn, d, &res)
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if ok {
				return res, nil
			}
			rn.log.Warn().Err(err).Str("skill", d.Skill.ID).Msg("skill failed, rerouting")
			skipSkills = append(skipSkills, d.Skill.ID)

		case router.PathTrajectory:
			ok, err := r.replay(ctx, rn, d, &res)
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if ok {
				return res, nil
			}
			rn.log.Warn().Err(err).Str("trajectory", d.Trajectory.ID).Msg("replay failed, rerouting")
			skipTrajectories = append(skipTrajectories, d.Trajectory.ID)

		default:
			if err := r.reason(ctx, rn, maxSteps, &res); err != nil {
				return res, err
			}
			return res, nil
		}
	}
}

func (r *Runner) navigate(ctx context.Context, rn *run) error {
	if strings.TrimSpace(rn.url) == "" {
		return nil
	}
	if _, err := rn.perform.Perform(ctx, action.Action{Kind: action.Goto, Target: rn.url, Location: "runner:navigate"}); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

// runSkill executes the rendered skill code and reports the test outcome to
// the store. A run counts as clean only when no recovery was needed.
func (r *Runner) runSkill(ctx context.Context, rn *run, d router.Decision, res *Result) (ok bool, err error) {
	sk := d.Skill
	ctx, span := startPathSpan(ctx, router.PathSkill, sk.ID, d.Confidence)
	defer func() { endPathSpan(span, ok, err) }()

	res.SkillID = sk.ID
	before := len(rn.perform.Results())

	code, err := script.Render(sk.Code, d.Params)
	if err != nil {
		res.Error = err.Error()
		return false, err
	}
	cmds, err := script.Parse(code)
	if err != nil {
		res.Error = err.Error()
		return false, err
	}

	var outputs []string
	for i, c := range cmds {
		a := c.Action
		a.Location = fmt.Sprintf("skill:%s@v%d:L%d", sk.Name, sk.Version, c.Line)
		out, err := rn.perform.Perform(ctx, a)
		res.StepCount = i + 1
		if err != nil {
			res.Error = err.Error()
			r.markTested(ctx, rn, sk.ID, false)
			return false, err
		}
		outputs = collect(outputs, a.Kind, out.Output)
	}
	clean := len(rn.perform.Results()) == before
	r.markTested(ctx, rn, sk.ID, clean)

	res.Success, res.Error = true, ""
	res.Output = strings.Join(outputs, "\n")
	return true, nil
}

// replay runs a recorded trajectory verbatim.
func (r *Runner) replay(ctx context.Context, rn *run, d router.Decision, res *Result) (ok bool, err error) {
	tr := d.Trajectory
	ctx, span := startPathSpan(ctx, router.PathTrajectory, tr.ID, d.Confidence)
	defer func() { endPathSpan(span, ok, err) }()

	res.TrajectoryID = tr.ID
	var outputs []string
	for i, rec := range tr.Actions {
		a := action.Action{
			Kind:     action.Kind(rec.Type),
			Target:   rec.Target,
			Value:    rec.Value,
			Location: fmt.Sprintf("trajectory:%s#%d", tr.ID, i+1),
		}
		out, err := rn.perform.Perform(ctx, a)
		res.StepCount = i + 1
		if err != nil {
			res.Error = err.Error()
			return false, err
		}
		outputs = collect(outputs, a.Kind, out.Output)
	}
	res.Success, res.Error = true, ""
	res.Output = strings.Join(outputs, "\n")
	return true, nil
}

// reason runs the observe, think, act loop. The returned error is non-nil
// only when ctx is done.
func (r *Runner) reason(ctx context.Context, rn *run, maxSteps int, res *Result) (err error) {
	ctx, span := startPathSpan(ctx, router.PathReasoning, "", res.Confidence)
	ok := false
	defer func() { endPathSpan(span, ok, err) }()

	cfg := r.cfg.Loop
	if maxSteps > 0 {
		cfg.MaxSteps = maxSteps
	}
	loop := agent.NewLoop(rn.sess, rn.perform, r.oracle, cfg, agent.WithStore(r.store), agent.WithLogger(rn.log))
	out, err := loop.Run(ctx, rn.task)
	res.Path = router.PathReasoning
	res.StepCount = out.ThinkCalls
	res.TrajectoryID = out.TrajectoryID
	if err != nil {
		return err
	}
	ok = out.Status == agent.StatusSuccess
	res.Success = ok
	res.Output = out.Result
	res.Error = out.Reason

	if ok && out.TrajectoryID != "" && r.cfg.Synthesize {
		r.synthesize(ctx, rn, out.TrajectoryID)
	}
	return nil
}

func (r *Runner) synthesize(ctx context.Context, rn *run, trajectoryID string) {
	tr, err := r.store.Trajectory(ctx, trajectoryID)
	if err != nil {
		rn.log.Warn().Err(err).Msg("load trajectory for synthesis")
		return
	}
	in, err := synth.FromTrajectory(tr)
	if errors.Is(err, synth.ErrNothingToGeneralize) {
		rn.log.Debug().Str("trajectory", trajectoryID).Msg("no skill to synthesize")
		return
	}
	if err != nil {
		rn.log.Warn().Err(err).Msg("synthesize skill")
		return
	}
	id, err := r.store.SaveSkill(ctx, in)
	if err != nil {
		rn.log.Warn().Err(err).Str("skill", in.Name).Msg("save synthesized skill")
		return
	}
	rn.log.Info().Str("skill", in.Name).Str("id", id).Msg("skill synthesized")
}

func (r *Runner) markTested(ctx context.Context, rn *run, id string, success bool) {
	if err := r.store.MarkTested(context.WithoutCancel(ctx), id, success); err != nil {
		rn.log.Warn().Err(err).Str("skill", id).Msg("mark tested")
	}
}

// collect keeps what read and query actions returned; other actions only
// acknowledge.
func collect(outputs []string, kind action.Kind, out string) []string {
	if out == "" || (kind != action.Read && kind != action.Query) {
		return outputs
	}
	return append(outputs, out)
}
