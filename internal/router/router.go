// Package router decides, per task, whether to run a learned skill, replay a
// recorded trajectory or fall back to step-by-step reasoning.
package router

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-autopilot/internal/knowledge"
	"github.com/polzovatel/browser-autopilot/internal/params"
)

const DefaultThreshold = 0.7

type Path string

const (
	PathSkill      Path = "skill"
	PathTrajectory Path = "trajectory"
	PathReasoning  Path = "reasoning"
)

// Knowledge is the part of the knowledge store the router reads.
type Knowledge interface {
	SearchSkill(ctx context.Context, task, url string, exclude ...string) (knowledge.SkillMatch, error)
	SearchTrajectory(ctx context.Context, task, url string, exclude ...string) (knowledge.TrajectoryMatch, error)
}

// Decision is the outcome of routing one task. Skill and Params are set on
// the skill path, Trajectory on the trajectory path. On the reasoning path
// Confidence is the highest confidence observed while routing.
type Decision struct {
	Path       Path
	Confidence float64
	Skill      *knowledge.Skill
	Params     map[string]string
	Trajectory *knowledge.Trajectory
}

type Router struct {
	store          Knowledge
	skillThreshold float64
	trajThreshold  float64
	log            zerolog.Logger
}

type Option func(*Router)

func WithThresholds(skill, trajectory float64) Option {
	return func(r *Router) {
		if skill > 0 {
			r.skillThreshold = skill
		}
		if trajectory > 0 {
			r.trajThreshold = trajectory
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.log = l.With().Str("comp", "router").Logger() }
}

func New(store Knowledge, opts ...Option) *Router {
	r := &Router{
		store:          store,
		skillThreshold: DefaultThreshold,
		trajThreshold:  DefaultThreshold,
		log:            zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type routeOptions struct {
	skipSkills       []string
	skipTrajectories []string
}

// RouteOption narrows a single Route call.
type RouteOption func(*routeOptions)

// ExcludeSkills keeps the given skill ids out of consideration.
func ExcludeSkills(ids ...string) RouteOption {
	return func(o *routeOptions) { o.skipSkills = append(o.skipSkills, ids...) }
}

// ExcludeTrajectories keeps the given trajectory ids out of consideration.
func ExcludeTrajectories(ids ...string) RouteOption {
	return func(o *routeOptions) { o.skipTrajectories = append(o.skipTrajectories, ids...) }
}

// Route never fails: store errors count as confidence 0 and push the task
// towards reasoning.
func (r *Router) Route(ctx context.Context, task, url string, opts ...RouteOption) Decision {
	var ro routeOptions
	for _, o := range opts {
		o(&ro)
	}
	best := 0.0

	sm, err := r.store.SearchSkill(ctx, task, url, ro.skipSkills...)
	if err != nil {
		r.log.Warn().Err(err).Str("url", url).Msg("skill search failed")
		sm = knowledge.SkillMatch{}
	}
	if sm.Skill != nil {
		best = max(best, sm.Confidence)
		if sm.Confidence >= r.skillThreshold {
			p := params.Extract(task, *sm.Skill)
			missing := params.Missing(*sm.Skill, p)
			if len(missing) == 0 {
				r.log.Debug().Str("skill", sm.Skill.Name).Float64("confidence", sm.Confidence).Msg("route: skill")
				return Decision{Path: PathSkill, Confidence: sm.Confidence, Skill: sm.Skill, Params: p}
			}
			r.log.Debug().Str("skill", sm.Skill.Name).Strs("missing", missing).Msg("skill matched but parameters unresolved")
		}
	}

	tm, err := r.store.SearchTrajectory(ctx, task, url, ro.skipTrajectories...)
	if err != nil {
		r.log.Warn().Err(err).Str("url", url).Msg("trajectory search failed")
		tm = knowledge.TrajectoryMatch{}
	}
	if tm.Trajectory != nil {
		best = max(best, tm.Confidence)
		if tm.Confidence >= r.trajThreshold {
			r.log.Debug().Str("trajectory", tm.Trajectory.ID).Float64("confidence", tm.Confidence).Msg("route: trajectory")
			return Decision{Path: PathTrajectory, Confidence: tm.Confidence, Trajectory: tm.Trajectory}
		}
	}

	r.log.Debug().Float64("confidence", best).Msg("route: reasoning")
	return Decision{Path: PathReasoning, Confidence: best}
}
