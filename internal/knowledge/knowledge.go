// Package knowledge persists what the autopilot learns: parameterized skills,
// recorded trajectories and locator repair results. Records live in SQLite;
// an in-memory bleve index over the latest skill versions and all
// trajectories serves candidate retrieval for routing.
package knowledge

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSchemaChanged = errors.New("skill parameter schema changed")
	ErrInvalidSkill  = errors.New("invalid skill")
)

// Parameter is one declared skill input.
type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Optional    bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Skill is a named, versioned, parameterized script bound to a domain.
type Skill struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Description        string      `json:"description"`
	Code               string      `json:"code"`
	Domain             string      `json:"domain"`
	Parameters         []Parameter `json:"parameters"`
	Verified           bool        `json:"verified"`
	TestCount          int         `json:"test_count"`
	Version            int         `json:"version"`
	SourceTrajectoryID string      `json:"source_trajectory_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

// Required lists the names of non-optional parameters.
func (s Skill) Required() []string {
	var out []string
	for _, p := range s.Parameters {
		if !p.Optional {
			out = append(out, p.Name)
		}
	}
	return out
}

// ActionRecord is one executed action inside a trajectory.
type ActionRecord struct {
	Type      string    `json:"type"`
	Target    string    `json:"target_expression"`
	Value     string    `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Trajectory is an immutable record of a successful reasoning run.
type Trajectory struct {
	ID        string            `json:"id"`
	Task      string            `json:"task"`
	URL       string            `json:"url"`
	Actions   []ActionRecord    `json:"actions"`
	Success   bool              `json:"success"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type SkillInput struct {
	Name               string      `yaml:"name"`
	Description        string      `yaml:"description"`
	Code               string      `yaml:"code"`
	Domain             string      `yaml:"domain"`
	Parameters         []Parameter `yaml:"parameters"`
	SourceTrajectoryID string      `yaml:"-"`
}

type TrajectoryInput struct {
	Task     string
	URL      string
	Actions  []ActionRecord
	Success  bool
	Metadata map[string]string
}

// SkillMatch is the best skill for a task. Skill is nil when nothing matched.
type SkillMatch struct {
	Skill      *Skill
	Confidence float64
}

// TrajectoryMatch is the best trajectory for a task.
type TrajectoryMatch struct {
	Trajectory *Trajectory
	Confidence float64
}

// Domain returns the host of rawURL in lower case without a leading "www.".
func Domain(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// NormalizeDomain accepts either a bare domain or a URL.
func NormalizeDomain(d string) string { return Domain(d) }

func sameSchema(a, b []Parameter) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(ps []Parameter) []string {
		out := make([]string, len(ps))
		for i, p := range ps {
			out[i] = fmt.Sprintf("%s|%s|%t", p.Name, strings.ToLower(p.Type), p.Optional)
		}
		sort.Strings(out)
		return out
	}
	ka, kb := key(a), key(b)
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	return true
}
