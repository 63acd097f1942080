// Package synth generalizes a successful trajectory into a parameterized
// skill. Quoted phrases of the task that were typed into the page become
// parameters; everything else is kept verbatim.
package synth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/polzovatel/browser-autopilot/internal/action"
	"github.com/polzovatel/browser-autopilot/internal/knowledge"
	"github.com/polzovatel/browser-autopilot/internal/locator"
	"github.com/polzovatel/browser-autopilot/internal/params"
	"github.com/polzovatel/browser-autopilot/internal/script"
)

// ErrNothingToGeneralize is returned when no typed value of the trajectory
// comes from the task text.
var ErrNothingToGeneralize = errors.New("nothing to generalize")

const maxNameWords = 6

// FromTrajectory derives a skill from tr. The skill keeps every action of the
// trajectory and replaces values copied from quoted task phrases with
// {{placeholders}}.
func FromTrajectory(tr knowledge.Trajectory) (knowledge.SkillInput, error) {
	if !tr.Success || len(tr.Actions) == 0 {
		return knowledge.SkillInput{}, fmt.Errorf("%w: trajectory %s is not a successful run", ErrNothingToGeneralize, tr.ID)
	}
	phrases := params.Quoted(tr.Task)

	var (
		actions  []action.Action
		ps       []knowledge.Parameter
		byPhrase = map[string]string{}
		order    []string
		used     = map[string]bool{}
	)
	for _, rec := range tr.Actions {
		a := action.Action{Kind: action.Kind(rec.Type), Target: rec.Target, Value: rec.Value}
		if a.Kind == action.Fill {
			if phrase, ok := matchPhrase(phrases, rec.Value); ok {
				name, seen := byPhrase[phrase]
				if !seen {
					name = uniqueName(paramName(rec.Target), used)
					byPhrase[phrase] = name
					order = append(order, phrase)
					ps = append(ps, knowledge.Parameter{
						Name:        name,
						Type:        "string",
						Description: fmt.Sprintf("text typed into %s", rec.Target),
					})
				}
				a.Value = "{{" + name + "}}"
			}
		}
		actions = append(actions, a)
	}
	if len(ps) == 0 {
		return knowledge.SkillInput{}, ErrNothingToGeneralize
	}

	code := script.Format(actions)
	if _, err := script.Parse(code); err != nil {
		return knowledge.SkillInput{}, fmt.Errorf("synth: generated code: %w", err)
	}

	desc := tr.Task
	for _, phrase := range order {
		desc = strings.Replace(desc, phrase, "{"+byPhrase[phrase]+"}", 1)
	}
	return knowledge.SkillInput{
		Name:               skillName(desc),
		Description:        desc,
		Code:               code,
		Domain:             knowledge.Domain(tr.URL),
		Parameters:         ps,
		SourceTrajectoryID: tr.ID,
	}, nil
}

func matchPhrase(phrases []string, value string) (string, bool) {
	v := strings.TrimSpace(value)
	for _, p := range phrases {
		if strings.EqualFold(p, v) {
			return p, true
		}
	}
	return "", false
}

// paramName derives a parameter name from the element the value was typed
// into, falling back to "value".
func paramName(target string) string {
	loc, err := locator.Parse(target)
	if err != nil || loc.Strategy == locator.ByCSS || loc.Strategy == locator.ByTestID {
		return "value"
	}
	if s := slug(loc.Value, 3); s != "" {
		return s
	}
	return "value"
}

func uniqueName(base string, used map[string]bool) string {
	name := base
	for i := 2; used[name]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	used[name] = true
	return name
}

// skillName turns a description into a snake_case identifier.
func skillName(desc string) string {
	s := slug(strings.NewReplacer("{", " ", "}", " ").Replace(desc), maxNameWords)
	if s == "" {
		return "skill"
	}
	return s
}

func slug(s string, maxWords int) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r > unicode.MaxASCII || (!unicode.IsLetter(r) && !unicode.IsDigit(r))
	})
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	out := strings.Join(words, "_")
	if out != "" && unicode.IsDigit(rune(out[0])) {
		out = "p_" + out
	}
	return out
}
