// Package params fills skill parameters from the free text of a task.
package params

import (
	"regexp"
	"strings"

	"github.com/polzovatel/browser-autopilot/internal/knowledge"
)

var (
	quotedRe = regexp.MustCompile(`"([^"]+)"|“([^”]+)”|(?:^|\s)'([^'\n]+)'|‘([^’]+)’|«\s*([^»]+?)\s*»`)
	urlRe    = regexp.MustCompile(`https?://[^\s"'<>]+`)
	emailRe  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	dateRe   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b`)
	numberRe = regexp.MustCompile(`-?\b\d+(?:\.\d+)?\b`)
	intRe    = regexp.MustCompile(`-?\b\d+\b`)
	entityRe = regexp.MustCompile(`\b[A-Z][\p{L}'&-]*(?:\s+[A-Z][\p{L}'&-]*)+`)
	capRe    = regexp.MustCompile(`\b[A-Z][\p{L}'&-]+`)
)

type span struct{ start, end int }

type extractor struct {
	task string
	used []span
}

func (e *extractor) free(s span, blocked []span) bool {
	for _, u := range append(blocked, e.used...) {
		if s.start < u.end && u.start < s.end {
			return false
		}
	}
	return true
}

func (e *extractor) take(s span) { e.used = append(e.used, s) }

// first returns the first match of re that overlaps neither a consumed span
// nor a blocked one, and consumes it.
func (e *extractor) first(re *regexp.Regexp, accept func(string, int) bool, blocked ...span) (string, bool) {
	for _, m := range re.FindAllStringSubmatchIndex(e.task, -1) {
		whole := span{m[0], m[1]}
		if !e.free(whole, blocked) {
			continue
		}
		val, at := groupValue(e.task, m)
		if val == "" || (accept != nil && !accept(val, at)) {
			continue
		}
		e.take(whole)
		return val, true
	}
	return "", false
}

// groupValue returns the first non-empty capture group, or the whole match
// when the expression has no groups.
func groupValue(s string, m []int) (string, int) {
	for g := 2; g+1 < len(m); g += 2 {
		if m[g] >= 0 && m[g+1] > m[g] {
			return strings.TrimSpace(s[m[g]:m[g+1]]), m[g]
		}
	}
	return strings.TrimSpace(s[m[0]:m[1]]), m[0]
}

// Extract resolves as many of the skill's parameters as the task text allows.
// Parameters that cannot be filled are absent from the result.
func Extract(task string, sk knowledge.Skill) map[string]string {
	e := &extractor{task: task}
	out := map[string]string{}

	// Explicit "name: value" and name="value" forms win over everything else.
	for _, p := range sk.Parameters {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(p.Name) + `\s*[:=]\s*(?:"([^"]*)"|“([^”]*)”|'([^']*)'|([^,;\n]+))`)
		if v, ok := e.first(re, nil); ok {
			out[p.Name] = strings.TrimRight(v, ".!? ")
		}
	}

	// Typed literals are consumed before free-form quoted phrases so that a
	// quoted URL still lands in a url parameter.
	for _, p := range sk.Parameters {
		if _, done := out[p.Name]; done {
			continue
		}
		var v string
		var ok bool
		switch kind(p.Type) {
		case "url":
			v, ok = e.first(urlRe, nil)
			v = strings.TrimRight(v, ".,;:!?)")
		case "email":
			v, ok = e.first(emailRe, nil)
		case "date":
			v, ok = e.first(dateRe, nil)
		case "number":
			v, ok = e.first(numberRe, nil, e.literals()...)
		case "integer":
			v, ok = e.first(intRe, nil, e.literals()...)
		default:
			continue
		}
		if ok {
			out[p.Name] = v
		}
	}

	for _, p := range sk.Parameters {
		if _, done := out[p.Name]; done {
			continue
		}
		switch kind(p.Type) {
		case "string":
			if v, ok := e.first(quotedRe, nil); ok {
				out[p.Name] = v
			}
		case "entity":
			if v, ok := e.first(quotedRe, nil); ok {
				out[p.Name] = v
			} else if v, ok := e.first(entityRe, nil); ok {
				out[p.Name] = v
			} else if v, ok := e.first(capRe, notSentenceStart(task)); ok {
				out[p.Name] = v
			}
		}
	}
	return out
}

// literals returns the spans of quoted phrases, URLs, e-mails and dates so
// that digits inside them are not read as numbers.
func (e *extractor) literals() []span {
	var out []span
	for _, re := range []*regexp.Regexp{quotedRe, urlRe, emailRe, dateRe} {
		for _, m := range re.FindAllStringIndex(e.task, -1) {
			out = append(out, span{m[0], m[1]})
		}
	}
	return out
}

func notSentenceStart(task string) func(string, int) bool {
	return func(_ string, at int) bool {
		before := strings.TrimRight(task[:at], " \t")
		return before != "" && !strings.HasSuffix(before, ".") && !strings.HasSuffix(before, "!") && !strings.HasSuffix(before, "?")
	}
}

func kind(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "url", "link":
		return "url"
	case "email", "e-mail":
		return "email"
	case "date":
		return "date"
	case "number", "float", "decimal":
		return "number"
	case "integer", "int", "count":
		return "integer"
	case "entity", "name", "person", "company", "place":
		return "entity"
	default:
		return "string"
	}
}

// Quoted returns the quoted phrases of text in order of appearance.
func Quoted(text string) []string {
	var out []string
	for _, m := range quotedRe.FindAllStringSubmatchIndex(text, -1) {
		if v, _ := groupValue(text, m); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Missing lists the required parameters of sk that have no value in params.
func Missing(sk knowledge.Skill, params map[string]string) []string {
	var out []string
	for _, name := range sk.Required() {
		if strings.TrimSpace(params[name]) == "" {
			out = append(out, name)
		}
	}
	return out
}
