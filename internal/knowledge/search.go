package knowledge

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// candidateLimit bounds how many index hits are rescored per search.
const candidateLimit = 50

// Weights tune the confidence blend. Text similarity is
// Recall*recall + Overlap*jaccard; trajectories add a URL component.
type Weights struct {
	Recall         float64 `yaml:"recall"`
	Overlap        float64 `yaml:"overlap"`
	TrajectoryText float64 `yaml:"trajectory_text"`
	TrajectoryURL  float64 `yaml:"trajectory_url"`
}

func DefaultWeights() Weights {
	return Weights{Recall: 0.7, Overlap: 0.3, TrajectoryText: 0.6, TrajectoryURL: 0.4}
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	doc.AddFieldMappingsAt("text", text)

	keyword := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("kind", keyword)
	doc.AddFieldMappingsAt("domain", keyword)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	return im
}

func skillDoc(sk *Skill) map[string]any {
	return map[string]any{
		"kind":   "skill",
		"text":   sk.Name + " " + sk.Description,
		"domain": sk.Domain,
	}
}

func trajectoryDoc(tr *Trajectory) map[string]any {
	return map[string]any{
		"kind":   "trajectory",
		"text":   tr.Task,
		"domain": Domain(tr.URL),
	}
}

// candidates returns ids of documents of the given kind whose text shares at
// least one analysed term with task. A non-empty domain restricts hits to
// that domain. Caller holds s.mu.
func (s *Store) candidates(ctx context.Context, kind, task, domain string) ([]string, error) {
	if strings.TrimSpace(task) == "" {
		return nil, nil
	}
	match := bleve.NewMatchQuery(task)
	match.SetField("text")
	kindQ := bleve.NewTermQuery(kind)
	kindQ.SetField("kind")
	conj := bleve.NewConjunctionQuery(match, kindQ)
	if domain != "" {
		domainQ := bleve.NewTermQuery(domain)
		domainQ.SetField("domain")
		conj.AddQuery(domainQ)
	}

	req := bleve.NewSearchRequest(conj)
	req.Size = candidateLimit
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// SearchSkill returns the best latest-version skill for task among skills of
// the URL's domain. An empty store yields confidence 0 and no error.
func (s *Store) SearchSkill(ctx context.Context, task, rawURL string, exclude ...string) (SkillMatch, error) {
	domain := Domain(rawURL)
	skip := toSet(exclude)

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, err := s.candidates(ctx, "skill", task, domain)
	if err != nil {
		return SkillMatch{}, err
	}
	taskTokens := tokens(task)

	var best *Skill
	var bestScore float64
	for _, id := range ids {
		sk, ok := s.skills[id]
		if !ok || skip[id] || sk.Domain != domain {
			continue
		}
		score := s.weights.text(taskTokens, tokens(skillText(sk)))
		if best == nil || score > bestScore || (score == bestScore && betterSkill(sk, best)) {
			best, bestScore = sk, score
		}
	}
	if best == nil {
		return SkillMatch{}, nil
	}
	c := cloneSkill(best)
	return SkillMatch{Skill: &c, Confidence: clamp(bestScore)}, nil
}

// SearchTrajectory returns the trajectory most similar to task, with the URL
// contributing a smaller share of the confidence. Same-domain trajectories are
// retrieved separately so other sites cannot crowd them out.
func (s *Store) SearchTrajectory(ctx context.Context, task, rawURL string, exclude ...string) (TrajectoryMatch, error) {
	skip := toSet(exclude)
	domain := Domain(rawURL)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	if domain != "" {
		local, err := s.candidates(ctx, "trajectory", task, domain)
		if err != nil {
			return TrajectoryMatch{}, err
		}
		ids = local
	}
	all, err := s.candidates(ctx, "trajectory", task, "")
	if err != nil {
		return TrajectoryMatch{}, err
	}
	ids = append(ids, all...)
	taskTokens := tokens(task)

	var best *Trajectory
	var bestScore float64
	for _, id := range ids {
		tr, ok := s.trajectories[id]
		if !ok || skip[id] || !tr.Success {
			continue
		}
		score := s.weights.TrajectoryText*s.weights.text(taskTokens, tokens(tr.Task)) +
			s.weights.TrajectoryURL*urlScore(rawURL, tr.URL)
		if best == nil || score > bestScore || (score == bestScore && tr.CreatedAt.After(best.CreatedAt)) {
			best, bestScore = tr, score
		}
	}
	if best == nil {
		return TrajectoryMatch{}, nil
	}
	c := cloneTrajectory(best)
	return TrajectoryMatch{Trajectory: &c, Confidence: clamp(bestScore)}, nil
}

// skillText is what a task is scored against: the description, or the name
// when there is none.
func skillText(sk *Skill) string {
	if strings.TrimSpace(sk.Description) != "" {
		return sk.Description
	}
	return sk.Name
}

// betterSkill breaks score ties: verified first, then the newer version.
func betterSkill(a, b *Skill) bool {
	if a.Verified != b.Verified {
		return a.Verified
	}
	return a.Version > b.Version
}

// text scores how well the task covers the candidate's tokens.
func (w Weights) text(task, cand map[string]bool) float64 {
	if len(task) == 0 || len(cand) == 0 {
		return 0
	}
	inter := 0
	for t := range cand {
		if task[t] {
			inter++
		}
	}
	recall := float64(inter) / float64(len(cand))
	jaccard := float64(inter) / float64(len(task)+len(cand)-inter)
	total := w.Recall + w.Overlap
	if total <= 0 {
		return recall
	}
	return (w.Recall*recall + w.Overlap*jaccard) / total
}

func urlScore(a, b string) float64 {
	na, nb := normalizeURL(a), normalizeURL(b)
	switch {
	case na == "" || nb == "":
		return 0
	case na == nb:
		return 1
	case Domain(a) == Domain(b):
		return 0.5
	}
	return 0
}

func normalizeURL(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "www.")
	return strings.TrimRight(u, "/")
}

var placeholderRe = regexp.MustCompile(`\{\{?[^{}]*\}?\}`)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "to": true,
	"in": true, "on": true, "at": true, "for": true, "from": true, "with": true, "by": true,
	"is": true, "it": true, "this": true, "that": true, "be": true, "as": true, "into": true,
	"then": true, "please": true, "my": true, "me": true, "i": true,
}

// tokens lowercases s, drops {placeholders}, stopwords and single letters.
func tokens(s string) map[string]bool {
	s = placeholderRe.ReplaceAllString(s, " ")
	out := map[string]bool{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) < 2 || stopwords[f] {
			continue
		}
		out[f] = true
	}
	return out
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
