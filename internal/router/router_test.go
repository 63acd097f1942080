package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-autopilot/internal/knowledge"
)

func openStore(t *testing.T) *knowledge.Store {
	t.Helper()
	s, err := knowledge.Open(filepath.Join(t.TempDir(), "k.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func saveFooterSkill(t *testing.T, s *knowledge.Store, verified bool) string {
	t.Helper()
	ctx := context.Background()
	id, err := s.SaveSkill(ctx, knowledge.SkillInput{
		Name:        "search_from_footer",
		Description: `Search for "{query}" on site x.example`,
		Code:        "fill css=#footer input \"{{query}}\"\npress css=#footer input \"Enter\"\n",
		Domain:      "x.example",
		Parameters:  []knowledge.Parameter{{Name: "query", Type: "string"}},
	})
	require.NoError(t, err)
	if verified {
		require.NoError(t, s.MarkTested(ctx, id, true))
	}
	return id
}

func TestRouteEmptyStore(t *testing.T) {
	r := New(openStore(t))
	d := r.Route(context.Background(), "book a table for two", "https://x.example")
	assert.Equal(t, PathReasoning, d.Path)
	assert.Zero(t, d.Confidence)
	assert.Nil(t, d.Skill)
	assert.Nil(t, d.Trajectory)
}

func TestRouteSkillWithParams(t *testing.T) {
	s := openStore(t)
	id := saveFooterSkill(t, s, true)
	r := New(s)

	for i := 0; i < 3; i++ {
		d := r.Route(context.Background(), `Search for "rust programming" on site x.example`, "https://www.x.example/")
		require.Equal(t, PathSkill, d.Path)
		assert.GreaterOrEqual(t, d.Confidence, DefaultThreshold)
		assert.Equal(t, id, d.Skill.ID)
		assert.Equal(t, map[string]string{"query": "rust programming"}, d.Params)
	}
}

func TestRouteSkillNeedsAllParams(t *testing.T) {
	s := openStore(t)
	saveFooterSkill(t, s, true)
	r := New(s)

	d := r.Route(context.Background(), "Search for something on site x.example", "https://x.example")
	assert.Equal(t, PathReasoning, d.Path)
	assert.Greater(t, d.Confidence, 0.0, "highest observed confidence is reported")
}

func TestRouteTrajectory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id, err := s.SaveTrajectory(ctx, knowledge.TrajectoryInput{
		Task:    "open the pricing page",
		URL:     "https://x.example/",
		Success: true,
		Actions: []knowledge.ActionRecord{{Type: "click", Target: `role=link,name="Pricing"`}},
	})
	require.NoError(t, err)
	r := New(s)

	d := r.Route(ctx, "open the pricing page", "https://x.example/")
	require.Equal(t, PathTrajectory, d.Path)
	assert.Equal(t, id, d.Trajectory.ID)

	d = r.Route(ctx, "open the pricing page", "https://x.example/", ExcludeTrajectories(id))
	assert.Equal(t, PathReasoning, d.Path)
}

func TestRouteExcludeSkillFallsToTrajectory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	skillID := saveFooterSkill(t, s, false)
	_, err := s.SaveTrajectory(ctx, knowledge.TrajectoryInput{
		Task:    `Search for "rust programming" on site x.example`,
		URL:     "https://x.example",
		Success: true,
	})
	require.NoError(t, err)
	r := New(s)

	assert.Equal(t, PathSkill, r.Route(ctx, `Search for "rust programming" on site x.example`, "https://x.example").Path)
	d := r.Route(ctx, `Search for "rust programming" on site x.example`, "https://x.example", ExcludeSkills(skillID))
	assert.Equal(t, PathTrajectory, d.Path)
}

func TestRouteThresholds(t *testing.T) {
	s := openStore(t)
	saveFooterSkill(t, s, true)
	r := New(s, WithThresholds(0.99, 0.99))

	d := r.Route(context.Background(), `Search for "go" on site x.example`, "https://x.example")
	assert.Equal(t, PathReasoning, d.Path)
	assert.Less(t, d.Confidence, 0.99)
}

type failingStore struct{}

func (failingStore) SearchSkill(context.Context, string, string, ...string) (knowledge.SkillMatch, error) {
	return knowledge.SkillMatch{}, errors.New("disk on fire")
}

func (failingStore) SearchTrajectory(context.Context, string, string, ...string) (knowledge.TrajectoryMatch, error) {
	return knowledge.TrajectoryMatch{}, errors.New("disk on fire")
}

func TestRouteStoreErrorsFallBack(t *testing.T) {
	d := New(failingStore{}).Route(context.Background(), "anything", "https://x.example")
	assert.Equal(t, PathReasoning, d.Path)
	assert.Zero(t, d.Confidence)
}
