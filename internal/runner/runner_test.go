package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-autopilot/internal/action"
	"github.com/polzovatel/browser-autopilot/internal/knowledge"
	"github.com/polzovatel/browser-autopilot/internal/oracle"
	"github.com/polzovatel/browser-autopilot/internal/recovery"
	"github.com/polzovatel/browser-autopilot/internal/router"
	"github.com/polzovatel/browser-autopilot/internal/surface/surfacetest"
)

const site = "https://x.example/"

func openStore(t *testing.T) *knowledge.Store {
	t.Helper()
	s, err := knowledge.Open(filepath.Join(t.TempDir(), "k.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func footerPage() *surfacetest.Page {
	return surfacetest.NewPage("about:blank",
		&surfacetest.Node{Key: "footer-q", Role: "searchbox", Name: "Search", Selectors: []string{"#footer input"}},
		&surfacetest.Node{Key: "res", Role: "heading", Name: "Results", Text: "42 results"},
	)
}

func searchPage() *surfacetest.Page {
	return surfacetest.NewPage("about:blank",
		&surfacetest.Node{Key: "q", Role: "searchbox", Name: "Search query", Placeholder: "Search query"},
		&surfacetest.Node{Key: "res", Role: "heading", Name: "Results", Text: "42 results"},
	)
}

func saveSkill(t *testing.T, s *knowledge.Store, in knowledge.SkillInput) string {
	t.Helper()
	id, err := s.SaveSkill(context.Background(), in)
	require.NoError(t, err)
	return id
}

func footerSkill() knowledge.SkillInput {
	return knowledge.SkillInput{
		Name:        "search_from_footer",
		Description: `Search for "{query}" on site x.example`,
		Code:        "fill css=#footer input \"{{query}}\"\npress css=#footer input \"Enter\"\nread role=heading,name=\"Results\"\n",
		Domain:      "x.example",
		Parameters:  []knowledge.Parameter{{Name: "query", Type: "string"}},
	}
}

// searchOracle drives a reasoning run on searchPage by the number of steps
// already taken.
type searchOracle struct {
	mu      sync.Mutex
	decides int
}

func (o *searchOracle) Decide(_ context.Context, req oracle.Request) (oracle.Decision, error) {
	o.mu.Lock()
	o.decides++
	o.mu.Unlock()
	steps := []action.Action{
		{Kind: action.Fill, Target: `placeholder="Search query"`, Value: "rust programming"},
		{Kind: action.Press, Target: `placeholder="Search query"`, Value: "Enter"},
		{Kind: action.Read, Target: `role=heading,name="Results"`},
	}
	if n := len(req.History); n < len(steps) {
		return oracle.Decision{Action: &steps[n]}, nil
	}
	return oracle.Decision{Terminate: true, Result: "42 results"}, nil
}

func (o *searchOracle) ProposeRepair(context.Context, oracle.RepairRequest) (oracle.RepairProposal, error) {
	return oracle.RepairProposal{}, oracle.ErrUnavailable
}

func (o *searchOracle) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.decides
}

func finishOracle(result string) oracle.Funcs {
	return oracle.Funcs{DecideFn: func(context.Context, oracle.Request) (oracle.Decision, error) {
		return oracle.Decision{Terminate: true, Result: result}, nil
	}}
}

func TestRunSkillPath(t *testing.T) {
	store := openStore(t)
	id := saveSkill(t, store, footerSkill())
	opener := &surfacetest.Opener{New: footerPage}
	r := New(opener, store, finishOracle("unused"))

	res, err := r.Run(context.Background(), `Search for "rust programming" on site x.example`, site, 0)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, router.PathSkill, res.Path)
	assert.Equal(t, id, res.SkillID)
	assert.Equal(t, 3, res.StepCount)
	assert.Equal(t, "42 results", res.Output)
	assert.Empty(t, res.Recoveries)

	page := opener.Pages()[0]
	assert.Equal(t, []string{site}, page.Gotos)
	assert.Equal(t, "rust programming", page.Value("footer-q"))
	assert.True(t, page.Closed())

	sk, err := store.Skill(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, sk.TestCount)
	assert.True(t, sk.Verified)
}

func TestRunFailingSkillIsRerouted(t *testing.T) {
	store := openStore(t)
	id := saveSkill(t, store, footerSkill())
	opener := &surfacetest.Opener{New: searchPage}
	r := New(opener, store, finishOracle("fallback"))

	res, err := r.Run(context.Background(), `Search for "rust programming" on site x.example`, site, 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, router.PathReasoning, res.Path)
	assert.Equal(t, "fallback", res.Output)
	assert.Empty(t, res.SkillID)

	require.Len(t, res.Recoveries, 1)
	assert.Equal(t, recovery.OutcomeFail, res.Recoveries[0].Outcome)
	assert.Equal(t, "skill:search_from_footer@v1:L1", res.Recoveries[0].Location)

	stored, err := store.Recoveries(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	sk, err := store.Skill(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, sk.TestCount)
	assert.False(t, sk.Verified)

	page := opener.Pages()[0]
	assert.Equal(t, []string{site, site}, page.Gotos, "navigates again before rerouting")
}

func TestRunSkillWithRepair(t *testing.T) {
	store := openStore(t)
	id := saveSkill(t, store, knowledge.SkillInput{
		Name:        "submit_contact_form",
		Description: "Submit the contact form",
		Code:        "click role=button,name=\"Submit\"\n",
		Domain:      "x.example",
	})
	opener := &surfacetest.Opener{New: func() *surfacetest.Page {
		return surfacetest.NewPage("about:blank",
			&surfacetest.Node{Key: "cancel", Role: "button", Name: "Cancel"},
			&surfacetest.Node{Key: "submit", Role: "button", Name: "Confirm"},
		)
	}}
	o := oracle.Funcs{RepairFn: func(_ context.Context, req oracle.RepairRequest) (oracle.RepairProposal, error) {
		for _, el := range req.Elements {
			if el.Name == "Confirm" {
				return oracle.RepairProposal{ChoiceIndex: el.Index, Locator: `role=button,name="Confirm"`}, nil
			}
		}
		return oracle.RepairProposal{}, errors.New("no candidate")
	}}
	r := New(opener, store, o)

	res, err := r.Run(context.Background(), "Submit the contact form", site, 0)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, router.PathSkill, res.Path)
	require.Len(t, res.Recoveries, 1)
	assert.Equal(t, recovery.OutcomeSuccess, res.Recoveries[0].Outcome)
	assert.Equal(t, `role=button,name="Confirm"`, res.Recoveries[0].Repaired)

	page := opener.Pages()[0]
	require.Len(t, page.Acts, 1)
	assert.Equal(t, "submit", page.Acts[0].Key)

	sk, err := store.Skill(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, sk.TestCount)
	assert.False(t, sk.Verified, "a run that needed repair is not clean")
}

func TestRunTrajectoryPath(t *testing.T) {
	store := openStore(t)
	trID, err := store.SaveTrajectory(context.Background(), knowledge.TrajectoryInput{
		Task:    "read the search results count",
		URL:     site,
		Success: true,
		Actions: []knowledge.ActionRecord{
			{Type: "fill", Target: `placeholder="Search query"`, Value: "rust", Timestamp: time.Now()},
			{Type: "read", Target: `role=heading,name="Results"`, Timestamp: time.Now()},
		},
	})
	require.NoError(t, err)
	opener := &surfacetest.Opener{New: searchPage}
	r := New(opener, store, finishOracle("unused"))

	res, err := r.Run(context.Background(), "read the search results count", site, 0)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, router.PathTrajectory, res.Path)
	assert.Equal(t, trID, res.TrajectoryID)
	assert.Equal(t, 2, res.StepCount)
	assert.Equal(t, "42 results", res.Output)
	assert.Equal(t, "rust", opener.Pages()[0].Value("q"))
}

func TestReasoningRunIsLearned(t *testing.T) {
	store := openStore(t)
	o := &searchOracle{}
	opener := &surfacetest.Opener{New: searchPage}
	cfg := DefaultConfig()
	cfg.Synthesize = true
	r := New(opener, store, o, WithConfig(cfg))
	ctx := context.Background()

	first, err := r.Run(ctx, `Search for "rust programming" on site x.example`, site, 10)
	require.NoError(t, err)
	assert.True(t, first.Success, first.Error)
	assert.Equal(t, router.PathReasoning, first.Path)
	assert.Zero(t, first.Confidence)
	assert.Equal(t, "42 results", first.Output)
	require.NotEmpty(t, first.TrajectoryID)
	assert.Equal(t, 4, o.calls())

	skills := store.Skills(ctx)
	require.Len(t, skills, 1)
	assert.Equal(t, first.TrajectoryID, skills[0].SourceTrajectoryID)
	assert.Equal(t, "x.example", skills[0].Domain)

	second, err := r.Run(ctx, `Search for "golang" on site x.example`, site, 10)
	require.NoError(t, err)
	assert.True(t, second.Success, second.Error)
	assert.Equal(t, router.PathSkill, second.Path)
	assert.Equal(t, skills[0].ID, second.SkillID)
	assert.Equal(t, 4, o.calls(), "the oracle is not consulted again")
	assert.Equal(t, "golang", opener.Pages()[1].Value("q"))
}

func TestRunOpenFailure(t *testing.T) {
	boom := errors.New("no browser")
	r := New(&surfacetest.Opener{New: searchPage, Err: boom}, openStore(t), finishOracle("x"))

	_, err := r.Run(context.Background(), "anything", site, 0)
	require.ErrorIs(t, err, boom)
}

func TestRunBatch(t *testing.T) {
	store := openStore(t)
	opener := &surfacetest.Opener{New: searchPage}
	r := New(opener, store, finishOracle("ok"))

	tasks := []Task{
		{Task: "first task", URL: site},
		{Task: "second task", URL: site},
		{Task: "third task", URL: site, MaxSteps: 3},
	}
	results, err := r.RunBatch(context.Background(), tasks, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)

	ids := map[string]bool{}
	for _, res := range results {
		assert.True(t, res.Success)
		assert.Equal(t, "ok", res.Output)
		ids[res.RunID] = true
	}
	assert.Len(t, ids, 3)

	pages := opener.Pages()
	require.Len(t, pages, 3)
	for _, p := range pages {
		assert.True(t, p.Closed())
	}
}

func TestRunBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(&surfacetest.Opener{New: searchPage}, openStore(t), finishOracle("ok"))

	_, err := r.RunBatch(ctx, []Task{{Task: "t", URL: site}}, 1)
	require.ErrorIs(t, err, context.Canceled)
}
