package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-autopilot/internal/action"
	"github.com/polzovatel/browser-autopilot/internal/oracle"
	"github.com/polzovatel/browser-autopilot/internal/surface"
	"github.com/polzovatel/browser-autopilot/internal/surface/surfacetest"
)

// repairOracle answers repair requests from a fixed list, repeating the last
// entry once the list is exhausted.
type repairOracle struct {
	proposals []oracle.RepairProposal
	err       error
	requests  []oracle.RepairRequest
}

func (o *repairOracle) Decide(context.Context, oracle.Request) (oracle.Decision, error) {
	return oracle.Decision{}, errors.New("not used")
}

func (o *repairOracle) ProposeRepair(_ context.Context, req oracle.RepairRequest) (oracle.RepairProposal, error) {
	o.requests = append(o.requests, req)
	if o.err != nil {
		return oracle.RepairProposal{}, o.err
	}
	i := len(o.requests) - 1
	if i >= len(o.proposals) {
		i = len(o.proposals) - 1
	}
	return o.proposals[i], nil
}

func formPage() *surfacetest.Page {
	return surfacetest.NewPage("https://x.example/form",
		&surfacetest.Node{Key: "name", Role: "textbox", Name: "Name", Label: "Name"},
		&surfacetest.Node{Key: "cancel", Role: "button", Name: "Cancel"},
		&surfacetest.Node{Key: "submit", Role: "button", Name: "Submit"},
	)
}

func indexOf(t *testing.T, page *surfacetest.Page, key string) int {
	t.Helper()
	snap, err := page.Observe(context.Background())
	require.NoError(t, err)
	for _, el := range snap.Elements {
		if el.Key == key {
			return el.Index
		}
	}
	t.Fatalf("key %s not on page", key)
	return -1
}

func TestRepairAfterRename(t *testing.T) {
	page := formPage()
	page.Rename("submit", "Confirm")
	page.FindErr[`role=button,name="Submit"`] = surface.ErrTimeout

	o := &repairOracle{proposals: []oracle.RepairProposal{
		{ChoiceIndex: indexOf(t, page, "submit"), Locator: `role=button,name="Confirm"`},
	}}
	var sunk []Result
	w := New(action.NewExecutor(page), page, o, WithSink(func(_ context.Context, r Result) { sunk = append(sunk, r) }))

	out, err := w.Perform(context.Background(), action.Action{Kind: action.Click, Target: `role=button,name="Submit"`, Location: "form:L3"})
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	assert.Equal(t, `role=button,name="Confirm"`, out.Target)

	require.Len(t, page.Acts, 1)
	assert.Equal(t, "submit", page.Acts[0].Key)

	results := w.Results()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, "form:L3", results[0].Location)
	assert.Equal(t, "click", results[0].ActionName)
	assert.Len(t, results[0].Attempts, 1)
	assert.Equal(t, results, sunk)

	require.Len(t, o.requests, 1)
	assert.Equal(t, "form:L3", o.requests[0].Failure.Location)
	assert.Len(t, o.requests[0].Elements, 3)
}

func TestRepairOncePerLocation(t *testing.T) {
	page := formPage()
	o := &repairOracle{proposals: []oracle.RepairProposal{{ChoiceIndex: 0, Locator: "css=#nope"}}}
	w := New(action.NewExecutor(page), page, o, WithMaxAttempts(2))
	a := action.Action{Kind: action.Click, Target: `role=button,name="Gone"`, Location: "skill:demo@v1:L2"}

	_, err := w.Perform(context.Background(), a)
	require.ErrorIs(t, err, surface.ErrNotFound)
	assert.Len(t, o.requests, 2)

	_, err = w.Perform(context.Background(), a)
	require.ErrorIs(t, err, surface.ErrNotFound)
	assert.Len(t, o.requests, 2, "second failure at the same location must not consult the oracle")
	assert.Len(t, w.Results(), 1)

	a.Location = "skill:demo@v1:L3"
	_, err = w.Perform(context.Background(), a)
	require.Error(t, err)
	assert.Len(t, o.requests, 4)
	assert.Len(t, w.Results(), 2)
}

func TestRepairBoundedAttempts(t *testing.T) {
	page := formPage()
	original := `role=button,name="Send"`
	// Always ambiguous: two buttons match.
	o := &repairOracle{proposals: []oracle.RepairProposal{{ChoiceIndex: 1, Locator: "role=button"}}}
	w := New(action.NewExecutor(page), page, o)

	_, err := w.Perform(context.Background(), action.Action{Kind: action.Click, Target: original, Location: "loc"})
	var le *surface.LocatorError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, original, le.Expr, "the original failure is raised on exhaustion")

	assert.Len(t, o.requests, DefaultMaxAttempts)
	res := w.Results()
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeFail, res[0].Outcome)
	assert.Len(t, res[0].Attempts, DefaultMaxAttempts)
	for _, at := range res[0].Attempts {
		assert.Contains(t, at.Error, "matched 2 elements")
	}
	// Every re-prompt carries the previous rejections.
	assert.Len(t, o.requests[DefaultMaxAttempts-1].Previous, DefaultMaxAttempts-1)
	assert.Zero(t, page.ActCount())
}

func TestRepairRejectsIdentityMismatch(t *testing.T) {
	page := formPage()
	o := &repairOracle{proposals: []oracle.RepairProposal{
		// Index points at Cancel but the locator resolves to Submit.
		{ChoiceIndex: indexOf(t, page, "cancel"), Locator: `role=button,name="Submit"`},
		{ChoiceIndex: indexOf(t, page, "submit"), Locator: `role=button,name="Submit"`},
	}}
	w := New(action.NewExecutor(page), page, o)

	out, err := w.Perform(context.Background(), action.Action{Kind: action.Click, Target: `text="Send"`, Location: "loc"})
	require.NoError(t, err)
	assert.True(t, out.Recovered)

	res := w.Results()[0]
	require.Len(t, res.Attempts, 2)
	assert.Contains(t, res.Attempts[0].Error, "different element")
	assert.Empty(t, res.Attempts[1].Error)
	assert.Contains(t, o.requests[1].Previous[0].Reason, "different element")
}

func TestRepairRejectsNonQuery(t *testing.T) {
	page := formPage()
	o := &repairOracle{proposals: []oracle.RepairProposal{
		{ChoiceIndex: 2, Locator: `role=button,name="Submit").click(`},
		{ChoiceIndex: 99, Locator: `role=button,name="Submit"`},
	}}
	w := New(action.NewExecutor(page), page, o, WithMaxAttempts(2))

	_, err := w.Perform(context.Background(), action.Action{Kind: action.Click, Target: `text="Send"`, Location: "loc"})
	require.ErrorIs(t, err, surface.ErrNotFound)
	res := w.Results()[0]
	assert.Contains(t, res.Attempts[0].Error, "not a pure query")
	assert.Contains(t, res.Attempts[1].Error, "out of range")
}

func TestNonLocatorErrorsPassThrough(t *testing.T) {
	boom := errors.New("page crashed")
	next := action.PerformerFunc(func(context.Context, action.Action) (action.Outcome, error) {
		return action.Outcome{}, boom
	})
	o := &repairOracle{}
	w := New(next, formPage(), o)

	_, err := w.Perform(context.Background(), action.Action{Kind: action.Click, Target: "css=#x"})
	require.Same(t, boom, err)
	assert.Empty(t, o.requests)
	assert.Empty(t, w.Results())
}

func TestOracleUnavailableGivesUp(t *testing.T) {
	page := formPage()
	o := &repairOracle{err: oracle.ErrUnavailable}
	w := New(action.NewExecutor(page), page, o)

	_, err := w.Perform(context.Background(), action.Action{Kind: action.Click, Target: `text="Send"`, Location: "loc"})
	require.ErrorIs(t, err, surface.ErrNotFound)
	assert.Len(t, o.requests, 1)
	assert.Equal(t, OutcomeFail, w.Results()[0].Outcome)
}

func TestCancellationStopsRepair(t *testing.T) {
	page := formPage()
	ctx, cancel := context.WithCancel(context.Background())
	o := &repairOracle{proposals: []oracle.RepairProposal{{ChoiceIndex: 0, Locator: "css=#nope"}}}
	w := New(action.NewExecutor(page), page, oracle.Funcs{
		RepairFn: func(ctx context.Context, req oracle.RepairRequest) (oracle.RepairProposal, error) {
			cancel()
			return o.ProposeRepair(ctx, req)
		},
	})

	_, err := w.Perform(ctx, action.Action{Kind: action.Click, Target: `text="Send"`, Location: "loc"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, o.requests, 1)
}

func TestDerivedLocationIsStable(t *testing.T) {
	page := formPage()
	o := &repairOracle{proposals: []oracle.RepairProposal{{ChoiceIndex: 0, Locator: "css=#nope"}}}
	w := New(action.NewExecutor(page), page, o, WithMaxAttempts(1))
	a := action.Action{Kind: action.Click, Target: `text="Send"`}

	for i := 0; i < 3; i++ {
		_, err := w.Perform(context.Background(), a)
		require.Error(t, err)
	}
	assert.Len(t, o.requests, 1)
	require.Len(t, w.Results(), 1)
	assert.Contains(t, w.Results()[0].Location, "recovery_test.go:")
}
