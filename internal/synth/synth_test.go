package synth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-autopilot/internal/knowledge"
	"github.com/polzovatel/browser-autopilot/internal/script"
)

func searchTrajectory() knowledge.Trajectory {
	return knowledge.Trajectory{
		ID:      "tr_1",
		Task:    `Search for "rust programming" on site x.example`,
		URL:     "https://www.x.example/",
		Success: true,
		Actions: []knowledge.ActionRecord{
			{Type: "click", Target: `role=button,name="Open search"`},
			{Type: "fill", Target: `placeholder="Search query"`, Value: "rust programming"},
			{Type: "press", Target: `placeholder="Search query"`, Value: "Enter"},
			{Type: "read", Target: `role=heading,name="Results"`},
		},
	}
}

func TestFromTrajectory(t *testing.T) {
	in, err := FromTrajectory(searchTrajectory())
	require.NoError(t, err)

	assert.Equal(t, "x.example", in.Domain)
	assert.Equal(t, "tr_1", in.SourceTrajectoryID)
	assert.Equal(t, `Search for "{search_query}" on site x.example`, in.Description)
	assert.Equal(t, "search_for_search_query_on_site", in.Name)
	require.Len(t, in.Parameters, 1)
	assert.Equal(t, "search_query", in.Parameters[0].Name)
	assert.Equal(t, []string{"search_query"}, script.Placeholders(in.Code))

	rendered, err := script.Render(in.Code, map[string]string{"search_query": "golang"})
	require.NoError(t, err)
	cmds, err := script.Parse(rendered)
	require.NoError(t, err)
	require.Len(t, cmds, 4)
	assert.Equal(t, "golang", cmds[1].Action.Value)
	assert.Equal(t, "Enter", cmds[2].Action.Value)
}

func TestFromTrajectoryNamesAreUnique(t *testing.T) {
	tr := knowledge.Trajectory{
		Task:    `Send "hi" and then "bye"`,
		URL:     "https://chat.example",
		Success: true,
		Actions: []knowledge.ActionRecord{
			{Type: "fill", Target: `css=#msg`, Value: "hi"},
			{Type: "fill", Target: `css=#msg`, Value: "bye"},
		},
	}
	in, err := FromTrajectory(tr)
	require.NoError(t, err)
	require.Len(t, in.Parameters, 2)
	assert.Equal(t, "value", in.Parameters[0].Name)
	assert.Equal(t, "value_2", in.Parameters[1].Name)
	assert.Equal(t, `Send "{value}" and then "{value_2}"`, in.Description)
}

func TestFromTrajectoryNothingToGeneralize(t *testing.T) {
	tr := searchTrajectory()
	tr.Task = "search for rust programming"
	_, err := FromTrajectory(tr)
	require.ErrorIs(t, err, ErrNothingToGeneralize)

	tr = searchTrajectory()
	tr.Success = false
	_, err = FromTrajectory(tr)
	require.ErrorIs(t, err, ErrNothingToGeneralize)
}
