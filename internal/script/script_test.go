package script

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-autopilot/internal/action"
)

const searchFooter = `# search through the footer box
goto https://x.example/
fill css=#footer input[type=search] "{{query}}"
press css=#footer input[type=search] "Enter"

click role=link,name="Results"
`

func TestParseFillClearsField(t *testing.T) {
	cmds, err := Parse("fill css=#q \"\"\n")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, action.Action{Kind: action.Fill, Target: "css=#q"}, cmds[0].Action)
	assert.Equal(t, "fill css=#q \"\"\n", Format([]action.Action{cmds[0].Action}))
}

func TestRenderAndParse(t *testing.T) {
	code, err := Render(searchFooter, map[string]string{"query": `rust "programming"`})
	require.NoError(t, err)

	cmds, err := Parse(code)
	require.NoError(t, err)
	require.Len(t, cmds, 4)

	assert.Equal(t, 2, cmds[0].Line)
	assert.Equal(t, action.Action{Kind: action.Goto, Target: "https://x.example/"}, cmds[0].Action)
	assert.Equal(t, action.Action{Kind: action.Fill, Target: "css=#footer input[type=search]", Value: `rust "programming"`}, cmds[1].Action)
	assert.Equal(t, "Enter", cmds[2].Action.Value)
	assert.Equal(t, 6, cmds[3].Line)
	assert.Equal(t, `role=link,name="Results"`, cmds[3].Action.Target)
}

func TestRenderMissingParam(t *testing.T) {
	_, err := Render(searchFooter, map[string]string{})
	require.ErrorIs(t, err, ErrMissingParam)
	assert.Contains(t, err.Error(), "query")
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders(`fill label="From" "{{ from }}"` + "\n" + `fill label="To" "{{to}}"` + "\n" + `fill label="Again" "{{from}}"`)
	assert.Equal(t, []string{"from", "to"}, got)
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"eval":              `eval document.body.innerHTML=""`,
		"fill no value":     `fill label="Email"`,
		"embedded call":     `click css=button; fetch("/x")`,
		"empty":             "# only a comment\n\n",
		"unterminated":      `fill label="Email" "abc`,
		"goto non http url": `goto javascript:alert(1)`,
	}
	for name, code := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(code)
			require.Error(t, err)
		})
	}
}

func TestParseLimit(t *testing.T) {
	code := strings.Repeat("click css=#a\n", MaxPayload+1)
	_, err := ParseLimit(code, MaxPayload)
	require.ErrorIs(t, err, ErrTooLong)

	cmds, err := ParseLimit(strings.Repeat("click css=#a\n", MaxPayload), MaxPayload)
	require.NoError(t, err)
	assert.Len(t, cmds, MaxPayload)
}

func TestFormatRoundTrip(t *testing.T) {
	actions := []action.Action{
		{Kind: action.Goto, Target: "https://x.example/"},
		{Kind: action.Fill, Target: `label="Name"`, Value: `Ada "the" Lovelace`},
		{Kind: action.Click, Target: `role=button,name="Save"`},
	}
	cmds, err := Parse(Format(actions))
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	for i, c := range cmds {
		assert.Equal(t, actions[i], c.Action)
	}
}
