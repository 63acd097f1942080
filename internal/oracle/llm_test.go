package oracle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-autopilot/internal/action"
	"github.com/polzovatel/browser-autopilot/internal/llm"
	"github.com/polzovatel/browser-autopilot/internal/snapshot"
)

type fakeLLM struct {
	text string
	err  error
	last llm.Request
}

func (f *fakeLLM) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	f.last = req
	return llm.Response{Text: f.text}, f.err
}

func (f *fakeLLM) Name() string { return "fake" }

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Decision
	}{
		{
			name: "single action with prose around",
			text: "Sure!\n```json\n{\"action\":\"click\",\"input\":{\"target\":\"role=button,name=\\\"Go\\\"\"}}\n```",
			want: Decision{Action: &action.Action{Kind: action.Click, Target: `role=button,name="Go"`}},
		},
		{
			name: "finish shorthand",
			text: `{"finish":"42 results"}`,
			want: Decision{Terminate: true, Result: "42 results"},
		},
		{
			name: "finish tool",
			text: `{"action":"finish","input":{"message":"done"}}`,
			want: Decision{Terminate: true, Result: "done"},
		},
		{
			name: "code payload",
			text: `{"code":"fill css=#q \"go\"\npress css=#q \"Enter\""}`,
			want: Decision{Code: "fill css=#q \"go\"\npress css=#q \"Enter\""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDecision(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDecisionMalformed(t *testing.T) {
	for _, text := range []string{
		"no json here",
		`{"action":"eval","input":{"code":"alert(1)"}}`,
		`{"code":"rm -rf /"}`,
		`{"thought":"hmm"}`,
	} {
		_, err := parseDecision(text)
		require.ErrorIs(t, err, ErrMalformed, text)
	}
}

func TestDecideMapsUnavailable(t *testing.T) {
	fake := &fakeLLM{err: errors.Join(llm.ErrUnavailable, errors.New("429"))}
	_, err := NewLLM(fake, zerolog.Nop()).Decide(context.Background(), Request{Task: "t"})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDecideMapsMalformedResponse(t *testing.T) {
	fake := &fakeLLM{err: fmt.Errorf("%w: tool fill arguments: bad", llm.ErrMalformedResponse)}
	_, err := NewLLM(fake, zerolog.Nop()).Decide(context.Background(), Request{Task: "t"})
	require.ErrorIs(t, err, ErrMalformed)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestDecideSendsListingAndTools(t *testing.T) {
	fake := &fakeLLM{text: `{"finish":"ok"}`}
	snap := snapshot.New("https://x.example", "X", "", []snapshot.Element{{Key: "k", Role: "button", Name: "Submit"}})
	dec, err := NewLLM(fake, zerolog.Nop()).Decide(context.Background(), Request{
		Task:        "submit the form",
		Observation: Observation{URL: snap.URL, Snapshot: snap},
	})
	require.NoError(t, err)
	assert.True(t, dec.Terminate)
	require.Len(t, fake.last.Messages, 1)
	assert.Contains(t, fake.last.Messages[0].Content, `[0] button name=\"Submit\"`)
	assert.Len(t, fake.last.Tools, len(action.Vocabulary()))
}

func TestProposeRepair(t *testing.T) {
	fake := &fakeLLM{text: `{"choice_index": 3, "locator": "role=button,name=\"Confirm\""}`}
	p, err := NewLLM(fake, zerolog.Nop()).ProposeRepair(context.Background(), RepairRequest{
		Failure:  Failure{Action: action.Action{Kind: action.Click, Target: `role=button,name="Submit"`}, Error: "timeout"},
		Elements: []snapshot.Element{{Index: 3, Role: "button", Name: "Confirm"}},
		Previous: []Rejection{{Proposal: RepairProposal{ChoiceIndex: 1, Locator: "css=button"}, Reason: "matched 4 elements"}},
	})
	require.NoError(t, err)
	assert.Equal(t, RepairProposal{ChoiceIndex: 3, Locator: `role=button,name="Confirm"`}, p)
	assert.Contains(t, fake.last.Messages[0].Content, "matched 4 elements")
	assert.Contains(t, fake.last.Messages[0].Content, `[3] button name="Confirm"`)

	fake.text = `{"locator":"css=#x"}`
	_, err = NewLLM(fake, zerolog.Nop()).ProposeRepair(context.Background(), RepairRequest{})
	require.ErrorIs(t, err, ErrMalformed)
}
