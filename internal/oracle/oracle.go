// Package oracle defines the contract with the external decision maker that
// drives reasoning runs and proposes locator repairs.
package oracle

import (
	"context"
	"errors"

	"github.com/polzovatel/browser-autopilot/internal/action"
	"github.com/polzovatel/browser-autopilot/internal/snapshot"
)

var (
	// ErrUnavailable marks transport failures (connection, rate limit) that are
	// worth retrying.
	ErrUnavailable = errors.New("oracle unavailable")
	// ErrMalformed marks a response that could not be turned into a decision.
	ErrMalformed = errors.New("malformed oracle response")
)

type Observation struct {
	URL      string
	Title    string
	Snapshot snapshot.Snapshot
	Visual   []byte
}

// Step is one executed step as reported back to the oracle.
type Step struct {
	Number int    `json:"step"`
	Action string `json:"action,omitempty"`
	Code   string `json:"code,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	URL    string `json:"url,omitempty"`
}

type Request struct {
	Observation Observation
	Task        string
	History     []Step
}

// Decision is exactly one of: a single action, a code payload, or
// termination with a result.
type Decision struct {
	Action    *action.Action
	Code      string
	Terminate bool
	Result    string
}

// Failure describes the action whose locator could not be resolved.
type Failure struct {
	Action   action.Action
	Error    string
	Location string
	URL      string
}

// Rejection is a previous proposal together with the reason it was refused.
type Rejection struct {
	Proposal RepairProposal
	Reason   string
}

type RepairRequest struct {
	Failure  Failure
	Elements []snapshot.Element
	Previous []Rejection
}

type RepairProposal struct {
	ChoiceIndex int    `json:"choice_index"`
	Locator     string `json:"locator"`
}

type Oracle interface {
	Decide(ctx context.Context, req Request) (Decision, error)
	ProposeRepair(ctx context.Context, req RepairRequest) (RepairProposal, error)
}

// Funcs adapts plain functions to Oracle. A nil function fails with
// ErrUnavailable.
type Funcs struct {
	DecideFn func(ctx context.Context, req Request) (Decision, error)
	RepairFn func(ctx context.Context, req RepairRequest) (RepairProposal, error)
}

func (f Funcs) Decide(ctx context.Context, req Request) (Decision, error) {
	if f.DecideFn == nil {
		return Decision{}, ErrUnavailable
	}
	return f.DecideFn(ctx, req)
}

func (f Funcs) ProposeRepair(ctx context.Context, req RepairRequest) (RepairProposal, error) {
	if f.RepairFn == nil {
		return RepairProposal{}, ErrUnavailable
	}
	return f.RepairFn(ctx, req)
}
