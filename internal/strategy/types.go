package strategy

import (
	"github.com/fyrsmithlabs/resolverd/internal/detector"
	"github.com/fyrsmithlabs/resolverd/internal/exception"
	"github.com/fyrsmithlabs/resolverd/internal/memory"
)

// Actions a strategy can take. The set is closed; the decision selector
// and the response contract share it.
const (
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionEscalate = "escalate"
)

// Context is everything a precondition predicate may condition on: the
// diagnosis, the specific exception the candidate would remediate, and
// the similar cases retrieved for the diagnosis.
type Context struct {
	Diagnosis *detector.Diagnosis
	Exception exception.Exception
	Similar   []memory.ScoredEpisode
}

// Strategy is one candidate remediation entry in the registry.
type Strategy struct {
	// Name uniquely identifies the strategy; learned weights key on it.
	Name string

	// Action is the final action this strategy takes when selected.
	Action string

	// StaticPrior is the unlearned base confidence in [0,1].
	StaticPrior float64

	// Matches is the precondition predicate. A nil Matches always
	// matches (used by the escalate fallback).
	Matches func(c Context) bool

	// Explain renders the contributing factors for the reasoning text.
	Explain func(c Context) string
}

// Candidate is a strategy proposed for a specific exception.
type Candidate struct {
	Strategy  Strategy
	Exception exception.Exception
}

// Simulation is a scored candidate.
type Simulation struct {
	Candidate  Candidate
	Confidence float64
}
