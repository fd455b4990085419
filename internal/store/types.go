package store

import (
	"fmt"
	"time"
)

// Episode is one persisted record of a diagnosis, decision, and outcome.
// Episodes are append-only: created at decision time, immutable afterwards,
// removed only by administrative purge.
type Episode struct {
	ID        string
	Timestamp time.Time

	// TaskLabel is the human-readable task summary, e.g.
	// "Process Acme Corporation invoice for $4100.00".
	TaskLabel string

	// Description is the exception-tag description the episodic memory
	// indexes for similarity retrieval.
	Description string

	// Strategy is the name of the strategy the selector applied.
	Strategy string

	// Action is the final action taken: approve, reject, or escalate.
	Action string

	// Result summarizes the outcome, e.g. "APPROVE - 1 exceptions handled".
	Result string

	// Confidence is the predicted confidence of the applied strategy.
	Confidence float64

	ExceptionsFound    int
	ExceptionsResolved int
	SimilarCasesCount  int

	// Metadata is an opaque key/value bag (vendor, invoice number, amount
	// fingerprint for duplicate detection, degradation notes).
	Metadata map[string]string
}

// validate enforces the episode invariants on both the write and read
// paths. A violation on read means the persisted data is corrupt.
func (e *Episode) validate() error {
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", e.Confidence)
	}
	if e.ExceptionsFound < 0 {
		return fmt.Errorf("exceptions_found negative: %d", e.ExceptionsFound)
	}
	if e.ExceptionsResolved < 0 || e.ExceptionsResolved > e.ExceptionsFound {
		return fmt.Errorf("exceptions_resolved %d outside [0, exceptions_found=%d]",
			e.ExceptionsResolved, e.ExceptionsFound)
	}
	if e.SimilarCasesCount < 0 {
		return fmt.Errorf("similar_cases_count negative: %d", e.SimilarCasesCount)
	}
	return nil
}

// StrategyWeight is the learned adjustment for one strategy. success_rate
// is always a recomputed aggregate over episodes; nothing sets it by hand
// mid-cycle.
type StrategyWeight struct {
	Strategy      string    `json:"strategy"`
	SuccessRate   float64   `json:"success_rate"`
	AvgConfidence float64   `json:"avg_confidence"`
	LastUpdated   time.Time `json:"last_updated"`
}

// ModState is the lifecycle state of a Modification.
type ModState string

const (
	ModProposed   ModState = "proposed"
	ModApplied    ModState = "applied"
	ModConfirmed  ModState = "confirmed"
	ModRolledBack ModState = "rolled_back"
)

// terminal reports whether no further transition is allowed from s.
func (s ModState) terminal() bool {
	return s == ModConfirmed || s == ModRolledBack
}

// Modification is one applied configuration change with enough captured
// state to restore the world exactly as it was before the change.
// History is linear: only the most recently applied modification may be
// rolled back.
type Modification struct {
	ID                string `json:"id"`
	Component         string `json:"component"`
	ChangeDescription string `json:"change_description"`

	// RollbackPayload is the JSON-encoded pre-change state (strategy
	// weights and registry version). Rollback restores it bit-identically.
	RollbackPayload string `json:"-"`

	// AppliedPayload is the JSON-encoded post-change state.
	AppliedPayload string `json:"applied_payload,omitempty"`

	PerformanceBefore float64   `json:"performance_before"`
	PerformanceAfter  float64   `json:"performance_after"`
	State             ModState  `json:"state"`
	Timestamp         time.Time `json:"timestamp"`
}

// FitnessSnapshot is one evaluation-cycle measurement of system fitness.
// Ordering by timestamp defines the trend line rollback decisions read.
type FitnessSnapshot struct {
	Version          string    `json:"version"`
	Efficiency       float64   `json:"efficiency"`
	Robustness       float64   `json:"robustness"`
	FitnessScore     float64   `json:"fitness_score"`
	EfficiencyWeight float64   `json:"efficiency_weight"`
	RobustnessWeight float64   `json:"robustness_weight"`
	Timestamp        time.Time `json:"timestamp"`
}

// Statistics is the read-only aggregate surface over the episode log.
type Statistics struct {
	TotalEpisodes  int     `json:"total_episodes"`
	AutoResolved   int     `json:"auto_resolved"`
	Escalated      int     `json:"escalated"`
	ResolutionRate float64 `json:"resolution_rate"`
	AvgConfidence  float64 `json:"avg_confidence"`
}
