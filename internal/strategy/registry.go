package strategy

import (
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/resolverd/internal/config"
	"github.com/fyrsmithlabs/resolverd/internal/exception"
)

// FallbackName is the guaranteed escalate fallback appended to every
// candidate list so generation never returns an empty set.
const FallbackName = "escalate_default"

// Snapshot captures registry state for modification rollback: the version
// and every prior override in effect.
type Snapshot struct {
	Version string             `json:"version"`
	Priors  map[string]float64 `json:"priors"`
}

// Registry is the versioned strategy table. Base entries are fixed at
// construction; static priors may be overridden through the
// meta-controller, which bumps the version. All reads take a snapshot
// view, so concurrent retrieval during an apply sees either the old or
// the new registry, never a mix.
type Registry struct {
	mu        sync.RWMutex
	entries   []Strategy
	overrides map[string]float64
	revision  int
}

// NewRegistry builds the built-in strategy table closed over the given
// business rules.
func NewRegistry(rules config.RulesConfig) *Registry {
	return &Registry{
		entries:   builtinStrategies(rules),
		overrides: make(map[string]float64),
		revision:  1,
	}
}

// Version returns the current registry version string.
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("v%d", r.revision)
}

// Get returns the strategy by name with any prior override applied.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.entries {
		if s.Name == name {
			if p, ok := r.overrides[name]; ok {
				s.StaticPrior = p
			}
			return s, true
		}
	}
	return Strategy{}, false
}

// Generate filters the registry by precondition against c and returns the
// matching candidates, always terminated by the escalate fallback. The
// candidate order follows registry order, making generation deterministic.
func (r *Registry) Generate(c Context) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Candidate
	for _, s := range r.entries {
		if s.Name == FallbackName {
			continue
		}
		if s.Matches != nil && !s.Matches(c) {
			continue
		}
		if p, ok := r.overrides[s.Name]; ok {
			s.StaticPrior = p
		}
		out = append(out, Candidate{Strategy: s, Exception: c.Exception})
	}

	fallback, _ := r.get(FallbackName)
	out = append(out, Candidate{Strategy: fallback, Exception: c.Exception})
	return out
}

// get is Get without locking, for callers already holding the lock.
func (r *Registry) get(name string) (Strategy, bool) {
	for _, s := range r.entries {
		if s.Name == name {
			if p, ok := r.overrides[name]; ok {
				s.StaticPrior = p
			}
			return s, true
		}
	}
	return Strategy{}, false
}

// SetPrior overrides a strategy's static prior and bumps the registry
// version. Only the meta-controller calls this, inside ApplyModification.
func (r *Registry) SetPrior(name string, prior float64) error {
	if prior < 0 || prior > 1 {
		return fmt.Errorf("prior %v outside [0,1]", prior)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, s := range r.entries {
		if s.Name == name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown strategy %q", name)
	}
	r.overrides[name] = prior
	r.revision++
	return nil
}

// TakeSnapshot captures the current version and prior overrides.
func (r *Registry) TakeSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	priors := make(map[string]float64, len(r.overrides))
	for k, v := range r.overrides {
		priors[k] = v
	}
	return Snapshot{Version: fmt.Sprintf("v%d", r.revision), Priors: priors}
}

// Restore replaces the prior overrides with the snapshot's and sets the
// version back to the captured one, so a rollback leaves both the priors
// and the registry version bit-identical to the pre-modification state.
func (r *Registry) Restore(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = make(map[string]float64, len(snap.Priors))
	for k, v := range snap.Priors {
		r.overrides[k] = v
	}
	var rev int
	if _, err := fmt.Sscanf(snap.Version, "v%d", &rev); err == nil && rev > 0 {
		r.revision = rev
	}
}

// builtinStrategies is the base strategy table. Preconditions close over
// the immutable rule set; none of them mutate anything.
func builtinStrategies(rules config.RulesConfig) []Strategy {
	trusted := func(vendor string) bool {
		for _, v := range rules.TrustedVendors {
			if v == vendor {
				return true
			}
		}
		return false
	}
	approvedSimilar := func(c Context) int {
		n := 0
		for _, sc := range c.Similar {
			if sc.Episode.Action == ActionApprove {
				n++
			}
		}
		return n
	}

	return []Strategy{
		{
			Name:        "approve_trusted_vendor",
			Action:      ActionApprove,
			StaticPrior: 0.85,
			Matches: func(c Context) bool {
				return c.Exception.Tag == exception.TagMissingField &&
					c.Exception.Field == "po_number" &&
					trusted(c.Diagnosis.Record.VendorName) &&
					c.Diagnosis.Record.HasAmount &&
					c.Diagnosis.Record.Amount < rules.RequirePOOver
			},
			Explain: func(c Context) string {
				return fmt.Sprintf("trusted vendor %s under $%.0f PO requirement",
					c.Diagnosis.Record.VendorName, rules.RequirePOOver)
			},
		},
		{
			Name:        "generate_po_retroactive",
			Action:      ActionApprove,
			StaticPrior: 0.78,
			Matches: func(c Context) bool {
				return c.Exception.Tag == exception.TagMissingField &&
					c.Exception.Field == "po_number" &&
					c.Diagnosis.Record.HasAmount &&
					c.Diagnosis.Record.Amount < rules.AutoApproveThreshold
			},
			Explain: func(c Context) string {
				return fmt.Sprintf("PO generated retroactively for amount under $%.0f", rules.AutoApproveThreshold)
			},
		},
		{
			Name:        "auto_correct_vendor",
			Action:      ActionApprove,
			StaticPrior: 0.90,
			Matches: func(c Context) bool {
				return c.Exception.Tag == exception.TagEntityTypo &&
					c.Exception.Similarity >= 0.90
			},
			Explain: func(c Context) string {
				return fmt.Sprintf("vendor auto-corrected to %q (%.0f%% match)",
					c.Exception.SuggestedCorrection, c.Exception.Similarity*100)
			},
		},
		{
			Name:        "auto_correct_vendor_notify",
			Action:      ActionApprove,
			StaticPrior: 0.72,
			Matches: func(c Context) bool {
				return c.Exception.Tag == exception.TagEntityTypo &&
					c.Exception.Similarity < 0.90
			},
			Explain: func(c Context) string {
				return fmt.Sprintf("vendor corrected to %q with notification (%.0f%% match)",
					c.Exception.SuggestedCorrection, c.Exception.Similarity*100)
			},
		},
		{
			Name:        "approve_amount_history",
			Action:      ActionApprove,
			StaticPrior: 0.80,
			Matches: func(c Context) bool {
				// Needs historical support: a majority of retrieved
				// similar cases approved, and the amount stays below
				// the hard PO requirement.
				if c.Exception.Tag != exception.TagAmountThresholdExceeded {
					return false
				}
				if !c.Diagnosis.Record.HasAmount || c.Diagnosis.Record.Amount >= rules.RequirePOOver {
					return false
				}
				n := approvedSimilar(c)
				return len(c.Similar) > 0 && float64(n) > float64(len(c.Similar))*0.7
			},
			Explain: func(c Context) string {
				return fmt.Sprintf("%d of %d similar cases approved at comparable amounts",
					approvedSimilar(c), len(c.Similar))
			},
		},
		{
			Name:        "reject_duplicate",
			Action:      ActionReject,
			StaticPrior: 0.92,
			Matches: func(c Context) bool {
				return c.Exception.Tag == exception.TagDuplicateDetected
			},
			Explain: func(c Context) string {
				return "record already processed, duplicate rejected"
			},
		},
		{
			Name:        "escalate_manual_entry",
			Action:      ActionEscalate,
			StaticPrior: 0.70,
			Matches: func(c Context) bool {
				return c.Exception.Tag == exception.TagLowConfidenceExtraction ||
					c.Exception.Tag == exception.TagTemplateMismatch
			},
			Explain: func(c Context) string {
				return "extraction unreliable, manual data entry requested"
			},
		},
		{
			Name:        "escalate_unknown_vendor",
			Action:      ActionEscalate,
			StaticPrior: 0.70,
			Matches: func(c Context) bool {
				return c.Exception.Tag == exception.TagUnknownEntity
			},
			Explain: func(c Context) string {
				return fmt.Sprintf("vendor %q requires verification", c.Exception.Observed)
			},
		},
		{
			Name:        "escalate_manager_approval",
			Action:      ActionEscalate,
			StaticPrior: 0.65,
			Matches: func(c Context) bool {
				return c.Exception.Tag == exception.TagAmountThresholdExceeded
			},
			Explain: func(c Context) string {
				return fmt.Sprintf("amount $%.2f routed to manager for approval", c.Diagnosis.Record.Amount)
			},
		},
		{
			Name:        "escalate_request_po",
			Action:      ActionEscalate,
			StaticPrior: 0.65,
			Matches: func(c Context) bool {
				return c.Exception.Tag == exception.TagMissingField &&
					c.Exception.Field == "po_number"
			},
			Explain: func(c Context) string {
				return "PO number requested from requestor"
			},
		},
		{
			// The guaranteed fallback. Matches nothing during filtering;
			// Generate appends it explicitly.
			Name:        FallbackName,
			Action:      ActionEscalate,
			StaticPrior: 0.50,
			Explain: func(c Context) string {
				return fmt.Sprintf("no confident remediation for %s, routed to human review", c.Exception.Tag)
			},
		},
	}
}
