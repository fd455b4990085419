// Package strategy holds the versioned remediation strategy registry and
// the simulator that scores candidates before selection.
//
// Strategies are data, not generated code: each entry pairs a precondition
// predicate with an action and a static prior confidence. The registry
// version changes whenever a prior is adjusted, and the meta-controller
// snapshots registry state so a modification can be rolled back to the
// exact prior world.
//
// Simulation is deterministic: predicted confidence is the product of the
// static prior, the learned success-rate adjustment, and the agreement of
// retrieved similar cases with the strategy's action, clamped to [0,1].
package strategy
