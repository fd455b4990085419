// Package detector classifies parsed records into tagged exceptions by
// evaluating a fixed rule set: field presence, numeric thresholds,
// trusted-set membership with fuzzy matching, and duplicate checks against
// the persistent store.
//
// Detection is deterministic and side-effect free: the same record, rule
// set, and store state always produce the same exception sequence. A rule
// that cannot evaluate (duplicate lookup failure) degrades to a recorded
// unclassified exception instead of failing the diagnosis.
package detector
