package exception

import (
	"fmt"
	"strings"
)

// Tag identifies the class of a detected anomaly.
type Tag string

const (
	// TagMissingField indicates a required or expected field is absent.
	TagMissingField Tag = "missing_field"
	// TagLowConfidenceExtraction indicates field extraction confidence fell
	// below the acceptable floor (typically a new or unknown template).
	TagLowConfidenceExtraction Tag = "low_confidence_extraction"
	// TagUnknownEntity indicates an entity (e.g. vendor) not present in the
	// trusted set and not close enough to any known entry.
	TagUnknownEntity Tag = "unknown_entity"
	// TagEntityTypo indicates an entity that fuzzy-matches a trusted entry
	// above the similarity threshold and carries a suggested correction.
	TagEntityTypo Tag = "entity_typo"
	// TagAmountThresholdExceeded indicates a numeric amount at or over the
	// auto-approve threshold.
	TagAmountThresholdExceeded Tag = "amount_threshold_exceeded"
	// TagDuplicateDetected indicates the record matches an already-processed
	// episode in the persistent store.
	TagDuplicateDetected Tag = "duplicate_detected"
	// TagTemplateMismatch indicates the record layout did not match any
	// known extraction template.
	TagTemplateMismatch Tag = "template_mismatch"
	// TagUnclassified records a field of a type the rule set does not
	// understand. Detection never fails on these; it tags and moves on.
	TagUnclassified Tag = "unclassified"
)

// Severity ranks how dangerous an exception is to auto-resolve.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Exception is one tagged anomaly detected in an input record.
type Exception struct {
	// Tag is the anomaly class.
	Tag Tag `json:"tag"`

	// Severity drives the escalation override in the decision selector.
	Severity Severity `json:"severity"`

	// Field is the record field the exception was raised on.
	Field string `json:"field"`

	// Message is a human-readable description of the observation.
	Message string `json:"message"`

	// Observed is the offending value as seen in the record, if any.
	Observed string `json:"observed,omitempty"`

	// SuggestedCorrection carries the proposed replacement value for
	// correctable exceptions (entity typos).
	SuggestedCorrection string `json:"suggested_correction,omitempty"`

	// Similarity is the fuzzy-match ratio backing a suggested correction.
	Similarity float64 `json:"similarity,omitempty"`
}

// String renders the exception for logs and reasoning text.
func (e Exception) String() string {
	return fmt.Sprintf("%s[%s] on %q: %s", e.Tag, e.Severity, e.Field, e.Message)
}

// KnownTags is the closed set of tags the detector can emit.
var KnownTags = []Tag{
	TagMissingField,
	TagLowConfidenceExtraction,
	TagUnknownEntity,
	TagEntityTypo,
	TagAmountThresholdExceeded,
	TagDuplicateDetected,
	TagTemplateMismatch,
	TagUnclassified,
}

// Valid reports whether t is a member of the closed tag set.
func (t Tag) Valid() bool {
	for _, k := range KnownTags {
		if t == k {
			return true
		}
	}
	return false
}

// Describe renders a set of exceptions as the text used for similarity
// indexing. The rendering is stable: same exceptions in the same order
// produce the same text, which is what makes the self-similarity guarantee
// of the episodic memory testable.
func Describe(excs []Exception) string {
	if len(excs) == 0 {
		return "clean record no exceptions"
	}
	parts := make([]string, 0, len(excs))
	for _, e := range excs {
		parts = append(parts, fmt.Sprintf("%s %s %s", e.Tag, e.Severity, e.Field))
	}
	return strings.Join(parts, " ")
}

// MaxSeverity returns the highest severity present in excs, or SeverityLow
// for an empty slice.
func MaxSeverity(excs []Exception) Severity {
	max := SeverityLow
	for _, e := range excs {
		if e.Severity.rank() > max.rank() {
			max = e.Severity
		}
	}
	return max
}

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}
