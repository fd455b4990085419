package detector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/resolverd/internal/config"
	"github.com/fyrsmithlabs/resolverd/internal/exception"
	"github.com/fyrsmithlabs/resolverd/internal/logging"
	"github.com/fyrsmithlabs/resolverd/internal/record"
)

const instrumentationName = "github.com/fyrsmithlabs/resolverd/internal/detector"

// templateMismatchFloor is the extraction confidence below which the
// record shape is treated as an unknown template rather than merely a
// weak extraction.
const templateMismatchFloor = 0.4

// DuplicateChecker is the slice of the persistent store the detector
// needs for duplicate detection.
type DuplicateChecker interface {
	HasEpisodeWithFingerprint(fp string) (bool, error)
}

// Diagnosis is the detector's output for one record: the parsed record
// plus the ordered exception sequence raised against it.
type Diagnosis struct {
	Record     *record.Record
	Exceptions []exception.Exception
}

// Detector evaluates the business rule set against parsed records.
type Detector struct {
	rules  config.RulesConfig
	dups   DuplicateChecker
	logger *logging.Logger
	tracer trace.Tracer
}

// New creates a detector. dups may be nil, which disables duplicate
// detection (used by tests that do not exercise the store).
func New(rules config.RulesConfig, dups DuplicateChecker, logger *logging.Logger) *Detector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Detector{
		rules:  rules,
		dups:   dups,
		logger: logger.Named("detector"),
		tracer: otel.Tracer(instrumentationName),
	}
}

// Detect classifies rec into an ordered exception sequence. The order is
// fixed by rule evaluation order, so identical inputs yield identical
// sequences.
func (d *Detector) Detect(ctx context.Context, rec *record.Record) (*Diagnosis, error) {
	ctx, span := d.tracer.Start(ctx, "detector.detect")
	defer span.End()

	if rec == nil {
		return nil, &record.ValidationError{Reason: "nil record"}
	}

	var excs []exception.Exception

	// Rule 1: missing purchase order reference.
	if rec.PONumber == "" {
		sev := exception.SeverityMedium
		if rec.HasAmount && rec.Amount >= d.rules.RequirePOOver {
			sev = exception.SeverityHigh
		}
		excs = append(excs, exception.Exception{
			Tag:      exception.TagMissingField,
			Severity: sev,
			Field:    "po_number",
			Message:  "no PO number found on record",
		})
	}

	// Rule 2: missing amount.
	if !rec.HasAmount {
		excs = append(excs, exception.Exception{
			Tag:      exception.TagMissingField,
			Severity: exception.SeverityHigh,
			Field:    "amount",
			Message:  "no amount found on record",
		})
	}

	// Rule 3: extraction confidence. Very low confidence means the
	// record shape matched no known template.
	if rec.Confidence < templateMismatchFloor {
		excs = append(excs, exception.Exception{
			Tag:      exception.TagTemplateMismatch,
			Severity: exception.SeverityHigh,
			Field:    "extraction",
			Message:  fmt.Sprintf("record layout matched no known template (confidence %.0f%%)", rec.Confidence*100),
		})
	} else if rec.Confidence < d.rules.ExtractionConfidenceFloor {
		excs = append(excs, exception.Exception{
			Tag:      exception.TagLowConfidenceExtraction,
			Severity: exception.SeverityHigh,
			Field:    "extraction",
			Message:  fmt.Sprintf("low extraction confidence: %.0f%%", rec.Confidence*100),
		})
	}

	// Rule 4: vendor membership in the trusted set, with fuzzy typo
	// detection against it.
	if rec.VendorName != "" && !d.trusted(rec.VendorName) {
		match, score := d.closestVendor(rec.VendorName)
		if match != "" && score >= d.rules.VendorSimilarityThreshold {
			excs = append(excs, exception.Exception{
				Tag:                 exception.TagEntityTypo,
				Severity:            exception.SeverityLow,
				Field:               "vendor_name",
				Message:             fmt.Sprintf("vendor %q may be a typo of %q (%.0f%% match)", rec.VendorName, match, score*100),
				Observed:            rec.VendorName,
				SuggestedCorrection: match,
				Similarity:          score,
			})
		} else {
			excs = append(excs, exception.Exception{
				Tag:      exception.TagUnknownEntity,
				Severity: exception.SeverityMedium,
				Field:    "vendor_name",
				Message:  fmt.Sprintf("vendor %q not in trusted vendor list", rec.VendorName),
				Observed: rec.VendorName,
			})
		}
	}

	// Rule 5: amount at or over the auto-approve threshold.
	if rec.HasAmount && rec.Amount >= d.rules.AutoApproveThreshold {
		sev := exception.SeverityMedium
		if rec.Amount >= d.rules.RequirePOOver {
			sev = exception.SeverityHigh
		}
		excs = append(excs, exception.Exception{
			Tag:      exception.TagAmountThresholdExceeded,
			Severity: sev,
			Field:    "amount",
			Message: fmt.Sprintf("amount $%.2f exceeds auto-approve threshold $%.2f",
				rec.Amount, d.rules.AutoApproveThreshold),
			Observed: fmt.Sprintf("%.2f", rec.Amount),
		})
	}

	// Rule 6: duplicate of an already-processed record. A lookup failure
	// is recorded, not fatal: detection must stay usable when the store
	// read path is impaired.
	if fp := Fingerprint(rec); d.dups != nil && fp != "" {
		dup, err := d.dups.HasEpisodeWithFingerprint(fp)
		if err != nil {
			d.logger.Warn(ctx, "duplicate check unavailable", zap.Error(err))
			excs = append(excs, exception.Exception{
				Tag:      exception.TagUnclassified,
				Severity: exception.SeverityLow,
				Field:    "duplicate_check",
				Message:  "duplicate check unavailable, treated as first occurrence",
			})
		} else if dup {
			excs = append(excs, exception.Exception{
				Tag:      exception.TagDuplicateDetected,
				Severity: exception.SeverityHigh,
				Field:    "invoice_number",
				Message:  fmt.Sprintf("record %s already processed", rec.InvoiceNumber),
				Observed: fp,
			})
		}
	}

	// Rule 7: fields the parser had no rule for are tagged, never fatal.
	unrecognized := append([]string(nil), rec.Unrecognized...)
	sort.Strings(unrecognized)
	for _, f := range unrecognized {
		excs = append(excs, exception.Exception{
			Tag:      exception.TagUnclassified,
			Severity: exception.SeverityLow,
			Field:    f,
			Message:  fmt.Sprintf("field %q has no classification rule", f),
		})
	}

	span.SetAttributes(attribute.Int("exceptions_found", len(excs)))
	return &Diagnosis{Record: rec, Exceptions: excs}, nil
}

// trusted reports exact membership in the trusted vendor set.
func (d *Detector) trusted(vendor string) bool {
	for _, v := range d.rules.TrustedVendors {
		if v == vendor {
			return true
		}
	}
	return false
}

// closestVendor returns the trusted vendor with the highest similarity
// ratio to the given name, and the ratio itself.
func (d *Detector) closestVendor(vendor string) (string, float64) {
	best := ""
	bestScore := 0.0
	for _, known := range d.rules.TrustedVendors {
		score := similarityRatio(strings.ToLower(vendor), strings.ToLower(known))
		if score > bestScore {
			bestScore = score
			best = known
		}
	}
	return best, bestScore
}

// Fingerprint derives the duplicate-detection key for a record. Records
// with the same vendor, invoice number, and amount are the same document.
func Fingerprint(rec *record.Record) string {
	if rec.InvoiceNumber == "" {
		return ""
	}
	return fmt.Sprintf("%s|%s|%.2f", strings.ToLower(rec.VendorName), rec.InvoiceNumber, rec.Amount)
}
