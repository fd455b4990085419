package record

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError reports a malformed input record. It is surfaced to the
// caller immediately; there is nothing to retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid record: %s", e.Reason)
	}
	return fmt.Sprintf("invalid record field %q: %s", e.Field, e.Reason)
}

// Record is a parsed structured record.
type Record struct {
	// InvoiceNumber is the document identifier, when present.
	InvoiceNumber string

	// VendorName is the counterparty name as written on the record.
	VendorName string

	// VendorCorrected is set when the pipeline substituted VendorName
	// with a trusted-set correction.
	VendorCorrected bool

	// Amount is the monetary total.
	Amount float64
	// HasAmount distinguishes a genuine zero amount from an absent field.
	HasAmount bool

	// PONumber is the purchase order reference; empty when missing.
	PONumber string

	// Date is the document date as written; no normalization is applied.
	Date string

	// Confidence is the extraction confidence in [0,1]. Structured input
	// with recognized fields parses at 1.0; partial shapes are scored by
	// the fraction of expected fields recovered.
	Confidence float64

	// Unrecognized lists payload keys the parser had no rule for. The
	// detector records them as unclassified exceptions instead of failing.
	Unrecognized []string
}

// expected are the payload keys the parser knows how to place.
var expected = map[string]bool{
	"invoice_number": true,
	"vendor_name":    true,
	"vendor":         true,
	"amount":         true,
	"po_number":      true,
	"date":           true,
	"line_items":     true,
	"currency":       true,
	"confidence":     true,
}

// Parse converts a structured payload into a Record.
//
// A payload containing none of the expected fields is malformed and
// returns a *ValidationError. Unknown keys never fail the parse; they are
// returned in Unrecognized.
func Parse(fields map[string]any) (*Record, error) {
	if len(fields) == 0 {
		return nil, &ValidationError{Reason: "empty record"}
	}

	r := &Record{}
	recognized := 0
	upstreamConf := -1.0

	for key, val := range fields {
		switch key {
		case "invoice_number":
			r.InvoiceNumber = asString(val)
			recognized++
		case "vendor_name", "vendor":
			r.VendorName = strings.TrimSpace(asString(val))
			recognized++
		case "amount":
			if val == nil {
				recognized++
				continue
			}
			amt, ok := asFloat(val)
			if !ok {
				return nil, &ValidationError{Field: "amount", Reason: fmt.Sprintf("not numeric: %v", val)}
			}
			if amt < 0 {
				return nil, &ValidationError{Field: "amount", Reason: fmt.Sprintf("negative: %v", amt)}
			}
			r.Amount = amt
			r.HasAmount = true
			recognized++
		case "po_number":
			r.PONumber = strings.TrimSpace(asString(val))
			recognized++
		case "date":
			r.Date = asString(val)
			recognized++
		case "line_items", "currency":
			recognized++
		case "confidence":
			c, ok := asFloat(val)
			if !ok || c < 0 || c > 1 {
				return nil, &ValidationError{Field: "confidence", Reason: fmt.Sprintf("not a ratio in [0,1]: %v", val)}
			}
			upstreamConf = c
			recognized++
		default:
			r.Unrecognized = append(r.Unrecognized, key)
		}
	}

	if recognized == 0 {
		return nil, &ValidationError{Reason: "no recognizable fields"}
	}

	// An upstream extractor may attach its own confidence; without one,
	// a fully recognized payload scores 1.0 and partial shapes score by
	// the fraction of keys the parser could place.
	if upstreamConf >= 0 {
		r.Confidence = upstreamConf
	} else {
		r.Confidence = float64(recognized) / float64(recognized+len(r.Unrecognized))
	}

	return r, nil
}

// Label renders the record as the task label persisted with its episode,
// e.g. "Process Acme Corporation invoice for $4100.00".
func (r *Record) Label() string {
	vendor := r.VendorName
	if vendor == "" {
		vendor = "Unknown"
	}
	return fmt.Sprintf("Process %s invoice for $%.2f", vendor, r.Amount)
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		cleaned := strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(n), "$"), ",", "")
		f, err := strconv.ParseFloat(cleaned, 64)
		return f, err == nil
	case nil:
		return 0, false
	default:
		return 0, false
	}
}
