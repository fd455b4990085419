package detector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/resolverd/internal/config"
	"github.com/fyrsmithlabs/resolverd/internal/exception"
	"github.com/fyrsmithlabs/resolverd/internal/record"
)

type fakeDups struct {
	known map[string]bool
	err   error
}

func (f *fakeDups) HasEpisodeWithFingerprint(fp string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.known[fp], nil
}

func testRules() config.RulesConfig {
	return config.RulesConfig{
		AutoApproveThreshold:      5000,
		RequirePOOver:             10000,
		TrustedVendors:            []string{"Acme Corporation", "Salesforce Inc", "Globex Industries"},
		VendorSimilarityThreshold: 0.85,
		ExtractionConfidenceFloor: 0.70,
	}
}

func mustParse(t *testing.T, fields map[string]any) *record.Record {
	t.Helper()
	rec, err := record.Parse(fields)
	require.NoError(t, err)
	return rec
}

func tags(excs []exception.Exception) []exception.Tag {
	out := make([]exception.Tag, len(excs))
	for i, e := range excs {
		out[i] = e.Tag
	}
	return out
}

func TestDetectCleanRecord(t *testing.T) {
	d := New(testRules(), nil, nil)
	rec := mustParse(t, map[string]any{
		"invoice_number": "INV-100",
		"vendor_name":    "Acme Corporation",
		"amount":         1200.0,
		"po_number":      "PO-1",
		"date":           "2026-08-01",
	})

	diag, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	assert.Empty(t, diag.Exceptions)
}

func TestDetectMissingPO(t *testing.T) {
	d := New(testRules(), nil, nil)

	rec := mustParse(t, map[string]any{
		"vendor_name": "Acme Corporation",
		"amount":      4100.0,
		"po_number":   nil,
	})
	diag, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, diag.Exceptions, 1)
	assert.Equal(t, exception.TagMissingField, diag.Exceptions[0].Tag)
	assert.Equal(t, "po_number", diag.Exceptions[0].Field)
	assert.Equal(t, exception.SeverityMedium, diag.Exceptions[0].Severity)

	// Over the hard PO requirement the missing reference turns high.
	rec = mustParse(t, map[string]any{
		"vendor_name": "Acme Corporation",
		"amount":      12000.0,
	})
	diag, err = d.Detect(context.Background(), rec)
	require.NoError(t, err)
	require.NotEmpty(t, diag.Exceptions)
	assert.Equal(t, exception.SeverityHigh, diag.Exceptions[0].Severity)
}

func TestDetectMissingAmount(t *testing.T) {
	d := New(testRules(), nil, nil)
	rec := mustParse(t, map[string]any{
		"vendor_name": "Acme Corporation",
		"po_number":   "PO-1",
		"amount":      nil,
	})

	diag, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, diag.Exceptions, 1)
	assert.Equal(t, exception.TagMissingField, diag.Exceptions[0].Tag)
	assert.Equal(t, "amount", diag.Exceptions[0].Field)
	assert.Equal(t, exception.SeverityHigh, diag.Exceptions[0].Severity)
}

func TestDetectExtractionConfidence(t *testing.T) {
	d := New(testRules(), nil, nil)

	// Below the template floor.
	rec := mustParse(t, map[string]any{
		"vendor_name": "Acme Corporation",
		"amount":      100.0,
		"po_number":   "PO-1",
		"confidence":  0.3,
	})
	diag, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	assert.Contains(t, tags(diag.Exceptions), exception.TagTemplateMismatch)
	assert.NotContains(t, tags(diag.Exceptions), exception.TagLowConfidenceExtraction)

	// Between the template floor and the confidence floor.
	rec = mustParse(t, map[string]any{
		"vendor_name": "Acme Corporation",
		"amount":      100.0,
		"po_number":   "PO-1",
		"confidence":  0.55,
	})
	diag, err = d.Detect(context.Background(), rec)
	require.NoError(t, err)
	assert.Contains(t, tags(diag.Exceptions), exception.TagLowConfidenceExtraction)
	assert.NotContains(t, tags(diag.Exceptions), exception.TagTemplateMismatch)
}

func TestDetectVendorTypo(t *testing.T) {
	d := New(testRules(), nil, nil)
	rec := mustParse(t, map[string]any{
		"vendor_name": "Salesforc Inc",
		"amount":      100.0,
		"po_number":   "PO-1",
	})

	diag, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, diag.Exceptions, 1)
	exc := diag.Exceptions[0]
	assert.Equal(t, exception.TagEntityTypo, exc.Tag)
	assert.Equal(t, "Salesforce Inc", exc.SuggestedCorrection)
	assert.InDelta(t, 0.93, exc.Similarity, 0.02)
}

func TestDetectUnknownVendor(t *testing.T) {
	d := New(testRules(), nil, nil)
	rec := mustParse(t, map[string]any{
		"vendor_name": "Completely Different Co",
		"amount":      100.0,
		"po_number":   "PO-1",
	})

	diag, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, diag.Exceptions, 1)
	assert.Equal(t, exception.TagUnknownEntity, diag.Exceptions[0].Tag)
	assert.Equal(t, exception.SeverityMedium, diag.Exceptions[0].Severity)
}

func TestDetectAmountThreshold(t *testing.T) {
	d := New(testRules(), nil, nil)

	rec := mustParse(t, map[string]any{
		"vendor_name": "Acme Corporation",
		"amount":      6200.0,
		"po_number":   "PO-1",
	})
	diag, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, diag.Exceptions, 1)
	assert.Equal(t, exception.TagAmountThresholdExceeded, diag.Exceptions[0].Tag)
	assert.Equal(t, exception.SeverityMedium, diag.Exceptions[0].Severity)

	rec = mustParse(t, map[string]any{
		"vendor_name": "Acme Corporation",
		"amount":      15000.0,
		"po_number":   "PO-1",
	})
	diag, err = d.Detect(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, diag.Exceptions, 1)
	assert.Equal(t, exception.SeverityHigh, diag.Exceptions[0].Severity)
}

func TestDetectDuplicate(t *testing.T) {
	rec := mustParse(t, map[string]any{
		"invoice_number": "INV-100",
		"vendor_name":    "Acme Corporation",
		"amount":         100.0,
		"po_number":      "PO-1",
		"date":           "2026-08-01",
	})
	fp := Fingerprint(rec)
	require.NotEmpty(t, fp)

	d := New(testRules(), &fakeDups{known: map[string]bool{fp: true}}, nil)
	diag, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, diag.Exceptions, 1)
	assert.Equal(t, exception.TagDuplicateDetected, diag.Exceptions[0].Tag)
	assert.Equal(t, exception.SeverityHigh, diag.Exceptions[0].Severity)
}

func TestDetectDuplicateCheckUnavailable(t *testing.T) {
	rec := mustParse(t, map[string]any{
		"invoice_number": "INV-100",
		"vendor_name":    "Acme Corporation",
		"amount":         100.0,
		"po_number":      "PO-1",
		"date":           "2026-08-01",
	})

	d := New(testRules(), &fakeDups{err: errors.New("store offline")}, nil)
	diag, err := d.Detect(context.Background(), rec)
	require.NoError(t, err, "a failed lookup degrades, never aborts")
	require.Len(t, diag.Exceptions, 1)
	assert.Equal(t, exception.TagUnclassified, diag.Exceptions[0].Tag)
}

func TestDetectUnrecognizedFields(t *testing.T) {
	d := New(testRules(), nil, nil)
	rec := mustParse(t, map[string]any{
		"invoice_number": "INV-100",
		"vendor_name":    "Acme Corporation",
		"amount":         100.0,
		"po_number":      "PO-1",
		"date":           "2026-08-01",
		"zeta_field":     "x",
		"alpha_field":    "y",
	})
	rec.Confidence = 1.0 // isolate rule 7

	diag, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, diag.Exceptions, 2)
	assert.Equal(t, "alpha_field", diag.Exceptions[0].Field, "unclassified fields come out sorted")
	assert.Equal(t, "zeta_field", diag.Exceptions[1].Field)
	for _, exc := range diag.Exceptions {
		assert.Equal(t, exception.TagUnclassified, exc.Tag)
		assert.Equal(t, exception.SeverityLow, exc.Severity)
	}
}

func TestDetectIdempotent(t *testing.T) {
	d := New(testRules(), nil, nil)
	rec := mustParse(t, map[string]any{
		"vendor_name": "Salesforc Inc",
		"amount":      6200.0,
	})

	first, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, first.Exceptions, second.Exceptions)
}

func TestDetectNilRecord(t *testing.T) {
	d := New(testRules(), nil, nil)
	_, err := d.Detect(context.Background(), nil)
	var verr *record.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestFingerprint(t *testing.T) {
	rec := &record.Record{InvoiceNumber: "INV-100", VendorName: "Acme Corporation", Amount: 4100, HasAmount: true}
	assert.Equal(t, "acme corporation|INV-100|4100.00", Fingerprint(rec))

	assert.Empty(t, Fingerprint(&record.Record{VendorName: "Acme Corporation"}))
}

func TestSimilarityRatio(t *testing.T) {
	assert.Equal(t, 1.0, similarityRatio("acme", "acme"))
	assert.Equal(t, 1.0, similarityRatio("", ""))
	assert.InDelta(t, 0.9286, similarityRatio("salesforc inc", "salesforce inc"), 1e-3)
	assert.Less(t, similarityRatio("acme", "globex"), 0.35)
}
