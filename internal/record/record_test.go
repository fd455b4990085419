package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]any
		want    func(t *testing.T, r *Record)
		wantErr string
	}{
		{
			name: "complete record",
			fields: map[string]any{
				"invoice_number": "INV-100",
				"vendor_name":    "Acme Corporation",
				"amount":         4100.0,
				"po_number":      "PO-77",
				"date":           "2026-08-01",
			},
			want: func(t *testing.T, r *Record) {
				assert.Equal(t, "INV-100", r.InvoiceNumber)
				assert.Equal(t, "Acme Corporation", r.VendorName)
				assert.Equal(t, 4100.0, r.Amount)
				assert.True(t, r.HasAmount)
				assert.Equal(t, "PO-77", r.PONumber)
				assert.Equal(t, 1.0, r.Confidence)
				assert.Empty(t, r.Unrecognized)
			},
		},
		{
			name: "null po_number and partial shape",
			fields: map[string]any{
				"amount":    4100.0,
				"vendor":    "Acme Corporation",
				"po_number": nil,
			},
			want: func(t *testing.T, r *Record) {
				assert.Empty(t, r.PONumber)
				assert.True(t, r.HasAmount)
				assert.Equal(t, 1.0, r.Confidence)
			},
		},
		{
			name: "dollar string amount",
			fields: map[string]any{
				"vendor_name": "Acme Corporation",
				"amount":      "$6,200.00",
			},
			want: func(t *testing.T, r *Record) {
				assert.Equal(t, 6200.0, r.Amount)
				assert.True(t, r.HasAmount)
			},
		},
		{
			name: "null amount is absent not invalid",
			fields: map[string]any{
				"vendor_name": "Acme Corporation",
				"amount":      nil,
			},
			want: func(t *testing.T, r *Record) {
				assert.False(t, r.HasAmount)
				assert.Zero(t, r.Amount)
			},
		},
		{
			name: "unknown keys lower confidence but never fail",
			fields: map[string]any{
				"vendor_name": "Acme Corporation",
				"amount":      100.0,
				"blob_field":  "x",
				"other_blob":  "y",
			},
			want: func(t *testing.T, r *Record) {
				assert.ElementsMatch(t, []string{"blob_field", "other_blob"}, r.Unrecognized)
				assert.InDelta(t, 0.5, r.Confidence, 1e-9)
			},
		},
		{
			name: "upstream confidence override",
			fields: map[string]any{
				"vendor_name": "Acme Corporation",
				"amount":      100.0,
				"confidence":  0.35,
			},
			want: func(t *testing.T, r *Record) {
				assert.InDelta(t, 0.35, r.Confidence, 1e-9)
			},
		},
		{
			name:    "empty record",
			fields:  map[string]any{},
			wantErr: "empty record",
		},
		{
			name:    "no recognizable fields",
			fields:  map[string]any{"zzz": 1},
			wantErr: "no recognizable fields",
		},
		{
			name: "non-numeric amount",
			fields: map[string]any{
				"vendor_name": "Acme Corporation",
				"amount":      "lots",
			},
			wantErr: "not numeric",
		},
		{
			name: "negative amount",
			fields: map[string]any{
				"vendor_name": "Acme Corporation",
				"amount":      -5.0,
			},
			wantErr: "negative",
		},
		{
			name: "confidence out of range",
			fields: map[string]any{
				"vendor_name": "Acme Corporation",
				"confidence":  1.5,
			},
			wantErr: "not a ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(tt.fields)
			if tt.wantErr != "" {
				require.Error(t, err)
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.want(t, r)
		})
	}
}

func TestLabel(t *testing.T) {
	r := &Record{VendorName: "Acme Corporation", Amount: 4100, HasAmount: true}
	assert.Equal(t, "Process Acme Corporation invoice for $4100.00", r.Label())

	assert.Equal(t, "Process Unknown invoice for $0.00", (&Record{}).Label())
}
