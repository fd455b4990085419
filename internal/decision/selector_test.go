package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/resolverd/internal/detector"
	"github.com/fyrsmithlabs/resolverd/internal/exception"
	"github.com/fyrsmithlabs/resolverd/internal/record"
	"github.com/fyrsmithlabs/resolverd/internal/strategy"
)

func newTestSelector(t *testing.T) *Selector {
	t.Helper()
	sel, err := NewSelector(0.70, nil)
	require.NoError(t, err)
	return sel
}

func testContext(sev exception.Severity) strategy.Context {
	return strategy.Context{
		Diagnosis: &detector.Diagnosis{Record: &record.Record{VendorName: "Acme Corporation"}},
		Exception: exception.Exception{
			Tag:      exception.TagMissingField,
			Severity: sev,
			Field:    "po_number",
		},
	}
}

func sim(name, action string, prior, confidence float64) strategy.Simulation {
	return strategy.Simulation{
		Candidate: strategy.Candidate{
			Strategy: strategy.Strategy{Name: name, Action: action, StaticPrior: prior},
		},
		Confidence: confidence,
	}
}

func TestSelectHighestConfidenceWins(t *testing.T) {
	sel := newTestSelector(t)

	d := sel.Select(context.Background(), testContext(exception.SeverityMedium), []strategy.Simulation{
		sim("escalate_request_po", strategy.ActionEscalate, 0.65, 0.65),
		sim("approve_trusted_vendor", strategy.ActionApprove, 0.85, 0.85),
		sim("generate_po_retroactive", strategy.ActionApprove, 0.78, 0.78),
	})

	assert.Equal(t, "approve_trusted_vendor", d.Strategy)
	assert.Equal(t, strategy.ActionApprove, d.Action)
	assert.Equal(t, 0.85, d.Confidence)
	assert.False(t, d.Overridden)
	assert.Contains(t, d.Reasoning, "approve_trusted_vendor")
}

func TestSelectTieBreaking(t *testing.T) {
	sel := newTestSelector(t)
	ctx := testContext(exception.SeverityMedium)

	// Equal confidence: higher static prior wins.
	d := sel.Select(context.Background(), ctx, []strategy.Simulation{
		sim("alpha", strategy.ActionApprove, 0.70, 0.80),
		sim("beta", strategy.ActionApprove, 0.90, 0.80),
	})
	assert.Equal(t, "beta", d.Strategy)

	// Equal confidence and prior: alphabetical order decides.
	d = sel.Select(context.Background(), ctx, []strategy.Simulation{
		sim("zeta", strategy.ActionApprove, 0.80, 0.80),
		sim("alpha", strategy.ActionApprove, 0.80, 0.80),
	})
	assert.Equal(t, "alpha", d.Strategy)
}

func TestSelectDeterministic(t *testing.T) {
	sel := newTestSelector(t)
	ctx := testContext(exception.SeverityMedium)
	sims := []strategy.Simulation{
		sim("alpha", strategy.ActionApprove, 0.80, 0.75),
		sim("beta", strategy.ActionEscalate, 0.65, 0.72),
		sim("gamma", strategy.ActionApprove, 0.78, 0.75),
	}

	first := sel.Select(context.Background(), ctx, sims)
	for i := 0; i < 5; i++ {
		again := sel.Select(context.Background(), ctx, sims)
		assert.Equal(t, first, again)
	}
}

func TestSelectEscalationOverrideBelowCutoff(t *testing.T) {
	sel := newTestSelector(t)

	d := sel.Select(context.Background(), testContext(exception.SeverityMedium), []strategy.Simulation{
		sim("approve_trusted_vendor", strategy.ActionApprove, 0.85, 0.60),
		sim(strategy.FallbackName, strategy.ActionEscalate, 0.50, 0.50),
	})

	assert.Equal(t, strategy.ActionEscalate, d.Action)
	assert.True(t, d.Overridden)
	assert.Equal(t, "approve_trusted_vendor", d.Strategy, "the winner is recorded even when overridden")
	assert.Contains(t, d.Reasoning, "escalation floor")
}

func TestSelectHighSeverityNoted(t *testing.T) {
	sel := newTestSelector(t)

	d := sel.Select(context.Background(), testContext(exception.SeverityHigh), []strategy.Simulation{
		sim("approve_trusted_vendor", strategy.ActionApprove, 0.85, 0.55),
	})
	assert.True(t, d.Overridden)
	assert.Equal(t, strategy.ActionEscalate, d.Action)
	assert.Contains(t, d.Reasoning, "high severity")
}

func TestSelectEscalateWinnerNotOverridden(t *testing.T) {
	sel := newTestSelector(t)

	// A low-confidence escalate winner needs no rewrite.
	d := sel.Select(context.Background(), testContext(exception.SeverityMedium), []strategy.Simulation{
		sim(strategy.FallbackName, strategy.ActionEscalate, 0.50, 0.50),
	})
	assert.Equal(t, strategy.ActionEscalate, d.Action)
	assert.False(t, d.Overridden)
}

func TestSelectEmptySimulations(t *testing.T) {
	sel := newTestSelector(t)

	d := sel.Select(context.Background(), testContext(exception.SeverityMedium), nil)
	assert.Equal(t, strategy.ActionEscalate, d.Action)
	assert.True(t, d.Overridden)
}

func TestNewSelectorValidatesCutoff(t *testing.T) {
	_, err := NewSelector(1.5, nil)
	assert.Error(t, err)
	_, err = NewSelector(-0.1, nil)
	assert.Error(t, err)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name         string
		decisions    []Decision
		wantAction   string
		wantResolved int
		wantConf     float64
	}{
		{
			name:         "no exceptions approves",
			decisions:    nil,
			wantAction:   strategy.ActionApprove,
			wantResolved: 0,
			wantConf:     1.0,
		},
		{
			name: "all approved",
			decisions: []Decision{
				{Action: strategy.ActionApprove, Confidence: 0.85},
				{Action: strategy.ActionApprove, Confidence: 0.90},
			},
			wantAction:   strategy.ActionApprove,
			wantResolved: 2,
			wantConf:     0.85,
		},
		{
			name: "escalate dominates",
			decisions: []Decision{
				{Action: strategy.ActionApprove, Confidence: 0.90},
				{Action: strategy.ActionEscalate, Confidence: 0.65},
				{Action: strategy.ActionReject, Confidence: 0.92},
			},
			wantAction:   strategy.ActionEscalate,
			wantResolved: 2,
			wantConf:     0.65,
		},
		{
			name: "reject dominates approve",
			decisions: []Decision{
				{Action: strategy.ActionApprove, Confidence: 0.90},
				{Action: strategy.ActionReject, Confidence: 0.92},
			},
			wantAction:   strategy.ActionReject,
			wantResolved: 2,
			wantConf:     0.90,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, conf, resolved := Aggregate(tt.decisions)
			assert.Equal(t, tt.wantAction, action)
			assert.Equal(t, tt.wantResolved, resolved)
			assert.InDelta(t, tt.wantConf, conf, 1e-9)
		})
	}
}
