package meta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/resolverd/internal/config"
	"github.com/fyrsmithlabs/resolverd/internal/store"
	"github.com/fyrsmithlabs/resolverd/internal/strategy"
)

func newTestController(t *testing.T) (*Controller, *store.Store, *strategy.Registry) {
	t.Helper()
	st, err := store.Open("", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := strategy.NewRegistry(config.RulesConfig{
		AutoApproveThreshold:      5000,
		RequirePOOver:             10000,
		TrustedVendors:            []string{"Acme Corporation"},
		VendorSimilarityThreshold: 0.85,
		ExtractionConfidenceFloor: 0.70,
	})

	c, err := NewController(st, registry, config.MetaConfig{
		FitnessWindow:    100,
		EfficiencyWeight: 0.5,
		RobustnessWeight: 0.5,
	}, nil)
	require.NoError(t, err)
	return c, st, registry
}

func addEpisode(t *testing.T, st *store.Store, strategyName, action, severity string, confidence float64) {
	t.Helper()
	_, err := st.InsertEpisode(&store.Episode{
		Timestamp:          time.Now().UTC(),
		TaskLabel:          "Process Acme Corporation invoice for $4100.00",
		Description:        "missing_field medium po_number",
		Strategy:           strategyName,
		Action:             action,
		Result:             "test",
		Confidence:         confidence,
		ExceptionsFound:    1,
		ExceptionsResolved: 1,
		Metadata:           map[string]string{MetadataSeverityKey: severity},
	})
	require.NoError(t, err)
}

func TestEvaluateFitnessEmptyStore(t *testing.T) {
	c, st, _ := newTestController(t)

	snap, err := c.EvaluateFitness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.Efficiency)
	assert.Equal(t, 1.0, snap.Robustness)
	assert.Equal(t, 1.0, snap.FitnessScore)
	assert.Equal(t, "v1", snap.Version)

	// The snapshot is persisted.
	latest, err := st.LatestFitnessSnapshot()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, snap.FitnessScore, latest.FitnessScore)
}

func TestEvaluateFitnessScores(t *testing.T) {
	c, st, _ := newTestController(t)

	// 3 of 4 auto-resolved; 1 of 2 high-severity escalated.
	addEpisode(t, st, "approve_trusted_vendor", "approve", "medium", 0.85)
	addEpisode(t, st, "approve_trusted_vendor", "approve", "low", 0.9)
	addEpisode(t, st, "reject_duplicate", "reject", "high", 0.92)
	addEpisode(t, st, "escalate_default", "escalate", "high", 0.5)

	snap, err := c.EvaluateFitness(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.75, snap.Efficiency, 1e-9)
	assert.InDelta(t, 0.5, snap.Robustness, 1e-9)
	assert.InDelta(t, 0.5*0.75+0.5*0.5, snap.FitnessScore, 1e-9)
}

func TestRecalculateWeights(t *testing.T) {
	c, st, _ := newTestController(t)

	addEpisode(t, st, "approve_trusted_vendor", "approve", "medium", 0.8)
	addEpisode(t, st, "approve_trusted_vendor", "approve", "medium", 0.9)
	addEpisode(t, st, "approve_trusted_vendor", "escalate", "medium", 0.6)
	addEpisode(t, st, "reject_duplicate", "reject", "high", 0.92)

	weights, err := c.RecalculateWeights(context.Background())
	require.NoError(t, err)
	require.Len(t, weights, 2)

	atv := weights["approve_trusted_vendor"]
	assert.InDelta(t, 2.0/3.0, atv.SuccessRate, 1e-9)
	assert.InDelta(t, (0.8+0.9+0.6)/3, atv.AvgConfidence, 1e-9)

	rd := weights["reject_duplicate"]
	assert.InDelta(t, 1.0, rd.SuccessRate, 1e-9)

	// Recomputation over unchanged history is idempotent.
	again, err := c.RecalculateWeights(context.Background())
	require.NoError(t, err)
	assert.Equal(t, weights["approve_trusted_vendor"].SuccessRate, again["approve_trusted_vendor"].SuccessRate)
}

func TestApplyModificationLifecycle(t *testing.T) {
	c, st, registry := newTestController(t)
	addEpisode(t, st, "approve_trusted_vendor", "approve", "medium", 0.85)

	mod, err := c.ApplyModification(context.Background(), Change{
		Description: "raise trusted-vendor prior",
		Priors:      map[string]float64{"approve_trusted_vendor": 0.95},
	})
	require.NoError(t, err)
	assert.Equal(t, store.ModApplied, mod.State)
	assert.Equal(t, "strategy_registry", mod.Component)
	assert.NotZero(t, mod.PerformanceBefore)
	assert.NotZero(t, mod.PerformanceAfter)

	s, ok := registry.Get("approve_trusted_vendor")
	require.True(t, ok)
	assert.Equal(t, 0.95, s.StaticPrior)

	require.NoError(t, c.Confirm(context.Background(), mod.ID))
	got, err := st.GetModification(mod.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ModConfirmed, got.State)
}

func TestApplyModificationValidation(t *testing.T) {
	c, _, _ := newTestController(t)

	_, err := c.ApplyModification(context.Background(), Change{Description: "empty"})
	assert.Error(t, err)

	_, err = c.ApplyModification(context.Background(), Change{
		Priors: map[string]float64{"approve_trusted_vendor": 1.3},
	})
	assert.Error(t, err)
}

func TestRollbackRestoresExactState(t *testing.T) {
	c, st, registry := newTestController(t)

	// Seed learned weights so rollback has weight state to restore.
	seeded := []store.StrategyWeight{
		{Strategy: "approve_trusted_vendor", SuccessRate: 0.625, AvgConfidence: 0.8125, LastUpdated: time.Now().UTC()},
	}
	require.NoError(t, st.UpsertStrategyWeights(seeded))
	require.NoError(t, registry.SetPrior("reject_duplicate", 0.875))
	versionBefore := registry.Version()

	mod, err := c.ApplyModification(context.Background(), Change{
		Description: "tune priors and weights",
		Priors:      map[string]float64{"approve_trusted_vendor": 0.99},
		Weights: []store.StrategyWeight{
			{Strategy: "approve_trusted_vendor", SuccessRate: 0.1, AvgConfidence: 0.2, LastUpdated: time.Now().UTC()},
		},
	})
	require.NoError(t, err)
	assert.NotEqual(t, versionBefore, registry.Version())

	rolled, err := c.Rollback(context.Background(), mod.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ModRolledBack, rolled.State)

	// The registry version returns to its pre-modification value.
	assert.Equal(t, versionBefore, registry.Version())

	// Weights are bit-identical to the pre-modification values.
	weights, err := st.StrategyWeights()
	require.NoError(t, err)
	require.Len(t, weights, 1)
	assert.Equal(t, 0.625, weights["approve_trusted_vendor"].SuccessRate)
	assert.Equal(t, 0.8125, weights["approve_trusted_vendor"].AvgConfidence)

	// Registry priors are restored too.
	s, ok := registry.Get("approve_trusted_vendor")
	require.True(t, ok)
	assert.Equal(t, 0.85, s.StaticPrior)
	s, ok = registry.Get("reject_duplicate")
	require.True(t, ok)
	assert.Equal(t, 0.875, s.StaticPrior)
}

func TestRollbackRequiresLatestApplied(t *testing.T) {
	c, _, _ := newTestController(t)

	first, err := c.ApplyModification(context.Background(), Change{
		Description: "first",
		Priors:      map[string]float64{"approve_trusted_vendor": 0.9},
	})
	require.NoError(t, err)

	// Later timestamps keep the history strictly ordered.
	c.now = func() time.Time { return time.Now().Add(time.Minute) }
	second, err := c.ApplyModification(context.Background(), Change{
		Description: "second",
		Priors:      map[string]float64{"approve_trusted_vendor": 0.95},
	})
	require.NoError(t, err)

	_, err = c.Rollback(context.Background(), first.ID)
	require.Error(t, err)
	var stale *store.StaleRollbackError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, first.ID, stale.ModID)
	assert.Equal(t, second.ID, stale.LatestID)

	// The latest one rolls back fine, after which the first is latest.
	_, err = c.Rollback(context.Background(), second.ID)
	require.NoError(t, err)
	_, err = c.Rollback(context.Background(), first.ID)
	require.NoError(t, err)
}

func TestRollbackUnknownModification(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.Rollback(context.Background(), "missing-id")
	assert.Error(t, err)
}

func TestUpdateRunsWeightsAndFitness(t *testing.T) {
	c, st, _ := newTestController(t)
	addEpisode(t, st, "approve_trusted_vendor", "approve", "medium", 0.85)

	require.NoError(t, c.Update(context.Background()))

	weights, err := st.StrategyWeights()
	require.NoError(t, err)
	assert.Contains(t, weights, "approve_trusted_vendor")

	snap, err := st.LatestFitnessSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1.0, snap.FitnessScore)
}
