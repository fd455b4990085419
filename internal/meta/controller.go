package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/resolverd/internal/config"
	"github.com/fyrsmithlabs/resolverd/internal/exception"
	"github.com/fyrsmithlabs/resolverd/internal/logging"
	"github.com/fyrsmithlabs/resolverd/internal/store"
	"github.com/fyrsmithlabs/resolverd/internal/strategy"
)

// MetadataSeverityKey is the episode metadata key recording the highest
// exception severity seen at decision time. Robustness scoring reads it.
const MetadataSeverityKey = "max_severity"

// Change describes one proposed configuration mutation: static-prior
// overrides in the strategy registry, replacement strategy weights, or
// both. Changes mutate data only, never code.
type Change struct {
	Component   string                 `json:"component"`
	Description string                 `json:"description"`
	Priors      map[string]float64     `json:"priors,omitempty"`
	Weights     []store.StrategyWeight `json:"weights,omitempty"`
}

// statePayload is the JSON shape of rollback payloads: everything needed
// to restore weights and registry priors bit-identically.
type statePayload struct {
	Registry strategy.Snapshot      `json:"registry"`
	Weights  []store.StrategyWeight `json:"weights"`
}

// Controller is the meta layer: it aggregates outcome history into
// fitness scores and applies, confirms, and rolls back modifications
// against a strictly linear history.
type Controller struct {
	store    *store.Store
	registry *strategy.Registry
	cfg      config.MetaConfig
	logger   *logging.Logger
	tracer   trace.Tracer
	meter    metric.Meter

	evaluations   metric.Int64Counter
	modifications metric.Int64Counter
	rollbacks     metric.Int64Counter

	now func() time.Time
}

// NewController builds a Controller over the given store and registry.
func NewController(st *store.Store, registry *strategy.Registry, cfg config.MetaConfig, logger *logging.Logger) (*Controller, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	tracer := otel.Tracer("resolverd.meta")
	meter := otel.Meter("resolverd.meta")

	evaluations, err := meter.Int64Counter("meta.fitness_evaluations",
		metric.WithDescription("Number of fitness evaluations performed"))
	if err != nil {
		return nil, err
	}
	mods, err := meter.Int64Counter("meta.modifications_applied",
		metric.WithDescription("Number of modifications applied"))
	if err != nil {
		return nil, err
	}
	rollbacks, err := meter.Int64Counter("meta.rollbacks",
		metric.WithDescription("Number of modification rollbacks"))
	if err != nil {
		return nil, err
	}

	return &Controller{
		store:         st,
		registry:      registry,
		cfg:           cfg,
		logger:        logger,
		tracer:        tracer,
		meter:         meter,
		evaluations:   evaluations,
		modifications: mods,
		rollbacks:     rollbacks,
		now:           time.Now,
	}, nil
}

// EvaluateFitness computes and persists a fitness snapshot over the
// sliding window of recent episodes.
//
// Efficiency is the auto-resolution rate: the fraction of windowed
// episodes whose action was not escalate. Robustness is one minus the
// escalation rate among episodes that carried a high-severity exception.
// An empty window, or a window with no high-severity episodes, scores the
// respective component at 1.0; nothing has failed yet.
func (c *Controller) EvaluateFitness(ctx context.Context) (*store.FitnessSnapshot, error) {
	ctx, span := c.tracer.Start(ctx, "meta.EvaluateFitness")
	defer span.End()

	episodes, err := c.store.RecentEpisodes(c.cfg.FitnessWindow)
	if err != nil {
		return nil, fmt.Errorf("load fitness window: %w", err)
	}

	efficiency, robustness := 1.0, 1.0
	if len(episodes) > 0 {
		resolved := 0
		highTotal, highEscalated := 0, 0
		for _, ep := range episodes {
			if ep.Action != strategy.ActionEscalate {
				resolved++
			}
			if ep.Metadata[MetadataSeverityKey] == string(exception.SeverityHigh) {
				highTotal++
				if ep.Action == strategy.ActionEscalate {
					highEscalated++
				}
			}
		}
		efficiency = float64(resolved) / float64(len(episodes))
		if highTotal > 0 {
			robustness = 1 - float64(highEscalated)/float64(highTotal)
		}
	}

	snap := &store.FitnessSnapshot{
		Version:          c.registry.Version(),
		Efficiency:       efficiency,
		Robustness:       robustness,
		FitnessScore:     c.cfg.EfficiencyWeight*efficiency + c.cfg.RobustnessWeight*robustness,
		EfficiencyWeight: c.cfg.EfficiencyWeight,
		RobustnessWeight: c.cfg.RobustnessWeight,
		Timestamp:        c.now().UTC(),
	}
	if err := c.store.InsertFitnessSnapshot(snap); err != nil {
		return nil, fmt.Errorf("persist fitness snapshot: %w", err)
	}

	c.evaluations.Add(ctx, 1)
	span.SetAttributes(attribute.Float64("fitness.score", snap.FitnessScore))
	c.logger.Debug(ctx, "fitness evaluated",
		zap.Float64("efficiency", efficiency),
		zap.Float64("robustness", robustness),
		zap.Float64("fitness", snap.FitnessScore),
		zap.Int("window", len(episodes)))
	return snap, nil
}

// RecalculateWeights rebuilds every strategy weight from the full episode
// log. The success rate is always a recomputed aggregate, never an
// in-place increment, so replayed history produces identical weights. An
// episode counts as a success for its strategy when its action was not
// escalate.
func (c *Controller) RecalculateWeights(ctx context.Context) (map[string]store.StrategyWeight, error) {
	ctx, span := c.tracer.Start(ctx, "meta.RecalculateWeights")
	defer span.End()

	episodes, err := c.store.ListEpisodes()
	if err != nil {
		return nil, fmt.Errorf("load episodes: %w", err)
	}

	type agg struct {
		uses      int
		successes int
		confSum   float64
	}
	byStrategy := make(map[string]*agg)
	for _, ep := range episodes {
		if ep.Strategy == "" {
			continue
		}
		a := byStrategy[ep.Strategy]
		if a == nil {
			a = &agg{}
			byStrategy[ep.Strategy] = a
		}
		a.uses++
		a.confSum += ep.Confidence
		if ep.Action != strategy.ActionEscalate {
			a.successes++
		}
	}

	ts := c.now().UTC()
	weights := make([]store.StrategyWeight, 0, len(byStrategy))
	for name, a := range byStrategy {
		weights = append(weights, store.StrategyWeight{
			Strategy:      name,
			SuccessRate:   float64(a.successes) / float64(a.uses),
			AvgConfidence: a.confSum / float64(a.uses),
			LastUpdated:   ts,
		})
	}
	sort.Slice(weights, func(i, j int) bool { return weights[i].Strategy < weights[j].Strategy })

	if err := c.store.UpsertStrategyWeights(weights); err != nil {
		return nil, fmt.Errorf("persist weights: %w", err)
	}

	out := make(map[string]store.StrategyWeight, len(weights))
	for _, w := range weights {
		out[w.Strategy] = w
	}
	c.logger.Debug(ctx, "strategy weights recalculated", zap.Int("strategies", len(out)))
	return out, nil
}

// Update is the post-resolution hook: it rebuilds strategy weights and
// takes a fresh fitness snapshot.
func (c *Controller) Update(ctx context.Context) error {
	if _, err := c.RecalculateWeights(ctx); err != nil {
		return err
	}
	_, err := c.EvaluateFitness(ctx)
	return err
}

// ApplyModification snapshots the current weights and registry state,
// records the modification, applies the change, and re-evaluates fitness.
// The returned record is in the applied state with performance_before and
// performance_after populated.
func (c *Controller) ApplyModification(ctx context.Context, change Change) (*store.Modification, error) {
	ctx, span := c.tracer.Start(ctx, "meta.ApplyModification",
		trace.WithAttributes(attribute.String("component", change.Component)))
	defer span.End()

	if change.Component == "" {
		change.Component = "strategy_registry"
	}
	if len(change.Priors) == 0 && len(change.Weights) == 0 {
		return nil, errors.New("change mutates nothing")
	}
	for name, prior := range change.Priors {
		if prior < 0 || prior > 1 {
			return nil, fmt.Errorf("prior override for %q: %v outside [0,1]", name, prior)
		}
	}

	before, err := c.EvaluateFitness(ctx)
	if err != nil {
		return nil, err
	}

	rollback, err := c.captureState()
	if err != nil {
		return nil, err
	}
	applied, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("encode change: %w", err)
	}

	mod := &store.Modification{
		Component:         change.Component,
		ChangeDescription: change.Description,
		RollbackPayload:   string(rollback),
		AppliedPayload:    string(applied),
		PerformanceBefore: before.FitnessScore,
		State:             store.ModProposed,
		Timestamp:         c.now().UTC(),
	}
	if err := c.store.InsertModification(mod); err != nil {
		return nil, err
	}

	for _, name := range sortedKeys(change.Priors) {
		if err := c.registry.SetPrior(name, change.Priors[name]); err != nil {
			return nil, fmt.Errorf("apply prior override: %w", err)
		}
	}
	if len(change.Weights) > 0 {
		if err := c.store.UpsertStrategyWeights(change.Weights); err != nil {
			return nil, fmt.Errorf("apply weights: %w", err)
		}
	}

	after, err := c.EvaluateFitness(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.store.UpdateModification(mod.ID, store.ModApplied, after.FitnessScore); err != nil {
		return nil, err
	}
	mod.State = store.ModApplied
	mod.PerformanceAfter = after.FitnessScore

	c.modifications.Add(ctx, 1)
	c.logger.Info(ctx, "modification applied",
		zap.String("modification", mod.ID),
		zap.String("component", mod.Component),
		zap.Float64("fitness_before", mod.PerformanceBefore),
		zap.Float64("fitness_after", mod.PerformanceAfter))
	return mod, nil
}

// Confirm moves an applied modification to its confirmed terminal state.
func (c *Controller) Confirm(ctx context.Context, id string) error {
	mod, err := c.store.GetModification(id)
	if err != nil {
		return err
	}
	if mod == nil {
		return fmt.Errorf("modification %s not found", id)
	}
	return c.store.UpdateModification(id, store.ModConfirmed, mod.PerformanceAfter)
}

// Rollback reverts the most recently applied modification, restoring
// weights and registry priors bit-identically from the rollback payload.
// Rolling back anything but the latest applied modification fails with a
// StaleRollbackError; the history is strictly linear.
func (c *Controller) Rollback(ctx context.Context, id string) (*store.Modification, error) {
	ctx, span := c.tracer.Start(ctx, "meta.Rollback",
		trace.WithAttributes(attribute.String("modification", id)))
	defer span.End()

	mod, err := c.store.GetModification(id)
	if err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, fmt.Errorf("modification %s not found", id)
	}

	latest, err := c.store.LatestAppliedModification()
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.ID != id {
		latestID := ""
		if latest != nil {
			latestID = latest.ID
		}
		return nil, &store.StaleRollbackError{ModID: id, LatestID: latestID}
	}

	var payload statePayload
	if err := json.Unmarshal([]byte(mod.RollbackPayload), &payload); err != nil {
		return nil, fmt.Errorf("decode rollback payload for %s: %w", id, err)
	}

	if err := c.store.ReplaceStrategyWeights(payload.Weights); err != nil {
		return nil, fmt.Errorf("restore weights: %w", err)
	}
	c.registry.Restore(payload.Registry)

	if err := c.store.UpdateModification(id, store.ModRolledBack, mod.PerformanceBefore); err != nil {
		return nil, err
	}
	mod.State = store.ModRolledBack
	mod.PerformanceAfter = mod.PerformanceBefore

	c.rollbacks.Add(ctx, 1)
	c.logger.Info(ctx, "modification rolled back",
		zap.String("modification", id),
		zap.Int("weights_restored", len(payload.Weights)))
	return mod, nil
}

// captureState encodes the current weights and registry snapshot as a
// rollback payload. Weights are sorted by strategy so the encoding is
// stable.
func (c *Controller) captureState() ([]byte, error) {
	weights, err := c.store.StrategyWeights()
	if err != nil {
		return nil, fmt.Errorf("capture weights: %w", err)
	}
	list := make([]store.StrategyWeight, 0, len(weights))
	for _, w := range weights {
		list = append(list, w)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Strategy < list[j].Strategy })

	return json.Marshal(statePayload{
		Registry: c.registry.TakeSnapshot(),
		Weights:  list,
	})
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
