package strategy

import (
	"context"
	"errors"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/resolverd/internal/logging"
	"github.com/fyrsmithlabs/resolverd/internal/store"
)

var errNilRegistry = errors.New("registry is required")

// Simulator scores candidates before anything commits. Scoring is pure:
// the same candidate, history, and weights always produce the same
// confidence, and simulation never writes state.
type Simulator struct {
	registry *Registry
	logger   *logging.Logger
	tracer   trace.Tracer
	meter    metric.Meter

	simulations metric.Int64Counter
}

// NewSimulator returns a Simulator over the given registry.
func NewSimulator(registry *Registry, logger *logging.Logger) (*Simulator, error) {
	if registry == nil {
		return nil, errNilRegistry
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	tracer := otel.Tracer("resolverd.strategy")
	meter := otel.Meter("resolverd.strategy")

	simulations, err := meter.Int64Counter("strategy.simulations",
		metric.WithDescription("Number of candidate strategy simulations"))
	if err != nil {
		return nil, err
	}

	return &Simulator{
		registry:    registry,
		logger:      logger,
		tracer:      tracer,
		meter:       meter,
		simulations: simulations,
	}, nil
}

// Generate proposes candidate strategies for a single exception. The
// result always contains at least the escalate fallback.
func (s *Simulator) Generate(ctx context.Context, c Context) []Candidate {
	cands := s.registry.Generate(c)
	s.logger.Debug(ctx, "generated candidate strategies",
		zap.String("exception", string(c.Exception.Tag)),
		zap.Int("candidates", len(cands)))
	return cands
}

// Simulate scores every candidate and returns the results sorted by
// confidence descending, ties broken by higher static prior and then by
// name. Weights are learned per-strategy aggregates; a strategy with no
// weight row scores on its static prior alone.
func (s *Simulator) Simulate(ctx context.Context, c Context, cands []Candidate, weights map[string]store.StrategyWeight) []Simulation {
	ctx, span := s.tracer.Start(ctx, "strategy.Simulate",
		trace.WithAttributes(attribute.Int("candidates", len(cands))))
	defer span.End()

	sims := make([]Simulation, 0, len(cands))
	for _, cand := range cands {
		conf := s.score(cand, c, weights)
		sims = append(sims, Simulation{Candidate: cand, Confidence: conf})
	}
	s.simulations.Add(ctx, int64(len(sims)))

	sort.SliceStable(sims, func(i, j int) bool {
		if sims[i].Confidence != sims[j].Confidence {
			return sims[i].Confidence > sims[j].Confidence
		}
		if sims[i].Candidate.Strategy.StaticPrior != sims[j].Candidate.Strategy.StaticPrior {
			return sims[i].Candidate.Strategy.StaticPrior > sims[j].Candidate.Strategy.StaticPrior
		}
		return sims[i].Candidate.Strategy.Name < sims[j].Candidate.Strategy.Name
	})
	return sims
}

// score computes confidence = prior x success adjustment x agreement,
// clamped to [0,1].
//
// The success adjustment centers a learned success rate at 1.0: a
// strategy that succeeded half the time keeps its prior, one that always
// succeeded gets a 1.5x boost, one that always failed is halved. With no
// learned weight the adjustment is neutral.
//
// Agreement measures how much retrieved history backs the candidate's
// action: the fraction of similar cases that took the same action,
// doubled so that a 50/50 split is neutral and unanimous agreement
// doubles the prior. An empty history is neutral.
func (s *Simulator) score(cand Candidate, c Context, weights map[string]store.StrategyWeight) float64 {
	conf := cand.Strategy.StaticPrior

	if w, ok := weights[cand.Strategy.Name]; ok {
		conf *= 0.5 + w.SuccessRate
	}

	if len(c.Similar) > 0 {
		matching := 0
		for _, sc := range c.Similar {
			if sc.Episode.Action == cand.Strategy.Action {
				matching++
			}
		}
		conf *= 2 * float64(matching) / float64(len(c.Similar))
	}

	return clamp01(conf)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
