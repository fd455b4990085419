package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/resolverd/internal/exception"
	"github.com/fyrsmithlabs/resolverd/internal/logging"
	"github.com/fyrsmithlabs/resolverd/internal/strategy"
)

// Decision is the resolved outcome for a single exception.
type Decision struct {
	Exception  exception.Exception
	Strategy   string
	Action     string
	Confidence float64
	Reasoning  string

	// Overridden is set when the escalation floor rewrote the action.
	Overridden bool
}

// Selector picks the winning strategy per exception and applies the
// escalation override.
type Selector struct {
	cutoff float64
	logger *logging.Logger
	tracer trace.Tracer
	meter  metric.Meter

	selections metric.Int64Counter
	overrides  metric.Int64Counter
}

// NewSelector returns a Selector with the given escalation cutoff.
func NewSelector(cutoff float64, logger *logging.Logger) (*Selector, error) {
	if cutoff < 0 || cutoff > 1 {
		return nil, fmt.Errorf("escalation cutoff %v outside [0,1]", cutoff)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	tracer := otel.Tracer("resolverd.decision")
	meter := otel.Meter("resolverd.decision")

	selections, err := meter.Int64Counter("decision.selections",
		metric.WithDescription("Number of per-exception decisions made"))
	if err != nil {
		return nil, err
	}
	overrides, err := meter.Int64Counter("decision.escalation_overrides",
		metric.WithDescription("Number of decisions rewritten by the escalation floor"))
	if err != nil {
		return nil, err
	}

	return &Selector{
		cutoff:     cutoff,
		logger:     logger,
		tracer:     tracer,
		meter:      meter,
		selections: selections,
		overrides:  overrides,
	}, nil
}

// Select picks the strictly highest-confidence simulation. Ties break on
// higher static prior, then on name, so selection is deterministic. A
// winner below the escalation cutoff, or a non-escalate winner on a
// high-severity exception whose confidence does not clear the cutoff, is
// rewritten to escalate.
func (s *Selector) Select(ctx context.Context, c strategy.Context, sims []strategy.Simulation) Decision {
	ctx, span := s.tracer.Start(ctx, "decision.Select",
		trace.WithAttributes(
			attribute.String("exception", string(c.Exception.Tag)),
			attribute.Int("simulations", len(sims)),
		))
	defer span.End()

	if len(sims) == 0 {
		// Generation always appends the fallback, so this is a caller
		// bug rather than a data condition. Escalate anyway.
		s.logger.Warn(ctx, "no simulations to select from",
			zap.String("exception", string(c.Exception.Tag)))
		return Decision{
			Exception:  c.Exception,
			Strategy:   strategy.FallbackName,
			Action:     strategy.ActionEscalate,
			Confidence: 0,
			Reasoning:  fmt.Sprintf("no candidate strategies for %s, escalated", c.Exception.Tag),
			Overridden: true,
		}
	}

	ranked := make([]strategy.Simulation, len(sims))
	copy(ranked, sims)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		if ranked[i].Candidate.Strategy.StaticPrior != ranked[j].Candidate.Strategy.StaticPrior {
			return ranked[i].Candidate.Strategy.StaticPrior > ranked[j].Candidate.Strategy.StaticPrior
		}
		return ranked[i].Candidate.Strategy.Name < ranked[j].Candidate.Strategy.Name
	})

	winner := ranked[0]
	d := Decision{
		Exception:  c.Exception,
		Strategy:   winner.Candidate.Strategy.Name,
		Action:     winner.Candidate.Strategy.Action,
		Confidence: winner.Confidence,
		Reasoning:  s.explain(c, winner),
	}

	if d.Action != strategy.ActionEscalate && winner.Confidence < s.cutoff {
		reason := fmt.Sprintf("confidence %.2f below %.2f escalation floor", winner.Confidence, s.cutoff)
		if c.Exception.Severity == exception.SeverityHigh {
			reason = fmt.Sprintf("high severity %s unresolved: %s", c.Exception.Tag, reason)
		}
		d.Action = strategy.ActionEscalate
		d.Overridden = true
		d.Reasoning = d.Reasoning + "; " + reason
		s.overrides.Add(ctx, 1)
		s.logger.Info(ctx, "escalation override applied",
			zap.String("strategy", d.Strategy),
			zap.Float64("confidence", winner.Confidence))
	}

	s.selections.Add(ctx, 1)
	span.SetAttributes(
		attribute.String("decision.strategy", d.Strategy),
		attribute.String("decision.action", d.Action),
		attribute.Float64("decision.confidence", d.Confidence),
	)
	return d
}

// explain renders a human-readable account of why the winner won.
func (s *Selector) explain(c strategy.Context, winner strategy.Simulation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on %s", winner.Candidate.Strategy.Name, c.Exception.Tag)
	if c.Exception.Field != "" {
		fmt.Fprintf(&b, " (%s)", c.Exception.Field)
	}
	if explain := winner.Candidate.Strategy.Explain; explain != nil {
		fmt.Fprintf(&b, ": %s", explain(c))
	}
	fmt.Fprintf(&b, " [confidence %.2f", winner.Confidence)
	if len(c.Similar) > 0 {
		fmt.Fprintf(&b, ", %d similar cases", len(c.Similar))
	}
	b.WriteString("]")
	return b.String()
}

// Aggregate folds per-exception decisions into the record-level outcome.
// Escalate dominates reject, reject dominates approve. Resolved counts
// every decision whose action is not escalate. The overall confidence is
// the minimum across decisions: the record is only as certain as its
// weakest resolution.
func Aggregate(decisions []Decision) (action string, confidence float64, resolved int) {
	if len(decisions) == 0 {
		return strategy.ActionApprove, 1.0, 0
	}

	action = strategy.ActionApprove
	confidence = 1.0
	for _, d := range decisions {
		if d.Confidence < confidence {
			confidence = d.Confidence
		}
		switch d.Action {
		case strategy.ActionEscalate:
			action = strategy.ActionEscalate
		case strategy.ActionReject:
			// Reject resolves its exception (the record is conclusively
			// handled) even though the record does not pass.
			resolved++
			if action != strategy.ActionEscalate {
				action = strategy.ActionReject
			}
		default:
			resolved++
		}
	}
	return action, confidence, resolved
}
