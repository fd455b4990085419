package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/resolverd/internal/decision"
	"github.com/fyrsmithlabs/resolverd/internal/detector"
	"github.com/fyrsmithlabs/resolverd/internal/events"
	"github.com/fyrsmithlabs/resolverd/internal/exception"
	"github.com/fyrsmithlabs/resolverd/internal/logging"
	"github.com/fyrsmithlabs/resolverd/internal/memory"
	"github.com/fyrsmithlabs/resolverd/internal/meta"
	"github.com/fyrsmithlabs/resolverd/internal/record"
	"github.com/fyrsmithlabs/resolverd/internal/store"
	"github.com/fyrsmithlabs/resolverd/internal/strategy"
)

// Request is the resolution input contract.
type Request struct {
	Record   map[string]any    `json:"record"`
	RecordID string            `json:"record_id,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

// Response is the resolution output contract.
type Response struct {
	RecordID           string  `json:"record_id"`
	FinalAction        string  `json:"final_action"`
	ConfidenceScore    float64 `json:"confidence_score"`
	Reasoning          string  `json:"reasoning"`
	ExceptionsFound    int     `json:"exceptions_found"`
	ExceptionsResolved int     `json:"exceptions_resolved"`
	SimilarCasesFound  int     `json:"similar_cases_found"`
}

// Service orchestrates one resolution end to end. Each call runs to
// completion synchronously; the store's write lock serializes the
// persistence step across concurrent transport requests.
type Service struct {
	store     *store.Store
	detector  *detector.Detector
	memory    *memory.Service
	simulator *strategy.Simulator
	selector  *decision.Selector
	meta      *meta.Controller
	events    *events.Publisher
	logger    *logging.Logger
	tracer    trace.Tracer
	meter     metric.Meter

	resolutions metric.Int64Counter
	escalations metric.Int64Counter

	now func() time.Time
}

// NewService wires the pipeline. events may be nil.
func NewService(
	st *store.Store,
	det *detector.Detector,
	mem *memory.Service,
	sim *strategy.Simulator,
	sel *decision.Selector,
	mc *meta.Controller,
	pub *events.Publisher,
	logger *logging.Logger,
) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if det == nil {
		return nil, errors.New("detector is required")
	}
	if mem == nil {
		return nil, errors.New("memory service is required")
	}
	if sim == nil {
		return nil, errors.New("simulator is required")
	}
	if sel == nil {
		return nil, errors.New("selector is required")
	}
	if mc == nil {
		return nil, errors.New("meta controller is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	tracer := otel.Tracer("resolverd.resolver")
	meter := otel.Meter("resolverd.resolver")

	resolutions, err := meter.Int64Counter("resolver.resolutions",
		metric.WithDescription("Number of resolution requests completed"))
	if err != nil {
		return nil, err
	}
	escalations, err := meter.Int64Counter("resolver.escalations",
		metric.WithDescription("Number of resolutions that escalated"))
	if err != nil {
		return nil, err
	}

	return &Service{
		store:       st,
		detector:    det,
		memory:      mem,
		simulator:   sim,
		selector:    sel,
		meta:        mc,
		events:      pub,
		logger:      logger.Named("resolver"),
		tracer:      tracer,
		meter:       meter,
		resolutions: resolutions,
		escalations: escalations,
		now:         time.Now,
	}, nil
}

// Resolve runs the full pipeline for one record. Validation errors and
// persistence failures abort the request; retrieval and statistics
// failures degrade to rule-only decisions with the degradation noted in
// the response reasoning.
func (s *Service) Resolve(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := s.tracer.Start(ctx, "resolver.Resolve")
	defer span.End()

	if req == nil || req.Record == nil {
		return nil, &record.ValidationError{Reason: "empty request"}
	}

	recordID := req.RecordID
	if recordID == "" {
		recordID = uuid.New().String()
	}

	rec, err := record.Parse(req.Record)
	if err != nil {
		return nil, err
	}

	diag, err := s.detector.Detect(ctx, rec)
	if err != nil {
		return nil, err
	}

	description := exception.Describe(diag.Exceptions)
	var degradations []string

	retrieval, err := s.memory.SimilarCases(ctx, description, 0)
	if err != nil {
		s.logger.Warn(ctx, "similarity search unavailable", zap.Error(err))
		retrieval = &memory.Retrieval{}
		degradations = append(degradations, "similarity search unavailable, using rule-only decision")
	} else if retrieval.Degraded {
		degradations = append(degradations, "vectorization unavailable, similar cases matched by exact description")
	}

	weights, err := s.store.StrategyWeights()
	if err != nil {
		s.logger.Warn(ctx, "strategy weights unavailable", zap.Error(err))
		weights = nil
		degradations = append(degradations, "historical success statistics unavailable, scoring on static priors")
	}

	var decisions []decision.Decision
	for _, exc := range diag.Exceptions {
		sc := strategy.Context{Diagnosis: diag, Exception: exc, Similar: retrieval.Cases}
		cands := s.simulator.Generate(ctx, sc)
		sims := s.simulator.Simulate(ctx, sc, cands, weights)
		d := s.selector.Select(ctx, sc, sims)

		// An accepted typo correction rewrites the vendor for the rest
		// of the pipeline and for the persisted episode.
		if exc.Tag == exception.TagEntityTypo && d.Action == strategy.ActionApprove && exc.SuggestedCorrection != "" {
			rec.VendorName = exc.SuggestedCorrection
			rec.VendorCorrected = true
		}

		decisions = append(decisions, d)
	}

	action, confidence, resolved := decision.Aggregate(decisions)
	reasoning := s.reasoning(diag, decisions, retrieval, degradations)

	ep := &store.Episode{
		Timestamp:          s.now().UTC(),
		TaskLabel:          rec.Label(),
		Description:        description,
		Strategy:           primaryStrategy(decisions, action),
		Action:             action,
		Result:             fmt.Sprintf("%s - %d/%d exceptions handled", strings.ToUpper(action), resolved, len(diag.Exceptions)),
		Confidence:         confidence,
		ExceptionsFound:    len(diag.Exceptions),
		ExceptionsResolved: resolved,
		SimilarCasesCount:  len(retrieval.Cases),
		Metadata:           s.episodeMetadata(recordID, rec, diag, len(degradations) > 0),
	}
	if _, err := s.memory.StoreEpisode(ctx, ep); err != nil {
		// A record must never be reported resolved without a durable
		// episode behind it.
		return nil, fmt.Errorf("persist episode: %w", err)
	}

	if err := s.meta.Update(ctx); err != nil {
		s.logger.Warn(ctx, "meta update failed", zap.Error(err))
	}

	s.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	if action == strategy.ActionEscalate {
		s.escalations.Add(ctx, 1)
	}
	span.SetAttributes(
		attribute.String("resolution.action", action),
		attribute.Float64("resolution.confidence", confidence),
		attribute.Int("resolution.exceptions", len(diag.Exceptions)),
	)

	resp := &Response{
		RecordID:           recordID,
		FinalAction:        action,
		ConfidenceScore:    confidence,
		Reasoning:          reasoning,
		ExceptionsFound:    len(diag.Exceptions),
		ExceptionsResolved: resolved,
		SimilarCasesFound:  len(retrieval.Cases),
	}

	s.events.Publish(ctx, events.ResolutionEvent{
		RecordID:           recordID,
		FinalAction:        action,
		ConfidenceScore:    confidence,
		ExceptionsFound:    resp.ExceptionsFound,
		ExceptionsResolved: resp.ExceptionsResolved,
		SimilarCasesFound:  resp.SimilarCasesFound,
		Timestamp:          ep.Timestamp,
	})

	s.logger.Info(ctx, "record resolved",
		zap.String("record_id", recordID),
		zap.String("action", action),
		zap.Float64("confidence", confidence),
		zap.Int("exceptions", resp.ExceptionsFound),
		zap.Int("similar_cases", resp.SimilarCasesFound))
	return resp, nil
}

// reasoning concatenates per-exception justifications, retrieval context,
// and any degradation notes into the response text.
func (s *Service) reasoning(diag *detector.Diagnosis, decisions []decision.Decision, retrieval *memory.Retrieval, degradations []string) string {
	var parts []string
	if len(decisions) == 0 {
		parts = append(parts, fmt.Sprintf("no exceptions detected, %s approved", diag.Record.VendorName))
	}
	for _, d := range decisions {
		parts = append(parts, d.Reasoning)
	}
	if len(retrieval.Cases) > 0 {
		parts = append(parts, fmt.Sprintf("informed by %d similar past cases", len(retrieval.Cases)))
	}
	parts = append(parts, degradations...)
	return strings.Join(parts, "; ")
}

func (s *Service) episodeMetadata(recordID string, rec *record.Record, diag *detector.Diagnosis, degraded bool) map[string]string {
	md := map[string]string{
		"record_id": recordID,
		"vendor":    rec.VendorName,
	}
	md[meta.MetadataSeverityKey] = string(exception.MaxSeverity(diag.Exceptions))
	if fp := detector.Fingerprint(rec); fp != "" {
		md["fingerprint"] = fp
	}
	if rec.VendorCorrected {
		md["vendor_corrected"] = "true"
	}
	if degraded {
		md["degraded"] = "true"
	}
	return md
}

// primaryStrategy picks the decision that determined the final action:
// the first decision whose action matches it, falling back to the first
// decision. Clean records carry no strategy.
func primaryStrategy(decisions []decision.Decision, action string) string {
	for _, d := range decisions {
		if d.Action == action {
			return d.Strategy
		}
	}
	if len(decisions) > 0 {
		return decisions[0].Strategy
	}
	return ""
}

// Statistics exposes the read-only aggregate surface plus the latest
// fitness snapshot.
func (s *Service) Statistics(ctx context.Context) (*store.Statistics, *store.FitnessSnapshot, error) {
	stats, err := s.memory.Statistics(ctx)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.store.LatestFitnessSnapshot()
	if err != nil {
		return nil, nil, err
	}
	return stats, snap, nil
}
