package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/resolverd/internal/logging"
	"github.com/fyrsmithlabs/resolverd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/resolverd/internal/memory"

// ScoredEpisode is an episode with its decayed similarity score.
type ScoredEpisode struct {
	Episode    *store.Episode
	Similarity float64
}

// Retrieval is the result of a similar-cases lookup.
type Retrieval struct {
	Cases []ScoredEpisode

	// Degraded is set when tf-idf vectorization was unavailable and the
	// lookup fell back to exact string-equality matching. The resolver
	// surfaces it in the response reasoning.
	Degraded bool
}

// Config holds episodic memory tuning.
type Config struct {
	// RecencyLambda is the exponential decay rate per day of age.
	RecencyLambda float64

	// DefaultLimit bounds retrievals that pass limit <= 0.
	DefaultLimit int
}

// Service indexes and retrieves episodes.
type Service struct {
	store  *store.Store
	cfg    Config
	logger *logging.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	retrieveCounter metric.Int64Counter
	storeCounter    metric.Int64Counter

	// now is indirected for recency-decay tests.
	now func() time.Time
}

// NewService creates the episodic memory service.
func NewService(st *store.Store, cfg Config, logger *logging.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	s := &Service{
		store:  st,
		cfg:    cfg,
		logger: logger.Named("memory"),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		now:    time.Now,
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error
	s.retrieveCounter, err = s.meter.Int64Counter(
		"resolverd.memory.retrievals_total",
		metric.WithDescription("Total similar-case retrievals"),
		metric.WithUnit("{retrieval}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create retrieve counter", zap.Error(err))
	}
	s.storeCounter, err = s.meter.Int64Counter(
		"resolverd.memory.episodes_stored_total",
		metric.WithDescription("Total episodes stored"),
		metric.WithUnit("{episode}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create store counter", zap.Error(err))
	}
}

// StoreEpisode appends an episode to the persistent log and returns its
// assigned ID. Persistence failures propagate: a resolution must never be
// reported without a durable episode behind it.
func (s *Service) StoreEpisode(ctx context.Context, ep *store.Episode) (string, error) {
	ctx, span := s.tracer.Start(ctx, "memory.store_episode")
	defer span.End()

	id, err := s.store.InsertEpisode(ep)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("store episode: %w", err)
	}
	if s.storeCounter != nil {
		s.storeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", ep.Action)))
	}
	s.logger.Debug(ctx, "episode stored",
		zap.String("id", id),
		zap.String("action", ep.Action),
		zap.Float64("confidence", ep.Confidence),
	)
	return id, nil
}

// SimilarCases retrieves up to limit episodes most similar to the given
// exception description, ranked by decayed cosine similarity, ties broken
// by more recent timestamp.
//
// An empty corpus returns an empty retrieval, not an error. When the
// corpus or the query cannot be vectorized the lookup degrades to exact
// string equality and the retrieval is flagged Degraded.
func (s *Service) SimilarCases(ctx context.Context, description string, limit int) (*Retrieval, error) {
	ctx, span := s.tracer.Start(ctx, "memory.similar_cases")
	defer span.End()

	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	span.SetAttributes(attribute.Int("limit", limit))

	episodes, err := s.store.ListEpisodes()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	if len(episodes) == 0 {
		return &Retrieval{}, nil
	}

	ret := s.rank(description, episodes, limit)

	if s.retrieveCounter != nil {
		s.retrieveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("result_count", len(ret.Cases)),
			attribute.Bool("degraded", ret.Degraded),
		))
	}
	span.SetAttributes(
		attribute.Int("result_count", len(ret.Cases)),
		attribute.Bool("degraded", ret.Degraded),
	)
	if ret.Degraded {
		s.logger.Warn(ctx, "similarity search degraded to exact matching",
			zap.Int("corpus_size", len(episodes)))
	}
	return ret, nil
}

// rank scores every episode against the query and returns the top results.
func (s *Service) rank(description string, episodes []*store.Episode, limit int) *Retrieval {
	corpus := make([][]string, len(episodes))
	for i, ep := range episodes {
		corpus[i] = tokenize(ep.Description)
	}

	vec, ok := fitVectorizer(corpus)
	var queryVec map[string]float64
	if ok {
		queryVec, ok = vec.transform(tokenize(description))
	}
	if !ok {
		return s.exactFallback(description, episodes, limit)
	}

	now := s.now()
	scored := make([]ScoredEpisode, 0, len(episodes))
	for i, ep := range episodes {
		docVec, ok := vec.transform(corpus[i])
		if !ok {
			continue
		}
		raw := cosine(queryVec, docVec)
		if raw <= 0 {
			continue
		}
		ageDays := now.Sub(ep.Timestamp).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		scored = append(scored, ScoredEpisode{
			Episode:    ep,
			Similarity: raw * math.Exp(-s.cfg.RecencyLambda*ageDays),
		})
	}

	sortScored(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return &Retrieval{Cases: scored}
}

// exactFallback matches on string equality of descriptions. Scores are 1.0
// before decay, mirroring the self-similarity property of the vector path.
func (s *Service) exactFallback(description string, episodes []*store.Episode, limit int) *Retrieval {
	now := s.now()
	var scored []ScoredEpisode
	for _, ep := range episodes {
		if ep.Description != description {
			continue
		}
		ageDays := now.Sub(ep.Timestamp).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		scored = append(scored, ScoredEpisode{
			Episode:    ep,
			Similarity: math.Exp(-s.cfg.RecencyLambda * ageDays),
		})
	}
	sortScored(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return &Retrieval{Cases: scored, Degraded: true}
}

// sortScored orders by decayed score descending, ties broken by the more
// recent episode first, then by ID for a total order.
func sortScored(scored []ScoredEpisode) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		if !scored[i].Episode.Timestamp.Equal(scored[j].Episode.Timestamp) {
			return scored[i].Episode.Timestamp.After(scored[j].Episode.Timestamp)
		}
		return scored[i].Episode.ID < scored[j].Episode.ID
	})
}

// Statistics exposes the read-only aggregate surface of the episode log.
func (s *Service) Statistics(ctx context.Context) (*store.Statistics, error) {
	_, span := s.tracer.Start(ctx, "memory.statistics")
	defer span.End()

	st, err := s.store.Statistics()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("episode statistics: %w", err)
	}
	return st, nil
}
