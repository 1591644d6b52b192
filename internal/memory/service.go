// Package memory is the Memory Store: it persists embedded memory records,
// answers scored retrieval queries and stages raw turn events in the
// consolidation buffer.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/zedcore/internal/embedding"
	"github.com/scrypster/zedcore/internal/storage"
	"github.com/scrypster/zedcore/pkg/types"
)

const (
	// DefaultImportance is used when a record is stored without one.
	DefaultImportance = 0.5

	// DefaultLimit is the retrieval limit when a query sets none.
	DefaultLimit = 10

	// CandidateMultiplier sizes the importance-ordered candidate superset
	// relative to the requested limit.
	CandidateMultiplier = 5
)

// Service is the Memory Store.
type Service struct {
	store    storage.MemoryStore
	buffer   storage.BufferStore
	embedder embedding.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a Memory Store over the given persistence and embedding
// provider.
func NewService(store storage.MemoryStore, buffer storage.BufferStore, embedder embedding.Provider, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("memory: memory store is required")
	}
	if buffer == nil {
		return nil, fmt.Errorf("memory: buffer store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("memory: embedding provider is required")
	}

	s := &Service{
		store:    store,
		buffer:   buffer,
		embedder: embedder,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StoreInput describes a record to persist.
type StoreInput struct {
	Type    types.MemoryType
	Content string

	// Importance defaults to DefaultImportance when nil.
	Importance *float64

	// Embedding is used as-is when set; otherwise Content is embedded.
	Embedding []float32

	Source            types.MemorySource
	RelatedProfileIDs []string
	RelatedBranchIDs  []string
	Tags              []string
	ExpiresAt         *time.Time
}

// Importance returns a pointer to v for StoreInput.Importance.
func Importance(v float64) *float64 {
	return &v
}

// Store persists a new record and returns it with its ID and embedding.
// A failing embedding provider does not fail the store: the record is kept
// without an embedding and scores zero relevance.
func (s *Service) Store(ctx context.Context, in StoreInput) (*types.MemoryRecord, error) {
	record, err := s.newRecord(in)
	if err != nil {
		return nil, err
	}

	if len(record.Embedding) == 0 {
		vec, err := s.embedder.EmbedQuery(ctx, record.Content)
		if err != nil {
			s.logger.Warn("memory: embedding failed, storing without vector",
				"memory_id", record.ID, "error", err)
		} else {
			record.Embedding = vec
		}
	}

	if err := s.store.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("memory: failed to store record: %w", err)
	}

	s.logger.Debug("memory: stored record", "memory_id", record.ID, "type", record.Type)
	return record, nil
}

// StoreBatch persists several records, embedding the ones without a vector
// in one provider call. Rows are written one at a time; on a storage error
// the records written so far are returned with the error.
func (s *Service) StoreBatch(ctx context.Context, inputs []StoreInput) ([]*types.MemoryRecord, error) {
	records := make([]*types.MemoryRecord, 0, len(inputs))
	var (
		pending []int
		texts   []string
	)
	for _, in := range inputs {
		record, err := s.newRecord(in)
		if err != nil {
			return nil, err
		}
		if len(record.Embedding) == 0 {
			pending = append(pending, len(records))
			texts = append(texts, record.Content)
		}
		records = append(records, record)
	}

	if len(texts) > 0 {
		vecs, err := s.embedder.EmbedDocuments(ctx, texts)
		if err == nil && len(vecs) != len(texts) {
			err = fmt.Errorf("embedding: got %d vectors for %d documents", len(vecs), len(texts))
		}
		if err != nil {
			s.logger.Warn("memory: batch embedding failed, storing without vectors",
				"count", len(texts), "error", err)
		} else {
			for i, idx := range pending {
				records[idx].Embedding = vecs[i]
			}
		}
	}

	stored := make([]*types.MemoryRecord, 0, len(records))
	for _, record := range records {
		if err := s.store.Insert(ctx, record); err != nil {
			return stored, fmt.Errorf("memory: failed to store record %s: %w", record.ID, err)
		}
		stored = append(stored, record)
	}
	return stored, nil
}

func (s *Service) newRecord(in StoreInput) (*types.MemoryRecord, error) {
	importance := DefaultImportance
	if in.Importance != nil {
		importance = *in.Importance
	}

	now := s.now().UTC()
	record := &types.MemoryRecord{
		ID:                uuid.NewString(),
		Type:              in.Type,
		Content:           in.Content,
		Importance:        importance,
		LastAccessed:      now,
		Source:            in.Source,
		RelatedProfileIDs: in.RelatedProfileIDs,
		RelatedBranchIDs:  in.RelatedBranchIDs,
		Tags:              in.Tags,
		Embedding:         in.Embedding,
		CreatedAt:         now,
		ExpiresAt:         in.ExpiresAt,
		Status:            types.MemoryActive,
	}

	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("memory: %w: %v", storage.ErrInvalidInput, err)
	}

	if len(in.Embedding) > 0 {
		if dims := s.embedder.Dimensions(); dims > 0 && len(in.Embedding) != dims {
			return nil, fmt.Errorf("memory: %w: %w: got %d, want %d",
				storage.ErrInvalidInput, embedding.ErrDimensionMismatch, len(in.Embedding), dims)
		}
	}

	return record, nil
}

// Query describes a scored retrieval.
type Query struct {
	// Text is embedded to compute relevance unless Embedding is set.
	Text      string
	Embedding []float32

	Types         []types.MemoryType
	ProfileID     string   // keep records related to this profile
	Tags          []string // keep records carrying at least one of these tags
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// Weights defaults to DefaultWeights when nil.
	Weights *Weights

	Limit    int
	MinScore float64
}

// Retrieve returns the highest scoring active records for q, best first,
// and records an access on each one returned. Failures are logged and yield
// an empty result; an empty result is never an error.
func (s *Service) Retrieve(ctx context.Context, q Query) []types.ScoredMemory {
	limit := q.Limit
	if limit < 1 {
		limit = DefaultLimit
	}
	weights := DefaultWeights()
	if q.Weights != nil {
		weights = *q.Weights
	}

	queryVec := q.Embedding
	if len(queryVec) == 0 && q.Text != "" {
		vec, err := s.embedder.EmbedQuery(ctx, q.Text)
		if err != nil {
			s.logger.Warn("memory: query embedding failed, returning no memories", "error", err)
			return nil
		}
		queryVec = vec
	}

	now := s.now().UTC()
	candidates, err := s.store.Candidates(ctx, storage.CandidateQuery{
		Types:         q.Types,
		CreatedAfter:  q.CreatedAfter,
		CreatedBefore: q.CreatedBefore,
		Limit:         limit * CandidateMultiplier,
		Now:           now,
		Embedding:     queryVec,
	})
	if err != nil {
		s.logger.Warn("memory: candidate query failed, returning no memories", "error", err)
		return nil
	}

	scored := make([]types.ScoredMemory, 0, len(candidates))
	for i := range candidates {
		record := &candidates[i]
		if !matchesFilters(record, q) {
			continue
		}
		score, breakdown := Score(record, queryVec, weights, now)
		if score < q.MinScore {
			continue
		}
		scored = append(scored, types.ScoredMemory{Memory: *record, Score: score, Breakdown: breakdown})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Memory.Importance != b.Memory.Importance {
			return a.Memory.Importance > b.Memory.Importance
		}
		return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	if len(scored) == 0 {
		return nil
	}

	ids := make([]string, len(scored))
	for i := range scored {
		ids[i] = scored[i].Memory.ID
	}
	if err := s.store.RecordAccess(ctx, ids, now); err != nil {
		s.logger.Warn("memory: failed to record access", "count", len(ids), "error", err)
	} else {
		for i := range scored {
			scored[i].Memory.LastAccessed = now
			scored[i].Memory.AccessCount++
		}
	}

	return scored
}

func matchesFilters(record *types.MemoryRecord, q Query) bool {
	if q.ProfileID != "" && !record.RelatesToProfile(q.ProfileID) {
		return false
	}
	if len(q.Tags) > 0 {
		for _, tag := range q.Tags {
			if record.HasTag(tag) {
				return true
			}
		}
		return false
	}
	return true
}

// Get returns a record by ID regardless of status.
func (s *Service) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	return s.store.Get(ctx, id)
}

// Archive soft-deletes a record; it no longer appears in retrieval.
func (s *Service) Archive(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, types.MemoryArchived)
}

// Fade marks a record as faded; it no longer appears in retrieval.
func (s *Service) Fade(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, types.MemoryFaded)
}

func (s *Service) setStatus(ctx context.Context, id string, status types.MemoryStatus) error {
	if err := s.store.UpdateStatus(ctx, id, status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("memory: failed to set status %s on %s: %w", status, id, err)
	}
	return nil
}

// ExpireDue fades every active record whose expiry has passed.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	n, err := s.store.ExpireDue(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("memory: failed to expire records: %w", err)
	}
	if n > 0 {
		s.logger.Info("memory: faded expired records", "count", n)
	}
	return n, nil
}
