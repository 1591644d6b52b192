package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/zedcore/internal/storage"
	"github.com/scrypster/zedcore/pkg/types"
)

const memoryColumns = `id, type, content, importance, last_accessed_ms, access_count,
	source, related_profile_ids, related_branch_ids, tags, embedding,
	created_at_ms, expires_at_ms, status`

// Insert writes a new memory record.
func (s *Store) Insert(ctx context.Context, record *types.MemoryRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("%w: memory record and ID are required", storage.ErrInvalidInput)
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	status := record.Status
	if status == "" {
		status = types.MemoryActive
	}

	source, err := storage.EncodeJSON(record.Source)
	if err != nil {
		return fmt.Errorf("failed to encode source: %w", err)
	}
	profiles, err := storage.EncodeJSON(record.RelatedProfileIDs)
	if err != nil {
		return fmt.Errorf("failed to encode related profiles: %w", err)
	}
	branches, err := storage.EncodeJSON(record.RelatedBranchIDs)
	if err != nil {
		return fmt.Errorf("failed to encode related branches: %w", err)
	}
	tags, err := storage.EncodeJSON(record.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	var expiresAt int64
	if record.ExpiresAt != nil {
		expiresAt = storage.ToMillis(*record.ExpiresAt)
	}

	query := `INSERT INTO memories (` + memoryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		string(record.Type),
		record.Content,
		record.Importance,
		storage.ToMillis(record.LastAccessed),
		record.AccessCount,
		source,
		profiles,
		branches,
		tags,
		storage.EncodeEmbedding(record.Embedding),
		storage.ToMillis(record.CreatedAt),
		nullableMillis(expiresAt),
		string(status),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: memory %s already exists", storage.ErrInvalidInput, record.ID)
		}
		return fmt.Errorf("failed to insert memory: %w", err)
	}

	return nil
}

// Get retrieves a memory record by ID regardless of status.
func (s *Store) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	record, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return record, nil
}

// Candidates returns active, unexpired records ordered by importance.
// SQLite has no vector index, so q.Embedding is ignored here and relevance
// is computed by the caller over the importance-ordered superset.
func (s *Store) Candidates(ctx context.Context, q storage.CandidateQuery) ([]types.MemoryRecord, error) {
	q.Normalize()

	var (
		where = []string{"status = ?", "(expires_at_ms IS NULL OR expires_at_ms > ?)"}
		args  = []any{string(types.MemoryActive), storage.ToMillis(q.Now)}
	)

	if len(q.Types) > 0 {
		where = append(where, "type IN "+buildInClause(len(q.Types)))
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if !q.CreatedAfter.IsZero() {
		where = append(where, "created_at_ms >= ?")
		args = append(args, storage.ToMillis(q.CreatedAfter))
	}
	if !q.CreatedBefore.IsZero() {
		where = append(where, "created_at_ms < ?")
		args = append(args, storage.ToMillis(q.CreatedBefore))
	}
	args = append(args, q.Limit)

	query := `SELECT ` + memoryColumns + ` FROM memories
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY importance DESC, created_at_ms DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.MemoryRecord
	for rows.Next() {
		record, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, *record)
	}
	return out, rows.Err()
}

// RecordAccess stamps last access and bumps the access counter.
func (s *Store) RecordAccess(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, storage.ToMillis(at))
	for _, id := range ids {
		args = append(args, id)
	}

	query := `UPDATE memories
		SET last_accessed_ms = ?, access_count = access_count + 1
		WHERE id IN ` + buildInClause(len(ids))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	return nil
}

// UpdateStatus performs a soft status transition.
func (s *Store) UpdateStatus(ctx context.Context, id string, status types.MemoryStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid memory status %q", storage.ErrInvalidInput, status)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE memories SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update memory status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ExpireDue fades active records whose expiry has passed.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET status = ?
		WHERE status = ? AND expires_at_ms IS NOT NULL AND expires_at_ms <= ?`,
		string(types.MemoryFaded), string(types.MemoryActive), storage.ToMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to expire memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*types.MemoryRecord, error) {
	var (
		record                           types.MemoryRecord
		typ, status                      string
		lastAccessed, createdAt          int64
		expiresAt                        sql.NullInt64
		source, profiles, branches, tags sql.NullString
		embedding                        []byte
	)

	err := row.Scan(
		&record.ID,
		&typ,
		&record.Content,
		&record.Importance,
		&lastAccessed,
		&record.AccessCount,
		&source,
		&profiles,
		&branches,
		&tags,
		&embedding,
		&createdAt,
		&expiresAt,
		&status,
	)
	if err != nil {
		return nil, err
	}

	record.Type = types.MemoryType(typ)
	record.Status = types.MemoryStatus(status)
	record.LastAccessed = storage.FromMillis(lastAccessed)
	record.CreatedAt = storage.FromMillis(createdAt)
	if expiresAt.Valid {
		t := storage.FromMillis(expiresAt.Int64)
		record.ExpiresAt = &t
	}

	record.Source = storage.DecodeOrEmpty[types.MemorySource]("memories.source", source.String)
	record.RelatedProfileIDs = storage.DecodeOrEmpty[[]string]("memories.related_profile_ids", profiles.String)
	record.RelatedBranchIDs = storage.DecodeOrEmpty[[]string]("memories.related_branch_ids", branches.String)
	record.Tags = storage.DecodeOrEmpty[[]string]("memories.tags", tags.String)

	// A corrupt vector only costs relevance; the record itself stays usable.
	if vec, err := storage.DecodeEmbedding(embedding); err == nil {
		record.Embedding = vec
	}

	return &record, nil
}
