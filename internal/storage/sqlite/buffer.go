package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrypster/zedcore/internal/storage"
	"github.com/scrypster/zedcore/pkg/types"
)

// AppendBuffer appends a raw turn event to the consolidation buffer.
func (s *Store) AppendBuffer(ctx context.Context, entry *types.BufferEntry) error {
	if entry == nil || entry.ID == "" || entry.EventType == "" {
		return fmt.Errorf("%w: buffer entry ID and event type are required", storage.ErrInvalidInput)
	}

	metadata, err := storage.EncodeJSON(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode buffer metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_buffer (id, branch_id, event_type, content, metadata, timestamp_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID,
		nullableString(entry.BranchID),
		entry.EventType,
		entry.Content,
		metadata,
		storage.ToMillis(entry.Timestamp),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: buffer entry %s already exists", storage.ErrInvalidInput, entry.ID)
		}
		return fmt.Errorf("failed to append buffer entry: %w", err)
	}
	return nil
}

// BufferSince returns entries at or after since in append order.
func (s *Store) BufferSince(ctx context.Context, since time.Time) ([]types.BufferEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, branch_id, event_type, content, metadata, timestamp_ms
		FROM memory_buffer
		WHERE timestamp_ms >= ?
		ORDER BY timestamp_ms ASC, seq ASC`,
		storage.ToMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query buffer: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.BufferEntry
	for rows.Next() {
		var (
			entry              types.BufferEntry
			branchID, metadata sql.NullString
			ts                 int64
		)
		if err := rows.Scan(&entry.ID, &branchID, &entry.EventType, &entry.Content, &metadata, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan buffer entry: %w", err)
		}
		entry.BranchID = branchID.String
		entry.Metadata = storage.DecodeOrEmpty[map[string]string]("memory_buffer.metadata", metadata.String)
		entry.Timestamp = storage.FromMillis(ts)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// ClearBuffer deletes entries at or before upTo.
func (s *Store) ClearBuffer(ctx context.Context, upTo time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_buffer WHERE timestamp_ms <= ?`, storage.ToMillis(upTo))
	if err != nil {
		return 0, fmt.Errorf("failed to clear buffer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}
