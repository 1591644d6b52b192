package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/scrypster/zedcore/internal/storage"
	"github.com/scrypster/zedcore/pkg/types"
)

const messageColumns = `id, branch_id, sender_profile_id, content, timestamp_ms, metadata`

// AppendMessage inserts msg and touches its branch in one transaction.
func (s *Store) AppendMessage(ctx context.Context, msg *types.StoredMessage) error {
	if msg == nil || msg.ID == "" || msg.BranchID == "" || msg.SenderProfileID == "" {
		return fmt.Errorf("%w: message ID, branch ID and sender are required", storage.ErrInvalidInput)
	}

	content, err := storage.EncodeJSON(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}
	metadata, err := storage.EncodeJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode message metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := storage.ToMillis(msg.Timestamp)

	touch := `UPDATE branches SET last_activity_at_ms = GREATEST(last_activity_at_ms, $1) WHERE id = $2`
	if msg.FromZed() {
		touch = `UPDATE branches SET
			last_activity_at_ms = GREATEST(last_activity_at_ms, $1),
			last_zed_response_at_ms = GREATEST(COALESCE(last_zed_response_at_ms, 0), $1)
		WHERE id = $2`
	}

	res, err := tx.ExecContext(ctx, touch, ts, msg.BranchID)
	if err != nil {
		return fmt.Errorf("failed to touch branch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO stored_messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.BranchID, msg.SenderProfileID, content, ts, metadata)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: message %s already exists", storage.ErrInvalidInput, msg.ID)
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// RecentMessages returns the newest limit messages in chronological order.
func (s *Store) RecentMessages(ctx context.Context, branchID string, limit int) ([]types.StoredMessage, error) {
	if limit < 1 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT seq, `+messageColumns+` FROM stored_messages
			WHERE branch_id = $1
			ORDER BY timestamp_ms DESC, seq DESC
			LIMIT $2
		) recent ORDER BY timestamp_ms ASC, seq ASC`, branchID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// MessagesAfter returns the messages that follow afterID in (timestamp, seq)
// order. An empty or unknown afterID starts at the first message of the branch.
func (s *Store) MessagesAfter(ctx context.Context, branchID, afterID string, limit int) ([]types.StoredMessage, error) {
	if limit < 1 {
		return nil, nil
	}

	afterTs, afterSeq := int64(math.MinInt64), int64(0)
	if afterID != "" {
		err := s.db.QueryRowContext(ctx,
			`SELECT timestamp_ms, seq FROM stored_messages WHERE id = $1 AND branch_id = $2`,
			afterID, branchID).Scan(&afterTs, &afterSeq)
		if errors.Is(err, sql.ErrNoRows) {
			afterTs, afterSeq = math.MinInt64, 0
		} else if err != nil {
			return nil, fmt.Errorf("failed to locate message %s: %w", afterID, err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM stored_messages
		WHERE branch_id = $1 AND (timestamp_ms, seq) > ($2, $3)
		ORDER BY timestamp_ms ASC, seq ASC
		LIMIT $4`, branchID, afterTs, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// CountMessages returns the number of messages on a branch.
func (s *Store) CountMessages(ctx context.Context, branchID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stored_messages WHERE branch_id = $1`, branchID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]types.StoredMessage, error) {
	var out []types.StoredMessage
	for rows.Next() {
		var (
			msg               types.StoredMessage
			content, metadata sql.NullString
			ts                int64
		)
		if err := rows.Scan(&msg.ID, &msg.BranchID, &msg.SenderProfileID, &content, &ts, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Content = storage.DecodeOrEmpty[types.MessageContent]("stored_messages.content", content.String)
		msg.Metadata = storage.DecodeOrEmpty[map[string]string]("stored_messages.metadata", metadata.String)
		msg.Timestamp = storage.FromMillis(ts)
		out = append(out, msg)
	}
	return out, rows.Err()
}
