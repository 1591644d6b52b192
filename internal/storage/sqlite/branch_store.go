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

const branchColumns = `id, channel_type, channel_id, conversation_id, participants, status,
	mood, current_topic, summary, summary_up_to_message_id, pending_actions,
	created_at_ms, last_activity_at_ms, last_zed_response_at_ms`

// UpsertBranch inserts branch or touches the existing row with the same key.
func (s *Store) UpsertBranch(ctx context.Context, branch *types.Branch) (*types.Branch, bool, error) {
	if branch == nil || branch.ID == "" || branch.ChannelID == "" || branch.ConversationID == "" {
		return nil, false, fmt.Errorf("%w: branch ID, channel ID and conversation ID are required", storage.ErrInvalidInput)
	}

	args, err := branchArgs(branch)
	if err != nil {
		return nil, false, err
	}

	query := `INSERT INTO branches (` + branchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, conversation_id) DO UPDATE SET
			last_activity_at_ms = MAX(branches.last_activity_at_ms, excluded.last_activity_at_ms)
		RETURNING ` + branchColumns

	stored, err := scanBranch(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert branch: %w", err)
	}

	return stored, stored.ID == branch.ID, nil
}

// GetBranch retrieves a branch by ID.
func (s *Store) GetBranch(ctx context.Context, id string) (*types.Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = ?`, id)
	branch, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	return branch, nil
}

// GetBranchByKey retrieves a branch by (channelID, conversationID).
func (s *Store) GetBranchByKey(ctx context.Context, channelID, conversationID string) (*types.Branch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE channel_id = ? AND conversation_id = ?`,
		channelID, conversationID)
	branch, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch by key: %w", err)
	}
	return branch, nil
}

// UpdateBranch overwrites the mutable fields of a branch.
func (s *Store) UpdateBranch(ctx context.Context, branch *types.Branch) error {
	if branch == nil || branch.ID == "" {
		return fmt.Errorf("%w: branch ID is required", storage.ErrInvalidInput)
	}

	participants, mood, pending, err := encodeBranchJSON(branch)
	if err != nil {
		return err
	}

	var summary sql.NullString
	if branch.Summary != nil {
		summary = sql.NullString{String: *branch.Summary, Valid: true}
	}
	var lastZed int64
	if branch.LastZedResponseAt != nil {
		lastZed = storage.ToMillis(*branch.LastZedResponseAt)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE branches SET
			participants = ?, status = ?, mood = ?, current_topic = ?, summary = ?,
			summary_up_to_message_id = ?, pending_actions = ?,
			last_activity_at_ms = ?, last_zed_response_at_ms = ?
		WHERE id = ?`,
		participants,
		string(branch.Status),
		mood,
		nullableString(branch.CurrentTopic),
		summary,
		nullableString(branch.SummaryUpToMessageID),
		pending,
		storage.ToMillis(branch.LastActivityAt),
		nullableMillis(lastZed),
		branch.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update branch: %w", err)
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

// ListBranches returns branches matching filter, most recently active first.
func (s *Store) ListBranches(ctx context.Context, filter storage.BranchFilter) ([]types.Branch, error) {
	filter.Normalize()

	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN "+buildInClause(len(filter.Statuses)))
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.ExcludeID != "" {
		where = append(where, "id != ?")
		args = append(args, filter.ExcludeID)
	}
	if !filter.ActiveSince.IsZero() {
		where = append(where, "last_activity_at_ms >= ?")
		args = append(args, storage.ToMillis(filter.ActiveSince))
	}

	query := `SELECT ` + branchColumns + ` FROM branches`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY last_activity_at_ms DESC, id ASC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Branch
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		out = append(out, *branch)
	}
	return out, rows.Err()
}

// MarkDormant demotes idle active branches.
func (s *Store) MarkDormant(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE branches SET status = ? WHERE status = ? AND last_activity_at_ms < ?`,
		string(types.BranchDormant), string(types.BranchActive), storage.ToMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to mark branches dormant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// HasParticipant reports whether profileID appears in any branch's
// participant list. Rows with malformed participant JSON are skipped.
func (s *Store) HasParticipant(ctx context.Context, profileID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1
		FROM (SELECT participants FROM branches WHERE json_valid(participants)) b,
			json_each(b.participants, '$.data') j
		WHERE j.type = 'object' AND json_extract(j.value, '$.profile_id') = ?
		LIMIT 1`, profileID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return true, nil
}

func encodeBranchJSON(branch *types.Branch) (participants, mood, pending string, err error) {
	if participants, err = storage.EncodeJSON(branch.Participants); err != nil {
		return "", "", "", fmt.Errorf("failed to encode participants: %w", err)
	}
	if mood, err = storage.EncodeJSON(branch.Mood); err != nil {
		return "", "", "", fmt.Errorf("failed to encode mood: %w", err)
	}
	if pending, err = storage.EncodeJSON(branch.PendingActions); err != nil {
		return "", "", "", fmt.Errorf("failed to encode pending actions: %w", err)
	}
	return participants, mood, pending, nil
}

func branchArgs(branch *types.Branch) ([]any, error) {
	participants, mood, pending, err := encodeBranchJSON(branch)
	if err != nil {
		return nil, err
	}

	status := branch.Status
	if status == "" {
		status = types.BranchActive
	}

	var summary sql.NullString
	if branch.Summary != nil {
		summary = sql.NullString{String: *branch.Summary, Valid: true}
	}
	var lastZed int64
	if branch.LastZedResponseAt != nil {
		lastZed = storage.ToMillis(*branch.LastZedResponseAt)
	}

	return []any{
		branch.ID,
		branch.ChannelType,
		branch.ChannelID,
		branch.ConversationID,
		participants,
		string(status),
		mood,
		nullableString(branch.CurrentTopic),
		summary,
		nullableString(branch.SummaryUpToMessageID),
		pending,
		storage.ToMillis(branch.CreatedAt),
		storage.ToMillis(branch.LastActivityAt),
		nullableMillis(lastZed),
	}, nil
}

func scanBranch(row rowScanner) (*types.Branch, error) {
	var (
		branch                      types.Branch
		status                      string
		participants, mood, pending sql.NullString
		topic, summary, summaryUpTo sql.NullString
		createdAt, lastActivity     int64
		lastZed                     sql.NullInt64
	)

	err := row.Scan(
		&branch.ID,
		&branch.ChannelType,
		&branch.ChannelID,
		&branch.ConversationID,
		&participants,
		&status,
		&mood,
		&topic,
		&summary,
		&summaryUpTo,
		&pending,
		&createdAt,
		&lastActivity,
		&lastZed,
	)
	if err != nil {
		return nil, err
	}

	branch.Status = types.BranchStatus(status)
	branch.CurrentTopic = topic.String
	if summary.Valid {
		text := summary.String
		branch.Summary = &text
	}
	branch.SummaryUpToMessageID = summaryUpTo.String
	branch.CreatedAt = storage.FromMillis(createdAt)
	branch.LastActivityAt = storage.FromMillis(lastActivity)
	if lastZed.Valid {
		t := storage.FromMillis(lastZed.Int64)
		branch.LastZedResponseAt = &t
	}

	branch.Participants = storage.DecodeOrEmpty[[]types.Participant]("branches.participants", participants.String)
	branch.Mood = storage.DecodeOrEmpty[types.Mood]("branches.mood", mood.String)
	branch.PendingActions = storage.DecodeOrEmpty[[]types.PendingAction]("branches.pending_actions", pending.String)

	return &branch, nil
}
