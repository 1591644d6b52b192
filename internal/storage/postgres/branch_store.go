package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
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

	fields, err := encodeBranch(branch)
	if err != nil {
		return nil, false, err
	}

	status := branch.Status
	if status == "" {
		status = types.BranchActive
	}

	query := `INSERT INTO branches (` + branchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (channel_id, conversation_id) DO UPDATE SET
			last_activity_at_ms = GREATEST(branches.last_activity_at_ms, EXCLUDED.last_activity_at_ms)
		RETURNING ` + branchColumns

	row := s.db.QueryRowContext(ctx, query,
		branch.ID,
		branch.ChannelType,
		branch.ChannelID,
		branch.ConversationID,
		fields.participants,
		string(status),
		fields.mood,
		nullableString(branch.CurrentTopic),
		fields.summary,
		nullableString(branch.SummaryUpToMessageID),
		fields.pending,
		storage.ToMillis(branch.CreatedAt),
		storage.ToMillis(branch.LastActivityAt),
		fields.lastZed,
	)

	stored, err := scanBranch(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert branch: %w", err)
	}
	return stored, stored.ID == branch.ID, nil
}

// GetBranch retrieves a branch by ID.
func (s *Store) GetBranch(ctx context.Context, id string) (*types.Branch, error) {
	branch, err := scanBranch(s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = $1`, id))
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
	branch, err := scanBranch(s.db.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE channel_id = $1 AND conversation_id = $2`,
		channelID, conversationID))
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

	fields, err := encodeBranch(branch)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE branches SET
			participants = $1, status = $2, mood = $3, current_topic = $4, summary = $5,
			summary_up_to_message_id = $6, pending_actions = $7,
			last_activity_at_ms = $8, last_zed_response_at_ms = $9
		WHERE id = $10`,
		fields.participants,
		string(branch.Status),
		fields.mood,
		nullableString(branch.CurrentTopic),
		fields.summary,
		nullableString(branch.SummaryUpToMessageID),
		fields.pending,
		storage.ToMillis(branch.LastActivityAt),
		fields.lastZed,
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
		p     params
		where []string
	)
	if len(filter.Statuses) > 0 {
		names := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			names[i] = string(st)
		}
		where = append(where, "status IN "+p.in(names))
	}
	if filter.ExcludeID != "" {
		where = append(where, "id <> "+p.add(filter.ExcludeID))
	}
	if !filter.ActiveSince.IsZero() {
		where = append(where, "last_activity_at_ms >= "+p.add(storage.ToMillis(filter.ActiveSince)))
	}

	query := `SELECT ` + branchColumns + ` FROM branches`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY last_activity_at_ms DESC, id ASC LIMIT ` + p.add(filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, p.args...)
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
		`UPDATE branches SET status = $1 WHERE status = $2 AND last_activity_at_ms < $3`,
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
// participant list, using jsonb containment on the envelope payload.
func (s *Store) HasParticipant(ctx context.Context, profileID string) (bool, error) {
	probe, err := json.Marshal([]map[string]string{{"profile_id": profileID}})
	if err != nil {
		return false, fmt.Errorf("failed to encode participant probe: %w", err)
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM branches WHERE participants -> 'data' @> $1::jsonb)`,
		string(probe)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return exists, nil
}

type branchFields struct {
	participants, mood, pending string
	summary                     sql.NullString
	lastZed                     sql.NullInt64
}

func encodeBranch(branch *types.Branch) (branchFields, error) {
	var (
		f   branchFields
		err error
	)
	if f.participants, err = storage.EncodeJSON(branch.Participants); err != nil {
		return f, fmt.Errorf("failed to encode participants: %w", err)
	}
	if f.mood, err = storage.EncodeJSON(branch.Mood); err != nil {
		return f, fmt.Errorf("failed to encode mood: %w", err)
	}
	if f.pending, err = storage.EncodeJSON(branch.PendingActions); err != nil {
		return f, fmt.Errorf("failed to encode pending actions: %w", err)
	}
	if branch.Summary != nil {
		f.summary = sql.NullString{String: *branch.Summary, Valid: true}
	}
	if branch.LastZedResponseAt != nil {
		f.lastZed = nullableMillis(storage.ToMillis(*branch.LastZedResponseAt))
	}
	return f, nil
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
