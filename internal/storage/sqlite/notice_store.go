package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrypster/zedcore/internal/storage"
	"github.com/scrypster/zedcore/pkg/types"
)

// CreateNotice queues a cross-branch notice.
func (s *Store) CreateNotice(ctx context.Context, notice *types.Notice) error {
	if notice == nil || notice.ID == "" || notice.Content == "" {
		return fmt.Errorf("%w: notice ID and content are required", storage.ErrInvalidInput)
	}
	if notice.TargetBranchID == "" && notice.TargetProfileID == "" {
		return fmt.Errorf("%w: notice needs a target branch or profile", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branch_notices
			(id, target_branch_id, target_profile_id, source_branch_id, content, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		notice.ID,
		nullableString(notice.TargetBranchID),
		nullableString(notice.TargetProfileID),
		nullableString(notice.SourceBranchID),
		notice.Content,
		storage.ToMillis(notice.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: notice %s already exists", storage.ErrInvalidInput, notice.ID)
		}
		return fmt.Errorf("failed to create notice: %w", err)
	}
	return nil
}

// PendingNotices returns undelivered notices for a branch or profile.
func (s *Store) PendingNotices(ctx context.Context, branchID, profileID string) ([]types.Notice, error) {
	if branchID == "" && profileID == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_branch_id, target_profile_id, source_branch_id, content, created_at_ms
		FROM branch_notices
		WHERE delivered_at_ms IS NULL
			AND ((? != '' AND target_branch_id = ?) OR (? != '' AND target_profile_id = ?))
		ORDER BY created_at_ms ASC, id ASC`,
		branchID, branchID, profileID, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Notice
	for rows.Next() {
		var (
			n                           types.Notice
			targetBranch, targetProfile sql.NullString
			sourceBranch                sql.NullString
			createdAt                   int64
		)
		if err := rows.Scan(&n.ID, &targetBranch, &targetProfile, &sourceBranch, &n.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notice: %w", err)
		}
		n.TargetBranchID = targetBranch.String
		n.TargetProfileID = targetProfile.String
		n.SourceBranchID = sourceBranch.String
		n.CreatedAt = storage.FromMillis(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkDelivered stamps delivered_at on the listed notices.
func (s *Store) MarkDelivered(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, storage.ToMillis(at))
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE branch_notices SET delivered_at_ms = ?
		WHERE delivered_at_ms IS NULL AND id IN `+buildInClause(len(ids)), args...)
	if err != nil {
		return fmt.Errorf("failed to mark notices delivered: %w", err)
	}
	return nil
}

// CleanupNotices deletes notices delivered before deliveredBefore.
func (s *Store) CleanupNotices(ctx context.Context, deliveredBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM branch_notices WHERE delivered_at_ms IS NOT NULL AND delivered_at_ms < ?`,
		storage.ToMillis(deliveredBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up notices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}
