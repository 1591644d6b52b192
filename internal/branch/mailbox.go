package branch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/zedcore/internal/storage"
	"github.com/scrypster/zedcore/pkg/types"
)

// NoticeInput addresses a notice to a branch, a profile, or both.
type NoticeInput struct {
	TargetBranchID  string
	TargetProfileID string
	SourceBranchID  string
	Content         string
}

// PostNotice queues a cross-branch notice. It stays pending until delivered.
func (m *Manager) PostNotice(ctx context.Context, in NoticeInput) (*types.Notice, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, fmt.Errorf("branch: %w: notice content is required", storage.ErrInvalidInput)
	}
	if in.TargetBranchID == "" && in.TargetProfileID == "" {
		return nil, fmt.Errorf("branch: %w: notice needs a target branch or profile", storage.ErrInvalidInput)
	}

	n := &types.Notice{
		ID:              uuid.NewString(),
		TargetBranchID:  in.TargetBranchID,
		TargetProfileID: in.TargetProfileID,
		SourceBranchID:  in.SourceBranchID,
		Content:         content,
		CreatedAt:       m.now().UTC(),
	}
	if err := m.store.CreateNotice(ctx, n); err != nil {
		return nil, fmt.Errorf("branch: failed to post notice: %w", err)
	}
	m.logger.Debug("branch: notice posted", "notice_id", n.ID, "target_branch_id", n.TargetBranchID, "target_profile_id", n.TargetProfileID)
	return n, nil
}

// PendingNotices returns undelivered notices for a branch or profile without
// consuming them.
func (m *Manager) PendingNotices(ctx context.Context, branchID, profileID string) ([]types.Notice, error) {
	notices, err := m.store.PendingNotices(ctx, branchID, profileID)
	if err != nil {
		return nil, fmt.Errorf("branch: failed to load notices: %w", err)
	}
	return notices, nil
}

// DeliverNotices fetches the pending notices for a branch or profile and
// marks them delivered.
func (m *Manager) DeliverNotices(ctx context.Context, branchID, profileID string) ([]types.Notice, error) {
	notices, err := m.PendingNotices(ctx, branchID, profileID)
	if err != nil || len(notices) == 0 {
		return notices, err
	}

	ids := make([]string, len(notices))
	for i := range notices {
		ids[i] = notices[i].ID
	}
	if err := m.MarkNoticesDelivered(ctx, ids); err != nil {
		return nil, err
	}

	at := m.now().UTC()
	for i := range notices {
		notices[i].DeliveredAt = &at
	}
	return notices, nil
}

// MarkNoticesDelivered stamps the listed notices as delivered.
func (m *Manager) MarkNoticesDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := m.store.MarkDelivered(ctx, ids, m.now().UTC()); err != nil {
		return fmt.Errorf("branch: failed to mark notices delivered: %w", err)
	}
	return nil
}

// CleanupNotices deletes notices delivered more than retention ago.
func (m *Manager) CleanupNotices(ctx context.Context, retention time.Duration) (int, error) {
	n, err := m.store.CleanupNotices(ctx, m.now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("branch: failed to clean up notices: %w", err)
	}
	if n > 0 {
		m.logger.Debug("branch: notices cleaned up", "count", n)
	}
	return n, nil
}
