// Package branch manages conversation branches: their lifecycle
// (active, dormant, closed), message history, the cross-branch notice
// mailbox and the switchboard view of other live conversations.
package branch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/zedcore/internal/storage"
	"github.com/scrypster/zedcore/pkg/types"
)

// EventKind names a branch lifecycle event.
type EventKind string

const (
	EventCreated     EventKind = "branch_created"
	EventReactivated EventKind = "branch_reactivated"
	EventDormant     EventKind = "branch_dormant"
	EventClosed      EventKind = "branch_closed"
)

// Event reports a lifecycle transition. For EventDormant produced by a
// sweep, BranchID is empty and Count holds the number demoted.
type Event struct {
	Kind     EventKind `json:"kind"`
	BranchID string    `json:"branch_id,omitempty"`
	Count    int       `json:"count,omitempty"`
	At       time.Time `json:"at"`
}

// Manager owns branch and message persistence.
type Manager struct {
	store    storage.ConversationStore
	logger   *slog.Logger
	now      func() time.Time
	observer func(Event)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithObserver registers a callback for lifecycle events. It is called
// synchronously and must not block.
func WithObserver(fn func(Event)) Option {
	return func(m *Manager) { m.observer = fn }
}

// NewManager creates a Manager over store.
func NewManager(store storage.ConversationStore, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("branch: conversation store is required")
	}
	m := &Manager{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Resolution is the outcome of GetOrCreateBranch.
type Resolution struct {
	Branch *types.Branch

	// Created reports whether this call created the branch.
	Created bool

	// FirstContact reports whether the sender was not a participant of any
	// branch before this call. A known sender opening a new branch is not a
	// first contact.
	FirstContact bool
}

// GetOrCreateBranch resolves the branch for (channelID, conversationID),
// creating it with sender as sole participant when none exists. A dormant
// branch is reactivated. Existing active and dormant branches register the
// sender as a participant if needed; closed branches only have their
// activity time touched.
func (m *Manager) GetOrCreateBranch(ctx context.Context, channelType, channelID, conversationID string, sender types.ProfileRef) (*Resolution, error) {
	if channelID == "" || conversationID == "" {
		return nil, fmt.Errorf("branch: %w: channel and conversation IDs are required", storage.ErrInvalidInput)
	}
	if sender.ProfileID == "" {
		return nil, fmt.Errorf("branch: %w: sender profile ID is required", storage.ErrInvalidInput)
	}

	known, err := m.store.HasParticipant(ctx, sender.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("branch: failed to check participant: %w", err)
	}

	now := m.now().UTC()
	candidate := &types.Branch{
		ID:             uuid.NewString(),
		ChannelType:    channelType,
		ChannelID:      channelID,
		ConversationID: conversationID,
		Status:         types.BranchActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	candidate.AddParticipant(sender, now)

	b, created, err := m.store.UpsertBranch(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("branch: failed to resolve branch: %w", err)
	}

	res := &Resolution{Branch: b, Created: created, FirstContact: !known}
	if created {
		m.logger.Info("branch: created", "branch_id", b.ID, "channel_id", channelID, "conversation_id", conversationID)
		m.emit(Event{Kind: EventCreated, BranchID: b.ID, At: now})
		return res, nil
	}

	switch b.Status {
	case types.BranchDormant:
		b.Status = types.BranchActive
		b.LastActivityAt = now
		b.AddParticipant(sender, now)
		if err := m.store.UpdateBranch(ctx, b); err != nil {
			return nil, fmt.Errorf("branch: failed to reactivate %s: %w", b.ID, err)
		}
		m.logger.Info("branch: reactivated", "branch_id", b.ID)
		m.emit(Event{Kind: EventReactivated, BranchID: b.ID, At: now})
	case types.BranchActive:
		if b.AddParticipant(sender, now) {
			if err := m.store.UpdateBranch(ctx, b); err != nil {
				return nil, fmt.Errorf("branch: failed to add participant to %s: %w", b.ID, err)
			}
		}
	}

	return res, nil
}

// MessageInput is a message to append to a branch.
type MessageInput struct {
	BranchID        string
	SenderProfileID string
	Content         types.MessageContent
	Metadata        map[string]string

	// Timestamp defaults to now.
	Timestamp time.Time
}

// AddMessage appends an immutable message and touches the branch's activity
// time (and last agent response time for agent messages). A dormant branch
// is reactivated; a closed branch rejects the message with
// storage.ErrInvalidTransition.
func (m *Manager) AddMessage(ctx context.Context, in MessageInput) (*types.StoredMessage, error) {
	b, err := m.store.GetBranch(ctx, in.BranchID)
	if err != nil {
		return nil, fmt.Errorf("branch: failed to load %s: %w", in.BranchID, err)
	}

	now := m.now().UTC()
	switch b.Status {
	case types.BranchClosed:
		return nil, fmt.Errorf("branch: %w: %s is closed", storage.ErrInvalidTransition, b.ID)
	case types.BranchDormant:
		b.Status = types.BranchActive
		b.LastActivityAt = now
		if err := m.store.UpdateBranch(ctx, b); err != nil {
			return nil, fmt.Errorf("branch: failed to reactivate %s: %w", b.ID, err)
		}
		m.emit(Event{Kind: EventReactivated, BranchID: b.ID, At: now})
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = now
	}

	msg := &types.StoredMessage{
		ID:              uuid.NewString(),
		BranchID:        in.BranchID,
		SenderProfileID: in.SenderProfileID,
		Content:         in.Content,
		Timestamp:       ts.UTC(),
		Metadata:        in.Metadata,
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("branch: failed to append message: %w", err)
	}
	return msg, nil
}

// SweepInactiveBranches demotes active branches idle for longer than
// threshold to dormant and returns how many changed.
func (m *Manager) SweepInactiveBranches(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		return 0, fmt.Errorf("branch: %w: sweep threshold must be positive", storage.ErrInvalidInput)
	}

	now := m.now().UTC()
	n, err := m.store.MarkDormant(ctx, now.Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("branch: failed to sweep inactive branches: %w", err)
	}
	if n > 0 {
		m.logger.Info("branch: marked dormant", "count", n, "threshold", threshold)
		m.emit(Event{Kind: EventDormant, Count: n, At: now})
	}
	return n, nil
}

// CloseBranch moves a branch to the terminal closed state. Closing a closed
// branch is a no-op.
func (m *Manager) CloseBranch(ctx context.Context, branchID string) error {
	closed := false
	err := m.mutate(ctx, branchID, func(b *types.Branch) error {
		if b.Status == types.BranchClosed {
			return errNoChange
		}
		if !b.Status.CanTransition(types.BranchClosed) {
			return fmt.Errorf("%w: %s -> closed", storage.ErrInvalidTransition, b.Status)
		}
		b.Status = types.BranchClosed
		closed = true
		return nil
	})
	if err != nil {
		return err
	}
	if closed {
		m.emit(Event{Kind: EventClosed, BranchID: branchID, At: m.now().UTC()})
	}
	return nil
}

// GetBranch returns a branch by ID.
func (m *Manager) GetBranch(ctx context.Context, branchID string) (*types.Branch, error) {
	return m.store.GetBranch(ctx, branchID)
}

// UpdateSummary replaces the rolling summary, which covers history up to and
// including upToMessageID.
func (m *Manager) UpdateSummary(ctx context.Context, branchID, summary, upToMessageID string) error {
	return m.mutate(ctx, branchID, func(b *types.Branch) error {
		b.Summary = &summary
		b.SummaryUpToMessageID = upToMessageID
		return nil
	})
}

// SetTopic sets the branch's current topic.
func (m *Manager) SetTopic(ctx context.Context, branchID, topic string) error {
	return m.mutate(ctx, branchID, func(b *types.Branch) error {
		b.CurrentTopic = topic
		return nil
	})
}

// SetMood stores a precomputed mood.
func (m *Manager) SetMood(ctx context.Context, branchID string, mood types.Mood) error {
	return m.mutate(ctx, branchID, func(b *types.Branch) error {
		b.Mood = mood
		return nil
	})
}

// SetPendingActions replaces the branch's pending actions.
func (m *Manager) SetPendingActions(ctx context.Context, branchID string, actions []types.PendingAction) error {
	return m.mutate(ctx, branchID, func(b *types.Branch) error {
		b.PendingActions = actions
		return nil
	})
}

// RecentMessages returns up to limit newest messages, oldest first.
func (m *Manager) RecentMessages(ctx context.Context, branchID string, limit int) ([]types.StoredMessage, error) {
	msgs, err := m.store.RecentMessages(ctx, branchID, limit)
	if err != nil {
		return nil, fmt.Errorf("branch: failed to load recent messages: %w", err)
	}
	return msgs, nil
}

// MessagesAfter returns up to limit messages that follow afterID chronologically.
func (m *Manager) MessagesAfter(ctx context.Context, branchID, afterID string, limit int) ([]types.StoredMessage, error) {
	msgs, err := m.store.MessagesAfter(ctx, branchID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("branch: failed to load messages: %w", err)
	}
	return msgs, nil
}

// ListActive returns active branches other than excludeID, most recently
// active first.
func (m *Manager) ListActive(ctx context.Context, excludeID string, limit int) ([]types.Branch, error) {
	branches, err := m.store.ListBranches(ctx, storage.BranchFilter{
		Statuses:  []types.BranchStatus{types.BranchActive},
		ExcludeID: excludeID,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("branch: failed to list active branches: %w", err)
	}
	return branches, nil
}

var errNoChange = errors.New("no change")

// mutate loads a branch, applies fn and writes it back as one row update.
func (m *Manager) mutate(ctx context.Context, branchID string, fn func(*types.Branch) error) error {
	b, err := m.store.GetBranch(ctx, branchID)
	if err != nil {
		return fmt.Errorf("branch: failed to load %s: %w", branchID, err)
	}
	if err := fn(b); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return fmt.Errorf("branch: %w", err)
	}
	if err := m.store.UpdateBranch(ctx, b); err != nil {
		return fmt.Errorf("branch: failed to update %s: %w", branchID, err)
	}
	return nil
}

func (m *Manager) emit(e Event) {
	if m.observer != nil {
		m.observer(e)
	}
}
