// Package storage provides composable storage interfaces for the Zed memory
// and context subsystem.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. The Memory Store owns
// memory records and the consolidation buffer; the Branch Store owns branches,
// their messages and the cross-branch notice mailbox.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/zedcore/pkg/types"
)

// MemoryStore persists embedded memory records.
type MemoryStore interface {
	// Insert writes a new record. It never modifies an existing row; inserting
	// a duplicate ID returns ErrInvalidInput.
	Insert(ctx context.Context, record *types.MemoryRecord) error

	// Get retrieves a record by ID regardless of status.
	// Returns ErrNotFound if the record doesn't exist.
	Get(ctx context.Context, id string) (*types.MemoryRecord, error)

	// Candidates returns the retrieval candidate superset: active, unexpired
	// records matching the query filters, ordered by importance descending.
	Candidates(ctx context.Context, q CandidateQuery) ([]types.MemoryRecord, error)

	// RecordAccess sets last_accessed = at and increments access_count for
	// every listed record. Unknown IDs are ignored.
	RecordAccess(ctx context.Context, ids []string, at time.Time) error

	// UpdateStatus performs a soft status transition.
	// Returns ErrNotFound if the record doesn't exist.
	UpdateStatus(ctx context.Context, id string, status types.MemoryStatus) error

	// ExpireDue marks active records whose expires_at is at or before now as
	// faded and returns how many rows changed.
	ExpireDue(ctx context.Context, now time.Time) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// BufferStore is the append-only staging log of raw turn events.
type BufferStore interface {
	// AppendBuffer appends one entry.
	AppendBuffer(ctx context.Context, entry *types.BufferEntry) error

	// BufferSince returns every entry with timestamp >= since, oldest first.
	BufferSince(ctx context.Context, since time.Time) ([]types.BufferEntry, error)

	// ClearBuffer deletes every entry with timestamp <= upTo and returns the
	// number removed.
	ClearBuffer(ctx context.Context, upTo time.Time) (int, error)
}

// BranchStore persists conversation branches.
type BranchStore interface {
	// UpsertBranch inserts branch, or, when a branch with the same
	// (ChannelID, ConversationID) already exists, touches its last activity
	// time. It is a single statement so concurrent first messages on one
	// conversation resolve to one row. The stored row is returned together with
	// whether this call created it.
	UpsertBranch(ctx context.Context, branch *types.Branch) (*types.Branch, bool, error)

	// GetBranch retrieves a branch by ID.
	// Returns ErrNotFound if the branch doesn't exist.
	GetBranch(ctx context.Context, id string) (*types.Branch, error)

	// GetBranchByKey retrieves a branch by its unique conversation key.
	// Returns ErrNotFound if the branch doesn't exist.
	GetBranchByKey(ctx context.Context, channelID, conversationID string) (*types.Branch, error)

	// UpdateBranch overwrites the mutable fields of a branch in one row update.
	// Returns ErrNotFound if the branch doesn't exist.
	UpdateBranch(ctx context.Context, branch *types.Branch) error

	// ListBranches returns branches matching filter, most recently active first.
	ListBranches(ctx context.Context, filter BranchFilter) ([]types.Branch, error)

	// MarkDormant demotes active branches whose last activity is before
	// olderThan and returns the number demoted.
	MarkDormant(ctx context.Context, olderThan time.Time) (int, error)

	// HasParticipant reports whether profileID is a participant of any branch.
	HasParticipant(ctx context.Context, profileID string) (bool, error)
}

// MessageStore persists the append-only message history of branches.
type MessageStore interface {
	// AppendMessage inserts msg and touches the owning branch's last activity
	// (and last Zed response when the sender is the agent) in one transaction.
	// Returns ErrNotFound if the branch doesn't exist.
	AppendMessage(ctx context.Context, msg *types.StoredMessage) error

	// RecentMessages returns up to limit newest messages of a branch in
	// chronological order. Messages sharing a timestamp keep append order.
	RecentMessages(ctx context.Context, branchID string, limit int) ([]types.StoredMessage, error)

	// MessagesAfter returns up to limit messages that follow afterID in
	// chronological order. An empty or unknown afterID starts at the beginning.
	MessagesAfter(ctx context.Context, branchID, afterID string, limit int) ([]types.StoredMessage, error)

	// CountMessages returns the number of messages on a branch.
	CountMessages(ctx context.Context, branchID string) (int, error)
}

// NoticeStore is the durable cross-branch mailbox.
type NoticeStore interface {
	// CreateNotice queues a notice for a target branch or profile.
	CreateNotice(ctx context.Context, notice *types.Notice) error

	// PendingNotices returns undelivered notices addressed to branchID or
	// profileID, oldest first.
	PendingNotices(ctx context.Context, branchID, profileID string) ([]types.Notice, error)

	// MarkDelivered stamps delivered_at on the listed notices.
	MarkDelivered(ctx context.Context, ids []string, at time.Time) error

	// CleanupNotices deletes notices delivered before deliveredBefore and
	// returns the number removed.
	CleanupNotices(ctx context.Context, deliveredBefore time.Time) (int, error)
}

// ConversationStore is everything the Branch Manager needs.
type ConversationStore interface {
	BranchStore
	MessageStore
	NoticeStore
}
