package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/zedcore/pkg/types"
)

// Buffer event types written by the turn pipeline.
const (
	EventInbound  = "inbound_message"
	EventOutbound = "outbound_message"
)

// BufferInput is a raw turn event to stage for consolidation.
type BufferInput struct {
	BranchID  string
	EventType string
	Content   string
	Metadata  map[string]string

	// Timestamp defaults to now.
	Timestamp time.Time
}

// AppendToBuffer stages a raw event for the external consolidation process.
func (s *Service) AppendToBuffer(ctx context.Context, in BufferInput) (*types.BufferEntry, error) {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	entry := &types.BufferEntry{
		ID:        uuid.NewString(),
		BranchID:  in.BranchID,
		EventType: in.EventType,
		Content:   in.Content,
		Metadata:  in.Metadata,
		Timestamp: ts.UTC(),
	}
	if err := s.buffer.AppendBuffer(ctx, entry); err != nil {
		return nil, fmt.Errorf("memory: failed to append to buffer: %w", err)
	}
	return entry, nil
}

// GetBufferSince returns buffered events at or after since, oldest first.
func (s *Service) GetBufferSince(ctx context.Context, since time.Time) ([]types.BufferEntry, error) {
	entries, err := s.buffer.BufferSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("memory: failed to read buffer: %w", err)
	}
	return entries, nil
}

// ClearBuffer removes the consumed range, every event at or before upTo.
func (s *Service) ClearBuffer(ctx context.Context, upTo time.Time) (int, error) {
	n, err := s.buffer.ClearBuffer(ctx, upTo)
	if err != nil {
		return 0, fmt.Errorf("memory: failed to clear buffer: %w", err)
	}
	return n, nil
}
