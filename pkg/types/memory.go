package types

import (
	"errors"
	"fmt"
	"time"
)

// MemorySource describes where a memory record came from.
type MemorySource struct {
	Kind      string `json:"kind"`                 // e.g. "consolidation", "conversation", "manual"
	BranchID  string `json:"branch_id,omitempty"`  // branch the memory was observed in
	MessageID string `json:"message_id,omitempty"` // message the memory was derived from
	Detail    string `json:"detail,omitempty"`
}

// MemoryRecord is a scored, embedded unit of durable knowledge.
type MemoryRecord struct {
	ID                string       `json:"id"`
	Type              MemoryType   `json:"type"`
	Content           string       `json:"content"`
	Importance        float64      `json:"importance"` // 0.0-1.0
	LastAccessed      time.Time    `json:"last_accessed"`
	AccessCount       int          `json:"access_count"`
	Source            MemorySource `json:"source"`
	RelatedProfileIDs []string     `json:"related_profile_ids,omitempty"`
	RelatedBranchIDs  []string     `json:"related_branch_ids,omitempty"`
	Tags              []string     `json:"tags,omitempty"`
	Embedding         []float32    `json:"embedding,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	ExpiresAt         *time.Time   `json:"expires_at,omitempty"`
	Status            MemoryStatus `json:"status"`
}

// Validate checks the fields a store requires before persisting a record.
func (m *MemoryRecord) Validate() error {
	if m.Content == "" {
		return errors.New("content is required")
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("invalid memory type %q", m.Type)
	}
	if m.Status != "" && !m.Status.IsValid() {
		return fmt.Errorf("invalid memory status %q", m.Status)
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("importance must be between 0 and 1, got %v", m.Importance)
	}
	return nil
}

// Expired reports whether the record has an expiry at or before now.
func (m *MemoryRecord) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// HasTag reports whether tag is attached to the record.
func (m *MemoryRecord) HasTag(tag string) bool {
	return containsString(m.Tags, tag)
}

// RelatesToProfile reports whether profileID is listed as related.
func (m *MemoryRecord) RelatesToProfile(profileID string) bool {
	return containsString(m.RelatedProfileIDs, profileID)
}

// ScoreBreakdown holds the individual components of a retrieval score.
type ScoreBreakdown struct {
	RecencyScore    float64 `json:"recency_score"`
	ImportanceScore float64 `json:"importance_score"`
	RelevanceScore  float64 `json:"relevance_score"`
}

// ScoredMemory is an ephemeral retrieval result; it is never persisted.
type ScoredMemory struct {
	Memory    MemoryRecord   `json:"memory"`
	Score     float64        `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// BufferEntry is a raw turn event awaiting consolidation.
type BufferEntry struct {
	ID        string            `json:"id"`
	BranchID  string            `json:"branch_id,omitempty"`
	EventType string            `json:"event_type"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
