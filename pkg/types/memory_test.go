package types_test

import (
	"testing"
	"time"

	"github.com/scrypster/zedcore/pkg/types"
)

func TestMemoryRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		record  types.MemoryRecord
		wantErr bool
	}{
		{"valid", types.MemoryRecord{Type: types.MemorySemantic, Content: "x", Importance: 0.5}, false},
		{"empty content", types.MemoryRecord{Type: types.MemorySemantic, Importance: 0.5}, true},
		{"unknown type", types.MemoryRecord{Type: "dream", Content: "x"}, true},
		{"importance above one", types.MemoryRecord{Type: types.MemoryEpisodic, Content: "x", Importance: 1.2}, true},
		{"negative importance", types.MemoryRecord{Type: types.MemoryEpisodic, Content: "x", Importance: -0.1}, true},
		{"unknown status", types.MemoryRecord{Type: types.MemoryEpisodic, Content: "x", Status: "deleted"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMemoryRecordExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	m := types.MemoryRecord{}
	if m.Expired(now) {
		t.Error("record without ExpiresAt must never expire")
	}
	m.ExpiresAt = &past
	if !m.Expired(now) {
		t.Error("record with past ExpiresAt must be expired")
	}
	m.ExpiresAt = &future
	if m.Expired(now) {
		t.Error("record with future ExpiresAt must not be expired")
	}
}

func TestBranchStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to types.BranchStatus
		want     bool
	}{
		{types.BranchActive, types.BranchDormant, true},
		{types.BranchActive, types.BranchClosed, true},
		{types.BranchDormant, types.BranchActive, true},
		{types.BranchDormant, types.BranchClosed, true},
		{types.BranchClosed, types.BranchActive, false},
		{types.BranchClosed, types.BranchDormant, false},
		{types.BranchActive, types.BranchActive, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestBranchAddParticipantIsIdempotent(t *testing.T) {
	b := types.Branch{}
	now := time.Now()

	if !b.AddParticipant(types.ProfileRef{ProfileID: "p1", DisplayName: "Ana"}, now) {
		t.Fatal("first AddParticipant should report a change")
	}
	if b.AddParticipant(types.ProfileRef{ProfileID: "p1", DisplayName: "Ana B."}, now.Add(time.Hour)) {
		t.Error("second AddParticipant for the same profile should be a no-op")
	}
	if len(b.Participants) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(b.Participants))
	}
	if b.Participants[0].DisplayName != "Ana" {
		t.Errorf("existing participant must not be overwritten, got %q", b.Participants[0].DisplayName)
	}
}

func TestStoredMessageFromZed(t *testing.T) {
	m := types.StoredMessage{SenderProfileID: types.ZedProfileID}
	if !m.FromZed() {
		t.Error("message from the sentinel profile should report FromZed")
	}
	m.SenderProfileID = "p1"
	if m.FromZed() {
		t.Error("message from a human profile should not report FromZed")
	}
}
