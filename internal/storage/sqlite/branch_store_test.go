package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/scrypster/zedcore/internal/storage"
	"github.com/scrypster/zedcore/pkg/types"
)

func testBranch(id, channelID, conversationID string, at time.Time) *types.Branch {
	return &types.Branch{
		ID:             id,
		ChannelType:    "slack",
		ChannelID:      channelID,
		ConversationID: conversationID,
		Status:         types.BranchActive,
		CreatedAt:      at,
		LastActivityAt: at,
	}
}

func mustUpsert(t *testing.T, store *Store, b *types.Branch) *types.Branch {
	t.Helper()
	got, _, err := store.UpsertBranch(context.Background(), b)
	if err != nil {
		t.Fatalf("UpsertBranch(%s) failed: %v", b.ID, err)
	}
	return got
}

func TestUpsertBranchCreatesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000).UTC()

	first, created, err := store.UpsertBranch(ctx, testBranch("b-1", "C1", "T1", t0))
	if err != nil {
		t.Fatalf("UpsertBranch() failed: %v", err)
	}
	if !created || first.ID != "b-1" {
		t.Fatalf("first upsert: created=%v id=%s, want created b-1", created, first.ID)
	}

	t1 := t0.Add(time.Minute)
	second, created, err := store.UpsertBranch(ctx, testBranch("b-2", "C1", "T1", t1))
	if err != nil {
		t.Fatalf("UpsertBranch() failed: %v", err)
	}
	if created {
		t.Error("second upsert reported created")
	}
	if second.ID != "b-1" {
		t.Errorf("second upsert: got id %s, want b-1", second.ID)
	}
	if !second.LastActivityAt.Equal(t1) {
		t.Errorf("LastActivityAt: got %v, want %v", second.LastActivityAt, t1)
	}
	if !second.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt changed: got %v, want %v", second.CreatedAt, t0)
	}

	if _, err := store.GetBranch(ctx, "b-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetBranch(b-2): got %v, want ErrNotFound", err)
	}
}

func TestUpsertBranchConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		seen    = map[string]bool{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, c, err := store.UpsertBranch(ctx, testBranch(fmt.Sprintf("b-%d", i), "C", "T", now))
			if err != nil {
				t.Errorf("UpsertBranch() failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			seen[b.ID] = true
			if c {
				created++
			}
		}(i)
	}
	wg.Wait()

	if created != 1 || len(seen) != 1 {
		t.Errorf("concurrent upserts: created=%d distinct=%d, want 1 and 1", created, len(seen))
	}
}

func TestUpdateBranchRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	b := mustUpsert(t, store, testBranch("b-1", "C1", "T1", now))

	summary := "They planned the offsite."
	due := now.Add(24 * time.Hour)
	b.Summary = &summary
	b.SummaryUpToMessageID = "m-5"
	b.CurrentTopic = "offsite"
	b.Mood = types.Mood{Tone: "excited", Confidence: 0.8}
	b.PendingActions = []types.PendingAction{{ID: "pa-1", Kind: "reminder", Description: "book venue", CreatedAt: now, DueAt: &due}}
	b.AddParticipant(types.ProfileRef{ProfileID: "alice", DisplayName: "Alice"}, now)
	b.Status = types.BranchDormant

	if err := store.UpdateBranch(ctx, b); err != nil {
		t.Fatalf("UpdateBranch() failed: %v", err)
	}

	got, err := store.GetBranchByKey(ctx, "C1", "T1")
	if err != nil {
		t.Fatalf("GetBranchByKey() failed: %v", err)
	}
	if got.SummaryText() != summary || got.SummaryUpToMessageID != "m-5" {
		t.Errorf("summary: got %q up to %q", got.SummaryText(), got.SummaryUpToMessageID)
	}
	if got.CurrentTopic != "offsite" || got.Mood.Tone != "excited" {
		t.Errorf("topic/mood: got %q %+v", got.CurrentTopic, got.Mood)
	}
	if len(got.PendingActions) != 1 || got.PendingActions[0].DueAt == nil {
		t.Errorf("PendingActions: got %+v", got.PendingActions)
	}
	if !got.HasParticipant("alice") {
		t.Error("participant alice not persisted")
	}
	if got.Status != types.BranchDormant {
		t.Errorf("Status: got %q, want dormant", got.Status)
	}

	missing := testBranch("nope", "C", "T", now)
	if err := store.UpdateBranch(ctx, missing); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateBranch(missing): got %v, want ErrNotFound", err)
	}
}

func TestListBranchesAndMarkDormant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()

	mustUpsert(t, store, testBranch("old", "C", "1", base))
	mustUpsert(t, store, testBranch("mid", "C", "2", base.Add(time.Hour)))
	mustUpsert(t, store, testBranch("new", "C", "3", base.Add(2*time.Hour)))

	all, err := store.ListBranches(ctx, storage.BranchFilter{})
	if err != nil {
		t.Fatalf("ListBranches() failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "new" || all[2].ID != "old" {
		t.Fatalf("ListBranches(): unexpected order %v", branchIDs(all))
	}

	n, err := store.MarkDormant(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("MarkDormant() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("MarkDormant(): got %d, want 2", n)
	}

	active, err := store.ListBranches(ctx, storage.BranchFilter{Statuses: []types.BranchStatus{types.BranchActive}})
	if err != nil {
		t.Fatalf("ListBranches(active) failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "new" {
		t.Errorf("ListBranches(active): got %v, want [new]", branchIDs(active))
	}

	others, err := store.ListBranches(ctx, storage.BranchFilter{ExcludeID: "new", ActiveSince: base.Add(30 * time.Minute)})
	if err != nil {
		t.Fatalf("ListBranches(exclude) failed: %v", err)
	}
	if len(others) != 1 || others[0].ID != "mid" {
		t.Errorf("ListBranches(exclude, since): got %v, want [mid]", branchIDs(others))
	}
}

func TestHasParticipant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := store.HasParticipant(ctx, "alice")
	if err != nil {
		t.Fatalf("HasParticipant() failed: %v", err)
	}
	if ok {
		t.Fatal("HasParticipant() on empty store returned true")
	}

	b := testBranch("b-1", "C", "T", now)
	b.AddParticipant(types.ProfileRef{ProfileID: "alice"}, now)
	mustUpsert(t, store, b)

	// A row with unreadable participants must not break the lookup.
	mustUpsert(t, store, testBranch("b-2", "C", "U", now))
	if _, err := store.DB().Exec(`UPDATE branches SET participants = 'garbage' WHERE id = 'b-2'`); err != nil {
		t.Fatalf("corrupting row failed: %v", err)
	}

	if ok, err := store.HasParticipant(ctx, "alice"); err != nil || !ok {
		t.Errorf("HasParticipant(alice): got %v, %v, want true", ok, err)
	}
	if ok, err := store.HasParticipant(ctx, "bob"); err != nil || ok {
		t.Errorf("HasParticipant(bob): got %v, %v, want false", ok, err)
	}
}

func branchIDs(branches []types.Branch) []string {
	out := make([]string, len(branches))
	for i, b := range branches {
		out[i] = b.ID
	}
	return out
}
