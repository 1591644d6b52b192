package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrypster/zedcore/internal/storage"
	"github.com/scrypster/zedcore/pkg/types"
)

// newTestStore creates an in-memory SQLite store for testing. Open applies
// the embedded migrations, so no additional DDL is required in tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(id string, importance float64, created time.Time) *types.MemoryRecord {
	return &types.MemoryRecord{
		ID:           id,
		Type:         types.MemorySemantic,
		Content:      "content of " + id,
		Importance:   importance,
		LastAccessed: created,
		CreatedAt:    created,
		Status:       types.MemoryActive,
	}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.UnixMilli(1_700_000_000_000).UTC()
	expires := now.Add(48 * time.Hour)

	rec := &types.MemoryRecord{
		ID:                "mem-1",
		Type:              types.MemoryEpisodic,
		Content:           "Alice prefers tea over coffee",
		Importance:        0.7,
		LastAccessed:      now,
		AccessCount:       2,
		Source:            types.MemorySource{Kind: "conversation", BranchID: "br-1", MessageID: "msg-9"},
		RelatedProfileIDs: []string{"alice"},
		RelatedBranchIDs:  []string{"br-1"},
		Tags:              []string{"preference", "drinks"},
		Embedding:         []float32{0.25, -0.5, 1},
		CreatedAt:         now,
		ExpiresAt:         &expires,
		Status:            types.MemoryActive,
	}

	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	got, err := store.Get(ctx, "mem-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	if got.Content != rec.Content {
		t.Errorf("Content: got %q, want %q", got.Content, rec.Content)
	}
	if got.Type != types.MemoryEpisodic {
		t.Errorf("Type: got %q, want %q", got.Type, types.MemoryEpisodic)
	}
	if got.Importance != 0.7 {
		t.Errorf("Importance: got %v, want 0.7", got.Importance)
	}
	if got.AccessCount != 2 {
		t.Errorf("AccessCount: got %d, want 2", got.AccessCount)
	}
	if !got.CreatedAt.Equal(now) || !got.LastAccessed.Equal(now) {
		t.Errorf("timestamps: got created=%v accessed=%v, want %v", got.CreatedAt, got.LastAccessed, now)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt: got %v, want %v", got.ExpiresAt, expires)
	}
	if got.Source.BranchID != "br-1" || got.Source.MessageID != "msg-9" {
		t.Errorf("Source: got %+v", got.Source)
	}
	if !got.HasTag("drinks") || !got.RelatesToProfile("alice") {
		t.Errorf("tags/profiles not preserved: %+v %+v", got.Tags, got.RelatedProfileIDs)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != -0.5 {
		t.Errorf("Embedding: got %v, want %v", got.Embedding, rec.Embedding)
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.Insert(ctx, testRecord("dup", 0.5, now)); err != nil {
		t.Fatalf("first Insert() failed: %v", err)
	}
	err := store.Insert(ctx, testRecord("dup", 0.9, now))
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("second Insert(): got %v, want ErrInvalidInput", err)
	}

	got, err := store.Get(ctx, "dup")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Importance != 0.5 {
		t.Errorf("existing row modified: importance %v", got.Importance)
	}
}

func TestInsertRejectsInvalidRecord(t *testing.T) {
	store := newTestStore(t)
	rec := testRecord("bad", 1.5, time.Now())
	if err := store.Insert(context.Background(), rec); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("Insert(): got %v, want ErrInvalidInput", err)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get(): got %v, want ErrNotFound", err)
	}
}

func TestCandidatesFiltersAndOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	low := testRecord("low", 0.1, now)
	mid := testRecord("mid", 0.5, now)
	high := testRecord("high", 0.9, now)
	archived := testRecord("archived", 1.0, now)
	archived.Status = types.MemoryArchived
	past := now.Add(-time.Minute)
	expired := testRecord("expired", 1.0, now)
	expired.ExpiresAt = &past
	procedural := testRecord("proc", 0.3, now)
	procedural.Type = types.MemoryProcedural

	for _, rec := range []*types.MemoryRecord{low, mid, high, archived, expired, procedural} {
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert(%s) failed: %v", rec.ID, err)
		}
	}

	got, err := store.Candidates(ctx, storage.CandidateQuery{Now: now})
	if err != nil {
		t.Fatalf("Candidates() failed: %v", err)
	}

	want := []string{"high", "mid", "proc", "low"}
	if len(got) != len(want) {
		t.Fatalf("Candidates(): got %d records, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("Candidates()[%d]: got %s, want %s", i, got[i].ID, id)
		}
	}

	limited, err := store.Candidates(ctx, storage.CandidateQuery{Now: now, Limit: 2})
	if err != nil {
		t.Fatalf("Candidates(limit) failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "high" {
		t.Errorf("Candidates(limit=2): got %v", ids(limited))
	}

	typed, err := store.Candidates(ctx, storage.CandidateQuery{
		Now:   now,
		Types: []types.MemoryType{types.MemoryProcedural},
	})
	if err != nil {
		t.Fatalf("Candidates(types) failed: %v", err)
	}
	if len(typed) != 1 || typed[0].ID != "proc" {
		t.Errorf("Candidates(procedural): got %v", ids(typed))
	}
}

func TestCandidatesCreatedWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()

	for i, id := range []string{"old", "middle", "new"} {
		if err := store.Insert(ctx, testRecord(id, 0.5, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Insert(%s) failed: %v", id, err)
		}
	}

	got, err := store.Candidates(ctx, storage.CandidateQuery{
		CreatedAfter:  base.Add(30 * time.Minute),
		CreatedBefore: base.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Candidates() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "middle" {
		t.Errorf("Candidates(window): got %v, want [middle]", ids(got))
	}
}

func TestRecordAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_000).UTC()

	if err := store.Insert(ctx, testRecord("a", 0.5, created)); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	later := created.Add(3 * time.Hour)
	if err := store.RecordAccess(ctx, []string{"a", "unknown"}, later); err != nil {
		t.Fatalf("RecordAccess() failed: %v", err)
	}
	if err := store.RecordAccess(ctx, []string{"a"}, later); err != nil {
		t.Fatalf("RecordAccess() failed: %v", err)
	}

	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.AccessCount != 2 {
		t.Errorf("AccessCount: got %d, want 2", got.AccessCount)
	}
	if !got.LastAccessed.Equal(later) {
		t.Errorf("LastAccessed: got %v, want %v", got.LastAccessed, later)
	}
}

func TestUpdateStatusAndExpireDue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	soon := now.Add(time.Hour)
	rec := testRecord("ttl", 0.5, now)
	rec.ExpiresAt = &soon
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := store.Insert(ctx, testRecord("keep", 0.5, now)); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	n, err := store.ExpireDue(ctx, now)
	if err != nil {
		t.Fatalf("ExpireDue() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("ExpireDue(before expiry): got %d, want 0", n)
	}

	n, err = store.ExpireDue(ctx, soon)
	if err != nil {
		t.Fatalf("ExpireDue() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ExpireDue(at expiry): got %d, want 1", n)
	}

	got, _ := store.Get(ctx, "ttl")
	if got.Status != types.MemoryFaded {
		t.Errorf("Status: got %q, want faded", got.Status)
	}

	if err := store.UpdateStatus(ctx, "keep", types.MemoryArchived); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}
	if err := store.UpdateStatus(ctx, "missing", types.MemoryArchived); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateStatus(missing): got %v, want ErrNotFound", err)
	}
	if err := store.UpdateStatus(ctx, "keep", "deleted"); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("UpdateStatus(invalid): got %v, want ErrInvalidInput", err)
	}
}

func TestCorruptJSONColumnFailsClosed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, testRecord("corrupt", 0.5, time.Now())); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE memories SET tags = '{not json' WHERE id = 'corrupt'`); err != nil {
		t.Fatalf("corrupting row failed: %v", err)
	}

	got, err := store.Get(ctx, "corrupt")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if len(got.Tags) != 0 {
		t.Errorf("Tags: got %v, want empty", got.Tags)
	}
}

func TestOpenFileDatabaseReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zed.db")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := store.Insert(context.Background(), testRecord("persisted", 0.5, time.Now())); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	n, err := reopened.Migrate()
	if err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Migrate() on current schema: applied %d, want 0", n)
	}
	if _, err := reopened.Get(context.Background(), "persisted"); err != nil {
		t.Errorf("Get() after reopen failed: %v", err)
	}
}

func TestDBPathFromDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"/tmp/zed.db", "/tmp/zed.db"},
		{"file:/tmp/zed.db?_pragma=busy_timeout(5000)", "/tmp/zed.db"},
		{"file:/tmp/my%20data.db", "/tmp/my data.db"},
		{":memory:", ":memory:"},
	}
	for _, tt := range tests {
		if got := dbPathFromDSN(tt.dsn); got != tt.want {
			t.Errorf("dbPathFromDSN(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func ids(records []types.MemoryRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
