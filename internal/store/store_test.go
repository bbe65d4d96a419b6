package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a temporary database for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return st
}

func insertTestFeature(t *testing.T, st *Store, code string) *Feature {
	t.Helper()

	f := &Feature{
		ID:   "feat-" + code,
		Code: code,
		Name: code + " feature",
	}
	if err := st.InsertFeature(context.Background(), f); err != nil {
		t.Fatalf("failed to insert feature: %v", err)
	}
	return f
}

func insertTestStory(t *testing.T, st *Store, f *Feature, code string, status Status) *Story {
	t.Helper()

	s := &Story{
		ID:        "story-" + code,
		Code:      code,
		FeatureID: f.ID,
		Title:     "Story " + code,
		Status:    status,
		Priority:  PriorityP2,
	}
	if err := st.InsertStory(context.Background(), s); err != nil {
		t.Fatalf("failed to insert story: %v", err)
	}
	return s
}

func TestGetStoryNotFound(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.GetStory(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertAndGetStory(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	f := insertTestFeature(t, st, "AUTH")
	s := insertTestStory(t, st, f, "AUTH-001", StatusPlanned)

	got, err := st.GetStory(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetStory failed: %v", err)
	}
	if got.Code != "AUTH-001" {
		t.Errorf("expected code AUTH-001, got %s", got.Code)
	}
	if got.Status != StatusPlanned {
		t.Errorf("expected status planned, got %s", got.Status)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps should be stamped on insert")
	}
}

func TestGetStoryByRemoteID(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	f := insertTestFeature(t, st, "AUTH")
	s := insertTestStory(t, st, f, "AUTH-001", StatusPlanned)

	remoteID := 4242
	s.Extensions.RemoteID = &remoteID
	if err := st.UpdateStory(ctx, s); err != nil {
		t.Fatalf("UpdateStory failed: %v", err)
	}

	got, err := st.GetStoryByRemoteID(ctx, 4242)
	if err != nil {
		t.Fatalf("GetStoryByRemoteID failed: %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("expected story %s, got %s", s.ID, got.ID)
	}

	if _, err := st.GetStoryByRemoteID(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown remote id, got %v", err)
	}
}

func TestExtensionsRoundTripPreservesUnknownKeys(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	f := insertTestFeature(t, st, "AUTH")
	s := insertTestStory(t, st, f, "AUTH-001", StatusPlanned)

	s.Extensions.Extra = map[string]json.RawMessage{
		"customTag": json.RawMessage(`"keep-me"`),
	}
	remoteID := 7
	s.Extensions.RemoteID = &remoteID
	if err := st.UpdateStory(ctx, s); err != nil {
		t.Fatalf("UpdateStory failed: %v", err)
	}

	got, err := st.GetStory(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetStory failed: %v", err)
	}
	if string(got.Extensions.Extra["customTag"]) != `"keep-me"` {
		t.Errorf("unknown extension key lost: %v", got.Extensions.Extra)
	}
	if got.Extensions.RemoteID == nil || *got.Extensions.RemoteID != 7 {
		t.Errorf("remoteId lost in round trip: %v", got.Extensions.RemoteID)
	}
}

func TestExtensionsMerge(t *testing.T) {
	existing := Extensions{
		RemoteURL:    "https://old",
		LastPushedAt: "2026-01-01T00:00:00Z",
		Extra: map[string]json.RawMessage{
			"customTag": json.RawMessage(`"mine"`),
		},
	}
	remoteID := 10
	incoming := Extensions{
		RemoteID:         &remoteID,
		RemoteURL:        "https://new",
		RemoteLastSyncAt: "2026-02-01T00:00:00Z",
		Extra: map[string]json.RawMessage{
			"customTag": json.RawMessage(`"theirs"`),
			"other":     json.RawMessage(`1`),
		},
	}

	existing.Merge(incoming)

	if existing.RemoteID == nil || *existing.RemoteID != 10 {
		t.Error("remoteId should be taken from incoming")
	}
	if existing.RemoteURL != "https://new" {
		t.Errorf("remoteUrl should be overwritten, got %s", existing.RemoteURL)
	}
	if existing.LastPushedAt != "2026-01-01T00:00:00Z" {
		t.Error("lastPushedAt should be preserved when incoming does not set it")
	}
	if string(existing.Extra["customTag"]) != `"mine"` {
		t.Error("existing passthrough keys must win on collision")
	}
	if string(existing.Extra["other"]) != `1` {
		t.Error("new passthrough keys should be added")
	}
}

func TestNextStoryNumber(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	f := insertTestFeature(t, st, "AUTH")

	for want := 1; want <= 3; want++ {
		got, err := st.NextStoryNumber(ctx, f.ID)
		if err != nil {
			t.Fatalf("NextStoryNumber failed: %v", err)
		}
		if got != want {
			t.Errorf("expected counter %d, got %d", want, got)
		}
	}

	if _, err := st.NextStoryNumber(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown feature, got %v", err)
	}
}

func TestListPendingPush(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	f := insertTestFeature(t, st, "AUTH")

	// Unlinked story: never pending.
	insertTestStory(t, st, f, "AUTH-001", StatusPlanned)

	// Linked, never pushed: pending.
	neverPushed := insertTestStory(t, st, f, "AUTH-002", StatusInProgress)
	id2 := 2
	neverPushed.Extensions.RemoteID = &id2
	if err := st.UpdateStory(ctx, neverPushed); err != nil {
		t.Fatalf("UpdateStory failed: %v", err)
	}

	// Linked, pushed after last update: not pending.
	pushed := insertTestStory(t, st, f, "AUTH-003", StatusCompleted)
	id3 := 3
	pushed.Extensions.RemoteID = &id3
	if err := st.UpdateStory(ctx, pushed); err != nil {
		t.Fatalf("UpdateStory failed: %v", err)
	}
	ext := pushed.Extensions
	ext.LastPushedAt = time.Now().UTC().Add(time.Minute).Format(time.RFC3339)
	if err := st.UpdateExtensions(ctx, pushed.ID, ext); err != nil {
		t.Fatalf("UpdateExtensions failed: %v", err)
	}

	pending, err := st.ListPendingPush(ctx)
	if err != nil {
		t.Fatalf("ListPendingPush failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending story, got %d", len(pending))
	}
	if pending[0].Code != "AUTH-002" {
		t.Errorf("expected AUTH-002 pending, got %s", pending[0].Code)
	}

	count, err := st.CountPendingPush(ctx)
	if err != nil {
		t.Fatalf("CountPendingPush failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected pending count 1, got %d", count)
	}
}

func TestUpdateExtensionsDoesNotTouchUpdatedAt(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	f := insertTestFeature(t, st, "AUTH")
	s := insertTestStory(t, st, f, "AUTH-001", StatusPlanned)

	before, err := st.GetStory(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetStory failed: %v", err)
	}

	ext := before.Extensions
	ext.LastPushedAt = time.Now().UTC().Format(time.RFC3339)
	if err := st.UpdateExtensions(ctx, s.ID, ext); err != nil {
		t.Fatalf("UpdateExtensions failed: %v", err)
	}

	after, err := st.GetStory(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetStory failed: %v", err)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("UpdateExtensions must not bump updated_at: %v != %v",
			after.UpdatedAt, before.UpdatedAt)
	}
	if after.Extensions.LastPushedAt == "" {
		t.Error("lastPushedAt should be persisted")
	}
}
