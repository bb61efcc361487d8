package roomsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestStateStoreTokenRoundTrip(t *testing.T) {
	store := testStateStore(t)
	ctx := context.Background()

	// Missing tokens read as "", the full-rescan signal.
	tok, err := store.Token(ctx, ScopePrivate, "")
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok != "" {
		t.Errorf("Expected empty token before first store, got %q", tok)
	}

	if err := store.SetToken(ctx, ScopePrivate, "", "t1"); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	if err := store.SetToken(ctx, ScopePrivate, "room1", "z1"); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}

	if tok, _ = store.Token(ctx, ScopePrivate, ""); tok != "t1" {
		t.Errorf("Expected scope token t1, got %q", tok)
	}
	if tok, _ = store.Token(ctx, ScopePrivate, "room1"); tok != "z1" {
		t.Errorf("Expected zone token z1, got %q", tok)
	}
}

func TestStateStoreTokensAreScopeIndependent(t *testing.T) {
	store := testStateStore(t)
	ctx := context.Background()

	store.SetToken(ctx, ScopePrivate, "", "priv")
	store.SetToken(ctx, ScopeShared, "", "shared")

	store.ClearToken(ctx, ScopePrivate, "")

	if tok, _ := store.Token(ctx, ScopePrivate, ""); tok != "" {
		t.Errorf("Expected private token cleared, got %q", tok)
	}
	if tok, _ := store.Token(ctx, ScopeShared, ""); tok != "shared" {
		t.Errorf("Expected shared token untouched, got %q", tok)
	}
}

func TestStateStoreClearZoneTokensKeepsScopeToken(t *testing.T) {
	store := testStateStore(t)
	ctx := context.Background()

	store.SetToken(ctx, ScopeShared, "", "scope")
	store.SetToken(ctx, ScopeShared, "room1", "z1")
	store.SetToken(ctx, ScopeShared, "room2", "z2")

	if err := store.ClearZoneTokens(ctx, ScopeShared, []string{"room1", "room2"}); err != nil {
		t.Fatalf("ClearZoneTokens failed: %v", err)
	}

	if tok, _ := store.Token(ctx, ScopeShared, "room1"); tok != "" {
		t.Errorf("Expected room1 token cleared, got %q", tok)
	}
	if tok, _ := store.Token(ctx, ScopeShared, "room2"); tok != "" {
		t.Errorf("Expected room2 token cleared, got %q", tok)
	}
	if tok, _ := store.Token(ctx, ScopeShared, ""); tok != "scope" {
		t.Errorf("Expected scope token kept, got %q", tok)
	}
}

func TestStateStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	store, err := NewStateStore(StateStoreConfig{Path: path})
	if err != nil {
		t.Fatalf("Failed to open state store: %v", err)
	}
	store.SetToken(ctx, ScopeShared, "room1", "z1")
	store.Close()

	store2, err := NewStateStore(StateStoreConfig{Path: path})
	if err != nil {
		t.Fatalf("Failed to reopen state store: %v", err)
	}
	defer store2.Close()

	if tok, _ := store2.Token(ctx, ScopeShared, "room1"); tok != "z1" {
		t.Errorf("Expected token to survive reopen, got %q", tok)
	}
}

func TestStateStoreClosedOperationsFail(t *testing.T) {
	store, err := NewStateStore(StateStoreConfig{
		Path: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatalf("Failed to open state store: %v", err)
	}
	store.Close()

	ctx := context.Background()
	if _, err := store.Token(ctx, ScopeShared, ""); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := store.SetToken(ctx, ScopeShared, "", "t"); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	// Double close is a no-op.
	if err := store.Close(); err != nil {
		t.Errorf("Expected second close to succeed, got %v", err)
	}
}

func TestStateStoreQueuedWriteRoundTrip(t *testing.T) {
	store := testStateStore(t)
	ctx := context.Background()

	now := time.Now()
	w1 := &QueuedWrite{ID: "w1", Record: stagedRecord("m1"), EnqueuedAt: now}
	w2 := &QueuedWrite{ID: "w2", Record: stagedRecord("m2"), EnqueuedAt: now.Add(time.Millisecond)}

	if err := store.SaveQueuedWrite(ctx, w1); err != nil {
		t.Fatalf("SaveQueuedWrite failed: %v", err)
	}
	if err := store.SaveQueuedWrite(ctx, w2); err != nil {
		t.Fatalf("SaveQueuedWrite failed: %v", err)
	}

	writes, err := store.LoadQueuedWrites(ctx)
	if err != nil {
		t.Fatalf("LoadQueuedWrites failed: %v", err)
	}
	if len(writes) != 2 {
		t.Fatalf("Expected 2 writes, got %d", len(writes))
	}
	if writes[0].ID != "w1" || writes[1].ID != "w2" {
		t.Errorf("Expected enqueue order w1,w2, got %s,%s", writes[0].ID, writes[1].ID)
	}
	if writes[0].Record.GetString("sender") != "alice" {
		t.Errorf("Expected payload fields to survive, got %q", writes[0].Record.GetString("sender"))
	}

	if err := store.DeleteQueuedWrite(ctx, "w1"); err != nil {
		t.Fatalf("DeleteQueuedWrite failed: %v", err)
	}
	writes, _ = store.LoadQueuedWrites(ctx)
	if len(writes) != 1 || writes[0].ID != "w2" {
		t.Errorf("Expected only w2 after delete, got %v", writes)
	}
}
