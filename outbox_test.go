package roomsync

import (
	"fmt"
	"testing"
	"time"
)

func stagedRecord(name string) *Record {
	rec := NewRecord(RecordID{Scope: ScopePrivate, Zone: "room1", Type: RecordTypeMessage, Name: name})
	rec.Set("sender", "alice")
	rec.Set("text", "pending "+name)
	rec.ModTime = time.Now().UnixNano()
	return rec
}

func TestOutboxStageAndGet(t *testing.T) {
	ob := NewOutbox(OutboxConfig{Capacity: 10})

	rec := stagedRecord("m1")
	ob.Stage(rec)

	got, ok := ob.Get(rec.ID)
	if !ok {
		t.Fatal("Expected staged record to be found")
	}
	if got.GetString("text") != "pending m1" {
		t.Errorf("Expected staged text, got %q", got.GetString("text"))
	}
	if ob.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", ob.Len())
	}
}

func TestOutboxEvictsLeastRecentlyTouched(t *testing.T) {
	ob := NewOutbox(OutboxConfig{Capacity: 3})

	var evicted []*Record
	ob.SetEvictHandler(func(rec *Record) {
		evicted = append(evicted, rec)
	})

	for i := 1; i <= 3; i++ {
		ob.Stage(stagedRecord(fmt.Sprintf("m%d", i)))
	}

	// Touch m1 so m2 becomes the LRU entry.
	ob.Get(RecordID{Scope: ScopePrivate, Zone: "room1", Type: RecordTypeMessage, Name: "m1"})

	ob.Stage(stagedRecord("m4"))

	if len(evicted) != 1 {
		t.Fatalf("Expected 1 eviction, got %d", len(evicted))
	}
	if evicted[0].ID.Name != "m2" {
		t.Errorf("Expected m2 evicted, got %s", evicted[0].ID.Name)
	}
	if !ob.Contains(RecordID{Scope: ScopePrivate, Zone: "room1", Type: RecordTypeMessage, Name: "m1"}) {
		t.Error("Expected recently-touched m1 to survive")
	}
}

func TestOutboxRestageRefreshesRecency(t *testing.T) {
	ob := NewOutbox(OutboxConfig{Capacity: 2})

	var evicted []*Record
	ob.SetEvictHandler(func(rec *Record) {
		evicted = append(evicted, rec)
	})

	ob.Stage(stagedRecord("m1"))
	ob.Stage(stagedRecord("m2"))

	// Editing a still-unsent entry re-stages it and must protect it.
	edit := stagedRecord("m1")
	edit.Set("text", "edited")
	ob.Stage(edit)

	ob.Stage(stagedRecord("m3"))

	if len(evicted) != 1 || evicted[0].ID.Name != "m2" {
		t.Fatalf("Expected m2 evicted, got %v", evicted)
	}
	got, ok := ob.Get(edit.ID)
	if !ok || got.GetString("text") != "edited" {
		t.Errorf("Expected edited m1 to survive, got %v (found=%v)", got, ok)
	}
	if ob.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", ob.Len())
	}
}

func TestOutboxPruneKeepsAliveSet(t *testing.T) {
	ob := NewOutbox(OutboxConfig{Capacity: 10})

	r1 := stagedRecord("m1")
	r2 := stagedRecord("m2")
	r3 := stagedRecord("m3")
	ob.Stage(r1)
	ob.Stage(r2)
	ob.Stage(r3)

	removed := ob.Prune(map[string]bool{r2.ID.Key(): true})
	if removed != 2 {
		t.Errorf("Expected 2 pruned entries, got %d", removed)
	}
	if !ob.Contains(r2.ID) {
		t.Error("Expected alive entry to survive prune")
	}
	if ob.Contains(r1.ID) || ob.Contains(r3.ID) {
		t.Error("Expected dead entries to be pruned")
	}
}

func TestOutboxSnapshotPreservesOrder(t *testing.T) {
	ob := NewOutbox(OutboxConfig{Capacity: 10})
	ob.Stage(stagedRecord("m1"))
	ob.Stage(stagedRecord("m2"))
	ob.Get(RecordID{Scope: ScopePrivate, Zone: "room1", Type: RecordTypeMessage, Name: "m1"})

	snap := ob.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(snap))
	}
	if snap[0].ID.Name != "m2" || snap[1].ID.Name != "m1" {
		t.Errorf("Expected access order m2,m1, got %s,%s", snap[0].ID.Name, snap[1].ID.Name)
	}

	// Snapshot must be isolated from later mutation.
	snap[0].Set("text", "mutated")
	got, _ := ob.Get(snap[0].ID)
	if got.GetString("text") == "mutated" {
		t.Error("Expected snapshot to be a copy")
	}
}

func TestOutboxRemove(t *testing.T) {
	ob := NewOutbox(OutboxConfig{Capacity: 10})
	rec := stagedRecord("m1")
	ob.Stage(rec)

	if !ob.Remove(rec.ID) {
		t.Error("Expected Remove to report presence")
	}
	if ob.Remove(rec.ID) {
		t.Error("Expected second Remove to report absence")
	}
	if ob.Len() != 0 {
		t.Errorf("Expected empty outbox, got %d entries", ob.Len())
	}
}
