package roomsync

import (
	"testing"
	"time"
)

func conflictPair(localText, serverText string, localNewer bool) (*Record, *Record) {
	base := time.Now()
	localTime, serverTime := base, base.Add(time.Second)
	if localNewer {
		localTime, serverTime = base.Add(time.Second), base
	}

	local := messageRecord(ScopeShared, "room1", "m1", "alice", localText, localTime)
	server := messageRecord(ScopeShared, "room1", "m1", "bob", serverText, serverTime)
	return local, server
}

func TestResolveLastWriterWins(t *testing.T) {
	t.Run("LocalNewerWins", func(t *testing.T) {
		local, server := conflictPair("local edit", "server edit", true)
		got := Resolve(local, server, ConflictLastWriterWins)
		if got != local {
			t.Errorf("Expected local version to win, got %q", got.GetString("text"))
		}
	})

	t.Run("ServerNewerWins", func(t *testing.T) {
		local, server := conflictPair("local edit", "server edit", false)
		got := Resolve(local, server, ConflictLastWriterWins)
		if got != server {
			t.Errorf("Expected server version to win, got %q", got.GetString("text"))
		}
	})

	t.Run("ServerWinsWhenMarkersIncomparable", func(t *testing.T) {
		local, server := conflictPair("local edit", "server edit", true)
		local.ModTime = 0
		got := Resolve(local, server, ConflictLastWriterWins)
		if got != server {
			t.Error("Expected server to win when local marker is unknown")
		}
	})

	t.Run("NilSides", func(t *testing.T) {
		local, server := conflictPair("a", "b", true)
		if got := Resolve(nil, server, ConflictLastWriterWins); got != server {
			t.Error("Expected server when local is nil")
		}
		if got := Resolve(local, nil, ConflictLastWriterWins); got != local {
			t.Error("Expected local when server is nil")
		}
	})
}

func TestResolveContentPreservation(t *testing.T) {
	local, server := conflictPair("local edit", "server edit", false)
	local.Set("draftNote", "keep me")

	got := Resolve(local, server, ConflictContentPreservation)

	if got.GetString("text") != "local edit" {
		t.Errorf("Expected differing local content preserved, got %q", got.GetString("text"))
	}
	if got.GetString("draftNote") != "keep me" {
		t.Errorf("Expected local-only field preserved, got %q", got.GetString("draftNote"))
	}

	t.Run("EmptyLocalFieldDoesNotClobber", func(t *testing.T) {
		local, server := conflictPair("", "server edit", false)
		got := Resolve(local, server, ConflictContentPreservation)
		if got.GetString("text") != "server edit" {
			t.Errorf("Expected server content kept over empty local, got %q", got.GetString("text"))
		}
	})

	t.Run("MergeIsANewRecord", func(t *testing.T) {
		local, server := conflictPair("local edit", "server edit", false)
		got := Resolve(local, server, ConflictContentPreservation)
		if got == local || got == server {
			t.Error("Expected merge to produce a new record")
		}
	})
}

func TestConflictResolverCountsResolutions(t *testing.T) {
	cr := NewConflictResolver(ConflictLastWriterWins)
	local, server := conflictPair("a", "b", true)

	cr.Resolve(local, server)
	cr.Resolve(local, server)

	if got := cr.ResolvedCount(); got != 2 {
		t.Errorf("Expected 2 resolutions, got %d", got)
	}
	if cr.Strategy() != ConflictLastWriterWins {
		t.Errorf("Expected last-writer-wins strategy, got %s", cr.Strategy())
	}
}
