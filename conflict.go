package roomsync

import (
	"bytes"
	"sync/atomic"
)

// ConflictStrategy selects how a local pending write is reconciled
// against a server version of the same identity.
type ConflictStrategy int

const (
	// ConflictLastWriterWins keeps the chronologically later version,
	// preferring the server when the markers are incomparable.
	ConflictLastWriterWins ConflictStrategy = iota

	// ConflictContentPreservation merges field-by-field, keeping local
	// values that are non-empty and differ from the server's.
	ConflictContentPreservation
)

func (s ConflictStrategy) String() string {
	switch s {
	case ConflictContentPreservation:
		return "content-preservation"
	default:
		return "last-writer-wins"
	}
}

// ConflictCase pairs two versions of the same logical record. It is
// ephemeral: built inside the dispatch path when a staged outbox entry
// reappears in a fetched delta with a different marker.
type ConflictCase struct {
	Local  *Record
	Server *Record
}

// ConflictResolver resolves conflicts with a selected strategy.
// Resolution is a pure function of its inputs; the resolver keeps only a
// counter for statistics.
type ConflictResolver struct {
	strategy ConflictStrategy
	resolved atomic.Int64
}

// NewConflictResolver creates a resolver with the given strategy.
func NewConflictResolver(strategy ConflictStrategy) *ConflictResolver {
	return &ConflictResolver{strategy: strategy}
}

// Strategy returns the configured strategy.
func (cr *ConflictResolver) Strategy() ConflictStrategy { return cr.strategy }

// ResolvedCount returns the number of conflicts resolved so far.
func (cr *ConflictResolver) ResolvedCount() int64 { return cr.resolved.Load() }

// Resolve returns the winning record for a local/server pair.
func (cr *ConflictResolver) Resolve(local, server *Record) *Record {
	cr.resolved.Add(1)
	return Resolve(local, server, cr.strategy)
}

// Resolve resolves a conflict between a local pending record and a
// server version of the same identity. It is synchronous and has no
// knowledge of network state.
func Resolve(local, server *Record, strategy ConflictStrategy) *Record {
	if local == nil {
		return server
	}
	if server == nil {
		return local
	}

	switch strategy {
	case ConflictContentPreservation:
		return mergePreservingContent(local, server)
	default:
		// Markers are comparable only when both sides carry one.
		if local.ModTime != 0 && server.ModTime != 0 && local.ModTime > server.ModTime {
			return local
		}
		return server
	}
}

// mergePreservingContent merges field-by-field onto the server version:
// a local field survives when it is non-empty and differs from the
// server's value.
func mergePreservingContent(local, server *Record) *Record {
	merged := server.Clone()
	for _, f := range local.Fields {
		sv, ok := merged.Get(f.Name)
		if !ok {
			if !emptyValue(f.Value) {
				merged.Set(f.Name, f.Value)
			}
			continue
		}
		if !emptyValue(f.Value) && !equalValue(f.Value, sv) {
			merged.Set(f.Name, f.Value)
		}
	}
	if local.ModTime > merged.ModTime {
		merged.ModTime = local.ModTime
	}
	return merged
}

func emptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []byte:
		return len(x) == 0
	default:
		return false
	}
}

func equalValue(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok2 := b.([]byte)
		return ok2 && bytes.Equal(ab, bb)
	}
	return a == b
}
