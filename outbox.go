package roomsync

import (
	"sync"
	"sync/atomic"
	"time"
)

// OutboxEntry is a locally-authored record pending remote confirmation,
// with the last-touch timestamp used for LRU eviction.
type OutboxEntry struct {
	Record    *Record
	LastTouch time.Time
}

// Outbox stages locally-authored writes until the remote engine confirms
// them. Capacity is enforced by LRU on last touch: re-staging an entry
// (editing a still-unsent message) refreshes its recency and protects it
// from eviction. Eviction under pressure hands the payload to the evict
// handler so it can be re-routed rather than lost.
type Outbox struct {
	capacity int
	entries  map[string]*OutboxEntry
	order    []string // access order, oldest first
	onEvict  func(*Record)
	mu       sync.Mutex

	staged    atomic.Int64
	evictions atomic.Int64
}

// NewOutbox creates an outbox with the given capacity.
func NewOutbox(cfg OutboxConfig) *Outbox {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 2000
	}
	return &Outbox{
		capacity: capacity,
		entries:  make(map[string]*OutboxEntry),
	}
}

// SetEvictHandler installs a callback invoked with each payload evicted
// under capacity pressure. Must be set before concurrent use.
func (o *Outbox) SetEvictHandler(fn func(*Record)) {
	o.onEvict = fn
}

// Stage inserts or overwrites an entry and refreshes its access time.
func (o *Outbox) Stage(rec *Record) {
	key := rec.ID.Key()

	o.mu.Lock()
	var evicted []*Record

	if entry, ok := o.entries[key]; ok {
		entry.Record = rec
		entry.LastTouch = time.Now()
		o.promoteLocked(key)
	} else {
		o.entries[key] = &OutboxEntry{Record: rec, LastTouch: time.Now()}
		o.order = append(o.order, key)
	}
	o.staged.Add(1)

	for len(o.entries) > o.capacity && len(o.order) > 0 {
		oldest := o.order[0]
		o.order = o.order[1:]
		if entry, ok := o.entries[oldest]; ok {
			delete(o.entries, oldest)
			o.evictions.Add(1)
			evicted = append(evicted, entry.Record)
		}
	}
	o.mu.Unlock()

	if o.onEvict != nil {
		for _, rec := range evicted {
			o.onEvict(rec)
		}
	}
}

// Get returns the staged record for an identity and refreshes its
// access time.
func (o *Outbox) Get(id RecordID) (*Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.entries[id.Key()]
	if !ok {
		return nil, false
	}
	entry.LastTouch = time.Now()
	o.promoteLocked(id.Key())
	return entry.Record, true
}

// Contains reports whether an identity is staged, without refreshing
// its recency.
func (o *Outbox) Contains(id RecordID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.entries[id.Key()]
	return ok
}

// Snapshot returns a copy of all staged records, safe for concurrent
// use while the dispatcher builds a send batch.
func (o *Outbox) Snapshot() []*Record {
	o.mu.Lock()
	defer o.mu.Unlock()

	records := make([]*Record, 0, len(o.entries))
	for _, key := range o.order {
		if entry, ok := o.entries[key]; ok {
			records = append(records, entry.Record.Clone())
		}
	}
	return records
}

// Prune removes every entry whose identity is absent from alive — the
// set of identities the remote engine still counts as pending. Returns
// the number of entries removed.
func (o *Outbox) Prune(alive map[string]bool) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	kept := o.order[:0]
	for _, key := range o.order {
		if alive[key] {
			kept = append(kept, key)
			continue
		}
		if _, ok := o.entries[key]; ok {
			delete(o.entries, key)
			removed++
		}
	}
	o.order = kept
	return removed
}

// Remove deletes a single entry. Returns true if it was present.
func (o *Outbox) Remove(id RecordID) bool {
	key := id.Key()

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.entries[key]; !ok {
		return false
	}
	delete(o.entries, key)
	for i, k := range o.order {
		if k == key {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of staged entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// OutboxStats contains outbox statistics.
type OutboxStats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Staged    int64 `json:"staged"`
	Evictions int64 `json:"evictions"`
}

// Stats returns outbox statistics.
func (o *Outbox) Stats() OutboxStats {
	o.mu.Lock()
	entries := len(o.entries)
	o.mu.Unlock()

	return OutboxStats{
		Entries:   entries,
		Capacity:  o.capacity,
		Staged:    o.staged.Load(),
		Evictions: o.evictions.Load(),
	}
}

func (o *Outbox) promoteLocked(key string) {
	for i, k := range o.order {
		if k == key {
			o.order = append(o.order[:i], o.order[i+1:]...)
			o.order = append(o.order, key)
			return
		}
	}
}
