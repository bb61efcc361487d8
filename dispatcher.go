package roomsync

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// appliedSetCap bounds the recently-applied dedup set; the set is
// cleared once it grows past this, trading a rare duplicate check for
// bounded memory.
const appliedSetCap = 4096

// applyStatus is the outcome of applying one record to the domain.
type applyStatus int

const (
	applyOK    applyStatus = iota
	applySkip              // shape can never apply; marked so it is not re-reported
	applyRetry             // transient store failure; left unmarked for the next pass
)

// DispatchResult summarizes one dispatch run.
type DispatchResult struct {
	Messages      int `json:"messages"`
	ReactionPairs int `json:"reaction_pairs"`
	Attachments   int `json:"attachments"`
	Members       int `json:"members"`
	Tombstones    int `json:"tombstones"`
	Skipped       int `json:"skipped"`
}

// Dispatcher routes fetched remote records into domain updates. Dispatch
// is side-effect idempotent: re-delivering a record within a sync pass
// updates the domain once, reactions notify once per (room, message)
// pair, and attachment materialization skips existing files.
//
// Reaction counts are computed from a running per-record projection, so
// an incremental delta carrying only the newly-changed reaction records
// still produces complete counts for the pair. The projection is
// trimmed when a reaction or its message is tombstoned and when a room
// is forgotten.
type Dispatcher struct {
	domain      DomainStore
	attachments *AttachmentStore // nil disables materialization
	events      *EventHub
	onLegacy    func(ctx context.Context, id RecordID)

	mu      sync.Mutex
	applied map[string]bool
	// (room/messageID) -> reaction record key -> emoji
	reactions map[string]map[string]string
	// reaction record key -> (room, messageID)
	reactionIndex map[string][2]string

	dispatched atomic.Int64
	deduped    atomic.Int64
	ignored    atomic.Int64
}

// NewDispatcher creates a dispatcher. attachments may be nil; onLegacy
// may be nil when legacy-shape reporting is not wired.
func NewDispatcher(domain DomainStore, attachments *AttachmentStore, events *EventHub, onLegacy func(ctx context.Context, id RecordID)) *Dispatcher {
	return &Dispatcher{
		domain:        domain,
		attachments:   attachments,
		events:        events,
		onLegacy:      onLegacy,
		applied:       make(map[string]bool),
		reactions:     make(map[string]map[string]string),
		reactionIndex: make(map[string][2]string),
	}
}

// Dispatch applies fetched records and tombstones to the domain,
// optionally restricted to one room.
func (d *Dispatcher) Dispatch(ctx context.Context, records []*Record, deleted []RecordID, roomFilter string) (*DispatchResult, error) {
	result := &DispatchResult{}

	// Pairs whose counts changed this run, notified once each.
	touched := make(map[string][2]string)
	// Reaction records per pair, marked applied once the pair's
	// aggregate write succeeds.
	pending := make(map[string][]*Record)

	for _, rec := range records {
		if roomFilter != "" && rec.ID.Zone != roomFilter {
			continue
		}
		if d.alreadyApplied(rec) {
			d.deduped.Add(1)
			result.Skipped++
			continue
		}
		d.dispatched.Add(1)

		if rec.ID.Type == RecordTypeReaction {
			messageID := rec.GetString("messageID")
			emoji := rec.GetString("emoji")
			if messageID == "" || emoji == "" {
				result.Skipped++
				d.markApplied(rec)
				continue
			}
			key := domainKey(rec.ID.Zone, messageID)
			d.noteReaction(rec.ID.Zone, messageID, rec.ID.Key(), emoji)
			touched[key] = [2]string{rec.ID.Zone, messageID}
			pending[key] = append(pending[key], rec)
			continue
		}

		var status applyStatus
		switch rec.ID.Type {
		case RecordTypeMessage:
			status = d.applyMessage(ctx, rec)
			if status == applyOK {
				result.Messages++
			} else {
				result.Skipped++
			}
		case RecordTypeAttachment:
			status = d.applyAttachment(ctx, rec)
			if status == applyOK {
				result.Attachments++
			} else {
				result.Skipped++
			}
		case RecordTypeMember:
			status = d.applyMember(rec)
			if status == applyOK {
				result.Members++
			} else {
				result.Skipped++
			}
		default:
			// Unknown or irrelevant types are ignored without error.
			d.ignored.Add(1)
		}
		// A record that failed on a transient store error stays
		// unmarked so the next pass retries it.
		if status != applyRetry {
			d.markApplied(rec)
		}
	}

	for _, id := range deleted {
		if roomFilter != "" && id.Zone != roomFilter {
			continue
		}
		if err := d.domain.RecordDeleted(id); err != nil {
			return result, NewSyncError(ErrKindTransient, "apply tombstone "+id.String(), err)
		}
		result.Tombstones++

		switch id.Type {
		case RecordTypeMessage:
			d.forgetPair(id.Zone, id.Name)
			// Reactions for a message deleted in the same batch are
			// moot; mark them so they are not re-delivered.
			key := domainKey(id.Zone, id.Name)
			for _, rec := range pending[key] {
				d.markApplied(rec)
			}
			delete(touched, key)
			if d.events != nil {
				d.events.Publish(Event{
					Kind:      EventMessageDeleted,
					Room:      id.Zone,
					MessageID: id.Name,
				})
			}
		case RecordTypeReaction:
			if pair, ok := d.removeReaction(id.Key()); ok {
				touched[domainKey(pair[0], pair[1])] = pair
			}
		}
	}

	// Notify once per (room, message) pair, not once per raw record.
	for key, pair := range touched {
		counts := d.pairCounts(pair[0], pair[1])
		if err := d.domain.UpsertReactionAggregate(pair[0], pair[1], counts); err != nil {
			return result, NewSyncError(ErrKindTransient, "upsert reactions for "+key, err)
		}
		result.ReactionPairs++
		for _, rec := range pending[key] {
			d.markApplied(rec)
		}
		if d.events != nil {
			d.events.Publish(Event{
				Kind:      EventReactionsUpdated,
				Room:      pair[0],
				MessageID: pair[1],
				Counts:    counts,
			})
		}
	}

	return result, nil
}

func (d *Dispatcher) applyMessage(ctx context.Context, rec *Record) applyStatus {
	sender := rec.GetString("sender")
	text := rec.GetString("text")
	if sender == "" || text == "" {
		// Known type with required fields missing: legacy schema.
		if d.onLegacy != nil {
			d.onLegacy(ctx, rec.ID)
		}
		return applySkip
	}

	sentAt := rec.ModTimestamp()
	if v, ok := rec.Get("sentAt"); ok {
		switch t := v.(type) {
		case int64:
			sentAt = time.Unix(0, t)
		case float64:
			sentAt = time.Unix(0, int64(t))
		}
	}

	msg := &Message{
		ID:     rec.ID.Name,
		Room:   rec.ID.Zone,
		Sender: sender,
		Text:   text,
		SentAt: sentAt,
		ModTag: rec.ModTag,
	}
	if err := d.domain.UpsertMessage(msg); err != nil {
		log.Printf("[Dispatcher] Failed to upsert message %s: %v", rec.ID, err)
		return applyRetry
	}
	if d.events != nil {
		d.events.Publish(Event{
			Kind:      EventMessageReceived,
			Scope:     rec.ID.Scope,
			Room:      msg.Room,
			MessageID: msg.ID,
			Message:   msg,
		})
	}
	return applyOK
}

func (d *Dispatcher) applyAttachment(ctx context.Context, rec *Record) applyStatus {
	messageID := rec.GetString("messageID")
	if messageID == "" {
		if d.onLegacy != nil {
			d.onLegacy(ctx, rec.ID)
		}
		return applySkip
	}
	if d.attachments == nil {
		return applySkip
	}

	fileName := rec.GetString("fileName")
	if fileName == "" {
		fileName = rec.ID.Name
	}

	path, err := d.attachments.Materialize(ctx, rec.ID.Zone, messageID, fileName, rec.GetBytes("data"))
	if err != nil {
		log.Printf("[Dispatcher] Failed to materialize attachment %s: %v", rec.ID, err)
		return applyRetry
	}
	if err := d.domain.LinkAttachment(rec.ID.Zone, messageID, path); err != nil {
		log.Printf("[Dispatcher] Failed to link attachment %s: %v", rec.ID, err)
		return applyRetry
	}
	if d.events != nil {
		d.events.Publish(Event{
			Kind:      EventAttachmentUpdated,
			Room:      rec.ID.Zone,
			MessageID: messageID,
			Path:      path,
		})
	}
	return applyOK
}

func (d *Dispatcher) applyMember(rec *Record) applyStatus {
	userID := rec.GetString("userID")
	if userID == "" {
		return applySkip
	}
	if err := d.domain.UpsertMembership(rec.ID.Zone, userID, rec.GetString("displayName")); err != nil {
		log.Printf("[Dispatcher] Failed to upsert membership %s: %v", rec.ID, err)
		return applyRetry
	}
	return applyOK
}

// noteReaction records one reaction record in the projection. Setting
// the same record again is a no-op, so retried batches stay idempotent.
func (d *Dispatcher) noteReaction(room, messageID, recKey, emoji string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := domainKey(room, messageID)
	if d.reactions[key] == nil {
		d.reactions[key] = make(map[string]string)
	}
	d.reactions[key][recKey] = emoji
	d.reactionIndex[recKey] = [2]string{room, messageID}
}

// removeReaction drops a tombstoned reaction record, returning the
// (room, messageID) pair whose counts changed.
func (d *Dispatcher) removeReaction(recKey string) ([2]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pair, ok := d.reactionIndex[recKey]
	if !ok {
		return pair, false
	}
	delete(d.reactionIndex, recKey)

	key := domainKey(pair[0], pair[1])
	delete(d.reactions[key], recKey)
	if len(d.reactions[key]) == 0 {
		delete(d.reactions, key)
	}
	return pair, true
}

// forgetPair drops all projected reactions for a deleted message.
func (d *Dispatcher) forgetPair(room, messageID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := domainKey(room, messageID)
	for recKey := range d.reactions[key] {
		delete(d.reactionIndex, recKey)
	}
	delete(d.reactions, key)
}

func (d *Dispatcher) pairCounts(room, messageID string) map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	counts := make(map[string]int)
	for _, emoji := range d.reactions[domainKey(room, messageID)] {
		counts[emoji]++
	}
	return counts
}

// ForgetRoom drops all projected reaction state for a room whose zone
// was deleted remotely.
func (d *Dispatcher) ForgetRoom(room string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for recKey, pair := range d.reactionIndex {
		if pair[0] == room {
			delete(d.reactionIndex, recKey)
		}
	}
	prefix := room + "/"
	for key := range d.reactions {
		if strings.HasPrefix(key, prefix) {
			delete(d.reactions, key)
		}
	}
}

func appliedKey(rec *Record) string {
	return rec.ID.Key() + "@" + rec.ModTag
}

func (d *Dispatcher) alreadyApplied(rec *Record) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied[appliedKey(rec)]
}

func (d *Dispatcher) markApplied(rec *Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.applied) >= appliedSetCap {
		d.applied = make(map[string]bool)
	}
	d.applied[appliedKey(rec)] = true
}

// DispatcherStats contains dispatcher statistics.
type DispatcherStats struct {
	Dispatched int64 `json:"dispatched"`
	Deduped    int64 `json:"deduped"`
	Ignored    int64 `json:"ignored"`
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Dispatched: d.dispatched.Load(),
		Deduped:    d.deduped.Load(),
		Ignored:    d.ignored.Load(),
	}
}
