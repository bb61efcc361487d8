package roomsync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"
)

// Core is the sync engine: it keeps a local domain store convergent
// with a remote record store across connectivity loss, conflicting
// edits, and expired change cursors.
//
// Writes are staged in a per-scope outbox and sent through the retry
// queue in FIFO order; reads happen in scheduler-coalesced delta
// passes that fetch only what changed since the last stored cursor.
type Core struct {
	config   Config
	remote   RemoteStore
	domain   DomainStore
	state    *StateStore
	events   *EventHub
	attach   *AttachmentStore
	resolver *ConflictResolver
	queue    *RetryQueue
	sched    *Scheduler
	disp     *Dispatcher
	push     *PushListener

	scopes map[Scope]*scopeRuntime

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// scopeRuntime is the per-scope slice of the core: one delta engine
// and one outbox, since scopes have independent cursors and in-flight
// state.
type scopeRuntime struct {
	engine *DeltaEngine
	outbox *Outbox

	passMu sync.Mutex // at most one in-flight delta pass per scope
}

// Open creates and starts a Core. remote may be nil when cfg.Remote
// configures the HTTP client; domain may be nil for the in-memory
// store.
func Open(cfg Config, remote RemoteStore, domain DomainStore) (*Core, error) {
	cfg.applyDefaults()

	if remote == nil {
		if cfg.Remote == nil {
			return nil, fmt.Errorf("no remote store: pass one or set remote in the config")
		}
		var err error
		remote, err = NewRemoteHTTPStore(*cfg.Remote)
		if err != nil {
			return nil, err
		}
	}
	if domain == nil {
		domain = NewMemoryDomainStore()
	}

	state, err := NewStateStore(StateStoreConfig{Path: cfg.StatePath})
	if err != nil {
		return nil, err
	}

	attach, err := NewAttachmentStore(cfg.Attachments)
	if err != nil {
		state.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		config:   cfg,
		remote:   remote,
		domain:   domain,
		state:    state,
		events:   NewEventHub(cfg.Events),
		attach:   attach,
		resolver: NewConflictResolver(ConflictLastWriterWins),
		scopes:   make(map[Scope]*scopeRuntime),
		ctx:      ctx,
		cancel:   cancel,
	}

	c.queue = NewRetryQueue(cfg.Retry, c.sendConfirm, c.events, state)
	if err := c.queue.Restore(ctx); err != nil {
		log.Printf("[Core] %v", err)
	}

	for _, scope := range Scopes() {
		rt := &scopeRuntime{
			engine: NewDeltaEngine(scope, remote, state, cfg.Engine),
			outbox: NewOutbox(cfg.Outbox),
		}
		// An entry squeezed out of the outbox under capacity pressure is
		// re-routed into the retry queue rather than dropped.
		rt.outbox.SetEvictHandler(func(rec *Record) {
			c.queue.Enqueue(rec)
			c.queue.Drain()
		})
		c.scopes[scope] = rt
	}

	c.disp = NewDispatcher(domain, attach, c.events, c.noteLegacy)
	c.sched = NewScheduler(cfg.Scheduler, c.runPass)

	if cfg.Push != nil && cfg.Push.Enabled {
		c.push = NewPushListener(*cfg.Push, func(scope Scope) {
			c.sched.RequestSync(scope, TriggerPush)
		})
		c.push.Start()
	}

	if cfg.Scheduler.Periodic > 0 {
		c.wg.Add(1)
		go c.periodicLoop(cfg.Scheduler.Periodic)
	}

	return c, nil
}

func (c *Core) periodicLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			for _, scope := range Scopes() {
				c.sched.RequestSync(scope, TriggerPeriodic)
			}
		}
	}
}

// SendMessage authors a message in a room and queues it for remote
// delivery. The returned message reflects local state; the remote
// confirmation arrives asynchronously.
func (c *Core) SendMessage(roomID string, ownedByMe bool, sender, text string) (*Message, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, fmt.Errorf("message text is required")
	}

	scope, zone := ResolveRoom(roomID, ownedByMe)
	now := time.Now()

	rec := NewRecord(RecordID{Scope: scope, Zone: zone, Type: RecordTypeMessage, Name: randomID("msg")})
	rec.Set("sender", sender)
	rec.Set("text", text)
	rec.Set("sentAt", now.UnixNano())
	rec.ModTime = now.UnixNano()

	msg := &Message{ID: rec.ID.Name, Room: roomID, Sender: sender, Text: text, SentAt: now}
	if err := c.domain.UpsertMessage(msg); err != nil {
		return nil, fmt.Errorf("store local message: %w", err)
	}

	c.submitWrite(scope, rec)
	return msg, nil
}

// React records an emoji reaction to a message and queues it for
// delivery.
func (c *Core) React(roomID string, ownedByMe bool, messageID, emoji, userID string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if messageID == "" || emoji == "" {
		return fmt.Errorf("message ID and emoji are required")
	}

	scope, zone := ResolveRoom(roomID, ownedByMe)
	rec := NewRecord(RecordID{Scope: scope, Zone: zone, Type: RecordTypeReaction, Name: randomID("rx")})
	rec.Set("messageID", messageID)
	rec.Set("emoji", emoji)
	rec.Set("userID", userID)
	rec.ModTime = time.Now().UnixNano()

	c.submitWrite(scope, rec)
	return nil
}

// Attach materializes an attachment locally, links it to a message,
// and queues the payload for delivery.
func (c *Core) Attach(ctx context.Context, roomID string, ownedByMe bool, messageID, fileName string, data []byte) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	if messageID == "" || len(data) == 0 {
		return "", fmt.Errorf("message ID and payload are required")
	}

	scope, zone := ResolveRoom(roomID, ownedByMe)

	path, err := c.attach.Materialize(ctx, zone, messageID, fileName, data)
	if err != nil {
		return "", err
	}
	if err := c.domain.LinkAttachment(zone, messageID, path); err != nil {
		return "", err
	}

	rec := NewRecord(RecordID{Scope: scope, Zone: zone, Type: RecordTypeAttachment, Name: randomID("att")})
	rec.Set("messageID", messageID)
	rec.Set("fileName", fileName)
	rec.Set("data", data)
	rec.ModTime = time.Now().UnixNano()

	c.submitWrite(scope, rec)
	return path, nil
}

// DeleteMessage removes a message locally and queues the remote
// tombstone.
func (c *Core) DeleteMessage(roomID string, ownedByMe bool, messageID string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	scope, zone := ResolveRoom(roomID, ownedByMe)
	id := RecordID{Scope: scope, Zone: zone, Type: RecordTypeMessage, Name: messageID}

	if err := c.domain.RecordDeleted(id); err != nil {
		return err
	}
	c.events.Publish(Event{Kind: EventMessageDeleted, Scope: scope, Room: zone, MessageID: messageID})

	rec := NewRecord(id)
	rec.Deleted = true
	rec.ModTime = time.Now().UnixNano()
	c.submitWrite(scope, rec)
	return nil
}

// submitWrite stages a record in its scope's outbox and hands it to
// the retry queue, which sends immediately when online.
func (c *Core) submitWrite(scope Scope, rec *Record) {
	if !rec.Deleted {
		c.scopes[scope].outbox.Stage(rec)
	}
	c.queue.Enqueue(rec)
	c.queue.Drain()
}

// sendConfirm is the retry queue's send function: it transmits one
// record and, on success, clears the outbox entry and applies the
// confirmed version to the domain.
func (c *Core) sendConfirm(ctx context.Context, rec *Record) error {
	if rec.Deleted {
		return c.remote.Delete(ctx, rec.ID)
	}

	stored, err := c.remote.Save(ctx, rec)
	if err != nil {
		return err
	}

	rt := c.scopes[rec.ID.Scope]
	if rt != nil {
		rt.outbox.Remove(rec.ID)
	}
	if stored != nil && stored.ID.Type == RecordTypeMessage {
		// Refresh the local copy with the confirmed modification marker.
		if m := messageFromRecord(stored); m != nil {
			if err := c.domain.UpsertMessage(m); err != nil {
				log.Printf("[Core] Failed to confirm message %s: %v", stored.ID, err)
			}
		}
	}
	return nil
}

// SetOnline records a connectivity transition. Coming back online
// drains the retry queue and requests a pass for every scope.
func (c *Core) SetOnline(online bool) {
	wasOnline := c.queue.Online()
	c.queue.SetOnline(online)

	if online && !wasOnline {
		for _, scope := range Scopes() {
			c.sched.RequestSync(scope, TriggerConnectivity)
		}
	}
}

// RequestSync requests a background pass for every scope.
func (c *Core) RequestSync() {
	for _, scope := range Scopes() {
		c.sched.RequestSync(scope, TriggerUser)
	}
}

// RequestScopeSync requests a background pass for one scope.
func (c *Core) RequestScopeSync(scope Scope, trigger Trigger) {
	c.sched.RequestSync(scope, trigger)
}

// SyncRoom runs a foreground delta pass restricted to one room,
// without waiting for the scheduler's debounce. Used for
// pull-to-refresh style flows. It shares the per-scope single-flight
// guarantee with scheduled passes: if one is running for the same
// scope, SyncRoom waits for it.
func (c *Core) SyncRoom(ctx context.Context, roomID string, ownedByMe bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	scope, zone := ResolveRoom(roomID, ownedByMe)
	return c.pass(ctx, scope, zone)
}

// runPass is the scheduler's pass function.
func (c *Core) runPass(ctx context.Context, scope Scope) {
	if err := c.pass(ctx, scope, ""); err != nil {
		kind := KindOf(err)
		log.Printf("[Core] %s sync pass failed (%s): %v", scope, kind, err)
		c.events.Publish(Event{Kind: EventSyncFailed, Scope: scope, ErrKind: kind, Err: err})
	}
}

// pass runs one delta fetch + dispatch cycle for a scope. Foreground
// and scheduler-driven passes take the same per-scope lock, so two
// cycles can never interleave token reads and advances on one scope.
func (c *Core) pass(ctx context.Context, scope Scope, roomFilter string) error {
	rt := c.scopes[scope]
	rt.passMu.Lock()
	defer rt.passMu.Unlock()

	c.events.Publish(Event{Kind: EventSyncStarted, Scope: scope, Room: roomFilter})

	outcome, err := rt.engine.FetchChanges(ctx, roomFilter)
	if outcome != nil {
		// Zones that completed before a mid-cycle failure are still
		// applied; their tokens already advanced.
		c.applyOutcome(ctx, rt, outcome, roomFilter)
	}
	if err != nil {
		return err
	}

	c.events.Publish(Event{
		Kind:  EventSyncFinished,
		Scope: scope,
		Room:  roomFilter,
		Counts: map[string]int{
			"records":    len(outcome.Records),
			"tombstones": len(outcome.Deleted),
			"zones":      outcome.ZonesFetched,
		},
	})
	return nil
}

func (c *Core) applyOutcome(ctx context.Context, rt *scopeRuntime, outcome *FetchOutcome, roomFilter string) {
	records := c.reconcileOutbox(rt, outcome.Records)

	if _, err := c.disp.Dispatch(ctx, records, outcome.Deleted, roomFilter); err != nil {
		log.Printf("[Core] Dispatch failed: %v", err)
	}

	if len(outcome.DeletedZones) > 0 {
		c.purgeZones(rt, outcome.DeletedZones)
	}
}

// reconcileOutbox resolves fetched records against staged pending
// writes of the same identity. A fetched record matching a staged
// entry's marker is our own write round-tripping: the entry is
// confirmed and cleared. A differing marker is a conflict: the
// resolver picks the version to keep, and when local content survives
// it is re-queued for sending.
func (c *Core) reconcileOutbox(rt *scopeRuntime, records []*Record) []*Record {
	out := records[:0]
	for _, server := range records {
		local, staged := rt.outbox.Get(server.ID)
		if !staged {
			out = append(out, server)
			continue
		}
		if local.ModTag == server.ModTag {
			rt.outbox.Remove(server.ID)
			out = append(out, server)
			continue
		}

		resolved := c.resolver.Resolve(local, server)
		if resolved == server {
			// The local version lost: drop it everywhere so a later
			// drain cannot resurrect it.
			rt.outbox.Remove(server.ID)
			c.queue.RemoveRecord(server.ID)
		} else {
			// Local content won; carry the server's marker so the
			// re-send replaces the server version instead of forking.
			resolved.ModTag = server.ModTag
			rt.outbox.Stage(resolved)
			c.queue.Enqueue(resolved)
			c.queue.Drain()
		}
		out = append(out, resolved)
	}
	return out
}

// purgeZones drops local state and stale outbox entries for zones
// deleted remotely.
func (c *Core) purgeZones(rt *scopeRuntime, zones []string) {
	deleted := make(map[string]bool, len(zones))
	for _, zone := range zones {
		deleted[zone] = true
	}

	alive := make(map[string]bool)
	for _, rec := range rt.outbox.Snapshot() {
		if !deleted[rec.ID.Zone] {
			alive[rec.ID.Key()] = true
		}
	}
	if removed := rt.outbox.Prune(alive); removed > 0 {
		log.Printf("[Core] Pruned %d outbox entries from deleted rooms", removed)
	}
	for _, zone := range zones {
		c.disp.ForgetRoom(zone)
	}

	purger, ok := c.domain.(RoomPurger)
	if !ok {
		return
	}
	for _, zone := range zones {
		if err := purger.PurgeRoom(zone); err != nil {
			log.Printf("[Core] Failed to purge room %s: %v", zone, err)
		}
	}
}

// noteLegacy is the dispatcher's legacy-shape callback, fanned out to
// the owning scope's engine.
func (c *Core) noteLegacy(ctx context.Context, id RecordID) {
	if rt, ok := c.scopes[id.Scope]; ok {
		rt.engine.NoteLegacyRecord(ctx, id)
	}
}

// SetConflictStrategy replaces the conflict resolution strategy.
// Call before the first sync pass.
func (c *Core) SetConflictStrategy(strategy ConflictStrategy) {
	c.resolver = NewConflictResolver(strategy)
}

// Subscribe creates an event subscription; with no kinds, all events
// are delivered.
func (c *Core) Subscribe(kinds ...EventKind) *EventSub {
	return c.events.Subscribe(kinds...)
}

// Unsubscribe removes an event subscription.
func (c *Core) Unsubscribe(id string) {
	c.events.Unsubscribe(id)
}

// Attachments returns the attachment store.
func (c *Core) Attachments() *AttachmentStore {
	return c.attach
}

// Outbox returns the outbox for a scope.
func (c *Core) Outbox(scope Scope) *Outbox {
	return c.scopes[scope].outbox
}

// CoreStats aggregates statistics from every component.
type CoreStats struct {
	Scheduler   SchedulerStats              `json:"scheduler"`
	Retry       RetryQueueStats             `json:"retry"`
	Events      EventHubStats               `json:"events"`
	Dispatcher  DispatcherStats             `json:"dispatcher"`
	Attachments AttachmentStoreStats        `json:"attachments"`
	Outboxes    map[Scope]OutboxStats       `json:"outboxes"`
	Engines     map[Scope]DeltaEngineStats  `json:"engines"`
	Conflicts   int64                       `json:"conflicts_resolved"`
	Push        *PushListenerStats          `json:"push,omitempty"`
}

// Stats returns a statistics snapshot.
func (c *Core) Stats() CoreStats {
	stats := CoreStats{
		Scheduler:   c.sched.Stats(),
		Retry:       c.queue.Stats(),
		Events:      c.events.Stats(),
		Dispatcher:  c.disp.Stats(),
		Attachments: c.attach.Stats(),
		Outboxes:    make(map[Scope]OutboxStats),
		Engines:     make(map[Scope]DeltaEngineStats),
		Conflicts:   c.resolver.ResolvedCount(),
	}
	for scope, rt := range c.scopes {
		stats.Outboxes[scope] = rt.outbox.Stats()
		stats.Engines[scope] = rt.engine.Stats()
	}
	if c.push != nil {
		ps := c.push.Stats()
		stats.Push = &ps
	}
	return stats
}

func (c *Core) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Close stops background work and releases the state store. Staged
// outbox entries and persisted retry items survive for the next Open.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if c.push != nil {
		c.push.Close()
	}
	c.sched.Close()
	c.queue.Close()
	c.wg.Wait()
	c.events.Close()
	return c.state.Close()
}

// messageFromRecord converts a message record to its domain entity,
// returning nil when required fields are missing.
func messageFromRecord(rec *Record) *Message {
	sender := rec.GetString("sender")
	text := rec.GetString("text")
	if sender == "" || text == "" {
		return nil
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
	return &Message{
		ID:     rec.ID.Name,
		Room:   rec.ID.Zone,
		Sender: sender,
		Text:   text,
		SentAt: sentAt,
		ModTag: rec.ModTag,
	}
}

// randomID returns a prefixed random identifier for new records.
func randomID(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(buf))
}
