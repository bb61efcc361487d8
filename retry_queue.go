package roomsync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// QueuedWrite is a locally-originated write awaiting remote confirmation.
type QueuedWrite struct {
	ID          string    `json:"id"`
	Record      *Record   `json:"record"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	RetryCount  int       `json:"retry_count"`
	LastRetryAt time.Time `json:"last_retry_at,omitempty"`
}

// SendFunc transmits a record to the remote store.
type SendFunc func(ctx context.Context, rec *Record) error

// RetryQueue is a durable FIFO of unconfirmed writes. Items are sent
// sequentially, front to back, to preserve per-room send order. A failed
// send is retried after baseDelay * 2^(retryCount-1); after the maximum
// attempts the item is dropped and a permanent-failure event is raised.
// The queue drains automatically on the offline-to-online transition.
type RetryQueue struct {
	config RetryQueueConfig
	send   SendFunc
	events *EventHub
	store  *StateStore // optional persistence of item metadata

	mu       sync.Mutex
	items    []*QueuedWrite
	online   bool
	draining bool
	nextID   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent         atomic.Int64
	retried      atomic.Int64
	droppedFull  atomic.Int64
	droppedFatal atomic.Int64
}

// NewRetryQueue creates a retry queue. store may be nil for a purely
// in-memory queue.
func NewRetryQueue(cfg RetryQueueConfig, send SendFunc, events *EventHub, store *StateStore) *RetryQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RetryQueue{
		config: cfg,
		send:   send,
		events: events,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Restore loads persisted items, in enqueue order, ahead of anything
// already queued in memory.
func (q *RetryQueue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	writes, err := q.store.LoadQueuedWrites(ctx)
	if err != nil {
		return fmt.Errorf("restore retry queue: %w", err)
	}

	q.mu.Lock()
	q.items = append(writes, q.items...)
	q.mu.Unlock()

	if len(writes) > 0 {
		log.Printf("[RetryQueue] Restored %d pending writes", len(writes))
	}
	return nil
}

// Enqueue appends a write. When the queue is full the oldest item is
// evicted to make room.
func (q *RetryQueue) Enqueue(rec *Record) *QueuedWrite {
	w := &QueuedWrite{
		ID:         fmt.Sprintf("write-%d-%d", q.nextID.Add(1), time.Now().UnixNano()),
		Record:     rec,
		EnqueuedAt: time.Now(),
	}

	var evicted *QueuedWrite
	q.mu.Lock()
	if len(q.items) >= q.config.Capacity {
		evicted = q.items[0]
		q.items = q.items[1:]
		q.droppedFull.Add(1)
	}
	q.items = append(q.items, w)
	q.mu.Unlock()

	if q.store != nil {
		if err := q.store.SaveQueuedWrite(q.ctx, w); err != nil {
			log.Printf("[RetryQueue] Failed to persist write %s: %v", w.ID, err)
		}
		if evicted != nil {
			if err := q.store.DeleteQueuedWrite(q.ctx, evicted.ID); err != nil {
				log.Printf("[RetryQueue] Failed to remove evicted write %s: %v", evicted.ID, err)
			}
		}
	}
	if evicted != nil {
		log.Printf("[RetryQueue] Queue full, evicted oldest write %s", evicted.ID)
	}
	return w
}

// SetOnline records a connectivity transition. Going from offline to
// online starts a drain; going offline stops new send attempts.
func (q *RetryQueue) SetOnline(online bool) {
	q.mu.Lock()
	wasOnline := q.online
	q.online = online
	start := online && !wasOnline && !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		q.wg.Add(1)
		go q.drain()
	}
}

// Online reports the last observed connectivity state.
func (q *RetryQueue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Drain processes the queue immediately if online. It is invoked
// automatically on connectivity restore; callers may also use it after
// enqueueing while already online.
func (q *RetryQueue) Drain() {
	q.mu.Lock()
	start := q.online && !q.draining && len(q.items) > 0
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		q.wg.Add(1)
		go q.drain()
	}
}

func (q *RetryQueue) drain() {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if !q.online || len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.mu.Unlock()

		select {
		case <-q.ctx.Done():
			return
		default:
		}

		err := q.send(q.ctx, item.Record)
		if err == nil {
			q.removeFront(item)
			q.sent.Add(1)
			continue
		}

		item.RetryCount++
		item.LastRetryAt = time.Now()
		q.retried.Add(1)
		if q.store != nil {
			if perr := q.store.SaveQueuedWrite(q.ctx, item); perr != nil {
				log.Printf("[RetryQueue] Failed to persist retry state for %s: %v", item.ID, perr)
			}
		}

		kind := KindOf(err)
		exhausted := item.RetryCount >= q.config.MaxAttempts
		if kind == ErrKindPermissionDenied || exhausted {
			q.removeFront(item)
			q.droppedFatal.Add(1)
			log.Printf("[RetryQueue] Write %s failed permanently after %d attempts: %v",
				item.ID, item.RetryCount, err)
			if q.events != nil {
				q.events.Publish(Event{
					Kind:    EventPermanentSendFailure,
					Scope:   item.Record.ID.Scope,
					Room:    item.Record.ID.Zone,
					Write:   item,
					ErrKind: kind,
					Err:     err,
				})
			}
			continue
		}

		delay := q.backoffDelay(item.RetryCount)
		log.Printf("[RetryQueue] Write %s failed (attempt %d/%d), retrying in %s: %v",
			item.ID, item.RetryCount, q.config.MaxAttempts, delay, err)

		select {
		case <-q.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns baseDelay * 2^(retryCount-1), capped at MaxDelay.
func (q *RetryQueue) backoffDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := q.config.BaseDelay << uint(retryCount-1)
	if delay > q.config.MaxDelay {
		delay = q.config.MaxDelay
	}
	return delay
}

func (q *RetryQueue) removeFront(item *QueuedWrite) {
	q.mu.Lock()
	if len(q.items) > 0 && q.items[0] == item {
		q.items = q.items[1:]
	}
	q.mu.Unlock()

	if q.store != nil {
		if err := q.store.DeleteQueuedWrite(q.ctx, item.ID); err != nil {
			log.Printf("[RetryQueue] Failed to remove write %s: %v", item.ID, err)
		}
	}
}

// RemoveRecord drops any queued write for the given record identity.
// Used when conflict resolution discards a pending local version; an
// item already mid-send is not recalled.
func (q *RetryQueue) RemoveRecord(id RecordID) bool {
	var dropped []string

	q.mu.Lock()
	kept := q.items[:0]
	for _, item := range q.items {
		if item.Record.ID == id {
			dropped = append(dropped, item.ID)
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	q.mu.Unlock()

	if q.store != nil {
		for _, itemID := range dropped {
			if err := q.store.DeleteQueuedWrite(q.ctx, itemID); err != nil {
				log.Printf("[RetryQueue] Failed to remove write %s: %v", itemID, err)
			}
		}
	}
	return len(dropped) > 0
}

// Len returns the number of queued writes.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot of the queue in send order.
func (q *RetryQueue) Items() []*QueuedWrite {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*QueuedWrite, len(q.items))
	for i, item := range q.items {
		copy := *item
		items[i] = &copy
	}
	return items
}

// RetryQueueStats contains retry queue statistics.
type RetryQueueStats struct {
	Queued           int   `json:"queued"`
	Sent             int64 `json:"sent"`
	Retried          int64 `json:"retried"`
	DroppedFull      int64 `json:"dropped_full"`
	DroppedPermanent int64 `json:"dropped_permanent"`
	Online           bool  `json:"online"`
}

// Stats returns retry queue statistics.
func (q *RetryQueue) Stats() RetryQueueStats {
	q.mu.Lock()
	queued := len(q.items)
	online := q.online
	q.mu.Unlock()

	return RetryQueueStats{
		Queued:           queued,
		Sent:             q.sent.Load(),
		Retried:          q.retried.Load(),
		DroppedFull:      q.droppedFull.Load(),
		DroppedPermanent: q.droppedFatal.Load(),
		Online:           online,
	}
}

// Close stops any in-flight drain and waits for it to finish.
func (q *RetryQueue) Close() {
	q.cancel()
	q.wg.Wait()
}
