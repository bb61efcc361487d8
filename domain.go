package roomsync

import (
	"fmt"
	"sync"
	"time"
)

// Message is the primary domain entity materialized from remote records.
type Message struct {
	ID     string    `json:"id"`
	Room   string    `json:"room"`
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
	ModTag string    `json:"mod_tag,omitempty"`
}

// DomainStore is the local domain store collaborator. Its methods are
// invoked only from the dispatch path of the owning scope; stores bound
// to another execution context must marshal internally.
type DomainStore interface {
	UpsertMessage(m *Message) error
	RecordDeleted(id RecordID) error
	UpsertReactionAggregate(room, messageID string, counts map[string]int) error
	LinkAttachment(room, messageID, localPath string) error
	UpsertMembership(room, userID, displayName string) error
}

// RoomPurger is implemented by domain stores that can drop all local
// state for a room whose zone was deleted remotely.
type RoomPurger interface {
	PurgeRoom(room string) error
}

// MemoryDomainStore is an in-memory DomainStore, suitable for tests and
// for embedding applications that project into their own storage.
type MemoryDomainStore struct {
	mu          sync.RWMutex
	messages    map[string]*Message          // room/id
	reactions   map[string]map[string]int    // room/messageID -> emoji -> count
	attachments map[string]string            // room/messageID -> local path
	members     map[string]map[string]string // room -> userID -> display name
	deleted     map[string]bool              // record key
}

// NewMemoryDomainStore creates an empty in-memory domain store.
func NewMemoryDomainStore() *MemoryDomainStore {
	return &MemoryDomainStore{
		messages:    make(map[string]*Message),
		reactions:   make(map[string]map[string]int),
		attachments: make(map[string]string),
		members:     make(map[string]map[string]string),
		deleted:     make(map[string]bool),
	}
}

func domainKey(room, id string) string {
	return fmt.Sprintf("%s/%s", room, id)
}

// UpsertMessage creates or replaces a message.
func (s *MemoryDomainStore) UpsertMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *m
	s.messages[domainKey(m.Room, m.ID)] = &copy
	return nil
}

// RecordDeleted removes the local projection of a deleted record.
func (s *MemoryDomainStore) RecordDeleted(id RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleted[id.Key()] = true
	if id.Type == RecordTypeMessage {
		key := domainKey(id.Zone, id.Name)
		delete(s.messages, key)
		delete(s.reactions, key)
		delete(s.attachments, key)
	}
	return nil
}

// UpsertReactionAggregate replaces the reaction counts for a message.
func (s *MemoryDomainStore) UpsertReactionAggregate(room, messageID string, counts map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]int, len(counts))
	for emoji, n := range counts {
		merged[emoji] = n
	}
	s.reactions[domainKey(room, messageID)] = merged
	return nil
}

// LinkAttachment associates a materialized file with a message.
func (s *MemoryDomainStore) LinkAttachment(room, messageID, localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[domainKey(room, messageID)] = localPath
	return nil
}

// UpsertMembership appends or updates a roster entry.
func (s *MemoryDomainStore) UpsertMembership(room, userID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roster, ok := s.members[room]
	if !ok {
		roster = make(map[string]string)
		s.members[room] = roster
	}
	roster[userID] = displayName
	return nil
}

// PurgeRoom drops all local state for a room.
func (s *MemoryDomainStore) PurgeRoom(room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := room + "/"
	for key := range s.messages {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.messages, key)
		}
	}
	for key := range s.reactions {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.reactions, key)
		}
	}
	for key := range s.attachments {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.attachments, key)
		}
	}
	delete(s.members, room)
	return nil
}

// Message returns a message by room and ID.
func (s *MemoryDomainStore) Message(room, id string) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[domainKey(room, id)]
	if !ok {
		return nil, false
	}
	copy := *m
	return &copy, true
}

// MessageCount returns the number of stored messages.
func (s *MemoryDomainStore) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Reactions returns the reaction counts for a message.
func (s *MemoryDomainStore) Reactions(room, messageID string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts, ok := s.reactions[domainKey(room, messageID)]
	if !ok {
		return nil
	}
	out := make(map[string]int, len(counts))
	for emoji, n := range counts {
		out[emoji] = n
	}
	return out
}

// Attachment returns the local path linked to a message, if any.
func (s *MemoryDomainStore) Attachment(room, messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	path, ok := s.attachments[domainKey(room, messageID)]
	return path, ok
}

// Members returns the roster for a room.
func (s *MemoryDomainStore) Members(room string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roster, ok := s.members[room]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(roster))
	for id, name := range roster {
		out[id] = name
	}
	return out
}
