package roomsync

import (
	"fmt"
	"time"
)

// Scope identifies a remote-store partition with independent ownership,
// change tokens, and in-flight state.
type Scope string

const (
	// ScopePrivate is the single-owner partition.
	ScopePrivate Scope = "private"
	// ScopeShared is the multi-participant partition.
	ScopeShared Scope = "shared"
)

// Scopes lists all partitions a Core manages.
func Scopes() []Scope {
	return []Scope{ScopePrivate, ScopeShared}
}

// RecordType tags the domain meaning of a remote record.
type RecordType string

const (
	RecordTypeMessage    RecordType = "Message"
	RecordTypeReaction   RecordType = "Reaction"
	RecordTypeAttachment RecordType = "Attachment"
	RecordTypeMember     RecordType = "Member"
)

// RecordID is the identity of a remote record: (scope, zone, type, name).
// One zone corresponds to one chat room.
type RecordID struct {
	Scope Scope      `json:"scope"`
	Zone  string     `json:"zone"`
	Type  RecordType `json:"type"`
	Name  string     `json:"name"`
}

// Key returns a stable string form of the identity, usable as a map key.
func (id RecordID) Key() string {
	return fmt.Sprintf("%s/%s/%s/%s", id.Scope, id.Zone, id.Type, id.Name)
}

func (id RecordID) String() string { return id.Key() }

// Field is a single named, typed value on a record. Field order is
// preserved as received from the remote store.
type Field struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Record is the unit of remote state: an identity, an ordered field list,
// and a modification marker used for last-writer-wins comparisons.
// A tombstone carries only the identity with Deleted set.
type Record struct {
	ID      RecordID `json:"id"`
	Fields  []Field  `json:"fields,omitempty"`
	ModTag  string   `json:"mod_tag,omitempty"`
	ModTime int64    `json:"mod_time,omitempty"` // unix nanos; 0 = unknown
	Deleted bool     `json:"deleted,omitempty"`
}

// NewRecord creates a record with the given identity.
func NewRecord(id RecordID) *Record {
	return &Record{ID: id}
}

// Get returns the value of a named field.
func (r *Record) Get(name string) (any, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set overwrites a field in place, or appends it, preserving field order.
func (r *Record) Set(name string, value any) {
	for i, f := range r.Fields {
		if f.Name == name {
			r.Fields[i].Value = value
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: value})
}

// GetString returns a string field, or "" when absent or not a string.
func (r *Record) GetString(name string) string {
	v, ok := r.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetBytes returns a []byte field, or nil when absent.
// Values arriving over JSON as base64 strings are not decoded here;
// the remote client decodes them before dispatch.
func (r *Record) GetBytes(name string) []byte {
	v, ok := r.Get(name)
	if !ok {
		return nil
	}
	b, _ := v.([]byte)
	return b
}

// ModTimestamp returns the modification marker as a time, or the zero
// time when the marker is unknown.
func (r *Record) ModTimestamp() time.Time {
	if r.ModTime == 0 {
		return time.Time{}
	}
	return time.Unix(0, r.ModTime)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = make([]Field, len(r.Fields))
	copy(c.Fields, r.Fields)
	return &c
}

// ResolveRoom deterministically maps a logical room to its scope and zone.
// Rooms the local user owns live in the private scope; rooms shared by
// another participant live in the shared scope. The zone name is the room ID.
func ResolveRoom(roomID string, ownedByMe bool) (Scope, string) {
	if ownedByMe {
		return ScopePrivate, roomID
	}
	return ScopeShared, roomID
}
