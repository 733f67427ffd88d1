// Package stream provides the append-only, monotonically sequenced record
// journal that captures everything the engine produces: computation receipts,
// state snapshots, and client-facing narrative fragments.
package stream

import (
	"strings"

	"github.com/louisbranch/story-engine/internal/entity"
	"github.com/louisbranch/story-engine/internal/integrity"
)

// Kind discriminates record payload types.
type Kind string

const (
	// KindReceipt records a computation and its inputs/outputs for audit.
	KindReceipt Kind = "receipt"
	// KindSnapshot records a deep copy of an entity's state for recovery.
	KindSnapshot Kind = "snapshot"
	// KindFragment records a client-facing narrative or UI fragment.
	KindFragment Kind = "fragment"
)

// ChannelTagPrefix is the tag convention that assigns a record to a logical
// channel. A channel is not a dedicated field; it is a tag "channel:<name>".
const ChannelTagPrefix = "channel:"

// Payload is the typed content of a record.
type Payload interface {
	Kind() Kind
}

// Receipt captures a computation the engine performed.
type Receipt struct {
	// Op names the operation, e.g. "provision.resolve" or "effect.apply".
	Op string
	// Subject is the uid or key the operation acted on.
	Subject string
	// Detail carries operation-specific fields.
	Detail map[string]any
}

// Kind implements Payload.
func (Receipt) Kind() Kind { return KindReceipt }

// Snapshot captures a deep copy of an entity's state plus its content hash,
// used for recovery and replay verification.
type Snapshot struct {
	// EntityUID is the snapshotted entity.
	EntityUID string
	// Hash is the content hash of State at capture time.
	Hash string
	// State is a deep copy of the entity's state.
	State map[string]any
}

// Kind implements Payload.
func (Snapshot) Kind() Kind { return KindSnapshot }

// Fragment is a client-facing output unit.
type Fragment struct {
	// Format discriminates how clients present the fragment
	// (e.g. "text", "heading", "choice").
	Format string
	// Body is the fragment content.
	Body string
	// Hints carries optional presentation hints.
	Hints map[string]string
}

// Kind implements Payload.
func (Fragment) Kind() Kind { return KindFragment }

// UnassignedSeq marks a record whose sequence number has not been assigned
// by a stream yet.
const UnassignedSeq int64 = -1

// Record is an immutable, sequenced fact. Once appended to a stream it is
// never mutated; state changes are new records with a higher Seq.
type Record struct {
	entity.Entity
	// Seq is the record's position in its stream. UnassignedSeq until the
	// stream assigns one.
	Seq int64
	// OriginID is a non-owning back-reference to the element that produced
	// the record, resolved only via an explicit registry lookup.
	OriginID string
	// Payload is the typed record content.
	Payload Payload
}

// NewRecord creates an unsequenced record carrying the given payload.
func NewRecord(payload Payload) Record {
	rec := Record{
		Entity:  entity.Entity{Tags: make(map[string]bool)},
		Seq:     UnassignedSeq,
		Payload: payload,
	}
	return rec
}

// NewFragment creates an unsequenced fragment record on the given channel.
func NewFragment(channel, format, body string) Record {
	rec := NewRecord(Fragment{Format: format, Body: body})
	if channel != "" {
		rec.AddTag(ChannelTagPrefix + channel)
	}
	return rec
}

// NewReceipt creates an unsequenced receipt record.
func NewReceipt(op, subject string, detail map[string]any) Record {
	return NewRecord(Receipt{Op: op, Subject: subject, Detail: detail})
}

// NewSnapshot creates an unsequenced snapshot record for an entity's state.
// The state is deep-copied and content-hashed at capture time.
func NewSnapshot(entityUID string, state map[string]any) (Record, error) {
	copied, err := integrity.DeepCopyState(state)
	if err != nil {
		return Record{}, err
	}
	hash, err := integrity.ContentHash(copied)
	if err != nil {
		return Record{}, err
	}
	rec := NewRecord(Snapshot{EntityUID: entityUID, Hash: hash, State: copied})
	rec.OriginID = entityUID
	return rec, nil
}

// Channel returns the record's channel name, or "" when untagged.
func (r Record) Channel() string {
	for tag := range r.Tags {
		if strings.HasPrefix(tag, ChannelTagPrefix) {
			return strings.TrimPrefix(tag, ChannelTagPrefix)
		}
	}
	return ""
}

// RecordKind returns the payload kind, or "" for a payload-less record.
func (r Record) RecordKind() Kind {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

// MatchKey evaluates one named predicate against the record.
//
// Record-specific keys: "kind" (payload kind), "channel" (channel tag
// shorthand), "origin" (origin id). Everything else delegates to Entity.
func (r Record) MatchKey(key string, value any) (bool, error) {
	switch key {
	case "kind":
		switch v := value.(type) {
		case Kind:
			return r.RecordKind() == v, nil
		case string:
			return r.RecordKind() == Kind(v), nil
		}
		return false, nil
	case "channel":
		s, ok := value.(string)
		return ok && r.HasTag(ChannelTagPrefix+s), nil
	case "origin":
		s, ok := value.(string)
		return ok && r.OriginID == s, nil
	default:
		return r.Entity.MatchKey(key, value)
	}
}
