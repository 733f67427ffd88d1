package stream

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"

	"github.com/louisbranch/story-engine/internal/entity"
	apperrors "github.com/louisbranch/story-engine/internal/errors"
	"github.com/louisbranch/story-engine/internal/id"
)

var (
	// ErrRemoveUnsupported indicates an attempt to remove from the
	// append-only stream.
	ErrRemoveUnsupported = apperrors.New(apperrors.CodeRemoveUnsupported, "stream is append-only; records cannot be removed")
	// ErrSeqCollision indicates a forced insert at an already-used sequence.
	ErrSeqCollision = apperrors.New(apperrors.CodeSeqCollision, "sequence number is already used")
	// ErrMarkerExists indicates a marker name collision without overwrite.
	ErrMarkerExists = apperrors.New(apperrors.CodeMarkerExists, "marker name already exists for this type")
	// ErrMarkerNotFound indicates a lookup for an unknown marker.
	ErrMarkerNotFound = apperrors.New(apperrors.CodeMarkerNotFound, "marker not found")
)

const (
	// DefaultMarkerType is the marker type used when callers do not care to
	// segment by type.
	DefaultMarkerType = "_"
	// BatchMarkerType is the marker type PushRecords bookmarks batches under.
	BatchMarkerType = "entry"
	// LatestMarker is the sentinel name resolving to the marker of a type
	// with the highest sequence.
	LatestMarker = "latest"
)

// Stream is an append-only registry of records with strictly increasing,
// unique sequence numbers and named bookmarks.
//
// A Stream is owned by exactly one story session and is not safe for
// concurrent mutation by multiple writers; the internal lock only guards
// against racing readers during an append.
type Stream struct {
	mu      sync.RWMutex
	records []Record
	byUID   map[string]int
	markers map[string]map[string]int64
	maxSeq  int64
}

// New creates an empty stream. An empty stream's MaxSeq is -1 so the first
// assigned sequence number is 0.
func New() *Stream {
	return &Stream{
		byUID:   make(map[string]int),
		markers: make(map[string]map[string]int64),
		maxSeq:  -1,
	}
}

// MaxSeq returns the highest assigned sequence number, or -1 when empty.
func (s *Stream) MaxSeq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSeq
}

// Len returns the number of appended records.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// AddRecord appends a record and returns it with uid and seq assigned.
//
// When the record's seq is unassigned or not greater than the current
// maximum, the next sequence number is assigned. A caller-supplied seq
// greater than the current maximum is kept as-is, which replay depends on.
func (s *Stream) AddRecord(rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(rec)
}

func (s *Stream) addLocked(rec Record) (Record, error) {
	if rec.UID == "" {
		uid, err := id.NewID()
		if err != nil {
			return Record{}, fmt.Errorf("assign record uid: %w", err)
		}
		rec.UID = uid
	}
	if _, exists := s.byUID[rec.UID]; exists {
		return Record{}, fmt.Errorf("record %q: %w", rec.UID, entity.ErrDuplicateID)
	}
	if rec.Seq <= s.maxSeq {
		rec.Seq = s.maxSeq + 1
	}
	s.byUID[rec.UID] = len(s.records)
	s.records = append(s.records, rec)
	s.maxSeq = rec.Seq
	return rec, nil
}

// Restore appends a record keeping its caller-supplied sequence number.
// Unlike AddRecord it refuses to reassign: a seq at or below the current
// maximum is a collision and indicates a caller bug.
func (s *Stream) Restore(rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Seq <= s.maxSeq {
		return Record{}, fmt.Errorf("restore seq %d (max %d): %w", rec.Seq, s.maxSeq, ErrSeqCollision)
	}
	return s.addLocked(rec)
}

// PushRecords appends a batch of records and bookmarks the batch start.
//
// The bookmark is set under markerType at the batch's minimum sequence; an
// empty markerName defaults to the start sequence rendered in decimal. The
// returned bounds are inclusive. An empty batch is a no-op with a recorded
// warning, returning (-1, -1).
func (s *Stream) PushRecords(records []Record, markerType, markerName string) (int64, int64, error) {
	if len(records) == 0 {
		log.Printf("stream: push of empty record batch ignored")
		return -1, -1, nil
	}
	if markerType == "" {
		markerType = BatchMarkerType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := int64(-1)
	end := int64(-1)
	for _, rec := range records {
		added, err := s.addLocked(rec)
		if err != nil {
			return -1, -1, err
		}
		if start < 0 {
			start = added.Seq
		}
		end = added.Seq
	}

	if markerName == "" {
		markerName = strconv.FormatInt(start, 10)
	}
	if err := s.setMarkerLocked(markerName, markerType, start, false); err != nil {
		return -1, -1, err
	}
	return start, end, nil
}

// SetMarker records a named bookmark under a marker type.
//
// A negative seq defaults to the next sequence to be appended, so a marker
// can be set just before the batch it bookmarks. Reusing a name under the
// same type fails with ErrMarkerExists unless overwrite is set.
func (s *Stream) SetMarker(name, markerType string, seq int64, overwrite bool) error {
	if name == "" {
		return apperrors.New(apperrors.CodeMarkerExists, "marker name is required")
	}
	if markerType == "" {
		markerType = DefaultMarkerType
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < 0 {
		seq = s.maxSeq + 1
	}
	return s.setMarkerLocked(name, markerType, seq, overwrite)
}

func (s *Stream) setMarkerLocked(name, markerType string, seq int64, overwrite bool) error {
	byName, ok := s.markers[markerType]
	if !ok {
		byName = make(map[string]int64)
		s.markers[markerType] = byName
	}
	if _, exists := byName[name]; exists && !overwrite {
		return fmt.Errorf("marker %q type %q: %w", name, markerType, ErrMarkerExists)
	}
	byName[name] = seq
	return nil
}

// Marker returns the sequence a named marker points at. The LatestMarker
// sentinel resolves to the marker of this type with the highest sequence.
func (s *Stream) Marker(name, markerType string) (int64, error) {
	if markerType == "" {
		markerType = DefaultMarkerType
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markerLocked(name, markerType)
}

func (s *Stream) markerLocked(name, markerType string) (int64, error) {
	byName := s.markers[markerType]
	if len(byName) == 0 {
		return 0, fmt.Errorf("marker %q type %q: %w", name, markerType, ErrMarkerNotFound)
	}
	if name == LatestMarker {
		best := int64(-1)
		found := false
		for _, seq := range byName {
			if !found || seq > best {
				best = seq
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("marker %q type %q: %w", name, markerType, ErrMarkerNotFound)
		}
		return best, nil
	}
	seq, ok := byName[name]
	if !ok {
		return 0, fmt.Errorf("marker %q type %q: %w", name, markerType, ErrMarkerNotFound)
	}
	return seq, nil
}

// GetSection returns the records in the half-open interval between the named
// marker and the next marker of the same type. With no later marker of the
// type, the section extends to the end of the stream.
func (s *Stream) GetSection(name, markerType string) ([]Record, error) {
	if markerType == "" {
		markerType = DefaultMarkerType
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, err := s.markerLocked(name, markerType)
	if err != nil {
		return nil, err
	}

	// Find the smallest marker of the same type strictly after start.
	end := int64(-1)
	for _, seq := range s.markers[markerType] {
		if seq > start && (end < 0 || seq < end) {
			end = seq
		}
	}

	var section []Record
	for _, rec := range s.records {
		if rec.Seq < start {
			continue
		}
		if end >= 0 && rec.Seq >= end {
			continue
		}
		section = append(section, rec)
	}
	sortBySeq(section)
	return section, nil
}

// GetSlice returns records with seq in [start, end) matching the criteria
// conjunction, always sorted by seq. A negative end means no upper bound.
func (s *Stream) GetSlice(start, end int64, criteria entity.Criteria) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var slice []Record
	for _, rec := range s.records {
		if rec.Seq < start {
			continue
		}
		if end >= 0 && rec.Seq >= end {
			continue
		}
		if len(criteria) > 0 {
			ok, err := entity.Matches(rec, criteria)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		slice = append(slice, rec)
	}
	sortBySeq(slice)
	return slice, nil
}

// Channel returns all records on the named channel matching the criteria,
// sorted by seq.
func (s *Stream) Channel(channel string, criteria entity.Criteria) ([]Record, error) {
	merged := entity.Criteria{"channel": channel}
	for k, v := range criteria {
		merged[k] = v
	}
	return s.GetSlice(0, -1, merged)
}

// Last returns the maximum-seq record matching the channel and criteria.
// An empty channel matches records on any channel.
func (s *Stream) Last(channel string, criteria entity.Criteria) (Record, bool, error) {
	merged := entity.Criteria{}
	if channel != "" {
		merged["channel"] = channel
	}
	for k, v := range criteria {
		merged[k] = v
	}
	matches, err := s.GetSlice(0, -1, merged)
	if err != nil {
		return Record{}, false, err
	}
	if len(matches) == 0 {
		return Record{}, false, nil
	}
	return matches[len(matches)-1], true, nil
}

// Get returns the record with the given uid.
func (s *Stream) Get(uid string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byUID[uid]
	if !ok {
		return Record{}, fmt.Errorf("record %q: %w", uid, entity.ErrNotFound)
	}
	return s.records[idx], nil
}

// Remove always fails: the stream is append-only by contract.
func (s *Stream) Remove(uid string) error {
	return fmt.Errorf("record %q: %w", uid, ErrRemoveUnsupported)
}

// Records returns all records sorted by seq.
func (s *Stream) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	sortBySeq(out)
	return out
}

// Markers returns a copy of the marker table, keyed by type then name.
func (s *Stream) Markers() map[string]map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]int64, len(s.markers))
	for markerType, byName := range s.markers {
		names := make(map[string]int64, len(byName))
		for name, seq := range byName {
			names[name] = seq
		}
		out[markerType] = names
	}
	return out
}

// SliceToSeq produces a new stream containing only the records and markers
// with seq at or below max, used for point-in-time views such as rollback
// and export. Records are immutable, so the copies share payloads.
func (s *Stream) SliceToSeq(max int64) *Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := New()
	for _, rec := range s.records {
		if rec.Seq > max {
			continue
		}
		out.byUID[rec.UID] = len(out.records)
		out.records = append(out.records, rec)
		if rec.Seq > out.maxSeq {
			out.maxSeq = rec.Seq
		}
	}
	for markerType, byName := range s.markers {
		for name, seq := range byName {
			if seq > max {
				continue
			}
			if out.markers[markerType] == nil {
				out.markers[markerType] = make(map[string]int64)
			}
			out.markers[markerType][name] = seq
		}
	}
	return out
}

func sortBySeq(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})
}
