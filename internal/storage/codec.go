package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/louisbranch/story-engine/internal/entity"
	"github.com/louisbranch/story-engine/internal/stream"
)

// recordDTO is the wire form of a record. The payload is a tagged union:
// Kind discriminates which payload struct Raw decodes into.
type recordDTO struct {
	UID      string          `json:"uid"`
	Label    string          `json:"label,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
	Seq      int64           `json:"seq"`
	OriginID string          `json:"origin_id,omitempty"`
	Kind     stream.Kind     `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// EncodeRecord serializes a record for persistence.
func EncodeRecord(rec stream.Record) ([]byte, error) {
	dto := recordDTO{
		UID:      rec.UID,
		Label:    rec.Label,
		Seq:      rec.Seq,
		OriginID: rec.OriginID,
		Kind:     rec.RecordKind(),
	}
	dto.Tags = rec.TagList()
	sort.Strings(dto.Tags)

	if rec.Payload != nil {
		raw, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", dto.Kind, err)
		}
		dto.Payload = raw
	}
	return json.Marshal(dto)
}

// DecodeRecord deserializes a persisted record.
func DecodeRecord(data []byte) (stream.Record, error) {
	var dto recordDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return stream.Record{}, fmt.Errorf("unmarshal record: %w", err)
	}

	rec := stream.Record{
		Entity:   entity.New(dto.UID, dto.Label),
		Seq:      dto.Seq,
		OriginID: dto.OriginID,
	}
	for _, tag := range dto.Tags {
		rec.AddTag(tag)
	}

	if len(dto.Payload) > 0 {
		payload, err := decodePayload(dto.Kind, dto.Payload)
		if err != nil {
			return stream.Record{}, err
		}
		rec.Payload = payload
	}
	return rec, nil
}

func decodePayload(kind stream.Kind, raw json.RawMessage) (stream.Payload, error) {
	switch kind {
	case stream.KindReceipt:
		var p stream.Receipt
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal receipt: %w", err)
		}
		return p, nil
	case stream.KindSnapshot:
		var p stream.Snapshot
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		return p, nil
	case stream.KindFragment:
		var p stream.Fragment
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal fragment: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}
