package memory

import (
	"encoding/json"
	"fmt"

	"github.com/louisbranch/story-engine/internal/storage"
)

type stateDTO struct {
	Script      string                      `json:"script,omitempty"`
	CursorID    string                      `json:"cursor_id,omitempty"`
	ReturnStack []string                    `json:"return_stack,omitempty"`
	Records     []json.RawMessage           `json:"records"`
	Markers     map[string]map[string]int64 `json:"markers,omitempty"`
}

func encodeState(state storage.SessionState) ([]byte, error) {
	dto := stateDTO{
		Script:      state.Script,
		CursorID:    state.CursorID,
		ReturnStack: state.ReturnStack,
		Markers:     state.Markers,
	}
	for _, rec := range state.Records {
		raw, err := storage.EncodeRecord(rec)
		if err != nil {
			return nil, err
		}
		dto.Records = append(dto.Records, raw)
	}
	encoded, err := json.Marshal(dto)
	if err != nil {
		return nil, fmt.Errorf("marshal session state: %w", err)
	}
	return encoded, nil
}

func decodeState(uid string, encoded []byte) (storage.SessionState, error) {
	var dto stateDTO
	if err := json.Unmarshal(encoded, &dto); err != nil {
		return storage.SessionState{}, fmt.Errorf("unmarshal session state: %w", err)
	}
	state := storage.SessionState{
		UID:         uid,
		Script:      dto.Script,
		CursorID:    dto.CursorID,
		ReturnStack: dto.ReturnStack,
		Markers:     dto.Markers,
	}
	for _, raw := range dto.Records {
		rec, err := storage.DecodeRecord(raw)
		if err != nil {
			return storage.SessionState{}, err
		}
		state.Records = append(state.Records, rec)
	}
	return state, nil
}
