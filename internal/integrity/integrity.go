// Package integrity provides content hashing and state-copy helpers used by
// snapshot records and the persistence layer.
//
// Why this package exists:
//   - It ensures snapshot payloads carry a deterministic hash of the state
//     they captured, so replay and recovery can verify what they restore.
//   - It isolates canonical serialization from higher-level stream and
//     storage code.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ContentHash computes the canonical content hash of a value.
//
// The value is serialized as JSON (map keys are emitted in sorted order, so
// equal states hash equally) and digested with SHA-256. The hex form is
// returned because hashes travel inside records and persisted rows as text.
func ContentHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for hash: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// DeepCopyState returns a deep copy of a state map via a JSON round trip.
//
// Snapshot records must not alias live entity state: a later mutation of the
// snapshotted entity must never be visible through an already-appended
// record. The round trip also normalizes values to JSON types, matching what
// a persisted-and-reloaded snapshot would contain.
func DeepCopyState(state map[string]any) (map[string]any, error) {
	if state == nil {
		return nil, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	copied := make(map[string]any, len(state))
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return copied, nil
}
