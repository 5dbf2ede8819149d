package store

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// EncodeMetadata serializes metadata, treating nil as an empty object.
func EncodeMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(data []byte) (map[string]any, error) {
	metadata := map[string]any{}
	if len(data) == 0 {
		return metadata, nil
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

// NormalizeMetadata round-trips metadata through JSON so that values compare
// the same way whether they were just written or read back from storage.
func NormalizeMetadata(metadata map[string]any) (map[string]any, error) {
	data, err := EncodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	return DecodeMetadata(data)
}

// MatchesFilter reports whether every filter key is present in metadata with an equal value.
// Both maps are expected to be normalized.
func MatchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// MarshalWrites serializes write values in order.
func MarshalWrites(taskID string, writes []Write) ([]PendingWrite, error) {
	out := make([]PendingWrite, 0, len(writes))
	for idx, w := range writes {
		value, err := json.Marshal(w.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal write %d of task %s: %w", idx, taskID, err)
		}
		out = append(out, PendingWrite{TaskID: taskID, Idx: idx, Channel: w.Channel, Value: value})
	}
	return out, nil
}
