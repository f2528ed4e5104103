package vectorstore

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Metadata maps string keys to JSON scalars (string, bool, float64 or nil).
// It is encoded with sorted keys, which is its canonical order.
type Metadata map[string]any

// Source returns the "source" entry if it is a non-empty string.
func (m Metadata) Source() (string, bool) {
	s, ok := m["source"].(string)
	return s, ok && s != ""
}

// Clone returns a shallow copy; values are scalars so this is a full copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// normalizeMetadata validates values and converts numeric kinds to
// float64, the type they have after a JSON round-trip.
func normalizeMetadata(m Metadata) (Metadata, error) {
	out := make(Metadata, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case nil, string, bool, float64:
			out[k] = val
		case float32:
			out[k] = float64(val)
		case int:
			out[k] = float64(val)
		case int8:
			out[k] = float64(val)
		case int16:
			out[k] = float64(val)
		case int32:
			out[k] = float64(val)
		case int64:
			out[k] = float64(val)
		case uint:
			out[k] = float64(val)
		case uint8:
			out[k] = float64(val)
		case uint16:
			out[k] = float64(val)
		case uint32:
			out[k] = float64(val)
		case uint64:
			out[k] = float64(val)
		case json.Number:
			f, err := val.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidMetadata, k, err)
			}
			out[k] = f
		default:
			return nil, fmt.Errorf("%w: key %q has type %T", ErrInvalidMetadata, k, v)
		}
	}
	return out, nil
}

// Chunk is a unit of text to index.
type Chunk struct {
	Text     string
	Metadata Metadata
}

// Result is one ranked query hit.
type Result struct {
	Text     string
	Metadata Metadata
	// Score is the cosine similarity to the query, in [-1, 1].
	Score float64
	// Position is the insertion index of the chunk.
	Position int
}
