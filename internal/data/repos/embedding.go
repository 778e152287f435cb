package repos

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// ParseEmbeddingJSON decodes a JSONB float array into a float32 vector.
// Tolerant: empty or malformed columns yield a nil vector, not an error,
// because un-embedded rows are a normal state.
func ParseEmbeddingJSON(raw datatypes.JSON) ([]float32, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var vals []float64
	if err := json.Unmarshal(raw, &vals); err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = float32(v)
	}
	return out, nil
}

// EncodeEmbeddingJSON encodes a vector as a JSONB float array.
func EncodeEmbeddingJSON(vec []float32) (datatypes.JSON, error) {
	if len(vec) == 0 {
		return datatypes.JSON([]byte("[]")), nil
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
