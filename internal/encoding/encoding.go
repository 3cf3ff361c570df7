// Package encoding holds the binary and JSON codecs shared by the storage
// primitives. Vectors are stored as a little-endian int32 length prefix
// followed by the raw float32 components.
package encoding

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned for nil, empty, or non-finite vectors.
var ErrInvalidVector = errors.New("invalid vector")

// EncodeVector serializes a float32 vector to bytes.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}
	if len(vector) > math.MaxInt32 {
		return nil, fmt.Errorf("vector too large: %d elements", len(vector))
	}

	buf := make([]byte, 4+4*len(vector))
	binary.LittleEndian.PutUint32(buf, uint32(len(vector)))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(v))
	}
	return buf, nil
}

// DecodeVector deserializes bytes produced by EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}
	length := int32(binary.LittleEndian.Uint32(data))
	if length < 0 {
		return nil, ErrInvalidVector
	}
	if length == 0 {
		return []float32{}, nil
	}
	if len(data)-4 < int(length)*4 {
		return nil, ErrInvalidVector
	}

	vector := make([]float32, length)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+4*i:]))
	}
	return vector, nil
}

// ValidateVector rejects nil, empty, and non-finite vectors.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

// EncodeMetadata serializes an open key-value map to a JSON string.
// A nil map encodes to the empty string.
func EncodeMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

// DecodeMetadata parses a JSON string produced by EncodeMetadata.
func DecodeMetadata(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(s), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}

// EncodeStrings serializes a string slice to a JSON string.
func EncodeStrings(values []string) (string, error) {
	if values == nil {
		return "", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode strings: %w", err)
	}
	return string(data), nil
}

// DecodeStrings parses a JSON string produced by EncodeStrings.
func DecodeStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return nil, fmt.Errorf("decode strings: %w", err)
	}
	return values, nil
}
