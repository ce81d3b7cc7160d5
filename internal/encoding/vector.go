// Package encoding implements the wire forms the storage engine binds
// vectors and metadata as, per spec.md §6 and §9.
package encoding

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned when a vector fails validation or cannot be
// decoded.
var ErrInvalidVector = errors.New("invalid vector")

// EncodeVector produces a self-describing binary form of a vector: a
// 4-byte little-endian length prefix followed by the little-endian
// float32 values. Because of the prefix this is not the plain byte image
// the vector index stores; the storage engine binds a []float32 parameter
// as that plain image without going through EncodeVector.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}

	buf := new(bytes.Buffer)
	if len(vector) > math.MaxInt32 {
		return nil, fmt.Errorf("vector too large: %d elements exceeds maximum", len(vector))
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(len(vector))); err != nil {
		return nil, fmt.Errorf("encode vector length: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("encode vector values: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVector reverses EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}

	buf := bytes.NewReader(data)
	var length int32
	if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("decode vector length: %w", err)
	}
	if length < 0 {
		return nil, ErrInvalidVector
	}
	if length == 0 {
		return []float32{}, nil
	}
	if buf.Len() < int(length)*4 {
		return nil, ErrInvalidVector
	}

	vector := make([]float32, length)
	if err := binary.Read(buf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("decode vector values: %w", err)
	}
	return vector, nil
}

// EncodeQueryVector produces the query-side wire form: a JSON array of
// finite numbers, bound as text to the vector index's MATCH parameter
// (spec.md §6, "query side"; this is also the exact textual form the
// asg017/sqlite-vec-go-bindings vec0 extension accepts for its MATCH
// operand when the blob form isn't used).
func EncodeQueryVector(vector []float32) (string, error) {
	if err := ValidateVector(vector); err != nil {
		return "", err
	}
	values := make([]float64, len(vector))
	for i, v := range vector {
		values[i] = float64(v)
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode query vector: %w", err)
	}
	return string(data), nil
}

// EncodeMetadata converts a metadata map to the single opaque string form
// documents and embeddings carry it as (spec.md §3, §9).
func EncodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

// DecodeMetadata reverses EncodeMetadata. Per spec.md §9 ("parse failures
// degrade the field to undefined/null"), a malformed string yields a nil
// map and no error.
func DecodeMetadata(jsonStr string) map[string]string {
	if jsonStr == "" {
		return nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(jsonStr), &metadata); err != nil {
		return nil
	}
	return metadata
}

// ValidateVector rejects nil, empty, NaN and infinite components.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	for _, val := range vector {
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrInvalidVector
		}
	}
	return nil
}
