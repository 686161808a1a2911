package merge

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
)

// Checksum hashes the canonical JSON form of v. Map keys are emitted in
// sorted order so logically equal objects hash the same regardless of
// insertion order.
func Checksum(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}

// decode parses JSON keeping numbers as json.Number so values survive a
// re-encode byte for byte.
func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// normalize re-decodes v so nested numbers use the same representation as
// snapshots parsed by decode.
func normalize(v map[string]any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out, err := decode(data)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}
