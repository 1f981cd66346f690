// Package codec serializes task return values and progress payloads. A single
// codec is configured process-wide so producers, workers and the result store
// always agree on the wire form.
package codec

import (
	"encoding/json"
	"fmt"
)

// Codec encodes arbitrary task values to bytes and back. Implementations must
// satisfy Decode(Encode(v)) == v for all supported value types.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, into any) error
	Name() string
}

// JSON is the default codec.
type JSON struct{}

// Name returns the codec identifier.
func (JSON) Name() string { return "json" }

// Encode marshals v to JSON.
func (JSON) Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=codec.encode: %w", err)
	}
	return b, nil
}

// Decode unmarshals data into the given target.
func (JSON) Decode(data []byte, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("op=codec.decode: %w", err)
	}
	return nil
}

// Default returns the process-wide codec.
func Default() Codec { return JSON{} }
