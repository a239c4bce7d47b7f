package snapshots

import (
	"encoding/json"
	"fmt"
)

// Codec converts document states of type S to and from enveloped snapshot bytes.
// States are serialized as UTF-8 JSON before enveloping.
type Codec[S any] struct{}

// NewCodec returns a Codec for S.
func NewCodec[S any]() Codec[S] {
	return Codec[S]{}
}

// Serialize encodes state into a checksummed envelope, gzip-compressing the body when asked.
func (Codec[S]) Serialize(state S, enableCompression bool) ([]byte, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("snapshots: serialize state: %w", err)
	}
	return Encode(payload, enableCompression)
}

// Deserialize validates an envelope and decodes the state it carries.
// Legacy payloads are rejected with ErrLegacySnapshot.
func (Codec[S]) Deserialize(data []byte) (S, error) {
	var state S
	payload, _, err := Decode(data)
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(payload, &state); err != nil {
		return state, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return state, nil
}
