package message

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/axismesh/axis/internal/comm"
)

// DecodeFunc turns raw envelope bytes into a typed value.
type DecodeFunc func(data []byte) (any, error)

// CodecRegistry maps message types to typed decoders. Subscribers receive
// the Envelope and decode lazily through the registry.
type CodecRegistry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewCodecRegistry creates an empty registry.
func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{decoders: make(map[string]DecodeFunc)}
}

// Register installs a decoder for a message type, replacing any previous one.
func (r *CodecRegistry) Register(msgType string, fn DecodeFunc) {
	r.mu.Lock()
	r.decoders[msgType] = fn
	r.mu.Unlock()
}

// Decode resolves the decoder for env.Type and applies it. Types without a
// registered decoder fall back to generic JSON decoding into map[string]any.
func (r *CodecRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	fn, ok := r.decoders[env.Type]
	r.mu.RUnlock()
	if !ok {
		var generic map[string]any
		if err := json.Unmarshal(env.Bytes, &generic); err != nil {
			return nil, fmt.Errorf("%w: no decoder for type %q and payload is not JSON: %v", comm.ErrValidation, env.Type, err)
		}
		return generic, nil
	}
	v, err := fn(env.Bytes)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", env.Type, err)
	}
	return v, nil
}

// JSONDecoder builds a DecodeFunc that unmarshals into a fresh *T.
func JSONDecoder[T any]() DecodeFunc {
	return func(data []byte) (any, error) {
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
