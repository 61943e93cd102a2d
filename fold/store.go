// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package fold

import (
	"encoding/json"
	"sync"

	"github.com/0xsoniclabs/fidelio/chain"
)

const (
	ErrNotFound = chain.ConstError("not found")
)

// Store is a key-value store used to persist confirmed fold states across
// restarts.
type Store interface {
	// Get returns the value stored under the given key, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	// Set stores the given value under the given key, replacing any
	// previous value.
	Set(key []byte, value []byte) error
	Close() error
}

// Codec converts state accumulators to and from a byte representation for
// persistence in a Store.
type Codec[A any] interface {
	Encode(state A) ([]byte, error)
	Decode(data []byte) (A, error)
}

// JSONCodec is a Codec based on the standard JSON encoding. It is suitable
// for accumulators whose exported fields fully describe their state.
type JSONCodec[A any] struct{}

func (JSONCodec[A]) Encode(state A) ([]byte, error) {
	// Encoding through a pointer picks up marshalers declared on pointer
	// receivers, as for instance uint256.Int fields require.
	return json.Marshal(&state)
}

func (JSONCodec[A]) Decode(data []byte) (A, error) {
	var state A
	err := json.Unmarshal(data, &state)
	return state, err
}

var _ Codec[int] = JSONCodec[int]{}

// MemoryStore is an in-memory implementation of the Store interface for
// testing purposes.
type MemoryStore struct {
	mu    sync.Mutex
	store map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{store: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.store[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *MemoryStore) Set(key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[string(key)] = value
	return nil
}

func (s *MemoryStore) Close() error {
	// No resources to clean up for the in-memory store.
	return nil
}

var _ Store = (*MemoryStore)(nil)

// storedState is the envelope written to the store for the latest confirmed
// state of a cache line.
type storedState struct {
	Block chain.Block `json:"block"`
	State []byte      `json:"state"`
}
