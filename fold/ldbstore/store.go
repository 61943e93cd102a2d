// Package ldbstore provides a LevelDB backed implementation of the fold
// state store. Values are transparently snappy compressed when that saves
// space.
package ldbstore

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/0xsoniclabs/fidelio/fold"
)

const (
	rawValue    = byte(0) // < value stored as-is
	snappyValue = byte(1) // < value stored snappy compressed
)

// Store is a fold.Store keeping its content in a LevelDB database on disk.
type Store struct {
	db *leveldb.DB
}

var _ fold.Store = (*Store)(nil)

// New opens the LevelDB database in the given directory, creating it if
// necessary.
func New(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	data, err := s.db.Get(key, &opt.ReadOptions{})
	if err == leveldb.ErrNotFound {
		return nil, fold.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *Store) Set(key []byte, value []byte) error {
	return s.db.Put(key, encode(value), &opt.WriteOptions{})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Keys returns the keys of all entries in the store.
func (s *Store) Keys() ([][]byte, error) {
	iter := s.db.NewIterator(nil, &opt.ReadOptions{})
	defer iter.Release()
	var keys [][]byte
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		keys = append(keys, key)
	}
	return keys, iter.Error()
}

// encode prefixes the value with a format byte, compressing it when the
// compressed form is smaller than the original.
func encode(value []byte) []byte {
	if compressed := snappy.Encode(nil, value); len(compressed) < len(value) {
		return append([]byte{snappyValue}, compressed...)
	}
	return append([]byte{rawValue}, value...)
}

func decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("corrupted store entry, missing format header")
	}
	switch data[0] {
	case rawValue:
		return data[1:], nil
	case snappyValue:
		value, err := snappy.Decode(nil, data[1:])
		if err != nil {
			return nil, fmt.Errorf("corrupted store entry: %w", err)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("corrupted store entry, unknown format 0x%02x", data[0])
	}
}
