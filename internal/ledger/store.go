package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"

	"Astor/internal/storage"
)

var entryPrefix = []byte("e:")

// Store persists committed entries under e:<index> so an external reader
// can inspect the chain without replaying blocks.
type Store struct {
	db *storage.Storage

	mu   sync.Mutex
	next uint64
}

// NewStore opens the entry store on db and counts what is already there.
func NewStore(db *storage.Storage) (*Store, error) {
	s := &Store{db: db}

	err := db.IteratePrefix(entryPrefix, func(_, _ []byte) error {
		s.next++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count entries:\n%w", err)
	}

	return s, nil
}

// Len returns the number of stored entries.
func (s *Store) Len() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next
}

// Append stores entries after the ones already present.
func (s *Store) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pairs := make([]storage.KeyValue, len(entries))
	for i, e := range entries {
		pairs[i] = storage.KeyValue{
			Key:   entryKey(s.next + uint64(i)),
			Value: EncodeEntry(e),
		}
	}

	if err := s.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("store entries:\n%w", err)
	}

	s.next += uint64(len(entries))

	return nil
}

// Sync appends whatever suffix of chain the store does not have yet.
func (s *Store) Sync(chain []Entry) error {
	have := s.Len()
	if uint64(len(chain)) <= have {
		return nil
	}

	return s.Append(chain[have:])
}

// Reset drops every stored entry.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeletePrefix(entryPrefix); err != nil {
		return fmt.Errorf("reset entries:\n%w", err)
	}

	s.next = 0

	return nil
}

// Load reads all stored entries in chain order.
func (s *Store) Load() ([]Entry, error) {
	var entries []Entry

	err := s.db.IteratePrefix(entryPrefix, func(key, value []byte) error {
		e, err := DecodeEntry(value)
		if err != nil {
			return fmt.Errorf("decode entry %x:\n%w", key, err)
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func entryKey(index uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], index)
	return key
}
