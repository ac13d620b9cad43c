package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"Astor/internal/ledger"
	"Astor/internal/storage"
)

// Key prefixes for storage.
var (
	prefixBlock = []byte("b:")       // b:<sequence> -> block bytes
	keyHeight   = []byte("m:height") // m:height -> uint64
)

// BlockStore persists committed blocks by sequence.
type BlockStore struct {
	db *storage.Storage

	mu     sync.RWMutex
	height uint64
}

// NewBlockStore opens the block store on db.
func NewBlockStore(db *storage.Storage) (*BlockStore, error) {
	s := &BlockStore{db: db}

	data, err := db.Get(keyHeight)
	if err != nil {
		return nil, fmt.Errorf("read height:\n%w", err)
	}
	if len(data) == 8 {
		s.height = binary.BigEndian.Uint64(data)
	}

	return s, nil
}

// Height returns the sequence of the last stored block.
func (s *BlockStore) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.height
}

// Put stores b, which must directly follow the current height.
func (s *BlockStore) Put(b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Sequence != s.height+1 {
		return fmt.Errorf("%w: store at %d, block %d", ErrSequenceGap, s.height, b.Sequence)
	}

	var h [8]byte
	binary.BigEndian.PutUint64(h[:], b.Sequence)

	err := s.db.SetBatch([]storage.KeyValue{
		{Key: blockKey(b.Sequence), Value: EncodeBlock(b)},
		{Key: keyHeight, Value: h[:]},
	})
	if err != nil {
		return fmt.Errorf("store block %d:\n%w", b.Sequence, err)
	}

	s.height = b.Sequence

	return nil
}

// PersistBlock stores b. The ledger result is not needed here.
func (s *BlockStore) PersistBlock(b *Block, _ ledger.BlockResult) error {
	return s.Put(b)
}

// Get returns the block at sequence, or nil if absent.
func (s *BlockStore) Get(sequence uint64) (*Block, error) {
	data, err := s.db.Get(blockKey(sequence))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	return DecodeBlock(data)
}

// Range returns up to max consecutive blocks starting at from.
func (s *BlockStore) Range(from uint64, max int) ([]*Block, error) {
	if from == 0 {
		from = 1
	}

	var blocks []*Block

	err := s.db.IterateRange(blockKey(from), prefixUpperBound(prefixBlock), func(_, value []byte) error {
		if len(blocks) >= max {
			return errStopIteration
		}

		b, err := DecodeBlock(value)
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}

	return blocks, nil
}

// FetchBlocks serves Range, so a node can rebuild its ledger from disk.
func (s *BlockStore) FetchBlocks(_ context.Context, from uint64, max int) ([]*Block, error) {
	return s.Range(from, max)
}

// Reset drops every stored block.
func (s *BlockStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeletePrefix(prefixBlock); err != nil {
		return fmt.Errorf("reset blocks:\n%w", err)
	}
	if err := s.db.Delete(keyHeight); err != nil {
		return fmt.Errorf("reset height:\n%w", err)
	}

	s.height = 0

	return nil
}

var errStopIteration = errors.New("stop iteration")

func blockKey(sequence uint64) []byte {
	key := make([]byte, len(prefixBlock)+8)
	copy(key, prefixBlock)
	binary.BigEndian.PutUint64(key[len(prefixBlock):], sequence)
	return key
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	upper[len(upper)-1]++
	return upper
}
