package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	// defaultCacheSize is the block cache size (32 MB).
	defaultCacheSize = 32 << 20

	// defaultMemTableSize is the memtable size (16 MB).
	defaultMemTableSize = 16 << 20
)

// ErrClosed is returned by operations on a closed Storage.
var ErrClosed = errors.New("storage closed")

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Option configures a Storage.
type Option func(*options)

type options struct {
	syncInterval time.Duration
	cacheSize    int64
	memTableSize uint64
}

// WithSyncInterval sets how often buffered writes are synced to disk.
// A zero interval makes every write synchronous.
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) {
		o.syncInterval = d
	}
}

// WithCacheSize sets the Pebble block cache size in bytes.
func WithCacheSize(n int64) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

// Storage is a key-value store backed by Pebble.
// With a non-zero sync interval writes are non-blocking (NoSync) and a
// background goroutine periodically syncs the WAL.
type Storage struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	stopSync chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// New opens (or creates) a Storage at path.
func New(path string, opts ...Option) (*Storage, error) {
	o := options{
		syncInterval: defaultSyncInterval,
		cacheSize:    defaultCacheSize,
		memTableSize: defaultMemTableSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cache := pebble.NewCache(o.cacheSize)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                o.memTableSize,
		MemTableStopWritesThreshold: 2,
	})
	if err != nil {
		return nil, err
	}

	s := &Storage{
		db:        db,
		writeOpts: pebble.Sync,
		stopSync:  make(chan struct{}),
	}

	if o.syncInterval > 0 {
		s.writeOpts = pebble.NoSync
		s.startSyncLoop(o.syncInterval)
	}

	return s, nil
}

// Get retrieves the value for key, or nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// value is only valid until closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Has reports whether key exists.
func (s *Storage) Has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, closer.Close()
}

// Set stores a key-value pair.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, s.writeOpts)
}

// Delete removes a key from the store.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, s.writeOpts)
}

// SetBatch atomically stores multiple key-value pairs.
func (s *Storage) SetBatch(pairs []KeyValue) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return err
		}
	}

	return batch.Commit(s.writeOpts)
}

// DeletePrefix removes every key starting with prefix.
func (s *Storage) DeletePrefix(prefix []byte) error {
	upper := prefixUpperBound(prefix)
	if upper == nil {
		return fmt.Errorf("unbounded prefix %x", prefix)
	}

	return s.db.DeleteRange(prefix, upper, s.writeOpts)
}

// IteratePrefix calls fn for each key-value pair with the given prefix,
// in lexicographic key order. Iteration stops at the first error from fn.
// key and value are only valid for the duration of the call.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.IterateRange(prefix, prefixUpperBound(prefix), fn)
}

// IterateRange calls fn for each key in [lower, upper). A nil upper bound
// iterates to the end of the keyspace.
func (s *Storage) IterateRange(lower, upper []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Flush forces buffered writes to disk.
func (s *Storage) Flush() error {
	return s.db.LogData(nil, pebble.Sync)
}

// Close stops the sync goroutine, flushes, and closes the database.
func (s *Storage) Close() error {
	err := ErrClosed

	s.closeOnce.Do(func() {
		close(s.stopSync)
		s.wg.Wait()

		if ferr := s.Flush(); ferr != nil {
			s.db.Close()
			err = ferr
			return
		}

		err = s.db.Close()
	})

	return err
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop(interval time.Duration) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.Flush()
			case <-s.stopSync:
				return
			}
		}
	}()
}
