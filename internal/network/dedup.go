package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Dedup remembers recently delivered messages by blake3 hash. Entries live
// in two generations that rotate every window, so a message is remembered
// for between one and two windows.
type Dedup struct {
	mu       sync.Mutex
	current  map[[32]byte]struct{}
	previous map[[32]byte]struct{}

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewDedup creates a tracker rotating every window.
func NewDedup(window time.Duration) *Dedup {
	d := &Dedup{
		current:  make(map[[32]byte]struct{}),
		previous: make(map[[32]byte]struct{}),
		stop:     make(chan struct{}),
	}

	d.wg.Add(1)
	go d.rotateLoop(window)

	return d
}

// Check reports whether data is new, recording it if so.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.current[hash]; ok {
		return false
	}
	if _, ok := d.previous[hash]; ok {
		return false
	}

	d.current[hash] = struct{}{}
	return true
}

// Len returns the number of remembered messages.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.current) + len(d.previous)
}

// Close stops rotation.
func (d *Dedup) Close() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dedup) rotateLoop(window time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.rotate()
		case <-d.stop:
			return
		}
	}
}

func (d *Dedup) rotate() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.previous = d.current
	d.current = make(map[[32]byte]struct{}, len(d.previous))
}
