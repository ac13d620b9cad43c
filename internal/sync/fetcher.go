package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	gosync "sync"
	"sync/atomic"
	"time"

	"Astor/internal/consensus"
	"Astor/internal/logger"
)

// ErrNoPeers is returned when no validator is connected.
var ErrNoPeers = errors.New("no peers to fetch from")

// Network is a Requester that knows which validators it can reach.
type Network interface {
	Requester
	PeerIDs() []string
}

// Fetcher pulls committed blocks from connected validators, trying each in
// turn until one serves the range.
type Fetcher struct {
	net     Network
	timeout time.Duration

	mu   gosync.Mutex
	next int

	height atomic.Uint64
}

// NewFetcher creates a fetcher bounding each peer request by timeout.
func NewFetcher(net Network, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{net: net, timeout: timeout}
}

// FetchBlocks returns up to max blocks starting at from. An empty result
// means no reachable peer holds block from.
func (f *Fetcher) FetchBlocks(ctx context.Context, from uint64, max int) ([]*consensus.Block, error) {
	peers := f.rotation()
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	var errs []error
	for _, id := range peers {
		reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
		resp, err := RequestBlocks(reqCtx, f.net, id, from, max)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("block fetch failed", "peer", id, "from", from, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}

		f.observe(resp.Height)

		if len(resp.Blocks) > 0 {
			return resp.Blocks, nil
		}
	}

	if len(errs) == len(peers) {
		return nil, fmt.Errorf("fetch blocks from %d:\n%w", from, errors.Join(errs...))
	}

	return nil, nil
}

// NetworkHeight returns the highest chain height a peer has reported.
func (f *Fetcher) NetworkHeight() uint64 {
	return f.height.Load()
}

func (f *Fetcher) observe(height uint64) {
	for {
		cur := f.height.Load()
		if height <= cur || f.height.CompareAndSwap(cur, height) {
			return
		}
	}
}

// rotation returns the peers ordered so consecutive calls start at
// different validators.
func (f *Fetcher) rotation() []string {
	ids := f.net.PeerIDs()
	if len(ids) == 0 {
		return nil
	}

	f.mu.Lock()
	start := f.next % len(ids)
	f.next++
	f.mu.Unlock()

	return append(ids[start:len(ids):len(ids)], ids[:start]...)
}

// Only returns a fetcher that asks peerID alone.
func (f *Fetcher) Only(peerID string) *Fetcher {
	return NewFetcher(pinned{Network: f.net, id: peerID}, f.timeout)
}

// pinned restricts a Network to one validator.
type pinned struct {
	Network
	id string
}

func (p pinned) PeerIDs() []string {
	if slices.Contains(p.Network.PeerIDs(), p.id) {
		return []string{p.id}
	}
	return nil
}
