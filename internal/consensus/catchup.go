package consensus

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"Astor/internal/ledger"
	"Astor/internal/logger"
)

// bufferFuture keeps a message for a round the node has not reached yet.
func (e *Engine) bufferFuture(m Message) {
	sender := m.Sender()

	if _, seq := roundOf(m); seq > 0 {
		e.networkHeight = max(e.networkHeight, seq-1)
	}

	if len(e.future[sender]) >= e.cfg.MaxFuturePerSender {
		logger.Debug("future buffer full, dropping message", describe(m)...)
		return
	}
	e.future[sender] = append(e.future[sender], m)

	e.maybeAdoptFutureView()
	e.maybeCatchUp()
}

// replayFuture handles buffered messages that became current and drops the
// ones that became stale.
func (e *Engine) replayFuture() {
	var ready []Message

	for sender, msgs := range e.future {
		kept := msgs[:0]
		for _, m := range msgs {
			view, seq := roundOf(m)
			switch err := e.admit(view, seq); {
			case err == nil:
				ready = append(ready, m)
			case errors.Is(err, errFuture):
				kept = append(kept, m)
			}
		}

		if len(kept) == 0 {
			delete(e.future, sender)
		} else {
			e.future[sender] = kept
		}
	}

	// PrePrepares first so votes find their proposal
	slices.SortStableFunc(ready, func(a, b Message) int {
		return int(a.Kind()) - int(b.Kind())
	})

	for _, m := range ready {
		view, seq := roundOf(m)
		if e.admit(view, seq) != nil {
			continue
		}

		switch v := m.(type) {
		case *PrePrepare:
			e.onPrePrepare(v)
		case *Prepare:
			e.onPrepare(v)
		case *Commit:
			e.onCommit(v)
		}
	}
}

// maybeAdoptFutureView moves to a higher view once f+1 validators are
// running rounds in it. At least one of them is honest, so that view was
// reached by a quorum of view changes.
func (e *Engine) maybeAdoptFutureView() {
	var views []uint64
	for _, msgs := range e.future {
		var highest uint64
		for _, m := range msgs {
			if view, _ := roundOf(m); view > highest {
				highest = view
			}
		}
		if highest > e.view {
			views = append(views, highest)
		}
	}

	f := e.vs.F()
	if len(views) < f+1 {
		return
	}

	// the (f+1)-th highest view is reached by at least f+1 senders
	slices.Sort(views)
	target := views[len(views)-1-f]
	if target <= e.view {
		return
	}

	logger.Info("adopting view from peers", "view", e.view, "target", target, "peers", len(views))
	e.enterView(target)
}

// maybeCatchUp fetches missing blocks once f+1 validators are working on
// sequences beyond the next one.
func (e *Engine) maybeCatchUp() {
	if e.fetcher == nil || e.catchingUp {
		return
	}

	ahead := 0
	for _, msgs := range e.future {
		for _, m := range msgs {
			if _, seq := roundOf(m); seq > e.lastCommitted+1 {
				ahead++
				break
			}
		}
	}

	if ahead < e.vs.F()+1 {
		return
	}

	e.startCatchUp()
}

func (e *Engine) startCatchUp() {
	if e.ctx == nil {
		return
	}

	e.catchingUp = true
	from := e.lastCommitted + 1

	logger.Info("behind peers, fetching blocks", "from", from)

	go func() {
		blocks, err := e.fetcher.FetchBlocks(e.ctx, from, e.cfg.FetchBatch)

		select {
		case e.fetchedCh <- fetchResult{from: from, blocks: blocks, err: err}:
		case <-e.ctx.Done():
		}
	}()
}

// onFetched applies blocks returned by a catch-up fetch.
func (e *Engine) onFetched(res fetchResult) {
	e.catchingUp = false

	if hr, ok := e.fetcher.(HeightReporter); ok {
		e.networkHeight = max(e.networkHeight, hr.NetworkHeight())
	}

	if res.err != nil {
		logger.Warn("block fetch failed", "from", res.from, "error", res.err)
		return
	}

	applied := 0
	for _, b := range res.blocks {
		if b.Sequence <= e.lastCommitted {
			continue
		}

		if err := e.verifyNext(b); err != nil {
			logger.Warn("rejecting fetched block", "sequence", b.Sequence, "error", err)
			break
		}

		if err := e.applyBlock(b); err != nil {
			logger.Error("applying fetched block failed", "sequence", b.Sequence, "error", err)
			break
		}
		applied++
	}

	if applied == 0 {
		return
	}

	if e.lastBlock.View > e.view {
		e.setView(e.lastBlock.View)
	}
	e.afterCommit()

	if len(res.blocks) == e.cfg.FetchBatch {
		e.startCatchUp()
	}
}

// verifyNext checks that b is a correctly certified successor of the last
// committed block.
func (e *Engine) verifyNext(b *Block) error {
	if !b.Follows(e.lastBlock) {
		return fmt.Errorf("%w: block %d does not extend height %d", ErrInvalidBlock, b.Sequence, e.lastCommitted)
	}
	return b.Verify(e.vs)
}

// Chain is a ledger rebuilt from verified blocks.
type Chain struct {
	Ledger  *ledger.Ledger
	Blocks  []*Block
	Results []ledger.BlockResult
}

// Last returns the highest block, or nil for an empty chain.
func (c *Chain) Last() *Block {
	if len(c.Blocks) == 0 {
		return nil
	}
	return c.Blocks[len(c.Blocks)-1]
}

// Rebuild replays every block source serves, from sequence 1, into a fresh
// ledger. Each block must extend the previous one and carry a commit
// quorum of vs.
func Rebuild(ctx context.Context, source BlockFetcher, vs *ValidatorSet, batch int) (*Chain, error) {
	c := &Chain{Ledger: ledger.New()}

	for {
		blocks, err := source.FetchBlocks(ctx, uint64(len(c.Blocks))+1, batch)
		if err != nil {
			return nil, fmt.Errorf("fetch blocks from %d:\n%w", len(c.Blocks)+1, err)
		}
		if len(blocks) == 0 {
			break
		}

		for _, b := range blocks {
			if !b.Follows(c.Last()) {
				return nil, fmt.Errorf("%w: block %d does not extend %d", ErrInvalidBlock, b.Sequence, len(c.Blocks))
			}
			if err := b.Verify(vs); err != nil {
				return nil, err
			}

			result, err := c.Ledger.AppendBlock(b.Sequence, b.Transactions)
			if err != nil {
				return nil, fmt.Errorf("replay block %d:\n%w", b.Sequence, err)
			}

			c.Blocks = append(c.Blocks, b)
			c.Results = append(c.Results, result)
		}
	}

	if !c.Ledger.VerifyIntegrity() {
		return nil, fmt.Errorf("%w: rebuilt chain does not verify", ledger.ErrIntegrityViolation)
	}

	return c, nil
}

// Resync replaces the ledger with one rebuilt from source. It clears a
// halted ledger.
func (e *Engine) Resync(ctx context.Context, source BlockFetcher) error {
	c, err := Rebuild(ctx, source, e.vs, e.cfg.FetchBatch)
	if err != nil {
		return err
	}

	var swapErr error
	err = e.do(ctx, func() {
		swapErr = e.swapLedger(c)
	})
	if err != nil {
		return err
	}

	return swapErr
}

// swapLedger installs a resynced ledger. Runs on the loop goroutine.
func (e *Engine) swapLedger(c *Chain) error {
	e.unpersisted = nil

	if rp, ok := e.persister.(ResettablePersister); ok {
		if err := rp.Reset(); err != nil {
			return fmt.Errorf("reset persisted blocks:\n%w", err)
		}
		for i, b := range c.Blocks {
			if err := rp.PersistBlock(b, c.Results[i]); err != nil {
				return fmt.Errorf("persist block %d:\n%w", b.Sequence, err)
			}
		}
	}

	fresh := c.Ledger
	e.ledger.Store(fresh)

	e.lastBlock = c.Last()
	e.lastCommitted = 0
	if e.lastBlock != nil {
		e.lastCommitted = e.lastBlock.Sequence
	}

	for _, b := range c.Blocks {
		e.removePending(b.Transactions)
	}

	view := e.view
	if e.lastBlock != nil {
		view = max(view, e.lastBlock.View)
	}
	e.locked = nil
	e.setView(view)
	e.afterCommit()

	logger.Info("ledger resynced",
		"height", e.lastCommitted,
		"entries", fresh.Len(),
		"supply", fresh.TotalSupply(),
	)

	return nil
}
