package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"Astor/internal/consensus"
	"Astor/internal/logger"
)

// resyncFrom rebuilds the ledger from one validator once it is connected.
func (n *Node) resyncFrom(peerID string) error {
	if !n.validators.Contains(peerID) {
		return fmt.Errorf("%w: %s", consensus.ErrUnknownValidator, peerID)
	}

	ctx, cancel := context.WithTimeout(n.ctx, resyncWait)
	defer cancel()

	for !slices.Contains(n.network.PeerIDs(), peerID) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s did not connect:\n%w", peerID, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}

	start := time.Now()
	if err := n.engine.Resync(n.ctx, n.fetcher.Only(peerID)); err != nil {
		return err
	}

	logger.Info("resync complete", "source", peerID, "height", n.engine.Height(), logger.Timed(start))

	return nil
}

// submitGenesis proposes the genesis allocations on a fresh chain once a
// quorum is reachable. Every validator submits the same transactions;
// commits keep one copy of each.
func (n *Node) submitGenesis() {
	txs := n.genesis.Transactions()
	if len(txs) == 0 || n.engine.Height() > 0 {
		return
	}

	for len(n.network.PeerIDs())+1 < n.validators.QuorumSize() {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}

	if err := n.engine.SubmitTransactions(txs); err != nil {
		logger.Warn("genesis allocations not submitted", "error", err)
		return
	}

	logger.Info("genesis allocations submitted", "count", len(txs))
}

// statusLoop reports progress and rebuilds a halted ledger from peers.
func (n *Node) statusLoop() {
	ticker := time.NewTicker(n.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}

		st := n.engine.Status()
		logger.Info("status",
			"view", st.View,
			"height", st.Height,
			"network_height", st.NetworkHeight,
			"syncing", st.Syncing,
			"state", st.State,
			"primary", st.Primary,
			"pending", st.Pending,
			"peers", len(n.network.PeerIDs()),
		)

		if st.Unpersisted > 0 {
			logger.Warn("committed blocks not persisted", "backlog", st.Unpersisted)
		}

		if st.Stalled {
			logger.Warn("consensus stalled", "view_changes", st.ViewChangeAttempts)
		}

		if st.Halted {
			logger.Error("ledger halted, resyncing from peers", "reason", st.HaltReason)
			if err := n.engine.Resync(n.ctx, n.fetcher); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("resync failed", "error", err)
			}
		}
	}
}
