package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"Astor/internal/consensus"
	"Astor/internal/genesis"
	"Astor/internal/ledger"
	"Astor/internal/logger"
	"Astor/internal/network"
	"Astor/internal/storage"
	"Astor/internal/sync"
)

const (
	// fetchTimeout bounds one block request to a peer.
	fetchTimeout = 10 * time.Second

	// resyncWait is how long a startup resync waits for its source to connect.
	resyncWait = 30 * time.Second
)

// Node represents a running Astor validator.
type Node struct {
	cfg        *Config
	id         string
	genesis    *genesis.Genesis
	validators *consensus.ValidatorSet
	storage    *storage.Storage
	blocks     *consensus.BlockStore
	entries    *ledger.Store
	network    *network.Node
	fetcher    *sync.Fetcher
	engine     *consensus.Engine

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewNode loads genesis and local state and wires the components. Nothing
// runs until Start.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	steps := []func() error{
		n.initGenesis,
		n.initStorage,
		n.initNetwork,
		n.initConsensus,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			n.Close()
			return nil, err
		}
	}

	return n, nil
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.Start(); err != nil {
		n.Close()
		return err
	}

	return n.waitForShutdown()
}

// Start brings up the network and the engine, then returns.
func (n *Node) Start() error {
	n.setupMessageHandlers()
	n.setupRequestHandlers()

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	if err := n.engine.Start(n.ctx); err != nil {
		return fmt.Errorf("start consensus:\n%w", err)
	}

	if n.cfg.ResyncFrom != "" {
		if err := n.resyncFrom(n.cfg.ResyncFrom); err != nil {
			logger.Error("startup resync failed", "source", n.cfg.ResyncFrom, "error", err)
		}
	}

	go n.submitGenesis()
	go n.statusLoop()

	return nil
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.closed.Swap(true) {
		return nil
	}

	n.cancel()

	if n.engine != nil {
		n.engine.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.storage != nil {
		return n.storage.Close()
	}

	return nil
}
