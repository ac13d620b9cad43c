package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"

	"Astor/internal/consensus"
	"Astor/internal/genesis"
	"Astor/internal/ledger"
	"Astor/internal/logger"
	"Astor/internal/network"
	"Astor/internal/storage"
	"Astor/internal/sync"
)

// initGenesis loads the validator set and resolves this node's id.
func (n *Node) initGenesis() error {
	g, err := genesis.Load(n.cfg.GenesisPath)
	if err != nil {
		return fmt.Errorf("load genesis:\n%w", err)
	}

	vs, err := g.ValidatorSet()
	if err != nil {
		return err
	}

	pub := n.cfg.PrivateKey.Public().(ed25519.PublicKey)
	id, ok := vs.IDByKey(pub)
	if !ok {
		return fmt.Errorf("key is not a validator in %s", n.cfg.GenesisPath)
	}
	if n.cfg.ID != "" && n.cfg.ID != id {
		return fmt.Errorf("key belongs to validator %s, not %s", id, n.cfg.ID)
	}

	n.genesis = g
	n.validators = vs
	n.id = id

	return nil
}

// initStorage opens Pebble and the block and entry stores on it.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}
	n.storage = db

	n.blocks, err = consensus.NewBlockStore(db)
	if err != nil {
		return fmt.Errorf("open block store:\n%w", err)
	}

	n.entries, err = ledger.NewStore(db)
	if err != nil {
		return fmt.Errorf("open entry store:\n%w", err)
	}

	return nil
}

// initNetwork creates the QUIC endpoint admitting genesis validators only.
func (n *Node) initNetwork() error {
	node, err := network.NewNode(network.Config{
		ID:         n.id,
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
		Peers:      n.genesis.Peers(n.id),
		Membership: n.validators,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node
	n.fetcher = sync.NewFetcher(node, fetchTimeout)

	return nil
}

// initConsensus rebuilds the ledger from stored blocks and creates the engine.
func (n *Node) initConsensus() error {
	chain, err := consensus.Rebuild(n.ctx, n.blocks, n.validators, n.cfg.Consensus.FetchBatch)
	if err != nil {
		return fmt.Errorf("replay stored blocks:\n%w", err)
	}

	if err := n.syncEntries(chain.Ledger); err != nil {
		return err
	}

	engine, err := consensus.New(
		n.cfg.Consensus,
		n.id,
		n.cfg.PrivateKey,
		n.validators,
		chain.Ledger,
		n.network,
		consensus.WithPersister(&chainPersister{blocks: n.blocks, entries: n.entries}),
		consensus.WithFetcher(n.fetcher),
		consensus.WithLastBlock(chain.Last()),
	)
	if err != nil {
		return fmt.Errorf("init consensus:\n%w", err)
	}

	n.engine = engine

	logger.Info("ledger restored",
		"height", chain.Ledger.Sequence(),
		"entries", chain.Ledger.Len(),
		"supply", chain.Ledger.TotalSupply(),
	)

	return nil
}

// syncEntries makes the entry store mirror l, rewriting it if it diverged.
func (n *Node) syncEntries(l *ledger.Ledger) error {
	chain := l.Entries()

	stored, err := n.entries.Load()
	if err != nil {
		return fmt.Errorf("load entries:\n%w", err)
	}

	diverged := len(stored) > len(chain)
	for i := 0; !diverged && i < len(stored); i++ {
		diverged = stored[i].Hash != chain[i].Hash
	}

	if diverged {
		logger.Warn("entry store diverged from blocks, rewriting", "stored", len(stored), "ledger", len(chain))
		if err := n.entries.Reset(); err != nil {
			return err
		}
	}

	return n.entries.Sync(chain)
}

// chainPersister writes committed blocks and the entries they produced.
type chainPersister struct {
	blocks  *consensus.BlockStore
	entries *ledger.Store
}

func (p *chainPersister) PersistBlock(b *consensus.Block, result ledger.BlockResult) error {
	if err := p.blocks.Put(b); err != nil {
		return err
	}
	return p.entries.Append(result.Applied)
}

func (p *chainPersister) Reset() error {
	if err := p.blocks.Reset(); err != nil {
		return err
	}
	return p.entries.Reset()
}
