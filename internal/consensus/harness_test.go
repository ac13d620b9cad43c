package consensus

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"Astor/internal/ledger"
)

// envelope is one message in flight on the in-memory network.
type envelope struct {
	from, to string
	data     []byte
}

// memNetwork queues messages until the test delivers them. Nodes marked
// down neither send nor receive.
type memNetwork struct {
	ids   []string
	queue []envelope
	down  map[string]bool
}

func (n *memNetwork) push(from, to string, data []byte) {
	if n.down[from] || n.down[to] {
		return
	}
	n.queue = append(n.queue, envelope{from: from, to: to, data: data})
}

type memTransport struct {
	net *memNetwork
	id  string
}

func (t *memTransport) Broadcast(data []byte) error {
	for _, id := range t.net.ids {
		if id != t.id {
			t.net.push(t.id, id, data)
		}
	}
	return nil
}

func (t *memTransport) Send(peerID string, data []byte) error {
	t.net.push(t.id, peerID, data)
	return nil
}

// memChain records committed blocks and serves them back to fetchers.
type memChain struct {
	blocks []*Block
}

func (m *memChain) PersistBlock(b *Block, _ ledger.BlockResult) error {
	m.blocks = append(m.blocks, b)
	return nil
}

func (m *memChain) Reset() error {
	m.blocks = nil
	return nil
}

func (m *memChain) FetchBlocks(_ context.Context, from uint64, max int) ([]*Block, error) {
	if from == 0 || from > uint64(len(m.blocks)) {
		return nil, nil
	}
	end := min(int(from-1)+max, len(m.blocks))
	return slices.Clone(m.blocks[from-1 : end]), nil
}

// flakyPersister rejects blocks while failing is set.
type flakyPersister struct {
	memChain
	failing bool
}

func (p *flakyPersister) PersistBlock(b *Block, r ledger.BlockResult) error {
	if p.failing {
		return errors.New("disk full")
	}
	return p.memChain.PersistBlock(b, r)
}

// heightFetcher serves no blocks but reports a peer height.
type heightFetcher struct {
	memChain
	height uint64
}

func (f *heightFetcher) NetworkHeight() uint64 { return f.height }

// testValidators returns n validators with deterministic keys.
func testValidators(n int) ([]Validator, map[string]ed25519.PrivateKey) {
	vals := make([]Validator, n)
	keys := make(map[string]ed25519.PrivateKey, n)

	for i := range n {
		id := fmt.Sprintf("node-%d", i)

		seed := make([]byte, ed25519.SeedSize)
		seed[0] = byte(i + 1)
		key := ed25519.NewKeyFromSeed(seed)

		vals[i] = Validator{ID: id, PublicKey: key.Public().(ed25519.PublicKey)}
		keys[id] = key
	}

	return vals, keys
}

// testConfig proposes on every transaction and never fires timers on its
// own; tests fire them explicitly.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.BatchTimeout = time.Hour
	cfg.ViewTimeout = time.Hour
	cfg.IntegrityInterval = 0
	return cfg
}

// cluster drives N engines on the test goroutine. Engines are never
// started; every event runs through step, as the loop would.
type cluster struct {
	t      *testing.T
	vs     *ValidatorSet
	keys   map[string]ed25519.PrivateKey
	nodes  map[string]*Engine
	chains map[string]*memChain
	net    *memNetwork
}

func newCluster(t *testing.T, n int, cfg Config) *cluster {
	t.Helper()

	vals, keys := testValidators(n)
	vs, err := NewValidatorSet(vals)
	if err != nil {
		t.Fatalf("NewValidatorSet failed: %v", err)
	}

	c := &cluster{
		t:      t,
		vs:     vs,
		keys:   keys,
		nodes:  make(map[string]*Engine, n),
		chains: make(map[string]*memChain, n),
		net:    &memNetwork{ids: vs.IDs(), down: make(map[string]bool)},
	}

	for _, id := range vs.IDs() {
		chain := &memChain{}
		e, err := New(cfg, id, keys[id], vs, ledger.New(), &memTransport{net: c.net, id: id}, WithPersister(chain))
		if err != nil {
			t.Fatalf("New(%s) failed: %v", id, err)
		}
		t.Cleanup(e.Stop)

		c.nodes[id] = e
		c.chains[id] = chain
	}

	return c
}

// flush delivers queued messages until the network is quiet.
func (c *cluster) flush() {
	c.t.Helper()

	for i := 0; len(c.net.queue) > 0; i++ {
		if i > 100_000 {
			c.t.Fatal("network did not settle")
		}

		env := c.net.queue[0]
		c.net.queue = c.net.queue[1:]

		if c.net.down[env.to] {
			continue
		}
		e := c.nodes[env.to]
		e.step(func() { e.receive(env.from, env.data) })
	}
}

// flushTo delivers only the queued messages addressed to id, leaving the
// rest of the network waiting.
func (c *cluster) flushTo(id string) {
	e := c.nodes[id]

	for {
		i := slices.IndexFunc(c.net.queue, func(env envelope) bool { return env.to == id })
		if i < 0 {
			return
		}

		env := c.net.queue[i]
		c.net.queue = slices.Delete(c.net.queue, i, i+1)
		e.step(func() { e.receive(env.from, env.data) })
	}
}

// submit queues t at node id as a client submission would.
func (c *cluster) submit(id string, t ledger.EntryType) ledger.Transaction {
	tx := ledger.NewTransaction(t)
	e := c.nodes[id]
	e.step(func() { e.addPending([]ledger.Transaction{tx}, true) })
	return tx
}

// deliver hands m, signed by its sender, to node id.
func (c *cluster) deliver(id string, m Message) {
	Sign(m, c.keys[m.Sender()])
	e := c.nodes[id]
	e.step(func() { e.receive(m.Sender(), Encode(m)) })
}

// fireViewTimer runs node id's progress timer as if it elapsed.
func (c *cluster) fireViewTimer(id string) {
	e := c.nodes[id]
	e.step(func() { e.onTimeout(e.ticker.current(timerView, e.view, e.lastCommitted+1)) })
}

// cert builds a prepared certificate signed by the given validators.
func (c *cluster) cert(view, sequence uint64, txs []ledger.Transaction, signers ...string) *PreparedCert {
	digest := MerkleRoot(txs)
	sigs := make(map[string][]byte, len(signers))
	for _, id := range signers {
		sigs[id] = ed25519.Sign(c.keys[id], voteSignBytes(KindPrepare, view, sequence, digest, id))
	}

	return &PreparedCert{View: view, Sequence: sequence, Digest: digest, Transactions: txs, Prepares: sigs}
}

// up lists the nodes not marked down.
func (c *cluster) up() []string {
	var ids []string
	for _, id := range c.vs.IDs() {
		if !c.net.down[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// requireHeight fails unless every listed node committed height blocks.
func (c *cluster) requireHeight(height uint64, ids ...string) {
	c.t.Helper()

	for _, id := range ids {
		if got := c.nodes[id].Height(); got != height {
			c.t.Fatalf("%s: Height = %d, want %d", id, got, height)
		}
	}
}

// requireAgreement fails unless the listed nodes hold identical chains.
func (c *cluster) requireAgreement(ids ...string) {
	c.t.Helper()

	ref := c.nodes[ids[0]]
	for _, id := range ids[1:] {
		e := c.nodes[id]

		if e.Ledger().LastHash() != ref.Ledger().LastHash() {
			c.t.Errorf("%s: ledger tail %s, %s has %s", id, e.Ledger().LastHash(), ids[0], ref.Ledger().LastHash())
		}

		a, b := e.LatestBlock(), ref.LatestBlock()
		if (a == nil) != (b == nil) || (a != nil && a.Hash() != b.Hash()) {
			c.t.Errorf("%s: latest block differs from %s", id, ids[0])
		}
	}
}
