package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"Astor/internal/consensus"
	"Astor/internal/genesis"
	"Astor/internal/ledger"
)

// freeAddr reserves a loopback UDP port and releases it for the node.
func freeAddr(t *testing.T) string {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	return conn.LocalAddr().String()
}

// testNet is a set of in-process validators over real QUIC connections.
type testNet struct {
	t     *testing.T
	dir   string
	gpath string
	keys  []ed25519.PrivateKey
	addrs []string
	nodes []*Node
}

func newTestNet(t *testing.T, n int) *testNet {
	t.Helper()

	tn := &testNet{t: t, dir: t.TempDir()}

	g := genesis.Genesis{
		ChainID:     "astor-node-test",
		Time:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Allocations: []genesis.Allocation{{Account: "treasury", Amount: 1000}},
	}

	for i := range n {
		seed := make([]byte, ed25519.SeedSize)
		seed[0] = byte(i + 1)
		key := ed25519.NewKeyFromSeed(seed)
		addr := freeAddr(t)

		tn.keys = append(tn.keys, key)
		tn.addrs = append(tn.addrs, addr)
		g.Validators = append(g.Validators, genesis.Validator{
			ID:        fmt.Sprintf("node-%d", i),
			PublicKey: hex.EncodeToString(key.Public().(ed25519.PublicKey)),
			Address:   addr,
		})
	}

	data, err := json.Marshal(g)
	if err != nil {
		t.Fatal(err)
	}
	tn.gpath = filepath.Join(tn.dir, "genesis.json")
	if err := os.WriteFile(tn.gpath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	tn.nodes = make([]*Node, n)
	for i := range n {
		tn.start(i)
	}

	return tn
}

// start creates and starts validator i on its data directory.
func (tn *testNet) start(i int) {
	tn.t.Helper()

	cc := consensus.DefaultConfig()
	cc.BatchSize = 1
	cc.BatchTimeout = 50 * time.Millisecond
	cc.ViewTimeout = 5 * time.Second
	cc.IntegrityInterval = 0

	node, err := NewNode(&Config{
		DataPath:       filepath.Join(tn.dir, fmt.Sprintf("node-%d", i)),
		QUICAddress:    tn.addrs[i],
		PrivateKey:     tn.keys[i],
		GenesisPath:    tn.gpath,
		LogLevel:       "error",
		StatusInterval: time.Hour,
		Consensus:      cc,
	})
	if err != nil {
		tn.t.Fatalf("create node %d: %v", i, err)
	}
	if err := node.Start(); err != nil {
		node.Close()
		tn.t.Fatalf("start node %d: %v", i, err)
	}
	tn.t.Cleanup(func() { node.Close() })

	tn.nodes[i] = node
}

// waitAll polls until cond holds on every running node.
func (tn *testNet) waitAll(what string, cond func(*consensus.Engine) bool) {
	tn.t.Helper()

	deadline := time.Now().Add(20 * time.Second)
	for {
		done := true
		for _, n := range tn.nodes {
			if n != nil && !cond(n.engine) {
				done = false
			}
		}
		if done {
			return
		}
		if time.Now().After(deadline) {
			tn.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestValidatorsAgreeOverQUIC(t *testing.T) {
	tn := newTestNet(t, 4)

	tn.waitAll("genesis allocation", func(e *consensus.Engine) bool {
		return e.Balance("treasury") == 1000
	})

	if _, err := tn.nodes[2].engine.SubmitTransaction(ledger.Transfer{From: "treasury", To: "bob", Amount: 250}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	tn.waitAll("transfer", func(e *consensus.Engine) bool {
		return e.Balance("bob") == 250
	})

	want := tn.nodes[0].engine.Ledger().LastHash()
	for i, n := range tn.nodes {
		l := n.engine.Ledger()
		if l.LastHash() != want {
			t.Errorf("node-%d last hash differs", i)
		}
		if l.TotalSupply() != 1000 {
			t.Errorf("node-%d supply = %d, want 1000", i, l.TotalSupply())
		}
		if !l.VerifyIntegrity() {
			t.Errorf("node-%d chain does not verify", i)
		}
		if n.blocks.Height() != n.engine.Height() {
			t.Errorf("node-%d stored %d blocks at height %d", i, n.blocks.Height(), n.engine.Height())
		}
		if n.entries.Len() != uint64(l.Len()) {
			t.Errorf("node-%d stored %d entries, ledger has %d", i, n.entries.Len(), l.Len())
		}
	}
}

func TestRestartRestoresLedger(t *testing.T) {
	tn := newTestNet(t, 4)

	tn.waitAll("genesis allocation", func(e *consensus.Engine) bool {
		return e.Balance("treasury") == 1000
	})

	node := tn.nodes[3]
	height := node.engine.Height()
	hash := node.engine.Ledger().LastHash()

	node.Close()
	tn.nodes[3] = nil
	tn.start(3)

	restored := tn.nodes[3].engine
	if restored.Height() < height {
		t.Errorf("height after restart = %d, want at least %d", restored.Height(), height)
	}
	if restored.Height() == height && restored.Ledger().LastHash() != hash {
		t.Error("restored chain differs")
	}
	if restored.Balance("treasury") != 1000 {
		t.Errorf("Balance(treasury) after restart = %d, want 1000", restored.Balance("treasury"))
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"-batch-size", "5", "-view-timeout", "2s", "-id", "node-1"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.Consensus.BatchSize != 5 || cfg.Consensus.ViewTimeout != 2*time.Second || cfg.ID != "node-1" {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.Consensus.BatchTimeout != consensus.DefaultConfig().BatchTimeout {
		t.Error("unset flag lost its default")
	}

	if _, err := parseFlags([]string{"-batch-size", "0"}); err == nil {
		t.Error("expected error for a zero batch size")
	}
}

func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !first.Equal(second) {
		t.Error("reloaded key differs")
	}

	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadOrGenerateKey(path); err == nil {
		t.Error("expected error for a truncated key file")
	}
}
