package consensus

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"Astor/internal/ledger"
)

func TestCommitFourNodes(t *testing.T) {
	c := newCluster(t, 4, testConfig())

	tx := c.submit("node-0", ledger.Issuance{Issuer: "treasury", Recipient: "alice", Amount: 100})
	c.flush()

	ids := c.vs.IDs()
	c.requireHeight(1, ids...)
	c.requireAgreement(ids...)

	for _, id := range ids {
		e := c.nodes[id]

		b := e.LatestBlock()
		if b.MerkleRoot != MerkleRoot([]ledger.Transaction{tx}) {
			t.Errorf("%s: block digest %s does not match the proposal", id, b.MerkleRoot.Short())
		}
		if err := b.Verify(c.vs); err != nil {
			t.Errorf("%s: committed block does not verify: %v", id, err)
		}
		if got := e.Balance("alice"); got != 100 {
			t.Errorf("%s: Balance(alice) = %d, want 100", id, got)
		}
		if st := e.Status(); st.State != StateIdle || st.Pending != 0 {
			t.Errorf("%s: status after commit = %+v", id, st)
		}
		if len(c.chains[id].blocks) != 1 {
			t.Errorf("%s: persisted %d blocks, want 1", id, len(c.chains[id].blocks))
		}
	}
}

func TestConsecutiveBlocksLink(t *testing.T) {
	c := newCluster(t, 4, testConfig())

	c.submit("node-0", ledger.Issuance{Issuer: "treasury", Recipient: "alice", Amount: 100})
	c.flush()
	c.submit("node-2", ledger.Transfer{From: "alice", To: "bob", Amount: 40})
	c.flush()

	ids := c.vs.IDs()
	c.requireHeight(2, ids...)
	c.requireAgreement(ids...)

	blocks := c.chains["node-3"].blocks
	if !blocks[0].Follows(nil) || !blocks[1].Follows(blocks[0]) {
		t.Error("committed blocks do not form a chain")
	}

	e := c.nodes["node-3"]
	if e.Balance("alice") != 60 || e.Balance("bob") != 40 {
		t.Errorf("balances = %d/%d, want 60/40", e.Balance("alice"), e.Balance("bob"))
	}
	if e.TotalSupply() != 100 {
		t.Errorf("TotalSupply = %d, want 100", e.TotalSupply())
	}
	if !e.VerifyIntegrity() {
		t.Error("ledger should verify")
	}
}

func TestViewChangeOnPrimaryTimeout(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	c.net.down["node-0"] = true

	c.submit("node-1", ledger.Issuance{Issuer: "treasury", Recipient: "alice", Amount: 5})
	c.flush()
	c.requireHeight(0, c.up()...)

	// two timeouts are enough: the third backup follows f+1 view changes
	c.fireViewTimer("node-1")
	c.fireViewTimer("node-2")
	c.flush()

	live := c.up()
	for _, id := range live {
		st := c.nodes[id].Status()
		if st.View != 1 {
			t.Errorf("%s: View = %d, want 1", id, st.View)
		}
		if st.Primary != "node-1" {
			t.Errorf("%s: Primary = %s, want node-1", id, st.Primary)
		}
		if st.ViewChangeAttempts != 0 {
			t.Errorf("%s: ViewChangeAttempts = %d after commit, want 0", id, st.ViewChangeAttempts)
		}
	}

	c.requireHeight(1, live...)
	c.requireAgreement(live...)
	c.requireHeight(0, "node-0")

	if b := c.nodes["node-2"].LatestBlock(); b.View != 1 {
		t.Errorf("block committed in view %d, want 1", b.View)
	}
}

func TestViewChangeCarriesPreparedBatch(t *testing.T) {
	c := newCluster(t, 4, testConfig())

	// every node prepares the batch, but commits never arrive
	txs := []ledger.Transaction{ledger.NewTransaction(ledger.Issuance{Issuer: "t", Recipient: "alice", Amount: 7})}
	prepared := c.cert(0, 1, txs, "node-0", "node-1", "node-2")

	for _, id := range []string{"node-1", "node-2", "node-3"} {
		c.nodes[id].step(func() {
			c.nodes[id].locked = prepared
		})
	}

	c.net.down["node-0"] = true
	for _, id := range []string{"node-1", "node-2", "node-3"} {
		c.fireViewTimer(id)
	}
	c.flush()

	live := c.up()
	c.requireHeight(1, live...)
	c.requireAgreement(live...)

	b := c.nodes["node-1"].LatestBlock()
	if b.MerkleRoot != prepared.Digest {
		t.Errorf("new primary proposed %s, want prepared digest %s", b.MerkleRoot.Short(), prepared.Digest.Short())
	}
}

func TestEquivocationTriggersViewChange(t *testing.T) {
	c := newCluster(t, 4, testConfig())

	a := []ledger.Transaction{ledger.NewTransaction(ledger.AccountCreation{AccountID: "a"})}
	b := []ledger.Transaction{ledger.NewTransaction(ledger.AccountCreation{AccountID: "b"})}

	c.deliver("node-1", &PrePrepare{View: 0, Sequence: 1, Digest: MerkleRoot(a), Transactions: a, NodeID: "node-0"})
	if st := c.nodes["node-1"].State(); st != StatePrepare {
		t.Fatalf("State after first proposal = %s, want Prepare", st)
	}

	c.deliver("node-1", &PrePrepare{View: 0, Sequence: 1, Digest: MerkleRoot(b), Transactions: b, NodeID: "node-0"})

	st := c.nodes["node-1"].Status()
	if st.State != StateViewChange {
		t.Errorf("State = %s, want ViewChange", st.State)
	}
	if st.ViewChangeAttempts != 1 {
		t.Errorf("ViewChangeAttempts = %d, want 1", st.ViewChangeAttempts)
	}
	if c.nodes["node-1"].vcTarget != 1 {
		t.Errorf("vcTarget = %d, want 1", c.nodes["node-1"].vcTarget)
	}
}

func TestStalledAfterMaxViewChanges(t *testing.T) {
	cfg := testConfig()
	cfg.MaxViewChangeAttempts = 2
	c := newCluster(t, 4, cfg)

	for _, id := range []string{"node-0", "node-2", "node-3"} {
		c.net.down[id] = true
	}

	c.fireViewTimer("node-1")
	c.fireViewTimer("node-1")
	if c.nodes["node-1"].Status().Stalled {
		t.Fatal("stalled before exhausting attempts")
	}
	if got := c.nodes["node-1"].vcTarget; got != 2 {
		t.Errorf("vcTarget after escalation = %d, want 2", got)
	}

	c.fireViewTimer("node-1")

	st := c.nodes["node-1"].Status()
	if !st.Stalled {
		t.Error("expected stalled status")
	}
	if st.ViewChangeAttempts != 2 {
		t.Errorf("ViewChangeAttempts = %d, want 2", st.ViewChangeAttempts)
	}
	if st.View != 0 {
		t.Errorf("View = %d, want 0", st.View)
	}
}

func TestPartialBlockCommits(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	c := newCluster(t, 4, cfg)

	c.submit("node-0", ledger.Transfer{From: "alice", To: "bob", Amount: 5})
	c.submit("node-0", ledger.Issuance{Issuer: "treasury", Recipient: "alice", Amount: 10})
	c.flush()

	ids := c.vs.IDs()
	c.requireHeight(1, ids...)
	c.requireAgreement(ids...)

	e := c.nodes["node-1"]
	if n := len(e.LatestBlock().Transactions); n != 2 {
		t.Errorf("block holds %d transactions, want 2", n)
	}
	if e.Ledger().Len() != 1 {
		t.Errorf("ledger has %d entries, want 1", e.Ledger().Len())
	}
	if e.Balance("alice") != 10 || e.Balance("bob") != 0 {
		t.Errorf("balances = %d/%d, want 10/0", e.Balance("alice"), e.Balance("bob"))
	}
}

func TestRejectsUnauthenticatedMessages(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	e := c.nodes["node-2"]
	digest := MerkleRoot(nil)

	t.Run("unknown validator", func(t *testing.T) {
		seed := make([]byte, ed25519.SeedSize)
		seed[0] = 0xEE
		mallory := ed25519.NewKeyFromSeed(seed)

		m := &Prepare{View: 0, Sequence: 1, Digest: digest, NodeID: "mallory"}
		Sign(m, mallory)
		e.step(func() { e.receive("", Encode(m)) })

		if len(e.round.prepares) != 0 {
			t.Error("prepare from unknown validator was counted")
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		m := &Prepare{View: 0, Sequence: 1, Digest: digest, NodeID: "node-1"}
		Sign(m, c.keys["node-1"])
		m.Signature[0] ^= 0xFF
		e.step(func() { e.receive("node-1", Encode(m)) })

		if len(e.round.prepares) != 0 {
			t.Error("prepare with bad signature was counted")
		}
	})

	t.Run("sender mismatch", func(t *testing.T) {
		m := &Prepare{View: 0, Sequence: 1, Digest: digest, NodeID: "node-1"}
		Sign(m, c.keys["node-1"])
		e.step(func() { e.receive("node-3", Encode(m)) })

		if len(e.round.prepares) != 0 {
			t.Error("prepare relayed under another identity was counted")
		}
	})

	t.Run("malformed", func(t *testing.T) {
		e.step(func() { e.receive("node-1", []byte("definitely not a message")) })
	})

	t.Run("valid", func(t *testing.T) {
		c.deliver("node-2", &Prepare{View: 0, Sequence: 1, Digest: digest, NodeID: "node-1"})

		if _, ok := e.round.prepares["node-1"]; !ok {
			t.Error("valid prepare was not counted")
		}
	})
}

func TestRejectsInvalidProposals(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	e := c.nodes["node-2"]
	txs := []ledger.Transaction{ledger.NewTransaction(ledger.AccountCreation{AccountID: "a"})}

	c.deliver("node-2", &PrePrepare{View: 0, Sequence: 1, Digest: MerkleRoot(txs), Transactions: txs, NodeID: "node-1"})
	if e.round.proposal != nil {
		t.Error("proposal from a backup was accepted")
	}

	c.deliver("node-2", &PrePrepare{View: 0, Sequence: 1, Digest: MerkleRoot(nil), Transactions: txs, NodeID: "node-0"})
	if e.round.proposal != nil {
		t.Error("proposal with a wrong digest was accepted")
	}
}

func TestJustifiedReproposal(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	e := c.nodes["node-2"]
	e.step(func() { e.setView(1) })

	txs := []ledger.Transaction{ledger.NewTransaction(ledger.AccountCreation{AccountID: "a"})}
	digest := MerkleRoot(txs)

	weak := c.cert(0, 1, txs, "node-0")
	c.deliver("node-2", &PrePrepare{View: 1, Sequence: 1, Digest: digest, Transactions: txs, Justification: weak, NodeID: "node-1"})
	if e.round.proposal != nil {
		t.Fatal("proposal with an under-signed justification was accepted")
	}

	good := c.cert(0, 1, txs, "node-0", "node-1", "node-3")
	c.deliver("node-2", &PrePrepare{View: 1, Sequence: 1, Digest: digest, Transactions: txs, Justification: good, NodeID: "node-1"})
	if e.round.proposal == nil {
		t.Fatal("justified proposal was dropped")
	}
	if !e.round.sentPrepare {
		t.Error("no prepare sent for a justified proposal")
	}
	if e.locked == nil || e.locked.Digest != digest {
		t.Error("justification was not adopted as lock")
	}
}

func TestLockBlocksConflictingProposal(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	e := c.nodes["node-2"]

	a := []ledger.Transaction{ledger.NewTransaction(ledger.AccountCreation{AccountID: "a"})}
	b := []ledger.Transaction{ledger.NewTransaction(ledger.AccountCreation{AccountID: "b"})}

	e.step(func() {
		e.locked = c.cert(0, 1, a, "node-0", "node-1", "node-2")
		e.setView(1)
	})

	c.deliver("node-2", &PrePrepare{View: 1, Sequence: 1, Digest: MerkleRoot(b), Transactions: b, NodeID: "node-1"})

	if e.round.proposal == nil {
		t.Fatal("proposal was not recorded")
	}
	if e.round.sentPrepare {
		t.Error("prepared for a batch conflicting with the lock")
	}
}

func TestFutureMessagesBuffered(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFuturePerSender = 2
	c := newCluster(t, 4, cfg)
	e := c.nodes["node-2"]

	for seq := uint64(5); seq < 8; seq++ {
		c.deliver("node-2", &Prepare{View: 0, Sequence: seq, Digest: MerkleRoot(nil), NodeID: "node-1"})
	}

	if got := len(e.future["node-1"]); got != 2 {
		t.Errorf("buffered %d messages, want 2", got)
	}
	if e.Height() != 0 {
		t.Errorf("Height = %d, want 0", e.Height())
	}
	if got := e.Status().NetworkHeight; got != 6 {
		t.Errorf("NetworkHeight = %d, want 6", got)
	}
}

func TestAdoptsViewFromPeers(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	e := c.nodes["node-3"]
	digest := MerkleRoot(nil)

	c.deliver("node-3", &Prepare{View: 3, Sequence: 1, Digest: digest, NodeID: "node-0"})
	if e.View() != 0 {
		t.Fatalf("View = %d after one peer, want 0", e.View())
	}

	c.deliver("node-3", &Prepare{View: 3, Sequence: 1, Digest: digest, NodeID: "node-1"})
	if e.View() != 3 {
		t.Fatalf("View = %d after f+1 peers, want 3", e.View())
	}
	if got := len(e.round.prepares); got != 2 {
		t.Errorf("replayed %d prepares into the new view, want 2", got)
	}
	if len(e.future) != 0 {
		t.Errorf("future buffer not drained: %d senders", len(e.future))
	}
}

func TestCatchUpFromFetchedBlocks(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	c.net.down["node-3"] = true

	c.submit("node-0", ledger.Issuance{Issuer: "treasury", Recipient: "alice", Amount: 50})
	c.flush()
	c.submit("node-0", ledger.Transfer{From: "alice", To: "bob", Amount: 20})
	c.flush()
	c.requireHeight(2, c.up()...)

	c.net.down["node-3"] = false
	lagging := c.nodes["node-3"]

	forged := *c.chains["node-0"].blocks[0]
	forged.Signatures = map[string][]byte{"node-0": forged.Signatures["node-0"]}
	lagging.step(func() {
		lagging.onFetched(fetchResult{from: 1, blocks: []*Block{&forged}})
	})
	c.requireHeight(0, "node-3")

	lagging.step(func() {
		lagging.onFetched(fetchResult{from: 1, blocks: c.chains["node-0"].blocks})
	})

	c.requireHeight(2, c.vs.IDs()...)
	c.requireAgreement(c.vs.IDs()...)
	if lagging.Balance("bob") != 20 {
		t.Errorf("Balance(bob) = %d, want 20", lagging.Balance("bob"))
	}
}

func TestResyncRecoversHaltedLedger(t *testing.T) {
	c := newCluster(t, 4, testConfig())

	c.submit("node-0", ledger.Issuance{Issuer: "treasury", Recipient: "alice", Amount: 50})
	c.flush()
	c.submit("node-1", ledger.Transfer{From: "alice", To: "bob", Amount: 20})
	c.flush()

	e := c.nodes["node-3"]
	e.Ledger().Halt("test")

	if _, err := e.SubmitTransaction(ledger.AccountCreation{AccountID: "x"}); !errors.Is(err, ErrLedgerHalted) {
		t.Errorf("SubmitTransaction on halted ledger: err = %v, want ErrLedgerHalted", err)
	}

	forged := &memChain{blocks: []*Block{{Sequence: 1, MerkleRoot: MerkleRoot(nil)}}}
	if err := e.Resync(context.Background(), forged); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("Resync from forged source: err = %v, want ErrInvalidBlock", err)
	}
	if halted, _ := e.Ledger().Halted(); !halted {
		t.Fatal("failed resync replaced the ledger")
	}

	if err := e.Resync(context.Background(), c.chains["node-0"]); err != nil {
		t.Fatalf("Resync failed: %v", err)
	}

	st := e.Status()
	if st.Halted {
		t.Error("ledger still halted after resync")
	}
	c.requireHeight(2, "node-3")
	c.requireAgreement(c.vs.IDs()...)
	if got := len(c.chains["node-3"].blocks); got != 2 {
		t.Errorf("persister holds %d blocks after resync, want 2", got)
	}
}

func TestIntegrityCheckHalts(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	e := c.nodes["node-0"]

	var ok bool
	e.step(func() { ok = e.checkIntegrity() })
	if !ok {
		t.Fatal("intact ledger failed the integrity check")
	}

	e.Ledger().Halt("corrupted")
	e.step(func() { ok = e.checkIntegrity() })
	if ok {
		t.Error("halted ledger passed the integrity check")
	}

	st := e.Status()
	if !st.Halted || st.HaltReason != "corrupted" {
		t.Errorf("status = %+v, want halted with reason", st)
	}

	// a halted primary does not propose
	c.submit("node-0", ledger.AccountCreation{AccountID: "a"})
	if e.State() != StateIdle {
		t.Errorf("State = %s, want Idle", e.State())
	}
}

func TestSubmitTransactionValidates(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	e := c.nodes["node-0"]

	if _, err := e.SubmitTransaction(ledger.Issuance{Issuer: "t", Recipient: "a"}); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}

	id, err := e.SubmitTransaction(ledger.AccountCreation{AccountID: "a"})
	if err != nil {
		t.Fatalf("SubmitTransaction failed: %v", err)
	}
	if id == "" {
		t.Error("empty transaction id")
	}
}

func TestSubmitTransactionsKeepsIDs(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	e := c.nodes["node-0"]

	txs := testTxs()
	if err := e.SubmitTransactions(txs); err != nil {
		t.Fatalf("SubmitTransactions failed: %v", err)
	}

	got := <-e.submitCh
	if len(got) != len(txs) || got[0].ID != txs[0].ID {
		t.Errorf("queued %d transactions, want %d with ids kept", len(got), len(txs))
	}

	bad := []ledger.Transaction{{ID: "x", Type: ledger.Transfer{From: "a", To: "b"}}}
	if err := e.SubmitTransactions(bad); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestNewRejectsMismatchedKey(t *testing.T) {
	vals, keys := testValidators(4)
	vs, err := NewValidatorSet(vals)
	if err != nil {
		t.Fatal(err)
	}

	transport := &memTransport{net: &memNetwork{}, id: "node-0"}

	if _, err := New(testConfig(), "node-0", keys["node-1"], vs, ledger.New(), transport); err == nil {
		t.Error("expected error for a key belonging to another validator")
	}
	if _, err := New(testConfig(), "ghost", keys["node-0"], vs, ledger.New(), transport); !errors.Is(err, ErrUnknownValidator) {
		t.Errorf("err = %v, want ErrUnknownValidator", err)
	}

	bad := testConfig()
	bad.BatchSize = 0
	if _, err := New(bad, "node-0", keys["node-0"], vs, ledger.New(), transport); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestEngineLoopSingleValidator(t *testing.T) {
	vals, keys := testValidators(1)
	vs, err := NewValidatorSet(vals)
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.IntegrityInterval = 10 * time.Millisecond

	e, err := New(cfg, "node-0", keys["node-0"], vs, ledger.New(), &memTransport{net: &memNetwork{}, id: "node-0"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	if err := e.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start: err = %v, want ErrAlreadyStarted", err)
	}

	if _, err := e.SubmitTransaction(ledger.Issuance{Issuer: "t", Recipient: "alice", Amount: 3}); err != nil {
		t.Fatalf("SubmitTransaction failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for e.Height() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("block was not committed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if e.Balance("alice") != 3 {
		t.Errorf("Balance(alice) = %d, want 3", e.Balance("alice"))
	}

	// let the integrity timer run a few times
	time.Sleep(50 * time.Millisecond)
	if e.Status().Halted {
		t.Error("integrity check halted an intact ledger")
	}
}

func TestCommitDuringViewChangeResumesRounds(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	e := c.nodes["node-3"]

	c.submit("node-0", ledger.Issuance{Issuer: "treasury", Recipient: "alice", Amount: 50})
	c.flushTo("node-3")

	// node-3 gives up on the primary before the quorum's votes reach it
	c.fireViewTimer("node-3")
	if st := e.State(); st != StateViewChange {
		t.Fatalf("State after timeout = %s, want ViewChange", st)
	}

	c.flush()

	ids := c.vs.IDs()
	c.requireHeight(1, ids...)

	st := e.Status()
	if st.State != StateIdle || st.View != 0 {
		t.Errorf("node-3 after commit: state %s view %d, want Idle in view 0", st.State, st.View)
	}
	if e.vcTarget != 0 {
		t.Errorf("vcTarget = %d after commit, want 0", e.vcTarget)
	}

	c.submit("node-1", ledger.Transfer{From: "alice", To: "bob", Amount: 10})
	c.flush()

	c.requireHeight(2, ids...)
	c.requireAgreement(ids...)
}

func TestStalledNodeResumesInNewView(t *testing.T) {
	cfg := testConfig()
	cfg.MaxViewChangeAttempts = 1
	c := newCluster(t, 4, cfg)
	c.net.down["node-0"] = true

	c.submit("node-1", ledger.Issuance{Issuer: "treasury", Recipient: "alice", Amount: 5})
	c.flush()

	c.fireViewTimer("node-1")
	c.fireViewTimer("node-1")
	if !c.nodes["node-1"].Status().Stalled {
		t.Fatal("node-1 should be stalled after exhausting its attempts")
	}
	c.flush()

	c.fireViewTimer("node-2")
	c.flush()

	live := c.up()
	for _, id := range live {
		st := c.nodes[id].Status()
		if st.View != 1 {
			t.Errorf("%s: View = %d, want 1", id, st.View)
		}
		if st.Stalled {
			t.Errorf("%s: still stalled in the new view", id)
		}
	}

	c.requireHeight(1, live...)
	c.requireAgreement(live...)
}

func TestPersistFailureRetriedOnNextCommit(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	e := c.nodes["node-3"]
	p := &flakyPersister{failing: true}
	e.persister = p

	c.submit("node-0", ledger.Issuance{Issuer: "treasury", Recipient: "alice", Amount: 50})
	c.flush()

	c.requireHeight(1, "node-3")
	if got := e.Status().Unpersisted; got != 1 {
		t.Errorf("Unpersisted = %d, want 1", got)
	}
	if len(p.blocks) != 0 {
		t.Fatalf("persisted %d blocks while failing", len(p.blocks))
	}

	p.failing = false
	c.submit("node-0", ledger.Transfer{From: "alice", To: "bob", Amount: 20})
	c.flush()

	c.requireHeight(2, c.vs.IDs()...)
	if got := e.Status().Unpersisted; got != 0 {
		t.Errorf("Unpersisted = %d after recovery, want 0", got)
	}
	if len(p.blocks) != 2 || p.blocks[0].Sequence != 1 || !p.blocks[1].Follows(p.blocks[0]) {
		t.Errorf("persisted chain has %d blocks, want sequences 1 and 2 in order", len(p.blocks))
	}
}

func TestAdmitClassifiesRounds(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	e := c.nodes["node-1"]
	e.view = 1

	tests := []struct {
		name     string
		view     uint64
		sequence uint64
		want     []error
	}{
		{"current", 1, 1, nil},
		{"committed sequence", 1, 0, []error{errPast}},
		{"old view", 0, 1, []error{errPast, ErrViewMismatch}},
		{"future view", 2, 1, []error{errFuture}},
		{"sequence gap", 1, 3, []error{errFuture, ErrSequenceGap}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.admit(tt.view, tt.sequence)
			if tt.want == nil && err != nil {
				t.Fatalf("admit: %v", err)
			}
			for _, want := range tt.want {
				if !errors.Is(err, want) {
					t.Errorf("admit: err = %v, want %v", err, want)
				}
			}
		})
	}
}

func TestStatusReportsSyncing(t *testing.T) {
	c := newCluster(t, 4, testConfig())
	e := c.nodes["node-2"]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.ctx = ctx
	e.fetcher = &heightFetcher{height: 9}

	e.step(e.startCatchUp)
	if !e.Status().Syncing {
		t.Error("Syncing not reported during catch-up")
	}

	res := <-e.fetchedCh
	e.step(func() { e.onFetched(res) })

	st := e.Status()
	if st.Syncing {
		t.Error("Syncing still set after the fetch returned")
	}
	if st.NetworkHeight != 9 {
		t.Errorf("NetworkHeight = %d, want 9", st.NetworkHeight)
	}
}
