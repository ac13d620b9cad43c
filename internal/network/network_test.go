package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// keyMembership admits a fixed set of keys.
type keyMembership map[string]string // string(pubkey) -> id

func (m keyMembership) IDByKey(pub ed25519.PublicKey) (string, bool) {
	id, ok := m[string(pub)]
	return id, ok
}

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startNode creates and starts a node closed at test end.
func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}

	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	return n
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// validatorNodes starts n nodes sharing a membership.
func validatorNodes(t *testing.T, n int) []*Node {
	t.Helper()

	keys := make([]ed25519.PrivateKey, n)
	members := make(keyMembership, n)
	for i := range keys {
		keys[i] = generateTestKey(t)
		members[string(keys[i].Public().(ed25519.PublicKey))] = fmt.Sprintf("v%d", i)
	}

	nodes := make([]*Node, n)
	for i := range nodes {
		nodes[i] = startNode(t, Config{ID: fmt.Sprintf("v%d", i), PrivateKey: keys[i], Membership: members})
	}

	return nodes
}

func TestNodeStartStop(t *testing.T) {
	n, err := NewNode(Config{PrivateKey: generateTestKey(t), ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	if n.Addr() == "" {
		t.Error("started node has no address")
	}

	if err := n.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

func TestNewNodeRequiresKeyAndAddr(t *testing.T) {
	if _, err := NewNode(Config{ListenAddr: "127.0.0.1:0"}); err == nil {
		t.Error("expected error without key")
	}
	if _, err := NewNode(Config{PrivateKey: generateTestKey(t)}); err == nil {
		t.Error("expected error without listen address")
	}
}

func TestConnectIdentifiesValidator(t *testing.T) {
	nodes := validatorNodes(t, 2)

	var connected atomic.Bool
	nodes[1].OnConnect(func(p *Peer) {
		if p.ID() == "v0" {
			connected.Store(true)
		}
	})

	peer, err := nodes[0].Connect(nodes[1].Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if peer.ID() != "v1" {
		t.Errorf("peer id = %q, want v1", peer.ID())
	}
	if !bytes.Equal(peer.PublicKey(), nodes[1].PublicKey()) {
		t.Error("peer public key mismatch")
	}

	eventually(t, "inbound registration", connected.Load)

	if nodes[0].Peer("v1") == nil || nodes[1].Peer("v0") == nil {
		t.Error("peers not registered by id")
	}
}

func TestRejectsUnknownKey(t *testing.T) {
	nodes := validatorNodes(t, 1)

	outsider := startNode(t, Config{PrivateKey: generateTestKey(t)})

	// the validator checks the server certificate before finishing its handshake
	if _, err := nodes[0].Connect(outsider.Addr()); err == nil {
		t.Error("validator connected to an outsider")
	}

	// the client side may finish before the server rejects its certificate
	outsider.Connect(nodes[0].Addr())

	time.Sleep(100 * time.Millisecond)
	if len(nodes[0].Peers()) != 0 {
		t.Errorf("validator registered %d peers, want 0", len(nodes[0].Peers()))
	}
}

func TestSendByID(t *testing.T) {
	nodes := validatorNodes(t, 2)

	received := make(chan string, 1)
	nodes[1].OnMessage(func(p *Peer, data []byte) {
		received <- p.ID() + ":" + string(data)
	})

	if err := nodes[0].Send("v1", []byte("hello")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send before connect: err = %v, want ErrNotConnected", err)
	}

	if _, err := nodes[0].Connect(nodes[1].Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := nodes[0].Send("v1", []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if got != "v0:hello" {
			t.Errorf("received %q, want v0:hello", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestStartDialsConfiguredPeers(t *testing.T) {
	keys := []ed25519.PrivateKey{generateTestKey(t), generateTestKey(t), generateTestKey(t)}
	members := make(keyMembership)
	for i, k := range keys {
		members[string(k.Public().(ed25519.PublicKey))] = fmt.Sprintf("v%d", i)
	}

	// listeners first so the addresses are known
	v1 := startNode(t, Config{ID: "v1", PrivateKey: keys[1], Membership: members})
	v2 := startNode(t, Config{ID: "v2", PrivateKey: keys[2], Membership: members})
	v0 := startNode(t, Config{
		ID:             "v0",
		PrivateKey:     keys[0],
		Membership:     members,
		Peers:          map[string]string{"v1": v1.Addr(), "v2": v2.Addr()},
		ReconnectDelay: 50 * time.Millisecond,
	})

	eventually(t, "v0 connected to both", func() bool { return len(v0.PeerIDs()) == 2 })

	if ids := v0.PeerIDs(); ids[0] != "v1" || ids[1] != "v2" {
		t.Errorf("PeerIDs = %v, want [v1 v2]", ids)
	}
}

func TestBroadcast(t *testing.T) {
	nodes := validatorNodes(t, 4)

	var wg sync.WaitGroup
	wg.Add(3)
	for _, n := range nodes[1:] {
		var once sync.Once
		n.OnMessage(func(p *Peer, data []byte) {
			if string(data) == "to all" {
				once.Do(wg.Done)
			}
		})
		if _, err := nodes[0].Connect(n.Addr()); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	if err := nodes[0].Broadcast([]byte("to all")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast not received by all peers")
	}
}

func TestRequestResponse(t *testing.T) {
	nodes := validatorNodes(t, 2)

	nodes[1].OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		if bytes.Equal(data, []byte("fail")) {
			return nil, errors.New("refused")
		}
		return append([]byte(p.ID()+":"), data...), nil
	})

	if _, err := nodes[0].Connect(nodes[1].Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	response, err := nodes[0].Request(ctx, "v1", []byte("hello"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(response) != "v0:hello" {
		t.Errorf("response = %q, want v0:hello", response)
	}

	if _, err := nodes[0].Request(ctx, "v1", []byte("fail")); err == nil {
		t.Error("expected error when the handler fails")
	}
}

func TestRequestTimeout(t *testing.T) {
	nodes := validatorNodes(t, 2)

	nodes[1].OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		time.Sleep(500 * time.Millisecond)
		return []byte("late"), nil
	})

	if _, err := nodes[0].Connect(nodes[1].Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := nodes[0].Request(ctx, "v1", []byte("hello")); err == nil {
		t.Error("expected timeout error")
	}
}

func TestDuplicateMessagesFiltered(t *testing.T) {
	nodes := validatorNodes(t, 3)

	var count atomic.Int32
	nodes[0].OnMessage(func(p *Peer, data []byte) {
		count.Add(1)
	})

	for _, n := range nodes[1:] {
		if _, err := n.Connect(nodes[0].Addr()); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	msg := []byte("same payload from two peers")
	nodes[1].Send("v0", msg)
	nodes[2].Send("v0", msg)
	nodes[2].Send("v0", []byte("another payload"))

	eventually(t, "two deliveries", func() bool { return count.Load() >= 2 })
	time.Sleep(100 * time.Millisecond)

	if got := count.Load(); got != 2 {
		t.Errorf("delivered %d messages, want 2", got)
	}
}

func TestDisconnectRemovesPeer(t *testing.T) {
	nodes := validatorNodes(t, 2)

	disconnected := make(chan string, 1)
	nodes[0].OnDisconnect(func(p *Peer) {
		disconnected <- p.ID()
	})

	if _, err := nodes[0].Connect(nodes[1].Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	nodes[1].Close()

	select {
	case id := <-disconnected:
		if id != "v1" {
			t.Errorf("disconnected peer = %q, want v1", id)
		}
	case <-time.After(40 * time.Second):
		t.Fatal("disconnect not observed")
	}

	if nodes[0].Peer("v1") != nil {
		t.Error("disconnected peer still registered")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payloads := [][]byte{{}, []byte("x"), bytes.Repeat([]byte{7}, 1<<16)}
	for _, p := range payloads {
		if err := writeFrame(&buf, p); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}
	}

	for _, want := range payloads {
		got, err := readFrame(&buf)
		if err != nil {
			t.Fatalf("readFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame of %d bytes came back as %d bytes", len(want), len(got))
		}
	}

	if _, err := readFrame(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})); err == nil {
		t.Error("expected error for oversized frame")
	}
	if _, err := readFrame(bytes.NewReader([]byte{0, 0, 0, 9, 1})); err == nil {
		t.Error("expected error for truncated frame")
	}
}
