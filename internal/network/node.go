package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Astor/internal/logger"
)

const (
	// defaultReconnectDelay is the default delay between dial attempts.
	defaultReconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the dial backoff.
	maxReconnectDelay = 30 * time.Second

	// defaultDedupWindow is how long a delivered message is remembered.
	defaultDedupWindow = 10 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "astor/1"
)

var (
	// ErrUnknownPeer is returned when a remote key is not a validator.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrNotConnected is returned when sending to a validator with no connection.
	ErrNotConnected = errors.New("peer not connected")

	// ErrPeerClosed is returned when using a closed peer.
	ErrPeerClosed = errors.New("peer is closed")
)

// Membership maps a peer's public key to its validator id.
type Membership interface {
	IDByKey(pub ed25519.PublicKey) (string, bool)
}

// Config holds the configuration for a Node.
type Config struct {
	ID             string             // ID is this node's validator id
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":9000")
	Peers          map[string]string  // Peers maps validator id to dial address
	Membership     Membership         // Membership admits peers; nil admits any key under its hex id
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between dial attempts
	DedupWindow    time.Duration      // DedupWindow is how long delivered messages are remembered
}

// Node is a validator's QUIC endpoint. Peers are identified by validator id,
// established from the ed25519 key in their TLS certificate.
type Node struct {
	id         string
	privateKey ed25519.PrivateKey
	listenAddr string
	membership Membership
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	peers   map[string]*Peer // validator id -> live connection
	peersMu sync.RWMutex

	dialAddrs      map[string]string
	reconnectDelay time.Duration

	dedup *Dedup

	onConnect    func(*Peer)
	onMessage    func(*Peer, []byte)
	onDisconnect func(*Peer)
	onRequest    func(*Peer, []byte) ([]byte, error)
	handlersMu   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	id := cfg.ID
	if id == "" {
		id = hex.EncodeToString(cfg.PrivateKey.Public().(ed25519.PublicKey))
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	window := cfg.DedupWindow
	if window == 0 {
		window = defaultDedupWindow
	}

	cert, err := generateCertificate(id, cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	n := &Node{
		id:             id,
		privateKey:     cfg.PrivateKey,
		listenAddr:     cfg.ListenAddr,
		membership:     cfg.Membership,
		peers:          make(map[string]*Peer),
		dialAddrs:      make(map[string]string, len(cfg.Peers)),
		reconnectDelay: reconnectDelay,
		dedup:          NewDedup(window),
	}

	for peerID, addr := range cfg.Peers {
		if peerID != id {
			n.dialAddrs[peerID] = addr
		}
	}

	n.tlsConfig = &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true, // identity is the certificate key, checked below
		VerifyPeerCertificate: n.verifyPeerCertificate,
		NextProtos:            []string{alpnProtocol},
	}

	n.quicConfig = &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())

	return n, nil
}

// ID returns this node's validator id.
func (n *Node) ID() string {
	return n.id
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.privateKey.Public().(ed25519.PublicKey)
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start listens for peers and keeps connections to the configured ones.
// Of each pair of validators, the one with the smaller id dials.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	for peerID, addr := range n.dialAddrs {
		if n.id < peerID {
			n.wg.Add(1)
			go n.maintain(peerID, addr)
		}
	}

	logger.Info("network started", "node", n.id, "addr", n.Addr(), "peers", len(n.dialAddrs))

	return nil
}

// Connect dials addr and registers the resulting peer.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.callOnConnect(peer)

	return peer, nil
}

// Broadcast sends data to every connected peer.
func (n *Node) Broadcast(data []byte) error {
	var lastErr error

	for _, p := range n.Peers() {
		if err := p.Send(data); err != nil {
			lastErr = fmt.Errorf("send to %s:\n%w", p.ID(), err)
		}
	}

	return lastErr
}

// Send delivers data to validator peerID.
func (n *Node) Send(peerID string, data []byte) error {
	p := n.Peer(peerID)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}

	return p.Send(data)
}

// Request sends data to validator peerID and waits for its response.
func (n *Node) Request(ctx context.Context, peerID string, data []byte) ([]byte, error) {
	p := n.Peer(peerID)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}

	return p.Request(ctx, data)
}

// Peers returns the connected peers ordered by id.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.peersMu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].id < peers[j].id })

	return peers
}

// PeerIDs returns the ids of the connected peers in order.
func (n *Node) PeerIDs() []string {
	peers := n.Peers()
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.id
	}
	return ids
}

// Peer returns the connection to validator id, or nil.
func (n *Node) Peer(id string) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[id]
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler called for each new inbound message.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for incoming bidirectional requests.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	peers := n.peers
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	n.wg.Wait()
	n.dedup.Close()

	return nil
}

// resolve maps a peer key to its validator id.
func (n *Node) resolve(pub ed25519.PublicKey) (string, error) {
	if n.membership == nil {
		return hex.EncodeToString(pub), nil
	}

	id, ok := n.membership.IDByKey(pub)
	if !ok {
		return "", fmt.Errorf("%w: %x", ErrUnknownPeer, pub[:8])
	}

	return id, nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming registers an accepted connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		logger.Debug("rejected inbound connection", "addr", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer creates a Peer from an authenticated QUIC connection.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pub, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	id, err := n.resolve(pub)
	if err != nil {
		return nil, err
	}

	peer := &Peer{
		id:        id,
		publicKey: pub,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	n.peers[id] = peer
	n.peersMu.Unlock()

	logger.Debug("peer connected", "node", n.id, "peer", id, "addr", addr)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// handlePeerDisconnect drops p unless a newer connection replaced it.
func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
	n.peersMu.Unlock()

	logger.Debug("peer disconnected", "node", n.id, "peer", p.id)

	n.callOnDisconnect(p)
}

// maintain keeps a connection to peerID open, dialing with exponential
// backoff while it is down.
func (n *Node) maintain(peerID, addr string) {
	defer n.wg.Done()

	delay := n.reconnectDelay

	for {
		if n.Peer(peerID) == nil {
			peer, err := n.Connect(addr)
			switch {
			case err != nil:
				logger.Debug("dial failed", "peer", peerID, "addr", addr, "error", err)
				delay = min(delay*2, maxReconnectDelay)
			case peer.id != peerID:
				logger.Warn("dialed address answered with another identity",
					"addr", addr,
					"expected", peerID,
					"got", peer.id,
				)
			default:
				delay = n.reconnectDelay
			}
		}

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

func (n *Node) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
