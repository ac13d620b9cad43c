package main

import (
	"Astor/internal/logger"
	"Astor/internal/network"
	"Astor/internal/sync"
)

// setupMessageHandlers routes one-way messages to the consensus engine.
// The network only admits validators, so the peer id is authenticated.
func (n *Node) setupMessageHandlers() {
	n.network.OnMessage(func(peer *network.Peer, data []byte) {
		n.engine.Deliver(peer.ID(), data)
	})

	n.network.OnConnect(func(peer *network.Peer) {
		logger.Info("validator connected", "peer", peer.ID(), "addr", peer.Address())
	})

	n.network.OnDisconnect(func(peer *network.Peer) {
		logger.Info("validator disconnected", "peer", peer.ID())
	})
}

// setupRequestHandlers serves block sync requests from the block store.
func (n *Node) setupRequestHandlers() {
	n.network.OnRequest(func(peer *network.Peer, data []byte) ([]byte, error) {
		return sync.HandleSyncRequest(data, n.blocks)
	})
}
