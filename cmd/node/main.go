package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"Astor/internal/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Init(level)

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(node)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(n *Node) {
	pubKey := n.cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting Astor node",
		"id", n.id,
		"pubkey", hex.EncodeToString(pubKey),
		"chain", n.genesis.ChainID,
		"validators", len(n.genesis.Validators),
		"quic", n.cfg.QUICAddress,
		"data", n.cfg.DataPath,
		"height", n.engine.Height(),
	)
}
