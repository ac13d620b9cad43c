package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"time"

	"Astor/internal/consensus"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 signing key.
	PrivateKey ed25519.PrivateKey

	// GenesisPath is the genesis file listing validators and allocations.
	GenesisPath string

	// ID is this node's validator id. Empty means look it up by key.
	ID string

	// ResyncFrom names a validator to rebuild the ledger from at startup.
	ResyncFrom string

	// LogLevel is the minimum level logged.
	LogLevel string

	// StatusInterval is the period of status reports and halt checks.
	StatusInterval time.Duration

	// Consensus is the engine tuning.
	Consensus consensus.Config
}

// parseFlags parses command-line flags into Config.
func parseFlags(args []string) (*Config, error) {
	cfg := &Config{Consensus: consensus.DefaultConfig()}

	fs := flag.NewFlagSet("astor", flag.ContinueOnError)
	fs.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	fs.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC P2P address")
	fs.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	fs.StringVar(&cfg.GenesisPath, "genesis", "./genesis.json", "Genesis file path")
	fs.StringVar(&cfg.ID, "id", "", "Validator id (default: looked up by key in genesis)")
	fs.StringVar(&cfg.ResyncFrom, "resync-from", "", "Rebuild the ledger from this validator at startup")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.StatusInterval, "status-interval", 10*time.Second, "Status report interval")

	fs.IntVar(&cfg.Consensus.BatchSize, "batch-size", cfg.Consensus.BatchSize, "Pending transactions that trigger a proposal")
	fs.DurationVar(&cfg.Consensus.BatchTimeout, "batch-timeout", cfg.Consensus.BatchTimeout, "Delay before proposing a partial batch")
	fs.DurationVar(&cfg.Consensus.ViewTimeout, "view-timeout", cfg.Consensus.ViewTimeout, "Wait for progress before a view change")
	fs.DurationVar(&cfg.Consensus.IntegrityInterval, "integrity-interval", cfg.Consensus.IntegrityInterval, "Chain verification period (0 disables)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.StatusInterval <= 0 {
		return nil, fmt.Errorf("status interval must be positive, got %s", cfg.StatusInterval)
	}
	if err := cfg.Consensus.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
