package genesis

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"Astor/internal/consensus"
	"Astor/internal/ledger"
)

// Issuer is the issuer recorded on genesis allocations.
const Issuer = "genesis"

// ErrInvalid is returned for genesis files that cannot bootstrap a network.
var ErrInvalid = errors.New("invalid genesis")

// namespace derives allocation ids so every validator computes the same ones.
var namespace = uuid.MustParse("6f1c2a52-7d3e-4b8e-9a41-3c5d8e2f0b17")

// Validator is one member of the static validator set.
type Validator struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"` // hex-encoded ed25519 key
	Address   string `json:"address"`    // QUIC listen address
}

// Allocation credits Amount to Account when the network starts.
type Allocation struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

// Genesis describes the network every validator boots from.
type Genesis struct {
	ChainID     string       `json:"chain_id"`
	Time        time.Time    `json:"genesis_time"`
	Validators  []Validator  `json:"validators"`
	Allocations []Allocation `json:"allocations"`
}

// Load reads and validates a genesis file.
func Load(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis:\n%w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a genesis document.
func Parse(data []byte) (*Genesis, error) {
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}

	return &g, nil
}

// Validate checks the document without building anything from it.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("%w: missing chain_id", ErrInvalid)
	}

	if _, err := g.ValidatorSet(); err != nil {
		return err
	}

	for i, a := range g.Allocations {
		if a.Account == "" || a.Amount == 0 {
			return fmt.Errorf("%w: allocation %d needs an account and a positive amount", ErrInvalid, i)
		}
	}

	return nil
}

// ValidatorSet builds the consensus membership.
func (g *Genesis) ValidatorSet() (*consensus.ValidatorSet, error) {
	vals := make([]consensus.Validator, len(g.Validators))

	for i, v := range g.Validators {
		key, err := hex.DecodeString(v.PublicKey)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: validator %q has a malformed public key", ErrInvalid, v.ID)
		}
		vals[i] = consensus.Validator{ID: v.ID, PublicKey: ed25519.PublicKey(key)}
	}

	vs, err := consensus.NewValidatorSet(vals)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrInvalid, err)
	}

	return vs, nil
}

// Peers returns every validator address except self's, keyed by id.
func (g *Genesis) Peers(self string) map[string]string {
	peers := make(map[string]string, len(g.Validators))
	for _, v := range g.Validators {
		if v.ID != self && v.Address != "" {
			peers[v.ID] = v.Address
		}
	}
	return peers
}

// Transactions returns the allocations as issuance transactions. Ids and
// timestamps derive from the document only, so every validator proposes
// identical transactions and the ledger keeps the first copy.
func (g *Genesis) Transactions() []ledger.Transaction {
	txs := make([]ledger.Transaction, len(g.Allocations))

	for i, a := range g.Allocations {
		name := fmt.Sprintf("%s/%d/%s/%d", g.ChainID, i, a.Account, a.Amount)
		txs[i] = ledger.Transaction{
			ID:        uuid.NewSHA1(namespace, []byte(name)).String(),
			Timestamp: g.Time.UTC(),
			Type: ledger.Issuance{
				Issuer:    Issuer,
				Recipient: a.Account,
				Amount:    a.Amount,
			},
		}
	}

	return txs
}
