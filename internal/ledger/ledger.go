package ledger

import (
	"errors"
	"fmt"
	"maps"
	"math/bits"
	"sync"
	"sync/atomic"

	"Astor/internal/logger"
)

// Ledger is the append-only hash chain plus its balance index.
//
// Writes are serialized by the ledger's own mutex and are expected to come
// from a single owner (the consensus commit step). Every write publishes an
// immutable View; readers only load that pointer and never contend with
// the writer.
type Ledger struct {
	mu sync.Mutex

	entries  []Entry
	ids      map[string]struct{}
	balances map[string]uint64
	supply   uint64
	sequence uint64
	halted   string

	view atomic.Pointer[View]
}

// View is a consistent read-only snapshot of the ledger.
type View struct {
	entries  []Entry
	balances map[string]uint64
	supply   uint64
	sequence uint64
	halted   string
}

// Rejection describes a transaction skipped while applying a block.
type Rejection struct {
	ID  string
	Err error
}

// BlockResult reports what a block did to the chain.
type BlockResult struct {
	Sequence uint64
	Applied  []Entry
	Rejected []Rejection
}

// New creates an empty ledger.
func New() *Ledger {
	l := &Ledger{
		ids:      make(map[string]struct{}),
		balances: make(map[string]uint64),
	}
	l.publish()

	return l
}

// AppendEntry records t under a fresh id and timestamp.
func (l *Ledger) AppendEntry(t EntryType) (Entry, error) {
	return l.Apply(NewTransaction(t))
}

// Apply validates tx against the current balances and appends it.
// A rejected transaction leaves the ledger untouched.
func (l *Ledger) Apply(tx Transaction) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != "" {
		return Entry{}, ErrIntegrityViolation
	}

	e, err := l.applyLocked(tx)
	if err != nil {
		return Entry{}, err
	}

	l.publish()

	return e, nil
}

// AppendBlock applies the transactions of committed block sequence in order.
// Transactions that fail validation are skipped and reported; the block is
// still considered applied. Blocks must arrive with consecutive sequences.
func (l *Ledger) AppendBlock(sequence uint64, txs []Transaction) (BlockResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != "" {
		return BlockResult{}, ErrIntegrityViolation
	}

	if sequence != l.sequence+1 {
		return BlockResult{}, fmt.Errorf("%w: have %d, got %d", ErrSequenceOrder, l.sequence, sequence)
	}

	result := BlockResult{Sequence: sequence}

	for _, tx := range txs {
		e, err := l.applyLocked(tx)
		if err != nil {
			logger.Warn("transaction rejected",
				"sequence", sequence,
				"tx", tx.ID,
				"reason", err,
			)
			result.Rejected = append(result.Rejected, Rejection{ID: tx.ID, Err: err})
			continue
		}

		result.Applied = append(result.Applied, e)
	}

	l.sequence = sequence
	l.publish()

	return result, nil
}

// applyLocked validates and appends one transaction. l.mu must be held.
func (l *Ledger) applyLocked(tx Transaction) (Entry, error) {
	if err := tx.Validate(); err != nil {
		return Entry{}, err
	}

	if _, dup := l.ids[tx.ID]; dup {
		return Entry{}, fmt.Errorf("%w: %s", ErrDuplicateEntry, tx.ID)
	}

	if err := l.applyBalances(tx.Type); err != nil {
		return Entry{}, err
	}

	prev := l.lastHashLocked()
	ts := normalizeTime(tx.Timestamp)

	e := Entry{
		ID:           tx.ID,
		Type:         tx.Type,
		Timestamp:    ts,
		Hash:         computeHash(prev, tx.ID, tx.Type, ts),
		PreviousHash: prev,
	}

	l.entries = append(l.entries, e)
	l.ids[tx.ID] = struct{}{}

	return e, nil
}

// applyBalances updates the balance index for t, or returns an error and
// changes nothing.
func (l *Ledger) applyBalances(t EntryType) error {
	switch v := t.(type) {
	case Issuance:
		supply, ok := checkedAdd(l.supply, v.Amount)
		if !ok {
			return fmt.Errorf("%w: supply %d + %d", ErrOverflow, l.supply, v.Amount)
		}

		credited, ok := checkedAdd(l.balances[v.Recipient], v.Amount)
		if !ok {
			return fmt.Errorf("%w: balance of %s", ErrOverflow, v.Recipient)
		}

		l.supply = supply
		l.balances[v.Recipient] = credited

	case Transfer:
		from := l.balances[v.From]
		if from < v.Amount {
			return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, v.From, from, v.Amount)
		}

		if v.From == v.To {
			return nil
		}

		credited, ok := checkedAdd(l.balances[v.To], v.Amount)
		if !ok {
			return fmt.Errorf("%w: balance of %s", ErrOverflow, v.To)
		}

		l.balances[v.From] = from - v.Amount
		l.balances[v.To] = credited
	}

	return nil
}

func checkedAdd(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

func (l *Ledger) lastHashLocked() string {
	if len(l.entries) == 0 {
		return GenesisHash
	}
	return l.entries[len(l.entries)-1].Hash
}

// publish swaps in a fresh snapshot. l.mu must be held.
// Entries are shared with the snapshot: they are never modified after
// append and the snapshot's length caps what it can see.
func (l *Ledger) publish() {
	l.view.Store(&View{
		entries:  l.entries[:len(l.entries):len(l.entries)],
		balances: maps.Clone(l.balances),
		supply:   l.supply,
		sequence: l.sequence,
		halted:   l.halted,
	})
}

// Halt stops all further writes. Reads keep working.
func (l *Ledger) Halt(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != "" {
		return
	}

	l.halted = reason
	l.publish()

	logger.Error("ledger halted", "reason", reason, "entries", len(l.entries))
}

// Has reports whether an entry with id was already recorded.
func (l *Ledger) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.ids[id]
	return ok
}

// Snapshot returns the latest published view.
func (l *Ledger) Snapshot() *View {
	return l.view.Load()
}

// Halted reports whether writes are stopped and why.
func (l *Ledger) Halted() (bool, string) { return l.Snapshot().Halted() }

// TotalSupply returns the sum of all issuances.
func (l *Ledger) TotalSupply() uint64 { return l.Snapshot().TotalSupply() }

// Balance returns the balance of account id.
func (l *Ledger) Balance(id string) uint64 { return l.Snapshot().Balance(id) }

// Entries returns a copy of the chain.
func (l *Ledger) Entries() []Entry { return l.Snapshot().Entries() }

// Len returns the number of entries.
func (l *Ledger) Len() int { return l.Snapshot().Len() }

// LastHash returns the tail hash, or GenesisHash for an empty chain.
func (l *Ledger) LastHash() string { return l.Snapshot().LastHash() }

// Sequence returns the last applied block sequence.
func (l *Ledger) Sequence() uint64 { return l.Snapshot().Sequence() }

// VerifyIntegrity walks the whole chain.
func (l *Ledger) VerifyIntegrity() bool { return l.Snapshot().VerifyIntegrity() }

// VerifyTail checks only the last link of the chain.
func (l *Ledger) VerifyTail() bool { return l.Snapshot().VerifyTail() }

// TotalSupply returns the sum of all issuances.
func (v *View) TotalSupply() uint64 { return v.supply }

// Balance returns the balance of account id, zero if unknown.
func (v *View) Balance(id string) uint64 { return v.balances[id] }

// Sequence returns the last applied block sequence.
func (v *View) Sequence() uint64 { return v.sequence }

// Len returns the number of entries.
func (v *View) Len() int { return len(v.entries) }

// Halted reports whether writes were stopped when the view was taken.
func (v *View) Halted() (bool, string) { return v.halted != "", v.halted }

// Entries returns a copy of the chain.
func (v *View) Entries() []Entry {
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Balances returns a copy of the balance index.
func (v *View) Balances() map[string]uint64 {
	return maps.Clone(v.balances)
}

// LastHash returns the tail hash, or GenesisHash for an empty chain.
func (v *View) LastHash() string {
	if len(v.entries) == 0 {
		return GenesisHash
	}
	return v.entries[len(v.entries)-1].Hash
}

// VerifyIntegrity recomputes every link. An empty chain is valid.
func (v *View) VerifyIntegrity() bool {
	return VerifyChain(v.entries)
}

// VerifyChain reports whether entries form a valid chain from genesis.
func VerifyChain(entries []Entry) bool {
	prev := GenesisHash
	for i := range entries {
		if !verifyLink(&entries[i], prev) {
			return false
		}
		prev = entries[i].Hash
	}

	return true
}

// VerifyTail recomputes the last link only.
func (v *View) VerifyTail() bool {
	n := len(v.entries)
	if n == 0 {
		return true
	}

	prev := GenesisHash
	if n > 1 {
		prev = v.entries[n-2].Hash
	}

	return verifyLink(&v.entries[n-1], prev)
}

func verifyLink(e *Entry, prev string) bool {
	if e.PreviousHash != prev || e.Type == nil {
		return false
	}
	return computeHash(prev, e.ID, e.Type, e.Timestamp) == e.Hash
}

// IsRejection reports whether err is a per-transaction rejection rather
// than a ledger-wide failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOverflow) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrDuplicateEntry)
}
