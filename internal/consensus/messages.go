package consensus

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"Astor/internal/ledger"
)

// MessageKind tags the wire variants.
type MessageKind byte

const (
	KindPrePrepare MessageKind = iota + 1
	KindPrepare
	KindCommit
	KindViewChange
	KindTxRelay
)

func (k MessageKind) String() string {
	switch k {
	case KindPrePrepare:
		return "PrePrepare"
	case KindPrepare:
		return "Prepare"
	case KindCommit:
		return "Commit"
	case KindViewChange:
		return "ViewChange"
	case KindTxRelay:
		return "TxRelay"
	default:
		return fmt.Sprintf("MessageKind(%d)", byte(k))
	}
}

// Message is the closed set of messages exchanged between validators.
type Message interface {
	Kind() MessageKind
	Sender() string
	SignBytes() []byte
	sig() []byte
	setSig([]byte)
}

// PrePrepare is the primary's proposal for (View, Sequence).
// Justification, when set, is the prepared certificate the proposal
// re-proposes after a view change.
type PrePrepare struct {
	View          uint64
	Sequence      uint64
	Digest        Hash
	Transactions  []ledger.Transaction
	Justification *PreparedCert
	NodeID        string
	Signature     []byte
}

// Prepare endorses a proposal digest.
type Prepare struct {
	View      uint64
	Sequence  uint64
	Digest    Hash
	NodeID    string
	Signature []byte
}

// Commit is sent once a node has seen a quorum of matching Prepares.
type Commit struct {
	View      uint64
	Sequence  uint64
	Digest    Hash
	NodeID    string
	Signature []byte
}

// ViewChange asks to move to NewView. Prepared carries the sender's
// highest prepared certificate for its next uncommitted sequence.
type ViewChange struct {
	NewView   uint64
	Prepared  *PreparedCert
	NodeID    string
	Signature []byte
}

// TxRelay forwards submitted transactions to the other validators so the
// primary can include them. It does not take part in agreement.
type TxRelay struct {
	Transactions []ledger.Transaction
	NodeID       string
	Signature    []byte
}

// PreparedCert proves a quorum prepared Digest at (View, Sequence).
type PreparedCert struct {
	View         uint64
	Sequence     uint64
	Digest       Hash
	Transactions []ledger.Transaction
	Prepares     map[string][]byte // node id -> Prepare signature
}

func (*PrePrepare) Kind() MessageKind { return KindPrePrepare }
func (*Prepare) Kind() MessageKind    { return KindPrepare }
func (*Commit) Kind() MessageKind     { return KindCommit }
func (*ViewChange) Kind() MessageKind { return KindViewChange }
func (*TxRelay) Kind() MessageKind    { return KindTxRelay }

func (m *PrePrepare) Sender() string { return m.NodeID }
func (m *Prepare) Sender() string    { return m.NodeID }
func (m *Commit) Sender() string     { return m.NodeID }
func (m *ViewChange) Sender() string { return m.NodeID }
func (m *TxRelay) Sender() string    { return m.NodeID }

func (m *PrePrepare) sig() []byte { return m.Signature }
func (m *Prepare) sig() []byte    { return m.Signature }
func (m *Commit) sig() []byte     { return m.Signature }
func (m *ViewChange) sig() []byte { return m.Signature }
func (m *TxRelay) sig() []byte    { return m.Signature }

func (m *PrePrepare) setSig(s []byte) { m.Signature = s }
func (m *Prepare) setSig(s []byte)    { m.Signature = s }
func (m *Commit) setSig(s []byte)     { m.Signature = s }
func (m *ViewChange) setSig(s []byte) { m.Signature = s }
func (m *TxRelay) setSig(s []byte)    { m.Signature = s }

// signDomain prefixes every signed payload.
const signDomain = "astor/pbft/v1"

// SignBytes covers the digest rather than the transactions; the receiver
// checks that the digest is the Merkle root of the transactions.
func (m *PrePrepare) SignBytes() []byte {
	b := signHeader(KindPrePrepare, m.NodeID)
	b = binary.BigEndian.AppendUint64(b, m.View)
	b = binary.BigEndian.AppendUint64(b, m.Sequence)
	b = append(b, m.Digest[:]...)
	if m.Justification != nil {
		b = append(b, 1)
		b = appendCertHeader(b, m.Justification)
	}
	return b
}

func (m *Prepare) SignBytes() []byte {
	return voteSignBytes(KindPrepare, m.View, m.Sequence, m.Digest, m.NodeID)
}

func (m *Commit) SignBytes() []byte {
	return voteSignBytes(KindCommit, m.View, m.Sequence, m.Digest, m.NodeID)
}

func (m *ViewChange) SignBytes() []byte {
	b := signHeader(KindViewChange, m.NodeID)
	b = binary.BigEndian.AppendUint64(b, m.NewView)
	if m.Prepared != nil {
		b = append(b, 1)
		b = appendCertHeader(b, m.Prepared)
	}
	return b
}

func (m *TxRelay) SignBytes() []byte {
	b := signHeader(KindTxRelay, m.NodeID)
	root := MerkleRoot(m.Transactions)
	return append(b, root[:]...)
}

// voteSignBytes is shared by Prepare and Commit so block certificates can
// be checked without the original messages.
func voteSignBytes(kind MessageKind, view, sequence uint64, digest Hash, nodeID string) []byte {
	b := signHeader(kind, nodeID)
	b = binary.BigEndian.AppendUint64(b, view)
	b = binary.BigEndian.AppendUint64(b, sequence)
	return append(b, digest[:]...)
}

func signHeader(kind MessageKind, nodeID string) []byte {
	b := make([]byte, 0, 128)
	b = append(b, signDomain...)
	b = append(b, byte(kind))
	b = binary.AppendUvarint(b, uint64(len(nodeID)))
	return append(b, nodeID...)
}

func appendCertHeader(b []byte, c *PreparedCert) []byte {
	b = binary.BigEndian.AppendUint64(b, c.View)
	b = binary.BigEndian.AppendUint64(b, c.Sequence)
	return append(b, c.Digest[:]...)
}

// Sign fills in m's signature.
func Sign(m Message, key ed25519.PrivateKey) {
	m.setSig(ed25519.Sign(key, m.SignBytes()))
}

// VerifyMessage checks that m comes from a member and is correctly signed.
func VerifyMessage(vs *ValidatorSet, m Message) error {
	return vs.Verify(m.Sender(), m.SignBytes(), m.sig())
}

// Verify checks that the certificate's digest binds its transactions and
// that a quorum of distinct validators signed Prepare for it.
func (c *PreparedCert) Verify(vs *ValidatorSet) error {
	if MerkleRoot(c.Transactions) != c.Digest {
		return fmt.Errorf("%w: %w", ErrInvalidCert, ErrDigestMismatch)
	}

	valid := 0
	for id, sig := range c.Prepares {
		msg := voteSignBytes(KindPrepare, c.View, c.Sequence, c.Digest, id)
		if vs.Verify(id, msg, sig) == nil {
			valid++
		}
	}

	if valid < vs.QuorumSize() {
		return fmt.Errorf("%w: %d valid prepares, need %d", ErrInvalidCert, valid, vs.QuorumSize())
	}

	return nil
}

// supersedes reports whether c should replace other as a node's lock.
func (c *PreparedCert) supersedes(other *PreparedCert) bool {
	if c == nil {
		return false
	}
	if other == nil {
		return true
	}
	return c.Sequence == other.Sequence && c.View > other.View
}

// describe returns the log attributes identifying m.
func describe(m Message) []any {
	attrs := []any{"kind", m.Kind(), "from", m.Sender()}

	switch v := m.(type) {
	case *PrePrepare:
		attrs = append(attrs, "view", v.View, "sequence", v.Sequence, "digest", v.Digest.Short())
	case *Prepare:
		attrs = append(attrs, "view", v.View, "sequence", v.Sequence, "digest", v.Digest.Short())
	case *Commit:
		attrs = append(attrs, "view", v.View, "sequence", v.Sequence, "digest", v.Digest.Short())
	case *ViewChange:
		attrs = append(attrs, "new_view", v.NewView)
	}

	return attrs
}
