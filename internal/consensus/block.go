package consensus

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"

	"github.com/zeebo/blake3"

	"Astor/internal/ledger"
)

// Hash is a 32-byte blake3 digest.
type Hash [32]byte

// String returns the hex form of h.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string { return hex.EncodeToString(h[:4]) }

// IsZero reports whether h is the zero hash, which anchors the block chain.
func (h Hash) IsZero() bool { return h == Hash{} }

// Merkle tree domain prefixes keep leaves and inner nodes apart.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// MerkleRoot binds an ordered transaction list to a single digest.
// An odd node is promoted unchanged to the next level. The root of an
// empty list is the hash of no data.
func MerkleRoot(txs []ledger.Transaction) Hash {
	if len(txs) == 0 {
		return blake3.Sum256(nil)
	}

	level := make([]Hash, len(txs))
	for i, tx := range txs {
		level[i] = hashLeaf(tx.CanonicalBytes())
	}

	for len(level) > 1 {
		next := level[:0:0]
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashNode(level[i], level[i+1]))
		}
		level = next
	}

	return level[0]
}

func hashLeaf(data []byte) Hash {
	h := blake3.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)

	var out Hash
	h.Sum(out[:0])
	return out
}

func hashNode(left, right Hash) Hash {
	var buf [1 + 64]byte
	buf[0] = nodePrefix
	copy(buf[1:], left[:])
	copy(buf[1+len(left):], right[:])

	return blake3.Sum256(buf[:])
}

// Batch is an agreed round before its signatures are attached.
type Batch struct {
	Sequence     uint64
	View         uint64
	PreviousHash Hash
	Transactions []ledger.Transaction
}

// Block is a committed batch with its commit certificate.
type Block struct {
	Sequence     uint64
	View         uint64
	Transactions []ledger.Transaction
	PreviousHash Hash
	MerkleRoot   Hash
	Signatures   map[string][]byte // node id -> Commit signature
}

// Assemble builds the block for batch. It performs no I/O.
func Assemble(batch Batch, signatures map[string][]byte) *Block {
	return &Block{
		Sequence:     batch.Sequence,
		View:         batch.View,
		Transactions: slices.Clone(batch.Transactions),
		PreviousHash: batch.PreviousHash,
		MerkleRoot:   MerkleRoot(batch.Transactions),
		Signatures:   maps.Clone(signatures),
	}
}

// Hash identifies the block. View and signatures are excluded: a digest
// committed in one view may be re-committed by other nodes in a later view,
// and all of them must agree on the chain.
func (b *Block) Hash() Hash {
	var buf [8 + 64]byte
	binary.BigEndian.PutUint64(buf[0:8], b.Sequence)
	copy(buf[8:40], b.PreviousHash[:])
	copy(buf[40:72], b.MerkleRoot[:])

	return blake3.Sum256(buf[:])
}

// Verify checks the Merkle root and that a quorum of validators signed
// Commit for this block's (view, sequence, digest).
func (b *Block) Verify(vs *ValidatorSet) error {
	if MerkleRoot(b.Transactions) != b.MerkleRoot {
		return fmt.Errorf("%w: block %d: %w", ErrInvalidBlock, b.Sequence, ErrDigestMismatch)
	}

	valid := 0
	for id, sig := range b.Signatures {
		msg := voteSignBytes(KindCommit, b.View, b.Sequence, b.MerkleRoot, id)
		if vs.Verify(id, msg, sig) == nil {
			valid++
		}
	}

	if valid < vs.QuorumSize() {
		return fmt.Errorf("%w: block %d has %d valid commit signatures, need %d",
			ErrInvalidBlock, b.Sequence, valid, vs.QuorumSize())
	}

	return nil
}

// Follows reports whether b extends prev (nil for the first block).
func (b *Block) Follows(prev *Block) bool {
	if prev == nil {
		return b.Sequence == 1 && b.PreviousHash.IsZero()
	}
	return b.Sequence == prev.Sequence+1 && b.PreviousHash == prev.Hash()
}
