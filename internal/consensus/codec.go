package consensus

import (
	"fmt"
	"sort"

	flatbuffers "github.com/google/flatbuffers/go"

	"Astor/internal/ledger"
	"Astor/internal/types"
)

// Encode serializes m as a flatbuffers Message.
func Encode(m Message) []byte {
	builder := flatbuffers.NewBuilder(512)

	var (
		view, sequence, newView uint64
		digest                  *Hash
		txs                     []ledger.Transaction
		cert                    *PreparedCert
	)

	switch v := m.(type) {
	case *PrePrepare:
		view, sequence, digest, txs, cert = v.View, v.Sequence, &v.Digest, v.Transactions, v.Justification
	case *Prepare:
		view, sequence, digest = v.View, v.Sequence, &v.Digest
	case *Commit:
		view, sequence, digest = v.View, v.Sequence, &v.Digest
	case *ViewChange:
		newView, cert = v.NewView, v.Prepared
	case *TxRelay:
		txs = v.Transactions
	}

	var txsOff, certOff, digestOff flatbuffers.UOffsetT
	if txs != nil {
		txsOff = ledger.BuildTransactionVector(builder, txs, types.MessageStartTransactionsVector)
	}
	if cert != nil {
		certOff = buildCert(builder, cert)
	}
	if digest != nil {
		digestOff = builder.CreateByteVector(digest[:])
	}
	nodeOff := builder.CreateString(m.Sender())
	sigOff := builder.CreateByteVector(m.sig())

	types.MessageStart(builder)
	types.MessageAddKind(builder, byte(m.Kind()))
	types.MessageAddView(builder, view)
	types.MessageAddSequence(builder, sequence)
	types.MessageAddNewView(builder, newView)
	if digest != nil {
		types.MessageAddDigest(builder, digestOff)
	}
	if txs != nil {
		types.MessageAddTransactions(builder, txsOff)
	}
	if cert != nil {
		types.MessageAddPrepared(builder, certOff)
	}
	types.MessageAddNodeId(builder, nodeOff)
	types.MessageAddSignature(builder, sigOff)
	builder.Finish(types.MessageEnd(builder))

	return builder.FinishedBytes()
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (m Message, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(data))
	}

	// generated accessors panic on malformed offsets
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("%w: %v", ErrInvalidMessage, r)
		}
	}()

	fb := types.GetRootAsMessage(data, 0)
	nodeID := string(fb.NodeId())
	sig := cloneBytes(fb.SignatureBytes())

	switch MessageKind(fb.Kind()) {
	case KindPrePrepare:
		digest, err := toHash(fb.DigestBytes())
		if err != nil {
			return nil, err
		}
		txs, err := parseTransactions(fb.TransactionsLength(), fb.Transactions)
		if err != nil {
			return nil, err
		}
		cert, err := parseCert(fb.Prepared(nil))
		if err != nil {
			return nil, err
		}
		return &PrePrepare{
			View:          fb.View(),
			Sequence:      fb.Sequence(),
			Digest:        digest,
			Transactions:  txs,
			Justification: cert,
			NodeID:        nodeID,
			Signature:     sig,
		}, nil

	case KindPrepare, KindCommit:
		digest, err := toHash(fb.DigestBytes())
		if err != nil {
			return nil, err
		}
		if MessageKind(fb.Kind()) == KindPrepare {
			return &Prepare{View: fb.View(), Sequence: fb.Sequence(), Digest: digest, NodeID: nodeID, Signature: sig}, nil
		}
		return &Commit{View: fb.View(), Sequence: fb.Sequence(), Digest: digest, NodeID: nodeID, Signature: sig}, nil

	case KindViewChange:
		cert, err := parseCert(fb.Prepared(nil))
		if err != nil {
			return nil, err
		}
		return &ViewChange{NewView: fb.NewView(), Prepared: cert, NodeID: nodeID, Signature: sig}, nil

	case KindTxRelay:
		txs, err := parseTransactions(fb.TransactionsLength(), fb.Transactions)
		if err != nil {
			return nil, err
		}
		return &TxRelay{Transactions: txs, NodeID: nodeID, Signature: sig}, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, fb.Kind())
	}
}

func buildCert(builder *flatbuffers.Builder, c *PreparedCert) flatbuffers.UOffsetT {
	txsOff := ledger.BuildTransactionVector(builder, c.Transactions, types.PreparedCertStartTransactionsVector)
	prepOff := buildSignatures(builder, c.Prepares, types.PreparedCertStartPreparesVector)
	digestOff := builder.CreateByteVector(c.Digest[:])

	types.PreparedCertStart(builder)
	types.PreparedCertAddView(builder, c.View)
	types.PreparedCertAddSequence(builder, c.Sequence)
	types.PreparedCertAddDigest(builder, digestOff)
	types.PreparedCertAddTransactions(builder, txsOff)
	types.PreparedCertAddPrepares(builder, prepOff)

	return types.PreparedCertEnd(builder)
}

func parseCert(fb *types.PreparedCert) (*PreparedCert, error) {
	if fb == nil {
		return nil, nil
	}

	digest, err := toHash(fb.DigestBytes())
	if err != nil {
		return nil, err
	}

	txs, err := parseTransactions(fb.TransactionsLength(), fb.Transactions)
	if err != nil {
		return nil, err
	}

	return &PreparedCert{
		View:         fb.View(),
		Sequence:     fb.Sequence(),
		Digest:       digest,
		Transactions: txs,
		Prepares:     parseSignatures(fb.PreparesLength(), fb.Prepares),
	}, nil
}

// buildSignatures writes sigs sorted by node id so encoding is deterministic.
func buildSignatures(builder *flatbuffers.Builder, sigs map[string][]byte, start func(*flatbuffers.Builder, int) flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	ids := make([]string, 0, len(sigs))
	for id := range sigs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	offsets := make([]flatbuffers.UOffsetT, len(ids))
	for i, id := range ids {
		idOff := builder.CreateString(id)
		sigOff := builder.CreateByteVector(sigs[id])

		types.ValidatorSignatureStart(builder)
		types.ValidatorSignatureAddNodeId(builder, idOff)
		types.ValidatorSignatureAddSignature(builder, sigOff)
		offsets[i] = types.ValidatorSignatureEnd(builder)
	}

	start(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}

	return builder.EndVector(len(offsets))
}

func parseSignatures(n int, get func(*types.ValidatorSignature, int) bool) map[string][]byte {
	sigs := make(map[string][]byte, n)

	var vs types.ValidatorSignature
	for i := 0; i < n; i++ {
		if !get(&vs, i) {
			continue
		}
		sigs[string(vs.NodeId())] = cloneBytes(vs.SignatureBytes())
	}

	return sigs
}

func parseTransactions(n int, get func(*types.Transaction, int) bool) ([]ledger.Transaction, error) {
	txs := make([]ledger.Transaction, 0, n)

	var fb types.Transaction
	for i := 0; i < n; i++ {
		if !get(&fb, i) {
			continue
		}

		tx, err := ledger.ParseTransaction(&fb)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction %d: %w", ErrInvalidMessage, i, err)
		}
		txs = append(txs, tx)
	}

	return txs, nil
}

// BuildBlock writes b into builder and returns its offset.
func BuildBlock(builder *flatbuffers.Builder, b *Block) flatbuffers.UOffsetT {
	txsOff := ledger.BuildTransactionVector(builder, b.Transactions, types.BlockStartTransactionsVector)
	sigsOff := buildSignatures(builder, b.Signatures, types.BlockStartSignaturesVector)
	prevOff := builder.CreateByteVector(b.PreviousHash[:])
	rootOff := builder.CreateByteVector(b.MerkleRoot[:])

	types.BlockStart(builder)
	types.BlockAddSequence(builder, b.Sequence)
	types.BlockAddView(builder, b.View)
	types.BlockAddPreviousHash(builder, prevOff)
	types.BlockAddMerkleRoot(builder, rootOff)
	types.BlockAddTransactions(builder, txsOff)
	types.BlockAddSignatures(builder, sigsOff)

	return types.BlockEnd(builder)
}

// ParseBlock converts a decoded flatbuffers Block.
func ParseBlock(fb *types.Block) (*Block, error) {
	prev, err := toHash(fb.PreviousHashBytes())
	if err != nil {
		return nil, err
	}

	root, err := toHash(fb.MerkleRootBytes())
	if err != nil {
		return nil, err
	}

	txs, err := parseTransactions(fb.TransactionsLength(), fb.Transactions)
	if err != nil {
		return nil, err
	}

	return &Block{
		Sequence:     fb.Sequence(),
		View:         fb.View(),
		Transactions: txs,
		PreviousHash: prev,
		MerkleRoot:   root,
		Signatures:   parseSignatures(fb.SignaturesLength(), fb.Signatures),
	}, nil
}

// EncodeBlock serializes b as a standalone buffer.
func EncodeBlock(b *Block) []byte {
	builder := flatbuffers.NewBuilder(1024 + len(b.Transactions)*128)
	builder.Finish(BuildBlock(builder, b))
	return builder.FinishedBytes()
}

// DecodeBlock parses a block produced by EncodeBlock.
func DecodeBlock(data []byte) (b *Block, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidBlock, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("%w: %v", ErrInvalidBlock, r)
		}
	}()

	return ParseBlock(types.GetRootAsBlock(data, 0))
}

func toHash(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("%w: hash is %d bytes", ErrInvalidMessage, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
