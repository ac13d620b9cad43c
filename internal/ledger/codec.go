package ledger

import (
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"Astor/internal/types"
)

// BuildTransaction writes tx into builder and returns its offset.
func BuildTransaction(builder *flatbuffers.Builder, tx Transaction) flatbuffers.UOffsetT {
	var (
		actor, target, action string
		amount                uint64
		kind                  Kind
	)

	switch v := tx.Type.(type) {
	case Issuance:
		kind, actor, target, amount = KindIssuance, v.Issuer, v.Recipient, v.Amount
	case Transfer:
		kind, actor, target, amount = KindTransfer, v.From, v.To, v.Amount
	case AccountCreation:
		kind, actor = KindAccountCreation, v.AccountID
	case AdminAction:
		kind, actor, action, target = KindAdminAction, v.AdminID, v.Action, v.Target
	}

	idOff := builder.CreateString(tx.ID)
	actorOff := builder.CreateString(actor)
	targetOff := builder.CreateString(target)
	actionOff := builder.CreateString(action)

	types.TransactionStart(builder)
	types.TransactionAddId(builder, idOff)
	types.TransactionAddTimestamp(builder, tx.Timestamp.UnixNano())
	types.TransactionAddKind(builder, byte(kind))
	types.TransactionAddActor(builder, actorOff)
	types.TransactionAddTarget(builder, targetOff)
	types.TransactionAddAmount(builder, amount)
	types.TransactionAddAction(builder, actionOff)

	return types.TransactionEnd(builder)
}

// BuildTransactionVector writes txs as a vector of Transaction tables.
// start is the generated Start<Field>Vector function of the parent table.
func BuildTransactionVector(builder *flatbuffers.Builder, txs []Transaction, start func(*flatbuffers.Builder, int) flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	offsets := make([]flatbuffers.UOffsetT, len(txs))
	for i, tx := range txs {
		offsets[i] = BuildTransaction(builder, tx)
	}

	start(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}

	return builder.EndVector(len(offsets))
}

// ParseTransaction converts a decoded flatbuffers Transaction.
func ParseTransaction(t *types.Transaction) (Transaction, error) {
	if t == nil {
		return Transaction{}, fmt.Errorf("%w: missing transaction", ErrInvalidEntry)
	}

	tx := Transaction{
		ID:        string(t.Id()),
		Timestamp: time.Unix(0, t.Timestamp()).UTC(),
	}

	actor, target := string(t.Actor()), string(t.Target())

	switch Kind(t.Kind()) {
	case KindIssuance:
		tx.Type = Issuance{Issuer: actor, Recipient: target, Amount: t.Amount()}
	case KindTransfer:
		tx.Type = Transfer{From: actor, To: target, Amount: t.Amount()}
	case KindAccountCreation:
		tx.Type = AccountCreation{AccountID: actor}
	case KindAdminAction:
		tx.Type = AdminAction{AdminID: actor, Action: string(t.Action()), Target: target}
	default:
		return Transaction{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidEntry, t.Kind())
	}

	return tx, nil
}

// EncodeEntry serializes an entry for storage.
func EncodeEntry(e Entry) []byte {
	builder := flatbuffers.NewBuilder(256)

	txOff := BuildTransaction(builder, e.Transaction())
	hashOff := builder.CreateString(e.Hash)
	prevOff := builder.CreateString(e.PreviousHash)

	types.EntryStart(builder)
	types.EntryAddTransaction(builder, txOff)
	types.EntryAddHash(builder, hashOff)
	types.EntryAddPreviousHash(builder, prevOff)
	builder.Finish(types.EntryEnd(builder))

	return builder.FinishedBytes()
}

// DecodeEntry parses an entry produced by EncodeEntry.
func DecodeEntry(data []byte) (e Entry, err error) {
	if len(data) < 8 {
		return Entry{}, fmt.Errorf("entry too short: %d bytes", len(data))
	}

	// malformed buffers make the generated accessors panic
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed entry: %v", r)
		}
	}()

	fb := types.GetRootAsEntry(data, 0)

	tx, err := ParseTransaction(fb.Transaction(nil))
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		ID:           tx.ID,
		Type:         tx.Type,
		Timestamp:    tx.Timestamp,
		Hash:         string(fb.Hash()),
		PreviousHash: string(fb.PreviousHash()),
	}, nil
}
