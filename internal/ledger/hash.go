package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// computeHash returns the hex sha256 digest that links an entry to its
// predecessor. Every component is length-prefixed so field boundaries
// cannot shift between entries.
func computeHash(previousHash, id string, t EntryType, ts time.Time) string {
	b := make([]byte, 0, 256)
	b = appendString(b, previousHash)
	b = appendString(b, id)
	b = t.appendCanonical(b)
	b = appendString(b, ts.UTC().Format(time.RFC3339Nano))

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalBytes returns the deterministic encoding of the transaction
// used for Merkle leaves and signatures.
func (tx Transaction) CanonicalBytes() []byte {
	b := make([]byte, 0, 128)
	b = appendString(b, tx.ID)
	b = binary.BigEndian.AppendUint64(b, uint64(tx.Timestamp.UnixNano()))
	if tx.Type != nil {
		b = tx.Type.appendCanonical(b)
	}
	return b
}

func (t Issuance) appendCanonical(b []byte) []byte {
	b = append(b, byte(KindIssuance))
	b = appendString(b, t.Issuer)
	b = appendString(b, t.Recipient)
	return binary.BigEndian.AppendUint64(b, t.Amount)
}

func (t Transfer) appendCanonical(b []byte) []byte {
	b = append(b, byte(KindTransfer))
	b = appendString(b, t.From)
	b = appendString(b, t.To)
	return binary.BigEndian.AppendUint64(b, t.Amount)
}

func (t AccountCreation) appendCanonical(b []byte) []byte {
	b = append(b, byte(KindAccountCreation))
	return appendString(b, t.AccountID)
}

func (t AdminAction) appendCanonical(b []byte) []byte {
	b = append(b, byte(KindAdminAction))
	b = appendString(b, t.AdminID)
	b = appendString(b, t.Action)
	return appendString(b, t.Target)
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}
