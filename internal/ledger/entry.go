package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the previous hash of the first entry in the chain.
const GenesisHash = "genesis"

// Kind identifies an EntryType variant on the wire and in hashes.
type Kind byte

const (
	KindIssuance Kind = iota + 1
	KindTransfer
	KindAccountCreation
	KindAdminAction
)

func (k Kind) String() string {
	switch k {
	case KindIssuance:
		return "Issuance"
	case KindTransfer:
		return "Transfer"
	case KindAccountCreation:
		return "AccountCreation"
	case KindAdminAction:
		return "AdminAction"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// EntryType is the closed set of facts the ledger records:
// Issuance, Transfer, AccountCreation and AdminAction.
type EntryType interface {
	Kind() Kind
	validate() error
	appendCanonical(b []byte) []byte
}

// Issuance creates new currency and credits it to Recipient.
type Issuance struct {
	Issuer    string `json:"issuer"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

// Transfer moves Amount from one account to another.
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// AccountCreation records the opening of an account.
type AccountCreation struct {
	AccountID string `json:"account_id"`
}

// AdminAction records an administrative operation on Target.
type AdminAction struct {
	AdminID string `json:"admin_id"`
	Action  string `json:"action"`
	Target  string `json:"target"`
}

func (Issuance) Kind() Kind        { return KindIssuance }
func (Transfer) Kind() Kind        { return KindTransfer }
func (AccountCreation) Kind() Kind { return KindAccountCreation }
func (AdminAction) Kind() Kind     { return KindAdminAction }

func (t Issuance) validate() error {
	if t.Recipient == "" {
		return fmt.Errorf("%w: issuance without recipient", ErrInvalidEntry)
	}
	if t.Amount == 0 {
		return fmt.Errorf("%w: zero issuance", ErrInvalidAmount)
	}
	return nil
}

func (t Transfer) validate() error {
	if t.From == "" || t.To == "" {
		return fmt.Errorf("%w: transfer without both parties", ErrInvalidEntry)
	}
	if t.Amount == 0 {
		return fmt.Errorf("%w: zero transfer", ErrInvalidAmount)
	}
	return nil
}

func (t AccountCreation) validate() error {
	if t.AccountID == "" {
		return fmt.Errorf("%w: account creation without id", ErrInvalidEntry)
	}
	return nil
}

func (t AdminAction) validate() error {
	if t.AdminID == "" || t.Action == "" {
		return fmt.Errorf("%w: admin action without admin or action", ErrInvalidEntry)
	}
	return nil
}

// Transaction is a request to append one entry. ID and Timestamp are fixed
// at submission so every validator derives the same entry from it.
type Transaction struct {
	ID        string
	Timestamp time.Time
	Type      EntryType
}

// NewTransaction wraps t with a fresh random id and the current time.
func NewTransaction(t EntryType) Transaction {
	return Transaction{
		ID:        uuid.NewString(),
		Timestamp: normalizeTime(time.Now()),
		Type:      t,
	}
}

// Validate checks the transaction shape without looking at balances.
func (tx Transaction) Validate() error {
	if tx.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEntry)
	}
	if tx.Type == nil {
		return fmt.Errorf("%w: missing entry type", ErrInvalidEntry)
	}
	return tx.Type.validate()
}

// Entry is one immutable link of the hash chain.
type Entry struct {
	ID           string
	Type         EntryType
	Timestamp    time.Time
	Hash         string
	PreviousHash string
}

// Transaction returns the transaction the entry was derived from.
func (e Entry) Transaction() Transaction {
	return Transaction{ID: e.ID, Timestamp: e.Timestamp, Type: e.Type}
}

// normalizeTime drops the monotonic reading and location so the value
// survives a round trip through unix nanoseconds.
func normalizeTime(t time.Time) time.Time {
	return time.Unix(0, t.UnixNano()).UTC()
}

type entryJSON struct {
	ID           string          `json:"id"`
	EntryType    json.RawMessage `json:"entry_type"`
	Timestamp    string          `json:"timestamp"`
	Hash         string          `json:"hash"`
	PreviousHash string          `json:"previous_hash"`
}

// MarshalJSON encodes the entry in its persisted shape, with the entry
// type tagged by a "type" field.
func (e Entry) MarshalJSON() ([]byte, error) {
	typ, err := MarshalEntryType(e.Type)
	if err != nil {
		return nil, err
	}

	return json.Marshal(entryJSON{
		ID:           e.ID,
		EntryType:    typ,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Hash:         e.Hash,
		PreviousHash: e.PreviousHash,
	})
}

// UnmarshalJSON decodes an entry from its persisted shape.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	typ, err := UnmarshalEntryType(raw.EntryType)
	if err != nil {
		return err
	}

	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		return fmt.Errorf("parse timestamp:\n%w", err)
	}

	*e = Entry{
		ID:           raw.ID,
		Type:         typ,
		Timestamp:    normalizeTime(ts),
		Hash:         raw.Hash,
		PreviousHash: raw.PreviousHash,
	}

	return nil
}

// MarshalEntryType encodes t as a JSON object carrying a "type" tag.
func MarshalEntryType(t EntryType) ([]byte, error) {
	switch v := t.(type) {
	case Issuance:
		return json.Marshal(struct {
			Type string `json:"type"`
			Issuance
		}{KindIssuance.String(), v})
	case Transfer:
		return json.Marshal(struct {
			Type string `json:"type"`
			Transfer
		}{KindTransfer.String(), v})
	case AccountCreation:
		return json.Marshal(struct {
			Type string `json:"type"`
			AccountCreation
		}{KindAccountCreation.String(), v})
	case AdminAction:
		return json.Marshal(struct {
			Type string `json:"type"`
			AdminAction
		}{KindAdminAction.String(), v})
	default:
		return nil, fmt.Errorf("%w: unknown entry type %T", ErrInvalidEntry, t)
	}
}

// UnmarshalEntryType decodes a tagged entry type object.
func UnmarshalEntryType(data []byte) (EntryType, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, err
	}

	switch tag.Type {
	case KindIssuance.String():
		var v Issuance
		err := json.Unmarshal(data, &v)
		return v, err
	case KindTransfer.String():
		var v Transfer
		err := json.Unmarshal(data, &v)
		return v, err
	case KindAccountCreation.String():
		var v AccountCreation
		err := json.Unmarshal(data, &v)
		return v, err
	case KindAdminAction.String():
		var v AdminAction
		err := json.Unmarshal(data, &v)
		return v, err
	default:
		return nil, fmt.Errorf("%w: unknown entry type %q", ErrInvalidEntry, tag.Type)
	}
}
