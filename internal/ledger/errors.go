package ledger

import "errors"

var (
	// ErrOverflow is returned when an issuance or credit would wrap a uint64.
	ErrOverflow = errors.New("balance overflow")

	// ErrInsufficientBalance is returned when a transfer exceeds the sender's balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned for issuances and transfers of zero.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidEntry is returned for transactions missing an id, a type or a required field.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrDuplicateEntry is returned when a transaction id is already in the chain.
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrIntegrityViolation is returned by every write once the ledger is halted.
	ErrIntegrityViolation = errors.New("ledger integrity violation")

	// ErrSequenceOrder is returned when a block is applied out of order.
	ErrSequenceOrder = errors.New("block sequence out of order")
)
