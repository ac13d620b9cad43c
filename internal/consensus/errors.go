package consensus

import "errors"

// Consensus errors
var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrUnknownValidator  = errors.New("unknown validator")
	ErrViewMismatch      = errors.New("view mismatch")
	ErrSequenceGap       = errors.New("sequence gap")
	ErrQuorumTimeout     = errors.New("quorum timeout")
	ErrNotPrimary        = errors.New("sender is not the primary for this view")
	ErrDigestMismatch    = errors.New("digest does not match transactions")
	ErrEquivocation      = errors.New("conflicting pre-prepare (equivocation)")
	ErrInvalidMessage    = errors.New("invalid consensus message")
	ErrInvalidBlock      = errors.New("invalid block")
	ErrInvalidCert       = errors.New("invalid prepared certificate")
	ErrLedgerHalted      = errors.New("ledger halted")
	ErrQueueFull         = errors.New("pending queue full")
	ErrStopped           = errors.New("engine stopped")
	ErrAlreadyStarted    = errors.New("engine already started")
	ErrInvalidValidators = errors.New("invalid validator set")
)
