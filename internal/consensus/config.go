package consensus

import (
	"fmt"
	"time"
)

// Config holds engine tuning.
type Config struct {
	// BatchSize is the number of pending transactions that triggers a proposal.
	BatchSize int

	// BatchTimeout proposes a partial batch once it elapses.
	BatchTimeout time.Duration

	// ViewTimeout bounds how long a backup waits for progress before
	// asking for a view change.
	ViewTimeout time.Duration

	// ViewTimeoutDelta is added per consecutive failed view change.
	ViewTimeoutDelta time.Duration

	// MaxViewChangeAttempts is the number of consecutive view changes
	// without a commit after which the engine reports itself stalled.
	MaxViewChangeAttempts int

	// IntegrityInterval is the period of full chain verification. Zero disables it.
	IntegrityInterval time.Duration

	// MaxPending caps the pending transaction queue.
	MaxPending int

	// MaxFuturePerSender caps buffered messages for future rounds per validator.
	MaxFuturePerSender int

	// FetchBatch is the number of blocks requested per catch-up fetch.
	FetchBatch int
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:             10,
		BatchTimeout:          500 * time.Millisecond,
		ViewTimeout:           4 * time.Second,
		ViewTimeoutDelta:      2 * time.Second,
		MaxViewChangeAttempts: 8,
		IntegrityInterval:     time.Minute,
		MaxPending:            10000,
		MaxFuturePerSender:    256,
		FetchBatch:            100,
	}
}

// Validate checks the configuration for unusable values.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.BatchTimeout <= 0:
		return fmt.Errorf("batch timeout must be positive, got %s", c.BatchTimeout)
	case c.ViewTimeout <= 0:
		return fmt.Errorf("view timeout must be positive, got %s", c.ViewTimeout)
	case c.ViewTimeoutDelta < 0:
		return fmt.Errorf("view timeout delta must not be negative, got %s", c.ViewTimeoutDelta)
	case c.MaxViewChangeAttempts <= 0:
		return fmt.Errorf("max view change attempts must be positive, got %d", c.MaxViewChangeAttempts)
	case c.IntegrityInterval < 0:
		return fmt.Errorf("integrity interval must not be negative, got %s", c.IntegrityInterval)
	case c.MaxPending < c.BatchSize:
		return fmt.Errorf("max pending (%d) must be at least the batch size (%d)", c.MaxPending, c.BatchSize)
	case c.MaxFuturePerSender <= 0:
		return fmt.Errorf("max future messages per sender must be positive, got %d", c.MaxFuturePerSender)
	case c.FetchBatch <= 0:
		return fmt.Errorf("fetch batch must be positive, got %d", c.FetchBatch)
	}

	return nil
}
