// README: User blocks produced by repeated cancellations.
package penalty

import (
	"errors"
	"fmt"
	"time"

	"marketplace/internal/types"
)

var (
	ErrNotAllowed = errors.New("user not allowed to place orders")
	ErrForbidden  = errors.New("forbidden")
)

type BlockType string

const BlockCancellations BlockType = "cancellations"

type Block struct {
	ID                   types.ID
	UserID               types.ID
	Type                 BlockType
	BlockedAt            time.Time
	BlockedUntil         time.Time
	Reason               string
	CancelledOrdersCount int
	IsActive             bool
}

// ActiveAt reports whether the block restricts the user at now. The
// is_active flag may be stale once blocked_until passes; time decides.
func (b *Block) ActiveAt(now time.Time) bool {
	return b.IsActive && b.BlockedUntil.After(now)
}

// BlockedError is returned by Admit for a blocked user.
type BlockedError struct {
	Until  time.Time
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s until %s: %s", ErrNotAllowed, e.Until.UTC().Format(time.RFC3339), e.Reason)
}

func (e *BlockedError) Unwrap() error { return ErrNotAllowed }

type Decision struct {
	Allowed bool
	Reason  string
	Until   *time.Time
}

type Status struct {
	Blocked bool
	Block   *Block
}

// Outcome describes what one recorded cancellation did.
type Outcome struct {
	// Counted is false when the order was already tallied.
	Counted bool
	// Count is the number of cancellations in the current window.
	Count int
	Block *Block
}

type Config struct {
	Threshold int
	Window    time.Duration
	// Ladder holds block durations by offence; each must exceed the last.
	// Offences past the end keep doubling the final rung.
	Ladder []time.Duration
}

var defaultLadder = []time.Duration{
	time.Hour, 6 * time.Hour, 24 * time.Hour, 72 * time.Hour, 168 * time.Hour,
}

const maxBlock = 365 * 24 * time.Hour

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if len(c.Ladder) == 0 {
		c.Ladder = defaultLadder
	}
	return c
}

// duration returns the block length for a user with prior earlier blocks.
func (c Config) duration(prior int) time.Duration {
	if prior < len(c.Ladder) {
		return c.Ladder[prior]
	}
	d := c.Ladder[len(c.Ladder)-1]
	for i := len(c.Ladder) - 1; i < prior && d < maxBlock; i++ {
		d *= 2
	}
	return min(d, maxBlock)
}
