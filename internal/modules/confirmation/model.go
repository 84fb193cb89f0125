// README: Delivery confirmation attempts and the typed code error.
package confirmation

import (
	"errors"
	"fmt"
	"time"

	"marketplace/internal/types"
)

var (
	ErrForbidden       = errors.New("forbidden")
	ErrWrongStatus     = errors.New("order not awaiting confirmation")
	ErrInvalidCode     = errors.New("invalid delivery code")
	ErrTooManyAttempts = errors.New("too many confirmation attempts")
)

const defaultMaxAttempts = 5

type Config struct {
	// MaxAttempts is the number of wrong codes tolerated before the order
	// is locked out of confirmation.
	MaxAttempts int
}

type Attempts struct {
	OrderID        types.ID
	FailedAttempts int
	LastAttemptAt  *time.Time
	ConfirmedAt    *time.Time
	Location       *types.Point
}

// CodeError reports a wrong code together with the attempt count.
type CodeError struct {
	Attempts  int
	Remaining int
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%s: %d attempts, %d remaining", ErrInvalidCode, e.Attempts, e.Remaining)
}

func (e *CodeError) Unwrap() error { return ErrInvalidCode }

type ConfirmCommand struct {
	OrderID   types.ID
	CourierID types.ID
	Code      string
	// Location is optional evidence of where the handover happened.
	Location *types.Point
}

type Result struct {
	OrderID  types.ID
	Success  bool
	Attempts int
}
