package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrVenue matches every *VenueError via errors.Is.
	ErrVenue = errors.New("venue error")
	// ErrOrderNotFound means the venue has no record of the order.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCircuitOpen is returned without contacting the venue while the
	// gateway breaker is open.
	ErrCircuitOpen = errors.New("venue circuit open")
)

// VenueError wraps a failure reported by or on the way to the venue.
// Ambiguous is set when the request may have reached the venue, so its
// effect is unknown.
type VenueError struct {
	Op        string
	Symbol    string
	Ambiguous bool
	Err       error
}

func NewVenueError(op, symbol string, ambiguous bool, err error) *VenueError {
	return &VenueError{Op: op, Symbol: symbol, Ambiguous: ambiguous, Err: err}
}

func (e *VenueError) Error() string {
	kind := "rejected"
	if e.Ambiguous {
		kind = "ambiguous"
	}
	if e.Symbol == "" {
		return fmt.Sprintf("venue %s %s: %v", e.Op, kind, e.Err)
	}
	return fmt.Sprintf("venue %s %s %s: %v", e.Op, e.Symbol, kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

func (e *VenueError) Is(target error) bool { return target == ErrVenue }

// IsAmbiguous reports whether err is a venue failure with unknown effect.
func IsAmbiguous(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.Ambiguous
}
