package canvas

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidInput flags malformed coordinates, colours or addresses.
	ErrInvalidInput = errors.New("canvas: invalid input")
	// ErrUnauthenticated is returned when no wallet session accompanies a request.
	ErrUnauthenticated = errors.New("canvas: unauthenticated")
	// ErrBanned is returned for addresses on the permanent ban list.
	ErrBanned = errors.New("canvas: address banned")
	// ErrUpstreamUnavailable wraps balance oracle or ledger I/O failures.
	ErrUpstreamUnavailable = errors.New("canvas: upstream unavailable")
)

// InvalidInput wraps ErrInvalidInput with a reason.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// CooldownError reports that the caller must wait before placing again.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("canvas: cooldown active, %ds remaining", e.RemainingSeconds())
}

// RemainingSeconds rounds the wait up to whole seconds.
func (e *CooldownError) RemainingSeconds() int64 {
	if e.Remaining <= 0 {
		return 0
	}
	return int64(math.Ceil(e.Remaining.Seconds()))
}

// VersionConflictError carries the authoritative cell so clients can reconcile.
type VersionConflictError struct {
	Observed       int64
	CurrentVersion int64
	Current        *Pixel
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("canvas: version conflict, observed %d current %d", e.Observed, e.CurrentVersion)
}

// LockedError is returned while an explicit cell lock is in force.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("canvas: cell locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// ProtectedError is returned when a protected cell cannot be overwritten by
// the caller's balance.
type ProtectedError struct {
	OwnerBalance int64
	YourBalance  int64
	Remaining    time.Duration
}

func (e *ProtectedError) Error() string {
	return fmt.Sprintf("canvas: cell protected for %.2fh, owner balance %d, yours %d", e.HoursRemaining(), e.OwnerBalance, e.YourBalance)
}

// HoursRemaining expresses the protection window left in hours.
func (e *ProtectedError) HoursRemaining() float64 {
	if e.Remaining <= 0 {
		return 0
	}
	return math.Ceil(e.Remaining.Hours()*100) / 100
}
