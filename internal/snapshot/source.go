package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantpulse/btcstream/internal/models"
)

// ErrorCategory classifies snapshot source failures so the re-anchor
// coordinator can pick a recovery policy.
type ErrorCategory string

const (
	ErrTimeout   ErrorCategory = "TIMEOUT"
	ErrThrottled ErrorCategory = "THROTTLED"
	ErrNotFound  ErrorCategory = "NOT_FOUND"
	ErrTransient ErrorCategory = "TRANSIENT"
	ErrPermanent ErrorCategory = "PERMANENT"
)

// Error is a categorized snapshot source failure.
type Error struct {
	Category ErrorCategory
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("snapshot %s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *Error) Retryable() bool {
	switch e.Category {
	case ErrTimeout, ErrThrottled, ErrTransient:
		return true
	}
	return false
}

// Categorize extracts the category from any error chain; unknown errors are
// treated as transient.
func Categorize(err error) ErrorCategory {
	var se *Error
	if errors.As(err, &se) {
		return se.Category
	}
	return ErrTransient
}

// Source is the authoritative snapshot interface the re-anchor rebuild
// consumes.
type Source interface {
	// DepthSnapshot returns a fresh order book snapshot with at least the
	// configured number of levels per side.
	DepthSnapshot(ctx context.Context, symbol string) (models.DepthSnapshot, error)
	// RecentTrades returns trades from fromTSMicros onward, oldest first.
	RecentTrades(ctx context.Context, symbol string, fromTSMicros int64) ([]models.SnapshotTrade, error)
}
