package syncqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("invalid sync queue request")

	// ErrDurable wraps failures reported by the underlying storage engine.
	ErrDurable = errors.New("sync queue storage failure")

	// ErrAggregatorUnavailable means the background writer is gone. It is a
	// durable-layer failure that retrying against the same store cannot fix.
	ErrAggregatorUnavailable = fmt.Errorf("%w: write aggregator unavailable", ErrDurable)

	ErrUnsupported = errors.New("operation not supported by this store")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Durable wraps err from the storage engine with the failing operation.
func Durable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDurable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrDurable, op, err)
}
