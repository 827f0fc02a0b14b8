package syncqueue

import (
	"fmt"

	"github.com/google/uuid"
)

// CorrelationKey ties together every queue entry produced by one logical
// multiplexed write, across all of its backends.
//
// The zero value is NilCorrelationKey. It marks entries written before
// correlation existed and never groups entries together.
type CorrelationKey uuid.UUID

// NilCorrelationKey is the all-zero key.
var NilCorrelationKey = CorrelationKey(uuid.Nil)

// NewCorrelationKey returns a random (v4) key.
func NewCorrelationKey() CorrelationKey {
	return CorrelationKey(uuid.New())
}

// CorrelationKeyFromBytes decodes the 16-byte binary form used by the stores.
func CorrelationKeyFromBytes(b []byte) (CorrelationKey, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return NilCorrelationKey, fmt.Errorf("decode correlation key: %w", err)
	}
	return CorrelationKey(id), nil
}

// ParseCorrelationKey parses the canonical text form.
func ParseCorrelationKey(s string) (CorrelationKey, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilCorrelationKey, fmt.Errorf("parse correlation key: %w", err)
	}
	return CorrelationKey(id), nil
}

func (k CorrelationKey) IsNil() bool {
	return k == NilCorrelationKey
}

// Bytes returns a fresh copy of the 16-byte binary encoding.
func (k CorrelationKey) Bytes() []byte {
	b := make([]byte, len(k))
	copy(b, k[:])
	return b
}

func (k CorrelationKey) String() string {
	return uuid.UUID(k).String()
}

func (k CorrelationKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *CorrelationKey) UnmarshalText(text []byte) error {
	parsed, err := ParseCorrelationKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
