package estore

import (
	"github.com/google/uuid"
)

// KeyAssigner produces the key of a record stored with Store.Append. next
// returns the following value of the store's persistent sequence, for
// assigners that want one.
type KeyAssigner[K any] func(next func() (uint64, error)) (K, error)

type sequenceKey interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

// SequenceKeys assigns 1, 2, 3... from the store's sequence. The sequence
// rolls back with the transaction that advanced it.
func SequenceKeys[K sequenceKey]() KeyAssigner[K] {
	return func(next func() (uint64, error)) (K, error) {
		n, err := next()
		return K(n), err
	}
}

// UUIDKeys assigns random (version 4) UUIDs.
func UUIDKeys() KeyAssigner[uuid.UUID] {
	return func(func() (uint64, error)) (uuid.UUID, error) {
		return uuid.NewRandom()
	}
}
