package estore

import (
	"fmt"
	"strings"
)

// KeyBinding converts keys to and from their stored byte form.
type KeyBinding[K any] interface {
	EncodeKey(tx *Tx, key K) ([]byte, error)
	DecodeKey(tx *Tx, keyRaw []byte) (K, error)
}

// EntityBinding converts between typed records and the raw key/value pairs a
// store keeps. SerialBinding, MarshalledBinding and TupleBinding are the
// provided implementations.
//
// ObjectToEntry followed by EntryToObject must reproduce an equal record.
type EntityBinding[K, V any] interface {
	KeyBinding[K]
	EntryToObject(tx *Tx, keyRaw, valueRaw []byte) (K, V, error)
	ObjectToEntry(tx *Tx, key K, value V) (keyRaw, valueRaw []byte, err error)
}

// tupleKeys is implemented by bindings whose keys use the tuple encoding.
// Only such keys support prefix scans over leading components.
type tupleKeys interface {
	tupleKeyEncoding() *flatEncoding
}

const keyStringSep = "|"

func formatRawKey[K any](tx *Tx, kb KeyBinding[K], raw []byte) string {
	if tk, ok := kb.(tupleKeys); ok {
		if tup, err := decodeTuple(raw); err == nil {
			if strs, err := tk.tupleKeyEncoding().tupleToStrings(tup); err == nil {
				return strings.Join(strs, keyStringSep)
			}
		}
	}
	if tx != nil {
		if k, err := kb.DecodeKey(tx, raw); err == nil {
			return fmt.Sprint(k)
		}
	}
	return hexstr(raw)
}
