package estore

import (
	"reflect"
)

// TupleKeyBinding encodes keys as order-preserving tuples: strings, integers,
// floats, bools, times, byte slices and arrays, BinaryMarshalers (such as
// uuid.UUID) and structs or pointers made of those. Encoded keys sort in the
// natural order of the values, component by component.
type TupleKeyBinding[K any] struct {
	enc *flatEncoding
}

// TupleKeys returns the tuple key binding of K. It is the usual key binding
// for secondary indices.
func TupleKeys[K any]() *TupleKeyBinding[K] {
	return &TupleKeyBinding[K]{enc: flatEncodingOf(reflect.TypeFor[K]())}
}

func (b *TupleKeyBinding[K]) EncodeKey(tx *Tx, key K) ([]byte, error) {
	return encodeFlat(b.enc, nil, key)
}

func (b *TupleKeyBinding[K]) DecodeKey(tx *Tx, keyRaw []byte) (K, error) {
	return decodeFlat[K](b.enc, keyRaw)
}

func (b *TupleKeyBinding[K]) tupleKeyEncoding() *flatEncoding {
	return b.enc
}

// TupleBinding stores both keys and values as tuples, without any type
// metadata. Suitable for values that are primitives or flat structs of
// primitives.
type TupleBinding[K, V any] struct {
	TupleKeyBinding[K]
	valueEnc *flatEncoding
}

func NewTupleBinding[K, V any]() *TupleBinding[K, V] {
	return &TupleBinding[K, V]{
		TupleKeyBinding: TupleKeyBinding[K]{enc: flatEncodingOf(reflect.TypeFor[K]())},
		valueEnc:        flatEncodingOf(reflect.TypeFor[V]()),
	}
}

func (b *TupleBinding[K, V]) EntryToObject(tx *Tx, keyRaw, valueRaw []byte) (K, V, error) {
	var value V
	key, err := b.DecodeKey(tx, keyRaw)
	if err != nil {
		return key, value, err
	}
	value, err = decodeFlat[V](b.valueEnc, valueRaw)
	return key, value, err
}

func (b *TupleBinding[K, V]) ObjectToEntry(tx *Tx, key K, value V) ([]byte, []byte, error) {
	keyRaw, err := b.EncodeKey(tx, key)
	if err != nil {
		return nil, nil, err
	}
	valueRaw, err := encodeFlat(b.valueEnc, nil, value)
	if err != nil {
		return nil, nil, err
	}
	return keyRaw, valueRaw, nil
}

func encodeFlat[T any](enc *flatEncoding, buf []byte, v T) ([]byte, error) {
	return enc.encode(buf, reflect.ValueOf(&v).Elem())
}

func decodeFlat[T any](enc *flatEncoding, raw []byte) (T, error) {
	var v T
	err := enc.decode(raw, reflect.ValueOf(&v))
	return v, err
}
