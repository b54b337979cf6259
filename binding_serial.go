package estore

import (
	"encoding/binary"
	"reflect"
)

// SerialBinding stores keys and values as self-describing msgpack, each
// prefixed by the class id its type has in a ClassCatalog. Structs are
// encoded as maps keyed by field name, so records stay readable as fields
// are added or removed.
//
// Serial keys are compared as bytes; they do not sort in the natural order
// of K. Use TupleBinding or MarshalledBinding for stores scanned by range.
type SerialBinding[K, V any] struct {
	cat       *ClassCatalog
	keyDesc   *TypeDescriptor
	valueDesc *TypeDescriptor
}

func NewSerialBinding[K, V any](cat *ClassCatalog) *SerialBinding[K, V] {
	b := &SerialBinding[K, V]{
		cat:       cat,
		keyDesc:   DescribeType(reflect.TypeFor[K]()),
		valueDesc: DescribeType(reflect.TypeFor[V]()),
	}
	cat.declare(b.keyDesc, b.valueDesc)
	return b
}

func (b *SerialBinding[K, V]) Catalog() *ClassCatalog {
	return b.cat
}

func (b *SerialBinding[K, V]) EncodeKey(tx *Tx, key K) ([]byte, error) {
	return encodeSerial(tx, b.cat, b.keyDesc, key)
}

func (b *SerialBinding[K, V]) DecodeKey(tx *Tx, keyRaw []byte) (K, error) {
	return decodeSerial[K](tx, b.cat, b.keyDesc, keyRaw)
}

func (b *SerialBinding[K, V]) EntryToObject(tx *Tx, keyRaw, valueRaw []byte) (K, V, error) {
	var value V
	key, err := b.DecodeKey(tx, keyRaw)
	if err != nil {
		return key, value, err
	}
	value, err = decodeSerial[V](tx, b.cat, b.valueDesc, valueRaw)
	return key, value, err
}

func (b *SerialBinding[K, V]) ObjectToEntry(tx *Tx, key K, value V) ([]byte, []byte, error) {
	keyRaw, err := b.EncodeKey(tx, key)
	if err != nil {
		return nil, nil, err
	}
	valueRaw, err := encodeSerial(tx, b.cat, b.valueDesc, value)
	if err != nil {
		return nil, nil, err
	}
	return keyRaw, valueRaw, nil
}

func encodeSerial[T any](tx *Tx, cat *ClassCatalog, desc *TypeDescriptor, v T) ([]byte, error) {
	id, err := cat.IDFor(tx, desc)
	if err != nil {
		return nil, err
	}
	buf := appendUvarint(nil, id)
	return MsgPack.EncodeValue(buf, reflect.ValueOf(&v).Elem())
}

func decodeSerial[T any](tx *Tx, cat *ClassCatalog, desc *TypeDescriptor, raw []byte) (T, error) {
	var v T
	id, n := binary.Uvarint(raw)
	if n <= 0 {
		return v, dataErrf(raw, 0, nil, "missing class id")
	}
	stored, err := cat.DescriptorFor(tx, id)
	if err != nil {
		return v, err
	}
	if stored.Name != desc.Name {
		return v, dataErrf(raw, 0, nil, "stored class %s (id %d) does not match %s", stored.Name, id, desc.Name)
	}
	err = MsgPack.DecodeValue(raw[n:], reflect.ValueOf(&v))
	return v, err
}
