package estore

import (
	"fmt"
	"reflect"
)

// MarshalledBinding stores entity structs whose key is one of their own
// fields: the field tagged `estore:"key"`, or the first field. The key field
// is encoded as an ordered tuple and excluded from the value, which must be
// enforced with a `msgpack:"-"` tag (or `json:"-"` when the JSON value
// encoding is selected).
//
// Decoding happens in two steps: the value is decoded into a fresh entity,
// then the key is attached to it.
type MarshalledBinding[K, E any] struct {
	info     *entityInfo
	keyEnc   *flatEncoding
	valueEnc ValueEncoding
}

func NewMarshalledBinding[K, E any](opts ...any) *MarshalledBinding[K, E] {
	entityType := reflect.TypeFor[E]()
	keyType := reflect.TypeFor[K]()
	b := &MarshalledBinding[K, E]{
		info:     reflectEntity(entityType),
		keyEnc:   flatEncodingOf(keyType),
		valueEnc: defaultValueEncoding,
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case ValueEncoding:
			b.valueEnc = opt
		default:
			panic(fmt.Errorf("invalid option %T %v", opt, opt))
		}
	}

	kf := b.info.keyField
	if kf.Type != keyType {
		panic(fmt.Errorf("%v: key field %s is %v, but the binding key type is %v", entityType, kf.Name, kf.Type, keyType))
	}
	tagName := "msgpack"
	if b.valueEnc == JSON {
		tagName = "json"
	}
	if !tagOmitsField(kf, tagName) {
		panic(fmt.Errorf("%v: key field %s must be tagged %s:\"-\" so that it is not stored in the value", entityType, kf.Name, tagName))
	}
	return b
}

// MarshalPrimaryKey returns the key stored in the entity.
func (b *MarshalledBinding[K, E]) MarshalPrimaryKey(e E) K {
	return b.info.keyValue(reflect.ValueOf(&e).Elem()).Interface().(K)
}

// UnmarshalPrimaryKey returns a copy of e with its key field set to key.
func (b *MarshalledBinding[K, E]) UnmarshalPrimaryKey(e E, key K) E {
	b.info.keyValue(reflect.ValueOf(&e).Elem()).Set(reflect.ValueOf(&key).Elem())
	return e
}

func (b *MarshalledBinding[K, E]) EncodeKey(tx *Tx, key K) ([]byte, error) {
	return encodeFlat(b.keyEnc, nil, key)
}

func (b *MarshalledBinding[K, E]) DecodeKey(tx *Tx, keyRaw []byte) (K, error) {
	return decodeFlat[K](b.keyEnc, keyRaw)
}

func (b *MarshalledBinding[K, E]) tupleKeyEncoding() *flatEncoding {
	return b.keyEnc
}

func (b *MarshalledBinding[K, E]) EntryToObject(tx *Tx, keyRaw, valueRaw []byte) (K, E, error) {
	var e E
	key, err := b.DecodeKey(tx, keyRaw)
	if err != nil {
		return key, e, err
	}
	err = b.valueEnc.DecodeValue(valueRaw, reflect.ValueOf(&e))
	if err != nil {
		return key, e, err
	}
	return key, b.UnmarshalPrimaryKey(e, key), nil
}

// ObjectToEntry accepts an entity whose key field is either zero or equal
// to key.
func (b *MarshalledBinding[K, E]) ObjectToEntry(tx *Tx, key K, e E) ([]byte, []byte, error) {
	keyVal := reflect.ValueOf(&key).Elem()
	entityKey := b.info.keyValue(reflect.ValueOf(&e).Elem())
	if !entityKey.IsZero() && !reflect.DeepEqual(entityKey.Interface(), keyVal.Interface()) {
		return nil, nil, fmt.Errorf("%w: entity key %v does not match %v", ErrKeyRange, entityKey.Interface(), key)
	}
	keyRaw, err := b.keyEnc.encode(nil, keyVal)
	if err != nil {
		return nil, nil, err
	}
	valueRaw, err := b.valueEnc.EncodeValue(nil, reflect.ValueOf(&e).Elem())
	if err != nil {
		return nil, nil, err
	}
	return keyRaw, valueRaw, nil
}
