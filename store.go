package estore

import (
	"fmt"
	"reflect"
)

// storeCore is the type-erased part of a store that index maintenance and
// delete propagation work with.
type storeCore struct {
	schema          *Schema
	name            string
	pos             int // index in schema.stores, unstable across code changes
	keyType         reflect.Type
	valueType       reflect.Type
	codec           storeCodec
	indices         []*indexCore
	indicesByName   map[string]*indexCore
	dependents      []*indexCore // foreign key indices referencing this store
	suppressContent bool
}

// storeCodec bridges storeCore to the typed binding of its Store.
type storeCodec interface {
	decodeEntry(tx *Tx, keyRaw, valueRaw []byte) (key, value any, err error)
	encodeValue(tx *Tx, key, value any) ([]byte, error)
	formatKey(tx *Tx, keyRaw []byte) string
}

func (s *storeCore) Name() string {
	return s.name
}

func (s *storeCore) dataBucket(tx *Tx) storageBucket {
	b := tx.stx.Bucket(s.name, dataBucketName)
	if b == nil {
		panic(fmt.Errorf("estore: store %s has no data bucket", s.name))
	}
	return b
}

func (s *storeCore) addIndex(idx *indexCore) {
	s.schema.requireUnsealed("index " + s.name + "." + idx.name)
	if s.indicesByName[idx.name] != nil {
		panic(fmt.Errorf("store %s already has index named %q", s.name, idx.name))
	}
	idx.store = s
	idx.pos = len(s.indices)
	s.indices = append(s.indices, idx)
	s.indicesByName[idx.name] = idx
	if idx.fk != nil {
		idx.fk.target.dependents = append(idx.fk.target.dependents, idx)
	}
}

type storeOpt int

const (
	SuppressContentWhenLogging = storeOpt(1)
)

// Store is a typed view of a keyed container of records. All operations run
// inside a transaction and keep every index of the store, and every foreign
// key that references it, consistent before they return.
type Store[K, V any] struct {
	core     *storeCore
	binding  EntityBinding[K, V]
	assigner KeyAssigner[K]
}

// AddStore defines a store. Accepted options: SuppressContentWhenLogging and
// a KeyAssigner[K] for Append.
func AddStore[K, V any](scm *Schema, name string, binding EntityBinding[K, V], opts ...any) *Store[K, V] {
	if binding == nil {
		panic(fmt.Errorf("store %s: nil binding", name))
	}
	s := &Store[K, V]{
		core: &storeCore{
			name:          name,
			keyType:       reflect.TypeFor[K](),
			valueType:     reflect.TypeFor[V](),
			indicesByName: make(map[string]*indexCore),
		},
		binding: binding,
	}
	s.core.codec = s

	for _, opt := range opts {
		switch opt := opt.(type) {
		case storeOpt:
			if opt == SuppressContentWhenLogging {
				s.core.suppressContent = true
			}
		case KeyAssigner[K]:
			s.assigner = opt
		default:
			panic(fmt.Errorf("invalid option %T %v", opt, opt))
		}
	}

	scm.addStore(s.core)
	return s
}

func (s *Store[K, V]) Name() string {
	return s.core.name
}

func (s *Store[K, V]) Binding() EntityBinding[K, V] {
	return s.binding
}

func (s *Store[K, V]) IndexNames() []string {
	names := make([]string, len(s.core.indices))
	for i, idx := range s.core.indices {
		names[i] = idx.name
	}
	return names
}

func (s *Store[K, V]) encodeKey(tx *Tx, key K) ([]byte, error) {
	keyRaw, err := s.binding.EncodeKey(tx, key)
	if err != nil {
		return nil, storeErrf(s.core, nil, nil, fmt.Errorf("%w: %w", ErrKeyRange, err), "encode key %v", key)
	}
	return keyRaw, nil
}

func (s *Store[K, V]) decodeEntry(tx *Tx, keyRaw, valueRaw []byte) (any, any, error) {
	return s.binding.EntryToObject(tx, keyRaw, valueRaw)
}

func (s *Store[K, V]) encodeValue(tx *Tx, key, value any) ([]byte, error) {
	_, valueRaw, err := s.binding.ObjectToEntry(tx, key.(K), value.(V))
	return valueRaw, err
}

func (s *Store[K, V]) formatKey(tx *Tx, keyRaw []byte) string {
	return formatRawKey[K](tx, s.binding, keyRaw)
}

// Entry is a decoded primary record.
type Entry[K, V any] struct {
	Key   K
	Value V
}
