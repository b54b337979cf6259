package estore

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
)

// indexCore is the untyped part of an index that the owning store maintains
// on every put and delete.
//
// Entries of a sorted-duplicate index are keyed by the escaped secondary key
// followed by the primary key and have empty values, so entries with equal
// secondary keys are adjacent and ordered by primary key. Entries of a unique
// index are keyed by the secondary key and hold the primary key as value.
type indexCore struct {
	store    *storeCore
	name     string
	pos      int // index in store.indices
	unique   bool
	skType   reflect.Type
	extract  func(tx *Tx, key, value any) ([]byte, bool, error)
	formatSK func(tx *Tx, raw []byte) string
	fk       *foreignKey
}

func (idx *indexCore) FullName() string {
	return idx.store.name + "." + idx.name
}

func (idx *indexCore) bucket(tx *Tx) storageBucket {
	b := tx.stx.Bucket(idx.store.name, indexBucketName(idx))
	if b == nil {
		panic(fmt.Errorf("estore: index %s has no container", idx.FullName()))
	}
	return b
}

func (idx *indexCore) entryKey(skRaw, pkRaw []byte) []byte {
	if idx.unique {
		return skRaw
	}
	buf := make([]byte, 0, len(skRaw)+termSize+len(pkRaw)+4)
	buf = appendEscaped(buf, skRaw)
	return append(buf, pkRaw...)
}

func (idx *indexCore) entryKeySize(skRaw, pkRaw []byte) int {
	if idx.unique {
		return len(skRaw)
	}
	return escapedLen(skRaw) + len(pkRaw)
}

// split returns the secondary and primary key of an index entry.
func (idx *indexCore) split(k, v []byte) (skRaw, pkRaw []byte, err error) {
	if idx.unique {
		return k, v, nil
	}
	sk, n, err := decodeTupleElement(k)
	if err != nil {
		return nil, nil, dataErrf(k, 0, err, "%s: invalid index entry", idx.FullName())
	}
	return sk, k[n:], nil
}

// groupPrefix is the common prefix of all entries of skRaw in a
// sorted-duplicate index.
func (idx *indexCore) groupPrefix(buf, skRaw []byte) []byte {
	return appendEscaped(buf, skRaw)
}

// checkInsert fails if adding skRaw → pkRaw would violate uniqueness.
func (idx *indexCore) checkInsert(tx *Tx, skRaw, pkRaw []byte) error {
	if !idx.unique {
		return nil
	}
	existing := idx.bucket(tx).Get(skRaw)
	if existing != nil && !bytes.Equal(existing, pkRaw) {
		return storeErrf(nil, idx, skRaw, ErrIntegrityConstraint, "duplicate key %s, already used by %s",
			idx.formatSK(tx, skRaw), idx.store.codec.formatKey(tx, existing))
	}
	return nil
}

func (idx *indexCore) insert(tx *Tx, skRaw, pkRaw []byte) error {
	if err := idx.checkInsert(tx, skRaw, pkRaw); err != nil {
		return err
	}
	var err error
	if idx.unique {
		err = idx.bucket(tx).Put(bytes.Clone(skRaw), bytes.Clone(pkRaw))
	} else {
		err = idx.bucket(tx).Put(idx.entryKey(skRaw, pkRaw), emptyIndexValue)
	}
	if err != nil {
		return storeErrf(nil, idx, skRaw, err, "insert entry")
	}
	return nil
}

// remove deletes the entry skRaw → pkRaw, which must exist.
func (idx *indexCore) remove(tx *Tx, skRaw, pkRaw []byte) error {
	b := idx.bucket(tx)
	var k []byte
	if idx.unique {
		existing := b.Get(skRaw)
		if !bytes.Equal(existing, pkRaw) {
			return storeErrf(nil, idx, skRaw, ErrIntegrityConstraint, "entry for %s is missing", idx.store.codec.formatKey(tx, pkRaw))
		}
		k = skRaw
	} else {
		k = idx.entryKey(skRaw, pkRaw)
		if b.Get(k) == nil {
			return storeErrf(nil, idx, skRaw, ErrIntegrityConstraint, "entry for %s is missing", idx.store.codec.formatKey(tx, pkRaw))
		}
	}
	if err := b.Delete(k); err != nil {
		return storeErrf(nil, idx, skRaw, err, "remove entry")
	}
	return nil
}

// primaryKeysRaw returns the primary keys indexed under skRaw, ordered.
func (idx *indexCore) primaryKeysRaw(tx *Tx, skRaw []byte) ([][]byte, error) {
	b := idx.bucket(tx)
	if idx.unique {
		if pk := b.Get(skRaw); pk != nil {
			return [][]byte{bytes.Clone(pk)}, nil
		}
		return nil, nil
	}

	prefix := idx.groupPrefix(acquireKeyBytes(), skRaw)
	defer releaseKeyBytes(prefix)

	var result [][]byte
	c := b.Cursor()
	defer c.Close()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		result = append(result, bytes.Clone(k[len(prefix):]))
	}
	return result, nil
}

func (idx *indexCore) hasEntries(tx *Tx, skRaw []byte) bool {
	b := idx.bucket(tx)
	if idx.unique {
		return b.Get(skRaw) != nil
	}
	prefix := idx.groupPrefix(acquireKeyBytes(), skRaw)
	defer releaseKeyBytes(prefix)
	c := b.Cursor()
	defer c.Close()
	k, _ := c.Seek(prefix)
	return k != nil && bytes.HasPrefix(k, prefix)
}

type indexOpt int

const (
	uniqueIndex = indexOpt(1)
)

// Unique makes an index reject a second record with the same secondary key.
// Indices allow sorted duplicates by default.
func Unique() any {
	return uniqueIndex
}

// Index is a secondary index of a Store, mapping secondary keys SK derived
// by a KeyExtractor to primary keys K.
type Index[K, V, SK any] struct {
	core       *indexCore
	store      *Store[K, V]
	keyBinding KeyBinding[SK]
	extractor  KeyExtractor[K, V, SK]
}

// AddIndex defines a secondary index on store. A nil keyBinding means
// TupleKeys[SK](). Accepted options: Unique().
func AddIndex[K, V, SK any](store *Store[K, V], name string, keyBinding KeyBinding[SK], extractor KeyExtractor[K, V, SK], opts ...any) *Index[K, V, SK] {
	return addIndex(store, name, keyBinding, extractor, nil, opts)
}

func addIndex[K, V, SK any](store *Store[K, V], name string, keyBinding KeyBinding[SK], extractor KeyExtractor[K, V, SK], fk *foreignKey, opts []any) *Index[K, V, SK] {
	if extractor == nil {
		panic(fmt.Errorf("index %s.%s: nil extractor", store.Name(), name))
	}
	if name == "" || strings.ContainsRune(name, 0) {
		panic(fmt.Errorf("store %s: invalid index name %q", store.Name(), name))
	}
	if keyBinding == nil {
		keyBinding = TupleKeys[SK]()
	}
	idx := &Index[K, V, SK]{
		store:      store,
		keyBinding: keyBinding,
		extractor:  extractor,
		core: &indexCore{
			name:   name,
			skType: reflect.TypeFor[SK](),
			fk:     fk,
		},
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case indexOpt:
			if opt == uniqueIndex {
				idx.core.unique = true
			}
		default:
			panic(fmt.Errorf("invalid option %T %v", opt, opt))
		}
	}
	idx.core.extract = func(tx *Tx, key, value any) ([]byte, bool, error) {
		sk, ok := extractor.ExtractSecondaryKey(key.(K), value.(V))
		if !ok {
			return nil, false, nil
		}
		skRaw, err := keyBinding.EncodeKey(tx, sk)
		if err != nil {
			return nil, false, storeErrf(nil, idx.core, nil, err, "encode secondary key %v", sk)
		}
		return skRaw, true, nil
	}
	idx.core.formatSK = func(tx *Tx, raw []byte) string {
		return formatRawKey[SK](tx, keyBinding, raw)
	}
	store.core.addIndex(idx.core)
	return idx
}

func (idx *Index[K, V, SK]) Name() string {
	return idx.core.name
}

func (idx *Index[K, V, SK]) FullName() string {
	return idx.core.FullName()
}

func (idx *Index[K, V, SK]) Store() *Store[K, V] {
	return idx.store
}

func (idx *Index[K, V, SK]) IsUnique() bool {
	return idx.core.unique
}

func (idx *Index[K, V, SK]) encodeSK(tx *Tx, sk SK) ([]byte, error) {
	skRaw, err := idx.keyBinding.EncodeKey(tx, sk)
	if err != nil {
		return nil, storeErrf(nil, idx.core, nil, fmt.Errorf("%w: %w", ErrKeyRange, err), "encode secondary key %v", sk)
	}
	return skRaw, nil
}
