package estore

import (
	"bytes"
	"fmt"
)

// JoinTerm is one equality condition of a Join, made by Index.Equal.
type JoinTerm[K, V any] struct {
	idx     *indexCore
	store   *Store[K, V]
	rangeOf func(tx *Tx) (RawRange, error)
}

// Equal matches the records indexed under sk.
func (idx *Index[K, V, SK]) Equal(sk SK) JoinTerm[K, V] {
	return JoinTerm[K, V]{
		idx:     idx.core,
		store:   idx.store,
		rangeOf: func(tx *Tx) (RawRange, error) {
			return rawRangeOf(tx, idx.keyBinding, ExactScan(sk), !idx.core.unique)
		},
	}
}

// Join returns, in primary key order, the keys of the records that match
// every term. All terms must use indices of the same store. The entries of
// each term are already sorted by primary key, so the join is a single
// merge pass over all of them.
func Join[K, V any](txh Txish, terms ...JoinTerm[K, V]) ([]K, error) {
	tx := txh.DBTx()
	if err := tx.requireOpen(); err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return nil, nil
	}
	store := terms[0].store
	cursors := make([]*rawCursor, 0, len(terms))
	defer func() {
		for _, c := range cursors {
			c.close()
		}
	}()
	for _, t := range terms {
		if t.store != store {
			return nil, fmt.Errorf("join: index %s is not on store %s", t.idx.FullName(), store.Name())
		}
		rang, err := t.rangeOf(tx)
		if err != nil {
			return nil, storeErrf(nil, t.idx, nil, err, "join")
		}
		cursors = append(cursors, newRawCursor(tx, t.idx.bucket(tx), rang))
	}

	pks := make([][]byte, len(terms))
	advance := func(i int) (bool, error) {
		if !cursors[i].next() {
			return false, nil
		}
		_, pk, err := terms[i].idx.split(cursors[i].key, cursors[i].value)
		pks[i] = pk
		return err == nil, err
	}
	for i := range terms {
		if ok, err := advance(i); !ok {
			return nil, err
		}
	}

	var result []K
	for {
		// bring every cursor up to the largest current primary key
		maxi := 0
		for i := 1; i < len(pks); i++ {
			if bytes.Compare(pks[i], pks[maxi]) > 0 {
				maxi = i
			}
		}
		matched := true
		for i := range pks {
			for bytes.Compare(pks[i], pks[maxi]) < 0 {
				if ok, err := advance(i); !ok {
					return result, err
				}
			}
			if !bytes.Equal(pks[i], pks[maxi]) {
				matched = false
			}
		}
		if !matched {
			continue
		}
		k, err := store.binding.DecodeKey(tx, pks[0])
		if err != nil {
			return nil, storeErrf(store.core, nil, pks[0], err, "decode key")
		}
		result = append(result, k)
		if ok, err := advance(0); !ok {
			return result, err
		}
	}
}
