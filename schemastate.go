package estore

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// storeState is persisted under the root bucket of every store and records
// which indices have been maintained for it.
type storeState struct {
	LastIndexOrdinal uint64                 `msgpack:"li"`
	Indices          map[string]*indexState `msgpack:"i"`
	LastSeen         time.Time              `msgpack:"t"`

	store       *storeCore    `msgpack:"-"`
	indexStates []*indexState `msgpack:"-"`
}

type indexState struct {
	index        *indexCore `msgpack:"-"`
	IndexOrdinal uint64     `msgpack:"o"`
	Unique       bool       `msgpack:"u,omitempty"`
}

func (ss *storeState) indexOrdinal(idx *indexCore) uint64 {
	return ss.indexStates[idx.pos].IndexOrdinal
}

var storeStateKey = []byte("_state")

func indexBucketName(idx *indexCore) string {
	return indexBucketPrefix + idx.name
}

// prepareStore creates (or, with NoCreate, checks) the buckets of s and its
// indices, and reconciles the persisted index list with the schema. Indices
// are never rebuilt: an index that is new to a store that already has
// records is a schema error.
func prepareStore(tx *Tx, s *storeCore, now time.Time) (*storeState, error) {
	var root storageBucket
	if tx.db.noCreate {
		root = tx.stx.Bucket(s.name, "")
		if root == nil || tx.stx.Bucket(s.name, dataBucketName) == nil {
			return nil, fmt.Errorf("store %s: container does not exist", s.name)
		}
	} else {
		var err error
		root, err = tx.stx.CreateBucket(s.name, "")
		if err != nil {
			return nil, storeErrf(s, nil, nil, err, "create container")
		}
		if _, err := tx.stx.CreateBucket(s.name, dataBucketName); err != nil {
			return nil, storeErrf(s, nil, nil, err, "create container")
		}
	}

	ss := new(storeState)
	if raw := root.Get(storeStateKey); raw != nil {
		if err := msgpackUnmarshal(raw, ss); err != nil {
			return nil, storeErrf(s, nil, nil, err, "failed to decode store state")
		}
	}
	ss.store = s
	if ss.Indices == nil {
		ss.Indices = make(map[string]*indexState)
	}
	ss.LastSeen = now
	ss.indexStates = make([]*indexState, len(s.indices))

	dataB := tx.stx.Bucket(s.name, dataBucketName)
	empty := dataB == nil || dataB.KeyCount() == 0

	for i, idx := range s.indices {
		is := ss.Indices[idx.name]
		switch {
		case is == nil && !empty:
			return nil, storeErrf(s, idx, nil, nil, "index added to a store with existing records; indices are not rebuilt")
		case is == nil:
			ss.LastIndexOrdinal++
			is = &indexState{IndexOrdinal: ss.LastIndexOrdinal, Unique: idx.unique}
			ss.Indices[idx.name] = is
		case is.Unique != idx.unique:
			if !empty {
				return nil, storeErrf(s, idx, nil, nil, "cannot change uniqueness of an index of a store with existing records")
			}
			if !tx.db.readOnly {
				if err := dropBucket(tx, s.name, indexBucketName(idx)); err != nil {
					return nil, storeErrf(s, idx, nil, err, "drop index container")
				}
			}
			is.Unique = idx.unique
		}
		is.index = idx
		ss.indexStates[i] = is

		if tx.db.readOnly {
			if tx.stx.Bucket(s.name, indexBucketName(idx)) == nil {
				return nil, storeErrf(s, idx, nil, nil, "index container does not exist")
			}
		} else if _, err := tx.stx.CreateBucket(s.name, indexBucketName(idx)); err != nil {
			return nil, storeErrf(s, idx, nil, err, "create index container")
		}
	}

	var removed []string
	for name, is := range ss.Indices {
		if is.index == nil {
			removed = append(removed, name)
		}
	}
	slices.Sort(removed)
	for _, name := range removed {
		delete(ss.Indices, name)
		if tx.db.readOnly {
			continue
		}
		if err := dropBucket(tx, s.name, indexBucketPrefix+name); err != nil {
			return nil, storeErrf(s, nil, nil, err, "drop removed index %s", name)
		}
		tx.db.logger.Info("estore: dropped removed index", "store", s.name, "index", name)
	}

	if !tx.db.readOnly {
		if err := root.Put(storeStateKey, msgpackMarshal(ss)); err != nil {
			return nil, storeErrf(s, nil, nil, err, "save store state")
		}
	}
	return ss, nil
}

func dropBucket(tx *Tx, name, sub string) error {
	err := tx.stx.DeleteBucket(name, sub)
	if errors.Is(err, ErrBucketNotFound) {
		return nil
	}
	return err
}
