package estore

import (
	"bytes"
	"fmt"
	"log/slog"
)

type indexChange struct {
	idx          *indexCore
	oldSK, newSK []byte
	hadOld       bool
	hasNew       bool
}

// put writes keyRaw → valueRaw and brings every index of s in line with
// the new record. Uniqueness and foreign key targets are verified before
// anything is written; an error after that point poisons tx.
func (s *storeCore) put(tx *Tx, keyRaw []byte, key, value any, valueRaw []byte, cause Cause) (old any, existed bool, err error) {
	if err := tx.requireWritable(); err != nil {
		return nil, false, err
	}
	if len(keyRaw) == 0 {
		return nil, false, storeErrf(s, nil, keyRaw, ErrKeyRange, "empty key")
	}
	if len(keyRaw) > maxKeySize {
		return nil, false, storeErrf(s, nil, nil, ErrKeyRange, "key of %d bytes exceeds %d", len(keyRaw), maxKeySize)
	}
	dataB := s.dataBucket(tx)

	if oldRaw := dataB.Get(keyRaw); oldRaw != nil {
		_, old, err = s.codec.decodeEntry(tx, keyRaw, bytes.Clone(oldRaw))
		if err != nil {
			return nil, false, storeErrf(s, nil, keyRaw, err, "decoding old value")
		}
		existed = true
	}

	var changes []indexChange
	for _, idx := range s.indices {
		ch := indexChange{idx: idx}
		if existed {
			ch.oldSK, ch.hadOld, err = idx.extract(tx, key, old)
			if err != nil {
				return nil, false, err
			}
		}
		ch.newSK, ch.hasNew, err = idx.extract(tx, key, value)
		if err != nil {
			return nil, false, err
		}
		if ch.hadOld == ch.hasNew && bytes.Equal(ch.oldSK, ch.newSK) {
			continue
		}
		if ch.hasNew {
			if n := idx.entryKeySize(ch.newSK, keyRaw); n > maxKeySize {
				return nil, false, storeErrf(nil, idx, nil, ErrKeyRange, "index entry of %d bytes exceeds %d", n, maxKeySize)
			}
			if err := idx.checkInsert(tx, ch.newSK, keyRaw); err != nil {
				return nil, false, err
			}
			if fk := idx.fk; fk != nil && fk.target.dataBucket(tx).Get(ch.newSK) == nil {
				tx.db.metrics.store(s).fkViolations.Inc()
				return nil, false, storeErrf(nil, idx, keyRaw, ErrIntegrityConstraint, "%s references missing %s/%s",
					s.codec.formatKey(tx, keyRaw), fk.target.name, idx.formatSK(tx, ch.newSK))
			}
		}
		changes = append(changes, ch)
	}

	tx.markWritten()
	if err := dataB.Put(keyRaw, valueRaw); err != nil {
		return nil, false, tx.fail(storeErrf(s, nil, keyRaw, err, "put"))
	}
	for _, ch := range changes {
		if ch.hadOld {
			if err := ch.idx.remove(tx, ch.oldSK, keyRaw); err != nil {
				return nil, false, tx.fail(err)
			}
		}
		if ch.hasNew {
			if err := ch.idx.insert(tx, ch.newSK, keyRaw); err != nil {
				return nil, false, tx.fail(err)
			}
		}
	}

	tx.db.metrics.store(s).puts.Inc()
	if tx.db.verbose {
		tx.logOp("PUT", s, keyRaw, slog.String("cause", cause.String()), slog.Bool("existed", existed), s.loggableValue(value))
	}
	tx.notify(&Change{store: s, op: OpPut, cause: cause, rawKey: keyRaw, key: key, value: value, oldValue: old})
	return old, existed, nil
}

func (s *storeCore) loggableValue(value any) slog.Attr {
	if s.suppressContent {
		return slog.String("value", "<suppressed>")
	}
	return slog.String("value", fmt.Sprintf("%+v", value))
}

// Put stores value under key, replacing any existing record, and returns the
// replaced record.
func (s *Store[K, V]) Put(txh Txish, key K, value V) (old V, existed bool, err error) {
	tx := txh.DBTx()
	keyRaw, valueRaw, err := s.binding.ObjectToEntry(tx, key, value)
	if err != nil {
		return old, false, storeErrf(s.core, nil, nil, err, "encode %v", key)
	}
	oldAny, existed, err := s.core.put(tx, keyRaw, key, value, valueRaw, CauseDirect)
	if err != nil || !existed {
		return old, false, err
	}
	return oldAny.(V), true, nil
}

// PutIfAbsent stores value only if key has no record yet. Otherwise it
// returns the existing record and leaves it unchanged.
func (s *Store[K, V]) PutIfAbsent(txh Txish, key K, value V) (existing V, existed bool, err error) {
	tx := txh.DBTx()
	existing, existed, err = s.Get(tx, key)
	if err != nil || existed {
		return existing, existed, err
	}
	_, _, err = s.Put(tx, key, value)
	return existing, false, err
}

// PutEntity stores an entity of a store with a MarshalledBinding under the
// key held by the entity itself.
func (s *Store[K, V]) PutEntity(txh Txish, e V) (old V, existed bool, err error) {
	mb, ok := s.binding.(interface{ MarshalPrimaryKey(e V) K })
	if !ok {
		panic(fmt.Errorf("store %s: PutEntity requires a MarshalledBinding, got %T", s.Name(), s.binding))
	}
	return s.Put(txh, mb.MarshalPrimaryKey(e), e)
}

// Append stores value under a key produced by the store's KeyAssigner and
// returns that key. A key that is already taken fails with
// ErrIntegrityConstraint.
func (s *Store[K, V]) Append(txh Txish, value V) (K, error) {
	tx := txh.DBTx()
	var zero K
	if s.assigner == nil {
		panic(fmt.Errorf("store %s: Append requires a KeyAssigner", s.Name()))
	}
	if err := tx.requireWritable(); err != nil {
		return zero, err
	}
	key, err := s.assigner(func() (uint64, error) {
		return s.core.dataBucket(tx).NextSequence()
	})
	if err != nil {
		return zero, storeErrf(s.core, nil, nil, err, "assign key")
	}
	if ok, err := s.Exists(tx, key); err != nil {
		return zero, err
	} else if ok {
		return zero, storeErrf(s.core, nil, nil, ErrIntegrityConstraint, "assigned key %v is already taken", key)
	}
	if _, _, err := s.Put(tx, key, value); err != nil {
		return zero, err
	}
	return key, nil
}
