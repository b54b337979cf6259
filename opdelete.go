package estore

import (
	"bytes"
	"log/slog"
)

// deletion tracks the records removed by one delete, including the ones
// reached through cascading foreign keys.
type deletion struct {
	visited map[string]bool
}

func (d *deletion) visit(s *storeCore, keyRaw []byte) bool {
	if d.visited == nil {
		d.visited = make(map[string]bool)
	}
	k := s.name + "\x00" + string(keyRaw)
	if d.visited[k] {
		return false
	}
	d.visited[k] = true
	return true
}

func (d *deletion) seen(s *storeCore, keyRaw []byte) bool {
	return d.visited[s.name+"\x00"+string(keyRaw)]
}

// delete removes the record keyRaw of s after applying the delete action
// of every foreign key index that references s. Abort dependents are
// checked first, so a delete refused by them writes nothing.
func (s *storeCore) delete(tx *Tx, keyRaw []byte, cause Cause, d *deletion) (bool, error) {
	if err := tx.requireWritable(); err != nil {
		return false, err
	}
	dataB := s.dataBucket(tx)
	oldRaw := dataB.Get(keyRaw)
	if oldRaw == nil {
		return false, nil
	}
	if !d.visit(s, keyRaw) {
		return false, nil
	}
	key, old, err := s.codec.decodeEntry(tx, keyRaw, bytes.Clone(oldRaw))
	if err != nil {
		return false, storeErrf(s, nil, keyRaw, err, "decoding old value")
	}

	startSeq := tx.writeSeq
	failed := func(err error) (bool, error) {
		if tx.writeSeq != startSeq {
			return false, tx.fail(err)
		}
		return false, err
	}

	for _, dep := range s.dependents {
		if dep.fk.action == Abort && dep.hasEntries(tx, keyRaw) {
			tx.db.metrics.store(dep.store).fkViolations.Inc()
			return failed(storeErrf(nil, dep, keyRaw, ErrIntegrityConstraint, "%s/%s is still referenced",
				s.name, s.codec.formatKey(tx, keyRaw)))
		}
	}
	for _, dep := range s.dependents {
		switch dep.fk.action {
		case Cascade:
			pks, err := dep.primaryKeysRaw(tx, keyRaw)
			if err != nil {
				return failed(err)
			}
			for _, pk := range pks {
				ok, err := dep.store.delete(tx, pk, CauseCascade, d)
				if err != nil {
					return failed(err)
				}
				if ok {
					tx.db.metrics.store(dep.store).cascades.Inc()
				}
			}
		case Nullify:
			pks, err := dep.primaryKeysRaw(tx, keyRaw)
			if err != nil {
				return failed(err)
			}
			for _, pk := range pks {
				if d.seen(dep.store, pk) {
					continue
				}
				if err := dep.nullify(tx, pk, keyRaw); err != nil {
					return failed(err)
				}
			}
		}
	}

	tx.markWritten()
	for _, idx := range s.indices {
		sk, ok, err := idx.extract(tx, key, old)
		if err != nil {
			return false, tx.fail(err)
		}
		if ok {
			if err := idx.remove(tx, sk, keyRaw); err != nil {
				return false, tx.fail(err)
			}
		}
	}
	if err := dataB.Delete(keyRaw); err != nil {
		return false, tx.fail(storeErrf(s, nil, keyRaw, err, "delete"))
	}

	tx.db.metrics.store(s).deletes.Inc()
	if tx.db.verbose {
		tx.logOp("DELETE", s, keyRaw, slog.String("cause", cause.String()))
	}
	tx.notify(&Change{store: s, op: OpDelete, cause: cause, rawKey: keyRaw, key: key, oldValue: old})
	return true, nil
}

// nullify clears the reference from record pkRaw of the index's store to
// targetRaw and rewrites the record.
func (idx *indexCore) nullify(tx *Tx, pkRaw, targetRaw []byte) error {
	s := idx.store
	raw := s.dataBucket(tx).Get(pkRaw)
	if raw == nil {
		return storeErrf(nil, idx, targetRaw, ErrIntegrityConstraint, "indexed record %s is missing", s.codec.formatKey(tx, pkRaw))
	}
	key, value, err := s.codec.decodeEntry(tx, pkRaw, bytes.Clone(raw))
	if err != nil {
		return storeErrf(s, nil, pkRaw, err, "decoding value")
	}
	cleared := idx.fk.clear(value)
	if sk, ok, err := idx.extract(tx, key, cleared); err != nil {
		return err
	} else if ok && bytes.Equal(sk, targetRaw) {
		return storeErrf(nil, idx, pkRaw, ErrIntegrityConstraint, "ClearSecondaryKey did not clear the reference")
	}
	valueRaw, err := s.codec.encodeValue(tx, key, cleared)
	if err != nil {
		return storeErrf(s, nil, pkRaw, err, "encode")
	}
	if _, _, err := s.put(tx, pkRaw, key, cleared, valueRaw, CauseNullify); err != nil {
		return err
	}
	tx.db.metrics.store(s).nullifies.Inc()
	return nil
}

// Delete removes the record stored under key, applying the delete action of
// every foreign key that references this store. Returns false if there was
// no such record.
func (s *Store[K, V]) Delete(txh Txish, key K) (bool, error) {
	tx := txh.DBTx()
	keyRaw, err := s.encodeKey(tx, key)
	if err != nil {
		return false, err
	}
	var d deletion
	return s.core.delete(tx, keyRaw, CauseDirect, &d)
}
