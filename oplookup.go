package estore

import "fmt"

// LookupPrimaryKeys returns the primary keys of the records indexed under
// sk, ordered by primary key.
func (idx *Index[K, V, SK]) LookupPrimaryKeys(txh Txish, sk SK) ([]K, error) {
	tx := txh.DBTx()
	if err := tx.requireOpen(); err != nil {
		return nil, err
	}
	skRaw, err := idx.encodeSK(tx, sk)
	if err != nil {
		return nil, err
	}
	pks, err := idx.core.primaryKeysRaw(tx, skRaw)
	if err != nil {
		return nil, err
	}
	result := make([]K, 0, len(pks))
	for _, pkRaw := range pks {
		k, err := idx.store.binding.DecodeKey(tx, pkRaw)
		if err != nil {
			return nil, storeErrf(nil, idx.core, pkRaw, err, "decode primary key")
		}
		result = append(result, k)
	}
	return result, nil
}

// Lookup returns the records indexed under sk, ordered by primary key.
func (idx *Index[K, V, SK]) Lookup(txh Txish, sk SK) ([]Entry[K, V], error) {
	tx := txh.DBTx()
	if err := tx.requireOpen(); err != nil {
		return nil, err
	}
	skRaw, err := idx.encodeSK(tx, sk)
	if err != nil {
		return nil, err
	}
	pks, err := idx.core.primaryKeysRaw(tx, skRaw)
	if err != nil {
		return nil, err
	}
	result := make([]Entry[K, V], 0, len(pks))
	for _, pkRaw := range pks {
		e, err := idx.loadEntry(tx, skRaw, pkRaw)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

// LookupFirst returns the record with the smallest primary key among the
// ones indexed under sk.
func (idx *Index[K, V, SK]) LookupFirst(txh Txish, sk SK) (Entry[K, V], bool, error) {
	var zero Entry[K, V]
	tx := txh.DBTx()
	if err := tx.requireOpen(); err != nil {
		return zero, false, err
	}
	skRaw, err := idx.encodeSK(tx, sk)
	if err != nil {
		return zero, false, err
	}
	pks, err := idx.core.primaryKeysRaw(tx, skRaw)
	if err != nil || len(pks) == 0 {
		return zero, false, err
	}
	e, err := idx.loadEntry(tx, skRaw, pks[0])
	if err != nil {
		return zero, false, err
	}
	return e, true, nil
}

// loadEntry reads the primary record of an index entry. A missing record
// means the index is out of sync with its store.
func (idx *Index[K, V, SK]) loadEntry(tx *Tx, skRaw, pkRaw []byte) (Entry[K, V], error) {
	valueRaw := idx.store.core.dataBucket(tx).Get(pkRaw)
	if valueRaw == nil {
		return Entry[K, V]{}, storeErrf(nil, idx.core, skRaw, ErrIntegrityConstraint, "indexed record %s is missing",
			idx.store.core.codec.formatKey(tx, pkRaw))
	}
	k, v, err := idx.store.binding.EntryToObject(tx, pkRaw, valueRaw)
	if err != nil {
		return Entry[K, V]{}, storeErrf(idx.store.core, nil, pkRaw, err, "decode")
	}
	return Entry[K, V]{Key: k, Value: v}, nil
}

// LookupExists reports whether any record is indexed under sk.
func (idx *Index[K, V, SK]) LookupExists(txh Txish, sk SK) (bool, error) {
	tx := txh.DBTx()
	if err := tx.requireOpen(); err != nil {
		return false, err
	}
	skRaw, err := idx.encodeSK(tx, sk)
	if err != nil {
		return false, err
	}
	return idx.core.hasEntries(tx, skRaw), nil
}

func (idx *Index[K, V, SK]) String() string {
	if idx.core.fk != nil {
		return fmt.Sprintf("%s -> %s (%v)", idx.FullName(), idx.core.fk.target.name, idx.core.fk.action)
	}
	return idx.FullName()
}
