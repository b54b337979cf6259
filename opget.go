package estore

// Get returns the record stored under key.
func (s *Store[K, V]) Get(txh Txish, key K) (V, bool, error) {
	tx := txh.DBTx()
	var zero V
	if err := tx.requireOpen(); err != nil {
		return zero, false, err
	}
	keyRaw, err := s.encodeKey(tx, key)
	if err != nil {
		return zero, false, err
	}
	return s.getByKeyRaw(tx, keyRaw)
}

func (s *Store[K, V]) getByKeyRaw(tx *Tx, keyRaw []byte) (V, bool, error) {
	var zero V
	valueRaw := s.core.dataBucket(tx).Get(keyRaw)
	if valueRaw == nil {
		return zero, false, nil
	}
	_, value, err := s.binding.EntryToObject(tx, keyRaw, valueRaw)
	if err != nil {
		return zero, false, storeErrf(s.core, nil, keyRaw, err, "decode")
	}
	return value, true, nil
}

// MustGet is Get for code that treats storage errors as fatal.
func (s *Store[K, V]) MustGet(txh Txish, key K) (V, bool) {
	v, ok, err := s.Get(txh, key)
	if err != nil {
		panic(err)
	}
	return v, ok
}

func (s *Store[K, V]) Exists(txh Txish, key K) (bool, error) {
	tx := txh.DBTx()
	if err := tx.requireOpen(); err != nil {
		return false, err
	}
	keyRaw, err := s.encodeKey(tx, key)
	if err != nil {
		return false, err
	}
	return s.core.dataBucket(tx).Get(keyRaw) != nil, nil
}

// Count returns the number of records in the store.
func (s *Store[K, V]) Count(txh Txish) (int, error) {
	tx := txh.DBTx()
	if err := tx.requireOpen(); err != nil {
		return 0, err
	}
	return s.core.dataBucket(tx).KeyCount(), nil
}
