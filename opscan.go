package estore

import (
	"iter"
)

// Cursor opens a cursor over the records selected by opt. The cursor
// belongs to the transaction: close it when done, or it will be closed and
// reported as leaked when the transaction ends. Prefer Scan or Entries,
// which close it for you.
func (s *Store[K, V]) Cursor(txh Txish, opt ScanOptions) (*Cursor[K, V], error) {
	tx := txh.DBTx()
	if err := tx.requireOpen(); err != nil {
		return nil, err
	}
	rang, err := rawRangeOf(tx, s.binding, opt, false)
	if err != nil {
		return nil, storeErrf(s.core, nil, nil, err, "scan")
	}
	return &Cursor[K, V]{
		raw:   newRawCursor(tx, s.core.dataBucket(tx), rang),
		store: s,
	}, nil
}

// Scan opens a cursor, passes it to f and closes it when f returns.
func (s *Store[K, V]) Scan(txh Txish, opt ScanOptions, f func(c *Cursor[K, V]) error) error {
	c, err := s.Cursor(txh, opt)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := f(c); err != nil {
		return err
	}
	return c.Err()
}

// Entries iterates over the records selected by opt. The cursor is closed
// when the loop ends, however it ends. Errors are yielded with a zero entry
// and end the iteration.
func (s *Store[K, V]) Entries(txh Txish, opt ScanOptions) iter.Seq2[Entry[K, V], error] {
	return func(yield func(Entry[K, V], error) bool) {
		c, err := s.Cursor(txh, opt)
		if err != nil {
			yield(Entry[K, V]{}, err)
			return
		}
		defer c.Close()
		for c.Next() {
			if !yield(c.Entry(), nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			yield(Entry[K, V]{}, err)
		}
	}
}

// All returns the records selected by opt.
func (s *Store[K, V]) All(txh Txish, opt ScanOptions) ([]Entry[K, V], error) {
	var result []Entry[K, V]
	for e, err := range s.Entries(txh, opt) {
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

// Keys returns the keys of the records selected by opt.
func (s *Store[K, V]) Keys(txh Txish, opt ScanOptions) ([]K, error) {
	var result []K
	for e, err := range s.Entries(txh, opt) {
		if err != nil {
			return nil, err
		}
		result = append(result, e.Key)
	}
	return result, nil
}

// Cursor opens a cursor over the index entries selected by opt, whose bounds
// are secondary keys. Entries come in secondary key order, and in primary
// key order within one secondary key.
func (idx *Index[K, V, SK]) Cursor(txh Txish, opt ScanOptions) (*IndexCursor[K, V, SK], error) {
	tx := txh.DBTx()
	if err := tx.requireOpen(); err != nil {
		return nil, err
	}
	rang, err := rawRangeOf(tx, idx.keyBinding, opt, !idx.core.unique)
	if err != nil {
		return nil, storeErrf(nil, idx.core, nil, err, "scan")
	}
	return &IndexCursor[K, V, SK]{
		raw: newRawCursor(tx, idx.core.bucket(tx), rang),
		idx: idx,
	}, nil
}

func (idx *Index[K, V, SK]) Scan(txh Txish, opt ScanOptions, f func(c *IndexCursor[K, V, SK]) error) error {
	c, err := idx.Cursor(txh, opt)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := f(c); err != nil {
		return err
	}
	return c.Err()
}

// IndexEntry is an index entry together with the record it points to.
type IndexEntry[K, V, SK any] struct {
	SecondaryKey SK
	Key          K
	Value        V
}

func (idx *Index[K, V, SK]) Entries(txh Txish, opt ScanOptions) iter.Seq2[IndexEntry[K, V, SK], error] {
	return func(yield func(IndexEntry[K, V, SK], error) bool) {
		c, err := idx.Cursor(txh, opt)
		if err != nil {
			yield(IndexEntry[K, V, SK]{}, err)
			return
		}
		defer c.Close()
		for c.Next() {
			if !yield(IndexEntry[K, V, SK]{c.SecondaryKey(), c.Key(), c.Value()}, nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			yield(IndexEntry[K, V, SK]{}, err)
		}
	}
}
