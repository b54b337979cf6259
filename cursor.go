package estore

import (
	"bytes"
	"fmt"
	"runtime"
	"strings"
)

// rawCursor walks a RawRange of one bucket. It belongs to the transaction
// that opened it: Tx.Commit and Tx.Close release cursors that are still
// open. Keys and values are copied when the cursor moves, so they stay valid
// after the transaction writes.
type rawCursor struct {
	tx   *Tx
	bcur storageCursor
	rang RawRange

	key, value []byte
	seq        uint64 // tx.writeSeq when positioned
	started    bool
	done       bool
	released   bool
}

func newRawCursor(tx *Tx, b storageBucket, rang RawRange) *rawCursor {
	c := &rawCursor{
		tx:   tx,
		bcur: b.Cursor(),
		rang: rang,
	}
	tx.db.cursorsOpened.Add(1)
	tx.registerCursor(c, callerOutside())
	return c
}

// callerOutside returns the position of the first caller outside this
// package, for reporting cursors left open.
func callerOutside() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var first string
	for {
		f, more := frames.Next()
		if first == "" {
			first = fmt.Sprintf("%s:%d", f.File, f.Line)
		}
		if !isOwnFrame(f.Function) || strings.HasSuffix(f.File, "_test.go") {
			return fmt.Sprintf("%s:%d", f.File, f.Line)
		}
		if !more {
			return first
		}
	}
}

func isOwnFrame(fn string) bool {
	const pkg = "github.com/andreyvit/estore."
	return strings.HasPrefix(fn, pkg)
}

// release closes the engine cursor. Only the first call has an effect.
func (c *rawCursor) release() {
	if c.released {
		return
	}
	c.released = true
	c.bcur.Close()
	c.bcur = nil
	c.key, c.value = nil, nil
	c.tx.db.cursorsReleased.Add(1)
}

func (c *rawCursor) close() {
	if c.released {
		return
	}
	c.tx.unregisterCursor(c)
	c.release()
}

func (c *rawCursor) next() bool {
	return c.step(c.rang.Reverse)
}

func (c *rawCursor) prev() bool {
	return c.step(!c.rang.Reverse)
}

// first and last restart the cursor at either end of the scan order.
func (c *rawCursor) first() bool {
	c.started, c.done = false, false
	return c.step(c.rang.Reverse)
}

func (c *rawCursor) last() bool {
	c.started, c.done = false, false
	return c.step(!c.rang.Reverse)
}

// step moves towards smaller keys if backward is set, and towards larger
// keys otherwise. Once the cursor runs off the range it stays exhausted
// until first or last.
func (c *rawCursor) step(backward bool) bool {
	if c.released || c.done || c.tx.closed {
		return false
	}
	var k, v []byte
	logger := c.tx.db.logger
	switch {
	case !c.started:
		c.started = true
		if backward {
			k, v = c.rang.seekMax(c.bcur, logger)
		} else {
			k, v = c.rang.seekMin(c.bcur, logger)
		}
	case c.seq != c.tx.writeSeq:
		k, v = c.reseek(backward)
	case backward:
		k, v = c.bcur.Prev()
	default:
		k, v = c.bcur.Next()
	}
	if k == nil || !c.rang.contains(k) {
		c.done = true
		c.key, c.value = nil, nil
		return false
	}
	c.key = append(c.key[:0], k...)
	c.value = append(c.value[:0], v...)
	c.seq = c.tx.writeSeq
	return true
}

// reseek finds the neighbor of the saved position after the bucket has been
// modified, which invalidates engine cursor positions.
func (c *rawCursor) reseek(backward bool) ([]byte, []byte) {
	saved := c.key
	k, v := c.bcur.Seek(saved)
	if backward {
		if k == nil {
			return c.bcur.Last()
		}
		return c.bcur.Prev()
	}
	if k != nil && bytes.Equal(k, saved) {
		return c.bcur.Next()
	}
	return k, v
}

func (c *rawCursor) valid() bool {
	return c.started && !c.done && !c.released
}

// Cursor iterates over the records of a store. See Store.Cursor.
type Cursor[K, V any] struct {
	raw   *rawCursor
	store *Store[K, V]
	key   K
	value V
	err   error
}

func (c *Cursor[K, V]) load(ok bool) bool {
	if !ok {
		return false
	}
	c.key, c.value, c.err = c.store.binding.EntryToObject(c.raw.tx, c.raw.key, c.raw.value)
	if c.err != nil {
		c.err = storeErrf(c.store.core, nil, c.raw.key, c.err, "decode")
		c.raw.done = true
		return false
	}
	return true
}

// Next moves to the next record in scan order; on a new cursor, to the
// first one.
func (c *Cursor[K, V]) Next() bool { return c.load(c.raw.next()) }

// Prev moves to the previous record in scan order; on a new cursor, to the
// last one.
func (c *Cursor[K, V]) Prev() bool  { return c.load(c.raw.prev()) }
func (c *Cursor[K, V]) First() bool { return c.load(c.raw.first()) }
func (c *Cursor[K, V]) Last() bool  { return c.load(c.raw.last()) }

func (c *Cursor[K, V]) Key() K         { return c.key }
func (c *Cursor[K, V]) Value() V       { return c.value }
func (c *Cursor[K, V]) RawKey() []byte { return c.raw.key }
func (c *Cursor[K, V]) Err() error     { return c.err }

func (c *Cursor[K, V]) Entry() Entry[K, V] {
	return Entry[K, V]{Key: c.key, Value: c.value}
}

// Replace rewrites the current record, maintaining indices as Put does.
func (c *Cursor[K, V]) Replace(value V) error {
	if !c.raw.valid() {
		return fmt.Errorf("%s: replace: cursor is not positioned on a record", c.store.Name())
	}
	if _, _, err := c.store.Put(c.raw.tx, c.key, value); err != nil {
		return err
	}
	c.value = value
	return nil
}

// Delete deletes the current record as Store.Delete does. The cursor stays
// usable and moves on from the deleted position.
func (c *Cursor[K, V]) Delete() error {
	if !c.raw.valid() {
		return fmt.Errorf("%s: delete: cursor is not positioned on a record", c.store.Name())
	}
	var d deletion
	_, err := c.store.core.delete(c.raw.tx, bytes.Clone(c.raw.key), CauseDirect, &d)
	return err
}

// Close releases the cursor. It is safe to call more than once.
func (c *Cursor[K, V]) Close() {
	c.raw.close()
}

// IndexCursor iterates over the entries of an index together with the
// records they point to. See Index.Cursor.
type IndexCursor[K, V, SK any] struct {
	raw   *rawCursor
	idx   *Index[K, V, SK]
	sk    SK
	pkRaw []byte
	entry Entry[K, V]
	err   error
}

func (c *IndexCursor[K, V, SK]) load(ok bool) bool {
	if !ok {
		return false
	}
	tx := c.raw.tx
	skRaw, pkRaw, err := c.idx.core.split(c.raw.key, c.raw.value)
	if err == nil {
		c.sk, err = c.idx.keyBinding.DecodeKey(tx, skRaw)
	}
	if err == nil {
		c.pkRaw = pkRaw
		c.entry, err = c.idx.loadEntry(tx, skRaw, pkRaw)
	}
	if err != nil {
		c.err = err
		c.raw.done = true
		return false
	}
	return true
}

func (c *IndexCursor[K, V, SK]) Next() bool  { return c.load(c.raw.next()) }
func (c *IndexCursor[K, V, SK]) Prev() bool  { return c.load(c.raw.prev()) }
func (c *IndexCursor[K, V, SK]) First() bool { return c.load(c.raw.first()) }
func (c *IndexCursor[K, V, SK]) Last() bool  { return c.load(c.raw.last()) }

func (c *IndexCursor[K, V, SK]) SecondaryKey() SK   { return c.sk }
func (c *IndexCursor[K, V, SK]) PrimaryKey() K      { return c.entry.Key }
func (c *IndexCursor[K, V, SK]) Key() K             { return c.entry.Key }
func (c *IndexCursor[K, V, SK]) Value() V           { return c.entry.Value }
func (c *IndexCursor[K, V, SK]) Entry() Entry[K, V] { return c.entry }
func (c *IndexCursor[K, V, SK]) Err() error         { return c.err }

// Replace rewrites the record of the current entry. If the new value moves
// the record to another secondary key, the cursor continues from the old
// position.
func (c *IndexCursor[K, V, SK]) Replace(value V) error {
	if !c.raw.valid() {
		return fmt.Errorf("%s: replace: cursor is not positioned on an entry", c.idx.FullName())
	}
	if _, _, err := c.idx.store.Put(c.raw.tx, c.entry.Key, value); err != nil {
		return err
	}
	c.entry.Value = value
	return nil
}

func (c *IndexCursor[K, V, SK]) Delete() error {
	if !c.raw.valid() {
		return fmt.Errorf("%s: delete: cursor is not positioned on an entry", c.idx.FullName())
	}
	var d deletion
	_, err := c.idx.store.core.delete(c.raw.tx, bytes.Clone(c.pkRaw), CauseDirect, &d)
	return err
}

func (c *IndexCursor[K, V, SK]) Close() {
	c.raw.close()
}
