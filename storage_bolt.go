package estore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"unsafe"

	"go.etcd.io/bbolt"
)

// maxKeySize is the largest key either engine accepts.
const maxKeySize = bbolt.MaxKeySize

type boltStorage struct {
	bdb  *bbolt.DB
	gate *writerGate
}

func openBoltStorage(path string, opt Options) (*boltStorage, error) {
	bopt := bbolt.Options{
		Timeout:         opt.lockTimeout(),
		InitialMmapSize: opt.MmapSize,
		FreelistType:    bbolt.FreelistMapType,
		ReadOnly:        opt.ReadOnly,
	}
	if opt.IsTesting {
		bopt.NoSync = true
	}
	if opt.NoCreate {
		if _, err := os.Stat(path); err != nil {
			return nil, &StorageFault{"open", err}
		}
	}
	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, mapBoltErr("open", err)
	}
	return &boltStorage{bdb: bdb, gate: newWriterGate(opt.lockTimeout())}, nil
}

func (s *boltStorage) BeginTx(ctx context.Context, writable bool) (storageTx, error) {
	if writable {
		if err := s.gate.acquire(ctx); err != nil {
			return nil, err
		}
	}
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		if writable {
			s.gate.release()
		}
		return nil, mapBoltErr("begin", err)
	}
	return &boltStorageTx{btx: btx, gate: s.gate}, nil
}

func (s *boltStorage) Close() error {
	return mapBoltErr("close", s.bdb.Close())
}

// mapBoltErr translates bbolt's errors into estore's taxonomy, keeping the
// original error reachable through errors.Is/As.
func mapBoltErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bbolt.ErrKeyRequired), errors.Is(err, bbolt.ErrKeyTooLarge), errors.Is(err, bbolt.ErrValueTooLarge):
		return fmt.Errorf("%w: %s: %w", ErrKeyRange, op, err)
	case errors.Is(err, bbolt.ErrTimeout):
		return fmt.Errorf("%w: %s: %w", ErrLockConflict, op, err)
	case errors.Is(err, bbolt.ErrTxNotWritable), errors.Is(err, bbolt.ErrDatabaseReadOnly):
		return fmt.Errorf("%w: %s: %w", ErrTxNotWritable, op, err)
	case errors.Is(err, bbolt.ErrTxClosed):
		return fmt.Errorf("%w: %s: %w", ErrTxClosed, op, err)
	default:
		return &StorageFault{op, err}
	}
}

type boltStorageTx struct {
	btx      *bbolt.Tx
	gate     *writerGate
	released bool
}

func (tx *boltStorageTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltStorageTx) Bucket(name, sub string) storageBucket {
	root := tx.btx.Bucket(unsafeBytesFromString(name))
	if root == nil {
		return nil
	}
	if sub == "" {
		return boltBucket{b: root}
	}
	leaf := root.Bucket(unsafeBytesFromString(sub))
	if leaf == nil {
		return nil
	}
	return boltBucket{b: leaf}
}

func (tx *boltStorageTx) CreateBucket(name, sub string) (storageBucket, error) {
	root, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, mapBoltErr("create bucket "+name, err)
	}
	if sub == "" {
		return boltBucket{b: root}, nil
	}
	leaf, err := root.CreateBucketIfNotExists([]byte(sub))
	if err != nil {
		return nil, mapBoltErr("create bucket "+name+"/"+sub, err)
	}
	return boltBucket{b: leaf}, nil
}

func (tx *boltStorageTx) DeleteBucket(name, sub string) error {
	if sub == "" {
		return ErrBucketNotFound
	}
	root := tx.btx.Bucket(unsafeBytesFromString(name))
	if root == nil {
		return ErrBucketNotFound
	}
	err := root.DeleteBucket(unsafeBytesFromString(sub))
	if err == bbolt.ErrBucketNotFound {
		return ErrBucketNotFound
	}
	return mapBoltErr("delete bucket "+name+"/"+sub, err)
}

func (tx *boltStorageTx) BucketNames(name string) []string {
	var names []string
	collect := func(k, v []byte) error {
		if v == nil {
			names = append(names, string(k))
		}
		return nil
	}
	if name == "" {
		_ = tx.btx.ForEach(func(k []byte, _ *bbolt.Bucket) error {
			names = append(names, string(k))
			return nil
		})
	} else if root := tx.btx.Bucket(unsafeBytesFromString(name)); root != nil {
		_ = root.ForEach(collect)
	}
	sort.Strings(names)
	return names
}

func (tx *boltStorageTx) Commit() error {
	defer tx.release()
	return mapBoltErr("commit", tx.btx.Commit())
}

func (tx *boltStorageTx) Rollback() error {
	defer tx.release()
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return mapBoltErr("rollback", err)
}

func (tx *boltStorageTx) release() {
	if tx.gate != nil && !tx.released && tx.btx.Writable() {
		tx.released = true
		tx.gate.release()
	}
}

func (tx *boltStorageTx) Size() int64 { return tx.btx.Size() }

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) []byte { return b.b.Get(key) }

func (b boltBucket) Put(key, value []byte) error { return mapBoltErr("put", b.b.Put(key, value)) }

func (b boltBucket) Delete(key []byte) error { return mapBoltErr("delete", b.b.Delete(key)) }

func (b boltBucket) Cursor() storageCursor { return &boltCursor{c: b.b.Cursor()} }

func (b boltBucket) NextSequence() (uint64, error) {
	seq, err := b.b.NextSequence()
	return seq, mapBoltErr("next sequence", err)
}

func (b boltBucket) Stats() bucketStats {
	s := b.b.Stats()
	return bucketStats{
		KeyN:        s.KeyN,
		LeafInuse:   int64(s.LeafInuse),
		LeafAlloc:   int64(s.LeafAlloc),
		BranchAlloc: int64(s.BranchAlloc),
	}
}

// KeyCount walks the bucket: Stats does not see changes that the current
// write transaction has not spilled yet.
func (b boltBucket) KeyCount() int {
	var n int
	c := b.b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v != nil {
			n++
		}
	}
	return n
}

type boltCursor struct {
	c *bbolt.Cursor
}

func (c *boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c *boltCursor) Last() ([]byte, []byte) { return c.c.Last() }

func (c *boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

func (c *boltCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.c.Last()
	}

	if limit, ok := successor(prefix); ok {
		k, _ := c.c.Seek(limit)
		if k == nil {
			return c.c.Last()
		}
		return c.c.Prev()
	}

	// All-0xFF prefix: fall back to linear scan.
	k, _ := c.c.Seek(prefix)
	if k == nil {
		return c.c.Last()
	}
	for k != nil && bytes.HasPrefix(k, prefix) {
		k, _ = c.c.Next()
	}
	if k == nil {
		return c.c.Last()
	}
	return c.c.Prev()
}

func (c *boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c *boltCursor) Prev() ([]byte, []byte) { return c.c.Prev() }

func (c *boltCursor) Delete() error { return mapBoltErr("cursor delete", c.c.Delete()) }

// Close drops the reference to the bolt cursor, which holds pages of the
// enclosing transaction.
func (c *boltCursor) Close() { c.c = nil }

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
