package estore

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrIntegrityConstraint is returned when a mutation would break a foreign
	// key, a unique index or the correspondence between an index and its store.
	ErrIntegrityConstraint = errors.New("integrity constraint violation")

	// ErrKeyRange is returned for empty or oversized keys and invalid ranges.
	ErrKeyRange = errors.New("invalid key or key range")

	// ErrLockConflict means a lock could not be obtained in time. The whole
	// unit of work may be retried, see IsRetryable and TxRunner.
	ErrLockConflict = errors.New("lock conflict")

	// ErrTxPoisoned is returned by Commit after a mutation inside the
	// transaction has failed. The transaction is rolled back instead.
	ErrTxPoisoned = errors.New("transaction has a failed mutation")

	ErrTxNotWritable = errors.New("transaction is read-only")
	ErrTxClosed      = errors.New("transaction is closed")

	// ErrCatalogClosed is returned by a ClassCatalog whose database has been closed.
	ErrCatalogClosed = errors.New("class catalog is closed")

	// ErrBucketNotFound is returned by storageTx.DeleteBucket when the bucket doesn't exist.
	ErrBucketNotFound = errors.New("bucket not found")
)

// IsRetryable reports whether the unit of work that produced err may succeed
// if re-executed from the start in a new transaction.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockConflict)
}

// StorageFault wraps an error reported by the storage engine (I/O failures,
// corruption, a closed database) that has no meaning of its own in estore.
type StorageFault struct {
	Op  string
	Err error
}

func (e *StorageFault) Error() string {
	return "storage fault: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageFault) Unwrap() error {
	return e.Err
}

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// TableError adds store, index and key context to an error.
type TableError struct {
	Store string
	Index string
	Key   []byte
	Msg   string
	Err   error
}

func storeErrf(s *storeCore, idx *indexCore, key []byte, err error, format string, args ...any) error {
	e := &TableError{Key: key, Msg: fmt.Sprintf(format, args...), Err: err}
	if s != nil {
		e.Store = s.name
	}
	if idx != nil {
		e.Store = idx.store.name
		e.Index = idx.name
	}
	return e
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Store)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(printableKey(e.Key))
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// printableKey returns the key as a quoted string when it is printable text,
// and as hex otherwise.
func printableKey(key []byte) string {
	if !utf8.Valid(key) {
		return hexstr(key)
	}
	for _, r := range string(key) {
		if !unicode.IsPrint(r) {
			return hexstr(key)
		}
	}
	return fmt.Sprintf("%q", key)
}
