package estore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const trackTxns = true

const DefaultLockTimeout = 10 * time.Second

type DB struct {
	st       storage
	mem      *memStorage
	schema   *Schema
	logger   *slog.Logger
	verbose  bool
	strict   bool
	noCreate bool
	readOnly bool

	storeStates []*storeState
	metrics     *dbMetrics

	lastSize           atomic.Int64
	PendingWriterCount atomic.Int64
	cursorsOpened      atomic.Int64
	cursorsReleased    atomic.Int64

	txns     []*Tx
	txnsLock sync.Mutex
}

type Options struct {
	// Logger receives estore's log output; slog.Default() if nil.
	Logger *slog.Logger
	// Verbose logs every put and delete at debug level.
	Verbose bool
	// IsTesting relaxes durability and turns misuse (such as a cursor left
	// open at the end of a transaction) into panics.
	IsTesting bool
	// InMemory uses a transient in-memory engine instead of a bolt file.
	InMemory bool
	// NoCreate fails Open when a store or catalog container does not exist.
	NoCreate bool
	// ReadOnly opens the file read-only. Implies NoCreate.
	ReadOnly bool
	// LockTimeout bounds waiting for the writer lock; DefaultLockTimeout if zero.
	LockTimeout time.Duration
	MmapSize    int
}

func (opt Options) lockTimeout() time.Duration {
	if opt.LockTimeout > 0 {
		return opt.LockTimeout
	}
	return DefaultLockTimeout
}

// Open opens the database at path (ignored with InMemory), prepares the
// containers of every store and index in schema and opens its class catalogs.
func Open(path string, schema *Schema, opt Options) (*DB, error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}
	schema.sealed = true

	if opt.ReadOnly {
		opt.NoCreate = true
	}
	if opt.MmapSize == 0 {
		if opt.IsTesting {
			opt.MmapSize = 1024 * 1024 * 5
		} else {
			opt.MmapSize = 1024 * 1024 * 1024
		}
	}

	db := &DB{
		schema:      schema,
		logger:      opt.Logger,
		verbose:     opt.Verbose,
		strict:      opt.IsTesting,
		noCreate:    opt.NoCreate,
		readOnly:    opt.ReadOnly,
		storeStates: make([]*storeState, len(schema.stores)),
	}
	if db.logger == nil {
		db.logger = slog.Default()
	}
	if opt.InMemory {
		db.mem = newMemStorage(opt)
		db.st = db.mem
	} else {
		bs, err := openBoltStorage(path, opt)
		if err != nil {
			return nil, fmt.Errorf("estore: %w", err)
		}
		db.st = bs
	}
	db.metrics = newDBMetrics(db)

	err := db.Tx(context.Background(), !opt.ReadOnly, func(tx *Tx) error {
		now := time.Now()
		for i, s := range schema.stores {
			ss, err := prepareStore(tx, s, now)
			if err != nil {
				return err
			}
			db.storeStates[i] = ss
		}
		for _, cat := range schema.catalogs {
			if err := cat.open(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.closeCatalogs()
		err = errors.Join(err, db.st.Close())
		return nil, fmt.Errorf("estore: %w", err)
	}
	return db, nil
}

func (db *DB) Schema() *Schema {
	return db.schema
}

func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

func (db *DB) Close() error {
	db.closeCatalogs()
	return db.st.Close()
}

func (db *DB) closeCatalogs() {
	for _, cat := range db.schema.catalogs {
		cat.mu.Lock()
		mine := cat.db == db
		cat.mu.Unlock()
		if mine {
			cat.close()
		}
	}
}

func (db *DB) storeState(s *storeCore) *storeState {
	return db.storeStates[s.pos]
}

func (db *DB) addTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := slices.Index(db.txns, tx)
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms\n", ms)
		} else {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms:\n%s", ms, tx.stack)
		}
	}

	return buf.String()
}
