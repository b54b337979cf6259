package estore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
)

type Txish interface {
	DBTx() *Tx
}

// Tx is a database transaction. It is not safe for concurrent use.
//
// A writable Tx whose mutation has failed is poisoned: later mutations are
// refused and Commit rolls back and returns ErrTxPoisoned, so that a partial
// update (say, a record written without its index entries) never commits.
type Tx struct {
	db       *DB
	stx      storageTx
	ctx      context.Context
	writable bool
	closed   bool

	failure  error
	written  bool
	writeSeq uint64 // bumped on every mutation; cursors re-seek when it moves

	cursors     map[*rawCursor]string
	catalogs    map[*ClassCatalog]*catalogPending
	afterCommit []func()

	changeHandler func(chg *Change)

	startTime time.Time
	stack     string
}

func (db *DB) newTx(ctx context.Context, stx storageTx) *Tx {
	tx := &Tx{
		db:        db,
		stx:       stx,
		ctx:       ctx,
		writable:  stx.Writable(),
		startTime: time.Now(),
	}
	if trackTxns {
		tx.stack = string(debug.Stack())
	}
	return tx
}

// DBTx implements Txish
func (tx *Tx) DBTx() *Tx {
	return tx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) Schema() *Schema {
	return tx.db.schema
}

func (tx *Tx) Context() context.Context {
	return tx.ctx
}

func (tx *Tx) IsWritable() bool {
	return tx.writable
}

// Err returns the error that poisoned the transaction, if any.
func (tx *Tx) Err() error {
	return tx.failure
}

// OnChange registers a handler that observes every change made in this
// transaction, including cascaded deletes and nullified references.
func (tx *Tx) OnChange(f func(chg *Change)) {
	tx.changeHandler = f
}

func (tx *Tx) notify(chg *Change) {
	if tx.changeHandler != nil {
		tx.changeHandler(chg)
	}
}

func (tx *Tx) addAfterCommit(f func()) {
	tx.afterCommit = append(tx.afterCommit, f)
}

func (tx *Tx) requireOpen() error {
	if tx.closed {
		return ErrTxClosed
	}
	return nil
}

func (tx *Tx) requireWritable() error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	if tx.failure != nil {
		return fmt.Errorf("%w: %w", ErrTxPoisoned, tx.failure)
	}
	return nil
}

// fail poisons a writable transaction with err and returns err.
func (tx *Tx) fail(err error) error {
	if err != nil && tx.writable && tx.failure == nil {
		tx.failure = err
		tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "estore: tx poisoned", slog.Any("err", err))
	}
	return err
}

func (tx *Tx) markWritten() {
	tx.written = true
	tx.writeSeq++
}

func (tx *Tx) logOp(op string, s *storeCore, keyRaw []byte, attrs ...slog.Attr) {
	if !tx.db.verbose {
		return
	}
	all := make([]slog.Attr, 0, 2+len(attrs))
	all = append(all, slog.String("store", s.name), slog.String("key", s.codec.formatKey(tx, keyRaw)))
	all = append(all, attrs...)
	tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "estore: "+op, all...)
}

// Commit commits a writable transaction. For a read-only transaction it is
// the same as Close. Cursors still open are closed and reported.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	leaks := tx.releaseCursors("commit")
	if !tx.writable {
		tx.finish(false)
		tx.reportLeaks(leaks)
		return nil
	}
	if tx.failure != nil {
		tx.finish(false)
		tx.reportLeaks(leaks)
		return fmt.Errorf("%w: %w", ErrTxPoisoned, tx.failure)
	}

	err := tx.stx.Commit()
	tx.closed = true
	tx.db.removeTx(tx)
	if err != nil {
		tx.db.metrics.rollbacks.Inc()
		tx.reportLeaks(leaks)
		return err
	}
	tx.db.metrics.commits.Inc()
	if s := tx.stx.Size(); s > 0 {
		tx.db.lastSize.Store(s)
	}
	for _, f := range tx.afterCommit {
		f()
	}
	tx.afterCommit = nil
	tx.reportLeaks(leaks)
	return nil
}

// Close rolls back the transaction unless it has been committed. It is safe
// to call more than once, and is normally deferred right after Begin.
func (tx *Tx) Close() {
	if tx.closed {
		return
	}
	leaks := tx.releaseCursors("close")
	tx.finish(tx.writable)
	tx.reportLeaks(leaks)
}

func (tx *Tx) finish(rollback bool) {
	err := tx.stx.Rollback()
	if err != nil {
		tx.db.logger.Error("estore: rollback failed", "err", err)
	}
	tx.closed = true
	tx.afterCommit = nil
	tx.db.removeTx(tx)
	if rollback {
		tx.db.metrics.rollbacks.Inc()
	}
}

func (tx *Tx) releaseCursors(op string) []string {
	if len(tx.cursors) == 0 {
		return nil
	}
	var leaks []string
	for c, origin := range tx.cursors {
		c.release()
		leaks = append(leaks, origin)
	}
	tx.cursors = nil
	tx.db.metrics.cursorLeaks.Add(len(leaks))
	tx.db.logger.Error("estore: cursors left open at tx "+op, "count", len(leaks), "opened_at", strings.Join(leaks, "; "))
	return leaks
}

func (tx *Tx) reportLeaks(leaks []string) {
	if len(leaks) > 0 && tx.db.strict {
		panic(fmt.Errorf("estore: %d cursor(s) left open: %s", len(leaks), strings.Join(leaks, "; ")))
	}
}

func (tx *Tx) registerCursor(c *rawCursor, origin string) {
	if tx.cursors == nil {
		tx.cursors = make(map[*rawCursor]string)
	}
	tx.cursors[c] = origin
}

func (tx *Tx) unregisterCursor(c *rawCursor) {
	delete(tx.cursors, c)
}

// Tx runs f in a transaction. A writable transaction commits if f returns
// nil and rolls back if it returns an error or panics; a panic is returned
// as an error.
func (db *DB) Tx(ctx context.Context, writable bool, f func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, writable)
	if err != nil {
		return err
	}
	defer tx.Close()
	err = safelyCall(f, tx)
	if err != nil {
		return err
	}
	return tx.Commit()
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func (p panicked) Unwrap() error {
	err, _ := p.reason.(error)
	return err
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

// Begin starts a transaction, waiting at most Options.LockTimeout (and no
// longer than ctx allows) for the writer lock. The caller must Close it.
func (db *DB) Begin(ctx context.Context, writable bool) (*Tx, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if writable {
		db.PendingWriterCount.Add(1)
		defer db.PendingWriterCount.Add(-1)
	}
	stx, err := db.st.BeginTx(ctx, writable)
	if err != nil {
		if IsRetryable(err) {
			db.metrics.lockConflicts.Inc()
		}
		return nil, err
	}
	tx := db.newTx(ctx, stx)
	db.addTx(tx)
	return tx, nil
}

func (db *DB) BeginRead() *Tx {
	return must(db.Begin(context.Background(), false))
}

func (db *DB) BeginUpdate() *Tx {
	return must(db.Begin(context.Background(), true))
}

func (db *DB) Read(f func(tx *Tx)) {
	tx := db.BeginRead()
	defer tx.Close()
	f(tx)
}

func (db *DB) ReadErr(f func(tx *Tx) error) error {
	tx := db.BeginRead()
	defer tx.Close()
	return f(tx)
}

func (db *DB) Write(f func(tx *Tx)) {
	tx := db.BeginUpdate()
	defer tx.Close()
	f(tx)
	err := tx.Commit()
	if err != nil {
		panic(fmt.Errorf("commit: %w", err))
	}
}
