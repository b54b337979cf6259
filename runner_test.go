package estore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTxRunner_RetriesLockConflicts(t *testing.T) {
	db := setup(t, shipSchema)

	var attempts int
	err := TxRunner{DB: db}.Run(context.Background(), func(tx *Tx) error {
		attempts++
		name := fmt.Sprintf("City%d", attempts)
		if _, _, err := cities.Put(tx, name, City{"Nowhere"}); err != nil {
			return err
		}
		if attempts < 3 {
			return fmt.Errorf("simulated: %w", ErrLockConflict)
		}
		return nil
	})
	ensure(err)
	deepEqual(t, attempts, 3)

	db.Read(func(tx *Tx) {
		deepEqual(t, must(cities.Keys(tx, FullScan())), []string{"City3"})
	})
}

func TestTxRunner_OtherErrorsAreNotRetried(t *testing.T) {
	db := setup(t, shipSchema)
	errBoom := errors.New("boom")

	var attempts int
	err := TxRunner{DB: db}.Run(context.Background(), func(tx *Tx) error {
		attempts++
		return errBoom
	})
	isErr(t, err, errBoom)
	deepEqual(t, attempts, 1)
	deepEqual(t, IsRetryable(err), false)

	attempts = 0
	err = TxRunner{DB: db}.Run(context.Background(), func(tx *Tx) error {
		attempts++
		_, _, err := parts.PutEntity(tx, Part{"P1", "Nut", "Red", 12, "Atlantis"})
		return err
	})
	isErr(t, err, ErrIntegrityConstraint)
	deepEqual(t, attempts, 1)
}

func TestTxRunner_GivesUp(t *testing.T) {
	db := setup(t, shipSchema)

	var attempts int
	err := TxRunner{DB: db, MaxRetries: 2}.Run(context.Background(), func(tx *Tx) error {
		attempts++
		return ErrLockConflict
	})
	isErr(t, err, ErrLockConflict)
	deepEqual(t, attempts, 3)
}

func TestTxRunner_Backoff(t *testing.T) {
	r := TxRunner{Backoff: 10 * time.Millisecond}
	for attempt, limit := range []time.Duration{10, 20, 40, 80, 160, 200, 200} {
		limit *= time.Millisecond
		for range 20 {
			if d := r.pause(attempt); d < limit/2 || d >= limit {
				t.Fatalf("** pause(%d) = %v, wanted [%v, %v)", attempt, d, limit/2, limit)
			}
		}
	}
	deepEqual(t, TxRunner{Backoff: -1}.pause(3), time.Duration(0))
}

func TestTxRunner_StopsWhenContextEndsDuringBackoff(t *testing.T) {
	db := setup(t, shipSchema)
	ctx, cancel := context.WithCancel(context.Background())

	var attempts int
	err := TxRunner{DB: db, Backoff: time.Second}.Run(ctx, func(tx *Tx) error {
		attempts++
		time.AfterFunc(10*time.Millisecond, cancel)
		return ErrLockConflict
	})
	isErr(t, err, ErrLockConflict)
	deepEqual(t, attempts, 1)
}

func TestLockConflict(t *testing.T) {
	db := setupWith(t, shipSchema, Options{IsTesting: true, LockTimeout: 50 * time.Millisecond})

	holder := db.BeginUpdate()
	start := time.Now()
	_, err := db.Begin(context.Background(), true)
	isErr(t, err, ErrLockConflict)
	deepEqual(t, IsRetryable(err), true)
	if d := time.Since(start); d < 40*time.Millisecond {
		t.Errorf("** gave up after %v, wanted about 50ms", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = db.Begin(ctx, true)
	isErr(t, err, ErrLockConflict)
	isErr(t, err, context.Canceled)

	// readers are never blocked by the writer
	db.Read(func(tx *Tx) {
		isempty(t, must(cities.Keys(tx, FullScan())))
	})
	holder.Close()

	var buf bytes.Buffer
	db.WriteMetrics(&buf)
	if !strings.Contains(buf.String(), "estore_lock_conflicts_total 2\n") {
		t.Errorf("** metrics lack the conflicts:\n%s", buf.String())
	}
}

func TestTxRunner_WaitsOutHolder(t *testing.T) {
	db := setupWith(t, shipSchema, Options{IsTesting: true, LockTimeout: 50 * time.Millisecond})

	holder := db.BeginUpdate()
	must2(cities.Put(holder, "Oslo", City{"Norway"}))

	done := make(chan error, 1)
	go func() {
		done <- TxRunner{DB: db}.Run(context.Background(), func(tx *Tx) error {
			_, _, err := parts.PutEntity(tx, Part{"P1", "Nut", "Red", 12, "Oslo"})
			return err
		})
	}()

	time.Sleep(80 * time.Millisecond)
	ensure(holder.Commit())
	holder.Close()

	select {
	case err := <-done:
		ensure(err)
	case <-time.After(5 * time.Second):
		t.Fatalf("** runner did not finish")
	}
	db.Read(func(tx *Tx) {
		deepEqual(t, must(parts.Exists(tx, "P1")), true)
	})
}

func TestAppend_SequenceKeys(t *testing.T) {
	db := setup(t, shipSchema)
	seedShipments(t, db)

	db.Read(func(tx *Tx) {
		deepEqual(t, must(deliveries.Keys(tx, FullScan())), []uint64{1, 2, 3})
	})

	// a rolled-back Append gives its key back
	tx := db.BeginUpdate()
	deepEqual(t, must(deliveries.Append(tx, Delivery{ShipmentKey{"P3", "S1"}, ""})), uint64(4))
	tx.Close()

	db.Write(func(tx *Tx) {
		must2(deliveries.Put(tx, 5, Delivery{ShipmentKey{"P3", "S1"}, "manual"}))
		deepEqual(t, must(deliveries.Append(tx, Delivery{ShipmentKey{"P3", "S1"}, ""})), uint64(4))

		_, err := deliveries.Append(tx, Delivery{ShipmentKey{"P3", "S1"}, ""})
		isErr(t, err, ErrIntegrityConstraint)

		// the collision consumed 5 and did not poison the transaction
		deepEqual(t, must(deliveries.Append(tx, Delivery{ShipmentKey{"P3", "S1"}, ""})), uint64(6))
	})

	db.Write(func(tx *Tx) {
		_, err := deliveries.Append(tx, Delivery{ShipmentKey{"P9", "S9"}, ""})
		isErr(t, err, ErrIntegrityConstraint)

		assertPanics(t, func() {
			cities.Append(tx, City{"Nowhere"})
		})
	})
}

func TestAppend_UUIDKeys(t *testing.T) {
	scm := NewSchema()
	events := AddStore[uuid.UUID, string](scm, "events", NewTupleBinding[uuid.UUID, string](), UUIDKeys())
	db := setup(t, scm)

	var ids []uuid.UUID
	db.Write(func(tx *Tx) {
		for _, s := range []string{"created", "shipped", "delivered"} {
			ids = append(ids, must(events.Append(tx, s)))
		}
	})

	db.Read(func(tx *Tx) {
		deepEqual(t, must(events.Count(tx)), 3)
		for i, id := range ids {
			deepEqual(t, id.Version(), uuid.Version(4))
			v, ok := events.MustGet(tx, id)
			deepEqual(t, ok, true)
			deepEqual(t, v, []string{"created", "shipped", "delivered"}[i])
		}
	})
}
