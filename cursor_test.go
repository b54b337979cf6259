package estore

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func partKeys(t testing.TB, tx *Tx, opt ScanOptions) []string {
	t.Helper()
	return must(parts.Keys(tx, opt))
}

func checkCursorsReleased(t testing.TB, db *DB) {
	t.Helper()
	deepEqual(t, db.cursorsReleased.Load(), db.cursorsOpened.Load())
	if db.mem != nil {
		deepEqual(t, db.mem.cursorsClosed.Load(), db.mem.cursorsOpened.Load())
	}
}

func TestCursor_Directions(t *testing.T) {
	db := setup(t, shipSchema)
	seedShipments(t, db)

	db.Read(func(tx *Tx) {
		deepEqual(t, partKeys(t, tx, FullScan()), []string{"P1", "P2", "P3", "P4", "P5", "P6"})
		deepEqual(t, partKeys(t, tx, FullScan().Reversed()), []string{"P6", "P5", "P4", "P3", "P2", "P1"})
		deepEqual(t, partKeys(t, tx, RangeScan("P2", "P4", true, true)), []string{"P2", "P3", "P4"})
		deepEqual(t, partKeys(t, tx, RangeScan("P2", "P4", false, false)), []string{"P3"})
		deepEqual(t, partKeys(t, tx, RangeScan("P2", "P4", true, false).Reversed()), []string{"P3", "P2"})
		deepEqual(t, partKeys(t, tx, RangeScan("P5", nil, false, false)), []string{"P6"})
		deepEqual(t, partKeys(t, tx, ExactScan("P3")), []string{"P3"})
		isempty(t, partKeys(t, tx, ExactScan("P")))

		c := must(parts.Cursor(tx, FullScan()))
		defer c.Close()
		deepEqual(t, c.Prev(), true)
		deepEqual(t, c.Key(), "P6")
		deepEqual(t, c.Prev(), true)
		deepEqual(t, c.Key(), "P5")
		deepEqual(t, c.Next(), true)
		deepEqual(t, c.Key(), "P6")
		deepEqual(t, c.First(), true)
		deepEqual(t, c.Key(), "P1")
		deepEqual(t, c.Value(), testParts[0])
		deepEqual(t, c.Last(), true)
		deepEqual(t, c.Key(), "P6")
		deepEqual(t, c.Next(), false)
		deepEqual(t, c.Err(), nil)
	})
	checkCursorsReleased(t, db)
}

func TestCursor_ExhaustedStaysExhausted(t *testing.T) {
	db := setup(t, shipSchema)
	seedShipments(t, db)

	db.Write(func(tx *Tx) {
		c := must(parts.Cursor(tx, FullScan()))
		defer c.Close()
		for c.Next() {
		}
		must2(parts.PutEntity(tx, Part{"P9", "Pin", "Grey", 1, "Oslo"}))
		deepEqual(t, c.Next(), false)
		deepEqual(t, c.Prev(), false)

		deepEqual(t, c.Last(), true)
		deepEqual(t, c.Key(), "P9")
	})
}

func TestCursor_SeesWritesAfterPosition(t *testing.T) {
	db := setup(t, shipSchema)
	seedShipments(t, db)

	db.Write(func(tx *Tx) {
		var visited []string
		err := parts.Scan(tx, FullScan(), func(c *Cursor[string, Part]) error {
			for c.Next() {
				visited = append(visited, c.Key())
				switch c.Key() {
				case "P2":
					must2(parts.PutEntity(tx, Part{"P2a", "Spring", "Grey", 2, "Paris"}))
					must2(parts.PutEntity(tx, Part{"P0", "Washer", "Grey", 1, "Paris"}))
				case "P3":
					ensure(c.Delete())
				case "P4":
					p := c.Value()
					p.Weight = 15
					ensure(c.Replace(p))
				}
			}
			return nil
		})
		ensure(err)
		deepEqual(t, visited, []string{"P1", "P2", "P2a", "P3", "P4", "P5", "P6"})

		p4, _ := parts.MustGet(tx, "P4")
		deepEqual(t, p4.Weight, 15.0)
		deepEqual(t, must(parts.Exists(tx, "P3")), false)
	})
	checkCursorsReleased(t, db)
}

func TestCursor_DeleteWhileScanningBackwards(t *testing.T) {
	db := setup(t, shipSchema)
	seedShipments(t, db)

	db.Write(func(tx *Tx) {
		var visited []string
		for e, err := range shipments.Entries(tx, FullScan().Reversed()) {
			ensure(err)
			visited = append(visited, e.Key.PartNumber+e.Key.SupplierNumber)
			if e.Key.SupplierNumber == "S4" {
				must(shipments.Delete(tx, e.Key))
			}
		}
		deepEqual(t, len(visited), len(testShipments))
		deepEqual(t, visited[0], "P6S1")
		deepEqual(t, visited[len(visited)-1], "P1S1")
		isempty(t, must(shipmentsBySupplier.LookupPrimaryKeys(tx, "S4")))
	})
}

func TestCursor_IndexReplaceMovesEntry(t *testing.T) {
	db := setup(t, shipSchema)
	seedShipments(t, db)

	db.Write(func(tx *Tx) {
		var visited []string
		err := partsByColor.Scan(tx, FullScan(), func(c *IndexCursor[string, Part, string]) error {
			for c.Next() {
				visited = append(visited, c.SecondaryKey()+":"+c.Key())
				if c.SecondaryKey() == "Red" {
					p := c.Value()
					p.Color = "Black"
					if err := c.Replace(p); err != nil {
						return err
					}
				}
			}
			return nil
		})
		ensure(err)
		deepEqual(t, visited, []string{"Blue:P3", "Blue:P5", "Green:P2", "Red:P1", "Red:P4", "Red:P6"})
		deepEqual(t, must(partsByColor.LookupPrimaryKeys(tx, "Black")), []string{"P1", "P4", "P6"})
		isempty(t, must(partsByColor.LookupPrimaryKeys(tx, "Red")))
	})
}

func TestCursor_ScanClosesOnError(t *testing.T) {
	db := setup(t, shipSchema)
	seedShipments(t, db)
	errStop := errors.New("stop")

	db.Read(func(tx *Tx) {
		var n int
		err := parts.Scan(tx, FullScan(), func(c *Cursor[string, Part]) error {
			for c.Next() {
				n++
				if n == 2 {
					return errStop
				}
			}
			return nil
		})
		isErr(t, err, errStop)
		deepEqual(t, n, 2)

		for e, err := range parts.Entries(tx, FullScan()) {
			ensure(err)
			if e.Key == "P3" {
				break
			}
		}

		assertPanics(t, func() {
			for range parts.Entries(tx, FullScan()) {
				panic("boom")
			}
		})
	})
	checkCursorsReleased(t, db)
}

func TestCursor_LeakIsReported(t *testing.T) {
	db := setup(t, shipSchema)
	seedShipments(t, db)

	tx := db.BeginRead()
	c := must(parts.Cursor(tx, FullScan()))
	deepEqual(t, c.Next(), true)

	var leak any
	func() {
		defer func() { leak = recover() }()
		tx.Close()
	}()
	if leak == nil {
		t.Fatalf("** leaked cursor was not reported")
	}
	if msg := fmt.Sprint(leak); !strings.Contains(msg, "cursor_test.go") {
		t.Errorf("** leak report does not point at the opener: %s", msg)
	}
	deepEqual(t, c.Next(), false)
	c.Close()
	checkCursorsReleased(t, db)

	var buf bytes.Buffer
	db.WriteMetrics(&buf)
	if !strings.Contains(buf.String(), "estore_cursor_leaks_total 1") {
		t.Errorf("** metrics lack the leak:\n%s", buf.String())
	}
}

func TestCursor_InMemoryEngineReleasesCursors(t *testing.T) {
	db := setupWith(t, shipSchema, Options{IsTesting: true, InMemory: true})
	seedShipments(t, db)

	db.Write(func(tx *Tx) {
		must(parts.Delete(tx, "P2"))
		for e, err := range shipmentsByPart.Entries(tx, FullScan()) {
			ensure(err)
			_ = e
		}
		must(Join(tx, partsByCity.Equal("London"), partsByColor.Equal("Red")))
		_ = tx.Dump(DumpAll)
	})
	if db.mem.cursorsOpened.Load() == 0 {
		t.Fatalf("** in-memory engine opened no cursors")
	}
	checkCursorsReleased(t, db)
}

func TestCursor_ClosedTx(t *testing.T) {
	db := setup(t, shipSchema)
	seedShipments(t, db)

	tx := db.BeginRead()
	tx.Close()
	_, err := parts.Cursor(tx, FullScan())
	isErr(t, err, ErrTxClosed)
	_, _, err = parts.Get(tx, "P1")
	isErr(t, err, ErrTxClosed)
	_, err = partsByColor.LookupPrimaryKeys(tx, "Red")
	isErr(t, err, ErrTxClosed)
}
