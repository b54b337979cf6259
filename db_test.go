package estore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

type (
	City struct {
		Country string
	}

	Part struct {
		Number string  `msgpack:"-"`
		Name   string  `msgpack:"name"`
		Color  string  `msgpack:"color"`
		Weight float64 `msgpack:"weight"`
		City   string  `msgpack:"city"`
	}

	Supplier struct {
		Name          string `msgpack:"name"`
		Status        int    `msgpack:"status"`
		City          string `msgpack:"city"`
		PreferredPart string `msgpack:"pref,omitempty"`
	}

	ShipmentKey struct {
		PartNumber     string
		SupplierNumber string
	}
	Shipment struct {
		Quantity int
	}

	Delivery struct {
		Shipment ShipmentKey
		Note     string
	}
)

var (
	shipSchema  = NewSchema()
	shipCatalog = NewClassCatalog(shipSchema, "catalog")

	cities     = AddStore[string, City](shipSchema, "cities", NewTupleBinding[string, City]())
	parts      = AddStore[string, Part](shipSchema, "parts", NewMarshalledBinding[string, Part]())
	suppliers  = AddStore[string, Supplier](shipSchema, "suppliers", NewSerialBinding[string, Supplier](shipCatalog))
	shipments  = AddStore[ShipmentKey, Shipment](shipSchema, "shipments", NewTupleBinding[ShipmentKey, Shipment]())
	deliveries = AddStore[uint64, Delivery](shipSchema, "deliveries", NewTupleBinding[uint64, Delivery](), SequenceKeys[uint64]())

	partsByCity = AddForeignKeyIndex(parts, "by_city", cities, ExtractorFuncs[string, Part, string]{
		Extract: func(_ string, p Part) (string, bool) { return p.City, p.City != "" },
	}, Abort)
	partsByColor = AddIndex[string, Part, string](parts, "by_color", nil, ExtractorFuncs[string, Part, string]{
		Extract: func(_ string, p Part) (string, bool) { return p.Color, p.Color != "" },
	})
	suppliersByName = AddIndex[string, Supplier, string](suppliers, "by_name", nil, ExtractorFuncs[string, Supplier, string]{
		Extract: func(_ string, s Supplier) (string, bool) { return s.Name, true },
	}, Unique())
	suppliersByPreferredPart = AddForeignKeyIndex(suppliers, "by_preferred_part", parts, ExtractorFuncs[string, Supplier, string]{
		Extract: func(_ string, s Supplier) (string, bool) { return s.PreferredPart, s.PreferredPart != "" },
		Clear: func(s Supplier) Supplier {
			s.PreferredPart = ""
			return s
		},
	}, Nullify)
	shipmentsByPart = AddForeignKeyIndex(shipments, "by_part", parts, ExtractorFuncs[ShipmentKey, Shipment, string]{
		Extract: func(k ShipmentKey, _ Shipment) (string, bool) { return k.PartNumber, true },
	}, Cascade)
	shipmentsBySupplier = AddForeignKeyIndex(shipments, "by_supplier", suppliers, ExtractorFuncs[ShipmentKey, Shipment, string]{
		Extract: func(k ShipmentKey, _ Shipment) (string, bool) { return k.SupplierNumber, true },
	}, Cascade)
	deliveriesByShipment = AddForeignKeyIndex(deliveries, "by_shipment", shipments, ExtractorFuncs[uint64, Delivery, ShipmentKey]{
		Extract: func(_ uint64, d Delivery) (ShipmentKey, bool) { return d.Shipment, true },
	}, Cascade)
)

var (
	testCities = map[string]City{
		"Athens": {"Greece"},
		"London": {"UK"},
		"Oslo":   {"Norway"},
		"Paris":  {"France"},
		"Rome":   {"Italy"},
	}
	testParts = []Part{
		{"P1", "Nut", "Red", 12.0, "London"},
		{"P2", "Bolt", "Green", 17.0, "Paris"},
		{"P3", "Screw", "Blue", 17.0, "Rome"},
		{"P4", "Screw", "Red", 14.0, "London"},
		{"P5", "Cam", "Blue", 12.0, "Paris"},
		{"P6", "Cog", "Red", 19.0, "London"},
	}
	testSuppliers = map[string]Supplier{
		"S1": {"Smith", 20, "London", ""},
		"S2": {"Jones", 10, "Paris", "P3"},
		"S3": {"Blake", 30, "Paris", "P3"},
		"S4": {"Clark", 20, "London", "P1"},
		"S5": {"Adams", 30, "Athens", ""},
	}
	testShipments = map[ShipmentKey]Shipment{
		{"P1", "S1"}: {300},
		{"P2", "S1"}: {200},
		{"P3", "S1"}: {400},
		{"P4", "S1"}: {200},
		{"P5", "S1"}: {100},
		{"P6", "S1"}: {100},
		{"P1", "S2"}: {300},
		{"P2", "S2"}: {400},
		{"P2", "S3"}: {200},
		{"P2", "S4"}: {200},
		{"P4", "S4"}: {300},
		{"P5", "S4"}: {400},
	}
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func TestDB(t *testing.T) {
	db := setup(t, shipSchema)
	seedCities(t, db)

	p1 := Part{"P1", "Nut", "Red", 12.0, "London"}
	db.Write(func(tx *Tx) {
		_, existed := must2(parts.PutEntity(tx, p1))
		deepEqual(t, existed, false)
	})

	db.Read(func(tx *Tx) {
		p, ok := parts.MustGet(tx, "P1")
		deepEqual(t, ok, true)
		deepEqual(t, p, p1)

		_, ok = parts.MustGet(tx, "P2")
		deepEqual(t, ok, false)

		deepEqual(t, must(partsByColor.LookupPrimaryKeys(tx, "Red")), []string{"P1"})
		deepEqual(t, must(partsByCity.LookupPrimaryKeys(tx, "London")), []string{"P1"})
		isempty(t, must(partsByColor.LookupPrimaryKeys(tx, "Re")))
		isempty(t, must(partsByColor.LookupPrimaryKeys(tx, "Redd")))
		isempty(t, must(partsByColor.LookupPrimaryKeys(tx, "")))
	})

	db.Write(func(tx *Tx) {
		p2 := p1
		p2.Color = "Green"
		old, existed := must2(parts.Put(tx, "P1", p2))
		deepEqual(t, existed, true)
		deepEqual(t, old, p1)

		isempty(t, must(partsByColor.LookupPrimaryKeys(tx, "Red")))
		deepEqual(t, must(partsByColor.LookupPrimaryKeys(tx, "Green")), []string{"P1"})
	})

	db.Write(func(tx *Tx) {
		deepEqual(t, must(parts.Delete(tx, "P1")), true)
		deepEqual(t, must(parts.Delete(tx, "P1")), false)
		isempty(t, must(partsByColor.LookupPrimaryKeys(tx, "Green")))
		deepEqual(t, must(parts.Count(tx)), 0)
	})
}

func TestDB_PutIfAbsent(t *testing.T) {
	db := setup(t, shipSchema)
	db.Write(func(tx *Tx) {
		_, existed := must2(cities.PutIfAbsent(tx, "Rome", City{"Italy"}))
		deepEqual(t, existed, false)

		cur, existed := must2(cities.PutIfAbsent(tx, "Rome", City{"Vatican"}))
		deepEqual(t, existed, true)
		deepEqual(t, cur, City{"Italy"})
	})
	db.Read(func(tx *Tx) {
		c, _ := cities.MustGet(tx, "Rome")
		deepEqual(t, c, City{"Italy"})
	})
}

func TestDB_OversizedKeys(t *testing.T) {
	for _, inMemory := range []bool{false, true} {
		t.Run(fmt.Sprintf("inMemory=%v", inMemory), func(t *testing.T) {
			var path string
			if !inMemory {
				path = filepath.Join(t.TempDir(), "big.db")
			}
			db := must(Open(path, shipSchema, Options{IsTesting: true, InMemory: inMemory}))
			t.Cleanup(func() {
				db.Close()
			})
			seedCities(t, db)
			huge := strings.Repeat("k", 40000)

			db.Write(func(tx *Tx) {
				_, _, err := cities.Put(tx, huge, City{"Nowhere"})
				isErr(t, err, ErrKeyRange)
				deepEqual(t, tx.Err(), nil)

				// a secondary key too large for its index entry
				_, _, err = parts.PutEntity(tx, Part{"P1", "Nut", huge, 12, "London"})
				isErr(t, err, ErrKeyRange)
				_, _, err = suppliers.Put(tx, "S1", Supplier{Name: huge})
				isErr(t, err, ErrKeyRange)
				deepEqual(t, tx.Err(), nil)

				must2(cities.Put(tx, "Madrid", City{"Spain"}))
				must2(parts.PutEntity(tx, Part{"P1", "Nut", "Red", 12, "Madrid"}))
			})

			db.Read(func(tx *Tx) {
				deepEqual(t, must(cities.Exists(tx, huge)), false)
				deepEqual(t, must(cities.Exists(tx, "Madrid")), true)
				deepEqual(t, must(partsByColor.LookupPrimaryKeys(tx, "Red")), []string{"P1"})
				deepEqual(t, must(suppliers.Count(tx)), 0)
			})
		})
	}
}

func TestDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	db := must(Open(path, shipSchema, Options{IsTesting: true}))
	seedShipments(t, db)
	ensure(db.Close())

	db = must(Open(path, shipSchema, Options{IsTesting: true}))
	defer db.Close()
	db.Read(func(tx *Tx) {
		deepEqual(t, must(parts.Count(tx)), len(testParts))
		deepEqual(t, must(shipments.Count(tx)), len(testShipments))
		s, ok := suppliers.MustGet(tx, "S3")
		deepEqual(t, ok, true)
		deepEqual(t, s, testSuppliers["S3"])
		deepEqual(t, must(shipmentsBySupplier.LookupPrimaryKeys(tx, "S4")), []ShipmentKey{{"P2", "S4"}, {"P4", "S4"}, {"P5", "S4"}})
	})
}

func TestDB_ReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	db := must(Open(path, shipSchema, Options{IsTesting: true}))
	seedCities(t, db)
	ensure(db.Close())

	db = must(Open(path, shipSchema, Options{IsTesting: true, ReadOnly: true}))
	defer db.Close()

	db.Read(func(tx *Tx) {
		c, ok := cities.MustGet(tx, "Oslo")
		deepEqual(t, ok, true)
		deepEqual(t, c, City{"Norway"})
	})

	_, err := db.Begin(context.Background(), true)
	if !errors.Is(err, ErrTxNotWritable) {
		t.Fatalf("Begin(writable) on read-only db = %v, wanted ErrTxNotWritable", err)
	}
}

func TestDB_NoCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(path, shipSchema, Options{IsTesting: true, NoCreate: true})
	if err == nil {
		t.Fatalf("Open with NoCreate on a missing file succeeded")
	}
	var sf *StorageFault
	if !errors.As(err, &sf) {
		t.Fatalf("Open err = %T %v, wanted *StorageFault", err, err)
	}
}

func TestDB_DescribeOpenTxns(t *testing.T) {
	db := setup(t, shipSchema)
	deepEqual(t, db.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")

	tx := db.BeginRead()
	s := db.DescribeOpenTxns()
	if !strings.HasPrefix(s, "1 OPEN TRANSACTIONS:") {
		t.Fatalf("DescribeOpenTxns = %q, wanted 1 open transaction", s)
	}
	tx.Close()
	deepEqual(t, db.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")
}

func setup(t testing.TB, schema *Schema) *DB {
	t.Helper()
	return setupWith(t, schema, Options{IsTesting: true})
}

// setupWith opens a bolt database in a temporary directory, or an in-memory
// one with -short.
func setupWith(t testing.TB, schema *Schema, opt Options) *DB {
	t.Helper()
	var path string
	if testing.Short() {
		opt.InMemory = true
	} else {
		path = filepath.Join(t.TempDir(), "test.db")
		t.Logf("DB: %s", path)
	}
	db := must(Open(path, schema, opt))
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func seedCities(t testing.TB, db *DB) {
	t.Helper()
	db.Write(func(tx *Tx) {
		for name, c := range testCities {
			must2(cities.Put(tx, name, c))
		}
	})
}

// seedShipments loads the parts, suppliers and shipments sample data, plus
// two deliveries of shipment P1/S1 and one of P2/S2.
func seedShipments(t testing.TB, db *DB) {
	t.Helper()
	seedCities(t, db)
	db.Write(func(tx *Tx) {
		for _, p := range testParts {
			must2(parts.PutEntity(tx, p))
		}
		for num, s := range testSuppliers {
			must2(suppliers.Put(tx, num, s))
		}
		for k, s := range testShipments {
			must2(shipments.Put(tx, k, s))
		}
		must(deliveries.Append(tx, Delivery{ShipmentKey{"P1", "S1"}, "morning"}))
		must(deliveries.Append(tx, Delivery{ShipmentKey{"P1", "S1"}, "evening"}))
		must(deliveries.Append(tx, Delivery{ShipmentKey{"P2", "S2"}, ""}))
	})
}

func must2[A, B any](a A, b B, err error) (A, B) {
	if err != nil {
		panic(err)
	}
	return a, b
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isErr(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Errorf("** got error %v, wanted %v", err, target)
	}
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}

func assertPanics(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	fn()
}
