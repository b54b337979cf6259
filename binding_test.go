package estore

import (
	"bytes"
	"encoding/binary"
	"slices"
	"testing"
)

type jsonPart struct {
	Number string `json:"-"`
	Name   string `json:"name"`
	Weight int    `json:"weight,omitempty"`
}

type taggedPart struct {
	Name string `msgpack:"name"`
	Code int    `estore:"key" msgpack:"-"`
}

type untaggedPart struct {
	Number string
	Name   string
}

func TestTupleBinding_RoundTrip(t *testing.T) {
	b := NewTupleBinding[ShipmentKey, Shipment]()
	k, v := ShipmentKey{"P1", "S\x00\x01"}, Shipment{-300}

	keyRaw, valueRaw := must2(b.ObjectToEntry(nil, k, v))
	deepEqual(t, keyRaw, x("5031 0001 53 00ff 01 0001"))

	k2, v2, err := b.EntryToObject(nil, keyRaw, valueRaw)
	ensure(err)
	deepEqual(t, k2, k)
	deepEqual(t, v2, v)

	_, _, err = b.EntryToObject(nil, keyRaw, x("00"))
	if err == nil {
		t.Errorf("** decoding a truncated value succeeded")
	}
}

func TestTupleKeys_Order(t *testing.T) {
	floats := TupleKeys[float64]()
	values := []float64{-1e9, -2.5, -0.0, 0.5, 1, 3e10}
	var encoded [][]byte
	for _, f := range values {
		encoded = append(encoded, must(floats.EncodeKey(nil, f)))
	}
	if !slices.IsSortedFunc(encoded, bytes.Compare) {
		t.Errorf("** float keys do not sort numerically: %x", encoded)
	}
	for i, raw := range encoded {
		deepEqual(t, must(floats.DecodeKey(nil, raw)), values[i])
	}

	ints := TupleKeys[int]()
	deepEqual(t, bytes.Compare(must(ints.EncodeKey(nil, -1)), must(ints.EncodeKey(nil, 1))), -1)
	deepEqual(t, must(ints.EncodeKey(nil, 0x42)), x("80 00ff 00ff 00ff 00ff 00ff 00ff 42 0001"))

	strs := TupleKeys[string]()
	deepEqual(t, must(strs.EncodeKey(nil, "BA")), x("4241 0001"))
	deepEqual(t, bytes.Compare(must(strs.EncodeKey(nil, "a")), must(strs.EncodeKey(nil, "a\x00"))), -1)
	deepEqual(t, bytes.Compare(must(strs.EncodeKey(nil, "a\x00")), must(strs.EncodeKey(nil, "ab"))), -1)
}

func TestMarshalledBinding_MsgPack(t *testing.T) {
	b := NewMarshalledBinding[string, Part]()
	p := Part{"P1", "Nut", "Red", 12, "London"}
	deepEqual(t, b.MarshalPrimaryKey(p), "P1")

	keyRaw, valueRaw := must2(b.ObjectToEntry(nil, "P1", p))
	deepEqual(t, keyRaw, x("5031 0001"))
	if bytes.Contains(valueRaw, []byte("P1")) {
		t.Errorf("** key field is stored in the value: %x", valueRaw)
	}

	k, p2, err := b.EntryToObject(nil, keyRaw, valueRaw)
	ensure(err)
	deepEqual(t, k, "P1")
	deepEqual(t, p2, p)

	// a zero key field is accepted
	p.Number = ""
	keyRaw2, valueRaw2 := must2(b.ObjectToEntry(nil, "P1", p))
	deepEqual(t, keyRaw2, keyRaw)
	deepEqual(t, valueRaw2, valueRaw)

	_, _, err = b.ObjectToEntry(nil, "P2", Part{Number: "P1"})
	isErr(t, err, ErrKeyRange)
}

func TestMarshalledBinding_JSON(t *testing.T) {
	b := NewMarshalledBinding[string, jsonPart](JSON)
	keyRaw, valueRaw := must2(b.ObjectToEntry(nil, "P7", jsonPart{"P7", "Washer", 0}))
	deepEqual(t, string(valueRaw), `{"name":"Washer"}`)

	k, p, err := b.EntryToObject(nil, keyRaw, valueRaw)
	ensure(err)
	deepEqual(t, k, "P7")
	deepEqual(t, p, jsonPart{"P7", "Washer", 0})
}

func TestMarshalledBinding_KeyField(t *testing.T) {
	b := NewMarshalledBinding[int, taggedPart]()
	deepEqual(t, b.MarshalPrimaryKey(taggedPart{"Bolt", 17}), 17)
	deepEqual(t, b.UnmarshalPrimaryKey(taggedPart{Name: "Bolt"}, 18), taggedPart{"Bolt", 18})

	assertPanics(t, func() {
		NewMarshalledBinding[string, untaggedPart]()
	})
	assertPanics(t, func() {
		NewMarshalledBinding[int, Part]()
	})
	assertPanics(t, func() {
		// the JSON encoding needs json:"-" on the key
		NewMarshalledBinding[string, Part](JSON)
	})
}

func TestSerialBinding(t *testing.T) {
	db := setup(t, shipSchema)
	seedShipments(t, db)
	b := suppliers.Binding()

	db.Read(func(tx *Tx) {
		s := testSuppliers["S2"]
		keyRaw, valueRaw := must2(b.ObjectToEntry(tx, "S2", s))

		valueID, n := binary.Uvarint(valueRaw)
		if n <= 0 {
			t.Fatalf("** serial value lacks a class id: %x", valueRaw)
		}
		desc := must(shipCatalog.DescriptorFor(tx, valueID))
		deepEqual(t, desc.Name, "github.com/andreyvit/estore.Supplier")
		deepEqual(t, desc.String(), "github.com/andreyvit/estore.Supplier{name string, status int, city string, pref string}")

		k, s2, err := b.EntryToObject(tx, keyRaw, valueRaw)
		ensure(err)
		deepEqual(t, k, "S2")
		deepEqual(t, s2, s)

		// a value of another class is refused
		_, _, err = b.EntryToObject(tx, keyRaw, keyRaw)
		if err == nil {
			t.Errorf("** decoding a string as Supplier succeeded")
		}
	})
}

func TestPutEntityNeedsMarshalledBinding(t *testing.T) {
	db := setup(t, shipSchema)
	db.Write(func(tx *Tx) {
		assertPanics(t, func() {
			cities.PutEntity(tx, City{"Spain"})
		})
	})
}
