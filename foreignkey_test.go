package estore

import (
	"testing"
)

type chainLink struct {
	Parent string
}

type chainFixture struct {
	as  *Store[string, string]
	bs  *Store[string, chainLink]
	cs  *Store[string, chainLink]
	byA *Index[string, chainLink, string]
	byB *Index[string, chainLink, string]
	scm *Schema
}

// newChain builds a -> b (cascade) and b -> c (abort): deleting an a
// deletes its bs unless some c still references one of them.
func newChain() *chainFixture {
	f := &chainFixture{scm: NewSchema()}
	parent := ExtractorFuncs[string, chainLink, string]{
		Extract: func(_ string, l chainLink) (string, bool) { return l.Parent, l.Parent != "" },
	}
	f.as = AddStore[string, string](f.scm, "a", NewTupleBinding[string, string]())
	f.bs = AddStore[string, chainLink](f.scm, "b", NewTupleBinding[string, chainLink]())
	f.cs = AddStore[string, chainLink](f.scm, "c", NewTupleBinding[string, chainLink]())
	f.byA = AddForeignKeyIndex(f.bs, "by_a", f.as, parent, Cascade)
	f.byB = AddForeignKeyIndex(f.cs, "by_b", f.bs, parent, Abort)
	return f
}

func (f *chainFixture) seed(t testing.TB, db *DB, referencedB string) {
	t.Helper()
	db.Write(func(tx *Tx) {
		must2(f.as.Put(tx, "a1", "first"))
		must2(f.bs.Put(tx, "b0", chainLink{"a1"}))
		must2(f.bs.Put(tx, "b1", chainLink{"a1"}))
		must2(f.cs.Put(tx, "c1", chainLink{referencedB}))
	})
}

func (f *chainFixture) checkIntact(t testing.TB, db *DB) {
	t.Helper()
	db.Read(func(tx *Tx) {
		deepEqual(t, must(f.as.Exists(tx, "a1")), true)
		deepEqual(t, must(f.bs.Keys(tx, FullScan())), []string{"b0", "b1"})
		deepEqual(t, must(f.byA.LookupPrimaryKeys(tx, "a1")), []string{"b0", "b1"})
		deepEqual(t, must(f.cs.Count(tx)), 1)
	})
}

func TestForeignKey_CascadeFailingMidwayRollsBack(t *testing.T) {
	f := newChain()
	db := setup(t, f.scm)
	f.seed(t, db, "b1")

	tx := db.BeginUpdate()
	ok, err := f.as.Delete(tx, "a1")
	isErr(t, err, ErrIntegrityConstraint)
	deepEqual(t, ok, false)
	if tx.Err() == nil {
		t.Errorf("** tx not poisoned after b0 was deleted")
	}

	_, _, err = f.as.Put(tx, "a2", "second")
	isErr(t, err, ErrTxPoisoned)
	isErr(t, tx.Commit(), ErrTxPoisoned)
	tx.Close()

	f.checkIntact(t, db)
}

func TestForeignKey_CascadeRefusedBeforeWriting(t *testing.T) {
	f := newChain()
	db := setup(t, f.scm)
	f.seed(t, db, "b0")

	db.Write(func(tx *Tx) {
		ok, err := f.as.Delete(tx, "a1")
		isErr(t, err, ErrIntegrityConstraint)
		deepEqual(t, ok, false)
		deepEqual(t, tx.Err(), nil)

		must2(f.as.Put(tx, "a2", "second"))
	})

	f.checkIntact(t, db)
	db.Read(func(tx *Tx) {
		deepEqual(t, must(f.as.Exists(tx, "a2")), true)
	})
}

func TestForeignKey_PlainIndexHasNoAction(t *testing.T) {
	_, ok := partsByColor.DeleteAction()
	deepEqual(t, ok, false)
	deepEqual(t, partsByColor.Target(), "")

	action, ok := shipmentsByPart.DeleteAction()
	deepEqual(t, ok, true)
	deepEqual(t, action, Cascade)
	deepEqual(t, shipmentsByPart.Target(), "parts")
}
