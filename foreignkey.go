package estore

import "fmt"

// DeleteAction is what happens to referencing records when the record they
// reference through a foreign key index is deleted.
type DeleteAction int

const (
	// Abort fails the delete while any record references the target.
	Abort DeleteAction = iota
	// Cascade deletes the referencing records, recursively.
	Cascade
	// Nullify clears the reference with KeyClearer and rewrites the record.
	Nullify
)

func (a DeleteAction) String() string {
	switch a {
	case Abort:
		return "abort"
	case Cascade:
		return "cascade"
	case Nullify:
		return "nullify"
	default:
		return fmt.Sprintf("invalid action %d", int(a))
	}
}

type foreignKey struct {
	target *storeCore
	action DeleteAction
	clear  func(value any) any
}

// AddForeignKeyIndex defines an index on store whose secondary keys are
// primary keys of target. A put that references a missing target record
// fails with ErrIntegrityConstraint; deleting a referenced target record
// applies action to every referencing record.
//
// Nullify requires extractor to implement KeyClearer[V].
func AddForeignKeyIndex[K, V, TK, TV any](store *Store[K, V], name string, target *Store[TK, TV], extractor KeyExtractor[K, V, TK], action DeleteAction, opts ...any) *Index[K, V, TK] {
	if target == nil {
		panic(fmt.Errorf("foreign key %s.%s: nil target store", store.Name(), name))
	}
	if target.core.schema != store.core.schema {
		panic(fmt.Errorf("foreign key %s.%s: target %s belongs to another schema", store.Name(), name, target.Name()))
	}
	fk := &foreignKey{
		target: target.core,
		action: action,
	}
	switch action {
	case Abort, Cascade:
	case Nullify:
		clr, ok := clearerOf(extractor)
		if !ok {
			panic(fmt.Errorf("foreign key %s.%s: Nullify requires an extractor implementing KeyClearer", store.Name(), name))
		}
		fk.clear = func(value any) any {
			return clr.ClearSecondaryKey(value.(V))
		}
	default:
		panic(fmt.Errorf("foreign key %s.%s: %v", store.Name(), name, action))
	}
	return addIndex[K, V, TK](store, name, target.binding, extractor, fk, opts)
}

// Target returns the name of the store referenced by a foreign key index,
// or "" for a plain index.
func (idx *Index[K, V, SK]) Target() string {
	if idx.core.fk == nil {
		return ""
	}
	return idx.core.fk.target.name
}

// DeleteAction returns what deleting a referenced target record does to
// the records of a foreign key index. ok is false for a plain index.
func (idx *Index[K, V, SK]) DeleteAction() (action DeleteAction, ok bool) {
	if idx.core.fk == nil {
		return 0, false
	}
	return idx.core.fk.action, true
}
