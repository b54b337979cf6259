package estore

import (
	"fmt"
)

type (
	// Change describes one put or delete of a primary record, including the
	// ones performed by foreign key propagation.
	Change struct {
		store    *storeCore
		op       Op
		cause    Cause
		rawKey   []byte
		key      any
		value    any
		oldValue any
	}

	Op int

	// Cause tells whether a change was requested directly or performed by
	// a foreign key delete action.
	Cause int
)

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

const (
	CauseDirect Cause = iota
	CauseCascade
	CauseNullify
)

func (chg *Change) Store() string {
	return chg.store.name
}
func (chg *Change) Op() Op {
	return chg.op
}
func (chg *Change) Cause() Cause {
	return chg.cause
}
func (chg *Change) RawKey() []byte {
	return chg.rawKey
}
func (chg *Change) Key() any {
	return chg.key
}

// Value is the new record for OpPut and nil for OpDelete.
func (chg *Change) Value() any {
	return chg.value
}
func (chg *Change) HasOldValue() bool {
	return chg.oldValue != nil
}
func (chg *Change) OldValue() any {
	return chg.oldValue
}

func (chg *Change) String() string {
	return fmt.Sprintf("%s %s/%v (%s)", chg.op, chg.store.name, chg.key, chg.cause)
}

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

func (v Cause) String() string {
	switch v {
	case CauseDirect:
		return "direct"
	case CauseCascade:
		return "cascade"
	case CauseNullify:
		return "nullify"
	default:
		return fmt.Sprintf("invalid cause %d", int(v))
	}
}
