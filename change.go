package ixdb

import (
	"fmt"
)

type (
	// Change describes one record mutation made by a transaction.
	Change struct {
		table  *Table
		op     Op
		key    Key
		rec    Record
		oldRec Record
	}

	ChangeFlags uint64

	Op int

	changeHandler struct {
		tables map[*Table]ChangeFlags
		f      func(tx *Tx, chg *Change)
	}
)

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

const (
	ChangeFlagNotify ChangeFlags = 1 << iota
	ChangeFlagIncludeKey
	ChangeFlagIncludeRow
	ChangeFlagIncludeOldRow
)

func (chg *Change) Table() *Table      { return chg.table }
func (chg *Change) Op() Op             { return chg.op }
func (chg *Change) HasKey() bool       { return chg.key != Key{} }
func (chg *Change) Key() Key           { return chg.key }
func (chg *Change) HasRecord() bool    { return chg.rec != nil }
func (chg *Change) Record() Record     { return chg.rec }
func (chg *Change) HasOldRecord() bool { return chg.oldRec != nil }
func (chg *Change) OldRecord() Record  { return chg.oldRec }

func (chg *Change) String() string {
	return fmt.Sprintf("%s %s/%v", chg.op, chg.table.name, chg.key)
}

func (v ChangeFlags) Contains(f ChangeFlags) bool {
	return (v & f) == f
}
func (v ChangeFlags) ContainsAny(f ChangeFlags) bool {
	return (v & f) != 0
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

// OnChange registers f to be called synchronously after each mutation of the
// given tables within this transaction. The flags of each table select which
// parts of the Change are filled in; tables without ChangeFlagNotify are
// ignored. For Delete, Record is the deleted record.
func (tx *Tx) OnChange(tables map[*Table]ChangeFlags, f func(tx *Tx, chg *Change)) {
	tx.changeHandlers = append(tx.changeHandlers, &changeHandler{tables, f})
}

func (tx *Tx) notifyChange(tbl *Table, op Op, key Key, rec, oldRec Record) {
	for _, h := range tx.changeHandlers {
		flags := h.tables[tbl]
		if !flags.Contains(ChangeFlagNotify) {
			continue
		}
		chg := &Change{table: tbl, op: op}
		if flags.Contains(ChangeFlagIncludeKey) {
			chg.key = key
		}
		if flags.Contains(ChangeFlagIncludeRow) {
			chg.rec = rec
		}
		if flags.Contains(ChangeFlagIncludeOldRow) {
			chg.oldRec = oldRec
		}
		h.f(tx, chg)
	}
}
