package ixdb

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the contents of every table in a human-readable form, for tests
// and debugging.
func (db *DB) Dump(f DumpFlags) (string, error) {
	var buf strings.Builder
	err := db.View(func(tx *Tx) error {
		for _, name := range tx.tableNames() {
			tbl, err := db.table(tx, name)
			if err != nil {
				return err
			}
			tbl.dump(tx, &buf, f)
		}
		return nil
	})
	return buf.String(), err
}

// Dump renders the table alone; see DB.Dump.
func (tbl *Table) Dump(tx *Tx, f DumpFlags) (string, error) {
	var buf strings.Builder
	err := tbl.db.view(tx, func(tx *Tx) error {
		tbl.dump(tx, &buf, f)
		return nil
	})
	return buf.String(), err
}

func (tbl *Table) dump(tx *Tx, w *strings.Builder, f DumpFlags) {
	prefix := tbl.name
	s := tbl.stats(tx)
	count, countErr := readCount(tx, tbl.name)

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, count)
		if countErr != nil {
			fmt.Fprintf(w, "%s ** COUNT ERROR: %v\n", prefix, countErr)
		}
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: rows = %d, index_rows = %d, data_size = %d, data_alloc = %d, index_size = %d, index_alloc = %d, total_alloc = %d\n", prefix, s.Rows, s.IndexRows, s.DataSize, s.DataAlloc, s.IndexSize, s.IndexAlloc, s.TotalAlloc())
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		if b := tbl.bucket(tx); b != nil {
			c := b.Cursor()
			var rowPos int
			for k, v := c.First(); k != nil; k, v = c.Next() {
				rowPos++
				dumpRow(w, prefix, rowPos, k, v)
			}
		}
	}

	if f.Contains(DumpIndices) {
		for _, idx := range tbl.Indexes() {
			dumpIndex(tx, w, prefix, f, idx)
		}
		for _, name := range tbl.DetachedIndexes() {
			fmt.Fprintln(w, dumpSep2)
			fmt.Fprintf(w, "%s.i.%s DETACHED\n", prefix, name)
		}
	}
}

func dumpRow(w *strings.Builder, prefix string, rowPos int, k, v []byte) {
	key, err := decodePrimaryKey(k)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", prefix, rowPos, err)
		return
	}
	rec, err := decodeRecord(key, v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = %v ** ERROR: %v\n", prefix, rowPos, key, err)
		return
	}
	fmt.Fprintf(w, "%s.%d = %s\n", prefix, rowPos, loggableRecord(rec))
}

func dumpIndex(tx *Tx, w *strings.Builder, prefix string, f DumpFlags, idx *Index) {
	fmt.Fprintln(w, dumpSep2)
	prefix = prefix + ".i." + idx.name
	var dups string
	if idx.dups {
		dups = " DUPS"
	}
	fmt.Fprintf(w, "%s (%v)%s\n", prefix, idx.deriv, dups)

	if !f.Contains(DumpIndexRows) {
		return
	}
	ic, err := idx.cursor(tx)
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		return
	}
	var rowPos int
	for ok := ic.first(); ok; ok = ic.next() {
		rowPos++
		derived, key, err := ic.entry()
		if err != nil {
			fmt.Fprintf(w, "%s.%d: ** ERROR: %v\n", prefix, rowPos, err)
			continue
		}
		fmt.Fprintf(w, "%s.%d: %q => %v\n", prefix, rowPos, derived, key)
	}
}
