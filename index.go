package ixdb

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// Index is a secondary index of a table. Its entries map the key derived from
// each record to the record's primary key.
type Index struct {
	table       *Table
	name        string
	buck        string
	deriv       Derivation
	dups        bool
	fingerprint uint64
}

type IndexOption func(*indexConfig)

type indexConfig struct {
	dups bool
}

// AllowDuplicates lets several records share one derived key. Without it, a
// second record deriving an existing key fails with ErrDuplicateKey.
func AllowDuplicates() IndexOption {
	return func(cfg *indexConfig) {
		cfg.dups = true
	}
}

func newIndex(tbl *Table, name string, d Derivation, dups bool) *Index {
	return &Index{
		table:       tbl,
		name:        name,
		buck:        indexBucketName(tbl.name, name),
		deriv:       d,
		dups:        dups,
		fingerprint: d.fingerprint(),
	}
}

func (idx *Index) Table() *Table          { return idx.table }
func (idx *Index) Name() string           { return idx.name }
func (idx *Index) FullName() string       { return idx.table.name + "." + idx.name }
func (idx *Index) Derivation() Derivation { return idx.deriv }
func (idx *Index) Duplicates() bool       { return idx.dups }
func (idx *Index) String() string         { return idx.FullName() }

func (idx *Index) sameDefinition(o *Index) bool {
	return idx.fingerprint == o.fingerprint && idx.dups == o.dups
}

func (idx *Index) derive(rec Record) ([]byte, error) {
	b, err := idx.deriv.Derive(rec)
	if err != nil {
		var de *DerivationError
		if errors.As(err, &de) && de.Index == "" {
			de.Index = idx.FullName()
		}
		return nil, err
	}
	return b, nil
}

func (idx *Index) bucket(tx *Tx) (storageBucket, error) {
	b := tx.stx.Bucket(idx.buck)
	if b == nil {
		return nil, tableErrf(idx.table, idx, "", ErrIndexMissing, "no bucket %s", idx.buck)
	}
	return b, nil
}

func (idx *Index) put(tx *Tx, pk Key, derived []byte) error {
	b, err := idx.bucket(tx)
	if err != nil {
		return err
	}
	k, v := encodeIndexEntry(derived, pk, idx.dups)
	if !idx.dups {
		if old := b.Get(k); old != nil && !bytes.Equal(old, v) {
			return tableErrf(idx.table, idx, pk.String(), ErrDuplicateKey, "%q already indexed by %s", derived, pkString(old))
		}
	}
	if idx.table.db.verbose {
		idx.table.db.logf("db: INDEX.PUT %s %q => %v", idx.FullName(), derived, pk)
	}
	tx.markWritten()
	return b.Put(k, v)
}

// delete removes the record's entry. A nil derived key means the record has
// no entry in this index.
func (idx *Index) delete(tx *Tx, pk Key, derived []byte) error {
	if derived == nil {
		return nil
	}
	b, err := idx.bucket(tx)
	if err != nil {
		return err
	}
	k, v := encodeIndexEntry(derived, pk, idx.dups)
	if !idx.dups {
		// never remove an entry that points at another record
		if old := b.Get(k); old == nil || !bytes.Equal(old, v) {
			return nil
		}
	}
	if idx.table.db.verbose {
		idx.table.db.logf("db: INDEX.DEL %s %q => %v", idx.FullName(), derived, pk)
	}
	tx.markWritten()
	return b.Delete(k)
}

// save moves the record's entry from oldDerived to newDerived. Equal keys mean
// no index I/O at all; a nil oldDerived means there is no entry to move.
func (idx *Index) save(tx *Tx, pk Key, oldDerived, newDerived []byte) (bool, error) {
	if oldDerived != nil && bytes.Equal(oldDerived, newDerived) {
		return false, nil
	}
	err := idx.delete(tx, pk, oldDerived)
	if err != nil {
		return false, err
	}
	return true, idx.put(tx, pk, newDerived)
}

// reindex empties the index and rebuilds it from a scan of the table,
// returning the number of records indexed. Records the derivation cannot
// handle get no entry.
func (idx *Index) reindex(tx *Tx) (int, error) {
	tbl, db := idx.table, idx.table.db
	err := recreateBucket(tx, idx.buck)
	if err != nil {
		return 0, err
	}
	tb := tbl.bucket(tx)
	if tb == nil {
		return 0, nil
	}

	start := time.Now()
	var n, skipped int
	c := tb.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		pk, err := decodePrimaryKey(k)
		if err != nil {
			return n, tableErrf(tbl, idx, "", err, "reindex")
		}
		rec, err := decodeRecord(pk, v)
		if err != nil {
			return n, tableErrf(tbl, idx, pk.String(), err, "reindex")
		}
		derived, err := idx.derive(rec)
		if err != nil {
			var de *DerivationError
			if !errors.As(err, &de) {
				return n, tableErrf(tbl, idx, pk.String(), err, "reindex")
			}
			skipped++
			db.logger.Warn("ixdb: record not indexed", "index", idx.FullName(), "key", pk.String(), "err", err)
			continue
		}
		err = idx.put(tx, pk, derived)
		if err != nil {
			return n, err
		}
		n++
		if n%100000 == 0 {
			db.logger.Info("ixdb: re-indexing", "index", idx.FullName(), "done", n)
		}
	}
	if n > 0 || skipped > 0 {
		db.logger.Info("ixdb: re-indexed", "index", idx.FullName(), "rows", n, "skipped", skipped, "in", time.Since(start).String())
	}
	return n, nil
}

// EntryCount returns the number of entries in the index.
func (idx *Index) EntryCount(tx *Tx) (int, error) {
	var n int
	err := idx.table.db.view(tx, func(tx *Tx) error {
		b, err := idx.bucket(tx)
		if err != nil {
			return err
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func (idx *Index) cursor(tx *Tx) (*indexCursor, error) {
	b, err := idx.bucket(tx)
	if err != nil {
		return nil, err
	}
	return &indexCursor{idx: idx, c: b.Cursor()}, nil
}

// indexCursor walks the entries of one index.
type indexCursor struct {
	idx  *Index
	c    storageCursor
	k, v []byte
}

func (ic *indexCursor) first() bool {
	ic.k, ic.v = ic.c.First()
	return ic.k != nil
}

func (ic *indexCursor) next() bool {
	ic.k, ic.v = ic.c.Next()
	return ic.k != nil
}

// setKey positions the cursor at the first entry whose derived key equals
// derived.
func (ic *indexCursor) setKey(derived []byte) bool {
	prefix := encodeIndexPrefix(nil, derived)
	ic.k, ic.v = ic.c.Seek(prefix)
	return ic.k != nil && bytes.HasPrefix(ic.k, prefix)
}

func (ic *indexCursor) entry() ([]byte, Key, error) {
	if ic.k == nil {
		return nil, Key{}, fmt.Errorf("index cursor is not positioned")
	}
	return decodeIndexEntry(ic.k, ic.v, ic.idx.dups)
}

func pkString(raw []byte) string {
	pk, err := decodePrimaryKey(raw)
	if err != nil {
		return hexstr(raw)
	}
	return pk.String()
}
