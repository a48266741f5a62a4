package ixdb

import (
	"iter"
)

type FindOptions struct {
	// Index selects the index to iterate in derived-key order. Empty means
	// natural (insertion) order.
	Index string

	// Filter, if set, skips records for which it returns false. It runs after
	// decoding.
	Filter func(Record) bool

	// Limit caps the number of records returned. Zero means no limit.
	Limit int

	Reverse bool
}

// Find iterates over the table in natural order or in the order of an index.
// With a nil tx, the cursor holds a read transaction until it is drained or
// closed, so it must be closed when abandoned early.
func (tbl *Table) Find(tx *Tx, opt FindOptions) *Cursor {
	return tbl.openCursor(tx, opt.Index, opt.Filter, opt.Limit, func(idx *Index) (rawRange, error) {
		return rawRange{reverse: opt.Reverse}, nil
	})
}

// Seek iterates over all records whose key under the named index equals the
// key derived from template. With a nil tx, the cursor must be drained or
// closed.
func (tbl *Table) Seek(tx *Tx, index string, template Record) *Cursor {
	if index == "" {
		return failedCursor(tbl, tx, tableErrf(tbl, nil, "", ErrIndexMissing, "Seek requires an index"))
	}
	return tbl.openCursor(tx, index, nil, 0, func(idx *Index) (rawRange, error) {
		d, err := idx.derive(template)
		if err != nil {
			return rawRange{}, err
		}
		return prefixRange(encodeIndexPrefix(nil, d)), nil
	})
}

// Range iterates over records whose derived key under the named index is
// within [derive(lower), derive(upper)], in byte order. A nil template leaves
// that side unbounded. With a nil tx, the cursor must be drained or closed.
func (tbl *Table) Range(tx *Tx, index string, lower, upper Record) *Cursor {
	if index == "" {
		return failedCursor(tbl, tx, tableErrf(tbl, nil, "", ErrIndexMissing, "Range requires an index"))
	}
	return tbl.openCursor(tx, index, nil, 0, func(idx *Index) (rawRange, error) {
		var lo, hi []byte
		var err error
		if lower != nil {
			lo, err = idx.derive(lower)
			if err != nil {
				return rawRange{}, err
			}
		}
		if upper != nil {
			hi, err = idx.derive(upper)
			if err != nil {
				return rawRange{}, err
			}
		}
		return derivedRange(lo, hi, false), nil
	})
}

// SeekOne returns the first record whose key under the named index equals the
// key derived from template, or an error wrapping ErrNotFound.
func (tbl *Table) SeekOne(tx *Tx, index string, template Record) (Record, error) {
	var rec Record
	err := tbl.db.view(tx, func(tx *Tx) error {
		err := tbl.checkLive()
		if err != nil {
			return err
		}
		idx, err := tbl.requireIndex(index)
		if err != nil {
			return err
		}
		d, err := idx.derive(template)
		if err != nil {
			return tableErrf(tbl, idx, "", err, "")
		}
		ic, err := idx.cursor(tx)
		if err != nil {
			return err
		}
		if !ic.setKey(d) {
			return tableErrf(tbl, idx, string(d), ErrNotFound, "")
		}
		_, pk, err := ic.entry()
		if err != nil {
			return tableErrf(tbl, idx, string(d), err, "")
		}
		rec, err = tbl.get(tx, pk)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Cursor is a single forward pass over records. When a Cursor is opened
// without a transaction, it owns a read transaction that is released once
// Next returns false or Close is called; such a cursor must be drained or
// closed.
type Cursor struct {
	tbl    *Table
	tx     *Tx
	ownTx  bool
	buck   storageBucket
	idx    *Index
	src    *rawRangeCursor
	filter func(Record) bool
	limit  int
	n      int

	key  Key
	rec  Record
	err  error
	done bool
}

func failedCursor(tbl *Table, tx *Tx, err error) *Cursor {
	return &Cursor{tbl: tbl, tx: tx, err: err, done: true}
}

func (tbl *Table) openCursor(tx *Tx, index string, filter func(Record) bool, limit int, makeRange func(idx *Index) (rawRange, error)) *Cursor {
	c := &Cursor{tbl: tbl, filter: filter, limit: limit}
	if tx == nil {
		var err error
		tx, err = tbl.db.Begin(false)
		if err != nil {
			c.err, c.done = err, true
			return c
		}
		c.ownTx = true
	} else if tx.closed {
		c.err, c.done = errTxClosed, true
		return c
	}
	c.tx = tx

	err := tbl.checkLive()
	if err != nil {
		c.fail(err)
		return c
	}
	if index != "" {
		c.idx, err = tbl.requireIndex(index)
		if err != nil {
			c.fail(err)
			return c
		}
	}
	rang, err := makeRange(c.idx)
	if err != nil {
		c.fail(tableErrf(tbl, c.idx, "", err, ""))
		return c
	}

	c.buck = tbl.bucket(tx)
	if c.buck == nil {
		c.finish()
		return c
	}
	var bc storageCursor
	if c.idx == nil {
		bc = c.buck.Cursor()
	} else {
		ib, err := c.idx.bucket(tx)
		if err != nil {
			c.fail(err)
			return c
		}
		bc = ib.Cursor()
	}
	c.src = rang.newCursor(bc, tbl.db.logger)
	return c
}

// Next advances to the next record. It returns false when the cursor is
// exhausted or fails; check Err afterwards.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	for {
		if c.limit > 0 && c.n >= c.limit {
			c.finish()
			return false
		}
		if !c.src.Next() {
			c.finish()
			return false
		}
		key, rec, err := c.load(c.src.Key(), c.src.Value())
		if err != nil {
			c.fail(err)
			return false
		}
		if rec == nil {
			continue
		}
		if c.filter != nil && !c.filter(rec) {
			continue
		}
		c.key, c.rec = key, rec
		c.n++
		return true
	}
}

func (c *Cursor) load(k, v []byte) (Key, Record, error) {
	tbl := c.tbl
	if c.idx == nil {
		key, err := decodePrimaryKey(k)
		if err != nil {
			return Key{}, nil, tableErrf(tbl, nil, "", err, "")
		}
		rec, err := decodeRecord(key, v)
		if err != nil {
			return Key{}, nil, tableErrf(tbl, nil, key.String(), err, "")
		}
		return key, rec, nil
	}

	derived, key, err := decodeIndexEntry(k, v, c.idx.dups)
	if err != nil {
		return Key{}, nil, tableErrf(tbl, c.idx, "", err, "")
	}
	raw := c.buck.Get(encodePrimaryKey(key))
	if raw == nil {
		if tbl.db.strict {
			return Key{}, nil, tableErrf(tbl, c.idx, key.String(), dataErrf(k, 0, nil, "index entry refers to a missing record"), "")
		}
		tbl.db.logger.Warn("ixdb: dangling index entry", "index", c.idx.FullName(), "derived", string(derived), "key", key.String())
		return key, nil, nil
	}
	rec, err := decodeRecord(key, raw)
	if err != nil {
		return Key{}, nil, tableErrf(tbl, nil, key.String(), err, "")
	}
	return key, rec, nil
}

func (c *Cursor) fail(err error) {
	c.err = err
	c.finish()
}

func (c *Cursor) finish() {
	c.done = true
	c.key, c.rec = Key{}, nil
	if c.ownTx && c.tx != nil {
		c.tx.rollback()
		c.tx = nil
	}
}

// Key returns the key of the current record.
func (c *Cursor) Key() Key { return c.key }

// Record returns the current record.
func (c *Cursor) Record() Record { return c.rec }

func (c *Cursor) Err() error { return c.err }

// Close releases the cursor. It is safe to call Close more than once.
func (c *Cursor) Close() error {
	if !c.done {
		c.finish()
	}
	return nil
}

// All adapts the cursor to a range-over-func iterator. The cursor is closed
// when the loop ends; check Err afterwards.
func (c *Cursor) All() iter.Seq2[Key, Record] {
	return func(yield func(Key, Record) bool) {
		defer c.Close()
		for c.Next() {
			if !yield(c.key, c.rec) {
				return
			}
		}
	}
}

// Collect drains the cursor into a slice.
func (c *Cursor) Collect() ([]Record, error) {
	var result []Record
	for c.Next() {
		result = append(result, c.rec)
	}
	return result, c.err
}

// Keys drains the cursor and returns the keys of the records it yielded.
func (c *Cursor) Keys() ([]Key, error) {
	var result []Key
	for c.Next() {
		result = append(result, c.key)
	}
	return result, c.err
}
