package ixdb

import (
	"bytes"
)

// Append stores rec under a newly generated key and indexes it. The key is
// returned and also set as rec[KeyField]. rec must not carry a key already.
//
// Append fails with ErrDuplicateKey when the generated key is taken, and also
// when a unique index already maps rec's derived key to another record. It
// fails with *DerivationError when rec cannot be indexed.
func (tbl *Table) Append(tx *Tx, rec Record) (Key, error) {
	if rec == nil {
		return Key{}, tableErrf(tbl, nil, "", nil, "cannot append nil record")
	}
	if rec.HasKey() {
		return Key{}, tableErrf(tbl, nil, "", nil, "appended record already has %s, use Save", KeyField)
	}
	key, err := NewKey()
	if err != nil {
		return Key{}, tableErrf(tbl, nil, "", err, "generating key")
	}
	raw, err := encodeRecord(nil, rec)
	if err != nil {
		return Key{}, tableErrf(tbl, nil, key.String(), err, "append")
	}

	err = tbl.db.update(tx, func(tx *Tx) error {
		err := tbl.beginWrite(tx)
		if err != nil {
			return err
		}
		idxs := tbl.indexList()
		derived, err := deriveAll(tbl, idxs, key, rec)
		if err != nil {
			return err
		}
		err = tbl.markDetachedStale(tx)
		if err != nil {
			return err
		}

		b, err := tbl.ensureBucket(tx)
		if err != nil {
			return err
		}
		pk := encodePrimaryKey(key)
		if b.Get(pk) != nil {
			return tableErrf(tbl, nil, key.String(), ErrDuplicateKey, "append")
		}

		last, _ := b.Cursor().Last()
		appending := last == nil || bytes.Compare(pk, last) > 0
		// fill percent applies when pages are split at commit, so it stays set
		b.SetAppendMode(appending)
		tx.markWritten()
		err = b.Put(pk, raw)
		if err != nil {
			return tableErrf(tbl, nil, key.String(), err, "append")
		}
		if tbl.db.verbose {
			tbl.db.logf("db: APPEND %s/%v append=%v => %s", tbl.name, key, appending, loggableRecord(rec))
		}

		for i, idx := range idxs {
			err = idx.put(tx, key, derived[i])
			if err != nil {
				return err
			}
		}
		err = adjustCount(tx, tbl.name, 1)
		if err != nil {
			return err
		}
		rec[KeyField] = key.String()
		tx.notifyChange(tbl, OpPut, key, rec, nil)
		return nil
	})
	if err != nil {
		delete(rec, KeyField)
		return Key{}, err
	}
	return key, nil
}

// Save replaces the stored record identified by rec[KeyField]. Index entries
// are only rewritten for indexes whose derived key changed. Like Append, it
// fails with ErrDuplicateKey when a unique index maps the new derived key to
// another record.
func (tbl *Table) Save(tx *Tx, rec Record) error {
	key, err := rec.Key()
	if err != nil {
		return tableErrf(tbl, nil, "", err, "save")
	}
	raw, err := encodeRecord(nil, rec)
	if err != nil {
		return tableErrf(tbl, nil, key.String(), err, "save")
	}

	return tbl.db.update(tx, func(tx *Tx) error {
		err := tbl.beginWrite(tx)
		if err != nil {
			return err
		}
		b := tbl.bucket(tx)
		if b == nil {
			return tableErrf(tbl, nil, key.String(), ErrNotFound, "")
		}
		pk := encodePrimaryKey(key)
		oldRaw := b.Get(pk)
		if oldRaw == nil {
			return tableErrf(tbl, nil, key.String(), ErrNotFound, "")
		}
		if bytes.Equal(oldRaw, raw) {
			if tbl.db.verbose {
				tbl.db.logf("db: PUT.NOOP %s/%v => %s", tbl.name, key, loggableRecord(rec))
			}
			return nil
		}

		old, err := decodeRecord(key, oldRaw)
		if err != nil {
			return tableErrf(tbl, nil, key.String(), err, "decoding previous value")
		}
		idxs := tbl.indexList()
		oldDerived := deriveExisting(idxs, old)
		newDerived, err := deriveAll(tbl, idxs, key, rec)
		if err != nil {
			return err
		}
		err = tbl.markDetachedStale(tx)
		if err != nil {
			return err
		}

		tx.markWritten()
		err = b.Put(pk, raw)
		if err != nil {
			return tableErrf(tbl, nil, key.String(), err, "save")
		}
		var changed int
		for i, idx := range idxs {
			ch, err := idx.save(tx, key, oldDerived[i], newDerived[i])
			if err != nil {
				return err
			}
			if ch {
				changed++
			}
		}
		if tbl.db.verbose {
			tbl.db.logf("db: PUT %s/%v reindexed=%d/%d => %s", tbl.name, key, changed, len(idxs), loggableRecord(rec))
		}
		tx.notifyChange(tbl, OpPut, key, rec, old)
		return nil
	})
}

// deriveAll computes the key of rec for every index before anything is
// written, so a record that cannot be indexed leaves no trace.
func deriveAll(tbl *Table, idxs []*Index, key Key, rec Record) ([][]byte, error) {
	derived := make([][]byte, len(idxs))
	for i, idx := range idxs {
		d, err := idx.derive(rec)
		if err != nil {
			return nil, tableErrf(tbl, idx, key.String(), err, "")
		}
		derived[i] = d
	}
	return derived, nil
}

// deriveExisting computes the keys a stored record is indexed under. A stored
// record the derivation cannot handle was skipped when the index was built,
// so its key is nil.
func deriveExisting(idxs []*Index, rec Record) [][]byte {
	derived := make([][]byte, len(idxs))
	for i, idx := range idxs {
		d, err := idx.derive(rec)
		if err == nil {
			derived[i] = d
		}
	}
	return derived
}
