package ixdb

// Delete removes the records with the given keys along with their index
// entries, in one transaction. Keys that are not present are skipped; the
// number of records actually deleted is returned.
func (tbl *Table) Delete(tx *Tx, keys ...Key) (int, error) {
	var n int
	err := tbl.db.update(tx, func(tx *Tx) error {
		n = 0
		err := tbl.beginWrite(tx)
		if err != nil {
			return err
		}
		b := tbl.bucket(tx)
		if b == nil {
			return nil
		}
		idxs := tbl.indexList()
		for _, key := range keys {
			pk := encodePrimaryKey(key)
			raw := b.Get(pk)
			if raw == nil {
				if tbl.db.verbose {
					tbl.db.logf("db: DEL.NOOP %s/%v", tbl.name, key)
				}
				continue
			}
			old, err := decodeRecord(key, raw)
			if err != nil {
				return tableErrf(tbl, nil, key.String(), err, "delete")
			}
			derived := deriveExisting(idxs, old)
			err = tbl.markDetachedStale(tx)
			if err != nil {
				return err
			}

			tx.markWritten()
			err = b.Delete(pk)
			if err != nil {
				return tableErrf(tbl, nil, key.String(), err, "delete")
			}
			for i, idx := range idxs {
				err = idx.delete(tx, key, derived[i])
				if err != nil {
					return err
				}
			}
			if tbl.db.verbose {
				tbl.db.logf("db: DEL %s/%v", tbl.name, key)
			}
			tx.notifyChange(tbl, OpDelete, key, old, nil)
			n++
		}
		return adjustCount(tx, tbl.name, -n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
