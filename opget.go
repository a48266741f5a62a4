package ixdb

// Get returns the record stored under key, or an error wrapping ErrNotFound.
func (tbl *Table) Get(tx *Tx, key Key) (Record, error) {
	var rec Record
	err := tbl.db.view(tx, func(tx *Tx) error {
		err := tbl.checkLive()
		if err != nil {
			return err
		}
		rec, err = tbl.get(tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (tbl *Table) get(tx *Tx, key Key) (Record, error) {
	b := tbl.bucket(tx)
	if b == nil {
		return nil, tableErrf(tbl, nil, key.String(), ErrNotFound, "")
	}
	raw := b.Get(encodePrimaryKey(key))
	if raw == nil {
		return nil, tableErrf(tbl, nil, key.String(), ErrNotFound, "")
	}
	rec, err := decodeRecord(key, raw)
	if err != nil {
		return nil, tableErrf(tbl, nil, key.String(), err, "")
	}
	if tbl.db.verbose {
		tbl.db.logf("db: GET %s/%v => %s", tbl.name, key, loggableRecord(rec))
	}
	return rec, nil
}

// Exists reports whether a record is stored under key.
func (tbl *Table) Exists(tx *Tx, key Key) (bool, error) {
	var found bool
	err := tbl.db.view(tx, func(tx *Tx) error {
		err := tbl.checkLive()
		if err != nil {
			return err
		}
		if b := tbl.bucket(tx); b != nil {
			found = b.Get(encodePrimaryKey(key)) != nil
		}
		return nil
	})
	return found, err
}
