package ixdb

import (
	"time"
)

// Index attaches a secondary index to the table and returns it.
//
// Declaring an index that is already attached with the same derivation and
// options returns the existing index. Otherwise the index bucket is
// (re)created, its definition is persisted, and every existing record is
// indexed, all inside one transaction.
func (tbl *Table) Index(tx *Tx, name string, d Derivation, opts ...IndexOption) (*Index, error) {
	err := validateIndexName(name)
	if err != nil {
		return nil, err
	}
	err = d.validate()
	if err != nil {
		return nil, tableErrf(tbl, nil, "", err, "index %q", name)
	}
	var cfg indexConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var result *Index
	err = tbl.db.update(tx, func(tx *Tx) error {
		err := tbl.checkLive()
		if err != nil {
			return err
		}
		idx := newIndex(tbl, name, d, cfg.dups)
		if cur := tbl.IndexNamed(name); cur != nil && cur.sameDefinition(idx) && tx.stx.Bucket(cur.buck) != nil {
			result = cur
			return nil
		}

		_, err = tbl.ensureBucket(tx)
		if err != nil {
			return err
		}
		err = saveIndexMetadata(tx, &indexMetadata{
			Version:     indexMetadataVersion,
			Table:       tbl.name,
			Index:       name,
			Duplicates:  idx.dups,
			Derivation:  d.Spec(),
			Fingerprint: idx.fingerprint,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			return tableErrf(tbl, idx, "", err, "saving index metadata")
		}
		n, err := idx.reindex(tx)
		if err != nil {
			return err
		}
		tbl.attach(tx, idx)
		if tbl.db.verbose {
			tbl.db.logf("db: INDEX %s %v dups=%v rows=%d", idx.FullName(), d, idx.dups, n)
		}
		result = idx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Unindex drops the index bucket, its persisted definition and its attachment.
func (tbl *Table) Unindex(tx *Tx, name string) error {
	return tbl.db.update(tx, func(tx *Tx) error {
		err := tbl.checkLive()
		if err != nil {
			return err
		}
		tbl.mu.RLock()
		_, attached := tbl.indices[name]
		_, detached := tbl.detached[name]
		tbl.mu.RUnlock()
		if !attached && !detached {
			return tableErrf(tbl, nil, "", ErrIndexMissing, "index %q", name)
		}

		err = deleteBucketIfExists(tx, indexBucketName(tbl.name, name))
		if err != nil {
			return err
		}
		err = deleteIndexMetadata(tx, tbl.name, name)
		if err != nil {
			return err
		}
		tbl.detach(tx, name)
		if tbl.db.verbose {
			tbl.db.logf("db: UNINDEX %s.%s", tbl.name, name)
		}
		return nil
	})
}

// Reindex rebuilds the named index from a full table scan and returns the
// number of records indexed.
func (tbl *Table) Reindex(tx *Tx, name string) (int, error) {
	var n int
	err := tbl.db.update(tx, func(tx *Tx) error {
		err := tbl.checkLive()
		if err != nil {
			return err
		}
		idx, err := tbl.requireIndex(name)
		if err != nil {
			return err
		}
		n, err = idx.reindex(tx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Drop removes all records and index entries. With del, it also removes the
// table's buckets and index definitions, and the Table handle becomes unusable
// (DB.Table returns a fresh one). Without del, the buckets and indexes stay.
func (tbl *Table) Drop(tx *Tx, del bool) error {
	return tbl.db.update(tx, func(tx *Tx) error {
		err := tbl.checkLive()
		if err != nil {
			return err
		}
		if del {
			err = tbl.dropAll(tx)
		} else {
			err = tbl.empty(tx)
		}
		if err != nil {
			return tableErrf(tbl, nil, "", err, "drop")
		}
		if tbl.db.verbose {
			tbl.db.logf("db: DROP %s delete=%v", tbl.name, del)
		}
		return nil
	})
}

// Empty removes every record and index entry but keeps the table's indexes.
func (tbl *Table) Empty(tx *Tx) error {
	return tbl.Drop(tx, false)
}

func (tbl *Table) dropAll(tx *Tx) error {
	mds, err := loadIndexMetadata(tx, tbl.name)
	if err != nil {
		return err
	}
	for _, md := range mds {
		err = deleteBucketIfExists(tx, indexBucketName(tbl.name, md.Index))
		if err != nil {
			return err
		}
		err = deleteIndexMetadata(tx, tbl.name, md.Index)
		if err != nil {
			return err
		}
	}
	err = deleteBucketIfExists(tx, tbl.name)
	if err != nil {
		return err
	}
	err = writeCount(tx, tbl.name, 0)
	if err != nil {
		return err
	}
	tbl.markDropped(tx)
	return nil
}

func (tbl *Table) empty(tx *Tx) error {
	if tbl.bucket(tx) == nil {
		return nil
	}
	err := tbl.markDetachedStale(tx)
	if err != nil {
		return err
	}
	err = recreateBucket(tx, tbl.name)
	if err != nil {
		return err
	}
	for _, idx := range tbl.indexList() {
		err = recreateBucket(tx, idx.buck)
		if err != nil {
			return err
		}
	}
	return writeCount(tx, tbl.name, 0)
}

// Count returns the number of records in the table without scanning it.
func (tbl *Table) Count(tx *Tx) (int, error) {
	var n int
	err := tbl.db.view(tx, func(tx *Tx) error {
		err := tbl.checkLive()
		if err != nil {
			return err
		}
		n, err = readCount(tx, tbl.name)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
