package ixdb

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Table is a named collection of records with attached secondary indexes.
// Obtain one via DB.Table; the DB owns it for its whole lifetime.
type Table struct {
	db   *DB
	name string

	mu       sync.RWMutex
	indices  map[string]*Index
	detached map[string]*indexMetadata
	dropped  bool
}

func newTable(db *DB, name string) *Table {
	return &Table{
		db:       db,
		name:     name,
		indices:  make(map[string]*Index),
		detached: make(map[string]*indexMetadata),
	}
}

func (tbl *Table) Name() string   { return tbl.name }
func (tbl *Table) DB() *DB        { return tbl.db }
func (tbl *Table) String() string { return tbl.name }

// load attaches the indexes described by persisted metadata. An index whose
// derivation cannot be reconstructed (a Custom function missing from
// Options.Derivers) stays detached until it is declared again. So does a
// stale index, until repairIndexes rebuilds it.
func (tbl *Table) load(tx *Tx) error {
	mds, err := loadIndexMetadata(tx, tbl.name)
	if err != nil {
		return err
	}
	for _, md := range mds {
		if md.Stale {
			tbl.db.logger.Warn("ixdb: index is stale", "table", tbl.name, "index", md.Index)
			tbl.detached[md.Index] = md
			continue
		}
		idx, err := tbl.indexFromMetadata(md)
		if err != nil {
			tbl.db.logger.Warn("ixdb: index detached", "table", tbl.name, "index", md.Index, "err", err)
			tbl.detached[md.Index] = md
			continue
		}
		tbl.indices[md.Index] = idx
	}
	return nil
}

// repairIndexes rebuilds and attaches every detached index whose derivation
// can be reconstructed, i.e. stale indexes whose Custom function is known.
func (tbl *Table) repairIndexes(tx *Tx) error {
	tbl.mu.RLock()
	var mds []*indexMetadata
	for _, md := range tbl.detached {
		mds = append(mds, md)
	}
	tbl.mu.RUnlock()
	if len(mds) == 0 {
		return nil
	}
	slices.SortFunc(mds, func(a, b *indexMetadata) int { return strings.Compare(a.Index, b.Index) })

	for _, md := range mds {
		idx, err := tbl.indexFromMetadata(md)
		if err != nil {
			continue
		}
		fresh := *md
		fresh.Stale = false
		err = saveIndexMetadata(tx, &fresh)
		if err != nil {
			return tableErrf(tbl, idx, "", err, "saving index metadata")
		}
		n, err := idx.reindex(tx)
		if err != nil {
			return err
		}
		tbl.attach(tx, idx)
		tbl.db.logger.Info("ixdb: stale index rebuilt", "index", idx.FullName(), "rows", n)
	}
	return nil
}

// markDetachedStale records that the table is about to change while some
// indexes are detached, so their entries can no longer be trusted.
func (tbl *Table) markDetachedStale(tx *Tx) error {
	tbl.mu.RLock()
	var mds []*indexMetadata
	for _, md := range tbl.detached {
		if !md.Stale {
			mds = append(mds, md)
		}
	}
	tbl.mu.RUnlock()

	for _, md := range mds {
		stale := *md
		stale.Stale = true
		err := saveIndexMetadata(tx, &stale)
		if err != nil {
			return tableErrf(tbl, nil, "", err, "marking index %q stale", md.Index)
		}
		tbl.replaceDetached(tx, md, &stale)
	}
	return nil
}

func (tbl *Table) replaceDetached(tx *Tx, prev, md *indexMetadata) {
	tbl.mu.Lock()
	tbl.detached[md.Index] = md
	tbl.mu.Unlock()

	tx.onRollback(func() {
		tbl.mu.Lock()
		defer tbl.mu.Unlock()
		if tbl.detached[md.Index] == md {
			tbl.detached[md.Index] = prev
		}
	})
}

// beginWrite prepares the table for a mutation within tx.
func (tbl *Table) beginWrite(tx *Tx) error {
	err := tbl.checkLive()
	if err != nil {
		return err
	}
	return tbl.repairIndexes(tx)
}

func (tbl *Table) indexFromMetadata(md *indexMetadata) (*Index, error) {
	d, err := derivationFromSpec(md.Derivation, tbl.db.derivers)
	if err != nil {
		return nil, err
	}
	idx := newIndex(tbl, md.Index, d, md.Duplicates)
	if idx.fingerprint != md.Fingerprint {
		return nil, fmt.Errorf("derivation fingerprint mismatch: stored %016x, computed %016x", md.Fingerprint, idx.fingerprint)
	}
	return idx, nil
}

// Indexes returns the attached indexes ordered by name.
func (tbl *Table) Indexes() []*Index {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	result := make([]*Index, 0, len(tbl.indices))
	for _, idx := range tbl.indices {
		result = append(result, idx)
	}
	slices.SortFunc(result, func(a, b *Index) int {
		switch {
		case a.name < b.name:
			return -1
		case a.name > b.name:
			return 1
		}
		return 0
	})
	return result
}

// IndexNamed returns the attached index with the given name, or nil.
func (tbl *Table) IndexNamed(name string) *Index {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	return tbl.indices[name]
}

// DetachedIndexes lists indexes that are defined in the database but could not
// be attached, because their Custom derivation has not been supplied.
func (tbl *Table) DetachedIndexes() []string {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	var names []string
	for name := range tbl.detached {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (tbl *Table) indexList() []*Index {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	result := make([]*Index, 0, len(tbl.indices))
	for _, idx := range tbl.indices {
		result = append(result, idx)
	}
	return result
}

func (tbl *Table) requireIndex(name string) (*Index, error) {
	idx := tbl.IndexNamed(name)
	if idx == nil {
		return nil, tableErrf(tbl, nil, "", ErrIndexMissing, "index %q", name)
	}
	return idx, nil
}

func (tbl *Table) checkLive() error {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	if tbl.dropped {
		return tableErrf(tbl, nil, "", ErrTableMissing, "")
	}
	return nil
}

// bucket returns the table's primary bucket, or nil if nothing has been
// written to the table yet.
func (tbl *Table) bucket(tx *Tx) storageBucket {
	return tx.stx.Bucket(tbl.name)
}

func (tbl *Table) ensureBucket(tx *Tx) (storageBucket, error) {
	if b := tx.stx.Bucket(tbl.name); b != nil {
		return b, nil
	}
	if max := tbl.db.maxTables; max > 0 && len(tx.tableNames()) >= max {
		return nil, tableErrf(tbl, nil, "", ErrTooManyTables, "max_tables is %d", max)
	}
	tx.markWritten()
	b, err := tx.stx.CreateBucket(tbl.name)
	if err != nil {
		return nil, tableErrf(tbl, nil, "", err, "creating bucket")
	}
	if tbl.db.verbose {
		tbl.db.logf("db: CREATE TABLE %s", tbl.name)
	}
	return b, nil
}

func (tbl *Table) attach(tx *Tx, idx *Index) {
	tbl.mu.Lock()
	prev, prevDetached := tbl.indices[idx.name], tbl.detached[idx.name]
	tbl.indices[idx.name] = idx
	delete(tbl.detached, idx.name)
	tbl.mu.Unlock()

	tx.onRollback(func() {
		tbl.mu.Lock()
		defer tbl.mu.Unlock()
		if prev != nil {
			tbl.indices[idx.name] = prev
		} else {
			delete(tbl.indices, idx.name)
		}
		if prevDetached != nil {
			tbl.detached[idx.name] = prevDetached
		}
	})
}

func (tbl *Table) detach(tx *Tx, name string) {
	tbl.mu.Lock()
	prev, prevDetached := tbl.indices[name], tbl.detached[name]
	delete(tbl.indices, name)
	delete(tbl.detached, name)
	tbl.mu.Unlock()

	tx.onRollback(func() {
		tbl.mu.Lock()
		defer tbl.mu.Unlock()
		if prev != nil {
			tbl.indices[name] = prev
		}
		if prevDetached != nil {
			tbl.detached[name] = prevDetached
		}
	})
}

func (tbl *Table) markDropped(tx *Tx) {
	tbl.mu.Lock()
	tbl.dropped = true
	tbl.mu.Unlock()
	tbl.db.forgetTable(tbl)

	tx.onRollback(func() {
		tbl.mu.Lock()
		tbl.dropped = false
		tbl.mu.Unlock()
		tbl.db.rememberTable(tbl)
	})
}

func deleteBucketIfExists(tx *Tx, name string) error {
	tx.markWritten()
	err := tx.stx.DeleteBucket(name)
	if err != nil && !errors.Is(err, ErrBucketNotFound) {
		return fmt.Errorf("deleting bucket %s: %w", name, err)
	}
	return nil
}

func recreateBucket(tx *Tx, name string) error {
	err := deleteBucketIfExists(tx, name)
	if err != nil {
		return err
	}
	_, err = tx.stx.CreateBucket(name)
	if err != nil {
		return fmt.Errorf("creating bucket %s: %w", name, err)
	}
	return nil
}
