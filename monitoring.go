package ixdb

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

type TableStats struct {
	Rows      int
	IndexRows int

	DataSize   int64
	DataAlloc  int64
	IndexSize  int64
	IndexAlloc int64
}

func (ts *TableStats) TotalSize() int64 {
	return ts.DataSize + ts.IndexSize
}

func (ts *TableStats) TotalAlloc() int64 {
	return ts.DataAlloc + ts.IndexAlloc
}

func (ts *TableStats) String() string {
	return fmt.Sprintf("%d rows, %d index rows, data %s (%s alloc), indexes %s (%s alloc)",
		ts.Rows, ts.IndexRows,
		humanize.IBytes(uint64(ts.DataSize)), humanize.IBytes(uint64(ts.DataAlloc)),
		humanize.IBytes(uint64(ts.IndexSize)), humanize.IBytes(uint64(ts.IndexAlloc)))
}

// Stats walks the table's buckets. Unlike Count, it is proportional to the
// size of the table.
func (tbl *Table) Stats(tx *Tx) (TableStats, error) {
	var result TableStats
	err := tbl.db.view(tx, func(tx *Tx) error {
		err := tbl.checkLive()
		if err != nil {
			return err
		}
		result = tbl.stats(tx)
		return nil
	})
	return result, err
}

func (tbl *Table) stats(tx *Tx) TableStats {
	var result TableStats
	if b := tbl.bucket(tx); b != nil {
		bs := b.Stats()
		result.Rows = bs.KeyN
		result.DataSize = bs.LeafInuse
		result.DataAlloc = bs.TotalAlloc()
	}
	for _, idx := range tbl.indexList() {
		b := tx.stx.Bucket(idx.buck)
		if b == nil {
			continue
		}
		bs := b.Stats()
		result.IndexRows += bs.KeyN
		result.IndexSize += bs.LeafInuse
		result.IndexAlloc += bs.TotalAlloc()
	}
	return result
}

type DBStats struct {
	Size   int64
	Tables map[string]TableStats

	Readers int64
	Writers int64
	Reads   uint64
	Writes  uint64
}

func (s *DBStats) String() string {
	return fmt.Sprintf("%s, %d tables, %d reads, %d writes", humanize.IBytes(uint64(s.Size)), len(s.Tables), s.Reads, s.Writes)
}

// Stats collects TableStats for every table plus transaction counters.
func (db *DB) Stats() (*DBStats, error) {
	result := &DBStats{
		Tables: make(map[string]TableStats),
	}
	err := db.View(func(tx *Tx) error {
		result.Size = tx.stx.Size()
		for _, name := range tx.tableNames() {
			tbl, err := db.table(tx, name)
			if err != nil {
				return err
			}
			result.Tables[name] = tbl.stats(tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Readers = db.ReaderCount.Load()
	result.Writers = db.WriterCount.Load()
	result.Reads = db.ReadCount.Load()
	result.Writes = db.WriteCount.Load()
	return result, nil
}
