package ixdb

import (
	"fmt"
	"time"
)

// Reserved names. User tables may not start with reservedPrefix, so the
// metadata bucket and index buckets never collide with them.
const (
	reservedPrefix = "@"
	metaBucket     = "@meta"

	countKeyPrefix = "#"

	indexMetadataVersion = 1
)

const metadataEncoding = MsgPack

type indexMetadata struct {
	Version     int            `msgpack:"v"`
	Table       string         `msgpack:"tbl"`
	Index       string         `msgpack:"idx"`
	Duplicates  bool           `msgpack:"dup,omitempty"`
	Derivation  DerivationSpec `msgpack:"d"`
	Fingerprint uint64         `msgpack:"fp"`
	CreatedAt   time.Time      `msgpack:"t"`

	// Stale is set when records were written while the index was detached.
	// A stale index is rebuilt before it is attached again.
	Stale bool `msgpack:"stale,omitempty"`
}

func indexBucketName(table, index string) string {
	return reservedPrefix + table + "/" + index
}

func indexMetaKey(table, index string) []byte {
	return []byte(indexBucketName(table, index))
}

func indexMetaPrefix(table string) []byte {
	return []byte(reservedPrefix + table + "/")
}

func countKey(table string) []byte {
	return []byte(countKeyPrefix + table)
}

func (tx *Tx) metaBucket() storageBucket {
	return tx.stx.Bucket(metaBucket)
}

func (tx *Tx) writableMetaBucket() (storageBucket, error) {
	mb, err := tx.stx.CreateBucket(metaBucket)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", metaBucket, err)
	}
	return mb, nil
}

func loadIndexMetadata(tx *Tx, table string) ([]*indexMetadata, error) {
	mb := tx.metaBucket()
	if mb == nil {
		return nil, nil
	}
	var result []*indexMetadata
	rang := prefixRange(indexMetaPrefix(table))
	c := rang.newCursor(mb.Cursor(), tx.db.logger)
	for c.Next() {
		md := new(indexMetadata)
		err := metadataEncoding.DecodeValue(c.Value(), md)
		if err != nil {
			return nil, fmt.Errorf("index metadata %q: %w", c.Key(), err)
		}
		if md.Version > indexMetadataVersion {
			return nil, fmt.Errorf("index metadata %q: unsupported version %d", c.Key(), md.Version)
		}
		if md.Table != table {
			return nil, dataErrf(c.Value(), 0, nil, "index metadata %q belongs to table %q", c.Key(), md.Table)
		}
		result = append(result, md)
	}
	return result, nil
}

// staleIndexTables lists the tables that have stale indexes, in byte order.
func staleIndexTables(tx *Tx) ([]string, error) {
	mb := tx.metaBucket()
	if mb == nil {
		return nil, nil
	}
	var names []string
	rang := prefixRange([]byte(reservedPrefix))
	c := rang.newCursor(mb.Cursor(), tx.db.logger)
	for c.Next() {
		md := new(indexMetadata)
		err := metadataEncoding.DecodeValue(c.Value(), md)
		if err != nil {
			return nil, fmt.Errorf("index metadata %q: %w", c.Key(), err)
		}
		if md.Stale && (len(names) == 0 || names[len(names)-1] != md.Table) {
			names = append(names, md.Table)
		}
	}
	return names, nil
}

func saveIndexMetadata(tx *Tx, md *indexMetadata) error {
	mb, err := tx.writableMetaBucket()
	if err != nil {
		return err
	}
	raw, err := metadataEncoding.EncodeValue(nil, md)
	if err != nil {
		return err
	}
	tx.markWritten()
	return mb.Put(indexMetaKey(md.Table, md.Index), raw)
}

func deleteIndexMetadata(tx *Tx, table, index string) error {
	mb := tx.metaBucket()
	if mb == nil {
		return nil
	}
	tx.markWritten()
	return mb.Delete(indexMetaKey(table, index))
}

// readCount returns the number of records in the table.
func readCount(tx *Tx, table string) (int, error) {
	mb := tx.metaBucket()
	if mb == nil {
		return 0, nil
	}
	raw := mb.Get(countKey(table))
	if raw == nil {
		return 0, nil
	}
	d := makeByteDecoder(raw)
	n, err := d.Uvarinti()
	if err != nil {
		return 0, err
	}
	return n, d.End()
}

func adjustCount(tx *Tx, table string, delta int) error {
	if delta == 0 {
		return nil
	}
	n, err := readCount(tx, table)
	if err != nil {
		return fmt.Errorf("record count of %s: %w", table, err)
	}
	n += delta
	if n < 0 {
		return fmt.Errorf("record count of %s would become negative (%d)", table, n)
	}
	return writeCount(tx, table, n)
}

func writeCount(tx *Tx, table string, n int) error {
	mb, err := tx.writableMetaBucket()
	if err != nil {
		return err
	}
	tx.markWritten()
	if n == 0 {
		return mb.Delete(countKey(table))
	}
	return mb.Put(countKey(table), appendUvarint(nil, uint64(n)))
}
