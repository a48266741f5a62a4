package ixdb

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.etcd.io/bbolt"
)

type DB struct {
	st       storage
	bdb      *bbolt.DB
	path     string
	logger   *slog.Logger
	verbose  bool
	strict   bool
	readOnly bool

	maxTables int
	derivers  map[string]DeriveFunc

	tables     map[string]*Table
	tablesLock sync.Mutex

	closed atomic.Bool

	ReaderCount atomic.Int64
	WriterCount atomic.Int64
	ReadCount   atomic.Uint64
	WriteCount  atomic.Uint64
}

// Open opens or creates the database at path. Failures are reported as
// *OpenError.
func Open(path string, opt Options) (*DB, error) {
	err := opt.validate(path)
	if err != nil {
		return nil, &OpenError{path, err}
	}

	db := &DB{
		path:      path,
		logger:    opt.Logger,
		verbose:   opt.Verbose,
		strict:    opt.IsTesting,
		readOnly:  opt.ReadOnly,
		maxTables: opt.MaxTables,
		derivers:  opt.Derivers,
		tables:    make(map[string]*Table),
	}
	if db.logger == nil {
		db.logger = slog.Default()
	}

	if opt.InMemory {
		db.st = newMemStorage()
	} else {
		bdb, err := openBolt(path, &opt, db.logger)
		if err != nil {
			return nil, &OpenError{path, err}
		}
		db.bdb = bdb
		db.st = newBoltStorage(bdb)
	}

	if !db.readOnly {
		err = db.Update(func(tx *Tx) error {
			_, err := tx.stx.CreateBucket(metaBucket)
			return err
		})
		if err != nil {
			db.st.Close()
			return nil, &OpenError{path, err}
		}
	}

	if !db.readOnly {
		var stale []string
		err = db.View(func(tx *Tx) error {
			stale, err = staleIndexTables(tx)
			return err
		})
		if err == nil && len(stale) > 0 {
			err = db.Update(db.repairStaleIndexes)
		}
		if err != nil {
			db.logger.Warn("ixdb: stale indexes left detached", "path", path, "err", err)
		}
	}

	if db.maxTables > 0 {
		names, err := db.Tables()
		if err == nil && len(names) > db.maxTables {
			err = fmt.Errorf("%d tables exist, max_tables is %d", len(names), db.maxTables)
		}
		if err != nil {
			db.st.Close()
			return nil, &OpenError{path, err}
		}
	}

	if path != "" {
		db.logger.Info("ixdb: opened", "path", path, "size", humanize.IBytes(uint64(db.Size())), "readonly", db.readOnly)
	}
	return db, nil
}

func openBolt(path string, opt *Options, logger *slog.Logger) (*bbolt.DB, error) {
	if opt.MapSize > 0 {
		fi, err := os.Stat(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if fi != nil && fi.Size() > opt.MapSize {
			return nil, fmt.Errorf("map size %s is smaller than existing data %s", humanize.IBytes(uint64(opt.MapSize)), humanize.IBytes(uint64(fi.Size())))
		}
	}

	bopt := *bbolt.DefaultOptions
	bopt.Timeout = defaultTimeout
	if opt.Timeout > 0 {
		bopt.Timeout = opt.Timeout
	}
	if opt.NoLock {
		bopt.Timeout = time.Millisecond
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.NoSync {
		bopt.NoSync = true
	}
	if opt.MapSize != 0 {
		bopt.InitialMmapSize = int(opt.MapSize)
	}
	bopt.ReadOnly = opt.ReadOnly
	if opt.WriteMap {
		logger.Debug("ixdb: write_map has no effect on Bolt", "path", path)
	}

	return bbolt.Open(path, 0666, &bopt)
}

// Bolt returns the underlying Bolt database, or nil for in-memory databases.
func (db *DB) Bolt() *bbolt.DB {
	return db.bdb
}

func (db *DB) Path() string {
	return db.path
}

// Size returns the database size in bytes.
func (db *DB) Size() int64 {
	var size int64
	_ = db.View(func(tx *Tx) error {
		size = tx.stx.Size()
		return nil
	})
	return size
}

// Close releases the environment. It is safe to call Close more than once.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	return db.st.Close()
}

// Table returns the named table, opening it on first use. Opening reconstructs
// the table's indexes from persisted metadata. A table that has never been
// written to is valid; its storage is created by the first write.
func (db *DB) Table(name string) (*Table, error) {
	return db.table(nil, name)
}

// table is Table that reads metadata within tx when the table is not cached.
func (db *DB) table(tx *Tx, name string) (*Table, error) {
	err := validateTableName(name)
	if err != nil {
		return nil, err
	}
	if db.closed.Load() {
		return nil, ErrClosed
	}

	db.tablesLock.Lock()
	defer db.tablesLock.Unlock()

	if tbl := db.tables[name]; tbl != nil {
		return tbl, nil
	}

	tbl := newTable(db, name)
	err = db.view(tx, func(tx *Tx) error {
		return tbl.load(tx)
	})
	if err != nil {
		return nil, tableErrf(tbl, nil, "", err, "loading index metadata")
	}
	db.tables[name] = tbl
	return tbl, nil
}

// repairStaleIndexes rebuilds stale indexes whose derivation is available, so
// that tables opened later see them attached.
func (db *DB) repairStaleIndexes(tx *Tx) error {
	names, err := staleIndexTables(tx)
	if err != nil {
		return err
	}
	for _, name := range names {
		tbl, err := db.table(tx, name)
		if err != nil {
			return err
		}
		err = tbl.repairIndexes(tx)
		if err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) forgetTable(tbl *Table) {
	db.tablesLock.Lock()
	defer db.tablesLock.Unlock()
	if db.tables[tbl.name] == tbl {
		delete(db.tables, tbl.name)
	}
}

func (db *DB) rememberTable(tbl *Table) {
	db.tablesLock.Lock()
	defer db.tablesLock.Unlock()
	if db.tables[tbl.name] == nil {
		db.tables[tbl.name] = tbl
	}
}

// Tables lists user tables that have storage allocated, in byte order.
func (db *DB) Tables() ([]string, error) {
	var names []string
	err := db.View(func(tx *Tx) error {
		names = tx.tableNames()
		return nil
	})
	return names, err
}

func (tx *Tx) tableNames() []string {
	var names []string
	for _, name := range tx.stx.BucketNames() {
		if !isReservedName(name) {
			names = append(names, name)
		}
	}
	return names
}

func validateTableName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty table name", ErrInvalidName)
	case isReservedName(name):
		return fmt.Errorf("%w: table name %q uses reserved prefix %q", ErrInvalidName, name, reservedPrefix)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("%w: table name %q contains '/'", ErrInvalidName, name)
	}
	return nil
}

func validateIndexName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty index name", ErrInvalidName)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("%w: index name %q contains '/'", ErrInvalidName, name)
	}
	return nil
}

func isReservedName(name string) bool {
	return strings.HasPrefix(name, reservedPrefix)
}

func (db *DB) logf(format string, args ...any) {
	db.logger.Debug(fmt.Sprintf(format, args...))
}
