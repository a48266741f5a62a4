package ixdb

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	errTxClosed  = errors.New("transaction closed")
	errManagedTx = errors.New("managed transaction cannot be committed or rolled back manually")
)

// Tx is a database transaction. A Tx must only be used by one goroutine.
//
// Table operations accept a nil *Tx, in which case they run in a transaction
// of their own. When a caller-supplied Tx is used and a mutation fails after
// writing, the Tx is poisoned: Commit rolls back and returns the error, so
// data and indexes can never be committed half-updated.
type Tx struct {
	db       *DB
	stx      storageTx
	writable bool
	managed  bool
	closed   bool

	writes uint64
	err    error

	rollbackHooks  []func()
	changeHandlers []*changeHandler
}

func (db *DB) Begin(writable bool) (*Tx, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if writable && db.readOnly {
		return nil, ErrReadOnlyTx
	}
	stx, err := db.st.BeginTx(writable)
	if err != nil {
		return nil, fmt.Errorf("ixdb: begin: %w", err)
	}
	if writable {
		db.WriterCount.Add(1)
		db.WriteCount.Add(1)
	} else {
		db.ReaderCount.Add(1)
		db.ReadCount.Add(1)
	}
	return &Tx{db: db, stx: stx, writable: writable}, nil
}

// Update runs f in a write transaction. The transaction commits if f returns
// nil and rolls back if f returns an error or panics.
func (db *DB) Update(f func(tx *Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	tx.managed = true
	defer tx.rollback()

	err = safelyCall(f, tx)
	if err != nil {
		return err
	}
	return tx.commit()
}

// View runs f in a read-only transaction.
func (db *DB) View(f func(tx *Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	tx.managed = true
	defer tx.rollback()
	return safelyCall(f, tx)
}

// update runs f inside tx, or inside a new write transaction if tx is nil.
func (db *DB) update(tx *Tx, f func(tx *Tx) error) error {
	if tx == nil {
		return db.Update(f)
	}
	switch {
	case tx.closed:
		return errTxClosed
	case !tx.writable:
		return ErrReadOnlyTx
	case tx.err != nil:
		return fmt.Errorf("transaction already failed: %w", tx.err)
	}
	writes := tx.writes
	err := safelyCall(f, tx)
	if err != nil && tx.writes != writes {
		tx.err = err
	}
	return err
}

// view runs f inside tx, or inside a new read transaction if tx is nil.
func (db *DB) view(tx *Tx, f func(tx *Tx) error) error {
	if tx == nil {
		return db.View(f)
	}
	if tx.closed {
		return errTxClosed
	}
	return safelyCall(f, tx)
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func (p panicked) Unwrap() error {
	err, _ := p.reason.(error)
	return err
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
			if tx.writable {
				tx.err = err
			}
		}
	}()
	return fn(tx)
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) Writable() bool {
	return tx.writable
}

// Err returns the error that poisoned the transaction, if any.
func (tx *Tx) Err() error {
	return tx.err
}

func (tx *Tx) markWritten() {
	tx.writes++
}

// onRollback registers f to run if the transaction does not commit. Used to
// undo in-memory changes (like attaching an index) made alongside writes.
func (tx *Tx) onRollback(f func()) {
	tx.rollbackHooks = append(tx.rollbackHooks, f)
}

// Commit commits a writable transaction; for a read-only one it just releases it.
func (tx *Tx) Commit() error {
	if tx.managed {
		return errManagedTx
	}
	return tx.commit()
}

// Rollback aborts the transaction. It is safe to call after Commit.
func (tx *Tx) Rollback() error {
	if tx.managed {
		return errManagedTx
	}
	return tx.rollback()
}

func (tx *Tx) commit() error {
	if tx.closed {
		return errTxClosed
	}
	if !tx.writable {
		return tx.rollback()
	}
	if tx.err != nil {
		err := tx.err
		tx.rollback()
		return fmt.Errorf("transaction rolled back: %w", err)
	}
	tx.closed = true
	tx.db.WriterCount.Add(-1)
	err := tx.stx.Commit()
	if err != nil {
		tx.runRollbackHooks()
		return fmt.Errorf("ixdb: commit: %w", err)
	}
	tx.rollbackHooks = nil
	return nil
}

func (tx *Tx) rollback() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	if tx.writable {
		tx.db.WriterCount.Add(-1)
	} else {
		tx.db.ReaderCount.Add(-1)
	}
	err := tx.stx.Rollback()
	tx.runRollbackHooks()
	return err
}

func (tx *Tx) runRollbackHooks() {
	hooks := tx.rollbackHooks
	tx.rollbackHooks = nil
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
