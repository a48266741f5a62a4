package ixdb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by point lookups that miss.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a primary key collides or when a
	// unique index already maps the derived key to another record.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrIndexMissing is returned when an operation names an index that is not
	// attached to the table.
	ErrIndexMissing = errors.New("index missing")

	// ErrTableMissing is returned when using a table that has been dropped.
	ErrTableMissing = errors.New("table missing")

	ErrReadOnlyTx    = errors.New("transaction is read-only")
	ErrInvalidName   = errors.New("invalid name")
	ErrTooManyTables = errors.New("too many tables")
	ErrClosed        = errors.New("database closed")
)

// OpenError is returned by Open when the environment cannot be used.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("ixdb: open %s: %v", e.Path, e.Err)
}

// DerivationError means a record cannot produce a key for an index.
type DerivationError struct {
	Index string
	Field string
	Msg   string
}

func derivErrf(field string, format string, args ...any) error {
	return &DerivationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func (e *DerivationError) Error() string {
	var buf strings.Builder
	buf.WriteString("cannot derive index key")
	if e.Index != "" {
		buf.WriteString(" for ")
		buf.WriteString(e.Index)
	}
	if e.Field != "" {
		fmt.Fprintf(&buf, ": field %q", e.Field)
	}
	buf.WriteString(": ")
	buf.WriteString(e.Msg)
	return buf.String()
}

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// TableError adds table, index and key context to an underlying error.
type TableError struct {
	Table string
	Index string
	Key   string
	Msg   string
	Err   error
}

func tableErrf(tbl *Table, idx *Index, key string, err error, format string, args ...any) error {
	e := &TableError{Key: key, Err: err}
	if tbl != nil {
		e.Table = tbl.name
	}
	if idx != nil {
		e.Index = idx.name
	}
	if format != "" {
		e.Msg = fmt.Sprintf(format, args...)
	}
	return e
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Table)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Key != "" {
		buf.WriteByte('/')
		buf.WriteString(e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
