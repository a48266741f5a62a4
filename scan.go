package ixdb

import (
	"bytes"
	"context"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// rawRange is a range of keys within one bucket. A nil bound is open.
// If prefix is set, iteration stops at the first key without it.
type rawRange struct {
	prefix   []byte
	lower    []byte
	upper    []byte
	lowerInc bool
	upperInc bool
	reverse  bool
}

func prefixRange(p []byte) rawRange { return rawRange{prefix: p} }

// derivedRange covers entries whose derived key is within [lo, hi]. Either
// bound may be nil.
func derivedRange(lo, hi []byte, reverse bool) rawRange {
	var r rawRange
	if lo != nil {
		r.lower = encodeIndexPrefix(nil, lo)
		r.lowerInc = true
	}
	if hi != nil {
		upper := encodeIndexPrefix(nil, hi)
		// encoded keys end with a terminator, so inc never overflows
		ensureInc(upper)
		r.upper = upper
	}
	r.reverse = reverse
	return r
}

func ensureInc(b []byte) {
	if !inc(b) {
		panic("cannot increment all-0xFF key")
	}
}

func (r *rawRange) start(c storageCursor, logger *slog.Logger) ([]byte, []byte) {
	var k, v []byte
	if r.reverse {
		switch {
		case r.upper != nil:
			k, v = c.Seek(r.upper)
			if k == nil {
				k, v = c.Last()
			} else if cmp := bytes.Compare(k, r.upper); cmp > 0 || (cmp == 0 && !r.upperInc) {
				k, v = c.Prev()
			}
		case r.prefix != nil:
			k, v = c.SeekLast(r.prefix)
		default:
			k, v = c.Last()
		}
	} else {
		switch {
		case r.lower != nil:
			k, v = c.Seek(r.lower)
			if k != nil && !r.lowerInc && bytes.Equal(k, r.lower) {
				k, v = c.Next()
			}
		case r.prefix != nil:
			k, v = c.Seek(r.prefix)
		default:
			k, v = c.First()
		}
	}
	if debugLogRawScans {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "START", hexAttr("key", k), slog.Bool("reverse", r.reverse))
	}
	if k != nil && r.match(k, logger) {
		return k, v
	}
	return nil, nil
}

func (r *rawRange) next(c storageCursor, logger *slog.Logger) ([]byte, []byte) {
	var k, v []byte
	if r.reverse {
		k, v = c.Prev()
	} else {
		k, v = c.Next()
	}
	if debugLogRawScans {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "NEXT", hexAttr("key", k), slog.Bool("reverse", r.reverse))
	}
	if k != nil && r.match(k, logger) {
		return k, v
	}
	return nil, nil
}

func (r *rawRange) match(k []byte, logger *slog.Logger) bool {
	if r.prefix != nil && !bytes.HasPrefix(k, r.prefix) {
		if debugLogRawScans {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "BAIL on prefix", hexAttr("prefix", r.prefix), hexAttr("key", k))
		}
		return false
	}
	if r.reverse {
		if r.lower != nil {
			cmp := bytes.Compare(k, r.lower)
			if cmp < 0 || (cmp == 0 && !r.lowerInc) {
				return false
			}
		}
	} else {
		if r.upper != nil {
			cmp := bytes.Compare(k, r.upper)
			if cmp > 0 || (cmp == 0 && !r.upperInc) {
				return false
			}
		}
	}
	return true
}

func (r *rawRange) newCursor(c storageCursor, logger *slog.Logger) *rawRangeCursor {
	return &rawRangeCursor{rang: *r, bcur: c, logger: logger}
}

type rawRangeCursor struct {
	rang   rawRange
	bcur   storageCursor
	logger *slog.Logger
	k, v   []byte
	init   bool
}

func (c *rawRangeCursor) Next() bool {
	if c.init {
		if c.k == nil {
			return false
		}
		c.k, c.v = c.rang.next(c.bcur, c.logger)
	} else {
		c.init = true
		c.k, c.v = c.rang.start(c.bcur, c.logger)
	}
	return c.k != nil
}

func (c *rawRangeCursor) Key() []byte   { return c.k }
func (c *rawRangeCursor) Value() []byte { return c.v }
