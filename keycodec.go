package ixdb

import (
	"github.com/google/uuid"
	"github.com/jgraettinger/cockroach-encoding/encoding"
)

// Index entry layout:
//
//	unique:     key = bytesAscending(derived)              value = primary key
//	duplicates: key = bytesAscending(derived) primary key  value = empty
//
// bytesAscending escapes 0x00 and ends with a 0x00 0x01 terminator, so the
// byte order of entries equals the byte order of derived keys, and duplicates
// of one derived key sort by primary key.

var emptyIndexValue = []byte{}

func encodePrimaryKey(k Key) []byte {
	raw := make([]byte, len(k))
	copy(raw, k[:])
	return raw
}

func decodePrimaryKey(raw []byte) (Key, error) {
	k, err := uuid.FromBytes(raw)
	if err != nil {
		return Key{}, dataErrf(raw, 0, err, "invalid primary key")
	}
	return k, nil
}

// encodeIndexPrefix returns the key prefix shared by all entries with the
// given derived key.
func encodeIndexPrefix(buf, derived []byte) []byte {
	return encoding.EncodeBytesAscending(buf, derived)
}

func encodeIndexEntry(derived []byte, pk Key, dups bool) (k, v []byte) {
	k = encodeIndexPrefix(make([]byte, 0, len(derived)+2+2+len(pk)), derived)
	if dups {
		return append(k, pk[:]...), emptyIndexValue
	}
	return k, encodePrimaryKey(pk)
}

func decodeIndexEntry(k, v []byte, dups bool) (derived []byte, pk Key, err error) {
	rest, derived, err := encoding.DecodeBytesAscending(k, nil)
	if err != nil {
		return nil, Key{}, dataErrf(k, 0, err, "invalid index key")
	}
	if dups {
		pk, err = decodePrimaryKey(rest)
	} else {
		if len(rest) != 0 {
			return nil, Key{}, dataErrf(k, len(k)-len(rest), nil, "trailing bytes in unique index key")
		}
		pk, err = decodePrimaryKey(v)
	}
	return derived, pk, err
}
