package ixdb

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type encodingMethod int

const (
	MsgPack encodingMethod = iota
	JSON

	defaultValueEncoding = MsgPack
)

func (enc encodingMethod) String() string {
	switch enc {
	case MsgPack:
		return "msgpack"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("encoding(%d)", int(enc))
	}
}

// EncodeValue appends the encoding of v to buf. Map keys are sorted, so equal
// records always produce equal bytes.
func (enc encodingMethod) EncodeValue(buf []byte, v any) ([]byte, error) {
	switch enc {
	case MsgPack:
		bb := bytes.NewBuffer(buf)
		e := msgpack.GetEncoder()
		e.Reset(bb)
		e.SetSortMapKeys(true)
		err := e.Encode(v)
		msgpack.PutEncoder(e)
		if err != nil {
			return buf, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
		}
		return bb.Bytes(), nil
	case JSON:
		raw, err := json.Marshal(v)
		if err != nil {
			return buf, fmt.Errorf("failed to encode %T to JSON: %w", v, err)
		}
		return append(buf, raw...), nil
	default:
		panic("unsupported encoding")
	}
}

// DecodeValue decodes buf into the value pointed to by ptr. Untyped numbers
// come back as int64, uint64 or float64 regardless of their wire width.
func (enc encodingMethod) DecodeValue(buf []byte, ptr any) error {
	switch enc {
	case MsgPack:
		r := bytes.NewReader(buf)
		d := msgpack.GetDecoder()
		d.Reset(r)
		d.UseLooseInterfaceDecoding(true)
		err := d.Decode(ptr)
		msgpack.PutDecoder(d)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode msgpack into %T", ptr)
		}
		return nil
	case JSON:
		err := json.Unmarshal(buf, ptr)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode JSON into %T", ptr)
		}
		return nil
	default:
		panic("unsupported encoding")
	}
}

func encodeRecord(buf []byte, rec Record) ([]byte, error) {
	return defaultValueEncoding.EncodeValue(buf, rec.withoutKey())
}

// decodeRecord decodes a stored value and sets KeyField to key.
func decodeRecord(key Key, raw []byte) (Record, error) {
	var m map[string]any
	err := defaultValueEncoding.DecodeValue(raw, &m)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]any, 1)
	}
	rec := Record(m)
	rec[KeyField] = key.String()
	return rec, nil
}
