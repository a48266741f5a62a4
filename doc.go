/*
Package ixdb implements tables of untyped records with secondary indexes on
top of an ordered transactional key-value store (Bolt, or an in-memory engine
for tests).

We implement:

1. Tables, collections of records (map[string]any) keyed by time-ordered
UUIDs, so natural order is insertion order.

2. Indexes, mapping a key derived from each record to the record's primary
key. Derivations are declarative (field, concatenation, zero-padded number,
template, plus named custom functions) so that index definitions can be
persisted and reconstructed when the table is opened again.

# Technical Details

**Buckets.**
Each table is a bucket named after the table. Each index is a bucket named
"@table/index". The "@meta" bucket holds index definitions under
"@table/index" and record counts under "#table". Table names cannot start
with "@", so reserved buckets never collide with tables.

**Consistency.**
Every mutation updates the record, every attached index and the record count
in one transaction. Index keys are derived before anything is written, so a
record that cannot be indexed is rejected as a whole.

## Binary encoding

**Primary key**: the 16 raw bytes of a UUIDv7.

**Value**: msgpack of the record with sorted map keys, without the "_id"
field (which is synthesized from the primary key on read).

**Unique index entry**: key is the order-preserving byte encoding of the
derived key, value is the primary key.

**Duplicate index entry**: key is the encoded derived key followed by the
primary key, value is empty. Entries sharing a derived key are ordered by
primary key, i.e. by insertion.
*/
package ixdb
