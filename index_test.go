package ixdb

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"testing"
)

func TestIndex_ConsistentUnderRandomMutations(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("things"))
		must(tbl.Index(nil, "name", Field("name"), AllowDuplicates()))
		must(tbl.Index(nil, "n", ZeroPad("n", 3), AllowDuplicates()))
		must(tbl.Index(nil, "serial", Field("serial")))
		must(tbl.Index(nil, "label", Template("{name}-{n:03}").Upper(), AllowDuplicates()))

		rnd := rand.New(rand.NewSource(42))
		names := []string{"alpha", "beta", "gamma", "delta"}
		var keys []Key
		var serial int
		for i := 0; i < 150; i++ {
			switch op := rnd.Intn(10); {
			case op < 4 || len(keys) == 0:
				serial++
				keys = append(keys, must(tbl.Append(nil, Record{
					"name":   names[rnd.Intn(len(names))],
					"n":      rnd.Intn(100),
					"serial": serial,
				})))
			case op < 7:
				rec := must(tbl.Get(nil, keys[rnd.Intn(len(keys))]))
				rec["name"] = names[rnd.Intn(len(names))]
				rec["n"] = rnd.Intn(100)
				ensure(tbl.Save(nil, rec))
			default:
				i := rnd.Intn(len(keys))
				deepEqual(t, must(tbl.Delete(nil, keys[i])), 1)
				keys = slices.Delete(keys, i, i+1)
			}
			checkConsistency(t, tbl)
		}
		deepEqual(t, must(tbl.Count(nil)), len(keys))
	})
}

func TestIndex_SaveTouchesOnlyChangedIndexes(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("users"))
		byName := must(tbl.Index(nil, "name", Field("name")))
		byAge := must(tbl.Index(nil, "age", ZeroPad("age", 3), AllowDuplicates()))
		rec := Record{"name": "foo", "age": 30, "bio": "hi"}
		must(tbl.Append(nil, rec))
		must(tbl.Append(nil, Record{"name": "bar", "age": 30}))

		tx := must(db.Begin(true))
		defer tx.Rollback()
		before := tx.writes
		rec["bio"] = "hello"
		ensure(tbl.Save(tx, rec))
		deepEqual(t, tx.writes-before, uint64(1))

		before = tx.writes
		rec["age"] = 31
		ensure(tbl.Save(tx, rec))
		deepEqual(t, tx.writes-before, uint64(3))
		ensure(tx.Commit())

		deepEqual(t, must(byName.EntryCount(nil)), 2)
		deepEqual(t, must(byAge.EntryCount(nil)), 2)
		deepEqual(t, names(t, tbl.Seek(nil, "age", Record{"age": 30})), []string{"bar"})
		deepEqual(t, names(t, tbl.Seek(nil, "age", Record{"age": 31})), []string{"foo"})
		checkConsistency(t, tbl)
	})
}

func TestIndex_DeclareIsIdempotent(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("users"))
		for _, s := range []string{"a", "b", "c"} {
			must(tbl.Append(nil, Record{"name": s}))
		}
		idx := must(tbl.Index(nil, "name", Field("name")))
		again := must(tbl.Index(nil, "name", Field("name")))
		if again != idx {
			t.Fatalf("second declaration returned a different index")
		}
		deepEqual(t, must(idx.EntryCount(nil)), 3)
		deepEqual(t, must(tbl.Reindex(nil, "name")), 3)
		deepEqual(t, must(tbl.Reindex(nil, "name")), 3)
		deepEqual(t, must(idx.EntryCount(nil)), 3)

		ensure(db.View(func(tx *Tx) error {
			mds := must(loadIndexMetadata(tx, "users"))
			deepEqual(t, len(mds), 1)
			deepEqual(t, mds[0].Fingerprint, idx.fingerprint)
			return nil
		}))
		checkConsistency(t, tbl)
	})
}

func TestIndex_RedeclareWithNewDerivation(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("users"))
		must(tbl.Append(nil, Record{"name": "Foo"}))
		old := must(tbl.Index(nil, "name", Field("name")))
		idx := must(tbl.Index(nil, "name", Field("name").Lower(), AllowDuplicates()))
		if idx == old {
			t.Fatalf("changed definition returned the old index")
		}
		deepEqual(t, tbl.IndexNamed("name"), idx)
		deepEqual(t, names(t, tbl.Seek(nil, "name", Record{"name": "FOO"})), []string{"Foo"})
		deepEqual(t, must(idx.EntryCount(nil)), 1)
		checkConsistency(t, tbl)
	})
}

func TestIndex_Range(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("nums"))
		must(tbl.Index(nil, "n", ZeroPad("n", 4)))
		for i := 49; i >= 0; i-- {
			must(tbl.Append(nil, Record{"n": i * 3, "name": fmt.Sprint(i * 3)}))
		}

		deepEqual(t, names(t, tbl.Range(nil, "n", Record{"n": 10}, Record{"n": 20})), []string{"12", "15", "18"})
		deepEqual(t, names(t, tbl.Range(nil, "n", Record{"n": 12}, Record{"n": 18})), []string{"12", "15", "18"})
		deepEqual(t, names(t, tbl.Range(nil, "n", nil, Record{"n": 6})), []string{"0", "3", "6"})
		deepEqual(t, names(t, tbl.Range(nil, "n", Record{"n": 141}, nil)), []string{"141", "144", "147"})
		deepEqual(t, names(t, tbl.Range(nil, "n", Record{"n": 20}, Record{"n": 10})), []string(nil))
		deepEqual(t, len(names(t, tbl.Range(nil, "n", nil, nil))), 50)

		deepEqual(t, names(t, tbl.Find(nil, FindOptions{Index: "n", Limit: 3})), []string{"0", "3", "6"})
		deepEqual(t, names(t, tbl.Find(nil, FindOptions{Index: "n", Limit: 2, Reverse: true})), []string{"147", "144"})

		_, err := tbl.Range(nil, "n", Record{"n": -1}, nil).Collect()
		var de *DerivationError
		if !errors.As(err, &de) {
			t.Fatalf("Range with underivable bound = %v, wanted DerivationError", err)
		}
	})
}

func TestIndex_RangeOverPrefixedKeys(t *testing.T) {
	db := setup(t)
	tbl := must(db.Table("words"))
	must(tbl.Index(nil, "w", Field("w")))
	for _, w := range []string{"a", "ab", "abc", "b", "ba"} {
		must(tbl.Append(nil, Record{"w": w, "name": w}))
	}
	w := func(s string) Record { return Record{"w": s} }
	deepEqual(t, names(t, tbl.Range(nil, "w", w("a"), w("ab"))), []string{"a", "ab"})
	deepEqual(t, names(t, tbl.Range(nil, "w", w("ab"), w("b"))), []string{"ab", "abc", "b"})
	deepEqual(t, names(t, tbl.Range(nil, "w", w("abc"), w("abc"))), []string{"abc"})
}

func TestIndex_DuplicatesInInsertionOrder(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("events"))
		must(tbl.Index(nil, "kind", Field("kind"), AllowDuplicates()))
		for i, kind := range []string{"x", "y", "x", "x", "y"} {
			must(tbl.Append(nil, Record{"kind": kind, "name": fmt.Sprint(i)}))
		}
		deepEqual(t, names(t, tbl.Seek(nil, "kind", Record{"kind": "x"})), []string{"0", "2", "3"})
		deepEqual(t, names(t, tbl.Seek(nil, "kind", Record{"kind": "y"})), []string{"1", "4"})
		deepEqual(t, names(t, tbl.Seek(nil, "kind", Record{"kind": "z"})), []string(nil))
		deepEqual(t, must(tbl.SeekOne(nil, "kind", Record{"kind": "y"}))["name"], any("1"))
		deepEqual(t, names(t, tbl.Find(nil, FindOptions{Index: "kind"})), []string{"0", "2", "3", "1", "4"})
	})
}

func TestIndex_UniqueCollision(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("users"))
		must(tbl.Index(nil, "email", Field("email").Lower()))
		must(tbl.Index(nil, "name", Field("name"), AllowDuplicates()))
		must(tbl.Append(nil, Record{"email": "a@x", "name": "a"}))

		rec := Record{"email": "A@X", "name": "b"}
		_, err := tbl.Append(nil, rec)
		if !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("Append with colliding key = %v, wanted ErrDuplicateKey", err)
		}
		if rec.HasKey() {
			t.Errorf("failed Append set %s", KeyField)
		}
		deepEqual(t, must(tbl.Count(nil)), 1)
		checkConsistency(t, tbl)

		b := Record{"email": "b@x", "name": "b"}
		must(tbl.Append(nil, b))
		b["email"] = "a@x"
		err = tbl.Save(nil, b)
		if !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("Save with colliding key = %v, wanted ErrDuplicateKey", err)
		}
		deepEqual(t, must(tbl.SeekOne(nil, "email", Record{"email": "b@x"}))["name"], any("b"))
		checkConsistency(t, tbl)

		must(tbl.Append(nil, Record{"email": "c@x", "name": "b"}))
		_, err = tbl.Index(nil, "by_name", Field("name"))
		if !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("unique Index over duplicate values = %v, wanted ErrDuplicateKey", err)
		}
		isnil(t, tbl.IndexNamed("by_name"))
		ensure(db.View(func(tx *Tx) error {
			deepEqual(t, len(must(loadIndexMetadata(tx, "users"))), 2)
			return nil
		}))
	})
}

func TestIndex_DerivationFailureRejectsRecord(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("users"))
		must(tbl.Index(nil, "email", Field("email")))

		tx := must(db.Begin(true))
		defer tx.Rollback()
		_, err := tbl.Append(tx, Record{"name": "noemail"})
		var de *DerivationError
		if !errors.As(err, &de) {
			t.Fatalf("Append without indexed field = %v, wanted DerivationError", err)
		}
		deepEqual(t, de.Index, "users.email")
		deepEqual(t, de.Field, "email")
		if err := tx.Err(); err != nil {
			t.Fatalf("derivation failure poisoned the transaction: %v", err)
		}

		must(tbl.Append(tx, Record{"email": "ok@x"}))
		ensure(tx.Commit())
		deepEqual(t, must(tbl.Count(nil)), 1)
		checkConsistency(t, tbl)

		idx := must(tbl.Index(nil, "name", Field("name")))
		deepEqual(t, must(idx.EntryCount(nil)), 0)
		_, err = tbl.Append(nil, Record{"email": "other@x"})
		if !errors.As(err, &de) {
			t.Fatalf("Append without the newly indexed field = %v, wanted DerivationError", err)
		}
		deepEqual(t, must(tbl.Count(nil)), 1)
	})
}

func TestIndex_SkipsUnderivableRecords(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("docs"))
		must(tbl.Append(nil, Record{"name": "a"}))
		titled := Record{"title": "untitled"}
		tk := must(tbl.Append(nil, titled))
		other := must(tbl.Append(nil, Record{"title": "other"}))

		idx := must(tbl.Index(nil, "name", Field("name"), AllowDuplicates()))
		deepEqual(t, must(idx.EntryCount(nil)), 1)
		deepEqual(t, must(tbl.Reindex(nil, "name")), 1)
		checkConsistency(t, tbl)

		titled["title"] = "renamed"
		var de *DerivationError
		if err := tbl.Save(nil, titled); !errors.As(err, &de) {
			t.Fatalf("Save still missing the indexed field = %v, wanted DerivationError", err)
		}
		deepEqual(t, must(idx.EntryCount(nil)), 1)

		titled["name"] = "b"
		ensure(tbl.Save(nil, titled))
		deepEqual(t, must(idx.EntryCount(nil)), 2)
		deepEqual(t, must(tbl.SeekOne(nil, "name", Record{"name": "b"}))[KeyField], any(tk.String()))

		delete(titled, "name")
		err := tbl.Save(nil, titled)
		if !errors.As(err, &de) {
			t.Fatalf("Save dropping the indexed field = %v, wanted DerivationError", err)
		}

		deepEqual(t, must(tbl.Delete(nil, other)), 1)
		deepEqual(t, must(tbl.Count(nil)), 2)
		checkConsistency(t, tbl)
	})
}

func TestIndex_SaveOfUnindexedRecordToEmptyKey(t *testing.T) {
	db := setupMem(t)
	tbl := must(db.Table("docs"))
	rec := Record{"title": "x"}
	must(tbl.Append(nil, rec))
	idx := must(tbl.Index(nil, "name", Field("name")))
	deepEqual(t, must(idx.EntryCount(nil)), 0)

	rec["name"] = ""
	ensure(tbl.Save(nil, rec))
	deepEqual(t, must(idx.EntryCount(nil)), 1)
	checkConsistency(t, tbl)
}

func TestIndex_RollbackRestoresIndexSet(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("users"))
		must(tbl.Append(nil, Record{"name": "a"}))
		kept := must(tbl.Index(nil, "kept", Field("name")))

		tx := must(db.Begin(true))
		must(tbl.Index(tx, "added", Field("name").Upper()))
		ensure(tbl.Unindex(tx, "kept"))
		deepEqual(t, indexNames(tbl), []string{"added"})
		ensure(tx.Rollback())

		deepEqual(t, indexNames(tbl), []string{"kept"})
		deepEqual(t, tbl.IndexNamed("kept"), kept)
		ensure(db.View(func(tx *Tx) error {
			mds := must(loadIndexMetadata(tx, "users"))
			deepEqual(t, len(mds), 1)
			deepEqual(t, mds[0].Index, "kept")
			if tx.stx.Bucket(indexBucketName("users", "added")) != nil {
				t.Errorf("rolled back index bucket exists")
			}
			return nil
		}))
		deepEqual(t, must(tbl.SeekOne(nil, "kept", Record{"name": "a"}))["name"], any("a"))

		err := db.Update(func(tx *Tx) error {
			ensure(tbl.Drop(tx, true))
			return errors.New("abort")
		})
		deepEqual(t, err.Error(), "abort")
		if must(db.Table("users")) != tbl {
			t.Fatalf("rolled back Drop lost the table handle")
		}
		deepEqual(t, must(tbl.Count(nil)), 1)
		deepEqual(t, indexNames(tbl), []string{"kept"})
	})
}

func TestIndex_Unindex(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("users"))
		must(tbl.Append(nil, Record{"name": "a"}))
		must(tbl.Index(nil, "name", Field("name")))
		ensure(tbl.Unindex(nil, "name"))

		isempty(t, tbl.Indexes())
		_, err := tbl.SeekOne(nil, "name", Record{"name": "a"})
		if !errors.Is(err, ErrIndexMissing) {
			t.Fatalf("SeekOne on removed index = %v, wanted ErrIndexMissing", err)
		}
		err = tbl.Unindex(nil, "name")
		if !errors.Is(err, ErrIndexMissing) {
			t.Fatalf("second Unindex = %v, wanted ErrIndexMissing", err)
		}
		_, err = tbl.Reindex(nil, "name")
		if !errors.Is(err, ErrIndexMissing) {
			t.Fatalf("Reindex of removed index = %v, wanted ErrIndexMissing", err)
		}
		_, err = tbl.Find(nil, FindOptions{Index: "name"}).Collect()
		if !errors.Is(err, ErrIndexMissing) {
			t.Fatalf("Find over removed index = %v, wanted ErrIndexMissing", err)
		}
		deepEqual(t, db.ReaderCount.Load(), int64(0))

		must(tbl.Append(nil, Record{"name": "a"}))
		deepEqual(t, must(tbl.Count(nil)), 2)
	})
}

func TestIndex_Empty(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("users"))
		idx := must(tbl.Index(nil, "name", Field("name")))
		for _, s := range []string{"a", "b"} {
			must(tbl.Append(nil, Record{"name": s}))
		}
		ensure(tbl.Empty(nil))
		deepEqual(t, must(tbl.Count(nil)), 0)
		deepEqual(t, must(idx.EntryCount(nil)), 0)
		deepEqual(t, indexNames(tbl), []string{"name"})

		must(tbl.Append(nil, Record{"name": "a"}))
		deepEqual(t, names(t, tbl.Seek(nil, "name", Record{"name": "a"})), []string{"a"})
		checkConsistency(t, tbl)
	})
}

func TestIndex_Cursor(t *testing.T) {
	db := setupMem(t)
	tbl := must(db.Table("events"))
	idx := must(tbl.Index(nil, "kind", Field("kind"), AllowDuplicates()))
	var keys []Key
	for _, kind := range []string{"b", "a", "b", "c", "b"} {
		keys = append(keys, must(tbl.Append(nil, Record{"kind": kind})))
	}

	ensure(db.View(func(tx *Tx) error {
		ic := must(idx.cursor(tx))
		if !ic.setKey([]byte("b")) {
			t.Fatalf("setKey(b) failed")
		}
		var got []Key
		for ok := true; ok; ok = ic.next() {
			d, pk := must2(ic.entry())
			if string(d) != "b" {
				deepEqual(t, string(d), "c")
				deepEqual(t, pk, keys[3])
				break
			}
			got = append(got, pk)
		}
		deepEqual(t, got, []Key{keys[0], keys[2], keys[4]})

		if ic.setKey([]byte("bb")) {
			t.Errorf("setKey(bb) succeeded")
		}
		if ic.setKey([]byte("d")) {
			t.Errorf("setKey(d) succeeded")
		}
		_, _, err := ic.entry()
		if err == nil {
			t.Errorf("entry() on an unpositioned cursor succeeded")
		}
		return nil
	}))
}

func TestIndex_DanglingEntries(t *testing.T) {
	run := func(t *testing.T, strict bool) []string {
		db := setupMem(t)
		db.strict = strict
		tbl := must(db.Table("users"))
		idx := must(tbl.Index(nil, "name", Field("name")))
		must(tbl.Append(nil, Record{"name": "a"}))
		must(tbl.Append(nil, Record{"name": "b"}))
		ensure(db.Update(func(tx *Tx) error {
			return idx.put(tx, must(NewKey()), []byte("ghost"))
		}))
		c := tbl.Find(nil, FindOptions{Index: "name"})
		var result []string
		for c.Next() {
			result = append(result, c.Record()["name"].(string))
		}
		if strict {
			if c.Err() == nil {
				t.Errorf("dangling entry not reported in strict mode")
			}
		} else {
			ensure(c.Err())
		}
		return result
	}
	deepEqual(t, run(t, false), []string{"a", "b"})
	deepEqual(t, run(t, true), []string{"a", "b"})
}

func TestCursor_ReleasesOwnTransaction(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("users"))
		for _, s := range []string{"a", "b", "c"} {
			must(tbl.Append(nil, Record{"name": s}))
		}

		c := tbl.Find(nil, FindOptions{})
		deepEqual(t, db.ReaderCount.Load(), int64(1))
		deepEqual(t, c.Next(), true)
		ensure(c.Close())
		ensure(c.Close())
		deepEqual(t, db.ReaderCount.Load(), int64(0))
		deepEqual(t, c.Next(), false)

		for _, rec := range tbl.Find(nil, FindOptions{}).All() {
			deepEqual(t, rec["name"], any("a"))
			break
		}
		deepEqual(t, db.ReaderCount.Load(), int64(0))

		keys := must(tbl.Find(nil, FindOptions{Reverse: true}).Keys())
		deepEqual(t, len(keys), 3)
		deepEqual(t, db.ReaderCount.Load(), int64(0))

		ensure(db.View(func(tx *Tx) error {
			recs := must(tbl.Find(tx, FindOptions{}).Collect())
			deepEqual(t, len(recs), 3)
			deepEqual(t, db.ReaderCount.Load(), int64(1))
			return nil
		}))
		deepEqual(t, db.ReaderCount.Load(), int64(0))
	})
}

func TestCursor_SeesOwnWrites(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tbl := must(db.Table("users"))
		must(tbl.Index(nil, "name", Field("name")))
		ensure(db.Update(func(tx *Tx) error {
			must(tbl.Append(tx, Record{"name": "a"}))
			deepEqual(t, names(t, tbl.Seek(tx, "name", Record{"name": "a"})), []string{"a"})
			deepEqual(t, must(tbl.Count(tx)), 1)
			return nil
		}))
		deepEqual(t, must(tbl.Count(nil)), 1)
	})
}

// checkConsistency verifies that every attached index holds exactly one entry
// per indexable record, under the key derived from that record.
func checkConsistency(t *testing.T, tbl *Table) {
	t.Helper()
	ensure(tbl.db.View(func(tx *Tx) error {
		recs := must(tbl.Find(tx, FindOptions{}).Collect())
		deepEqual(t, must(tbl.Count(tx)), len(recs))
		for _, idx := range tbl.Indexes() {
			var want []string
			for _, rec := range recs {
				d, err := idx.derive(rec)
				if err != nil {
					continue
				}
				want = append(want, fmt.Sprintf("%s=%s", d, rec[KeyField]))
			}
			var got []string
			ic := must(idx.cursor(tx))
			for ok := ic.first(); ok; ok = ic.next() {
				d, pk := must2(ic.entry())
				got = append(got, fmt.Sprintf("%s=%s", d, pk))
			}
			slices.Sort(want)
			slices.Sort(got)
			if !slices.Equal(got, want) {
				t.Errorf("%s: entries = %v, wanted %v", idx, got, want)
			}
		}
		return nil
	}))
}

func must2[A, B any](a A, b B, err error) (A, B) {
	if err != nil {
		panic(err)
	}
	return a, b
}
