package ixdb

import (
	"errors"
	"fmt"
	"testing"
)

func TestDerivation_Derive(t *testing.T) {
	rec := Record{
		"name":    "Foo Bar",
		"email":   "  Foo@Example.COM ",
		"n":       int64(42),
		"small":   int8(7),
		"f":       3.0,
		"pi":      3.25,
		"ok":      true,
		"raw":     []byte("xyz"),
		"call":    "lower(trim(x.y))",
		"address": map[string]any{"city": "Paris", "zip": int64(75001)},
	}
	tests := []struct {
		d        Derivation
		expected string
	}{
		{Field("name"), "Foo Bar"},
		{Field("n"), "42"},
		{Field("small"), "7"},
		{Field("f"), "3"},
		{Field("pi"), "3.25"},
		{Field("ok"), "true"},
		{Field("raw"), "xyz"},
		{Field("address.city"), "Paris"},
		{Field("name").Lower(), "foo bar"},
		{Field("name").Upper(), "FOO BAR"},
		{Field("email").Trim().Lower(), "foo@example.com"},
		{Field("call").StripCall(), "x.y"},
		{Field("name").StripCall(), "Foo Bar"},
		{Concat("|", "name", "n"), "Foo Bar|42"},
		{Concat("", "address.city", "address.zip"), "Paris75001"},
		{ZeroPad("n", 5), "00042"},
		{ZeroPad("n", 2), "42"},
		{ZeroPad("f", 3), "003"},
		{Template("{address.city}/{n:06}"), "Paris/000042"},
		{Template("{{{name}}}"), "{Foo Bar}"},
		{Template("static"), "static"},
		{Template("{name}").Lower(), "foo bar"},
	}
	for _, tt := range tests {
		t.Run(tt.d.String(), func(t *testing.T) {
			a := string(must(tt.d.Derive(rec)))
			if a != tt.expected {
				t.Errorf("** %v: got %q, wanted %q", tt.d, a, tt.expected)
			}
		})
	}
}

func TestDerivation_Errors(t *testing.T) {
	rec := Record{
		"name": "foo",
		"neg":  int64(-5),
		"big":  int64(123456),
		"frac": 1.5,
		"list": []any{"a"},
		"nil":  nil,
	}
	tests := []struct {
		d     Derivation
		field string
	}{
		{Field("missing"), "missing"},
		{Field("nil"), "nil"},
		{Field("name.sub"), "name.sub"},
		{Field("list"), "list"},
		{Concat("-", "name", "missing"), "missing"},
		{ZeroPad("neg", 3), "neg"},
		{ZeroPad("big", 3), "big"},
		{ZeroPad("frac", 3), "frac"},
		{ZeroPad("name", 3), "name"},
		{Template("{name}-{missing}"), "missing"},
		{Template("{neg:04}"), "neg"},
	}
	for _, tt := range tests {
		t.Run(tt.d.String(), func(t *testing.T) {
			_, err := tt.d.Derive(rec)
			var de *DerivationError
			if !errors.As(err, &de) {
				t.Fatalf("** %v: got err %v, wanted DerivationError", tt.d, err)
			}
			if de.Field != tt.field {
				t.Errorf("** %v: got field %q, wanted %q", tt.d, de.Field, tt.field)
			}
		})
	}
}

func TestDerivation_Custom(t *testing.T) {
	d := Custom("initials", func(rec Record) ([]byte, error) {
		s, _ := rec["name"].(string)
		if s == "" {
			return nil, fmt.Errorf("no name")
		}
		return []byte(s[:1]), nil
	}).Upper()
	deepEqual(t, string(must(d.Derive(Record{"name": "bob"}))), "B")

	_, err := d.Derive(Record{})
	var de *DerivationError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, wanted DerivationError", err)
	}
	deepEqual(t, de.Msg, "no name")

	empty := Custom("empty", func(rec Record) ([]byte, error) { return nil, nil })
	deepEqual(t, must(empty.Derive(Record{})), []byte{})
}

func TestDerivation_Validate(t *testing.T) {
	valid := []Derivation{
		Field("a"),
		Concat(",", "a", "b"),
		ZeroPad("a", 1),
		ZeroPad("a", 20),
		Template("{a}-{b:3}"),
		Custom("f", func(Record) ([]byte, error) { return nil, nil }),
	}
	for _, d := range valid {
		if err := d.validate(); err != nil {
			t.Errorf("** %v: validate failed: %v", d, err)
		}
	}

	invalid := []Derivation{
		Field(""),
		Concat(","),
		Concat(",", "a", ""),
		ZeroPad("a", 0),
		ZeroPad("a", 21),
		Template(""),
		Template("{"),
		Template("{}"),
		Template("a}"),
		Template("{a:x}"),
		Template("{a:0}"),
		Custom("", func(Record) ([]byte, error) { return nil, nil }),
		Custom("f", nil),
		{spec: DerivationSpec{Kind: "bogus"}},
		Field("a").with("reverse"),
	}
	for _, d := range invalid {
		if err := d.validate(); err == nil {
			t.Errorf("** %v: validate succeeded, wanted error", d)
		}
	}
}

func TestDerivation_Fingerprint(t *testing.T) {
	deepEqual(t, Field("a").fingerprint(), Field("a").fingerprint())
	deepEqual(t, Field("a").Lower().fingerprint(), Field("a").Lower().fingerprint())

	distinct := []Derivation{
		Field("a"),
		Field("b"),
		Field("a").Lower(),
		Field("a").Lower().Trim(),
		Field("a").Trim().Lower(),
		Concat("", "a"),
		Concat(",", "a", "b"),
		ZeroPad("a", 3),
		ZeroPad("a", 4),
		Template("{a}"),
		Custom("a", nil),
	}
	seen := make(map[uint64]Derivation)
	for _, d := range distinct {
		fp := d.fingerprint()
		if prev, ok := seen[fp]; ok {
			t.Errorf("** %v and %v share fingerprint %016x", prev, d, fp)
		}
		seen[fp] = d
	}
}

func TestDerivation_FromSpec(t *testing.T) {
	orig := Template("{a:05}").Trim()
	d := must(derivationFromSpec(orig.Spec(), nil))
	deepEqual(t, d.fingerprint(), orig.fingerprint())
	deepEqual(t, string(must(d.Derive(Record{"a": 12}))), "00012")

	fn := func(Record) ([]byte, error) { return []byte("k"), nil }
	spec := Custom("k", fn).Spec()
	_, err := derivationFromSpec(spec, nil)
	if err == nil {
		t.Fatalf("custom derivation without its function succeeded")
	}
	d = must(derivationFromSpec(spec, map[string]DeriveFunc{"k": fn}))
	deepEqual(t, string(must(d.Derive(Record{}))), "k")
}

func TestDerivation_String(t *testing.T) {
	deepEqual(t, Field("a").Lower().String(), "field(a).lower")
	deepEqual(t, Concat("-", "a", "b").String(), `concat("-", a, b)`)
	deepEqual(t, ZeroPad("n", 8).String(), "zeropad(n, 8)")
	deepEqual(t, Template("{a}").String(), `template("{a}")`)
	deepEqual(t, Custom("rev", nil).StripCall().String(), "custom(rev).stripcall")
}

func TestStripCall(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"x", "x"},
		{"f(x)", "x"},
		{"f(g(x))", "x"},
		{"pkg.Func(a, b)", "a, b"},
		{"(x)", "(x)"},
		{"f(x", "f(x"},
		{"f x(y)", "f x(y)"},
		{"1f(x)", "1f(x)"},
		{"f()", ""},
	}
	for _, tt := range tests {
		a := string(stripCall([]byte(tt.input)))
		if a != tt.expected {
			t.Errorf("** stripCall(%q) = %q, wanted %q", tt.input, a, tt.expected)
		}
	}
}
