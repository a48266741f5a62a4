package ixdb

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

type DerivationKind string

const (
	DeriveField    DerivationKind = "field"
	DeriveConcat   DerivationKind = "concat"
	DeriveZeroPad  DerivationKind = "zeropad"
	DeriveTemplate DerivationKind = "template"
	DeriveCustom   DerivationKind = "custom"
)

type Transform string

const (
	TransformLower     Transform = "lower"
	TransformUpper     Transform = "upper"
	TransformTrim      Transform = "trim"
	TransformStripCall Transform = "stripcall"
)

// DeriveFunc computes an index key from a record. It must be pure: the same
// record always yields the same key.
type DeriveFunc func(rec Record) ([]byte, error)

// DerivationSpec is the persisted description of a Derivation.
type DerivationSpec struct {
	Kind       DerivationKind `msgpack:"k"`
	Fields     []string       `msgpack:"f,omitempty"`
	Sep        string         `msgpack:"s,omitempty"`
	Width      int            `msgpack:"w,omitempty"`
	Template   string         `msgpack:"t,omitempty"`
	Func       string         `msgpack:"fn,omitempty"`
	Transforms []Transform    `msgpack:"x,omitempty"`
}

// Derivation maps a record to the bytes used as its index key.
type Derivation struct {
	spec DerivationSpec
	fn   DeriveFunc
}

// Field derives the key from a single (possibly dotted) field.
func Field(path string) Derivation {
	return Derivation{spec: DerivationSpec{Kind: DeriveField, Fields: []string{path}}}
}

// Concat joins the renderings of several fields with sep.
func Concat(sep string, paths ...string) Derivation {
	return Derivation{spec: DerivationSpec{Kind: DeriveConcat, Sep: sep, Fields: paths}}
}

// ZeroPad renders a non-negative integer field padded with zeros to width
// digits, so byte order matches numeric order.
func ZeroPad(path string, width int) Derivation {
	return Derivation{spec: DerivationSpec{Kind: DeriveZeroPad, Fields: []string{path}, Width: width}}
}

// Template substitutes {path} placeholders with field renderings. {path:08}
// zero-pads an integer field to 8 digits; {{ and }} stand for literal braces.
func Template(tmpl string) Derivation {
	return Derivation{spec: DerivationSpec{Kind: DeriveTemplate, Template: tmpl}}
}

// Custom wraps a caller-supplied function. Only name is persisted; reopening
// the database requires the function again via Options.Derivers.
func Custom(name string, fn DeriveFunc) Derivation {
	return Derivation{spec: DerivationSpec{Kind: DeriveCustom, Func: name}, fn: fn}
}

func (d Derivation) Lower() Derivation     { return d.with(TransformLower) }
func (d Derivation) Upper() Derivation     { return d.with(TransformUpper) }
func (d Derivation) Trim() Derivation      { return d.with(TransformTrim) }
func (d Derivation) StripCall() Derivation { return d.with(TransformStripCall) }

func (d Derivation) with(t Transform) Derivation {
	d.spec.Transforms = append(append([]Transform(nil), d.spec.Transforms...), t)
	return d
}

func (d Derivation) Spec() DerivationSpec {
	return d.spec
}

func (d Derivation) String() string {
	var buf strings.Builder
	buf.WriteString(string(d.spec.Kind))
	buf.WriteByte('(')
	switch d.spec.Kind {
	case DeriveTemplate:
		buf.WriteString(strconv.Quote(d.spec.Template))
	case DeriveCustom:
		buf.WriteString(d.spec.Func)
	case DeriveConcat:
		fmt.Fprintf(&buf, "%q, %s", d.spec.Sep, strings.Join(d.spec.Fields, ", "))
	case DeriveZeroPad:
		fmt.Fprintf(&buf, "%s, %d", strings.Join(d.spec.Fields, ", "), d.spec.Width)
	default:
		buf.WriteString(strings.Join(d.spec.Fields, ", "))
	}
	buf.WriteByte(')')
	for _, t := range d.spec.Transforms {
		buf.WriteByte('.')
		buf.WriteString(string(t))
	}
	return buf.String()
}

func (d Derivation) validate() error {
	s := &d.spec
	switch s.Kind {
	case DeriveField:
		if len(s.Fields) != 1 || s.Fields[0] == "" {
			return fmt.Errorf("field derivation needs exactly one field")
		}
	case DeriveConcat:
		if len(s.Fields) == 0 {
			return fmt.Errorf("concat derivation needs at least one field")
		}
		for _, f := range s.Fields {
			if f == "" {
				return fmt.Errorf("concat derivation has an empty field name")
			}
		}
	case DeriveZeroPad:
		if len(s.Fields) != 1 || s.Fields[0] == "" {
			return fmt.Errorf("zeropad derivation needs exactly one field")
		}
		if s.Width <= 0 || s.Width > 20 {
			return fmt.Errorf("zeropad width %d out of range 1..20", s.Width)
		}
	case DeriveTemplate:
		if _, err := parseTemplate(s.Template); err != nil {
			return err
		}
	case DeriveCustom:
		if s.Func == "" {
			return fmt.Errorf("custom derivation needs a name")
		}
		if d.fn == nil {
			return fmt.Errorf("custom derivation %q has no function", s.Func)
		}
	default:
		return fmt.Errorf("unknown derivation kind %q", s.Kind)
	}
	for _, t := range s.Transforms {
		switch t {
		case TransformLower, TransformUpper, TransformTrim, TransformStripCall:
		default:
			return fmt.Errorf("unknown transform %q", t)
		}
	}
	return nil
}

// fingerprint identifies the derivation's persisted form. Two derivations
// with equal fingerprints produce equal keys (assuming custom functions with
// the same name are the same function).
func (d Derivation) fingerprint() uint64 {
	raw := must(defaultValueEncoding.EncodeValue(nil, &d.spec))
	return xxhash.Sum64(raw)
}

// Derive computes the index key for rec. It fails with *DerivationError when
// a required field is missing or not renderable.
func (d Derivation) Derive(rec Record) ([]byte, error) {
	var out []byte
	var err error
	s := &d.spec
	switch s.Kind {
	case DeriveField:
		out, err = appendField(nil, rec, s.Fields[0])
	case DeriveConcat:
		for i, f := range s.Fields {
			if i > 0 {
				out = append(out, s.Sep...)
			}
			out, err = appendField(out, rec, f)
			if err != nil {
				break
			}
		}
	case DeriveZeroPad:
		out, err = appendZeroPadded(nil, rec, s.Fields[0], s.Width)
	case DeriveTemplate:
		var tmpl []templatePart
		tmpl, err = parseTemplate(s.Template)
		if err == nil {
			out, err = renderTemplate(nil, rec, tmpl)
		}
	case DeriveCustom:
		if d.fn == nil {
			return nil, derivErrf("", "custom derivation %q has no function", s.Func)
		}
		out, err = d.fn(rec)
		if err != nil {
			if _, ok := err.(*DerivationError); !ok {
				err = &DerivationError{Msg: err.Error()}
			}
		}
	default:
		err = derivErrf("", "unknown derivation kind %q", s.Kind)
	}
	if err != nil {
		return nil, err
	}
	for _, t := range s.Transforms {
		out = applyTransform(t, out)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

func applyTransform(t Transform, b []byte) []byte {
	switch t {
	case TransformLower:
		return bytes.ToLower(b)
	case TransformUpper:
		return bytes.ToUpper(b)
	case TransformTrim:
		return bytes.TrimSpace(b)
	case TransformStripCall:
		return stripCall(b)
	default:
		return b
	}
}

// stripCall turns "f(x)" into "x", repeatedly, so "f(g(x))" becomes "x".
func stripCall(b []byte) []byte {
	for {
		open := bytes.IndexByte(b, '(')
		if open <= 0 || b[len(b)-1] != ')' || !isCallName(b[:open]) {
			return b
		}
		b = b[open+1 : len(b)-1]
	}
}

func isCallName(b []byte) bool {
	for i, c := range b {
		switch {
		case c == '_' || c == '.':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func fieldValue(rec Record, path string) (any, error) {
	v, ok := rec.Lookup(path)
	if !ok || v == nil {
		return nil, derivErrf(path, "missing")
	}
	return v, nil
}

func appendField(buf []byte, rec Record, path string) ([]byte, error) {
	v, err := fieldValue(rec, path)
	if err != nil {
		return buf, err
	}
	switch v := v.(type) {
	case string:
		return append(buf, v...), nil
	case []byte:
		return append(buf, v...), nil
	case bool:
		return strconv.AppendBool(buf, v), nil
	case float32:
		return appendFloat(buf, float64(v)), nil
	case float64:
		return appendFloat(buf, v), nil
	}
	if n, ok := asInt(v); ok {
		return strconv.AppendInt(buf, n, 10), nil
	}
	if u, ok := v.(uint64); ok {
		return strconv.AppendUint(buf, u, 10), nil
	}
	if u, ok := v.(uint); ok {
		return strconv.AppendUint(buf, uint64(u), 10), nil
	}
	return buf, derivErrf(path, "cannot render %T", v)
}

func appendFloat(buf []byte, f float64) []byte {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.AppendInt(buf, int64(f), 10)
	}
	return strconv.AppendFloat(buf, f, 'g', -1, 64)
}

func appendZeroPadded(buf []byte, rec Record, path string, width int) ([]byte, error) {
	v, err := fieldValue(rec, path)
	if err != nil {
		return buf, err
	}
	var n uint64
	if i, ok := asInt(v); ok {
		if i < 0 {
			return buf, derivErrf(path, "negative value %d cannot be zero-padded", i)
		}
		n = uint64(i)
	} else {
		switch v := v.(type) {
		case uint64:
			n = v
		case uint:
			n = uint64(v)
		case float64:
			if v < 0 || v != math.Trunc(v) || v >= 1e19 {
				return buf, derivErrf(path, "value %v is not a non-negative integer", v)
			}
			n = uint64(v)
		default:
			return buf, derivErrf(path, "cannot zero-pad %T", v)
		}
	}
	s := strconv.FormatUint(n, 10)
	if len(s) > width {
		return buf, derivErrf(path, "value %s does not fit in %d digits", s, width)
	}
	for i := len(s); i < width; i++ {
		buf = append(buf, '0')
	}
	return append(buf, s...), nil
}

func asInt(v any) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	default:
		return 0, false
	}
}

type templatePart struct {
	literal string
	field   string
	width   int
}

func parseTemplate(tmpl string) ([]templatePart, error) {
	var parts []templatePart
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, templatePart{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("template %q: unclosed placeholder at %d", tmpl, i)
			}
			ph := tmpl[i+1 : i+end]
			name, widthStr, hasWidth := strings.Cut(ph, ":")
			if name == "" {
				return nil, fmt.Errorf("template %q: empty placeholder at %d", tmpl, i)
			}
			part := templatePart{field: name}
			if hasWidth {
				w, err := strconv.Atoi(widthStr)
				if err != nil || w <= 0 || w > 20 {
					return nil, fmt.Errorf("template %q: invalid width %q", tmpl, widthStr)
				}
				part.width = w
			}
			flush()
			parts = append(parts, part)
			i += end
		case c == '}':
			return nil, fmt.Errorf("template %q: unmatched } at %d", tmpl, i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	if len(parts) == 0 {
		return nil, fmt.Errorf("template is empty")
	}
	return parts, nil
}

func renderTemplate(buf []byte, rec Record, parts []templatePart) ([]byte, error) {
	var err error
	for _, p := range parts {
		switch {
		case p.field == "":
			buf = append(buf, p.literal...)
		case p.width > 0:
			buf, err = appendZeroPadded(buf, rec, p.field, p.width)
		default:
			buf, err = appendField(buf, rec, p.field)
		}
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func derivationFromSpec(spec DerivationSpec, derivers map[string]DeriveFunc) (Derivation, error) {
	d := Derivation{spec: spec}
	if spec.Kind == DeriveCustom {
		d.fn = derivers[spec.Func]
	}
	return d, d.validate()
}
