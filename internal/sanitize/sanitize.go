// Package sanitize computes the stable content identity of in-memory values.
//
// Sanitize rewrites a value into a canonical form so that values differing
// only in incidental representation hash identically: a default row index
// that was spelled out explicitly, a table wrapped in a Frame, map key order.
// Tables nested in columns or attributes are sanitized the same way.
// Whatever is dropped is kept on the side as tags, so Restore can rebuild the
// original exactly. Tags never enter the hash.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Canonical is a sanitized value plus the tags needed to restore it.
type Canonical struct {
	Value any
	tag   *tag
}

// tag mirrors the value tree but only where something was stripped.
type tag struct {
	frame    bool
	kind     string
	meta     map[string]any
	index    []any
	attrs    *tag
	columns  map[int]*tag
	children map[string]*tag
	items    map[int]*tag
}

// Sanitize returns the canonical form of v. Shapes it does not know pass
// through unchanged.
func Sanitize(v any) *Canonical {
	if c, ok := v.(*Canonical); ok {
		return c
	}
	value, t := canon(v)
	return &Canonical{Value: value, tag: t}
}

// Restore reverses Sanitize. Values that were never sanitized are returned
// as they are.
func Restore(v any) any {
	c, ok := v.(*Canonical)
	if !ok {
		return v
	}
	return restore(c.Value, c.tag)
}

func canon(v any) (any, *tag) {
	switch x := v.(type) {
	case *Frame:
		if x == nil || x.Table == nil {
			return v, nil
		}
		tbl, t := canonTable(x.Table)
		if t == nil {
			t = &tag{}
		}
		t.frame = true
		t.kind = x.Kind
		t.meta = x.Meta
		return tbl, t
	case *Table:
		if x == nil {
			return v, nil
		}
		return canonTable(x)
	case map[string]any:
		if x == nil {
			return v, nil
		}
		out := make(map[string]any, len(x))
		var children map[string]*tag
		for k, val := range x {
			cv, ct := canon(val)
			out[k] = cv
			if ct != nil {
				if children == nil {
					children = make(map[string]*tag)
				}
				children[k] = ct
			}
		}
		if children == nil {
			return out, nil
		}
		return out, &tag{children: children}
	case []any:
		if x == nil {
			return v, nil
		}
		out := make([]any, len(x))
		var items map[int]*tag
		for i, val := range x {
			cv, ct := canon(val)
			out[i] = cv
			if ct != nil {
				if items == nil {
					items = make(map[int]*tag)
				}
				items[i] = ct
			}
		}
		if items == nil {
			return out, nil
		}
		return out, &tag{items: items}
	default:
		return v, nil
	}
}

func canonTable(t *Table) (*Table, *tag) {
	if t == nil {
		return &Table{}, nil
	}
	out := &Table{}
	var tg tag
	stripped := false
	if t.Attrs != nil {
		attrs, at := canon(t.Attrs)
		out.Attrs = attrs.(map[string]any)
		if at != nil {
			tg.attrs, stripped = at, true
		}
	}
	if t.Columns != nil {
		out.Columns = make([]Column, len(t.Columns))
		for i, c := range t.Columns {
			vals, ct := canon(c.Values)
			out.Columns[i] = Column{Name: c.Name, Values: vals.([]any)}
			if ct != nil {
				if tg.columns == nil {
					tg.columns = make(map[int]*tag)
				}
				tg.columns[i], stripped = ct, true
			}
		}
	}
	switch {
	case t.Index == nil:
	case DefaultIndex(t.Index, t.Len()):
		// Explicit but equivalent to the default: drop it from the
		// canonical form, remember it for Restore.
		tg.index, stripped = t.Index, true
	default:
		out.Index = clone(t.Index)
	}
	if !stripped {
		return out, nil
	}
	return out, &tg
}

func clone(v []any) []any {
	if v == nil {
		return nil
	}
	out := make([]any, len(v))
	copy(out, v)
	return out
}

func restore(v any, t *tag) any {
	if t == nil {
		return v
	}
	switch x := v.(type) {
	case *Table:
		tbl := &Table{Columns: x.Columns, Index: x.Index, Attrs: x.Attrs}
		if t.attrs != nil {
			tbl.Attrs = restore(x.Attrs, t.attrs).(map[string]any)
		}
		if t.columns != nil {
			tbl.Columns = make([]Column, len(x.Columns))
			for i, c := range x.Columns {
				tbl.Columns[i] = Column{Name: c.Name, Values: restore(c.Values, t.columns[i]).([]any)}
			}
		}
		if t.index != nil {
			tbl.Index = t.index
		}
		if t.frame {
			return &Frame{Kind: t.kind, Meta: t.meta, Table: tbl}
		}
		return tbl
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = restore(val, t.children[k])
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = restore(val, t.items[i])
		}
		return out
	default:
		return v
	}
}

// Hash returns the content hash of v: sha256 over the canonical JSON form,
// hex encoded. v may be sanitized already.
func Hash(v any) (string, error) {
	c := Sanitize(v)
	b, err := json.Marshal(hashable(c.Value))
	if err != nil {
		return "", fmt.Errorf("canonical encoding: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes hashes raw bytes, used for file hashes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashCode hashes the source of the logic that produced a value. An empty
// source has no code hash.
func HashCode(code string) string {
	if code == "" {
		return ""
	}
	return HashBytes([]byte(code))
}

// hashable converts canonical values into plain JSON trees. Tables are
// tagged with a kind marker so a table never collides with a lookalike map.
// encoding/json sorts map keys, which makes attribute order irrelevant.
func hashable(v any) any {
	switch x := v.(type) {
	case *Table:
		cols := make([]any, len(x.Columns))
		for i, c := range x.Columns {
			vals := make([]any, len(c.Values))
			for j, cv := range c.Values {
				vals[j] = hashable(cv)
			}
			cols[i] = map[string]any{"name": c.Name, "values": vals}
		}
		out := map[string]any{"$kind": "table", "columns": cols}
		if x.Index != nil {
			idx := make([]any, len(x.Index))
			for i, iv := range x.Index {
				idx[i] = hashable(iv)
			}
			out["index"] = idx
		}
		if len(x.Attrs) > 0 {
			out["attrs"] = hashable(x.Attrs)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = hashable(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = hashable(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = hashable(val)
		}
		return out
	case []byte:
		return map[string]any{"$bytes": hex.EncodeToString(x)}
	case float32:
		return normFloat(float64(x))
	case float64:
		return normFloat(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return normFloat(f)
		}
		return x.String()
	default:
		return v
	}
}

// normFloat renders integral floats as integers so 1 and 1.0 agree, and
// maps NaN/Inf, which JSON cannot carry, to marker strings.
func normFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "$nan"
	case math.IsInf(f, 1):
		return "$inf"
	case math.IsInf(f, -1):
		return "$-inf"
	case f == math.Trunc(f) && math.Abs(f) < 1<<53:
		return int64(f)
	default:
		return f
	}
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int64(x), true
	case float32:
		if float64(x) != math.Trunc(float64(x)) {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		n, err := strconv.ParseInt(x.String(), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
