package sanitize

// Column is one named column of a Table.
type Column struct {
	Name   string `json:"name" yaml:"name" msgpack:"name"`
	Values []any  `json:"values" yaml:"values" msgpack:"values"`
}

// Table is column oriented tabular data. A nil Index means the default
// positional row index 0..n-1.
type Table struct {
	Columns []Column       `json:"columns" yaml:"columns" msgpack:"columns"`
	Index   []any          `json:"index,omitempty" yaml:"index,omitempty" msgpack:"index,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty" yaml:"attrs,omitempty" msgpack:"attrs,omitempty"`
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	if len(t.Columns) > 0 {
		return len(t.Columns[0].Values)
	}
	return len(t.Index)
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Frame wraps a Table in a richer container type (for example a table
// carrying a coordinate system). The wrapper does not change the data.
type Frame struct {
	Kind  string         `json:"kind" yaml:"kind" msgpack:"kind"`
	Meta  map[string]any `json:"meta,omitempty" yaml:"meta,omitempty" msgpack:"meta,omitempty"`
	Table *Table         `json:"table" yaml:"table" msgpack:"table"`
}

// DefaultIndex reports whether idx is equivalent to the positional index
// 0..n-1 for a table of n rows.
func DefaultIndex(idx []any, n int) bool {
	if idx == nil {
		return true
	}
	if len(idx) != n {
		return false
	}
	for i, v := range idx {
		pos, ok := asInt(v)
		if !ok || pos != int64(i) {
			return false
		}
	}
	return true
}
