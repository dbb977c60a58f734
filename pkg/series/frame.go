package series

import (
	"errors"
	"fmt"
)

// ErrEmptyFrame is returned when a loader finds no columns or no rows.
var ErrEmptyFrame = errors.New("frame has no data")

// Frame is a columnar store of equally long series backed by a single
// column-major buffer.
type Frame struct {
	names []string
	rows  int
	data  []float32
}

// NewFrame wraps a column-major buffer of len(names) columns by rows samples.
func NewFrame(names []string, rows int, data []float32) (*Frame, error) {
	if len(names) == 0 || rows == 0 {
		return nil, ErrEmptyFrame
	}
	if len(data) != len(names)*rows {
		return nil, fmt.Errorf("frame buffer holds %d samples, want %d columns x %d rows", len(data), len(names), rows)
	}
	return &Frame{names: names, rows: rows, data: data}, nil
}

// Rows returns the number of samples per column.
func (f *Frame) Rows() int { return f.rows }

// Cols returns the number of columns.
func (f *Frame) Cols() int { return len(f.names) }

// Names returns the column names in order.
func (f *Frame) Names() []string { return f.names }

// Data returns the column-major backing buffer.
func (f *Frame) Data() []float32 { return f.data }

// Column returns a view of column i.
func (f *Frame) Column(i int) Series {
	off := i * f.rows
	return Series{data: f.data[off : off+f.rows : off+f.rows]}
}

// Columns returns views of every column.
func (f *Frame) Columns() []Series {
	cols := make([]Series, f.Cols())
	for i := range cols {
		cols[i] = f.Column(i)
	}
	return cols
}

// Index returns the position of the named column.
func (f *Frame) Index(name string) (int, bool) {
	for i, n := range f.names {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// Lookup resolves a column given either its name or its decimal index.
func (f *Frame) Lookup(ref string) (int, error) {
	if i, ok := f.Index(ref); ok {
		return i, nil
	}
	var i int
	if _, err := fmt.Sscanf(ref, "%d", &i); err == nil && fmt.Sprint(i) == ref && i >= 0 && i < f.Cols() {
		return i, nil
	}
	return -1, fmt.Errorf("no column %q", ref)
}
