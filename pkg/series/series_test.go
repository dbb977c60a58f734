package series

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/orneryd/mpedm/pkg/arraystore"
)

func TestSlice(t *testing.T) {
	s := New([]float32{0, 1, 2, 3, 4})

	sub, err := s.Slice(1, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, sub.Len())
	assert.Equal(t, float32(1), sub.At(0))
	assert.Equal(t, []float32{1, 2, 3}, sub.Values())

	// Views share memory with the parent.
	assert.Same(t, &s.Values()[1], &sub.Values()[0])

	suffix, err := s.From(3)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, suffix.Values())

	empty, err := s.Slice(5, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	for _, r := range [][2]int{{-1, 2}, {3, 2}, {0, 6}} {
		_, err := s.Slice(r[0], r[1])
		assert.ErrorIs(t, err, ErrInvalidRange, "range %v", r)
	}
}

func TestFrame(t *testing.T) {
	f, err := NewFrame([]string{"a", "b"}, 3, []float32{1, 2, 3, 10, 20, 30})
	require.NoError(t, err)

	assert.Equal(t, 3, f.Rows())
	assert.Equal(t, 2, f.Cols())
	assert.Equal(t, []float32{10, 20, 30}, f.Column(1).Values())
	assert.Len(t, f.Columns(), 2)

	i, ok := f.Index("b")
	assert.True(t, ok)
	assert.Equal(t, 1, i)

	i, err = f.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, 0, i)
	i, err = f.Lookup("1")
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	_, err = f.Lookup("7")
	assert.Error(t, err)

	_, err = NewFrame([]string{"a"}, 2, []float32{1})
	assert.Error(t, err)
	_, err = NewFrame(nil, 0, nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestLoadCSV(t *testing.T) {
	in := "x, y\n1,10\n2,20\n3,30\n4,40\n"
	f, err := LoadCSV(strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y"}, f.Names())
	assert.Equal(t, 4, f.Rows())
	assert.Equal(t, []float32{1, 2, 3, 4}, f.Column(0).Values())
	assert.Equal(t, []float32{10, 20, 30, 40}, f.Column(1).Values())
}

func TestLoadCSVErrors(t *testing.T) {
	_, err := LoadCSV(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = LoadCSV(strings.NewReader("x\n"))
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = LoadCSV(strings.NewReader("x,y\n1,abc\n"))
	assert.ErrorContains(t, err, `column "y"`)

	_, err = LoadCSV(strings.NewReader("x,y\n1\n"))
	assert.Error(t, err)
}

func TestLoadXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.xlsx")
	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	require.NoError(t, wb.SetSheetRow(sheet, "A1", &[]any{"x", "y"}))
	require.NoError(t, wb.SetSheetRow(sheet, "A2", &[]any{1.5, 2}))
	require.NoError(t, wb.SetSheetRow(sheet, "A3", &[]any{2.5, 4}))
	require.NoError(t, wb.SaveAs(path))
	require.NoError(t, wb.Close())

	f, err := LoadXLSX(path, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, f.Names())
	assert.Equal(t, []float32{1.5, 2.5}, f.Column(0).Values())
	assert.Equal(t, []float32{2, 4}, f.Column(1).Values())
}

func TestArrayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFrame([]string{"a", "b", "c"}, 2, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	store, err := arraystore.Open(arraystore.Options{Path: dir})
	require.NoError(t, err)
	require.NoError(t, SaveArray(store, f))
	require.NoError(t, store.Close())

	got, err := Open(context.Background(), dir, OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, f.Names(), got.Names())
	assert.Equal(t, f.Data(), got.Data())
	assert.Equal(t, []float32{5, 6}, got.Column(2).Values())
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("a\n1\n2\n"), 0o644))

	f, err := Open(context.Background(), path, OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.Rows())

	_, err = Open(context.Background(), filepath.Join(dir, "missing.csv"), OpenOptions{})
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Open(context.Background(), "", OpenOptions{})
	assert.Error(t, err)

	_, err = Open(context.Background(), "s3://bucket-only", OpenOptions{})
	assert.ErrorContains(t, err, "needs a bucket and a key")
}
