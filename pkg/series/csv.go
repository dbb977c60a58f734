package series

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LoadCSV reads a delimited text table. The first record holds column
// names and every following record holds one sample per column. Samples
// are stored column-major.
func LoadCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFrame
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = strings.TrimSpace(h)
	}

	// Row-major while reading since the row count is unknown up front.
	var rowMajor []float32
	rows := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", rows+2, err)
		}
		for c, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
			if err != nil {
				return nil, fmt.Errorf("csv line %d column %q: %w", rows+2, names[c], err)
			}
			rowMajor = append(rowMajor, float32(v))
		}
		rows++
	}

	return fromRowMajor(names, rows, rowMajor)
}

func fromRowMajor(names []string, rows int, rowMajor []float32) (*Frame, error) {
	cols := len(names)
	data := make([]float32, len(rowMajor))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			data[c*rows+r] = rowMajor[r*cols+c]
		}
	}
	return NewFrame(names, rows, data)
}
