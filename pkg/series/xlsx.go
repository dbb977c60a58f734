package series

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// LoadXLSX reads a worksheet laid out like the CSV format: a header row of
// names followed by one row per time step. An empty sheet name selects the
// first sheet in the workbook.
func LoadXLSX(path, sheet string) (*Frame, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, ErrEmptyFrame
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	if len(rows) < 2 {
		return nil, ErrEmptyFrame
	}

	names := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		names[i] = strings.TrimSpace(h)
	}

	rowMajor := make([]float32, 0, (len(rows)-1)*len(names))
	for r, row := range rows[1:] {
		// GetRows trims trailing empty cells; a short row is missing data.
		if len(row) != len(names) {
			return nil, fmt.Errorf("sheet %q row %d has %d cells, want %d", sheet, r+2, len(row), len(names))
		}
		for c, cell := range row {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 32)
			if err != nil {
				return nil, fmt.Errorf("sheet %q row %d column %q: %w", sheet, r+2, names[c], err)
			}
			rowMajor = append(rowMajor, float32(v))
		}
	}

	return fromRowMajor(names, len(rows)-1, rowMajor)
}
