package series

import (
	"fmt"

	"github.com/orneryd/mpedm/pkg/arraystore"
)

// Dataset paths used for frames stored in an array container. /values has
// shape [columns, rows] so each block is one series.
const (
	ValuesDataset = "/values"
	NamesDataset  = "/names"
)

// LoadArray reads the named dataset (ValuesDataset when empty) from an
// array container. Column names come from NamesDataset when present and
// default to the column index otherwise.
func LoadArray(store *arraystore.Store, dataset string) (*Frame, error) {
	if dataset == "" {
		dataset = ValuesDataset
	}
	cols, rows, data, err := store.ReadFloatMatrix(dataset)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", dataset, err)
	}

	names, err := store.ReadStrings(NamesDataset)
	if err != nil || len(names) != cols {
		names = make([]string, cols)
		for i := range names {
			names[i] = fmt.Sprint(i)
		}
	}
	return NewFrame(names, rows, data)
}

// SaveArray writes a frame into an array container under ValuesDataset and
// NamesDataset.
func SaveArray(store *arraystore.Store, f *Frame) error {
	if err := store.Create(ValuesDataset, arraystore.Float32, f.Cols(), f.Rows()); err != nil {
		return err
	}
	for i := 0; i < f.Cols(); i++ {
		if err := store.WriteFloatRow(ValuesDataset, i, f.Column(i).Values()); err != nil {
			return err
		}
	}
	if err := store.Create(NamesDataset, arraystore.String, f.Cols()); err != nil {
		return err
	}
	return store.WriteStrings(NamesDataset, f.Names())
}
