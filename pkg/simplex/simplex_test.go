package simplex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mpedm/pkg/knn"
	"github.com/orneryd/mpedm/pkg/lut"
	"github.com/orneryd/mpedm/pkg/series"
	"github.com/orneryd/mpedm/pkg/stats"
)

func TestPredictWeightedAverage(t *testing.T) {
	src := series.New([]float32{10, 20, 30, 40})
	l := &lut.LUT{
		Rows:      2,
		Cols:      2,
		Indices:   []uint32{0, 3, 2, 1},
		Distances: []float32{0.25, 0.75, 0.5, 0.5},
	}
	got, err := Simplex{Tau: 1}.Predict(nil, l, src)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{32.5, 25}, got.Values(), 1e-6)
}

func TestPredictReusesBuffer(t *testing.T) {
	src := series.New([]float32{1, 2})
	l := &lut.LUT{Rows: 1, Cols: 1, Indices: []uint32{1}, Distances: []float32{1}}
	buf := make([]float32, 8)
	got, err := Simplex{}.Predict(buf, l, src)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Len())
	assert.Equal(t, float32(2), buf[0])
}

func TestPredictOutOfRange(t *testing.T) {
	src := series.New([]float32{1, 2, 3})
	l := &lut.LUT{Rows: 1, Cols: 2, Indices: []uint32{1, 3}, Distances: []float32{0.5, 0.5}}
	_, err := Simplex{}.Predict(nil, l, src)
	assert.ErrorIs(t, err, ErrIndexRange)
}

func TestShiftTarget(t *testing.T) {
	target := series.New(make([]float32, 50))
	for _, tc := range []struct{ tau, tp, E int }{
		{1, 0, 1}, {1, 1, 1}, {1, 0, 5}, {2, 1, 4}, {3, 0, 7},
	} {
		s := Simplex{Tau: tc.tau, Tp: tc.tp}
		shifted, err := s.ShiftTarget(target, tc.E)
		require.NoError(t, err)
		if want := target.Len() - ((tc.E-1)*tc.tau + tc.tp); shifted.Len() != want {
			t.Errorf("tau=%d Tp=%d E=%d: len = %d, want %d", tc.tau, tc.tp, tc.E, shifted.Len(), want)
		}
	}

	_, err := Simplex{Tau: 10}.ShiftTarget(series.New(make([]float32, 5)), 3)
	assert.ErrorIs(t, err, series.ErrInvalidRange)
}

func TestRampRoundTrip(t *testing.T) {
	data := make([]float32, 200)
	for i := range data {
		data[i] = float32(i) * 0.5
	}
	ramp := series.New(data)

	const E, topK = 1, 2
	out := &lut.LUT{}
	require.NoError(t, knn.NewCPU(knn.Options{Tau: 1}).ComputeLUT(context.Background(), out, ramp, ramp, E, topK))
	lut.NewNormalizer(lut.DefaultMinWeight).Normalize(out)

	s := Simplex{Tau: 1}
	pred, err := s.Predict(nil, out, ramp)
	require.NoError(t, err)
	truth, err := s.ShiftTarget(ramp, E)
	require.NoError(t, err)

	rho := stats.Corrcoef(pred.Values(), truth.Values())
	assert.Greater(t, rho, float32(0.999))
}
