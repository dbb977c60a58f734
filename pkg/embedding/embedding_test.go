package embedding

import (
	"context"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/orneryd/mpedm/pkg/errkind"
	"github.com/orneryd/mpedm/pkg/gpu"
	"github.com/orneryd/mpedm/pkg/knn"
	"github.com/orneryd/mpedm/pkg/series"
)

func logisticMap(n int) series.Series {
	data := make([]float32, n)
	x := 0.4
	for i := range data {
		x = 3.9 * x * (1 - x)
		data[i] = float32(x)
	}
	return series.New(data)
}

// referenceRhos scores every E with a sort-based neighbour search and
// float64 weights, independent of the kernels.
func referenceRhos(ts []float32, maxE, tau, tp int) []float64 {
	half := len(ts) / 2
	library, target := ts[:half], ts[half:2*half]
	rhos := make([]float64, maxE)

	for E := 1; E <= maxE; E++ {
		k := E + 1
		span := (E - 1) * tau
		nLib := len(library) - span - tp
		nTgt := len(target) - span

		type cand struct {
			d float32
			j int
		}
		pred := make([]float64, nTgt)
		for i := 0; i < nTgt; i++ {
			cands := make([]cand, nLib)
			for j := 0; j < nLib; j++ {
				var acc float32
				for e := 0; e < E; e++ {
					diff := library[j+e*tau] - target[i+e*tau]
					acc += float32(diff * diff)
				}
				cands[j] = cand{acc, j}
			}
			sort.SliceStable(cands, func(a, b int) bool { return cands[a].d < cands[b].d })

			dmin := math.Sqrt(float64(cands[0].d))
			w := make([]float64, k)
			var sum float64
			for c := 0; c < k; c++ {
				d := math.Sqrt(float64(cands[c].d))
				switch {
				case dmin > 0:
					w[c] = math.Exp(-d / dmin)
				case d == 0:
					w[c] = 1
				}
				w[c] = math.Max(w[c], 1e-6)
				sum += w[c]
			}
			for c := 0; c < k; c++ {
				pred[i] += float64(library[cands[c].j+span+tp]) * w[c] / sum
			}
		}

		truth := make([]float64, 0, nTgt)
		for _, v := range target[span+tp:] {
			truth = append(truth, float64(v))
		}
		rhos[E-1] = stat.Correlation(pred[:len(truth)], truth, nil)
	}
	return rhos
}

func TestRunLogisticMap(t *testing.T) {
	ts := logisticMap(400)
	const maxE = 8

	e, err := New(Config{MaxE: maxE, Tau: 1, Tp: 1})
	require.NoError(t, err)
	res, err := e.Run(context.Background(), ts)
	require.NoError(t, err)

	want := referenceRhos(ts.Values(), maxE, 1, 1)
	require.Len(t, res.Rhos, maxE)
	for i := range want {
		assert.InDelta(t, want[i], float64(res.Rhos[i]), 1e-4, "E=%d", i+1)
	}

	wantE := 1
	for i := range want {
		if want[i] > want[wantE-1] {
			wantE = i + 1
		}
	}
	assert.Equal(t, wantE, res.BestE)
	assert.Equal(t, res.Rhos[res.BestE-1], res.Rho)

	// A one-dimensional map is predicted almost perfectly at low E.
	assert.LessOrEqual(t, res.BestE, 3)
	assert.Greater(t, res.Rho, float32(0.9))
}

func TestRunIsRepeatable(t *testing.T) {
	ts := logisticMap(300)
	e, err := New(Config{MaxE: 6, Tau: 1, Tp: 1})
	require.NoError(t, err)

	first, err := e.Run(context.Background(), ts)
	require.NoError(t, err)
	second, err := e.Run(context.Background(), ts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRunMultiDeviceMatchesCPU(t *testing.T) {
	ts := logisticMap(300)
	manager, err := gpu.NewManager(&gpu.Config{Enabled: true, PreferredBackend: gpu.BackendHost, DeviceID: -1, HostDevices: 3})
	require.NoError(t, err)
	defer manager.Close()

	cpu, err := New(Config{MaxE: 10, Tau: 2, Tp: 1})
	require.NoError(t, err)
	multi, err := New(Config{MaxE: 10, Tau: 2, Tp: 1, Kernel: knn.KindMultiGPU, Devices: manager})
	require.NoError(t, err)

	want, err := cpu.Run(context.Background(), ts)
	require.NoError(t, err)
	got, err := multi.Run(context.Background(), ts)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRunTooShort(t *testing.T) {
	e, err := New(Config{MaxE: 20, Tau: 1, Tp: 1})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), logisticMap(30))
	assert.ErrorIs(t, err, knn.ErrTooFewPoints)
	assert.True(t, errkind.Is(err, errkind.Config))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{MaxE: 0, Tau: 1})
	assert.True(t, errkind.Is(err, errkind.Config))

	_, err = New(Config{MaxE: 5, Tau: 1, Kernel: knn.KindGPU})
	assert.True(t, errkind.Is(err, errkind.Resource))
}

func TestBest(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name  string
		rhos  []float32
		wantE int
	}{
		{"first maximum wins", []float32{0.2, 0.8, 0.8, 0.1}, 2},
		{"nan skipped", []float32{nan, 0.3, nan, 0.5}, 4},
		{"all nan", []float32{nan, nan}, 1},
		{"negative", []float32{-0.5, -0.2, -0.9}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := best(tt.rhos); got.BestE != tt.wantE {
				t.Errorf("best(%v).BestE = %d, want %d", tt.rhos, got.BestE, tt.wantE)
			}
		})
	}
}
