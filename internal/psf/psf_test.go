package psf

import (
	"testing"

	"github.com/mlnoga/qlensgo/internal/imagegrid"
	"github.com/mlnoga/qlensgo/internal/sparse"
)

type identityDeflector struct{}

func (identityDeflector) Deflect(x, y float64, threadID int) (float64, float64) { return x, y }
func (identityDeflector) Magnification(x, y float64, threadID int) float64 { return 1 }

func buildImgAndL(t *testing.T, n int) (*imagegrid.Grid, *sparse.RowMatrix) {
	t.Helper()
	g, err := imagegrid.NewGrid(0, float64(n), 0, float64(n), n, n, identityDeflector{}, 0)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	g.ApplyMask(nil)
	g.AssignActiveIndices()
	bld := sparse.NewRowBuilder(g.NActive, g.NActive)
	for _, c := range g.Cells {
		bld.Add(c.ActiveIndex, c.ActiveIndex, 1)
	}
	return g, bld.Compact()
}

func TestUnitKernelLeavesLUnchanged(t *testing.T) {
	g, l := buildImgAndL(t, 3)
	out := Convolve(g, l, NewUnitKernel())
	for i := 0; i < l.NRows; i++ {
		wantCols, wantVals := l.Row(i)
		gotCols, gotVals := out.Row(i)
		if len(gotCols) != len(wantCols) {
			t.Fatalf("row %d: got %d entries, want %d", i, len(gotCols), len(wantCols))
		}
		for k := range wantCols {
			if gotCols[k] != wantCols[k] || gotVals[k] != wantVals[k] {
				t.Fatalf("row %d entry %d: got (%d,%v), want (%d,%v)", i, k, gotCols[k], gotVals[k], wantCols[k], wantVals[k])
			}
		}
	}
}

func TestThreeByThreeKernelPreservesRowSums(t *testing.T) {
	g, l := buildImgAndL(t, 5)
	k, err := NewGaussianKernel(0.7, 0.7)
	if err != nil {
		t.Fatalf("NewGaussianKernel: %v", err)
	}
	if k.Nx != 3 || k.Ny != 3 {
		t.Fatalf("expected a 3x3 footprint for sigma=0.7, got %dx%d", k.Nx, k.Ny)
	}
	out := Convolve(g, l, k)
	// Only interior cells have a full, unclipped kernel footprint; at
	// the image boundary the footprint is truncated and the row sum is
	// necessarily smaller, so only interior rows are checked here.
	for _, cell := range g.Cells {
		if cell.I == 0 || cell.J == 0 || cell.I == g.Nx-1 || cell.J == g.Ny-1 {
			continue
		}
		_, vals := out.Row(cell.ActiveIndex)
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		if diff := sum - 1; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("interior row (%d,%d) sum = %v, want 1 (identity L rows already summed to 1 and the kernel itself sums to 1)", cell.I, cell.J, sum)
		}
	}
}

func TestLoadKernelThresholdsAndRenormalizes(t *testing.T) {
	data := []float64{0.001, 0.001, 0.001, 0.001, 1.0, 0.001, 0.001, 0.001, 0.001}
	k, err := LoadKernel(data, 3, 3, 0.5)
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}
	if k.At(0, 0) != 1 {
		t.Fatalf("expected center weight 1 after thresholding neighbors to zero, got %v", k.At(0, 0))
	}
	sum := 0.0
	for _, v := range k.Values {
		sum += v
	}
	if diff := sum - 1; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("kernel sum = %v, want 1", sum)
	}
}

func TestLoadKernelRejectsEvenDimensions(t *testing.T) {
	if _, err := LoadKernel(make([]float64, 6), 2, 3, 0); err == nil {
		t.Fatalf("expected error for even kernel dimension")
	}
}
