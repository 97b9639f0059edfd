package regularization

import (
	"testing"

	"github.com/mlnoga/qlensgo/internal/geom"
	"github.com/mlnoga/qlensgo/internal/sourcegrid"
)

func activeGrid(t *testing.T, nu, nw int) *sourcegrid.Grid {
	t.Helper()
	g, err := sourcegrid.NewGrid(geom.Rect{XMin: 0, XMax: float64(nu), YMin: 0, YMax: float64(nw)}, nu, nw, 6)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	for _, l := range g.Leaves() {
		l.MapsToImagePixel = true
	}
	g.AssignActiveIndices(sourcegrid.ActivePolicy{})
	return g
}

func TestBuildNormIsIdentity(t *testing.T) {
	r := BuildNorm(5)
	for i := 0; i < 5; i++ {
		if r.Diag[i] != 1 {
			t.Fatalf("diag[%d] = %v, want 1", i, r.Diag[i])
		}
	}
	if r.NNZ() != 0 {
		t.Fatalf("expected no off-diagonal entries, got %d", r.NNZ())
	}
}

func TestBuildGradientConstantFieldHasZeroQuadraticForm(t *testing.T) {
	// A uniform surface brightness field should have zero gradient
	// energy: s^T R s == 0 for constant s, since every gradient row
	// sums its weighted entries to zero (+1 - 1).
	g := activeGrid(t, 4, 4)
	r := BuildGradient(g)
	s := make([]float64, g.NActive)
	for i := range s {
		s[i] = 3.0
	}
	rs := r.MulVec(s)
	for i, v := range rs {
		if v > 1e-9 || v < -1e-9 {
			t.Fatalf("R*s[%d] = %v, want ~0 for constant s", i, v)
		}
	}
}

func TestBuildCurvatureConstantFieldHasZeroQuadraticForm(t *testing.T) {
	g := activeGrid(t, 4, 4)
	r := BuildCurvature(g)
	s := make([]float64, g.NActive)
	for i := range s {
		s[i] = 5.0
	}
	rs := r.MulVec(s)
	for i, v := range rs {
		if v > 1e-9 || v < -1e-9 {
			t.Fatalf("R*s[%d] = %v, want ~0 for constant s", i, v)
		}
	}
}
