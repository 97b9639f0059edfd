package sparse

import (
	"math"
	"testing"
)

func TestIdentityIsExact(t *testing.T) {
	m := Identity(5)
	for i := 0; i < 5; i++ {
		if m.Diag[i] != 1 {
			t.Fatalf("diag[%d]=%v, want 1", i, m.Diag[i])
		}
	}
	if m.NNZ() != 0 {
		t.Fatalf("identity should have no off-diagonal entries, got %d", m.NNZ())
	}
}

func TestBuilderAddOuterSymmetric(t *testing.T) {
	b := NewBuilder(3)
	b.AddOuter([]int{0, 2}, []float64{1, -1})
	m := b.Compact()
	if m.Diag[0] != 1 || m.Diag[2] != 1 {
		t.Fatalf("expected diag 1 at 0 and 2, got %v %v", m.Diag[0], m.Diag[2])
	}
	cols, vals := m.row(0)
	if len(cols) != 1 || cols[0] != 2 || vals[0] != -1 {
		t.Fatalf("expected single off-diag entry (2,-1), got cols=%v vals=%v", cols, vals)
	}
}

func TestMulVecSymmetricReflection(t *testing.T) {
	b := NewBuilder(2)
	b.AddDiag(0, 2)
	b.AddDiag(1, 3)
	b.Add(0, 1, 5)
	m := b.Compact()
	y := m.MulVec([]float64{1, 1})
	// row0: 2*1 + 5*1 = 7; row1: 3*1 + 5*1 = 8
	if math.Abs(y[0]-7) > 1e-12 || math.Abs(y[1]-8) > 1e-12 {
		t.Fatalf("MulVec = %v, want [7 8]", y)
	}
}

func TestAddScaled(t *testing.T) {
	a := Identity(3)
	r := NewBuilder(3)
	r.Add(0, 1, 2)
	rm := r.Compact()
	f := AddScaled(a, 0.5, rm)
	if f.Diag[0] != 1 {
		t.Fatalf("expected diag unaffected, got %v", f.Diag[0])
	}
	cols, vals := f.row(0)
	if len(cols) != 1 || vals[0] != 1 {
		t.Fatalf("expected scaled off-diag 1, got %v %v", cols, vals)
	}
}
