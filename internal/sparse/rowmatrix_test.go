package sparse

import "testing"

func TestRowBuilderFoldsDuplicates(t *testing.T) {
	b := NewRowBuilder(1, 3)
	b.Add(0, 1, 0.3)
	b.Add(0, 1, 0.2)
	b.Add(0, 2, 0.5)
	m := b.Compact()
	cols, vals := m.Row(0)
	if len(cols) != 2 {
		t.Fatalf("expected 2 distinct columns, got %d", len(cols))
	}
	if cols[0] != 1 || vals[0] != 0.5 {
		t.Fatalf("expected folded entry (1,0.5), got (%d,%v)", cols[0], vals[0])
	}
}

func TestNormalizeRowsSumsToOne(t *testing.T) {
	b := NewRowBuilder(1, 4)
	b.Add(0, 0, 1)
	b.Add(0, 1, 1)
	b.Add(0, 2, 2)
	b.NormalizeRows()
	m := b.Compact()
	_, vals := m.Row(0)
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	if diff := sum - 1; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("row sum = %v, want 1", sum)
	}
}

func TestNormalizeRowsSkipsEmptyRow(t *testing.T) {
	b := NewRowBuilder(2, 2)
	b.Add(0, 0, 1)
	b.NormalizeRows() // row 1 is empty, must not divide by zero
	m := b.Compact()
	cols, _ := m.Row(1)
	if len(cols) != 0 {
		t.Fatalf("expected empty row to remain empty")
	}
}

func TestMulVecAndTranspose(t *testing.T) {
	b := NewRowBuilder(2, 3)
	b.Add(0, 0, 1)
	b.Add(0, 1, 2)
	b.Add(1, 2, 3)
	m := b.Compact()
	y := m.MulVec([]float64{1, 1, 1})
	if y[0] != 3 || y[1] != 3 {
		t.Fatalf("MulVec = %v, want [3 3]", y)
	}
	yt := m.MulVecTranspose([]float64{1, 2})
	if yt[0] != 1 || yt[1] != 2 || yt[2] != 6 {
		t.Fatalf("MulVecTranspose = %v, want [1 2 6]", yt)
	}
}

func TestNormalMatrixIdentityLikeL(t *testing.T) {
	// L = identity (2x2): F should equal diag(weight).
	b := NewRowBuilder(2, 2)
	b.Add(0, 0, 1)
	b.Add(1, 1, 1)
	m := b.Compact()
	f := m.NormalMatrix([]float64{2, 3})
	if f.Diag[0] != 2 || f.Diag[1] != 3 {
		t.Fatalf("NormalMatrix diag = %v, want [2 3]", f.Diag)
	}
	if f.NNZ() != 0 {
		t.Fatalf("expected no off-diagonal entries for diagonal L, got %d", f.NNZ())
	}
}

func TestWeightedTransposeMulVecMatchesDataVectorFormula(t *testing.T) {
	b := NewRowBuilder(2, 2)
	b.Add(0, 0, 1)
	b.Add(1, 0, 1)
	m := b.Compact()
	d := m.WeightedTransposeMulVec([]float64{0.5, 0.5}, []float64{10, 20})
	if diff := d[0] - 15; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("d[0] = %v, want 15", d[0])
	}
}
