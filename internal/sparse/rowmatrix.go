// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package sparse

// RowMatrix is a general MxN sparse matrix in plain row-CSR form,
// unlike Matrix it need not be square or symmetric. This is the
// representation of the lensing matrix L (image pixels x source
// cells); PSF convolution reads its rows and builds a new RowMatrix
// without ever requiring a symmetric view.
type RowMatrix struct {
	NRows, NCols int
	RowPtr []int
	Col []int
	Val []float64
}

type rowEntry struct {
	col int
	val float64
}

// RowBuilder accumulates a RowMatrix row by row, folding duplicate
// (row,col) contributions the same way Builder does for the symmetric
// format (PSF convolution adds several neighboring L rows that share
// source columns into one output row).
type RowBuilder struct {
	nRows, nCols int
	rows [][]rowEntry
}

// NewRowBuilder creates a builder for an nRows x nCols matrix.
func NewRowBuilder(nRows, nCols int) *RowBuilder {
	return &RowBuilder{nRows: nRows, nCols: nCols, rows: make([][]rowEntry, nRows)}
}

// Add accumulates v into (row,col).
func (b *RowBuilder) Add(row, col int, v float64) {
	rs := b.rows[row]
	for i := range rs {
		if rs[i].col == col {
			rs[i].val += v
			return
		}
	}
	b.rows[row] = append(rs, rowEntry{col: col, val: v})
}

// RowSum returns the current accumulated sum for a row, for callers
// that need to inspect it before normalizing (e.g. to skip empty rows).
func (b *RowBuilder) RowSum(row int) float64 {
	sum := 0.0
	for _, e := range b.rows[row] {
		sum += e.val
	}
	return sum
}

// NormalizeRows divides every row's entries by that row's sum, skipping
// rows that sum to zero ("each image pixel's L-matrix row is
// later normalized... so the row sums to 1").
func (b *RowBuilder) NormalizeRows() {
	for i, rs := range b.rows {
		sum := 0.0
		for _, e := range rs {
			sum += e.val
		}
		if sum == 0 {
			continue
		}
		for j := range rs {
			rs[j].val /= sum
		}
		b.rows[i] = rs
	}
}

// Compact finalizes the builder into a sorted RowMatrix.
func (b *RowBuilder) Compact() *RowMatrix {
	nnz := 0
	for _, rs := range b.rows {
		nnz += len(rs)
	}
	m := &RowMatrix{
		NRows: b.nRows,
		NCols: b.nCols,
		RowPtr: make([]int, b.nRows+1),
		Col: make([]int, nnz),
		Val: make([]float64, nnz),
	}
	offset := 0
	for i := 0; i < b.nRows; i++ {
		rs := b.rows[i]
		insertionSortEntries(rs)
		for _, e := range rs {
			m.Col[offset] = e.col
			m.Val[offset] = e.val
			offset++
		}
		m.RowPtr[i+1] = offset
	}
	return m
}

// insertionSortEntries sorts small per-row slices by column; rows
// typically hold a handful of entries (overlap neighborhoods, PSF
// footprints) so insertion sort avoids sort.Slice's overhead.
func insertionSortEntries(rs []rowEntry) {
	for i := 1; i < len(rs); i++ {
		e := rs[i]
		j := i - 1
		for j >= 0 && rs[j].col > e.col {
			rs[j+1] = rs[j]
			j--
		}
		rs[j+1] = e
	}
}

// Row returns the (col,val) slices for row i.
func (m *RowMatrix) Row(i int) ([]int, []float64) {
	lo, hi := m.RowPtr[i], m.RowPtr[i+1]
	return m.Col[lo:hi], m.Val[lo:hi]
}

// NNZ returns the number of stored entries.
func (m *RowMatrix) NNZ() int { return len(m.Val) }

// MulVec computes y = M*x, y has length NRows.
func (m *RowMatrix) MulVec(x []float64) []float64 {
	y := make([]float64, m.NRows)
	for i := 0; i < m.NRows; i++ {
		cols, vals := m.Row(i)
		s := 0.0
		for k, c := range cols {
			s += vals[k] * x[c]
		}
		y[i] = s
	}
	return y
}

// MulVecTranspose computes y = M^T*x, y has length NCols.
func (m *RowMatrix) MulVecTranspose(x []float64) []float64 {
	y := make([]float64, m.NCols)
	for i := 0; i < m.NRows; i++ {
		cols, vals := m.Row(i)
		xi := x[i]
		for k, c := range cols {
			y[c] += vals[k] * xi
		}
	}
	return y
}

// WeightedTransposeMulVec computes d[k] = sum_i weight[i]*M[i,k]*x[i],
// the data-vector construction of ("d[k] = Σᵢ L[i,k]·image_sb[i] / σ²").
func (m *RowMatrix) WeightedTransposeMulVec(weight, x []float64) []float64 {
	d := make([]float64, m.NCols)
	for i := 0; i < m.NRows; i++ {
		cols, vals := m.Row(i)
		wi := weight[i] * x[i]
		for k, c := range cols {
			d[c] += wi * vals[k]
		}
	}
	return d
}

// NormalMatrix builds F0[k,l] = sum_i weight[i]*M[i,k]*M[i,l] as a
// symmetric upper-CSR Matrix ("F = LᵀC⁻¹L"), before the
// regularization term lambda*R is added via AddScaled.
func (m *RowMatrix) NormalMatrix(weight []float64) *Matrix {
	bld := NewBuilder(m.NCols)
	for i := 0; i < m.NRows; i++ {
		cols, vals := m.Row(i)
		w := weight[i]
		if w == 0 {
			continue
		}
		for a := range cols {
			wa := w * vals[a]
			for c := a; c < len(cols); c++ {
				bld.Add(cols[a], cols[c], wa*vals[c])
			}
		}
	}
	return bld.Compact()
}
