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

// Package sparse implements the symmetric upper-CSR sparse matrix format
// used by the reconstruction engine for R and F; the rectangular lensing
// matrix L is a RowMatrix (rowmatrix.go). Building proceeds row-by-row into dynamic
// per-row slices, then a single arena pass compacts them into CSR, the
// same count-then-allocate-once idiom used elsewhere in this module to
// size large buffers before ever touching them.
package sparse

import "sort"

// Matrix is a symmetric NxN matrix in upper-triangular CSR form. diag[i]
// holds the diagonal entry for row i; the strictly-upper off-diagonal
// entries of row i (col>row) live in col[rowptr[i]:rowptr[i+1]] and the
// matching val slice, row-sorted by column. rowptr[0] is always n+1,
// matching the 1-based FORTRAN-interop convention used by the
// CSR layout.
type Matrix struct {
	N int
	Diag []float64
	RowPtr []int
	Col []int
	Val []float64
}

// entry is a single strictly-upper off-diagonal contribution during build.
type entry struct {
	col int
	val float64
}

// Builder accumulates a symmetric matrix row by row before compaction.
type Builder struct {
	n int
	diag []float64
	rows [][]entry // rows[i] holds strictly-upper entries (col>i) for row i
}

// NewBuilder creates a builder for an NxN symmetric matrix.
func NewBuilder(n int) *Builder {
	return &Builder{
		n: n,
		diag: make([]float64, n),
		rows: make([][]entry, n),
	}
}

// AddDiag accumulates a value into the diagonal at index i.
func (b *Builder) AddDiag(i int, v float64) {
	b.diag[i] += v
}

// Add accumulates a value into the symmetric entry (row,col), whichever
// of row/col is larger becomes the stored column (upper triangle only).
// row==col is routed to the diagonal.
func (b *Builder) Add(row, col int, v float64) {
	if row == col {
		b.diag[row] += v
		return
	}
	if row > col {
		row, col = col, row
	}
	rs := b.rows[row]
	for i := range rs {
		if rs[i].col == col {
			rs[i].val += v
			return
		}
	}
	b.rows[row] = append(rs, entry{col: col, val: v})
}

// AddOuter accumulates the symmetric outer product o^T o of a sparse row
// vector o (given as parallel index/value slices, inactive entries
// already excluded by the caller) into the matrix under construction.
// This is the regularization assembly rule: "for each
// (j,l) pair of nonzeros with col(j) <= col(l), add o[j]*o[l]".
func (b *Builder) AddOuter(idx []int, val []float64) {
	for j := range idx {
		for l := j; l < len(idx); l++ {
			row, col := idx[j], idx[l]
			if row > col {
				row, col = col, row
			}
			b.Add(row, col, val[j]*val[l])
		}
	}
}

// Compact finalizes the builder into a sorted CSR Matrix. The arena is
// sized in one counting pass and filled in a second, avoiding the many
// small reallocations a naive append-as-you-go CSR build would incur.
func (b *Builder) Compact() *Matrix {
	n := b.n
	nnz := 0
	for _, rs := range b.rows {
		nnz += len(rs)
	}
	m := &Matrix{
		N: n,
		Diag: append([]float64(nil), b.diag...),
		RowPtr: make([]int, n+1),
		Col: make([]int, nnz),
		Val: make([]float64, nnz),
	}
	m.RowPtr[0] = n + 1
	offset := 0
	for i := 0; i < n; i++ {
		rs := b.rows[i]
		sort.Slice(rs, func(a, c int) bool { return rs[a].col < rs[c].col })
		for _, e := range rs {
			m.Col[offset] = e.col
			m.Val[offset] = e.val
			offset++
		}
		m.RowPtr[i+1] = m.RowPtr[0] + offset
	}
	return m
}

// Identity returns the NxN identity matrix in CSR form (used by the Norm
// regularization operator: R = I, emitting only diagonals).
func Identity(n int) *Matrix {
	diag := make([]float64, n)
	for i := range diag {
		diag[i] = 1
	}
	rowPtr := make([]int, n+1)
	for i := range rowPtr {
		rowPtr[i] = n + 1
	}
	return &Matrix{N: n, Diag: diag, RowPtr: rowPtr, Col: []int{}, Val: []float64{}}
}

// row returns the strictly-upper-triangle (col,val) slices for row i.
func (m *Matrix) row(i int) ([]int, []float64) {
	lo, hi := m.RowPtr[i]-m.RowPtr[0], m.RowPtr[i+1]-m.RowPtr[0]
	return m.Col[lo:hi], m.Val[lo:hi]
}

// MulVec computes y = M*x, reflecting the missing lower-triangular
// entries from the stored upper triangle.
func (m *Matrix) MulVec(x []float64) []float64 {
	y := make([]float64, m.N)
	for i := 0; i < m.N; i++ {
		y[i] += m.Diag[i] * x[i]
		cols, vals := m.row(i)
		for k, c := range cols {
			y[i] += vals[k] * x[c]
			y[c] += vals[k] * x[i]
		}
	}
	return y
}

// AddScaled returns a new matrix a + scale*b, a and b must share N.
// Used to form F = LtCinvL + lambda*R.
func AddScaled(a *Matrix, scale float64, b *Matrix) *Matrix {
	n := a.N
	bld := NewBuilder(n)
	for i := 0; i < n; i++ {
		bld.AddDiag(i, a.Diag[i]+scale*b.Diag[i])
		cols, vals := a.row(i)
		for k, c := range cols {
			bld.Add(i, c, vals[k])
		}
	}
	for i := 0; i < n; i++ {
		cols, vals := b.row(i)
		for k, c := range cols {
			bld.Add(i, c, scale*vals[k])
		}
	}
	return bld.Compact()
}

// RowSum returns the sum of all entries (diagonal plus both triangles)
// for use in normalization checks and tests.
func (m *Matrix) RowSum(i int) float64 {
	sum := m.Diag[i]
	_, vals := m.row(i)
	for _, v := range vals {
		sum += v
	}
	for r := 0; r < i; r++ {
		cols, vals := m.row(r)
		for k, c := range cols {
			if c == i {
				sum += vals[k]
			}
		}
	}
	return sum
}

// NNZ returns the total number of stored strictly-upper off-diagonal
// entries (not counting the diagonal or the reflected lower triangle).
func (m *Matrix) NNZ() int {
	return len(m.Val)
}
