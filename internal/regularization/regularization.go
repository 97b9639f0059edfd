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

// Package regularization builds the sparse regularization matrix R for
// each of the four supported operator families: Norm, Gradient,
// Curvature and ImagePlaneCurvature.
package regularization

import (
	"github.com/mlnoga/qlensgo/internal/imagegrid"
	"github.com/mlnoga/qlensgo/internal/sourcegrid"
	"github.com/mlnoga/qlensgo/internal/sparse"
)

// Method selects which regularization operator builds R.
type Method int

const (
	Norm Method = iota
	Gradient
	Curvature
	ImagePlaneCurvature
)

// Norm: R = I ("emit only diagonals").
func BuildNorm(n int) *sparse.Matrix {
	return sparse.Identity(n)
}

var faces = [4]sourcegrid.Face{sourcegrid.PlusU, sourcegrid.MinusU, sourcegrid.PlusW, sourcegrid.MinusW}

// stencilAcrossFace resolves the interpolation stencil used across one
// face of a leaf: a single neighbor with weight 1, or the two samples
// FindNearestTwoCells returns with their weights, skipping any member that is
// inactive and renormalizing the remaining weight back to 1.
func stencilAcrossFace(srcGrid *sourcegrid.Grid, leaf *sourcegrid.SourceCell, face sourcegrid.Face) (idxs []int, weights []float64) {
	a, b, alpha, beta := srcGrid.FindNearestTwoCells(leaf, face)
	if a == nil {
		return nil, nil
	}
	if a == b {
		if !a.Active {
			return nil, nil
		}
		return []int{a.ActiveIndex}, []float64{1}
	}
	if a.Active {
		idxs = append(idxs, a.ActiveIndex)
		weights = append(weights, alpha)
	}
	if b.Active {
		idxs = append(idxs, b.ActiveIndex)
		weights = append(weights, beta)
	}
	if len(idxs) == 0 {
		return nil, nil
	}
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum == 0 {
		return nil, nil
	}
	for i := range weights {
		weights[i] /= sum
	}
	return idxs, weights
}

func gradientRow(srcGrid *sourcegrid.Grid, leaf *sourcegrid.SourceCell, face sourcegrid.Face) (idxs []int, vals []float64) {
	if !leaf.Active {
		return nil, nil
	}
	sIdx, sW := stencilAcrossFace(srcGrid, leaf, face)
	if sIdx == nil {
		return nil, nil
	}
	idxs = append([]int{leaf.ActiveIndex}, sIdx...)
	vals = make([]float64, 0, len(sW)+1)
	vals = append(vals, 1)
	for _, w := range sW {
		vals = append(vals, -w)
	}
	return idxs, vals
}

// BuildGradient emits one row per face per active leaf (+1 on the leaf,
// -1 or -(alpha,beta) on the interpolated neighbor sample(s)), folded
// into R via the symmetric outer-product assembly.
func BuildGradient(srcGrid *sourcegrid.Grid) *sparse.Matrix {
	bld := sparse.NewBuilder(srcGrid.NActive)
	for _, leaf := range srcGrid.Leaves() {
		if !leaf.Active {
			continue
		}
		for _, face := range faces {
			if idxs, vals := gradientRow(srcGrid, leaf, face); idxs != nil {
				bld.AddOuter(idxs, vals)
			}
		}
	}
	return bld.Compact()
}

func curvatureRow(srcGrid *sourcegrid.Grid, leaf *sourcegrid.SourceCell, plusFace, minusFace sourcegrid.Face) (idxs []int, vals []float64) {
	if !leaf.Active {
		return nil, nil
	}
	pIdx, pW := stencilAcrossFace(srcGrid, leaf, plusFace)
	mIdx, mW := stencilAcrossFace(srcGrid, leaf, minusFace)
	if pIdx == nil || mIdx == nil {
		// One side has no interpolation partner (domain boundary or an
		// inactive stencil): skip rather than emit an unbalanced row,
		// the same discipline gradientRow applies.
		return nil, nil
	}
	idxs = append(idxs, leaf.ActiveIndex)
	vals = append(vals, -2)
	idxs = append(idxs, pIdx...)
	vals = append(vals, pW...)
	idxs = append(idxs, mIdx...)
	vals = append(vals, mW...)
	return idxs, vals
}

// BuildCurvature emits two rows per active leaf, one per axis, each a
// three-point Laplacian with interpolated neighbor samples.
func BuildCurvature(srcGrid *sourcegrid.Grid) *sparse.Matrix {
	bld := sparse.NewBuilder(srcGrid.NActive)
	for _, leaf := range srcGrid.Leaves() {
		if !leaf.Active {
			continue
		}
		if idxs, vals := curvatureRow(srcGrid, leaf, sourcegrid.PlusU, sourcegrid.MinusU); idxs != nil {
			bld.AddOuter(idxs, vals)
		}
		if idxs, vals := curvatureRow(srcGrid, leaf, sourcegrid.PlusW, sourcegrid.MinusW); idxs != nil {
			bld.AddOuter(idxs, vals)
		}
	}
	return bld.Compact()
}

func addWeightedRow(acc map[int]float64, cols []int, vals []float64, w float64) {
	for k, c := range cols {
		acc[c] += w * vals[k]
	}
}

// BuildImagePlaneCurvature applies a 3x3 image-space Laplacian stencil
// to L by pre-multiplying each active image cell's L-row combination
// into a source-space row, then folds that row's outer product into R,
// enforcing smoothness in the lensed image rather than the source.
// Neighbors outside the grid or masked out are simply omitted from the
// stencil rather than renormalized, since the image-plane window has a
// fixed, known boundary (unlike the adaptive source tree).
func BuildImagePlaneCurvature(imgGrid *imagegrid.Grid, l *sparse.RowMatrix) *sparse.Matrix {
	bld := sparse.NewBuilder(l.NCols)
	for _, cell := range imgGrid.Cells {
		if !cell.FitMask || cell.ActiveIndex < 0 {
			continue
		}
		acc := map[int]float64{}
		cols, vals := l.Row(cell.ActiveIndex)
		addWeightedRow(acc, cols, vals, -4)

		neighbors := [4]*imagegrid.ImageCell{
			imgGrid.At(cell.I-1, cell.J),
			imgGrid.At(cell.I+1, cell.J),
			imgGrid.At(cell.I, cell.J-1),
			imgGrid.At(cell.I, cell.J+1),
		}
		for _, n := range neighbors {
			if n == nil || !n.FitMask || n.ActiveIndex < 0 {
				continue
			}
			ncols, nvals := l.Row(n.ActiveIndex)
			addWeightedRow(acc, ncols, nvals, 1)
		}

		if len(acc) == 0 {
			continue
		}
		idxs := make([]int, 0, len(acc))
		rowVals := make([]float64, 0, len(acc))
		for c, v := range acc {
			if v == 0 {
				continue
			}
			idxs = append(idxs, c)
			rowVals = append(rowVals, v)
		}
		if len(idxs) > 0 {
			bld.AddOuter(idxs, rowVals)
		}
	}
	return bld.Compact()
}

// Build dispatches to the selected regularization method. l is only
// required (and may be nil otherwise) for ImagePlaneCurvature.
func Build(method Method, srcGrid *sourcegrid.Grid, imgGrid *imagegrid.Grid, l *sparse.RowMatrix) *sparse.Matrix {
	switch method {
	case Gradient:
		return BuildGradient(srcGrid)
	case Curvature:
		return BuildCurvature(srcGrid)
	case ImagePlaneCurvature:
		return BuildImagePlaneCurvature(imgGrid, l)
	default:
		return BuildNorm(srcGrid.NActive)
	}
}
