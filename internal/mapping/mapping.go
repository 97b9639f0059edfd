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

// Package mapping builds the lensing matrix L and drives adaptive
// source-grid refinement from it.
package mapping

import (
	"math"

	"github.com/mlnoga/qlensgo/internal/geom"
	"github.com/mlnoga/qlensgo/internal/imagegrid"
	"github.com/mlnoga/qlensgo/internal/sourcegrid"
	"github.com/mlnoga/qlensgo/internal/sparse"
)

// Mode selects the ray-tracing strategy used to populate L.
type Mode int

const (
	AreaOverlap Mode = iota
	Interpolate
)

type overlapVisit struct {
	leaf *sourcegrid.SourceCell
	weight float64 // a1/Area1 + a2/Area2
	physArea float64 // a1+a2, source-plane physical overlap area
}

func quadBBox(pts [4]geom.Point) geom.Rect {
	r := geom.Rect{XMin: pts[0].X, XMax: pts[0].X, YMin: pts[0].Y, YMax: pts[0].Y}
	for _, p := range pts[1:] {
		if p.X < r.XMin {
			r.XMin = p.X
		}
		if p.X > r.XMax {
			r.XMax = p.X
		}
		if p.Y < r.YMin {
			r.YMin = p.Y
		}
		if p.Y > r.YMax {
			r.YMax = p.Y
		}
	}
	return r
}

// computeCellOverlaps enumerates every source leaf overlapping an image
// cell's two deformed triangles, bounding the search with
// BisectionSearchOverlap over the first-level tiling (
// Area_Overlap mode), then measures both triangles against the whole
// candidate set in two BatchOverlapArea calls rather than per-leaf.
func computeCellOverlaps(cell *imagegrid.ImageCell, srcGrid *sourcegrid.Grid) []overlapVisit {
	bbox := quadBBox(cell.SourceCorners)
	imin, imax, jmin, jmax := srcGrid.BisectionSearchOverlap(bbox)
	var leaves []*sourcegrid.SourceCell
	for j := jmin; j <= jmax; j++ {
		for i := imin; i <= imax; i++ {
			top := srcGrid.TopLevel[i+j*srcGrid.Nu0]
			leaves = append(leaves, sourcegrid.LeavesOf(top)...)
		}
	}
	if len(leaves) == 0 {
		return nil
	}

	tris1 := make([]geom.Triangle, len(leaves))
	tris2 := make([]geom.Triangle, len(leaves))
	rects := make([]geom.Rect, len(leaves))
	for k, leaf := range leaves {
		tris1[k] = cell.Tri1
		tris2[k] = cell.Tri2
		rects[k] = leaf.Rect
	}
	a1s := geom.BatchOverlapArea(tris1, rects)
	a2s := geom.BatchOverlapArea(tris2, rects)

	var out []overlapVisit
	for k, leaf := range leaves {
		a1, a2 := a1s[k], a2s[k]
		if a1 == 0 && a2 == 0 {
			continue
		}
		w := 0.0
		if cell.Area1 > 0 {
			w += a1 / cell.Area1
		}
		if cell.Area2 > 0 {
			w += a2 / cell.Area2
		}
		out = append(out, overlapVisit{leaf: leaf, weight: w, physArea: a1 + a2})
	}
	return out
}

// CalculatePixelMagnifications seeds every source leaf's
// TotalMagnification, NImages and OverlapPixelIDs from the current
// image-plane ray tracing. It must run before AdaptiveSubgrid on every
// pass where the image grid or source-grid topology changed.
func CalculatePixelMagnifications(imgGrid *imagegrid.Grid, srcGrid *sourcegrid.Grid) {
	for _, leaf := range srcGrid.Leaves() {
		leaf.TotalMagnification = 0
		leaf.NImages = 0
		leaf.MapsToImagePixel = false
		leaf.OverlapPixelIDs = nil
	}
	pixArea := imgGrid.PixelArea()
	for idx, cell := range imgGrid.Cells {
		visits := computeCellOverlaps(cell, srcGrid)
		cell.SourceCellIDs = cell.SourceCellIDs[:0]
		for _, v := range visits {
			leaf := v.leaf
			// Overlapping any image cell at all, masked or not, counts as
			// mapping into the image window (used by
			// ExcludeSourcePixelsOutsideFitWindow); only masked-in cells
			// contribute magnification/overlap weight and count as
			// mapping to an image pixel (used by
			// ActivateUnmappedSourcePixels).
			leaf.MapsToImageWindow = true
			if !cell.FitMask {
				continue
			}
			leaf.MapsToImagePixel = true
			leaf.TotalMagnification += v.weight * pixArea / leaf.Area
			leaf.NImages += v.physArea
			leaf.OverlapPixelIDs = append(leaf.OverlapPixelIDs, idx)
			cell.SourceCellIDs = append(cell.SourceCellIDs, leaf.Index)
		}
	}
	for _, leaf := range srcGrid.Leaves() {
		if leaf.Area > 0 {
			leaf.NImages /= leaf.Area
		}
	}
}

// recomputeChildOverlaps localizes the post-split re-accumulation to
// only the image pixels recorded against the parent before it split,
// measuring both triangles against the whole child set per pixel in two
// BatchOverlapArea calls rather than per-child.
func recomputeChildOverlaps(parent *sourcegrid.SourceCell, imgGrid *imagegrid.Grid) {
	pixArea := imgGrid.PixelArea()
	children := parent.Children
	for _, child := range children {
		child.TotalMagnification = 0
		child.NImages = 0
		child.MapsToImagePixel = false
		child.OverlapPixelIDs = nil
	}

	rects := make([]geom.Rect, len(children))
	for k, child := range children {
		rects[k] = child.Rect
	}
	tris1 := make([]geom.Triangle, len(children))
	tris2 := make([]geom.Triangle, len(children))

	for _, pid := range parent.OverlapPixelIDs {
		cell := imgGrid.Cells[pid]
		for k := range children {
			tris1[k] = cell.Tri1
			tris2[k] = cell.Tri2
		}
		a1s := geom.BatchOverlapArea(tris1, rects)
		a2s := geom.BatchOverlapArea(tris2, rects)
		for k, child := range children {
			a1, a2 := a1s[k], a2s[k]
			if a1 == 0 && a2 == 0 {
				continue
			}
			w := 0.0
			if cell.Area1 > 0 {
				w += a1 / cell.Area1
			}
			if cell.Area2 > 0 {
				w += a2 / cell.Area2
			}
			child.MapsToImagePixel = true
			child.MapsToImageWindow = true
			child.TotalMagnification += w * pixArea / child.Area
			child.NImages += a1 + a2
			child.OverlapPixelIDs = append(child.OverlapPixelIDs, pid)
		}
	}
	for _, child := range children {
		if child.Area > 0 {
			child.NImages /= child.Area
		}
	}
}

// AdaptiveSubgrid repeatedly splits any source leaf whose
// TotalMagnification exceeds a level-dependent threshold until no
// further splits occur or MaxLevels is reached. splitNu/splitNw size
// each split (typically 2x2). minCellArea stops refinement of a leaf
// whose children would fall below that area; maxSplitsPerCell bounds
// how many times a single cell may split across the whole refinement
// loop, even before MaxLevels is hit in degenerate magnification maps;
// 0 disables either bound.
func AdaptiveSubgrid(imgGrid *imagegrid.Grid, srcGrid *sourcegrid.Grid, baseThreshold, minCellArea float64, splitNu, splitNw, maxSplitsPerCell int) error {
	for {
		leaves := srcGrid.Leaves()
		splitOccurred := false
		for _, leaf := range leaves {
			if leaf.IsLeaf() == false || leaf.Level >= srcGrid.MaxLevels {
				continue
			}
			if maxSplitsPerCell > 0 && leaf.SplitCount >= maxSplitsPerCell {
				continue
			}
			if minCellArea > 0 && leaf.Area/float64(splitNu*splitNw) < minCellArea {
				continue
			}
			threshold := baseThreshold * math.Pow(4, float64(leaf.Level+1))
			if leaf.TotalMagnification <= threshold {
				continue
			}
			if err := srcGrid.Split(leaf, splitNu, splitNw); err != nil {
				return err
			}
			recomputeChildOverlaps(leaf, imgGrid)
			splitOccurred = true
		}
		if !splitOccurred {
			return nil
		}
	}
}

// BuildAreaOverlap assembles L using the Area_Overlap ray-tracing mode.
// imgGrid and srcGrid must already have active indices assigned.
func BuildAreaOverlap(imgGrid *imagegrid.Grid, srcGrid *sourcegrid.Grid) *sparse.RowMatrix {
	bld := sparse.NewRowBuilder(imgGrid.NActive, srcGrid.NActive)
	for _, cell := range imgGrid.Cells {
		if !cell.FitMask || cell.ActiveIndex < 0 {
			continue
		}
		for _, v := range computeCellOverlaps(cell, srcGrid) {
			if !v.leaf.Active {
				continue
			}
			bld.Add(cell.ActiveIndex, v.leaf.ActiveIndex, v.weight)
		}
	}
	bld.NormalizeRows()
	return bld.Compact()
}

// BuildInterpolate assembles L using the Interpolate ray-tracing mode:
// each image pixel center is located in the source tree, and its row
// holds the three barycentric weights of a triangle formed by the
// containing leaf's center and one neighbor sample on each of the u and
// w faces.
func BuildInterpolate(imgGrid *imagegrid.Grid, srcGrid *sourcegrid.Grid) *sparse.RowMatrix {
	bld := sparse.NewRowBuilder(imgGrid.NActive, srcGrid.NActive)
	for _, cell := range imgGrid.Cells {
		if !cell.FitMask || cell.ActiveIndex < 0 {
			continue
		}
		p := cell.SourceCenter
		leaf := srcGrid.FindLeaf(p)

		uFace := sourcegrid.PlusU
		if p.X < leaf.Center.X {
			uFace = sourcegrid.MinusU
		}
		wFace := sourcegrid.PlusW
		if p.Y < leaf.Center.Y {
			wFace = sourcegrid.MinusW
		}

		uNeighbor := nearestSampleAcross(srcGrid, leaf, uFace)
		wNeighbor := nearestSampleAcross(srcGrid, leaf, wFace)

		samples := []*sourcegrid.SourceCell{leaf}
		pts := []geom.Point{leaf.Center}
		if uNeighbor != nil {
			samples = append(samples, uNeighbor)
			pts = append(pts, uNeighbor.Center)
		}
		if wNeighbor != nil {
			samples = append(samples, wNeighbor)
			pts = append(pts, wNeighbor.Center)
		}

		if len(samples) < 3 {
			// At a corner of the domain with no interpolation partner
			// on one axis: fall back to a pure nearest-leaf assignment.
			if leaf.Active {
				bld.Add(cell.ActiveIndex, leaf.ActiveIndex, 1)
			}
			continue
		}

		tri := geom.Triangle{pts[0], pts[1], pts[2]}
		w0, w1, w2 := geom.BarycentricWeights(p, tri)
		weights := []float64{w0, w1, w2}
		for i, s := range samples {
			if s.Active {
				bld.Add(cell.ActiveIndex, s.ActiveIndex, weights[i])
			}
		}
	}
	return bld.Compact()
}

func nearestSampleAcross(srcGrid *sourcegrid.Grid, leaf *sourcegrid.SourceCell, face sourcegrid.Face) *sourcegrid.SourceCell {
	a, _, _, _ := srcGrid.FindNearestTwoCells(leaf, face)
	return a
}
