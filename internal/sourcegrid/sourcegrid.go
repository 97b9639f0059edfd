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

// Package sourcegrid implements the adaptive quad-tree source-plane grid:
// topology, splits, neighbor maintenance, deterministic indexing and the
// bisection search used to localize candidate leaves.
//
// Every non-leaf SourceCell owns a contiguous row-major block of Nu*Nw
// children (a quad-tree with variable branching) rather than a fixed
// 2x2 pointer set; this keeps neighbor-index arithmetic regular even
// when Nu/Nw differ across splits.
package sourcegrid

import (
	"fmt"

	"github.com/mlnoga/qlensgo/internal/geom"
)

// Face identifies one of the four cardinal neighbor directions in (u,w)
// source-plane axes.
type Face int

const (
	PlusU Face = iota
	MinusU
	PlusW
	MinusW
)

func (f Face) Opposite() Face {
	switch f {
	case PlusU:
		return MinusU
	case MinusU:
		return PlusU
	case PlusW:
		return MinusW
	default:
		return PlusW
	}
}

// SourceCell is a node of the adaptive quad-tree ("SourceCell").
type SourceCell struct {
	Rect geom.Rect
	Center geom.Point
	Area float64

	Parent *SourceCell
	Children []*SourceCell // nil if leaf, else a ChildNu*ChildNw row-major block, u fastest
	ChildNu int
	ChildNw int

	// LocalU/LocalW is this cell's (u,w) position within its parent's
	// child block; meaningless for top-level cells.
	LocalU, LocalW int
	Level int

	Neighbor [4]*SourceCell // indexed by Face

	Active bool
	MapsToImagePixel bool
	MapsToImageWindow bool

	SurfaceBrightness float64
	TotalMagnification float64
	NImages float64
	ActiveIndex int // -1 if not active
	Index int // dense pre-order index, see AssignIndices
	OverlapPixelIDs []int
	SplitCount int // number of times this cell has been split
}

func (c *SourceCell) IsLeaf() bool { return c.Children == nil }

// Grid is the top-level container: a uniform Nu0xNw0 tiling at level 1,
// subsequently refined.
type Grid struct {
	Domain geom.Rect
	Nu0, Nw0 int
	MaxLevels int
	TopLevel []*SourceCell // row-major, u fastest, len Nu0*Nw0
	MaxDepth int
	NActive int
}

// NewGrid constructs the uniform first-level tiling. Nu0,Nw0 must be >=2
// (configuration error otherwise).
func NewGrid(domain geom.Rect, nu0, nw0, maxLevels int) (*Grid, error) {
	if nu0 < 2 || nw0 < 2 {
		return nil, fmt.Errorf("sourcegrid: Nu0,Nw0 must be >= 2, got %d,%d", nu0, nw0)
	}
	if maxLevels < 1 {
		return nil, fmt.Errorf("sourcegrid: max_levels must be >= 1, got %d", maxLevels)
	}
	g := &Grid{Domain: domain, Nu0: nu0, Nw0: nw0, MaxLevels: maxLevels}
	g.TopLevel = make([]*SourceCell, nu0*nw0)
	du := (domain.XMax - domain.XMin) / float64(nu0)
	dw := (domain.YMax - domain.YMin) / float64(nw0)
	for w := 0; w < nw0; w++ {
		for u := 0; u < nu0; u++ {
			r := geom.Rect{
				XMin: domain.XMin + float64(u)*du,
				XMax: domain.XMin + float64(u+1)*du,
				YMin: domain.YMin + float64(w)*dw,
				YMax: domain.YMin + float64(w+1)*dw,
			}
			c := &SourceCell{
				Rect: r,
				Center: geom.Point{X: 0.5 * (r.XMin + r.XMax), Y: 0.5 * (r.YMin + r.YMax)},
				Area: (r.XMax - r.XMin) * (r.YMax - r.YMin),
				Level: 1,
				LocalU: u,
				LocalW: w,
				ActiveIndex: -1,
			}
			g.TopLevel[u+w*nu0] = c
		}
	}
	// Index arithmetic for top-level neighbors.
	for w := 0; w < nw0; w++ {
		for u := 0; u < nu0; u++ {
			c := g.TopLevel[u+w*nu0]
			if u+1 < nu0 {
				c.Neighbor[PlusU] = g.TopLevel[(u+1)+w*nu0]
			}
			if u-1 >= 0 {
				c.Neighbor[MinusU] = g.TopLevel[(u-1)+w*nu0]
			}
			if w+1 < nw0 {
				c.Neighbor[PlusW] = g.TopLevel[u+(w+1)*nu0]
			}
			if w-1 >= 0 {
				c.Neighbor[MinusW] = g.TopLevel[u+(w-1)*nu0]
			}
		}
	}
	return g, nil
}

// Split subdivides a leaf into a uniform Nu x Nw child block by bilinear
// interpolation of its four corners; since SourceCell bounds are always
// axis-aligned, bilinear interpolation reduces to a linear subdivision
// of each axis independently.
func (g *Grid) Split(cell *SourceCell, nu, nw int) error {
	if !cell.IsLeaf() {
		return fmt.Errorf("sourcegrid: cannot split non-leaf cell")
	}
	if nu < 2 || nw < 2 {
		return fmt.Errorf("sourcegrid: split Nu,Nw must be >= 2, got %d,%d", nu, nw)
	}
	if cell.Level+1 > g.MaxLevels {
		panic(fmt.Sprintf("sourcegrid: split exceeds max_levels=%d at level %d (exceeds max depth)", g.MaxLevels, cell.Level))
	}

	r := cell.Rect
	du := (r.XMax - r.XMin) / float64(nu)
	dw := (r.YMax - r.YMin) / float64(nw)
	children := make([]*SourceCell, nu*nw)
	for w := 0; w < nw; w++ {
		for u := 0; u < nu; u++ {
			cr := geom.Rect{
				XMin: r.XMin + float64(u)*du,
				XMax: r.XMin + float64(u+1)*du,
				YMin: r.YMin + float64(w)*dw,
				YMax: r.YMin + float64(w+1)*dw,
			}
			child := &SourceCell{
				Rect: cr,
				Center: geom.Point{X: 0.5 * (cr.XMin + cr.XMax), Y: 0.5 * (cr.YMin + cr.YMax)},
				Area: (cr.XMax - cr.XMin) * (cr.YMax - cr.YMin),
				Parent: cell,
				Level: cell.Level + 1,
				LocalU: u,
				LocalW: w,
				ActiveIndex: -1,
				SurfaceBrightness: cell.SurfaceBrightness, // seed from parent; redistributed on the next pass
			}
			children[u+w*nu] = child
		}
	}
	cell.Children, cell.ChildNu, cell.ChildNw = children, nu, nw
	cell.SplitCount++

	// Local neighbor rebuild: each child's neighbor is either an interior
	// sibling, the parent's own face-neighbor if that is a leaf (coarser
	// neighbor), or a child of the parent's face-neighbor chosen by index
	// mapping (neighbor maintenance). Descendants of an already-split
	// face-neighbor still point at cell as a coarser leaf, so they are
	// re-resolved against the new children afterwards.
	for w := 0; w < nw; w++ {
		for u := 0; u < nu; u++ {
			child := children[u+w*nu]
			child.Neighbor[PlusU] = neighborAcrossFace(cell, child, PlusU, u, nu)
			child.Neighbor[MinusU] = neighborAcrossFace(cell, child, MinusU, u, nu)
			child.Neighbor[PlusW] = neighborAcrossFace(cell, child, PlusW, w, nw)
			child.Neighbor[MinusW] = neighborAcrossFace(cell, child, MinusW, w, nw)
		}
	}
	var relink func(p *SourceCell)
	relink = func(p *SourceCell) {
		for k, ch := range p.Children {
			u, w := k%p.ChildNu, k/p.ChildNu
			ch.Neighbor[PlusU] = neighborAcrossFace(p, ch, PlusU, u, p.ChildNu)
			ch.Neighbor[MinusU] = neighborAcrossFace(p, ch, MinusU, u, p.ChildNu)
			ch.Neighbor[PlusW] = neighborAcrossFace(p, ch, PlusW, w, p.ChildNw)
			ch.Neighbor[MinusW] = neighborAcrossFace(p, ch, MinusW, w, p.ChildNw)
			relink(ch)
		}
	}
	for _, pn := range cell.Neighbor {
		if pn != nil && !pn.IsLeaf() {
			relink(pn)
		}
	}
	return nil
}

// neighborAcrossFace resolves one face-neighbor of a newly-created
// child. localIdx/count describe the child's position along the axis
// the face varies on (u for +-u faces, w for +-w faces).
func neighborAcrossFace(parent, child *SourceCell, face Face, localIdx, count int) *SourceCell {
	switch face {
	case PlusU:
		if localIdx+1 < count {
			return siblingAt(parent, child.LocalU+1, child.LocalW)
		}
	case MinusU:
		if localIdx-1 >= 0 {
			return siblingAt(parent, child.LocalU-1, child.LocalW)
		}
	case PlusW:
		if localIdx+1 < count {
			return siblingAt(parent, child.LocalU, child.LocalW+1)
		}
	case MinusW:
		if localIdx-1 >= 0 {
			return siblingAt(parent, child.LocalU, child.LocalW-1)
		}
	}
	// Not interior: fall through to parent's own neighbor on that face.
	pn := parent.Neighbor[face]
	if pn == nil {
		return nil
	}
	if pn.IsLeaf() {
		return pn // coarser neighbor
	}
	return childIndexForFace(pn, child, face)
}

func siblingAt(parent *SourceCell, u, w int) *SourceCell {
	return parent.Children[u+w*parent.ChildNu]
}

// childIndexForFace picks the child of a split neighbor pn that faces
// `child` across the shared boundary, mapping child's local index into
// pn's child-count on that axis and clamping to the last child when pn
// has fewer subdivisions. This can lose resolution across heterogeneous
// Nu/Nw splits; accepted as a deliberate tradeoff for simplicity.
func childIndexForFace(pn, child *SourceCell, face Face) *SourceCell {
	switch face {
	case PlusU: // pn lies in +u direction: its -u-facing column, same w-ish index
		w := clampIndex(child.LocalW, pn.ChildNw)
		return siblingAt(pn, 0, w)
	case MinusU:
		w := clampIndex(child.LocalW, pn.ChildNw)
		return siblingAt(pn, pn.ChildNu-1, w)
	case PlusW:
		u := clampIndex(child.LocalU, pn.ChildNu)
		return siblingAt(pn, u, 0)
	default: // MinusW
		u := clampIndex(child.LocalU, pn.ChildNu)
		return siblingAt(pn, u, pn.ChildNw-1)
	}
}

func clampIndex(idx, count int) int {
	if idx >= count {
		return count - 1
	}
	if idx < 0 {
		return 0
	}
	return idx
}

// Unsplit deletes the entire subtree under cell, averages the leaf SBs
// back into cell, and restores neighbor consistency by rebuilding
// the whole tree's neighbor pointers. A local rebuild targeting only the
// affected region is possible (per) but a global rebuild is
// simpler and depth is bounded (<=max_levels), so the cost is modest.
func (g *Grid) Unsplit(cell *SourceCell) error {
	if cell.IsLeaf() {
		return fmt.Errorf("sourcegrid: cannot unsplit a leaf")
	}
	leaves := collectLeaves(cell)
	sum := 0.0
	for _, l := range leaves {
		sum += l.SurfaceBrightness
	}
	cell.SurfaceBrightness = sum / float64(len(leaves))
	cell.Children, cell.ChildNu, cell.ChildNw = nil, 0, 0
	cell.MapsToImagePixel, cell.MapsToImageWindow = false, false
	cell.OverlapPixelIDs = nil
	g.rebuildAllNeighbors()
	return nil
}

// LeavesOf returns every leaf under cell (cell itself if it is already a
// leaf), in pre-order. Used by internal/mapping to enumerate the small
// subtree under a single first-level cell located via
// BisectionSearchOverlap, without walking the whole grid.
func LeavesOf(cell *SourceCell) []*SourceCell {
	return collectLeaves(cell)
}

// FindLeaf descends from the top-level tiling to the leaf containing
// point p, used by the Interpolate mapping mode ("descend the
// source tree to the containing leaf").
func (g *Grid) FindLeaf(p geom.Point) *SourceCell {
	ub, wb := g.topBoundariesU(), g.topBoundariesW()
	i := bisectIndex(ub, p.X)
	j := bisectIndex(wb, p.Y)
	cell := g.TopLevel[i+j*g.Nu0]
	for !cell.IsLeaf() {
		u := bisectChildAxisIndex(cell.Rect.XMin, cell.Rect.XMax, cell.ChildNu, p.X)
		w := bisectChildAxisIndex(cell.Rect.YMin, cell.Rect.YMax, cell.ChildNw, p.Y)
		cell = siblingAt(cell, u, w)
	}
	return cell
}

// bisectChildAxisIndex locates which of count uniform subdivisions of
// [lo,hi] contains x, clamped to the valid range.
func bisectChildAxisIndex(lo, hi float64, count int, x float64) int {
	if count <= 1 {
		return 0
	}
	step := (hi - lo) / float64(count)
	idx := int((x - lo) / step)
	if idx < 0 {
		idx = 0
	}
	if idx >= count {
		idx = count - 1
	}
	return idx
}

func collectLeaves(cell *SourceCell) []*SourceCell {
	if cell.IsLeaf() {
		return []*SourceCell{cell}
	}
	var out []*SourceCell
	for _, c := range cell.Children {
		out = append(out, collectLeaves(c)...)
	}
	return out
}

// rebuildAllNeighbors recomputes every leaf's neighbor pointers from the
// top level down, restoring neighbor consistency after an Unsplit removed a subtree.
func (g *Grid) rebuildAllNeighbors() {
	var walk func(cell *SourceCell)
	walk = func(cell *SourceCell) {
		if cell.IsLeaf() {
			return
		}
		for w := 0; w < cell.ChildNw; w++ {
			for u := 0; u < cell.ChildNu; u++ {
				child := cell.Children[u+w*cell.ChildNu]
				child.Neighbor[PlusU] = neighborAcrossFace(cell, child, PlusU, u, cell.ChildNu)
				child.Neighbor[MinusU] = neighborAcrossFace(cell, child, MinusU, u, cell.ChildNu)
				child.Neighbor[PlusW] = neighborAcrossFace(cell, child, PlusW, w, cell.ChildNw)
				child.Neighbor[MinusW] = neighborAcrossFace(cell, child, MinusW, w, cell.ChildNw)
				walk(child)
			}
		}
	}
	for _, top := range g.TopLevel {
		walk(top)
	}
}

// Leaves returns every leaf cell in canonical pre-order: outer w, inner
// u at every level.
func (g *Grid) Leaves() []*SourceCell {
	var out []*SourceCell
	var visit func(cell *SourceCell)
	visit = func(cell *SourceCell) {
		if cell.IsLeaf() {
			out = append(out, cell)
			return
		}
		for i := range cell.Children {
			visit(cell.Children[i])
		}
	}
	for _, top := range g.TopLevel {
		visit(top)
	}
	return out
}

// AssignIndices performs a pre-order traversal of the tree, assigning
// each leaf a compact Index and returning the tree's max depth.
func (g *Grid) AssignIndices() int {
	maxDepth := 0
	idx := 0
	for _, l := range g.Leaves() {
		l.Index = idx
		idx++
		if l.Level > maxDepth {
			maxDepth = l.Level
		}
	}
	g.MaxDepth = maxDepth
	return maxDepth
}

// ActivePolicy bundles the three Boolean policies of 
// assign_active_indices.
type ActivePolicy struct {
	ActivateUnmapped bool
	RegridIfUnmappedSubcells bool
	ExcludeOutsideWindow bool
}

// AssignActiveIndices assigns dense active indices in traversal order,
// applying the regrid-on-unmapped-subcells policy by repeatedly
// unsplitting and re-scanning until stable.
func (g *Grid) AssignActiveIndices(policy ActivePolicy) int {
	for pass := 0; pass < 10000; pass++ {
		if policy.RegridIfUnmappedSubcells {
			toUnsplit := map[*SourceCell]bool{}
			for _, l := range g.Leaves() {
				if l.Level >= 2 && !l.MapsToImagePixel && l.Parent != nil {
					toUnsplit[l.Parent] = true
				}
			}
			if len(toUnsplit) > 0 {
				for parent := range toUnsplit {
					if !parent.IsLeaf() {
						g.Unsplit(parent)
					}
				}
				continue // rerun the scan after unsplitting
			}
		}
		break
	}

	g.AssignIndices()
	nActive := 0
	for _, l := range g.Leaves() {
		l.ActiveIndex = -1
		l.Active = false
		if policy.ExcludeOutsideWindow && !l.MapsToImageWindow {
			continue
		}
		mapped := l.MapsToImagePixel
		if !mapped && !(policy.ActivateUnmapped && l.Level == 1) {
			continue
		}
		l.Active = true
		l.ActiveIndex = nActive
		nActive++
	}
	g.NActive = nActive
	return nActive
}

// topBoundaries returns the Nu0+1 (or Nw0+1) increasing coordinate
// boundaries of the top-level uniform tiling along one axis.
func (g *Grid) topBoundariesU() []float64 {
	b := make([]float64, g.Nu0+1)
	du := (g.Domain.XMax - g.Domain.XMin) / float64(g.Nu0)
	for i := range b {
		b[i] = g.Domain.XMin + float64(i)*du
	}
	return b
}

func (g *Grid) topBoundariesW() []float64 {
	b := make([]float64, g.Nw0+1)
	dw := (g.Domain.YMax - g.Domain.YMin) / float64(g.Nw0)
	for i := range b {
		b[i] = g.Domain.YMin + float64(i)*dw
	}
	return b
}

// bisectIndex finds the cell index i such that boundaries[i] <= x <
// boundaries[i+1], via bisection whose split point cycles through 1/2,
// 1/3, 2/3, 1/4 and 3/4 of the remaining index range until that cell is
// found (bisection_search_overlap).
func bisectIndex(boundaries []float64, x float64) int {
	n := len(boundaries) - 1
	if n <= 0 {
		return 0
	}
	if x <= boundaries[0] {
		return 0
	}
	if x >= boundaries[n] {
		return n - 1
	}
	fracs := [5]float64{0.5, 1.0 / 3, 2.0 / 3, 0.25, 0.75}
	lo, hi := 0, n-1
	for attempt := 0; lo < hi; attempt++ {
		mid := lo + int(float64(hi-lo)*fracs[attempt%len(fracs)])
		if mid <= lo {
			mid = lo
		}
		if mid >= hi {
			mid = hi - 1
			if mid < lo {
				mid = lo
			}
		}
		if boundaries[mid+1] <= x {
			lo = mid + 1
		} else if boundaries[mid] > x {
			hi = mid
		} else {
			return mid
		}
	}
	return lo
}

// BisectionSearchOverlap computes the minimal (imin..imax)x(jmin..jmax)
// sub-range of first-level cells intersected by bbox, used to prune
// candidate leaves for overlap computation and interpolation lookups
//.
func (g *Grid) BisectionSearchOverlap(bbox geom.Rect) (imin, imax, jmin, jmax int) {
	ub, wb := g.topBoundariesU(), g.topBoundariesW()
	imin = bisectIndex(ub, bbox.XMin)
	imax = bisectIndex(ub, bbox.XMax)
	jmin = bisectIndex(wb, bbox.YMin)
	jmax = bisectIndex(wb, bbox.YMax)
	if imin > imax {
		imin, imax = imax, imin
	}
	if jmin > jmax {
		jmin, jmax = jmax, jmin
	}
	return imin, imax, jmin, jmax
}

// FindNearestTwoCells locates the two leaves used to interpolate a value
// across `face` of `cell`, for both the Interpolate mapping mode and the
// regularization neighbor stencils. When the face neighbor is a single
// leaf, that leaf is returned twice with weight 1,0 so callers can treat
// both cases uniformly. When it is split, a is its sub-leaf nearest
// cell's center along the shared boundary and b is the leaf one step
// further along face from a, weighted by their perpendicular distances
// from cell's center (a twice with 1,0 when there is no such leaf); the
// sub-leaves on either side of cell's center along the boundary are not
// interpolated.
func (g *Grid) FindNearestTwoCells(cell *SourceCell, face Face) (a, b *SourceCell, alpha, beta float64) {
	n := cell.Neighbor[face]
	if n == nil {
		return nil, nil, 0, 0
	}
	if n.IsLeaf() {
		return n, n, 1, 0
	}
	n = descendToNearSubLeaf(n, cell.Center, face)
	// Second cell: the same neighbor's own same-face neighbor gives the
	// next sample further along, used for two-point linear
	// interpolation across the face.
	second := n.Neighbor[face]
	if second == nil {
		return n, n, 1, 0
	}
	second = descendToNearSubLeaf(second, cell.Center, face)
	d1 := perpendicularDistance(cell.Center, n.Center, face)
	d2 := perpendicularDistance(cell.Center, second.Center, face)
	total := d1 + d2
	if total == 0 {
		return n, second, 1, 0
	}
	alpha = d2 / total
	beta = d1 / total
	return n, second, alpha, beta
}

// descendToNearSubLeaf descends a split neighbor toward the sub-leaf
// nearest refPoint's position along the axis perpendicular to face,
// stopping as soon as a leaf is reached.
func descendToNearSubLeaf(n *SourceCell, refPoint geom.Point, face Face) *SourceCell {
	for !n.IsLeaf() {
		switch face {
		case PlusU, MinusU:
			w := nearestChildIndex(refPoint.Y, n, false)
			u := 0
			if face == MinusU {
				u = n.ChildNu - 1
			}
			n = siblingAt(n, u, w)
		default:
			u := nearestChildIndex(refPoint.X, n, true)
			w := 0
			if face == MinusW {
				w = n.ChildNw - 1
			}
			n = siblingAt(n, u, w)
		}
	}
	return n
}

func nearestChildIndex(coord float64, parent *SourceCell, alongU bool) int {
	count := parent.ChildNw
	if alongU {
		count = parent.ChildNu
	}
	best, bestDist := 0, -1.0
	for i := 0; i < count; i++ {
		var c *SourceCell
		if alongU {
			c = siblingAt(parent, i, 0)
		} else {
			c = siblingAt(parent, 0, i)
		}
		var d float64
		if alongU {
			d = abs(coord - c.Center.X)
		} else {
			d = abs(coord - c.Center.Y)
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func perpendicularDistance(c1 geom.Point, c2 geom.Point, face Face) float64 {
	switch face {
	case PlusU, MinusU:
		return abs(c2.X - c1.X)
	default:
		return abs(c2.Y - c1.Y)
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// CheckTopologyInvariant validates that children tile the parent exactly
// and disjointly, for every non-leaf cell; used by tests.
func (g *Grid) CheckTopologyInvariant() error {
	var walk func(cell *SourceCell) error
	walk = func(cell *SourceCell) error {
		if cell.IsLeaf() {
			return nil
		}
		area := 0.0
		for _, c := range cell.Children {
			area += c.Area
			if err := walk(c); err != nil {
				return err
			}
		}
		if d := area - cell.Area; d > 1e-9 || d < -1e-9 {
			return fmt.Errorf("sourcegrid: children area %.12g != parent area %.12g", area, cell.Area)
		}
		return nil
	}
	for _, top := range g.TopLevel {
		if err := walk(top); err != nil {
			return err
		}
	}
	return nil
}
