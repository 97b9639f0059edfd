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

// Package geom implements the triangle/rectangle overlap predicates that
// drive ray tracing: a deformed image cell is always split along its
// 1-2 diagonal into two triangles, and the mapping engine needs, for
// every candidate source cell, whether the triangle can possibly overlap
// the cell's rectangle, whether it does, and the exact overlap area.
package geom

import "math"

// Point is a 2D coordinate, used interchangeably in image and source plane.
type Point struct {
	X, Y float64
}

// Triangle is an ordered triple of points (p0,p1,p2).
type Triangle [3]Point

// Rect is an axis-aligned rectangle.
type Rect struct {
	XMin, XMax, YMin, YMax float64
}

// BBox returns the axis-aligned bounding box of a triangle.
func (t Triangle) BBox() Rect {
	r := Rect{XMin: math.MaxFloat64, XMax: -math.MaxFloat64, YMin: math.MaxFloat64, YMax: -math.MaxFloat64}
	for _, p := range t {
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

// InNeighborhood is the cheap bounding-box pre-test:
// possible reports whether the triangle's bbox can intersect rect at
// all; strictlyInside reports whether the triangle's bbox lies entirely
// within rect (in which case overlap area equals the triangle's own
// area, no clipping required).
func InNeighborhood(t Triangle, r Rect) (possible, strictlyInside bool) {
	b := t.BBox()
	possible = b.XMin <= r.XMax && b.XMax >= r.XMin && b.YMin <= r.YMax && b.YMax >= r.YMin
	strictlyInside = possible && b.XMin >= r.XMin && b.XMax <= r.XMax && b.YMin >= r.YMin && b.YMax <= r.YMax
	return possible, strictlyInside
}

// signedArea2 returns twice the signed area of the triangle (p0,p1,p2);
// positive for counter-clockwise winding.
func signedArea2(p0, p1, p2 Point) float64 {
	return (p1.X-p0.X)*(p2.Y-p0.Y) - (p2.X-p0.X)*(p1.Y-p0.Y)
}

// TriArea returns the (unsigned) area of a triangle.
func TriArea(t Triangle) float64 {
	return math.Abs(signedArea2(t[0], t[1], t[2])) * 0.5
}

// BarycentricWeights returns the three barycentric weights of p with
// respect to triangle t, via the signed-area formula. Weights sum to 1
// and are negative when p lies outside t (linear extrapolation), which
// the caller allows.
func BarycentricWeights(p Point, t Triangle) (w0, w1, w2 float64) {
	det := signedArea2(t[0], t[1], t[2])
	if det == 0 {
		return 1, 0, 0
	}
	w0 = signedArea2(p, t[1], t[2]) / det
	w1 = signedArea2(t[0], p, t[2]) / det
	w2 = signedArea2(t[0], t[1], p) / det
	return w0, w1, w2
}

// Overlap reports whether the triangle and rectangle intersect at all:
// after the bounding-box pre-test it checks for a triangle vertex inside
// the rectangle, a rectangle corner inside the triangle, or a triangle
// edge crossing a rectangle edge.
func Overlap(t Triangle, r Rect) bool {
	possible, strictlyInside := InNeighborhood(t, r)
	if !possible {
		return false
	}
	if strictlyInside {
		return true
	}
	// Any triangle vertex inside the rectangle -> overlap.
	for _, p := range t {
		if p.X >= r.XMin && p.X <= r.XMax && p.Y >= r.YMin && p.Y <= r.YMax {
			return true
		}
	}
	// Any rectangle corner inside the triangle -> overlap.
	corners := [4]Point{{r.XMin, r.YMin}, {r.XMax, r.YMin}, {r.XMax, r.YMax}, {r.XMin, r.YMax}}
	for _, c := range corners {
		if pointInTriangle(c, t) {
			return true
		}
	}
	// Any triangle edge crosses any rectangle edge -> overlap.
	triEdges := [3][2]Point{{t[0], t[1]}, {t[1], t[2]}, {t[2], t[0]}}
	rectEdges := [4][2]Point{
		{corners[0], corners[1]}, {corners[1], corners[2]},
		{corners[2], corners[3]}, {corners[3], corners[0]},
	}
	for _, te := range triEdges {
		for _, re := range rectEdges {
			if segmentsIntersect(te[0], te[1], re[0], re[1]) {
				return true
			}
		}
	}
	return false
}

func pointInTriangle(p Point, t Triangle) bool {
	d1 := signedArea2(p, t[0], t[1])
	d2 := signedArea2(p, t[1], t[2])
	d3 := signedArea2(p, t[2], t[0])
	hasNeg := d1 < 0 || d2 < 0 || d3 < 0
	hasPos := d1 > 0 || d2 > 0 || d3 > 0
	return !(hasNeg && hasPos)
}

func segmentsIntersect(p1, p2, p3, p4 Point) bool {
	d1 := signedArea2(p3, p4, p1)
	d2 := signedArea2(p3, p4, p2)
	d3 := signedArea2(p1, p2, p3)
	d4 := signedArea2(p1, p2, p4)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return false
}

// OverlapArea computes the exact intersection area of the triangle with
// the rectangle via Sutherland-Hodgman polygon clipping: the triangle is
// clipped successively against each of the rectangle's four half-planes,
// and the resulting convex polygon's area is returned via the shoelace
// formula.
func OverlapArea(t Triangle, r Rect) float64 {
	possible, strictlyInside := InNeighborhood(t, r)
	if !possible {
		return 0
	}
	if strictlyInside {
		return TriArea(t)
	}
	poly := []Point{t[0], t[1], t[2]}
	poly = clipHalfPlane(poly, func(p Point) bool { return p.X >= r.XMin }, func(a, b Point) Point { return xIntersect(a, b, r.XMin) })
	poly = clipHalfPlane(poly, func(p Point) bool { return p.X <= r.XMax }, func(a, b Point) Point { return xIntersect(a, b, r.XMax) })
	poly = clipHalfPlane(poly, func(p Point) bool { return p.Y >= r.YMin }, func(a, b Point) Point { return yIntersect(a, b, r.YMin) })
	poly = clipHalfPlane(poly, func(p Point) bool { return p.Y <= r.YMax }, func(a, b Point) Point { return yIntersect(a, b, r.YMax) })
	return polygonArea(poly)
}

func xIntersect(a, b Point, x float64) Point {
	t := (x - a.X) / (b.X - a.X)
	return Point{X: x, Y: a.Y + t*(b.Y-a.Y)}
}

func yIntersect(a, b Point, y float64) Point {
	t := (y - a.Y) / (b.Y - a.Y)
	return Point{X: a.X + t*(b.X-a.X), Y: y}
}

// clipHalfPlane clips a convex polygon against a half-plane described by
// the inside predicate and the edge/boundary intersection function.
func clipHalfPlane(poly []Point, inside func(Point) bool, intersect func(a, b Point) Point) []Point {
	if len(poly) == 0 {
		return poly
	}
	out := make([]Point, 0, len(poly)+1)
	for i := range poly {
		cur := poly[i]
		prev := poly[(i-1+len(poly))%len(poly)]
		curIn, prevIn := inside(cur), inside(prev)
		if curIn {
			if !prevIn {
				out = append(out, intersect(prev, cur))
			}
			out = append(out, cur)
		} else if prevIn {
			out = append(out, intersect(prev, cur))
		}
	}
	return out
}

func polygonArea(poly []Point) float64 {
	if len(poly) < 3 {
		return 0
	}
	sum := 0.0
	for i := range poly {
		j := (i + 1) % len(poly)
		sum += poly[i].X*poly[j].Y - poly[j].X*poly[i].Y
	}
	return math.Abs(sum) * 0.5
}
