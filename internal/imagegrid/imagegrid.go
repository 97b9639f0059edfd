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

// Package imagegrid implements the regular image-plane grid and its
// per-cell ray tracing through a Deflector.
package imagegrid

import (
	"fmt"

	"github.com/mlnoga/qlensgo/internal/geom"
)

// Deflector maps an image-plane point to its source-plane counterpart
// and reports the point magnification there. Implementations must be
// safe to call concurrently; threadID is a hint implementations may use
// to index per-goroutine scratch buffers.
type Deflector interface {
	Deflect(x, y float64, threadID int) (xp, yp float64)
	Magnification(x, y float64, threadID int) float64
}

// ImageCell is a single cell of the regular image-plane grid.
type ImageCell struct {
	I, J int

	Corners [4]geom.Point // image-plane corners, order: (x0,y0),(x1,y0),(x0,y1),(x1,y1)
	Center geom.Point

	SourceCorners [4]geom.Point // ray-traced
	SourceCenter geom.Point

	// The quad of ray-traced source corners is split along the 1-2
	// diagonal into two triangles, {c0,c1,c2} and {c1,c3,c2}, for
	// overlap-area normalization.
	Tri1, Tri2 geom.Triangle
	Area1, Area2 float64
	CenterMagnification float64

	FitMask bool
	ActiveIndex int

	// SourceCellIDs records which source leaves this pixel maps to
	// (populated by internal/mapping), used to drive adaptive
	// refinement without re-deriving overlaps from scratch.
	SourceCellIDs []int
}

// Grid is the regular (Nx,Ny) image-plane tiling over a rectangular
// window.
type Grid struct {
	XMin, XMax, YMin, YMax float64
	Nx, Ny int
	Cells []*ImageCell // row-major, i fastest, len Nx*Ny
	NActive int
}

// NewGrid ray-traces every corner and center of a regular Nx x Ny window
// through deflector and builds the two source-plane overlap triangles
// per cell. threadID is forwarded to the deflector as-is,
// for single-threaded construction; parallel construction is done by
// internal/engine.Coordinator calling BuildCell directly per worker.
func NewGrid(xmin, xmax, ymin, ymax float64, nx, ny int, deflector Deflector, threadID int) (*Grid, error) {
	if nx < 1 || ny < 1 {
		return nil, fmt.Errorf("imagegrid: Nx,Ny must be >= 1, got %d,%d", nx, ny)
	}
	if deflector == nil {
		return nil, fmt.Errorf("imagegrid: missing deflector")
	}
	g := &Grid{XMin: xmin, XMax: xmax, YMin: ymin, YMax: ymax, Nx: nx, Ny: ny}
	g.Cells = make([]*ImageCell, nx*ny)
	dx := (xmax - xmin) / float64(nx)
	dy := (ymax - ymin) / float64(ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			g.Cells[i+j*nx] = BuildCell(i, j, xmin+float64(i)*dx, xmin+float64(i+1)*dx,
				ymin+float64(j)*dy, ymin+float64(j+1)*dy, deflector, threadID)
		}
	}
	return g, nil
}

// BuildCell constructs and ray-traces a single image cell; exported so
// internal/engine can parallelize grid construction across a worker
// pool, one BuildCell call per goroutine slot with its own threadID.
func BuildCell(i, j int, x0, x1, y0, y1 float64, deflector Deflector, threadID int) *ImageCell {
	c := &ImageCell{I: i, J: j, ActiveIndex: -1}
	c.Corners = [4]geom.Point{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x0, Y: y1}, {X: x1, Y: y1}}
	c.Center = geom.Point{X: 0.5 * (x0 + x1), Y: 0.5 * (y0 + y1)}

	for k, p := range c.Corners {
		xp, yp := deflector.Deflect(p.X, p.Y, threadID)
		c.SourceCorners[k] = geom.Point{X: xp, Y: yp}
	}
	xp, yp := deflector.Deflect(c.Center.X, c.Center.Y, threadID)
	c.SourceCenter = geom.Point{X: xp, Y: yp}
	c.CenterMagnification = deflector.Magnification(c.Center.X, c.Center.Y, threadID)

	c.Tri1 = geom.Triangle{c.SourceCorners[0], c.SourceCorners[1], c.SourceCorners[2]}
	c.Tri2 = geom.Triangle{c.SourceCorners[1], c.SourceCorners[3], c.SourceCorners[2]}
	c.Area1 = geom.TriArea(c.Tri1)
	c.Area2 = geom.TriArea(c.Tri2)
	return c
}

// ApplyMask sets FitMask on every cell using the supplied predicate; nil
// means every cell participates ("optional mask").
func (g *Grid) ApplyMask(fitToData func(i, j int) bool) {
	if fitToData == nil {
		for _, c := range g.Cells {
			c.FitMask = true
		}
		return
	}
	for _, c := range g.Cells {
		c.FitMask = fitToData(c.I, c.J)
	}
}

// AssignActiveIndices assigns dense active indices in row-major order
// (i fastest) to every masked-in cell, mirroring sourcegrid's dense
// indexing convention.
func (g *Grid) AssignActiveIndices() int {
	n := 0
	for _, c := range g.Cells {
		if !c.FitMask {
			c.ActiveIndex = -1
			continue
		}
		c.ActiveIndex = n
		n++
	}
	g.NActive = n
	return n
}

// At returns the cell at (i,j), or nil if out of range.
func (g *Grid) At(i, j int) *ImageCell {
	if i < 0 || i >= g.Nx || j < 0 || j >= g.Ny {
		return nil
	}
	return g.Cells[i+j*g.Nx]
}

// PixelArea returns the image-plane area of any cell (uniform across
// the regular grid), used by internal/mapping to weight magnification
// accumulation.
func (g *Grid) PixelArea() float64 {
	return (g.XMax - g.XMin) / float64(g.Nx) * (g.YMax - g.YMin) / float64(g.Ny)
}
