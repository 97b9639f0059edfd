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

package fits

import (
	"bufio"
	"fmt"
	"image"
	"image/png"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/mlnoga/qlensgo/internal/imagegrid"
	"github.com/mlnoga/qlensgo/internal/sourcegrid"
)

// splitSentinel marks a split (non-leaf) cell in the .sb pre-order dump:
// a line holding this value means the next Nu*Nw lines are its children,
// not a surface-brightness value.
const splitSentinel = -1e30

// DumpSourceInfo writes the <root>.info file: three ints (Nu0, Nw0,
// levels) and four doubles (xmin,xmax,ymin,ymax) describing the source
// grid's top-level tiling and domain.
func DumpSourceInfo(path string, g *sourcegrid.Grid) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d %d %d\n%.17g %.17g %.17g %.17g\n",
		g.Nu0, g.Nw0, g.MaxDepth, g.Domain.XMin, g.Domain.XMax, g.Domain.YMin, g.Domain.YMax)
	return err
}

// DumpSourceSB writes the <root>.sb file: a pre-order traversal of the
// source tree's surface-brightness values, using the splitSentinel to
// mark internal nodes whose Nu*Nw children follow row-major.
func DumpSourceSB(path string, g *sourcegrid.Grid) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, c := range g.TopLevel {
		if err := dumpCellSB(w, c); err != nil {
			return err
		}
	}
	return w.Flush()
}

func dumpCellSB(w *bufio.Writer, c *sourcegrid.SourceCell) error {
	if c.IsLeaf() {
		_, err := fmt.Fprintf(w, "%.17g\n", c.SurfaceBrightness)
		return err
	}
	if _, err := fmt.Fprintf(w, "%.17g\n", splitSentinel); err != nil {
		return err
	}
	for _, child := range c.Children {
		if err := dumpCellSB(w, child); err != nil {
			return err
		}
	}
	return nil
}

// DumpImageAxes writes the <root>.x and <root>.y files: the axis tick
// coordinates (cell centers) of the finest uniform sampling of the image
// window.
func DumpImageAxes(xPath, yPath string, g *imagegrid.Grid) error {
	dx := (g.XMax - g.XMin) / float64(g.Nx)
	dy := (g.YMax - g.YMin) / float64(g.Ny)
	if err := dumpAxis(xPath, g.XMin, dx, g.Nx); err != nil {
		return err
	}
	return dumpAxis(yPath, g.YMin, dy, g.Ny)
}

func dumpAxis(path string, min, step float64, n int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for i := 0; i < n; i++ {
		if _, err := fmt.Fprintf(w, "%.17g\n", min+(float64(i)+0.5)*step); err != nil {
			return err
		}
	}
	return w.Flush()
}

// DumpImageRaster writes the <root>.dat file: a flat row-major raster
// (X fastest) of values at the finest image resolution. values
// is indexed by ActiveIndex; masked-out cells are written as 0.
func DumpImageRaster(path string, g *imagegrid.Grid, values []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for j := 0; j < g.Ny; j++ {
		for i := 0; i < g.Nx; i++ {
			c := g.At(i, j)
			v := 0.0
			if c.FitMask && c.ActiveIndex >= 0 && c.ActiveIndex < len(values) {
				v = values[c.ActiveIndex]
			}
			if _, err := fmt.Fprintf(w, "%.17g\n", v); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// RasterFromActiveValues expands an ActiveIndex-ordered vector (as
// produced by the solver or Coordinator.ImageSB) into a dense Nx*Ny
// row-major raster, for FITS/PNG export.
func RasterFromActiveValues(g *imagegrid.Grid, values []float64) []float64 {
	out := make([]float64, g.Nx*g.Ny)
	for j := 0; j < g.Ny; j++ {
		for i := 0; i < g.Nx; i++ {
			c := g.At(i, j)
			if c.FitMask && c.ActiveIndex >= 0 && c.ActiveIndex < len(values) {
				out[i+j*g.Nx] = values[c.ActiveIndex]
			}
		}
	}
	return out
}

// WritePreviewPNG renders a row-major (X fastest) raster as a false-color
// 8-bit PNG preview, linearly scaled between its min and max, using a
// blue-to-red HCL ramp. This is a diagnostic convenience alongside the
// plain ASCII/FITS dumps, not a replacement for them.
func WritePreviewPNG(path string, nx, ny int, data []float64) error {
	min, max := data[0], data[0]
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	rng := max - min
	if rng <= 0 {
		rng = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, nx, ny))
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			v := (data[i+j*nx] - min) / rng
			hue := 240 * (1 - v) // blue (low) -> red (high)
			col := colorful.Hsv(hue, 0.85, 0.15+0.85*v)
			// PNG row 0 is the top of the image; flip so Y increases upward.
			img.Set(i, ny-1-j, col)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
