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

// Package psf implements PSF kernel synthesis/loading and convolution of
// the L-matrix to account for seeing and pixel response.
package psf

import (
	"fmt"
	"math"

	"github.com/mlnoga/qlensgo/internal/imagegrid"
	"github.com/mlnoga/qlensgo/internal/sparse"
)

// Kernel is a row-major (Nx,Ny) PSF footprint, both odd, centered at
// (Nx/2, Ny/2).
type Kernel struct {
	Nx, Ny int
	Values []float64
}

// At returns the kernel value at pixel offset (dx,dy) from the center,
// or 0 if outside the footprint.
func (k *Kernel) At(dx, dy int) float64 {
	hx, hy := k.Nx/2, k.Ny/2
	x, y := dx+hx, dy+hy
	if x < 0 || x >= k.Nx || y < 0 || y >= k.Ny {
		return 0
	}
	return k.Values[x+y*k.Nx]
}

// NewUnitKernel returns the 1x1 identity kernel; convolving with it
// leaves L unchanged.
func NewUnitKernel() *Kernel {
	return &Kernel{Nx: 1, Ny: 1, Values: []float64{1}}
}

// NewGaussianKernel synthesizes a separable Gaussian kernel with the
// given per-axis sigma, over a +-1.6*sigma footprint, sized odd
// in both dimensions, normalized to sum 1. A sigma of 0 on an axis
// collapses that axis to a single-pixel (impulse) footprint.
func NewGaussianKernel(sigmaX, sigmaY float64) (*Kernel, error) {
	if sigmaX < 0 || sigmaY < 0 {
		return nil, fmt.Errorf("psf: sigma must be >= 0, got sigmaX=%v sigmaY=%v", sigmaX, sigmaY)
	}
	rx := footprintRadius(sigmaX)
	ry := footprintRadius(sigmaY)
	nx, ny := 2*rx+1, 2*ry+1
	values := make([]float64, nx*ny)
	sum := 0.0
	for j := 0; j < ny; j++ {
		dy := float64(j - ry)
		gy := gauss1D(dy, sigmaY)
		for i := 0; i < nx; i++ {
			dx := float64(i - rx)
			gx := gauss1D(dx, sigmaX)
			v := gx * gy
			values[i+j*nx] = v
			sum += v
		}
	}
	if sum > 0 {
		for i := range values {
			values[i] /= sum
		}
	}
	return &Kernel{Nx: nx, Ny: ny, Values: values}, nil
}

func footprintRadius(sigma float64) int {
	if sigma <= 0 {
		return 0
	}
	return int(math.Floor(1.6 * sigma))
}

func gauss1D(d, sigma float64) float64 {
	if sigma <= 0 {
		if d == 0 {
			return 1
		}
		return 0
	}
	return math.Exp(-(d * d) / (2 * sigma * sigma))
}

// LoadKernel builds a Kernel from an externally-sourced 2D array (e.g.
// a FITS PSF image), thresholding small values to zero and
// renormalizing the result to sum 1. threshold is relative to the
// maximum absolute value in data; pass 0 to disable thresholding.
func LoadKernel(data []float64, nx, ny int, threshold float64) (*Kernel, error) {
	if nx%2 == 0 || ny%2 == 0 {
		return nil, fmt.Errorf("psf: kernel dimensions must be odd, got %dx%d", nx, ny)
	}
	if len(data) != nx*ny {
		return nil, fmt.Errorf("psf: data length %d != %d*%d", len(data), nx, ny)
	}
	values := append([]float64(nil), data...)
	if threshold > 0 {
		maxAbs := 0.0
		for _, v := range values {
			if a := math.Abs(v); a > maxAbs {
				maxAbs = a
			}
		}
		cut := threshold * maxAbs
		for i, v := range values {
			if math.Abs(v) < cut {
				values[i] = 0
			}
		}
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	if sum == 0 {
		return nil, fmt.Errorf("psf: kernel sums to zero after thresholding")
	}
	for i := range values {
		values[i] /= sum
	}
	return &Kernel{Nx: nx, Ny: ny, Values: values}, nil
}

// Convolve returns L' = K (x) L: every active image pixel's row becomes
// the kernel-weighted sum of the L rows of every active neighbor within
// the kernel footprint. Off-image or masked-out neighbors
// are skipped, preserving sparsity. The caller reassigns its L reference
// to the result; Go's value semantics make an actual in-place rewrite
// both unnecessary and unsafe to alias against the input.
func Convolve(imgGrid *imagegrid.Grid, l *sparse.RowMatrix, k *Kernel) *sparse.RowMatrix {
	bld := sparse.NewRowBuilder(l.NRows, l.NCols)
	hx, hy := k.Nx/2, k.Ny/2
	for _, cell := range imgGrid.Cells {
		if !cell.FitMask || cell.ActiveIndex < 0 {
			continue
		}
		for dy := -hy; dy <= hy; dy++ {
			for dx := -hx; dx <= hx; dx++ {
				kv := k.At(dx, dy)
				if kv == 0 {
					continue
				}
				n := imgGrid.At(cell.I+dx, cell.J+dy)
				if n == nil || !n.FitMask || n.ActiveIndex < 0 {
					continue
				}
				cols, vals := l.Row(n.ActiveIndex)
				for idx, c := range cols {
					bld.Add(cell.ActiveIndex, c, kv*vals[idx])
				}
			}
		}
	}
	return bld.Compact()
}
