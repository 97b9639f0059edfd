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

// Package engine wires internal/geom, internal/sourcegrid,
// internal/imagegrid, internal/mapping, internal/regularization,
// internal/psf and internal/solver together behind a single Coordinator
// implementing the reconstruction pipeline. Config is a plain
// struct with json tags, loadable from CLI flags (cmd/qlensgo) or a
// POSTed JSON job body (internal/rest).
package engine

import (
	"fmt"

	"github.com/mlnoga/qlensgo/internal/mapping"
	"github.com/mlnoga/qlensgo/internal/regularization"
)

// Config bundles every configuration option the reconstruction pipeline
// recognizes.
type Config struct {
	// Image-plane window and sampling.
	ImageXMin float64 `json:"imageXMin"`
	ImageXMax float64 `json:"imageXMax"`
	ImageYMin float64 `json:"imageYMin"`
	ImageYMax float64 `json:"imageYMax"`
	ImageNx int `json:"imageNx"`
	ImageNy int `json:"imageNy"`

	// Source-plane domain and initial uniform tiling.
	SourceXMin float64 `json:"sourceXMin"`
	SourceXMax float64 `json:"sourceXMax"`
	SourceYMin float64 `json:"sourceYMin"`
	SourceYMax float64 `json:"sourceYMax"`
	Nu0 int `json:"nu0"`
	Nw0 int `json:"nw0"`
	MaxLevels int `json:"maxLevels"`
	MinCellArea float64 `json:"minCellArea"`

	// Adaptive refinement.
	PixelMagnificationThreshold float64 `json:"pixelMagnificationThreshold"`
	AdaptiveSplitNu int `json:"adaptiveSplitNu"`
	AdaptiveSplitNw int `json:"adaptiveSplitNw"`
	MaxSplitsPerCell int `json:"maxSplitsPerCell"` // 0 = unlimited

	// Active-index policy.
	ActivateUnmappedSourcePixels bool `json:"activateUnmappedSourcePixels"`
	RegridIfUnmappedSourceSubpixels bool `json:"regridIfUnmappedSourceSubpixels"`
	ExcludeSourcePixelsOutsideFitWindow bool `json:"excludeSourcePixelsOutsideFitWindow"`

	// Mapping and PSF.
	RayTracingMethod mapping.Mode `json:"rayTracingMethod"`
	PSFWidthX float64 `json:"psfWidthX"`
	PSFWidthY float64 `json:"psfWidthY"`
	PSFData []float64 `json:"psfData,omitempty"`
	PSFNx int `json:"psfNx,omitempty"`
	PSFNy int `json:"psfNy,omitempty"`
	PSFThreshold float64 `json:"psfThreshold"`

	// Regularization.
	Regularization regularization.Method `json:"regularization"`
	RegularizationParameter float64 `json:"regularizationParameter"`

	// Noise / priors. Uses a uniform sigma; generalizable to full
	// covariance later.
	NoiseThreshold float64 `json:"noiseThreshold"`
	NImagePrior int `json:"nImagePrior"`
	MaxSBPriorUnselectedPixels float64 `json:"maxSBPriorUnselectedPixels"`
	Sigma float64 `json:"sigma"`

	// Solver.
	SolverBackend string `json:"solverBackend"` // "cg" (default), "direct-symmetric", "direct-unsymmetric"
	Precondition bool `json:"precondition"`
	ComputeBayesianEvidence bool `json:"computeBayesianEvidence"`
	ZeroNoiseClamp bool `json:"zeroNoiseClamp"`

	// Concurrency.
	MaxThreads int `json:"maxThreads"`
}

// Validate checks the setup-time invariants (Nu0<2, degenerate windows,
// unknown regularization or ray tracing method, negative Sigma) and fails
// fast at setup rather than deep inside the pipeline. A missing deflector
// is rejected by NewCoordinator, not here.
func (c *Config) Validate() error {
	if c.Nu0 < 2 || c.Nw0 < 2 {
		return fmt.Errorf("engine: Nu0,Nw0 must be >= 2, got %d,%d", c.Nu0, c.Nw0)
	}
	if c.MaxLevels < 0 {
		return fmt.Errorf("engine: MaxLevels must be >= 0, got %d", c.MaxLevels)
	}
	if c.ImageNx < 1 || c.ImageNy < 1 {
		return fmt.Errorf("engine: ImageNx,ImageNy must be >= 1, got %d,%d", c.ImageNx, c.ImageNy)
	}
	if c.SourceXMax <= c.SourceXMin || c.SourceYMax <= c.SourceYMin {
		return fmt.Errorf("engine: degenerate source domain")
	}
	if c.ImageXMax <= c.ImageXMin || c.ImageYMax <= c.ImageYMin {
		return fmt.Errorf("engine: degenerate image window")
	}
	switch c.Regularization {
	case regularization.Norm, regularization.Gradient, regularization.Curvature, regularization.ImagePlaneCurvature:
	default:
		return fmt.Errorf("engine: unknown regularization method %v", c.Regularization)
	}
	switch c.RayTracingMethod {
	case mapping.AreaOverlap, mapping.Interpolate:
	default:
		return fmt.Errorf("engine: unknown ray tracing method %v", c.RayTracingMethod)
	}
	if c.Sigma < 0 {
		return fmt.Errorf("engine: Sigma must be >= 0, got %v", c.Sigma)
	}
	return nil
}

// adaptiveSplitNuNw defaults each adaptive-refinement split factor to 2
// when it is unset or below 2, giving a plain quad-tree (2x2) split.
func (c *Config) adaptiveSplitNuNw() (int, int) {
	nu, nw := c.AdaptiveSplitNu, c.AdaptiveSplitNw
	if nu < 2 {
		nu = 2
	}
	if nw < 2 {
		nw = 2
	}
	return nu, nw
}
