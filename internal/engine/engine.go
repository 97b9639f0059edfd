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

package engine

import (
	"fmt"
	"io"
	"io/ioutil"

	"github.com/mlnoga/qlensgo/internal/geom"
	"github.com/mlnoga/qlensgo/internal/imagegrid"
	"github.com/mlnoga/qlensgo/internal/mapping"
	"github.com/mlnoga/qlensgo/internal/psf"
	"github.com/mlnoga/qlensgo/internal/regularization"
	"github.com/mlnoga/qlensgo/internal/solver"
	"github.com/mlnoga/qlensgo/internal/sourcegrid"
	"github.com/mlnoga/qlensgo/internal/sparse"
)

// Deflector is the lens model consumed by the reconstruction. It is the
// same interface internal/imagegrid requires; re-exported here so
// callers need only import internal/engine.
type Deflector = imagegrid.Deflector

// PixelData is the observed image plus an optional mask. Both SB and
// Mask, when present, are indexed [j][i] (row j = y, column i = x),
// matching the Config.ImageNy x Config.ImageNx raster layout.
type PixelData struct {
	SB [][]float64
	Mask [][]bool // nil means every pixel participates
}

// Coordinator orchestrates the reconstruction pipeline across every
// other package. A single Coordinator instance is not safe for
// concurrent Run calls; the REST job handler (internal/rest) creates
// one per request.
type Coordinator struct {
	Config Config
	Deflector Deflector
	LogWriter io.Writer

	ImgGrid *imagegrid.Grid
	SrcGrid *sourcegrid.Grid

	L *sparse.RowMatrix
	R *sparse.Matrix
	F *sparse.Matrix
	D []float64
	S []float64

	ImageSBDiag []float64 // L*s, the reconstructed-image diagnostic

	LogDetF, LogDetR float64
	HasLogDetF, HasLogDetR bool

	Backend solver.Backend

	imageGeom imageGeometry
	sourceGeom sourceGeometry
}

// imageGeometry and sourceGeometry capture the subset of Config that
// determines ImageGrid/SourceGrid topology, so Run can skip re-tracing
// and re-tiling when only downstream parameters (regularization method,
// lambda, solver backend) changed.
type imageGeometry struct {
	xmin, xmax, ymin, ymax float64
	nx, ny int
}

type sourceGeometry struct {
	xmin, xmax, ymin, ymax float64
	nu0, nw0, maxLevels int
}

func (c *Config) imageGeometry() imageGeometry {
	return imageGeometry{c.ImageXMin, c.ImageXMax, c.ImageYMin, c.ImageYMax, c.ImageNx, c.ImageNy}
}

func (c *Config) sourceGeometry() sourceGeometry {
	return sourceGeometry{c.SourceXMin, c.SourceXMax, c.SourceYMin, c.SourceYMax, c.Nu0, c.Nw0, c.MaxLevels}
}

// NewCoordinator validates cfg and constructs a Coordinator ready to Run.
func NewCoordinator(cfg Config, deflector Deflector, logWriter io.Writer) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &solver.ConfigError{Msg: err.Error()}
	}
	if deflector == nil {
		return nil, &solver.ConfigError{Msg: "no deflector configured"}
	}
	if logWriter == nil {
		logWriter = ioutil.Discard
	}
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	return &Coordinator{Config: cfg, Deflector: deflector, LogWriter: logWriter, Backend: backend}, nil
}

func newBackend(cfg Config) (solver.Backend, error) {
	switch cfg.SolverBackend {
	case "", "cg":
		return solver.NewCG(cfg.Precondition), nil
	case "direct-symmetric":
		return solver.NewDirectSymmetric()
	case "direct-unsymmetric":
		return solver.NewDirectUnsymmetric()
	default:
		return nil, &solver.ConfigError{Msg: fmt.Sprintf("unknown solver backend %q", cfg.SolverBackend)}
	}
}

// Run traces rays through the image grid, adaptively refines the source
// grid, builds the mapping, PSF, and regularization matrices, solves for
// the source-plane surface brightness, and writes the result back to
// the source grid's leaves.
func (c *Coordinator) Run(data PixelData) error {
	if err := c.ensureImageGrid(); err != nil {
		return err
	}
	if err := c.ensureSourceGrid(); err != nil {
		return err
	}
	c.applyMask(data)

	// Reset mapping flags, seed magnifications and overlaps.
	mapping.CalculatePixelMagnifications(c.ImgGrid, c.SrcGrid)

	// Adaptive refinement until stable.
	nu, nw := c.Config.adaptiveSplitNuNw()
	if err := mapping.AdaptiveSubgrid(c.ImgGrid, c.SrcGrid, c.Config.PixelMagnificationThreshold, c.Config.MinCellArea, nu, nw, c.Config.MaxSplitsPerCell); err != nil {
		return err
	}

	// A leaf that does overlap image pixels but with fewer source-plane
	// images than the prior demands is treated as unmapped, so the
	// active-index policy below can drop or regrid it.
	if c.Config.NImagePrior > 0 {
		for _, leaf := range c.SrcGrid.Leaves() {
			if leaf.MapsToImagePixel && leaf.NImages < float64(c.Config.NImagePrior) {
				leaf.MapsToImagePixel = false
			}
		}
	}

	// Re-index, assign active indices (regridding if configured).
	c.SrcGrid.AssignIndices()
	policy := sourcegrid.ActivePolicy{
		ActivateUnmapped: c.Config.ActivateUnmappedSourcePixels,
		RegridIfUnmappedSubcells: c.Config.RegridIfUnmappedSourceSubpixels,
		ExcludeOutsideWindow: c.Config.ExcludeSourcePixelsOutsideFitWindow,
	}
	c.SrcGrid.AssignActiveIndices(policy)
	c.ImgGrid.AssignActiveIndices()

	if c.SrcGrid.NActive == 0 {
		return &solver.ConfigError{Msg: "no active source pixels: check fit window and activation policy"}
	}

	// Build L.
	switch c.Config.RayTracingMethod {
	case mapping.Interpolate:
		c.L = mapping.BuildInterpolate(c.ImgGrid, c.SrcGrid)
	default:
		c.L = mapping.BuildAreaOverlap(c.ImgGrid, c.SrcGrid)
	}

	// PSF convolution, if configured.
	kernel, err := c.buildKernel()
	if err != nil {
		return err
	}
	if kernel != nil {
		c.L = psf.Convolve(c.ImgGrid, c.L, kernel)
	}

	// Build R.
	c.R = regularization.Build(c.Config.Regularization, c.SrcGrid, c.ImgGrid, c.L)

	// Build F and d.
	weight := c.pixelWeights()
	sb := c.activeImageVector(data)
	ltcinvl := c.L.NormalMatrix(weight)
	lambda := c.Config.RegularizationParameter
	c.F = sparse.AddScaled(ltcinvl, lambda, c.R)
	c.D = c.L.WeightedTransposeMulVec(weight, sb)

	// Solve; optionally compute log determinants for Bayesian evidence.
	s, err := c.Backend.Solve(c.F, c.D)
	if err != nil {
		return err
	}
	c.S = s
	c.HasLogDetF, c.HasLogDetR = false, false
	if c.Config.ComputeBayesianEvidence {
		if ld, err := c.Backend.LogDet(c.F); err == nil {
			c.LogDetF, c.HasLogDetF = ld, true
		} else {
			fmt.Fprintf(c.LogWriter, "warning: log det F unavailable: %s\n", err.Error())
		}
		if ld, err := c.Backend.LogDet(c.R); err == nil {
			c.LogDetR, c.HasLogDetR = ld, true
		} else {
			fmt.Fprintf(c.LogWriter, "warning: log det R unavailable: %s\n", err.Error())
		}
	}

	// Distribute s back to leaves; compute the diagnostic image vector.
	solver.ApplyZeroNoiseClamp(c.S, c.Config.ZeroNoiseClamp)
	leaves := c.SrcGrid.Leaves()
	byIndex := make([]*sourcegrid.SourceCell, c.SrcGrid.NActive)
	for _, l := range leaves {
		if l.Active {
			byIndex[l.ActiveIndex] = l
		}
	}
	solver.DistributeToLeaves(c.S, func(activeIndex int, value float64) {
		byIndex[activeIndex].SurfaceBrightness = value
	})
	c.ImageSBDiag = c.L.MulVec(c.S)
	return nil
}

func (c *Coordinator) ensureImageGrid() error {
	cfg := c.Config
	curGeom := cfg.imageGeometry()
	if c.ImgGrid != nil && curGeom == c.imageGeom {
		return nil
	}
	g := &imagegrid.Grid{
		XMin: cfg.ImageXMin, XMax: cfg.ImageXMax,
		YMin: cfg.ImageYMin, YMax: cfg.ImageYMax,
		Nx: cfg.ImageNx, Ny: cfg.ImageNy,
	}
	n := cfg.ImageNx * cfg.ImageNy
	g.Cells = make([]*imagegrid.ImageCell, n)
	dx := (cfg.ImageXMax - cfg.ImageXMin) / float64(cfg.ImageNx)
	dy := (cfg.ImageYMax - cfg.ImageYMin) / float64(cfg.ImageNy)
	deflector := c.Deflector
	err := Parallelize(n, cfg.poolWidth(), func(idx, threadID int) error {
		i, j := idx%cfg.ImageNx, idx/cfg.ImageNx
		x0 := cfg.ImageXMin + float64(i)*dx
		y0 := cfg.ImageYMin + float64(j)*dy
		g.Cells[idx] = imagegrid.BuildCell(i, j, x0, x0+dx, y0, y0+dy, deflector, threadID)
		return nil
	})
	if err != nil {
		return err
	}
	c.ImgGrid = g
	c.imageGeom = curGeom
	return nil
}

func (c *Coordinator) ensureSourceGrid() error {
	cfg := c.Config
	curGeom := cfg.sourceGeometry()
	if c.SrcGrid != nil && curGeom == c.sourceGeom {
		return nil
	}
	domain := geom.Rect{XMin: cfg.SourceXMin, XMax: cfg.SourceXMax, YMin: cfg.SourceYMin, YMax: cfg.SourceYMax}
	g, err := sourcegrid.NewGrid(domain, cfg.Nu0, cfg.Nw0, cfg.MaxLevels)
	if err != nil {
		return err
	}
	c.SrcGrid = g
	c.sourceGeom = curGeom
	return nil
}

func (c *Coordinator) applyMask(data PixelData) {
	cfg := c.Config
	if data.Mask == nil {
		c.ImgGrid.ApplyMask(nil)
		return
	}
	c.ImgGrid.ApplyMask(func(i, j int) bool {
		if j < 0 || j >= cfg.ImageNy || i < 0 || i >= cfg.ImageNx {
			return false
		}
		return data.Mask[j][i]
	})
}

func (c *Coordinator) buildKernel() (*psf.Kernel, error) {
	cfg := c.Config
	if len(cfg.PSFData) > 0 {
		return psf.LoadKernel(cfg.PSFData, cfg.PSFNx, cfg.PSFNy, cfg.PSFThreshold)
	}
	if cfg.PSFWidthX > 0 || cfg.PSFWidthY > 0 {
		sx, sy := cfg.PSFWidthX, cfg.PSFWidthY
		if sx <= 0 {
			sx = sy
		}
		if sy <= 0 {
			sy = sx
		}
		return psf.NewGaussianKernel(sx, sy)
	}
	return nil, nil
}

// pixelWeights returns 1/sigma^2 for every active image pixel, in
// ActiveIndex order, matching L's row order. Uses a uniform sigma,
// floored at NoiseThreshold when one is configured.
func (c *Coordinator) pixelWeights() []float64 {
	sigma := c.Config.Sigma
	if c.Config.NoiseThreshold > sigma {
		sigma = c.Config.NoiseThreshold
	}
	w := 1.0
	if sigma > 0 {
		w = 1 / (sigma * sigma)
	}
	weights := make([]float64, c.ImgGrid.NActive)
	for i := range weights {
		weights[i] = w
	}
	return weights
}

// activeImageVector extracts the observed SB values in ActiveIndex order.
func (c *Coordinator) activeImageVector(data PixelData) []float64 {
	out := make([]float64, c.ImgGrid.NActive)
	for _, cell := range c.ImgGrid.Cells {
		if !cell.FitMask || cell.ActiveIndex < 0 {
			continue
		}
		out[cell.ActiveIndex] = data.SB[cell.J][cell.I]
	}
	return out
}

// ImageSB returns the diagnostic reconstructed-image vector L*s from the
// most recent Run, in ActiveIndex order.
func (c *Coordinator) ImageSB() []float64 { return c.ImageSBDiag }
