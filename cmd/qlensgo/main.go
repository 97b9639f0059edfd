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

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/mlnoga/qlensgo/internal/deflector"
	"github.com/mlnoga/qlensgo/internal/engine"
	"github.com/mlnoga/qlensgo/internal/fits"
	"github.com/mlnoga/qlensgo/internal/mapping"
	"github.com/mlnoga/qlensgo/internal/regularization"
	"github.com/mlnoga/qlensgo/internal/rest"
)

const version = "0.1.0"

const legal = `qlensgo Copyright (c) 2026 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

qlensgo reimplements the pixelated source reconstruction core of qlens
(pixelgrid.cpp / gauss.h) as a standalone engine: an adaptive quad-tree
source grid, a geometric image-to-source lensing operator, linear
regularization and a sparse symmetric solver with log-determinant
estimation for the Bayesian evidence.

Depends on github.com/gin-gonic/gin, github.com/lucasb-eyer/go-colorful,
github.com/klauspost/cpuid, github.com/pbnjay/memory,
github.com/valyala/fastrand and gonum.org/v1/gonum.
`

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var port = flag.Int("port", 8080, "port for serving HTTP API")
var chroot = flag.String("chroot", "", "directory to chroot and chdir to when serving HTTP. must be run as root")
var setuid = flag.Int("setuid", -1, "user id number to setuid to when serving HTTP. must be run as root")
var job = flag.String("job", "", "JSON engine.Config job specification to run, used instead of the flags below")

var in = flag.String("in", "", "input FITS `file` with observed surface brightness")
var maskFile = flag.String("mask", "", "optional input FITS `file` with a Boolean fit mask (nonzero=included)")
var logPath = flag.String("log", "%auto", "save log output to `file`. %auto replaces the suffix of -out with.log")

var out = flag.String("out", "out.fits", "save the image-plane model of the reconstructed source (L times s) to FITS `file`")
var outPreview = flag.String("outPreview", "%auto", "save a false-color PNG preview of -out to `file`. %auto replaces the suffix of -out with.png")
var outPrefix = flag.String("outPrefix", "", "if set, also dump the source grid as <prefix>.info/.sb and the image grid as <prefix>.x/.y/.dat")

var imageXMin = flag.Float64("imageXMin", -1, "image window xmin")
var imageXMax = flag.Float64("imageXMax", 1, "image window xmax")
var imageYMin = flag.Float64("imageYMin", -1, "image window ymin")
var imageYMax = flag.Float64("imageYMax", 1, "image window ymax")

var sourceXMin = flag.Float64("sourceXMin", -1, "source domain xmin")
var sourceXMax = flag.Float64("sourceXMax", 1, "source domain xmax")
var sourceYMin = flag.Float64("sourceYMin", -1, "source domain ymin")
var sourceYMax = flag.Float64("sourceYMax", 1, "source domain ymax")

var nu0 = flag.Int("nu0", 8, "initial source grid columns")
var nw0 = flag.Int("nw0", 8, "initial source grid rows")
var maxLevels = flag.Int("maxLevels", 4, "maximum quad-tree split depth")
var minCellArea = flag.Float64("minCellArea", 1e-8, "stop splitting a source cell below this area")

var pixMagThreshold = flag.Float64("pixMagThreshold", 3.0, "split a source cell at level L if its total magnification exceeds this base threshold times 4^(L+1)")
var adaptiveSplitNu = flag.Int("adaptiveSplitNu", 2, "columns each adaptively split source cell divides into")
var adaptiveSplitNw = flag.Int("adaptiveSplitNw", 2, "rows each adaptively split source cell divides into")
var maxSplitsPerCell = flag.Int("maxSplitsPerCell", 0, "maximum number of adaptive splits per source cell, 0=unlimited")

var activateUnmapped = flag.Bool("activateUnmapped", false, "activate source pixels not hit by any image ray")
var regridUnmapped = flag.Bool("regridUnmapped", false, "regrid if any source subpixels go unmapped after a split")
var excludeOutsideWindow = flag.Bool("excludeOutsideWindow", true, "exclude source pixels outside the fit window from the active set")

var rayTracing = flag.String("rayTracing", "areaOverlap", "ray tracing method, one of: areaOverlap, interpolate")

var psfWidthX = flag.Float64("psfWidthX", 0, "Gaussian PSF sigma along x, 0=no PSF")
var psfWidthY = flag.Float64("psfWidthY", 0, "Gaussian PSF sigma along y, 0=same as psfWidthX")
var psfFile = flag.String("psfFile", "", "load the PSF kernel from FITS `file` instead of a Gaussian")
var psfThreshold = flag.Float64("psfThreshold", 1e-3, "drop PSF kernel taps below this fraction of the peak")

var regMethod = flag.String("regularization", "curvature", "regularization method, one of: norm, gradient, curvature, imagePlaneCurvature")
var regParam = flag.Float64("regParam", 1.0, "regularization parameter lambda")

var noiseThreshold = flag.Float64("noiseThreshold", 0, "clamp pixel noise estimates below this floor, 0=no floor")
var nImagePrior = flag.Int("nImagePrior", 0, "minimum number of mapped images per active source pixel, 0=off")
var maxSBPriorUnselected = flag.Float64("maxSBPriorUnselected", 0, "surface brightness bound for unselected source pixels; stored in the job configuration, not applied by the reconstruction")
var sigma = flag.Float64("sigma", 1.0, "uniform per-pixel noise standard deviation")

var solverBackend = flag.String("solverBackend", "cg", "linear solver backend, one of: cg, direct-symmetric, direct-unsymmetric")
var precondition = flag.Bool("precondition", true, "use a Jacobi preconditioner with the cg solver backend")
var computeEvidence = flag.Bool("computeEvidence", false, "estimate log determinants and the Bayesian evidence")
var zeroNoiseClamp = flag.Bool("zeroNoiseClamp", false, "clamp negative reconstructed source surface brightness to zero")

var maxThreads = flag.Int("maxThreads", 0, "maximum worker goroutines, 0=auto from available memory and CPUs")

var deflectorKind = flag.String("deflector", "identity", "analytic deflector, one of: identity, sis, pointmass")
var deflectorX0 = flag.Float64("deflectorX0", 0, "deflector center x")
var deflectorY0 = flag.Float64("deflectorY0", 0, "deflector center y")
var deflectorThetaE = flag.Float64("deflectorThetaE", 1, "deflector Einstein radius")
var deflectorCore = flag.Float64("deflectorCore", 0, "SIS core radius, 0 for the singular case")

func main() {
	var logWriter io.Writer = os.Stdout
	debug.SetGCPercent(10)
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `qlensgo Copyright (c) 2026 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (run|serve|legal|version)

Commands:
 run Reconstruct the source from -in (or a -job JSON engine.Config) and write -out
 serve Serve the reconstruction job API over HTTP
 legal Show license and attribution information
 version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *logPath == "%auto" {
		if *out != "" {
			*logPath = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".log"
		} else {
			*logPath = ""
		}
	}
	if *logPath != "" {
		logFile, err := os.Create(*logPath)
		if err != nil {
			panic(fmt.Sprintf("Unable to open log file %s\n", *logPath))
		}
		logWriter = io.MultiWriter(logWriter, logFile)
	}

	if *outPreview == "%auto" {
		if *out != "" {
			*outPreview = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".png"
		} else {
			*outPreview = ""
		}
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintf(logWriter, "Could not create CPU profile: %s\n", err)
			os.Exit(-1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(logWriter, "Could not start CPU profile: %s\n", err)
			os.Exit(-1)
		}
		defer pprof.StopCPUProfile()
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	var err error
	switch args[0] {
	case "serve":
		rest.MakeSandbox(*chroot, *setuid)
		rest.Serve(*port)

	case "run":
		err = runReconstruction(logWriter)

	case "legal":
		fmt.Fprint(logWriter, legal)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		os.Exit(-1)
	}

	now := time.Now()
	elapsed := now.Sub(start).Round(time.Millisecond * 10)
	fmt.Fprintf(logWriter, "\nDone after %s\n", elapsed)

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Fprintf(logWriter, "Could not create memory profile: %s\n", err)
			os.Exit(-1)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			fmt.Fprintf(logWriter, "Could not write allocation profile: %s\n", err)
			os.Exit(-1)
		}
	}
}

// configFromFlags assembles an engine.Config from the CLI flags, mirroring
// the JSON Config a REST job body carries (internal/rest).
func configFromFlags() engine.Config {
	return engine.Config{
		ImageXMin: *imageXMin, ImageXMax: *imageXMax,
		ImageYMin: *imageYMin, ImageYMax: *imageYMax,

		SourceXMin: *sourceXMin, SourceXMax: *sourceXMax,
		SourceYMin: *sourceYMin, SourceYMax: *sourceYMax,
		Nu0: *nu0, Nw0: *nw0,
		MaxLevels: *maxLevels,
		MinCellArea: *minCellArea,

		PixelMagnificationThreshold: *pixMagThreshold,
		AdaptiveSplitNu: *adaptiveSplitNu,
		AdaptiveSplitNw: *adaptiveSplitNw,
		MaxSplitsPerCell: *maxSplitsPerCell,

		ActivateUnmappedSourcePixels: *activateUnmapped,
		RegridIfUnmappedSourceSubpixels: *regridUnmapped,
		ExcludeSourcePixelsOutsideFitWindow: *excludeOutsideWindow,

		RayTracingMethod: parseRayTracingMode(*rayTracing),
		PSFWidthX: *psfWidthX,
		PSFWidthY: *psfWidthY,
		PSFThreshold: *psfThreshold,

		Regularization: parseRegularizationMethod(*regMethod),
		RegularizationParameter: *regParam,

		NoiseThreshold: *noiseThreshold,
		NImagePrior: *nImagePrior,
		MaxSBPriorUnselectedPixels: *maxSBPriorUnselected,
		Sigma: *sigma,

		SolverBackend: *solverBackend,
		Precondition: *precondition,
		ComputeBayesianEvidence: *computeEvidence,
		ZeroNoiseClamp: *zeroNoiseClamp,

		MaxThreads: *maxThreads,
	}
}

func parseRayTracingMode(s string) mapping.Mode {
	switch strings.ToLower(s) {
	case "interpolate":
		return mapping.Interpolate
	default:
		return mapping.AreaOverlap
	}
}

func parseRegularizationMethod(s string) regularization.Method {
	switch strings.ToLower(s) {
	case "norm":
		return regularization.Norm
	case "gradient":
		return regularization.Gradient
	case "imageplanecurvature":
		return regularization.ImagePlaneCurvature
	default:
		return regularization.Curvature
	}
}

func resolveDeflector() (engine.Deflector, error) {
	switch strings.ToLower(*deflectorKind) {
	case "", "identity":
		return deflector.Identity{}, nil
	case "sis":
		return deflector.SIS{X0: *deflectorX0, Y0: *deflectorY0, ThetaE: *deflectorThetaE, Core: *deflectorCore}, nil
	case "pointmass":
		return deflector.PointMass{X0: *deflectorX0, Y0: *deflectorY0, ThetaE: *deflectorThetaE}, nil
	default:
		return nil, fmt.Errorf("unknown deflector %q", *deflectorKind)
	}
}

// pixelsFromFITS converts a width x height row-major FITS image into the
// [j][i] raster engine.PixelData expects.
func pixelsFromFITS(img *fits.Image) [][]float64 {
	w, h := int(img.Width()), int(img.Height())
	out := make([][]float64, h)
	for j := 0; j < h; j++ {
		row := make([]float64, w)
		for i := 0; i < w; i++ {
			row[i] = img.At(int32(i), int32(j))
		}
		out[j] = row
	}
	return out
}

func maskFromFITS(img *fits.Image) [][]bool {
	w, h := int(img.Width()), int(img.Height())
	out := make([][]bool, h)
	for j := 0; j < h; j++ {
		row := make([]bool, w)
		for i := 0; i < w; i++ {
			row[i] = img.At(int32(i), int32(j)) != 0
		}
		out[j] = row
	}
	return out
}

func runReconstruction(logWriter io.Writer) error {
	var cfg engine.Config
	var defl engine.Deflector
	var pixels engine.PixelData

	if *job != "" {
		content, err := ioutil.ReadFile(*job)
		if err != nil {
			return fmt.Errorf("opening %s: %w", *job, err)
		}
		var req struct {
			Config engine.Config `json:"config"`
			SB [][]float64 `json:"sb"`
			Mask [][]bool `json:"mask,omitempty"`
		}
		if err := json.Unmarshal(content, &req); err != nil {
			return fmt.Errorf("unmarshaling %s: %w", *job, err)
		}
		cfg, pixels = req.Config, engine.PixelData{SB: req.SB, Mask: req.Mask}
		d, err := resolveDeflector()
		if err != nil {
			return err
		}
		defl = d
	} else {
		if *in == "" {
			return fmt.Errorf("missing -in (or -job) input file")
		}
		img, err := fits.NewImageFromFile(*in, 0, logWriter)
		if err != nil {
			return fmt.Errorf("reading %s: %w", *in, err)
		}
		pixels.SB = pixelsFromFITS(img)

		if *maskFile != "" {
			mimg, err := fits.NewImageFromFile(*maskFile, 1, logWriter)
			if err != nil {
				return fmt.Errorf("reading mask %s: %w", *maskFile, err)
			}
			pixels.Mask = maskFromFITS(mimg)
		}

		cfg = configFromFlags()
		cfg.ImageNy = len(pixels.SB)
		if cfg.ImageNy > 0 {
			cfg.ImageNx = len(pixels.SB[0])
		}
		if *psfFile != "" {
			pimg, err := fits.NewImageFromFile(*psfFile, 2, logWriter)
			if err != nil {
				return fmt.Errorf("reading psf %s: %w", *psfFile, err)
			}
			cfg.PSFData = pimg.Data
			cfg.PSFNx, cfg.PSFNy = int(pimg.Width()), int(pimg.Height())
		}

		d, err := resolveDeflector()
		if err != nil {
			return err
		}
		defl = d
	}

	coord, err := engine.NewCoordinator(cfg, defl, logWriter)
	if err != nil {
		return err
	}
	if err := coord.Run(pixels); err != nil {
		return err
	}

	fmt.Fprintf(logWriter, "Reconstructed %d active source pixels from %d active image pixels\n",
		coord.SrcGrid.NActive, coord.ImgGrid.NActive)
	if coord.HasLogDetF {
		fmt.Fprintf(logWriter, "log det F = %g\n", coord.LogDetF)
	}
	if coord.HasLogDetR {
		fmt.Fprintf(logWriter, "log det R = %g\n", coord.LogDetR)
	}

	raster := fits.RasterFromActiveValues(coord.ImgGrid, coord.ImageSB())

	if *out != "" {
		outImg := fits.NewImage2D(coord.ImgGrid.Nx, coord.ImgGrid.Ny, raster)
		if err := outImg.WriteFile(*out); err != nil {
			return fmt.Errorf("writing %s: %w", *out, err)
		}
		if *outPreview != "" {
			if err := fits.WritePreviewPNG(*outPreview, coord.ImgGrid.Nx, coord.ImgGrid.Ny, raster); err != nil {
				return fmt.Errorf("writing preview %s: %w", *outPreview, err)
			}
		}
	}

	if *outPrefix != "" {
		if err := fits.DumpSourceInfo(*outPrefix+".info", coord.SrcGrid); err != nil {
			return err
		}
		if err := fits.DumpSourceSB(*outPrefix+".sb", coord.SrcGrid); err != nil {
			return err
		}
		if err := fits.DumpImageAxes(*outPrefix+".x", *outPrefix+".y", coord.ImgGrid); err != nil {
			return err
		}
		if err := fits.DumpImageRaster(*outPrefix+".dat", coord.ImgGrid, coord.ImageSB()); err != nil {
			return err
		}
	}
	return nil
}
