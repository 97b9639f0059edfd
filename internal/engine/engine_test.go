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
	"encoding/json"
	"io/ioutil"
	"math"
	"reflect"
	"testing"

	"github.com/mlnoga/qlensgo/internal/regularization"
	"github.com/mlnoga/qlensgo/internal/solver"
)

type identityDeflector struct{}

func (identityDeflector) Deflect(x, y float64, threadID int) (float64, float64) { return x, y }
func (identityDeflector) Magnification(x, y float64, threadID int) float64 { return 1 }

// baseConfig is a 4x4 image window over [-1,1]^2 mapped 1:1 onto a 4x4
// source tiling of the same domain, with the magnification threshold set
// high enough that the adaptive refinement never triggers.
func baseConfig() Config {
	return Config{
		ImageXMin: -1, ImageXMax: 1, ImageYMin: -1, ImageYMax: 1,
		ImageNx: 4, ImageNy: 4,
		SourceXMin: -1, SourceXMax: 1, SourceYMin: -1, SourceYMax: 1,
		Nu0: 4, Nw0: 4,
		MaxLevels: 4,
		PixelMagnificationThreshold: 1000,
		Regularization: regularization.Norm,
		RegularizationParameter: 0,
		Sigma: 1,
	}
}

func rampPixels(nx, ny int) PixelData {
	sb := make([][]float64, ny)
	for j := 0; j < ny; j++ {
		row := make([]float64, nx)
		for i := 0; i < nx; i++ {
			row[i] = float64(1 + i + j*nx)
		}
		sb[j] = row
	}
	return PixelData{SB: sb}
}

// The identity deflector maps each image pixel exactly onto one source
// cell, so with Norm regularization and lambda=0 the reconstruction
// must reproduce the input image pixel by pixel.
func TestRunIdentityRoundTrip(t *testing.T) {
	coord, err := NewCoordinator(baseConfig(), identityDeflector{}, ioutil.Discard)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	data := rampPixels(4, 4)
	if err := coord.Run(data); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if coord.SrcGrid.NActive != 16 || coord.ImgGrid.NActive != 16 {
		t.Fatalf("expected 16 active source and image pixels, got %d, %d",
			coord.SrcGrid.NActive, coord.ImgGrid.NActive)
	}
	for _, cell := range coord.ImgGrid.Cells {
		want := data.SB[cell.J][cell.I]
		got := coord.S[cell.ActiveIndex]
		if math.Abs(got-want) > 1e-6 {
			t.Fatalf("s at image pixel (%d,%d) = %v, want %v", cell.I, cell.J, got, want)
		}
	}
	imageSB := coord.ImageSB()
	for _, cell := range coord.ImgGrid.Cells {
		want := data.SB[cell.J][cell.I]
		if math.Abs(imageSB[cell.ActiveIndex]-want) > 1e-6 {
			t.Fatalf("L*s at image pixel (%d,%d) = %v, want %v",
				cell.I, cell.J, imageSB[cell.ActiveIndex], want)
		}
	}
}

// With a single lit pixel and gradient regularization, I+lambda*R is an
// M-matrix under the identity mapping, so the reconstruction must peak
// at the lit pixel and stay non-negative everywhere.
func TestRunSingleLitPixelGradient(t *testing.T) {
	cfg := baseConfig()
	cfg.Regularization = regularization.Gradient
	cfg.RegularizationParameter = 0.1
	coord, err := NewCoordinator(cfg, identityDeflector{}, ioutil.Discard)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	data := PixelData{SB: make([][]float64, 4)}
	for j := range data.SB {
		data.SB[j] = make([]float64, 4)
	}
	litI, litJ := 1, 1
	data.SB[litJ][litI] = 1
	if err := coord.Run(data); err != nil {
		t.Fatalf("Run: %v", err)
	}

	litIdx := coord.ImgGrid.At(litI, litJ).ActiveIndex
	peak := coord.S[litIdx]
	if peak <= 0 {
		t.Fatalf("expected strictly positive peak at the lit pixel, got %v", peak)
	}
	for i, v := range coord.S {
		if v < -1e-9 {
			t.Fatalf("s[%d] = %v, want non-negative under gradient regularization", i, v)
		}
		if i != litIdx && v > peak {
			t.Fatalf("s[%d] = %v exceeds the lit pixel's value %v", i, v, peak)
		}
	}
	farIdx := coord.ImgGrid.At(3, 3).ActiveIndex
	if coord.S[farIdx] > 0.05*peak {
		t.Fatalf("far pixel value %v is not small relative to peak %v", coord.S[farIdx], peak)
	}
}

func TestRunIsDeterministicAcrossThreadCounts(t *testing.T) {
	data := rampPixels(4, 4)
	var results [][]float64
	for _, threads := range []int{1, 4} {
		cfg := baseConfig()
		cfg.MaxThreads = threads
		coord, err := NewCoordinator(cfg, identityDeflector{}, ioutil.Discard)
		if err != nil {
			t.Fatalf("NewCoordinator: %v", err)
		}
		if err := coord.Run(data); err != nil {
			t.Fatalf("Run with %d threads: %v", threads, err)
		}
		results = append(results, coord.S)
	}
	for i := range results[0] {
		if results[0][i] != results[1][i] {
			t.Fatalf("s[%d] differs across thread counts: %v vs %v", i, results[0][i], results[1][i])
		}
	}
}

func TestRunMaskExcludesPixels(t *testing.T) {
	coord, err := NewCoordinator(baseConfig(), identityDeflector{}, ioutil.Discard)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	data := rampPixels(4, 4)
	data.Mask = make([][]bool, 4)
	for j := range data.Mask {
		data.Mask[j] = make([]bool, 4)
		for i := range data.Mask[j] {
			data.Mask[j][i] = i < 2 // mask out the right half
		}
	}
	if err := coord.Run(data); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if coord.ImgGrid.NActive != 8 {
		t.Fatalf("expected 8 active image pixels under the half mask, got %d", coord.ImgGrid.NActive)
	}
}

func TestRunNImagePriorDeactivatesEverything(t *testing.T) {
	cfg := baseConfig()
	cfg.NImagePrior = 1000 // no source pixel can satisfy this
	coord, err := NewCoordinator(cfg, identityDeflector{}, ioutil.Discard)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	err = coord.Run(rampPixels(4, 4))
	if err == nil {
		t.Fatalf("expected error when the n-image prior deactivates every source pixel")
	}
	if _, ok := err.(*solver.ConfigError); !ok {
		t.Fatalf("expected *solver.ConfigError, got %T: %v", err, err)
	}
}

func TestNewCoordinatorValidation(t *testing.T) {
	cfg := baseConfig()
	cfg.Nu0 = 1
	if _, err := NewCoordinator(cfg, identityDeflector{}, ioutil.Discard); err == nil {
		t.Fatalf("expected error for Nu0 < 2")
	}

	if _, err := NewCoordinator(baseConfig(), nil, ioutil.Discard); err == nil {
		t.Fatalf("expected error for missing deflector")
	}

	cfg = baseConfig()
	cfg.SolverBackend = "nonsense"
	if _, err := NewCoordinator(cfg, identityDeflector{}, ioutil.Discard); err == nil {
		t.Fatalf("expected error for unknown solver backend")
	}

	cfg = baseConfig()
	cfg.SolverBackend = "direct-symmetric"
	if _, err := NewCoordinator(cfg, identityDeflector{}, ioutil.Discard); err == nil {
		t.Fatalf("expected ConfigError for the unavailable direct backend")
	}
}

// Every Config field must survive a JSON round-trip: the REST job API
// binds the whole struct from a request body.
func TestConfigJSONRoundTrip(t *testing.T) {
	cfg := baseConfig()
	cfg.ImageXMax = 2.5
	cfg.ImageYMin = -3
	cfg.SourceYMax = 1.5
	cfg.Nw0 = 6
	cfg.PSFNy = 5
	cfg.MaxThreads = 7

	b, err := json.Marshal(&cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Config
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(back, cfg) {
		t.Fatalf("Config did not survive JSON round-trip:\n got %+v\nwant %+v", back, cfg)
	}
}
