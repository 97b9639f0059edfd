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

// Package stats provides image min/max/mean statistics, used by
// internal/fits, and robust location/scale estimators for pixel noise.
// The engine's F-matrix and d-vector use the configured uniform Sigma,
// not these estimators.
package stats

import (
	"fmt"
	"math"
	"sort"

	"github.com/valyala/fastrand"
)

// Statistics on a pixel data array, calculated on demand and cached.
type Stats struct {
	data []float64 // The underlying data array
	width int32 // Width of a line in the underlying data array

	min, max, mean float64
	haveMMM bool
}

func NewStats(d []float64, w int32) *Stats {
	return &Stats{data: d, width: w}
}

func NewStatsWithMMM(d []float64, w int32, min, max, mean float64) *Stats {
	return &Stats{data: d, width: w, min: min, max: max, mean: mean, haveMMM: true}
}

func (s *Stats) Clear() {
	s.haveMMM = false
}

func (s *Stats) Min() float64 {
	s.ensureMMM()
	return s.min
}

func (s *Stats) Max() float64 {
	s.ensureMMM()
	return s.max
}

func (s *Stats) Mean() float64 {
	s.ensureMMM()
	return s.mean
}

func (s *Stats) ensureMMM() {
	if s.haveMMM {
		return
	}
	if s.data == nil {
		panic("cannot calculate stats on nil data")
	}
	s.min, s.mean, s.max = calcMinMeanMax(s.data)
	s.haveMMM = true
}

func (s *Stats) String() string {
	return fmt.Sprintf("min %.4g max %.4g mean %.4g", s.Min(), s.Max(), s.Mean())
}

func calcMinMeanMax(data []float64) (min, mean, max float64) {
	min, max = math.MaxFloat64, -math.MaxFloat64
	sum := 0.0
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	mean = sum / float64(len(data))
	return min, mean, max
}

// MeanStdDev returns the sample mean and (population) standard deviation.
func MeanStdDev(xs []float64) (mean, stdDev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

// SigmaClippedMedianAndMAD returns a robust location (median) and scale
// (median absolute deviation, scaled to be a consistent sigma estimator)
// after iteratively clipping values beyond sigmaLow/sigmaHigh scaled MAD.
func SigmaClippedMedianAndMAD(data []float64, sigmaLow, sigmaHigh float64) (median, mad float64) {
	work := append([]float64(nil), data...)
	for iter := 0; iter < 5 && len(work) > 4; iter++ {
		median = medianOf(work)
		mad = madOf(work, median)
		if mad == 0 {
			break
		}
		lo, hi := median-sigmaLow*mad*1.4826, median+sigmaHigh*mad*1.4826
		filtered := work[:0:0]
		for _, v := range work {
			if v >= lo && v <= hi {
				filtered = append(filtered, v)
			}
		}
		if len(filtered) == len(work) {
			break
		}
		work = filtered
	}
	median = medianOf(work)
	mad = madOf(work, median) * 1.4826
	return median, mad
}

func medianOf(data []float64) float64 {
	work := append([]float64(nil), data...)
	sort.Float64s(work)
	n := len(work)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return work[n/2]
	}
	return 0.5 * (work[n/2-1] + work[n/2])
}

func madOf(data []float64, center float64) float64 {
	devs := make([]float64, len(data))
	for i, v := range data {
		devs[i] = math.Abs(v - center)
	}
	return medianOf(devs)
}

// FastApproxQn estimates a robust scale (Rousseeuw-Croux Qn-like statistic)
// from a randomized subsample of data, drawn with a fresh zero-value
// fastrand.RNG per call, which seeds itself on first use, so repeated calls
// need not pick the same subsample. An alternative to
// SigmaClippedMedianAndMAD on very large pixel grids.
func FastApproxQn(data []float64, numSamples int) float64 {
	if len(data) == 0 {
		return 0
	}
	if numSamples <= 0 || numSamples > len(data) {
		numSamples = len(data)
	}
	rng := fastrand.RNG{}
	samples := make([]float64, numSamples)
	for i := range samples {
		samples[i] = data[rng.Uint32n(uint32(len(data)))]
	}
	median := medianOf(samples)
	diffs := make([]float64, 0, numSamples*(numSamples-1)/2)
	for i := 0; i < len(samples); i++ {
		for j := i + 1; j < len(samples); j++ {
			diffs = append(diffs, math.Abs(samples[i]-samples[j]))
		}
	}
	if len(diffs) == 0 {
		return 0
	}
	sort.Float64s(diffs)
	k := len(diffs) / 4
	_ = median
	return diffs[k] * 2.2219
}
