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

package stats

import (
	"math"

	"gonum.org/v1/gonum/optimize"
)

// Histogram buckets data linearly between min and max into bins.
func Histogram(data []float64, min, max float64, bins []int32) {
	for i := range bins {
		bins[i] = 0
	}
	scale := float64(len(bins)-1) / (max - min)
	for _, d := range data {
		index := int((d - min) * scale)
		if index < 0 {
			index = 0
		}
		if index >= len(bins) {
			index = len(bins) - 1
		}
		bins[index]++
	}
}

// GetPeak returns the location and value of the histogram's tallest bin.
func GetPeak(bins []int32, min, max float64) (x, y float64) {
	maxIndex, maxValue := 0, int32(math.MinInt32)
	for i, v := range bins {
		if v > maxValue {
			maxIndex, maxValue = i, v
		}
	}
	x = min + (float64(maxIndex)+0.5)*(max-min)/float64(len(bins)-1)
	y = float64(bins[maxIndex])
	return x, y
}

// FitGaussianToHistogram fits a Gaussian alpha*N(mu,sigma) to the given
// histogram via Nelder-Mead least squares. Nothing else in this module
// calls it.
func FitGaussianToHistogram(bins []int32, min, max float64) (mu, sigma float64, err error) {
	peak, peakVal := GetPeak(bins, min, max)
	x0 := []float64{peakVal, peak, (max - min) / 10}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			alpha, mu, sigma := x[0], x[1], x[2]
			if sigma <= 0 {
				return math.MaxFloat64
			}
			scaler := alpha / (sigma * math.Sqrt(2*math.Pi))
			sumSqDiff := 0.0
			for i, y := range bins {
				bx := min + (float64(i)+0.5)*(max-min)/float64(len(bins)-1)
				xmusig := (bx - mu) / sigma
				yPredict := scaler * math.Exp(-0.5*xmusig*xmusig)
				diff := float64(y) - yPredict
				sumSqDiff += diff * diff
			}
			return math.Sqrt(sumSqDiff / float64(len(bins)))
		},
	}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return 0, 0, err
	}
	return result.X[1], result.X[2], nil
}
