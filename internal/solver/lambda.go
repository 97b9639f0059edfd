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

package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/mlnoga/qlensgo/internal/sparse"
)

// SuggestLambda searches for the regularization parameter maximizing the
// Bayesian evidence, via a Nelder-Mead line search over log10(lambda).
// ltcinvl is the unregularized normal matrix LtCinvL, r the
// regularization matrix, d the right-hand side LtCinv*image.
//
// The objective dropped here is the negative log evidence up to an
// additive constant independent of lambda (log|R| itself): since
// log|lambda*R| = N*log(lambda) + log|R|, only the first term moves the
// minimizer, so it alone is tracked.
func SuggestLambda(backend Backend, ltcinvl, r *sparse.Matrix, d []float64, lambda0 float64) (float64, error) {
	if lambda0 <= 0 {
		lambda0 = 1
	}
	n := ltcinvl.N
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			lambda := math.Pow(10, x[0])
			f := sparse.AddScaled(ltcinvl, lambda, r)
			s, err := backend.Solve(f, d)
			if err != nil {
				return math.Inf(1)
			}
			dataTerm := 0.5*quadForm(ltcinvl, s) - dot(d, s)
			regTerm := 0.5 * lambda * quadForm(r, s)
			logDetF, err := backend.LogDet(f)
			if err != nil {
				return math.Inf(1)
			}
			logDetLambdaR := float64(n) * math.Log(lambda)
			return dataTerm + regTerm - 0.5*logDetLambdaR + 0.5*logDetF
		},
	}
	x0 := []float64{math.Log10(lambda0)}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return 0, fmt.Errorf("solver: lambda search failed: %w", err)
	}
	return math.Pow(10, result.X[0]), nil
}

func quadForm(m *sparse.Matrix, s []float64) float64 {
	return dot(s, m.MulVec(s))
}
