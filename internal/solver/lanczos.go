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
	"gonum.org/v1/gonum/mat"

	"github.com/mlnoga/qlensgo/internal/sparse"
)

// lanczos runs up to m steps of the symmetric Lanczos algorithm starting
// from v, returning the tridiagonal coefficients (alpha, beta) with
// len(beta) == len(alpha)-1. Stops early on numerical breakdown.
func lanczos(f *sparse.Matrix, v []float64, m int) (alpha, beta []float64) {
	n := len(v)
	beta0 := norm(v)
	if beta0 == 0 {
		return nil, nil
	}
	vPrev := make([]float64, n)
	vCur := make([]float64, n)
	for i := range v {
		vCur[i] = v[i] / beta0
	}
	betaPrev := 0.0

	for k := 0; k < m; k++ {
		w := f.MulVec(vCur)
		if k > 0 {
			axpy(w, -betaPrev, vPrev)
		}
		a := dot(w, vCur)
		alpha = append(alpha, a)
		axpy(w, -a, vCur)
		nb := norm(w)
		if k == m-1 || nb < 1e-10 {
			break
		}
		beta = append(beta, nb)
		vPrev, vCur = vCur, w
		for i := range vCur {
			vCur[i] /= nb
		}
		betaPrev = nb
	}
	return alpha, beta
}

// tridiagEigen eigendecomposes the mxm symmetric tridiagonal matrix
// given by (alpha,beta), returning the Ritz values and the first
// component of each eigenvector (the weights stochastic Lanczos
// quadrature needs).
func tridiagEigen(alpha, beta []float64) (theta, y1 []float64) {
	m := len(alpha)
	data := make([]float64, m*m)
	for i := 0; i < m; i++ {
		data[i*m+i] = alpha[i]
	}
	for i := 0; i < m-1; i++ {
		data[i*m+i+1] = beta[i]
		data[(i+1)*m+i] = beta[i]
	}
	sym := mat.NewSymDense(m, data)
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		theta = append([]float64(nil), alpha...)
		y1 = make([]float64, m)
		if m > 0 {
			y1[0] = 1
		}
		return theta, y1
	}
	theta = eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	y1 = make([]float64, m)
	for k := 0; k < m; k++ {
		y1[k] = vecs.At(0, k)
	}
	return theta, y1
}
