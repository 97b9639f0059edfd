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
	"math"

	"github.com/mlnoga/qlensgo/internal/sparse"
	"github.com/valyala/fastrand"
)

// CG is the conjugate-gradient backend, used when no native sparse
// factorization library is available. Jacobi preconditions with the
// matrix diagonal when Precondition is set.
type CG struct {
	Tol float64
	MaxIters int
	Precondition bool
	LogDetProbes int // Hutchinson/SLQ probe count
	LogDetLanczos int // Lanczos steps per probe
}

// NewCG builds a CG backend with tolerance ~1e-4 and up to ~100000
// iterations.
func NewCG(precondition bool) *CG {
	return &CG{
		Tol: 1e-4,
		MaxIters: 100000,
		Precondition: precondition,
		LogDetProbes: 30,
		LogDetLanczos: 20,
	}
}

// Solve runs (preconditioned) conjugate gradient to convergence or
// MaxIters, whichever comes first.
func (c *CG) Solve(f *sparse.Matrix, d []float64) ([]float64, error) {
	n := f.N
	if n != len(d) {
		return nil, &ConfigError{Msg: "F and d dimension mismatch"}
	}
	s := make([]float64, n)
	r := make([]float64, n)
	copy(r, d)
	normD := norm(d)
	if normD == 0 {
		return s, nil
	}

	var precond func([]float64) []float64
	if c.Precondition {
		diag := make([]float64, n)
		for i := range diag {
			if f.Diag[i] != 0 {
				diag[i] = 1 / f.Diag[i]
			} else {
				diag[i] = 1
			}
		}
		precond = func(x []float64) []float64 {
			y := make([]float64, n)
			for i := range y {
				y[i] = diag[i] * x[i]
			}
			return y
		}
	} else {
		precond = func(x []float64) []float64 { return append([]float64(nil), x...) }
	}

	z := precond(r)
	p := append([]float64(nil), z...)
	rz := dot(r, z)

	maxIters := c.MaxIters
	if maxIters <= 0 {
		maxIters = 100000
	}
	tol := c.Tol
	if tol <= 0 {
		tol = 1e-4
	}

	for iter := 0; iter < maxIters; iter++ {
		if norm(r)/normD < tol {
			return s, nil
		}
		ap := f.MulVec(p)
		denom := dot(p, ap)
		if denom == 0 {
			return nil, &NumericalError{Msg: "conjugate gradient breakdown: singular F"}
		}
		alpha := rz / denom
		axpy(s, alpha, p)
		axpy(r, -alpha, ap)

		z = precond(r)
		rzNew := dot(r, z)
		if rz == 0 {
			return nil, &NumericalError{Msg: "conjugate gradient breakdown: zero residual inner product"}
		}
		beta := rzNew / rz
		for i := range p {
			p[i] = z[i] + beta*p[i]
		}
		rz = rzNew
	}
	if norm(r)/normD < tol {
		return s, nil
	}
	return s, &NumericalError{Msg: "conjugate gradient did not converge within max iterations"}
}

// LogDet estimates log|F| via stochastic Lanczos quadrature: Rademacher
// probe vectors combined with a short Lanczos run each, averaging the
// resulting quadratic-form estimate of trace(log F). Generalizes
// Hutchinson's trace estimator to a full log-determinant estimate.
func (c *CG) LogDet(f *sparse.Matrix) (float64, error) {
	n := f.N
	probes := c.LogDetProbes
	if probes <= 0 {
		probes = 30
	}
	steps := c.LogDetLanczos
	if steps <= 0 {
		steps = 20
	}
	if steps > n {
		steps = n
	}

	var rng fastrand.RNG
	total := 0.0
	for p := 0; p < probes; p++ {
		v := make([]float64, n)
		for i := range v {
			if rng.Uint32n(2) == 0 {
				v[i] = 1
			} else {
				v[i] = -1
			}
		}
		alpha, beta := lanczos(f, v, steps)
		theta, y1 := tridiagEigen(alpha, beta)
		est := 0.0
		for k := range theta {
			if theta[k] <= 0 {
				return 0, &NumericalError{Msg: "log-determinant estimate encountered a non-positive Ritz value: F is not positive definite"}
			}
			est += y1[k] * y1[k] * math.Log(theta[k])
		}
		total += float64(n) * est
	}
	return total / float64(probes), nil
}

func norm(x []float64) float64 { return math.Sqrt(dot(x, x)) }

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// axpy computes y += alpha*x in place.
func axpy(y []float64, alpha float64, x []float64) {
	for i := range y {
		y[i] += alpha * x[i]
	}
}
