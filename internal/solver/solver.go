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

// Package solver implements the F*s=d linear solve and log-determinant
// routines behind a pluggable backend trait.
package solver

import (
	"github.com/mlnoga/qlensgo/internal/sparse"
)

// Backend is the pluggable solver trait. Concrete implementations solve
// F*s = d for a symmetric positive (semi-)definite F and, optionally,
// estimate log|F|.
type Backend interface {
	Solve(f *sparse.Matrix, d []float64) (s []float64, err error)
	LogDet(f *sparse.Matrix) (float64, error)
}

// ConfigError marks a setup-time failure; backends that detect it fail
// fast rather than attempting a solve.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "solver: configuration error: " + e.Msg }

// NumericalError marks a solver-internal failure such as a singular F.
type NumericalError struct {
	Msg string
}

func (e *NumericalError) Error() string { return "solver: numerical failure: " + e.Msg }

// NewDirectSymmetric would construct a MUMPS-style symmetric direct
// factorization backend. No pure-Go binding to a MUMPS-like
// sparse symmetric factorization library exists anywhere in this
// module's dependency corpus, so this always fails fast with a
// ConfigError rather than faking a backend; callers should fall back to
// NewCG.
func NewDirectSymmetric() (Backend, error) {
	return nil, &ConfigError{Msg: "direct symmetric (MUMPS-style) backend not available in this build"}
}

// NewDirectUnsymmetric would construct a UMFPACK-style backend over the
// symmetric matrix reflected into full CSC. Same
// unavailability as NewDirectSymmetric.
func NewDirectUnsymmetric() (Backend, error) {
	return nil, &ConfigError{Msg: "direct unsymmetric (UMFPACK-style) backend not available in this build"}
}

// ApplyZeroNoiseClamp implements a cosmetic post-hoc clamp: negative
// surface brightnesses in a zero-noise setting are clamped to zero.
// Off by default.
func ApplyZeroNoiseClamp(s []float64, enabled bool) {
	if !enabled {
		return
	}
	for i, v := range s {
		if v < 0 {
			s[i] = 0
		}
	}
}

// DistributeToLeaves writes a solved vector back into active source
// leaves, indexed by ActiveIndex, matching the order assigned by
// AssignActiveIndices. leafSetter is called once per active index with
// the corresponding s value; internal/engine binds this directly to
// sourcegrid.SourceCell.
func DistributeToLeaves(s []float64, leafSetter func(activeIndex int, value float64)) {
	for i, v := range s {
		leafSetter(i, v)
	}
}
