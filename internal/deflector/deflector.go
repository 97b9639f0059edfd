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

// Package deflector supplies a couple of fixed, non-fitted analytic lens
// models implementing internal/imagegrid.Deflector, so cmd/qlensgo and
// internal/rest have something to ray-trace through out of the box.
// Lens-model parameter fitting stays out of scope here; these are
// closed-form forward maps only, no optimization over their own
// parameters.
package deflector

import "math"

// Identity deflects every point to itself with unit magnification.
// Used by scenario 1 ("identity deflector (image = source)").
type Identity struct{}

func (Identity) Deflect(x, y float64, threadID int) (float64, float64) { return x, y }
func (Identity) Magnification(x, y float64, threadID int) float64 { return 1 }

// SIS is a singular isothermal sphere centered at (X0,Y0) with Einstein
// radius ThetaE, the standard textbook one-parameter lens model. The
// deflection angle has constant magnitude ThetaE pointing away from the
// center; magnification follows the standard SIS closed form.
type SIS struct {
	X0, Y0 float64
	ThetaE float64
	Core float64 // core radius, 0 for the singular case
}

func (s SIS) Deflect(x, y float64, threadID int) (float64, float64) {
	dx, dy := x-s.X0, y-s.Y0
	r := math.Hypot(dx, dy)
	if r < 1e-12 {
		return x, y
	}
	denom := r + s.Core
	alpha := s.ThetaE * r / denom / r // = ThetaE/denom, written to guard r=0 above
	return x - alpha*dx, y - alpha*dy
}

func (s SIS) Magnification(x, y float64, threadID int) float64 {
	dx, dy := x-s.X0, y-s.Y0
	r := math.Hypot(dx, dy)
	if r < 1e-12 {
		return 1e6 // formally divergent at the center
	}
	u := s.ThetaE / (r + s.Core)
	// Standard SIS convergence kappa=u/2 (for Core=0) and shear gamma=kappa,
	// giving mu = 1/((1-kappa)^2-gamma^2) = 1/(1-2*kappa).
	kappa := 0.5 * u
	mu := 1.0 / math.Abs(1-2*kappa)
	return mu
}

// PointMass is a single point-mass (Schwarzschild-like) lens with
// Einstein radius ThetaE centered at (X0,Y0).
type PointMass struct {
	X0, Y0 float64
	ThetaE float64
}

func (p PointMass) Deflect(x, y float64, threadID int) (float64, float64) {
	dx, dy := x-p.X0, y-p.Y0
	r2 := dx*dx + dy*dy
	if r2 < 1e-24 {
		return x, y
	}
	factor := p.ThetaE * p.ThetaE / r2
	return x - factor*dx, y - factor*dy
}

func (p PointMass) Magnification(x, y float64, threadID int) float64 {
	dx, dy := x-p.X0, y-p.Y0
	r2 := dx*dx + dy*dy
	if r2 < 1e-24 {
		return 1e6
	}
	// Image-plane point-mass magnification 1/|1-(ThetaE/r)^4|, tending to 1
	// far from the lens and diverging on the Einstein ring.
	u2 := r2 / (p.ThetaE * p.ThetaE)
	return 1 / math.Abs(1-1/(u2*u2))
}
