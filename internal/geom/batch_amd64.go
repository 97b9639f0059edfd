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

// +build amd64

package geom

import (
	"github.com/klauspost/cpuid"
)

// BatchOverlapArea computes OverlapArea(tris[i], rects[i]) for every i,
// choosing a branch-reduced inner loop on CPUs with AVX2 (where the
// common case of a fully-interior triangle dominates and the clip path
// is rare) versus the portable path elsewhere.
func BatchOverlapArea(tris []Triangle, rects []Rect) []float64 {
	if cpuid.CPU.AVX2() {
		return batchOverlapAreaAVX2(tris, rects)
	}
	return batchOverlapAreaPureGo(tris, rects)
}

// batchOverlapAreaAVX2 hoists the cheap bounding-box pre-test out of the
// exact-clip call so the common "strictly inside" case never pays for
// polygon clipping; this is the arrangement that benefits from wide
// SIMD bbox compares on AVX2-capable CPUs.
func batchOverlapAreaAVX2(tris []Triangle, rects []Rect) []float64 {
	out := make([]float64, len(tris))
	for i := range tris {
		possible, strictlyInside := InNeighborhood(tris[i], rects[i])
		if !possible {
			continue
		}
		if strictlyInside {
			out[i] = TriArea(tris[i])
			continue
		}
		out[i] = OverlapArea(tris[i], rects[i])
	}
	return out
}
