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

package geom

// batchOverlapAreaPureGo is the portable fallback shared by both the
// amd64 and generic dispatch.
func batchOverlapAreaPureGo(tris []Triangle, rects []Rect) []float64 {
	out := make([]float64, len(tris))
	for i := range tris {
		out[i] = OverlapArea(tris[i], rects[i])
	}
	return out
}
