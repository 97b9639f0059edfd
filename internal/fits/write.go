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

package fits

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// NewImage2D builds a minimal single-HDU double-precision FITS image of
// the given width/height from a row-major data array (X fastest), for
// writing out reconstructed SB maps, residual maps and PSF arrays.
func NewImage2D(width, height int, data []float64) *Image {
	img := NewImageFromNaxisn([]int32{int32(width), int32(height)}, data)
	img.Bitpix = -64
	return img
}

// WriteFile writes the image as a single-HDU FITS file with BITPIX=-64,
// SIMPLE=T, NAXIS/NAXISn and an END card, padded to FITS block boundaries.
func (f *Image) WriteFile(fileName string) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()
	return f.Write(file)
}

func (f *Image) Write(w io.Writer) error {
	var lines []string
	lines = append(lines, fitsBoolCard("SIMPLE", true, "conforms to FITS standard"))
	lines = append(lines, fitsIntCard("BITPIX", -64, "IEEE double precision floating point"))
	lines = append(lines, fitsIntCard("NAXIS", int32(len(f.Naxisn)), ""))
	for i, n := range f.Naxisn {
		lines = append(lines, fitsIntCard(fmt.Sprintf("NAXIS%d", i+1), n, ""))
	}
	for _, c := range f.Header.Comments {
		lines = append(lines, padCard("COMMENT "+c))
	}
	for _, h := range f.Header.History {
		lines = append(lines, padCard("HISTORY "+h))
	}
	lines = append(lines, padCard("END"))

	header := make([]byte, 0, fitsBlockSize)
	for _, l := range lines {
		header = append(header, []byte(l)...)
	}
	for len(header)%fitsBlockSize != 0 {
		header = append(header, []byte(padCard(""))...)
	}
	if _, err := w.Write(header); err != nil {
		return err
	}

	buf := make([]byte, 8*len(f.Data))
	for i, v := range f.Data {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	for len(buf)%fitsBlockSize != 0 {
		buf = append(buf, 0)
	}
	_, err := w.Write(buf)
	return err
}

func padCard(s string) string {
	if len(s) > HeaderLineSize {
		s = s[:HeaderLineSize]
	}
	for len(s) < HeaderLineSize {
		s += " "
	}
	return s
}

func fitsBoolCard(key string, v bool, comment string) string {
	val := "F"
	if v {
		val = "T"
	}
	return fitsCard(key, val, comment)
}

func fitsIntCard(key string, v int32, comment string) string {
	return fitsCard(key, fmt.Sprintf("%d", v), comment)
}

func fitsCard(key, val, comment string) string {
	s := fmt.Sprintf("%-8s= %20s", key, val)
	if comment != "" {
		s += " / " + comment
	}
	return padCard(s)
}
