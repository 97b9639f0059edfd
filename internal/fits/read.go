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
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/mlnoga/qlensgo/internal/stats"
)

var reParser *regexp.Regexp = compileRE() // Regexp parser for FITS header lines

// NewImageFromFile reads a FITS file's header and double-precision pixel
// data into a 2D array of pixel surface brightness, masks or PSF
// kernels. Gzip-compressed files (.gz/.gzip suffix) are decompressed
// transparently.
func NewImageFromFile(fileName string, id int, logWriter io.Writer) (i *Image, err error) {
	i = NewImage()
	i.ID = id
	return i, i.ReadFile(fileName, true, logWriter)
}

// NewImageHeaderFromFile reads only the FITS header (fast path for probing
// dimensions without loading pixel data).
func NewImageHeaderFromFile(fileName string, id int, logWriter io.Writer) (i *Image, err error) {
	i = NewImage()
	i.ID = id
	return i, i.ReadFile(fileName, false, logWriter)
}

// ReadFile reads FITS data from the file with the given name, decompressing
// gzip if a.gz/.gzip suffix is present. Reads metadata only (fast) if
// readData is false.
func (f *Image) ReadFile(fileName string, readData bool, logWriter io.Writer) error {
	file, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = file
	f.FileName = fileName
	ext := strings.ToLower(path.Ext(fileName))
	if ext == ".gz" || ext == ".gzip" {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}
	return f.Read(r, readData, logWriter)
}

func (f *Image) PopHeaderInt32(key string) (int32, error) {
	if val, ok := f.Header.Ints[key]; ok {
		delete(f.Header.Ints, key)
		return val, nil
	}
	return 0, fmt.Errorf("%d: FITS header does not contain key %s", f.ID, key)
}

func (f *Image) PopHeaderInt32OrFloat(key string) (float64, error) {
	if val, ok := f.Header.Ints[key]; ok {
		delete(f.Header.Ints, key)
		return float64(val), nil
	} else if val, ok := f.Header.Floats[key]; ok {
		delete(f.Header.Floats, key)
		return val, nil
	}
	return 0, fmt.Errorf("%d: FITS header does not contain key %s", f.ID, key)
}

// Read parses a FITS header from f, then (if readData) its pixel array,
// into double-precision Data regardless of source BITPIX.
func (f *Image) Read(r io.Reader, readData bool, logWriter io.Writer) (err error) {
	if err = f.Header.read(r, f.ID, logWriter); err != nil {
		return err
	}

	if !f.Header.Bools["SIMPLE"] {
		return fmt.Errorf("%d: not a valid FITS file; SIMPLE=T missing in header", f.ID)
	}
	delete(f.Header.Bools, "SIMPLE")

	if f.Bitpix, err = f.PopHeaderInt32("BITPIX"); err != nil {
		return err
	}
	var naxis int32
	if naxis, err = f.PopHeaderInt32("NAXIS"); err != nil {
		return err
	}
	f.Naxisn = make([]int32, naxis)
	f.Pixels = int32(1)
	for i := int32(1); i <= naxis; i++ {
		name := "NAXIS" + strconv.FormatInt(int64(i), 10)
		nai, err := f.PopHeaderInt32(name)
		if err != nil {
			return err
		}
		f.Naxisn[i-1] = nai
		f.Pixels *= nai
	}

	if f.Bzero, err = f.PopHeaderInt32OrFloat("BZERO"); err != nil {
		f.Bzero = 0
	}
	if f.Bscale, err = f.PopHeaderInt32OrFloat("BSCALE"); err != nil {
		f.Bscale = 1
	}

	if !readData {
		return nil
	}
	return f.readData(r, logWriter)
}

func (f *Image) readData(r io.Reader, logWriter io.Writer) error {
	switch f.Bitpix {
	case 8:
		return f.readIntData(r, 1, func(buf []byte) float64 { return float64(buf[0]) })
	case 16:
		return f.readIntData(r, 2, func(buf []byte) float64 {
			return float64(int16((uint16(buf[0]) << 8) | uint16(buf[1])))
		})
	case 32:
		return f.readIntData(r, 4, func(buf []byte) float64 {
			return float64(int32((uint32(buf[0]) << 24) | (uint32(buf[1]) << 16) | (uint32(buf[2]) << 8) | uint32(buf[3])))
		})
	case 64:
		return f.readIntData(r, 8, func(buf []byte) float64 {
			bits := (uint64(buf[0]) << 56) | (uint64(buf[1]) << 48) | (uint64(buf[2]) << 40) | (uint64(buf[3]) << 32) |
				(uint64(buf[4]) << 24) | (uint64(buf[5]) << 16) | (uint64(buf[6]) << 8) | uint64(buf[7])
			return float64(int64(bits))
		})
	case -32:
		return f.readIntData(r, 4, func(buf []byte) float64 {
			bits := (uint32(buf[0]) << 24) | (uint32(buf[1]) << 16) | (uint32(buf[2]) << 8) | uint32(buf[3])
			return float64(math.Float32frombits(bits))
		})
	case -64:
		return f.readIntData(r, 8, func(buf []byte) float64 {
			bits := (uint64(buf[0]) << 56) | (uint64(buf[1]) << 48) | (uint64(buf[2]) << 40) | (uint64(buf[3]) << 32) |
				(uint64(buf[4]) << 24) | (uint64(buf[5]) << 16) | (uint64(buf[6]) << 8) | uint64(buf[7])
			return math.Float64frombits(bits)
		})
	default:
		return fmt.Errorf("%d: unknown BITPIX value %d", f.ID, f.Bitpix)
	}
}

const bufLen int = 16 * 1024 // input buffer length for reading from file

// readIntData performs a batched, buffered read of fixed-width big-endian
// samples, converting each to float64 via decode and adjusting for
// Bscale/Bzero, into a single parametrized decoder and double-precision
// row-major output, X fastest.
func (f *Image) readIntData(r io.Reader, width int, decode func([]byte) float64) error {
	f.Data = make([]float64, int(f.Pixels))
	br := bufio.NewReaderSize(r, bufLen)
	buf := make([]byte, width)
	min, max, sum := math.MaxFloat64, -math.MaxFloat64, float64(0)
	for i := range f.Data {
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("%d: %s", f.ID, err.Error())
		}
		v := decode(buf)*f.Bscale + f.Bzero
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
		f.Data[i] = v
	}
	f.Bzero, f.Bscale = 0, 1
	mean := sum / float64(len(f.Data))
	f.Stats = stats.NewStatsWithMMM(f.Data, f.Naxisn[0], min, max, mean)
	return nil
}

func (h *Header) read(r io.Reader, id int, logWriter io.Writer) error {
	buf := make([]byte, fitsBlockSize)

	for h.Length = 0; !h.End; {
		bytesRead, err := io.ReadFull(r, buf)
		if err != nil || bytesRead != fitsBlockSize {
			return fmt.Errorf("%d: %s", id, err.Error())
		}
		h.Length += int32(bytesRead)

		for lineNo := 0; lineNo < fitsBlockSize/HeaderLineSize && !h.End; lineNo++ {
			line := buf[lineNo*HeaderLineSize : (lineNo+1)*HeaderLineSize]
			subValues := reParser.FindSubmatch(line)
			if subValues == nil {
				fmt.Fprintf(logWriter, "%d: Warning: cannot parse '%s', ignoring\n", id, string(line))
			} else {
				subNames := reParser.SubexpNames()
				h.readLine(subNames, subValues, id, lineNo, logWriter)
			}
		}
	}
	return nil
}

func (h *Header) readLine(subNames []string, subValues [][]byte, id, lineNo int, logWriter io.Writer) {
	key := ""
	for i := 1; i < len(subNames); i++ {
		if subValues[i] != nil && len(subNames[i]) == 1 {
			switch c := subNames[i][0]; c {
			case byte('E'):
				h.End = true
			case byte('H'):
				h.History = append(h.History, string(subValues[i]))
			case byte('C'):
				h.Comments = append(h.Comments, string(subValues[i]))
			case byte('k'):
				key = string(subValues[i])
			case byte('b'):
				if len(subValues[i]) > 0 {
					v := subValues[i][0]
					h.Bools[key] = v == byte('t') || v == byte('T')
				}
			case byte('i'):
				val, err := strconv.ParseInt(string(subValues[i]), 10, 64)
				if err == nil {
					h.Ints[key] = int32(val)
				}
			case byte('f'):
				val, err := strconv.ParseFloat(strings.Replace(string(subValues[i]), "D", "E", 1), 64)
				if err == nil {
					h.Floats[key] = val
				}
			case byte('s'):
				h.Strings[key] = string(subValues[i])
			case byte('d'):
				h.Dates[key] = string(subValues[i])
			case byte('c'):
				// ignore value comments
			default:
				fmt.Fprintf(logWriter, "%d:%d: Warning: unknown token '%s'\n", id, lineNo, string(c))
			}
		}
	}
}

func (h *Header) Print() {
	fmt.Printf("Bools : %v\n", h.Bools)
	fmt.Printf("Ints : %v\n", h.Ints)
	fmt.Printf("Floats : %v\n", h.Floats)
	fmt.Printf("Strings : %v\n", h.Strings)
	fmt.Printf("Dates : %v\n", h.Dates)
	fmt.Printf("History : %v\n", h.History)
	fmt.Printf("Comments: %v\n", h.Comments)
	fmt.Printf("End : %v\n", h.End)
}

// Build regexp parser for FITS header lines
func compileRE() *regexp.Regexp {
	white := "\\s+"
	whiteOpt := "\\s*"
	whiteLine := white

	hist := "HISTORY"
	rest := ".*"
	histLine := hist + white + "(?P<H>" + rest + ")"

	commKey := "COMMENT"
	commLine := commKey + white + "(?P<C>" + rest + ")"

	end := "(?P<E>END)"
	endLine := end + whiteOpt

	key := "(?P<k>[A-Z0-9_-]+)"
	equals := "="

	boo := "(?P<b>[TF])"
	inte := "(?P<i>[+-]?[0-9]+)"
	floa := "(?P<f>[+-]?[0-9]*\\.[0-9]*(?:[ED][-+]?[0-9]+)?)"
	stri := "'(?P<s>[^']*)'"
	date := "(?P<d>[0-9]{1,4}-?[012][0-9]-?[0123][0-9]T[012][0-9]:?[0-5][0-9]:?[0-5][0-9].?[0-9]*)"
	val := "(?:" + boo + "|" + inte + "|" + floa + "|" + stri + "|" + date + ")"

	commOpt := "(?:/(?P<c>.*))?"
	keyLine := key + whiteOpt + equals + whiteOpt + val + whiteOpt + commOpt

	lineRe := "^(?:" + whiteLine + "|" + histLine + "|" + commLine + "|" + keyLine + "|" + endLine + ")$"
	return regexp.MustCompile(lineRe)
}
