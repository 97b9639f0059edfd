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
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mlnoga/qlensgo/internal/geom"
	"github.com/mlnoga/qlensgo/internal/imagegrid"
	"github.com/mlnoga/qlensgo/internal/sourcegrid"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.fits")

	data := []float64{1, 2, 3, 4, 5, 6}
	img := NewImage2D(3, 2, data)
	if err := img.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	back, err := NewImageFromFile(path, 0, ioutil.Discard)
	if err != nil {
		t.Fatalf("NewImageFromFile: %v", err)
	}
	if back.Width() != 3 || back.Height() != 2 {
		t.Fatalf("dims = %dx%d, want 3x2", back.Width(), back.Height())
	}
	for i, want := range data {
		if got := back.Data[i]; math.Abs(got-want) > 1e-9 {
			t.Fatalf("Data[%d] = %v, want %v", i, got, want)
		}
	}
}

type identityDeflector struct{}

func (identityDeflector) Deflect(x, y float64, threadID int) (float64, float64) { return x, y }
func (identityDeflector) Magnification(x, y float64, threadID int) float64 { return 1 }

func TestDumpSourceInfoAndSB(t *testing.T) {
	dir := t.TempDir()
	domain := geom.Rect{XMin: -1, XMax: 1, YMin: -1, YMax: 1}
	g, err := sourcegrid.NewGrid(domain, 2, 2, 6)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	for i, c := range g.Leaves() {
		c.SurfaceBrightness = float64(i)
	}

	infoPath := filepath.Join(dir, "out.info")
	if err := DumpSourceInfo(infoPath, g); err != nil {
		t.Fatalf("DumpSourceInfo: %v", err)
	}
	if fi, err := os.Stat(infoPath); err != nil || fi.Size() == 0 {
		t.Fatalf("expected non-empty.info file")
	}

	sbPath := filepath.Join(dir, "out.sb")
	if err := DumpSourceSB(sbPath, g); err != nil {
		t.Fatalf("DumpSourceSB: %v", err)
	}
	b, err := ioutil.ReadFile(sbPath)
	if err != nil {
		t.Fatalf("read.sb: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("expected non-empty.sb file")
	}
}

func TestDumpImageAxesAndRaster(t *testing.T) {
	dir := t.TempDir()
	g, err := imagegrid.NewGrid(-1, 1, -1, 1, 4, 4, identityDeflector{}, 0)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	g.ApplyMask(nil)
	g.AssignActiveIndices()

	xPath, yPath := filepath.Join(dir, "out.x"), filepath.Join(dir, "out.y")
	if err := DumpImageAxes(xPath, yPath, g); err != nil {
		t.Fatalf("DumpImageAxes: %v", err)
	}

	values := make([]float64, g.NActive)
	for i := range values {
		values[i] = float64(i)
	}
	datPath := filepath.Join(dir, "out.dat")
	if err := DumpImageRaster(datPath, g, values); err != nil {
		t.Fatalf("DumpImageRaster: %v", err)
	}

	raster := RasterFromActiveValues(g, values)
	if len(raster) != 16 {
		t.Fatalf("raster len = %d, want 16", len(raster))
	}

	pngPath := filepath.Join(dir, "out.png")
	if err := WritePreviewPNG(pngPath, g.Nx, g.Ny, raster); err != nil {
		t.Fatalf("WritePreviewPNG: %v", err)
	}
	if fi, err := os.Stat(pngPath); err != nil || fi.Size() == 0 {
		t.Fatalf("expected non-empty PNG preview")
	}
}
