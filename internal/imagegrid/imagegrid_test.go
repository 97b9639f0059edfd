package imagegrid

import (
	"testing"

	"github.com/mlnoga/qlensgo/internal/geom"
)

type identityDeflector struct{}

func (identityDeflector) Deflect(x, y float64, threadID int) (float64, float64) { return x, y }
func (identityDeflector) Magnification(x, y float64, threadID int) float64 { return 1 }

// shearDeflector applies a shear with a bilinear term, so a square image
// cell deforms into a quadrilateral that is not a parallelogram in the
// source plane and the two triangles on either side of its diagonal have
// different Area1/Area2 values.
type shearDeflector struct{ gx, gy float64 }

func (s shearDeflector) Deflect(x, y float64, threadID int) (float64, float64) {
	return x + s.gx*y, y + s.gy*x*y
}
func (shearDeflector) Magnification(x, y float64, threadID int) float64 { return 1 }

func TestNewGridIdentityRoundTrips(t *testing.T) {
	g, err := NewGrid(-1, 1, -1, 1, 4, 4, identityDeflector{}, 0)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	if len(g.Cells) != 16 {
		t.Fatalf("expected 16 cells, got %d", len(g.Cells))
	}
	c := g.At(0, 0)
	if c.SourceCenter != c.Center {
		t.Fatalf("identity deflector should leave source center == image center, got %v vs %v", c.SourceCenter, c.Center)
	}
	wantArea := g.PixelArea() / 2
	if diff := c.Area1 - wantArea; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("Area1 = %v, want half pixel area %v", c.Area1, wantArea)
	}
	if diff := c.Area2 - wantArea; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("Area2 = %v, want half pixel area %v", c.Area2, wantArea)
	}
	if c.CenterMagnification != 1 {
		t.Fatalf("expected magnification 1 from identity deflector")
	}
}

func TestBuildCellSplitsSheared1_2Diagonal(t *testing.T) {
	g, err := NewGrid(0, 1, 0, 1, 1, 1, shearDeflector{gx: 0.6, gy: -0.3}, 0)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	c := g.At(0, 0)
	sc := c.SourceCorners

	wantTri1 := geom.Triangle{sc[0], sc[1], sc[2]}
	if c.Tri1 != wantTri1 {
		t.Fatalf("Tri1 = %v, want corners (0,1,2) = %v", c.Tri1, wantTri1)
	}
	wantTri2 := geom.Triangle{sc[1], sc[3], sc[2]}
	if c.Tri2 != wantTri2 {
		t.Fatalf("Tri2 = %v, want corners (1,3,2) = %v", c.Tri2, wantTri2)
	}

	// For a non-degenerate (sheared) quad the two candidate diagonals give
	// different half-areas; check the sum still matches the quad's own
	// shoelace area, confirming the triangles tile the quad regardless of
	// which diagonal was chosen.
	sum := 0.0
	perimeter := [4]int{0, 1, 3, 2} // corners are stored (x0,y0),(x1,y0),(x0,y1),(x1,y1)
	for k := 0; k < 4; k++ {
		i, j := perimeter[k], perimeter[(k+1)%4]
		sum += sc[i].X*sc[j].Y - sc[j].X*sc[i].Y
	}
	quadArea := sum / 2
	if quadArea < 0 {
		quadArea = -quadArea
	}
	if diff := (c.Area1 + c.Area2) - quadArea; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("Area1+Area2 = %v, want quad area %v", c.Area1+c.Area2, quadArea)
	}
	if c.Area1 == c.Area2 {
		t.Fatalf("expected unequal half-areas for a sheared (non-square) quad, got %v == %v", c.Area1, c.Area2)
	}
}

func TestApplyMaskAndActiveIndices(t *testing.T) {
	g, _ := NewGrid(0, 2, 0, 2, 2, 2, identityDeflector{}, 0)
	g.ApplyMask(func(i, j int) bool { return i == 0 })
	n := g.AssignActiveIndices()
	if n != 2 {
		t.Fatalf("expected 2 active cells, got %d", n)
	}
	if g.At(1, 0).ActiveIndex != -1 {
		t.Fatalf("masked-out cell should have ActiveIndex -1")
	}
	if g.At(0, 0).ActiveIndex != 0 || g.At(0, 1).ActiveIndex != 1 {
		t.Fatalf("unexpected active index assignment: %d, %d", g.At(0, 0).ActiveIndex, g.At(0, 1).ActiveIndex)
	}
}

func TestAt_OutOfRange(t *testing.T) {
	g, _ := NewGrid(0, 1, 0, 1, 2, 2, identityDeflector{}, 0)
	if g.At(-1, 0) != nil || g.At(2, 0) != nil {
		t.Fatalf("expected nil for out-of-range indices")
	}
}

func TestNewGridRejectsMissingDeflector(t *testing.T) {
	if _, err := NewGrid(0, 1, 0, 1, 2, 2, nil, 0); err == nil {
		t.Fatalf("expected error for nil deflector")
	}
}
