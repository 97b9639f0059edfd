package mapping

import (
	"testing"

	"github.com/mlnoga/qlensgo/internal/geom"
	"github.com/mlnoga/qlensgo/internal/imagegrid"
	"github.com/mlnoga/qlensgo/internal/sourcegrid"
)

type identityDeflector struct{}

func (identityDeflector) Deflect(x, y float64, threadID int) (float64, float64) { return x, y }
func (identityDeflector) Magnification(x, y float64, threadID int) float64 { return 1 }

func buildGrids(t *testing.T, n int) (*imagegrid.Grid, *sourcegrid.Grid) {
	t.Helper()
	img, err := imagegrid.NewGrid(-1, 1, -1, 1, n, n, identityDeflector{}, 0)
	if err != nil {
		t.Fatalf("imagegrid.NewGrid: %v", err)
	}
	img.ApplyMask(nil)
	img.AssignActiveIndices()
	src, err := sourcegrid.NewGrid(img2Rect(img), n, n, 6)
	if err != nil {
		t.Fatalf("sourcegrid.NewGrid: %v", err)
	}
	return img, src
}

func img2Rect(g *imagegrid.Grid) geom.Rect {
	return geom.Rect{XMin: g.XMin, XMax: g.XMax, YMin: g.YMin, YMax: g.YMax}
}

func TestCalculatePixelMagnificationsSeedsOneToOneGrid(t *testing.T) {
	img, src := buildGrids(t, 4)
	CalculatePixelMagnifications(img, src)
	for _, leaf := range src.Leaves() {
		if !leaf.MapsToImagePixel {
			t.Fatalf("leaf at %v should map to an image pixel on an identity 1:1 grid", leaf.Rect)
		}
		if leaf.NImages <= 0 {
			t.Fatalf("expected positive n_images, got %v", leaf.NImages)
		}
	}
}

func TestBuildAreaOverlapRowsSumToOne(t *testing.T) {
	img, src := buildGrids(t, 4)
	CalculatePixelMagnifications(img, src)
	src.AssignActiveIndices(sourcegrid.ActivePolicy{})
	img.AssignActiveIndices()

	l := BuildAreaOverlap(img, src)
	for i := 0; i < l.NRows; i++ {
		_, vals := l.Row(i)
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		if len(vals) == 0 {
			continue
		}
		if diff := sum - 1; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("row %d sums to %v, want 1", i, sum)
		}
	}
}

func TestBuildAreaOverlapFourQuarterWeights(t *testing.T) {
	// A single image pixel spanning exactly 4 source leaves under an
	// identity deflector should produce four 0.25 weight entries.
	img, err := imagegrid.NewGrid(-1, 1, -1, 1, 1, 1, identityDeflector{}, 0)
	if err != nil {
		t.Fatalf("imagegrid.NewGrid: %v", err)
	}
	img.ApplyMask(nil)
	img.AssignActiveIndices()
	src, err := sourcegrid.NewGrid(img2Rect(img), 2, 2, 6)
	if err != nil {
		t.Fatalf("sourcegrid.NewGrid: %v", err)
	}
	CalculatePixelMagnifications(img, src)
	src.AssignActiveIndices(sourcegrid.ActivePolicy{})

	l := BuildAreaOverlap(img, src)
	_, vals := l.Row(0)
	if len(vals) != 4 {
		t.Fatalf("expected 4 overlap entries, got %d", len(vals))
	}
	for _, v := range vals {
		if diff := v - 0.25; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("expected weight 0.25, got %v", v)
		}
	}
}

func TestBuildInterpolateRowHasThreeOrOneWeights(t *testing.T) {
	img, src := buildGrids(t, 4)
	CalculatePixelMagnifications(img, src)
	src.AssignActiveIndices(sourcegrid.ActivePolicy{ActivateUnmapped: true})
	img.AssignActiveIndices()

	l := BuildInterpolate(img, src)
	for i := 0; i < l.NRows; i++ {
		_, vals := l.Row(i)
		if len(vals) == 0 {
			t.Fatalf("row %d has no entries", i)
		}
		if len(vals) != 3 && len(vals) != 1 {
			t.Fatalf("row %d has %d weights, want 3 or 1", i, len(vals))
		}
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		if diff := sum - 1; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("row %d barycentric weights sum to %v, want 1", i, sum)
		}
	}
}

func TestAdaptiveSubgridSplitsHighMagnificationLeaf(t *testing.T) {
	img, src := buildGrids(t, 4)
	CalculatePixelMagnifications(img, src)
	before := len(src.Leaves())
	if err := AdaptiveSubgrid(img, src, 0, 0, 2, 2, 0); err != nil {
		t.Fatalf("AdaptiveSubgrid: %v", err)
	}
	after := len(src.Leaves())
	if after <= before {
		t.Fatalf("expected splits with zero threshold: before=%d after=%d", before, after)
	}
	for _, leaf := range src.Leaves() {
		if leaf.Level > src.MaxLevels {
			t.Fatalf("leaf exceeded max_levels: %d > %d", leaf.Level, src.MaxLevels)
		}
	}
}

func TestAdaptiveSubgridRespectsMinCellArea(t *testing.T) {
	img, src := buildGrids(t, 4)
	CalculatePixelMagnifications(img, src)
	// Each top-level leaf has area 0.25; a 2x2 split would create
	// children of area 0.0625, below the floor, so nothing may split.
	if err := AdaptiveSubgrid(img, src, 0, 0.1, 2, 2, 0); err != nil {
		t.Fatalf("AdaptiveSubgrid: %v", err)
	}
	if got := len(src.Leaves()); got != 16 {
		t.Fatalf("expected min-cell-area floor to block all splits, got %d leaves", got)
	}
}

func TestAdaptiveSubgridIsIdempotent(t *testing.T) {
	img, src := buildGrids(t, 4)
	CalculatePixelMagnifications(img, src)
	if err := AdaptiveSubgrid(img, src, 0.01, 0, 2, 2, 0); err != nil {
		t.Fatalf("AdaptiveSubgrid: %v", err)
	}
	first := len(src.Leaves())
	// Re-running with identical magnifications must leave the topology
	// untouched: every leaf that wanted to split already has.
	if err := AdaptiveSubgrid(img, src, 0.01, 0, 2, 2, 0); err != nil {
		t.Fatalf("AdaptiveSubgrid (second run): %v", err)
	}
	if second := len(src.Leaves()); second != first {
		t.Fatalf("second AdaptiveSubgrid run changed topology: %d -> %d leaves", first, second)
	}
}
