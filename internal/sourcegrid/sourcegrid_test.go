package sourcegrid

import (
	"testing"

	"github.com/mlnoga/qlensgo/internal/geom"
)

func domain() geom.Rect {
	return geom.Rect{XMin: 0, XMax: 4, YMin: 0, YMax: 4}
}

func TestNewGridTopLevelNeighbors(t *testing.T) {
	g, err := NewGrid(domain(), 4, 4, 6)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	corner := g.TopLevel[0] // u=0,w=0
	if corner.Neighbor[MinusU] != nil || corner.Neighbor[MinusW] != nil {
		t.Fatalf("expected nil neighbors at domain boundary")
	}
	if corner.Neighbor[PlusU] != g.TopLevel[1] {
		t.Fatalf("wrong +u neighbor")
	}
	if corner.Neighbor[PlusW] != g.TopLevel[4] {
		t.Fatalf("wrong +w neighbor")
	}
}

func TestSplitTiling(t *testing.T) {
	g, _ := NewGrid(domain(), 2, 2, 6)
	cell := g.TopLevel[0]
	if err := g.Split(cell, 2, 2); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if err := g.CheckTopologyInvariant(); err != nil {
		t.Fatalf("topology invariant violated: %v", err)
	}
	if len(cell.Children) != 4 {
		t.Fatalf("expected 4 children, got %d", len(cell.Children))
	}
}

func TestSplitNeighborConsistencyHeterogeneous(t *testing.T) {
	// Split a top-level cell 2x2, leave its +u neighbor
	// unsplit, and check that the finer cells' neighbor across that face
	// points back to the coarser (unsplit) cell, and the coarser cell's
	// own neighbor pointer is unaffected.
	g, _ := NewGrid(domain(), 2, 2, 6)
	cell := g.TopLevel[0]
	neighbor := g.TopLevel[1] // +u of cell, stays a leaf
	if err := g.Split(cell, 2, 2); err != nil {
		t.Fatalf("Split: %v", err)
	}
	for w := 0; w < 2; w++ {
		child := siblingAt(cell, 1, w) // rightmost column, faces `neighbor`
		if child.Neighbor[PlusU] != neighbor {
			t.Fatalf("child (1,%d) +u neighbor = %v, want coarser leaf %v", w, child.Neighbor[PlusU], neighbor)
		}
	}
	if neighbor.Neighbor[MinusU] != cell {
		t.Fatalf("coarser neighbor's -u pointer should still reference the (now split) parent cell")
	}
}

func TestSplitThenSplitNeighborAgain(t *testing.T) {
	// Both cell and its +u neighbor get split with different Nu/Nw;
	// children on the shared face should map via clamped index, never
	// panic, and preserve exact tiling.
	g, _ := NewGrid(domain(), 2, 2, 6)
	cell := g.TopLevel[0]
	neighbor := g.TopLevel[1]
	if err := g.Split(cell, 2, 3); err != nil {
		t.Fatalf("Split cell: %v", err)
	}
	if err := g.Split(neighbor, 2, 2); err != nil {
		t.Fatalf("Split neighbor: %v", err)
	}
	if err := g.CheckTopologyInvariant(); err != nil {
		t.Fatalf("topology invariant violated: %v", err)
	}
	for w := 0; w < 3; w++ {
		child := siblingAt(cell, 1, w)
		if child.Neighbor[PlusU] == nil {
			t.Fatalf("child (1,%d) should have a +u neighbor into the split region", w)
		}
		if child.Neighbor[PlusU].Parent != neighbor {
			t.Fatalf("child (1,%d) +u neighbor should be a child of `neighbor`", w)
		}
	}
}

func TestUnsplitRestoresNeighbors(t *testing.T) {
	g, _ := NewGrid(domain(), 2, 2, 6)
	cell := g.TopLevel[0]
	neighbor := g.TopLevel[1]
	if err := g.Split(cell, 2, 2); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if err := g.Unsplit(cell); err != nil {
		t.Fatalf("Unsplit: %v", err)
	}
	if !cell.IsLeaf() {
		t.Fatalf("cell should be a leaf again")
	}
	if cell.Neighbor[PlusU] != neighbor || neighbor.Neighbor[MinusU] != cell {
		t.Fatalf("top-level neighbor pointers not restored after unsplit")
	}
}

func TestAssignIndicesPreOrder(t *testing.T) {
	g, _ := NewGrid(domain(), 2, 2, 6)
	g.Split(g.TopLevel[0], 2, 2)
	depth := g.AssignIndices()
	if depth != 2 {
		t.Fatalf("expected max depth 2, got %d", depth)
	}
	leaves := g.Leaves()
	if len(leaves) != 7 { // 3 untouched top-level + 4 children
		t.Fatalf("expected 7 leaves, got %d", len(leaves))
	}
	for i, l := range leaves {
		if l.Index != i {
			t.Fatalf("leaf %d has Index %d", i, l.Index)
		}
	}
}

func TestAssignActiveIndicesExcludesUnmapped(t *testing.T) {
	g, _ := NewGrid(domain(), 2, 2, 6)
	leaves := g.Leaves()
	leaves[0].MapsToImagePixel = true
	leaves[1].MapsToImagePixel = true
	n := g.AssignActiveIndices(ActivePolicy{})
	if n != 2 {
		t.Fatalf("expected 2 active cells, got %d", n)
	}
	seen := map[int]bool{}
	for _, l := range g.Leaves() {
		if l.Active {
			seen[l.ActiveIndex] = true
		}
	}
	if !seen[0] || !seen[1] {
		t.Fatalf("active indices not dense: %v", seen)
	}
}

func TestAssignActiveIndicesRegridUnsplitsUnmappedSubtree(t *testing.T) {
	g, _ := NewGrid(domain(), 2, 2, 6)
	cell := g.TopLevel[0]
	g.Split(cell, 2, 2) // none of the 4 children ever get mapped
	n := g.AssignActiveIndices(ActivePolicy{RegridIfUnmappedSubcells: true})
	if !cell.IsLeaf() {
		t.Fatalf("expected unmapped subtree to be unsplit back to its parent")
	}
	if n != 0 {
		t.Fatalf("expected 0 active cells, got %d", n)
	}
}

func TestBisectionSearchOverlap(t *testing.T) {
	g, _ := NewGrid(domain(), 4, 4, 6) // cell width 1
	imin, imax, jmin, jmax := g.BisectionSearchOverlap(geom.Rect{XMin: 1.2, XMax: 2.8, YMin: 0.1, YMax: 0.9})
	if imin != 1 || imax != 2 {
		t.Fatalf("u range = [%d,%d], want [1,2]", imin, imax)
	}
	if jmin != 0 || jmax != 0 {
		t.Fatalf("w range = [%d,%d], want [0,0]", jmin, jmax)
	}
}

func TestFindNearestTwoCellsUnsplitNeighbor(t *testing.T) {
	g, _ := NewGrid(domain(), 2, 2, 6)
	cell := g.TopLevel[0]
	a, b, alpha, beta := g.FindNearestTwoCells(cell, PlusU)
	if a != g.TopLevel[1] {
		t.Fatalf("expected nearest cell to be the unsplit +u neighbor")
	}
	if a != b || alpha != 1 || beta != 0 {
		t.Fatalf("expected single-cell weight (1,0) when the neighbor has no further same-face neighbor, got alpha=%v beta=%v", alpha, beta)
	}
}

func TestSplitExceedsMaxLevelsPanics(t *testing.T) {
	g, _ := NewGrid(domain(), 2, 2, 1)
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on exceeding max_levels")
		}
	}()
	g.Split(g.TopLevel[0], 2, 2)
}
