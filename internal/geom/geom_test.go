package geom

import "testing"

func TestInNeighborhood(t *testing.T) {
	tri := Triangle{{0, 0}, {1, 0}, {0, 1}}
	r := Rect{XMin: -1, XMax: 2, YMin: -1, YMax: 2}
	possible, inside := InNeighborhood(tri, r)
	if !possible || !inside {
		t.Fatalf("expected triangle strictly inside rect, got possible=%v inside=%v", possible, inside)
	}

	far := Rect{XMin: 10, XMax: 20, YMin: 10, YMax: 20}
	possible, _ = InNeighborhood(tri, far)
	if possible {
		t.Fatalf("expected no possible overlap for far rect")
	}
}

func TestOverlapAreaFullyInside(t *testing.T) {
	tri := Triangle{{0, 0}, {1, 0}, {0, 1}}
	r := Rect{XMin: -1, XMax: 2, YMin: -1, YMax: 2}
	area := OverlapArea(tri, r)
	want := TriArea(tri)
	if diff := area - want; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("OverlapArea = %v, want %v", area, want)
	}
}

func TestOverlapAreaHalfClip(t *testing.T) {
	// unit right triangle (0,0)-(2,0)-(0,2), clipped by x<=1 -> trapezoid area 1.5
	tri := Triangle{{0, 0}, {2, 0}, {0, 2}}
	r := Rect{XMin: -10, XMax: 1, YMin: -10, YMax: 10}
	area := OverlapArea(tri, r)
	want := 1.5
	if diff := area - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("OverlapArea = %v, want %v", area, want)
	}
}

func TestOverlapAreaNoOverlap(t *testing.T) {
	tri := Triangle{{0, 0}, {1, 0}, {0, 1}}
	r := Rect{XMin: 5, XMax: 6, YMin: 5, YMax: 6}
	if Overlap(tri, r) {
		t.Fatalf("expected no overlap")
	}
	if area := OverlapArea(tri, r); area != 0 {
		t.Fatalf("expected zero overlap area, got %v", area)
	}
}

func TestBatchOverlapAreaMatchesScalar(t *testing.T) {
	tris := []Triangle{
		{{0, 0}, {1, 0}, {0, 1}},
		{{0, 0}, {2, 0}, {0, 2}},
	}
	rects := []Rect{
		{XMin: -1, XMax: 2, YMin: -1, YMax: 2},
		{XMin: -10, XMax: 1, YMin: -10, YMax: 10},
	}
	got := BatchOverlapArea(tris, rects)
	for i := range tris {
		want := OverlapArea(tris[i], rects[i])
		if diff := got[i] - want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("batch[%d] = %v, want %v", i, got[i], want)
		}
	}
}
