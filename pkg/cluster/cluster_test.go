package cluster

import (
	"image"
	"reflect"
	"testing"

	"github.com/teslashibe/go-scenefilter/pkg/change"
)

// gridMap builds a change map directly from an ASCII grid: '#' = changed.
func gridMap(blockSize int, rows ...string) *change.Map {
	m := &change.Map{
		Cols:      len(rows[0]),
		Rows:      len(rows),
		BlockSize: blockSize,
		Width:     len(rows[0]) * blockSize,
		Height:    len(rows) * blockSize,
	}
	m.Diff = make([]float64, m.Cols*m.Rows)
	m.Changed = make([]bool, m.Cols*m.Rows)
	for r, line := range rows {
		for c, ch := range line {
			if ch == '#' {
				i := m.Index(c, r)
				m.Changed[i] = true
				m.Diff[i] = 100
				m.ChangedBlocks++
			}
		}
	}
	m.ChangePercent = 100 * float64(m.ChangedBlocks) / float64(m.Cols*m.Rows)
	return m
}

func TestGroup_Empty(t *testing.T) {
	g := NewGrouper(1, Four)
	if got := g.Group(gridMap(8, "....", "....")); len(got) != 0 {
		t.Errorf("expected no clusters, got %d", len(got))
	}
	if got := g.Group(nil); got != nil {
		t.Errorf("nil map should give nil, got %v", got)
	}
}

func TestGroup_SingleSquare(t *testing.T) {
	g := NewGrouper(1, Four)
	clusters := g.Group(gridMap(8,
		"......",
		".##...",
		".##...",
		"......",
	))

	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	c := clusters[0]
	if c.Blocks != 4 || c.Pixels != 256 {
		t.Errorf("Blocks=%d Pixels=%d, want 4 / 256", c.Blocks, c.Pixels)
	}
	if c.BBox != image.Rect(8, 8, 24, 24) {
		t.Errorf("BBox = %v, want (8,8)-(24,24)", c.BBox)
	}
	if c.Centroid != (Point{X: 16, Y: 16}) {
		t.Errorf("Centroid = %+v, want (16,16)", c.Centroid)
	}
	if c.Magnitude != 400 {
		t.Errorf("Magnitude = %v, want 400", c.Magnitude)
	}
}

func TestGroup_Connectivity(t *testing.T) {
	grid := []string{
		"#...",
		".#..",
		"..#.",
	}

	four := NewGrouper(1, Four).Group(gridMap(8, grid...))
	if len(four) != 3 {
		t.Errorf("4-connectivity: got %d clusters, want 3", len(four))
	}

	eight := NewGrouper(1, Eight).Group(gridMap(8, grid...))
	if len(eight) != 1 {
		t.Errorf("8-connectivity: got %d clusters, want 1", len(eight))
	}
}

func TestGroup_MinPixelsDiscardsNoise(t *testing.T) {
	g := NewGrouper(128, Four)
	clusters := g.Group(gridMap(8,
		"#.....",
		"...##.",
		"......",
	))
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster after noise filter, got %d", len(clusters))
	}
	if clusters[0].Blocks != 2 {
		t.Errorf("kept cluster has %d blocks, want 2", clusters[0].Blocks)
	}
}

func TestGroup_DeterministicOrdering(t *testing.T) {
	g := NewGrouper(1, Four)
	grid := []string{
		"....##",
		"#.....",
		"......",
		"..#...",
	}

	first := g.Group(gridMap(8, grid...))
	for i := 0; i < 10; i++ {
		again := g.Group(gridMap(8, grid...))
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d produced different clusters", i)
		}
	}

	if len(first) != 3 {
		t.Fatalf("expected 3 clusters, got %d", len(first))
	}
	// Top-most first, then by X.
	for i := 1; i < len(first); i++ {
		prev, cur := first[i-1].Centroid, first[i].Centroid
		if cur.Y < prev.Y || (cur.Y == prev.Y && cur.X < prev.X) {
			t.Errorf("clusters out of order at %d: %+v before %+v", i, prev, cur)
		}
	}
}
