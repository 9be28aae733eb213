// Package cluster groups changed blocks of a difference map into connected
// regions ("blobs") that represent candidate moving objects.
package cluster

import (
	"image"
	"math"
	"sort"

	"github.com/teslashibe/go-scenefilter/pkg/change"
)

// Connectivity selects which grid neighbours are considered adjacent.
type Connectivity int

const (
	// Four joins blocks that share an edge.
	Four Connectivity = 4
	// Eight also joins diagonal blocks.
	Eight Connectivity = 8
)

// Point is a position in frame pixel coordinates.
type Point struct {
	X, Y float64
}

// Dist returns the euclidean distance between two points.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Cluster is a connected region of changed blocks in one frame.
type Cluster struct {
	BBox      image.Rectangle // Pixel bounds, clipped to the frame
	Centroid  Point           // Pixel-area weighted mean of block centres
	Blocks    int             // Number of member blocks
	Pixels    int             // Pixel area covered by member blocks
	Magnitude float64         // Sum of member block differences
}

var (
	offsets4 = [][2]int{{0, -1}, {-1, 0}, {1, 0}, {0, 1}}
	offsets8 = [][2]int{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}
)

// Grouper labels connected components over a thresholded block grid.
type Grouper struct {
	MinPixels    int          // Clusters smaller than this are noise
	Connectivity Connectivity // Four (default) or Eight
}

// NewGrouper creates a grouper. Unknown connectivity falls back to Four.
func NewGrouper(minPixels int, conn Connectivity) *Grouper {
	if conn != Eight {
		conn = Four
	}
	return &Grouper{MinPixels: minPixels, Connectivity: conn}
}

// Group returns the clusters of m ordered by centroid (top-most, then
// left-most, then larger first). Identical maps always produce identical
// output.
func (g *Grouper) Group(m *change.Map) []Cluster {
	if m == nil || m.ChangedBlocks == 0 {
		return nil
	}

	offsets := offsets4
	if g.Connectivity == Eight {
		offsets = offsets8
	}

	visited := make([]bool, len(m.Changed))
	queue := make([]int, 0, m.ChangedBlocks)
	var clusters []Cluster

	for start := range m.Changed {
		if !m.Changed[start] || visited[start] {
			continue
		}

		visited[start] = true
		queue = append(queue[:0], start)

		var (
			c          Cluster
			sumX, sumY float64
			first      = true
		)
		for len(queue) > 0 {
			idx := queue[0]
			queue = queue[1:]
			col, row := idx%m.Cols, idx/m.Cols

			r := m.BlockRect(col, row)
			px := r.Dx() * r.Dy()
			if first {
				c.BBox = r
				first = false
			} else {
				c.BBox = c.BBox.Union(r)
			}
			c.Blocks++
			c.Pixels += px
			c.Magnitude += m.Diff[idx]
			sumX += float64(px) * (float64(r.Min.X+r.Max.X) / 2)
			sumY += float64(px) * (float64(r.Min.Y+r.Max.Y) / 2)

			for _, o := range offsets {
				nc, nr := col+o[0], row+o[1]
				if nc < 0 || nr < 0 || nc >= m.Cols || nr >= m.Rows {
					continue
				}
				n := m.Index(nc, nr)
				if m.Changed[n] && !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}

		if c.Pixels < g.MinPixels {
			continue
		}
		c.Centroid = Point{X: sumX / float64(c.Pixels), Y: sumY / float64(c.Pixels)}
		clusters = append(clusters, c)
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if a.Centroid.Y != b.Centroid.Y {
			return a.Centroid.Y < b.Centroid.Y
		}
		if a.Centroid.X != b.Centroid.X {
			return a.Centroid.X < b.Centroid.X
		}
		return a.Pixels > b.Pixels
	})
	return clusters
}
