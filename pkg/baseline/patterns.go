package baseline

import "image"

// pattern is a region where movement has been seen and accepted as normal.
type pattern struct {
	rect     image.Rectangle
	lastSeen int64
	hits     int
}

// patternSet is a small least-recently-used set of known regions. Lookups
// are linear; capacity is tens of entries.
type patternSet struct {
	items []pattern
	cap   int
	iou   float64
}

func newPatternSet(capacity int, iou float64) *patternSet {
	if capacity <= 0 {
		capacity = 32
	}
	if iou <= 0 || iou > 1 {
		iou = 0.5
	}
	return &patternSet{items: make([]pattern, 0, capacity), cap: capacity, iou: iou}
}

// IoU returns the intersection-over-union of two rectangles.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	ua := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - ia
	if ua <= 0 {
		return 0
	}
	return ia / ua
}

func (p *patternSet) find(r image.Rectangle) int {
	best, bestIoU := -1, 0.0
	for i, it := range p.items {
		if v := IoU(r, it.rect); v >= p.iou && v > bestIoU {
			best, bestIoU = i, v
		}
	}
	return best
}

func (p *patternSet) match(r image.Rectangle) bool {
	return p.find(r) >= 0
}

func (p *patternSet) remember(r image.Rectangle, now int64) {
	if r.Empty() {
		return
	}
	if i := p.find(r); i >= 0 {
		p.items[i].lastSeen = now
		p.items[i].hits++
		return
	}
	if len(p.items) < p.cap {
		p.items = append(p.items, pattern{rect: r, lastSeen: now, hits: 1})
		return
	}
	oldest := 0
	for i := range p.items {
		if p.items[i].lastSeen < p.items[oldest].lastSeen {
			oldest = i
		}
	}
	p.items[oldest] = pattern{rect: r, lastSeen: now, hits: 1}
}

func (p *patternSet) len() int {
	return len(p.items)
}

func (p *patternSet) clear() {
	p.items = p.items[:0]
}

// Match reports whether r overlaps a known movement region.
func (b *Baseline) Match(r image.Rectangle) bool {
	return b.patterns.match(r)
}

// Remember records r as a region where movement is normal.
func (b *Baseline) Remember(r image.Rectangle, now int64) {
	b.patterns.remember(r, now)
}

// KnownPatterns returns the number of remembered regions.
func (b *Baseline) KnownPatterns() int {
	return b.patterns.len()
}
