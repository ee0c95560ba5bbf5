package chessboard

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
)

type cell struct {
	i, j int
}

// cornerGrid is a lattice of candidate indices grown from a seed.
type cornerGrid struct {
	candidates []Corner
	cells      map[cell]int
	used       map[int]bool
}

func (g *cornerGrid) point(c cell) (r2.Point, bool) {
	idx, ok := g.cells[c]
	if !ok {
		return r2.Point{}, false
	}
	return r2.Point{X: g.candidates[idx].X, Y: g.candidates[idx].Y}, true
}

func (g *cornerGrid) assign(c cell, idx int) {
	g.cells[c] = idx
	g.used[idx] = true
}

// step estimates the image displacement of one lattice step in direction d from c, preferring
// the closest already known pair along the same axis so perspective foreshortening is followed.
func (g *cornerGrid) step(c, d cell, fallback r2.Point) r2.Point {
	p, _ := g.point(c)
	if back, ok := g.point(cell{c.i - d.i, c.j - d.j}); ok {
		return p.Sub(back)
	}
	// a parallel pair on a neighbouring row or column
	side := cell{d.j, d.i}
	for _, s := range []int{1, -1} {
		n := cell{c.i + s*side.i, c.j + s*side.j}
		a, okA := g.point(n)
		b, okB := g.point(cell{n.i + d.i, n.j + d.j})
		if okA && okB {
			return b.Sub(a)
		}
		b, okB = g.point(cell{n.i - d.i, n.j - d.j})
		if okA && okB {
			return a.Sub(b)
		}
	}
	return fallback
}

func (g *cornerGrid) nearestUnused(p r2.Point, radius float64) (int, bool) {
	best, bestDist := -1, radius
	for idx, cand := range g.candidates {
		if g.used[idx] {
			continue
		}
		d := math.Hypot(cand.X-p.X, cand.Y-p.Y)
		if d < bestDist {
			best, bestDist = idx, d
		}
	}
	return best, best >= 0
}

// growGrid builds a lattice around candidates[seed]. It returns nil if the seed has no pair of
// non collinear neighbours at a similar distance.
func growGrid(candidates []Corner, seed int, searchRadius float64, limit int) *cornerGrid {
	origin := r2.Point{X: candidates[seed].X, Y: candidates[seed].Y}
	type neighbour struct {
		idx  int
		vec  r2.Point
		dist float64
	}
	neighbours := make([]neighbour, 0, len(candidates))
	for idx, c := range candidates {
		if idx == seed {
			continue
		}
		v := r2.Point{X: c.X, Y: c.Y}.Sub(origin)
		neighbours = append(neighbours, neighbour{idx, v, v.Norm()})
	}
	if len(neighbours) < 2 {
		return nil
	}
	sort.Slice(neighbours, func(a, b int) bool { return neighbours[a].dist < neighbours[b].dist })

	u := neighbours[0]
	if u.dist == 0 {
		return nil
	}
	vIdx, bestSin := -1, 0.5
	for k := 1; k < len(neighbours) && k < 8; k++ {
		n := neighbours[k]
		if n.dist > 2*u.dist {
			break
		}
		sin := math.Abs(u.vec.Cross(n.vec)) / (u.dist * n.dist)
		if sin > bestSin {
			vIdx, bestSin = k, sin
		}
	}
	if vIdx < 0 {
		return nil
	}
	v := neighbours[vIdx]

	g := &cornerGrid{candidates: candidates, cells: map[cell]int{}, used: map[int]bool{}}
	g.assign(cell{0, 0}, seed)
	g.assign(cell{1, 0}, u.idx)
	g.assign(cell{0, 1}, v.idx)

	dirs := []cell{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	queue := []cell{{0, 0}, {1, 0}, {0, 1}}
	for len(queue) > 0 && len(g.cells) < limit {
		c := queue[0]
		queue = queue[1:]
		p, _ := g.point(c)
		for _, d := range dirs {
			target := cell{c.i + d.i, c.j + d.j}
			if _, ok := g.cells[target]; ok {
				continue
			}
			fallback := u.vec
			if d.i == 0 {
				fallback = v.vec
			}
			if d.i < 0 || d.j < 0 {
				fallback = fallback.Mul(-1)
			}
			s := g.step(c, d, fallback)
			predicted := p.Add(s)
			idx, ok := g.nearestUnused(predicted, searchRadius*s.Norm())
			if !ok {
				continue
			}
			g.assign(target, idx)
			queue = append(queue, target)
		}
	}
	return g
}

// extractBoard looks for a completely filled cols x rows window in the lattice, in either
// orientation, and returns its points row major. Among several windows the strongest wins.
func (g *cornerGrid) extractBoard(cols, rows int) ([]r2.Point, float64, bool) {
	minI, maxI, minJ, maxJ := math.MaxInt, math.MinInt, math.MaxInt, math.MinInt
	for c := range g.cells {
		minI = min(minI, c.i)
		maxI = max(maxI, c.i)
		minJ = min(minJ, c.j)
		maxJ = max(maxJ, c.j)
	}

	var best []r2.Point
	bestScore := -1.0
	try := func(alongI, alongJ int, transposed bool) {
		for i0 := minI; i0+alongI-1 <= maxI; i0++ {
			for j0 := minJ; j0+alongJ-1 <= maxJ; j0++ {
				pts := make([]r2.Point, 0, cols*rows)
				score := 0.
				complete := true
				for r := 0; r < rows && complete; r++ {
					for c := 0; c < cols; c++ {
						at := cell{i0 + c, j0 + r}
						if transposed {
							at = cell{i0 + r, j0 + c}
						}
						idx, ok := g.cells[at]
						if !ok {
							complete = false
							break
						}
						pts = append(pts, r2.Point{X: g.candidates[idx].X, Y: g.candidates[idx].Y})
						score += g.candidates[idx].R
					}
				}
				if complete && score > bestScore {
					best, bestScore = pts, score
				}
			}
		}
	}
	try(cols, rows, false)
	if cols != rows {
		try(rows, cols, true)
	}
	if best == nil {
		return nil, 0, false
	}
	return canonicalOrder(best, cols, rows), bestScore, true
}

// canonicalOrder reorders a row major board so that rows run along +x as much as possible and
// columns follow at a quarter turn clockwise in image coordinates. Two views of one board then
// agree on which corner comes first.
func canonicalOrder(pts []r2.Point, cols, rows int) []r2.Point {
	at := func(r, c int) r2.Point { return pts[r*cols+c] }
	u := at(0, cols-1).Sub(at(0, 0))
	v := at(rows-1, 0).Sub(at(0, 0))
	// reversing the rows negates v and leaves u alone
	flipRows := u.Cross(v) < 0
	flipCols := false
	if u.X < 0 {
		// half turn keeps the handedness
		flipRows, flipCols = !flipRows, true
	}
	out := make([]r2.Point, 0, len(pts))
	for r := 0; r < rows; r++ {
		rr := r
		if flipRows {
			rr = rows - 1 - r
		}
		for c := 0; c < cols; c++ {
			cc := c
			if flipCols {
				cc = cols - 1 - c
			}
			out = append(out, at(rr, cc))
		}
	}
	return out
}
