package sgbm

import (
	"context"
	"image"
	"math"
	"sync"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/rimage"
	"go.orion.dev/depth/utils"
)

// Disparities are computed in fixed point with 4 fractional bits.
const (
	dispShift = 4
	dispScale = 1 << dispShift
)

// direction is the offset from a pixel to its predecessor along an aggregation path.
type direction struct{ dx, dy int }

var pathsByMode = map[Mode][]direction{
	ModeSGBM:     {{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}},
	ModeHH:       {{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1}},
	ModeSGBM3Way: {{1, 0}, {-1, 0}, {0, 1}},
}

// Matcher is a semi-global block matcher. The cost volumes are kept between calls, so a Matcher
// computes one pair at a time.
type Matcher struct {
	mu     sync.Mutex
	params Params
	logger logging.Logger

	hsum []uint32
	cost []uint32
	sum  []int32
}

// New returns a matcher for the given parameters.
func New(params Params, logger logging.Logger) (*Matcher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Matcher{params: params, logger: logger}, nil
}

// Compute matches a single pair with a throwaway matcher.
func Compute(ctx context.Context, left, right *image.Gray, params Params) (*rimage.DisparityMap, error) {
	m, err := New(params, logging.Global().Sublogger("sgbm"))
	if err != nil {
		return nil, err
	}
	return m.Compute(ctx, left, right)
}

// Name returns the name of the matcher family.
func (m *Matcher) Name() string {
	return "sgbm"
}

// Params returns the parameters of the next computation.
func (m *Matcher) Params() Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

// SetParams replaces the parameters. An invalid set is rejected and the previous one is kept.
func (m *Matcher) SetParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = params
	return nil
}

// Compute matches a rectified pair. Frames are converted to grayscale. Pixels without a
// disparity, including the left border where no match is possible, hold MinDisparity-1.
func (m *Matcher) Compute(ctx context.Context, left, right image.Image) (*rimage.DisparityMap, error) {
	ctx, span := trace.StartSpan(ctx, "sgbm::Compute")
	defer span.End()

	if left == nil || right == nil {
		return nil, errors.New("sgbm needs both frames")
	}
	if !rimage.SameImgSize(left, right) {
		return nil, errors.Errorf("left frame is %v but right frame is %v", left.Bounds().Size(), right.Bounds().Size())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.params

	gl, gr := rimage.MakeGray(left), rimage.MakeGray(right)
	w, h := gl.Rect.Dx(), gl.Rect.Dy()
	disp, err := m.match(ctx, p, gl, gr)
	if err != nil {
		return nil, err
	}
	invalid := int32((p.MinDisparity - 1) * dispScale)
	if p.SpeckleWindowSize > 0 {
		filterSpeckles(disp, w, h, invalid, p.SpeckleWindowSize, int32(dispScale*p.SpeckleRange))
	}

	out := make([]float32, len(disp))
	for i, d := range disp {
		out[i] = float32(d) / dispScale
	}
	return rimage.NewDisparityMap(w, h, out, float32(p.MinDisparity-1))
}

// geometry describes the cost volume: rows of the matchable columns [x0, x0+width) by d.
type geometry struct {
	w, h   int
	x0     int
	width  int
	d      int
	minD   int
	radius int
}

func (g geometry) at(x, y int) int {
	return (y*g.width + x) * g.d
}

func (m *Matcher) match(ctx context.Context, p Params, left, right *image.Gray) ([]int32, error) {
	w, h := left.Rect.Dx(), left.Rect.Dy()
	maxD := p.MinDisparity + p.NumDisparities
	g := geometry{
		w:      w,
		h:      h,
		x0:     max(maxD, 0),
		d:      p.NumDisparities,
		minD:   p.MinDisparity,
		radius: p.BlockSize / 2,
	}
	g.width = w + min(p.MinDisparity, 0) - g.x0

	invalid := int32((p.MinDisparity - 1) * dispScale)
	disp := make([]int32, w*h)
	for i := range disp {
		disp[i] = invalid
	}
	if g.width <= 0 {
		m.logger.Debugw("frame narrower than the disparity range", "width", w, "max_disparity", maxD)
		return disp, nil
	}

	n := g.width * h * g.d
	m.hsum = resize(m.hsum, n)
	m.cost = resize(m.cost, n)
	m.sum = resize(m.sum, n)
	clear(m.sum)

	if err := m.matchingCost(ctx, p, g, left, right); err != nil {
		return nil, err
	}
	p1, p2 := p.penalties()
	for _, dir := range pathsByMode[p.Mode] {
		if err := m.aggregate(ctx, g, dir, int32(p1), int32(p2)); err != nil {
			return nil, err
		}
	}
	if err := m.selectDisparities(ctx, p, g, disp); err != nil {
		return nil, err
	}
	return disp, nil
}

func resize[T uint32 | int32](buf []T, n int) []T {
	if cap(buf) < n {
		return make([]T, n)
	}
	return buf[:n]
}

// prefilter returns the x derivative of img clipped to [-clip, clip] and shifted to [0, 2*clip].
func prefilter(img *image.Gray, clip int) []int16 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]int16, w*h)
	utils.ParallelForEachRow(h, func(y int) {
		up := img.Pix[max(y-1, 0)*img.Stride:]
		row := img.Pix[y*img.Stride:]
		down := img.Pix[min(y+1, h-1)*img.Stride:]
		for x := 0; x < w; x++ {
			xl, xr := max(x-1, 0), min(x+1, w-1)
			v := int(up[xr]) - int(up[xl]) + 2*(int(row[xr])-int(row[xl])) + int(down[xr]) - int(down[xl])
			out[y*w+x] = int16(utils.Clamp(v, -clip, clip) + clip)
		}
	})
	return out
}

func intensities(img *image.Gray) []int16 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]int16, w*h)
	for y := 0; y < h; y++ {
		for x, v := range img.Pix[y*img.Stride : y*img.Stride+w] {
			out[y*w+x] = int16(v)
		}
	}
	return out
}

// halfRange returns, per pixel, the range covered by the linear interpolation to the half pixel
// on either side.
func halfRange(row, lo, hi []int16) {
	last := len(row) - 1
	for x, v := range row {
		vl, vr := v, v
		if x > 0 {
			vl = (v + row[x-1]) / 2
		}
		if x < last {
			vr = (v + row[x+1]) / 2
		}
		lo[x] = min(v, vl, vr)
		hi[x] = max(v, vl, vr)
	}
}

// birchfieldTomasi is the sampling insensitive dissimilarity of u and v given their ranges.
func birchfieldTomasi(u, u0, u1, v, v0, v1 int16) uint16 {
	c0 := max(0, u-v1, v0-u)
	c1 := max(0, v-u1, u0-v)
	return uint16(min(c0, c1))
}

type channel struct {
	left, right []int16
	shift       uint
}

// matchingCost fills m.cost with block sums of the per pixel cost of the derivative and
// intensity channels.
func (m *Matcher) matchingCost(ctx context.Context, p Params, g geometry, left, right *image.Gray) error {
	clip := p.prefilterClip()
	channels := []channel{
		{left: prefilter(left, clip), right: prefilter(right, clip)},
		{left: intensities(left), right: intensities(right), shift: 2},
	}

	err := utils.ParallelForEachRowErr(ctx, g.h, func(y int) error {
		pix := make([]uint16, g.width*g.d)
		lo := [2][]int16{make([]int16, g.w), make([]int16, g.w)}
		hi := [2][]int16{make([]int16, g.w), make([]int16, g.w)}
		for _, ch := range channels {
			rowL := ch.left[y*g.w : (y+1)*g.w]
			rowR := ch.right[y*g.w : (y+1)*g.w]
			halfRange(rowL, lo[0], hi[0])
			halfRange(rowR, lo[1], hi[1])
			for x := 0; x < g.width; x++ {
				xl := x + g.x0
				u, u0, u1 := rowL[xl], lo[0][xl], hi[0][xl]
				costs := pix[x*g.d : (x+1)*g.d]
				for d := range costs {
					xr := xl - g.minD - d
					costs[d] += birchfieldTomasi(u, u0, u1, rowR[xr], lo[1][xr], hi[1][xr]) >> ch.shift
				}
			}
		}

		// horizontal part of the block sum, clamped to the matchable columns
		out := m.hsum[g.at(0, y) : g.at(0, y)+g.width*g.d]
		clear(out)
		for x := 0; x < g.width; x++ {
			acc := out[x*g.d : (x+1)*g.d]
			for k := -g.radius; k <= g.radius; k++ {
				src := utils.Clamp(x+k, 0, g.width-1)
				for d, c := range pix[src*g.d : (src+1)*g.d] {
					acc[d] += uint32(c)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return utils.ParallelForEachRowErr(ctx, g.h, func(y int) error {
		out := m.cost[g.at(0, y) : g.at(0, y)+g.width*g.d]
		clear(out)
		for k := -g.radius; k <= g.radius; k++ {
			src := utils.Clamp(y+k, 0, g.h-1)
			for i, c := range m.hsum[g.at(0, src) : g.at(0, src)+g.width*g.d] {
				out[i] += c
			}
		}
		return nil
	})
}

// aggregate adds the costs of one path direction to m.sum:
// Lr(p, d) = C(p, d) + min(Lr(q, d), Lr(q, d±1) + P1, min Lr(q) + P2) - min Lr(q), q = p - dir.
func (m *Matcher) aggregate(ctx context.Context, g geometry, dir direction, p1, p2 int32) error {
	xs := func(yield func(int)) {
		if dir.dx >= 0 {
			for x := 0; x < g.width; x++ {
				yield(x)
			}
			return
		}
		for x := g.width - 1; x >= 0; x-- {
			yield(x)
		}
	}

	if dir.dy == 0 {
		// rows are independent
		return utils.ParallelForEachRowErr(ctx, g.h, func(y int) error {
			prev, cur := make([]int32, g.d), make([]int32, g.d)
			var prevMin int32
			first := true
			xs(func(x int) {
				i := g.at(x, y)
				if first {
					prevMin = pathStart(cur, m.cost[i:i+g.d], m.sum[i:i+g.d])
					first = false
				} else {
					prevMin = pathStep(cur, m.cost[i:i+g.d], prev, prevMin, p1, p2, m.sum[i:i+g.d])
				}
				prev, cur = cur, prev
			})
			return nil
		})
	}

	prev, cur := make([]int32, g.width*g.d), make([]int32, g.width*g.d)
	prevMin, curMin := make([]int32, g.width), make([]int32, g.width)
	for step := 0; step < g.h; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		y := step
		if dir.dy < 0 {
			y = g.h - 1 - step
		}
		xs(func(x int) {
			i := g.at(x, y)
			dst := cur[x*g.d : (x+1)*g.d]
			px := x - dir.dx
			if step == 0 || px < 0 || px >= g.width {
				curMin[x] = pathStart(dst, m.cost[i:i+g.d], m.sum[i:i+g.d])
				return
			}
			curMin[x] = pathStep(dst, m.cost[i:i+g.d], prev[px*g.d:(px+1)*g.d], prevMin[px], p1, p2, m.sum[i:i+g.d])
		})
		prev, cur = cur, prev
		prevMin, curMin = curMin, prevMin
	}
	return nil
}

// pathStart begins a path at the image border where there is no predecessor.
func pathStart(dst []int32, cost []uint32, sum []int32) int32 {
	best := int32(math.MaxInt32)
	for d, c := range cost {
		dst[d] = int32(c)
		sum[d] += int32(c)
		best = min(best, int32(c))
	}
	return best
}

func pathStep(dst []int32, cost []uint32, prev []int32, prevMin, p1, p2 int32, sum []int32) int32 {
	best := int32(math.MaxInt32)
	last := len(cost) - 1
	jump := prevMin + p2
	for d, c := range cost {
		v := min(prev[d], jump)
		if d > 0 {
			v = min(v, prev[d-1]+p1)
		}
		if d < last {
			v = min(v, prev[d+1]+p1)
		}
		lr := int32(c) + v - prevMin
		dst[d] = lr
		sum[d] += lr
		best = min(best, lr)
	}
	return best
}

// selectDisparities picks the cheapest disparity per pixel, applies the uniqueness test,
// refines to sub-pixel and runs the left right consistency check.
func (m *Matcher) selectDisparities(ctx context.Context, p Params, g geometry, disp []int32) error {
	invalid := int32((g.minD - 1) * dispScale)
	return utils.ParallelForEachRowErr(ctx, g.h, func(y int) error {
		row := disp[y*g.w : (y+1)*g.w]
		// best integer disparity and cost of each right pixel as seen from the left
		disp2 := make([]int32, g.w)
		cost2 := make([]int32, g.w)
		for i := range disp2 {
			disp2[i] = invalid
			cost2[i] = math.MaxInt32
		}

		for x := 0; x < g.width; x++ {
			sp := m.sum[g.at(x, y) : g.at(x, y)+g.d]
			best, minS := 0, sp[0]
			for d := 1; d < g.d; d++ {
				if sp[d] < minS {
					best, minS = d, sp[d]
				}
			}
			if p.UniquenessRatio > 0 && !unique(sp, best, minS, p.UniquenessRatio) {
				continue
			}

			xr := x + g.x0 - best - g.minD
			if cost2[xr] > minS {
				cost2[xr] = minS
				disp2[xr] = int32(best + g.minD)
			}

			d16 := int32(best * dispScale)
			if best > 0 && best < g.d-1 {
				denom2 := max(sp[best-1]+sp[best+1]-2*sp[best], 1)
				d16 += ((sp[best-1]-sp[best+1])*dispScale + denom2) / (denom2 * 2)
			}
			row[x+g.x0] = d16 + int32(g.minD*dispScale)
		}

		if p.Disp12MaxDiff < 0 {
			return nil
		}
		maxDiff := int32(p.Disp12MaxDiff)
		consistent := func(x int, d int32) bool {
			return x < 0 || x >= g.w || disp2[x] < int32(g.minD) || abs32(disp2[x]-d) <= maxDiff
		}
		for x := g.x0; x < g.x0+g.width; x++ {
			d1 := row[x]
			if d1 == invalid {
				continue
			}
			lo := d1 >> dispShift
			hi := (d1 + dispScale - 1) >> dispShift
			if !consistent(x-int(lo), lo) && !consistent(x-int(hi), hi) {
				row[x] = invalid
			}
		}
		return nil
	})
}

// unique reports whether no disparity away from the immediate neighbours of best costs within
// ratio percent of the minimum.
func unique(sp []int32, best int, minS int32, ratio int) bool {
	for d, s := range sp {
		if int64(s)*int64(100-ratio) < int64(minS)*100 && utils.AbsInt(d-best) > 1 {
			return false
		}
	}
	return true
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
