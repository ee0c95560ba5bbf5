package sgbm

import (
	"context"
	"image"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.orion.dev/depth/logging"
)

// shiftedPair returns a random texture and the same texture moved shift pixels to the left, so
// left(x) == right(x - shift).
func shiftedPair(w, h, shift int) (*image.Gray, *image.Gray) {
	rng := rand.New(rand.NewSource(7))
	wide := w + shift
	tex := make([]uint8, wide*h)
	// 2x2 texels keep the pattern above the sampling rate
	for y := 0; y < h; y += 2 {
		for x := 0; x < wide; x += 2 {
			v := uint8(rng.Intn(256))
			for dy := 0; dy < 2 && y+dy < h; dy++ {
				for dx := 0; dx < 2 && x+dx < wide; dx++ {
					tex[(y+dy)*wide+x+dx] = v
				}
			}
		}
	}
	left := image.NewGray(image.Rect(0, 0, w, h))
	right := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		copy(left.Pix[y*w:(y+1)*w], tex[y*wide:y*wide+w])
		copy(right.Pix[y*w:(y+1)*w], tex[y*wide+shift:y*wide+shift+w])
	}
	return left, right
}

func modalDisparity(values []float32, invalid float32) (int, int) {
	counts := map[int]int{}
	valid := 0
	for _, v := range values {
		if v == invalid {
			continue
		}
		valid++
		counts[int(math.Round(float64(v)))]++
	}
	best, bestCount := 0, -1
	for d, c := range counts {
		if c > bestCount {
			best, bestCount = d, c
		}
	}
	return best, valid
}

func TestShiftedTexture(t *testing.T) {
	logger := logging.NewTestLogger(t)
	left, right := shiftedPair(160, 80, 12)

	for _, mode := range []Mode{ModeSGBM, ModeHH, ModeSGBM3Way} {
		t.Run(mode.String(), func(t *testing.T) {
			p := DefaultParams()
			p.NumDisparities = 32
			p.Mode = mode
			m, err := New(p, logger)
			test.That(t, err, test.ShouldBeNil)

			dm, err := m.Compute(context.Background(), left, right)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, dm.Width(), test.ShouldEqual, 160)
			test.That(t, dm.Height(), test.ShouldEqual, 80)
			test.That(t, dm.InvalidValue(), test.ShouldEqual, float32(-1))

			modal, valid := modalDisparity(dm.Data(), dm.InvalidValue())
			test.That(t, modal, test.ShouldBeBetweenOrEqual, 11, 13)
			// everything right of the unmatchable border is textured
			test.That(t, valid, test.ShouldBeGreaterThan, (160-32)*80/2)

			// columns left of minDisparity+numDisparities have no match
			for y := 0; y < 80; y++ {
				test.That(t, dm.IsValid(0, y), test.ShouldBeFalse)
				test.That(t, dm.At(20, y), test.ShouldEqual, float32(-1))
			}
		})
	}
}

func TestLargeBlockSizes(t *testing.T) {
	left, right := shiftedPair(160, 80, 12)
	// block sums of a 21x21 window exceed 16 bits on random texture
	for _, size := range []int{13, 15, 21} {
		p := DefaultParams()
		p.NumDisparities = 32
		p.BlockSize = size
		p.P1, p.P2 = PenaltiesForBlockSize(size, 3)
		test.That(t, p.Validate(), test.ShouldBeNil)
		dm, err := Compute(context.Background(), left, right, p)
		test.That(t, err, test.ShouldBeNil)
		modal, valid := modalDisparity(dm.Data(), dm.InvalidValue())
		test.That(t, modal, test.ShouldBeBetweenOrEqual, 11, 13)
		test.That(t, valid, test.ShouldBeGreaterThan, (160-32)*80/2)
	}
}

func TestNegativeMinDisparity(t *testing.T) {
	left, right := shiftedPair(160, 60, 12)
	p := DefaultParams()
	p.MinDisparity = -16
	p.NumDisparities = 48
	dm, err := Compute(context.Background(), left, right, p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dm.InvalidValue(), test.ShouldEqual, float32(-17))
	mode, _ := modalDisparity(dm.Data(), dm.InvalidValue())
	test.That(t, mode, test.ShouldBeBetweenOrEqual, 11, 13)
	// the right border cannot be matched with negative disparities
	test.That(t, dm.IsValid(159, 30), test.ShouldBeFalse)
}

func TestComputeReusesBuffers(t *testing.T) {
	left, right := shiftedPair(96, 40, 8)
	p := DefaultParams()
	p.NumDisparities = 16
	m, err := New(p, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	a, err := m.Compute(context.Background(), left, right)
	test.That(t, err, test.ShouldBeNil)
	b, err := m.Compute(context.Background(), left, right)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.Data(), test.ShouldResemble, a.Data())
}

func TestComputeErrors(t *testing.T) {
	m, err := New(DefaultParams(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	_, err = m.Compute(context.Background(), image.NewGray(image.Rect(0, 0, 10, 10)), image.NewGray(image.Rect(0, 0, 12, 10)))
	test.That(t, err, test.ShouldNotBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	left, right := shiftedPair(200, 20, 4)
	_, err = m.Compute(ctx, left, right)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	// narrower than the disparity range: every pixel is invalid
	dm, err := m.Compute(context.Background(), image.NewGray(image.Rect(0, 0, 50, 5)), image.NewGray(image.Rect(0, 0, 50, 5)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dm.ValidCount(), test.ShouldEqual, 0)
}

func TestValidate(t *testing.T) {
	test.That(t, DefaultParams().Validate(), test.ShouldBeNil)

	for name, mutate := range map[string]func(p *Params){
		"numDisparities not a multiple of 16": func(p *Params) { p.NumDisparities = 40 },
		"zero numDisparities":                 func(p *Params) { p.NumDisparities = 0 },
		"even blockSize":                      func(p *Params) { p.BlockSize = 4 },
		"preFilterCap too large":              func(p *Params) { p.PreFilterCap = 64 },
		"uniquenessRatio":                     func(p *Params) { p.UniquenessRatio = 101 },
		"negative speckleRange":               func(p *Params) { p.SpeckleRange = -1 },
		"p1 above p2":                         func(p *Params) { p.P1, p.P2 = 100, 50 },
		"unknown mode":                        func(p *Params) { p.Mode = 3 },
	} {
		t.Run(name, func(t *testing.T) {
			p := DefaultParams()
			mutate(&p)
			err := p.Validate()
			test.That(t, errors.Is(err, ErrInvalidParameter), test.ShouldBeTrue)
			_, err = New(p, logging.NewTestLogger(t))
			test.That(t, errors.Is(err, ErrInvalidParameter), test.ShouldBeTrue)
		})
	}

	// unset penalties fall back to small defaults
	p := DefaultParams()
	p.P1, p.P2 = 0, 0
	test.That(t, p.Validate(), test.ShouldBeNil)
	p1, p2 := p.penalties()
	test.That(t, p1, test.ShouldEqual, 2)
	test.That(t, p2, test.ShouldEqual, 5)
	p.PreFilterCap = 40
	test.That(t, p.prefilterClip(), test.ShouldEqual, 41)
}

func TestPenaltiesForBlockSize(t *testing.T) {
	p1, p2 := PenaltiesForBlockSize(5, 3)
	test.That(t, p1, test.ShouldEqual, 600)
	test.That(t, p2, test.ShouldEqual, 2400)
}

func TestFilterSpeckles(t *testing.T) {
	const w, h = 8, 4
	disp := make([]int32, w*h)
	for i := range disp {
		disp[i] = 160
	}
	// a 2 pixel island far from its surroundings
	disp[1*w+2] = 480
	disp[1*w+3] = 490
	disp[3*w+7] = -16
	filterSpeckles(disp, w, h, -16, 3, 32)
	test.That(t, disp[1*w+2], test.ShouldEqual, int32(-16))
	test.That(t, disp[1*w+3], test.ShouldEqual, int32(-16))
	test.That(t, disp[0], test.ShouldEqual, int32(160))
}

func TestTuningRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	p := DefaultParams()
	p.MinDisparity = -8
	p.Mode = ModeHH
	test.That(t, SaveParams(path, p), test.ShouldBeNil)

	loaded, err := LoadParams(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, p)

	bad := p
	bad.NumDisparities = 30
	test.That(t, errors.Is(SaveParams(path, bad), ErrInvalidParameter), test.ShouldBeTrue)
}

func TestLoadParamsRejects(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		test.That(t, os.WriteFile(path, []byte(body), 0o600), test.ShouldBeNil)
		return path
	}

	_, err := LoadParams(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	missing := write("missing_field.json", `{"minDisparity": 0, "numDisparities": 96, "blockSize": 5,
		"preFilterCap": 15, "uniquenessRatio": 10, "speckleRange": 32, "speckleWindowSize": 100,
		"disp12MaxDiff": 1, "mode": 0, "p1": 600}`)
	_, err = LoadParams(missing)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "p2")

	unknown := write("unknown.json", `{"minDisparity": 0, "numDisparities": 96, "blockSize": 5,
		"preFilterCap": 15, "uniquenessRatio": 10, "speckleRange": 32, "speckleWindowSize": 100,
		"disp12MaxDiff": 1, "mode": 0, "p1": 600, "p2": 2400, "textureThreshold": 3}`)
	_, err = LoadParams(unknown)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "textureThreshold")

	invalid := write("invalid.json", `{"minDisparity": 0, "numDisparities": 90, "blockSize": 5,
		"preFilterCap": 15, "uniquenessRatio": 10, "speckleRange": 32, "speckleWindowSize": 100,
		"disp12MaxDiff": 1, "mode": 0, "p1": 600, "p2": 2400}`)
	_, err = LoadParams(invalid)
	test.That(t, errors.Is(err, ErrInvalidParameter), test.ShouldBeTrue)

	fraction := write("fraction.json", `{"minDisparity": 0, "numDisparities": 96, "blockSize": 5.5,
		"preFilterCap": 15, "uniquenessRatio": 10, "speckleRange": 32, "speckleWindowSize": 100,
		"disp12MaxDiff": 1, "mode": 0, "p1": 600, "p2": 2400}`)
	_, err = LoadParams(fraction)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = LoadParams(write("array.json", `[1, 2]`))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWatch(t *testing.T) {
	logger := logging.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "settings.json")
	test.That(t, SaveParams(path, DefaultParams()), test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := Watch(ctx, path, logger)
	test.That(t, err, test.ShouldBeNil)

	// a broken document is skipped, the next good one is delivered
	test.That(t, os.WriteFile(path, []byte(`{"minDisparity": 0}`), 0o600), test.ShouldBeNil)
	p := DefaultParams()
	p.UniquenessRatio = 15
	test.That(t, SaveParams(path, p), test.ShouldBeNil)
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case got := <-updates:
			done = got.UniquenessRatio == 15
		case <-timeout:
			t.Fatal("no update after rewriting the tuning file")
		}
	}

	cancel()
	for range updates {
	}
}
