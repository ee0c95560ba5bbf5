package rimage

import (
	"image"
	"image/color"
	"math"
	"path/filepath"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestConvolveSobel(t *testing.T) {
	// horizontal ramp
	m := mat.NewDense(5, 6, nil)
	for y := 0; y < 5; y++ {
		for x := 0; x < 6; x++ {
			m.Set(y, x, float64(10*x))
		}
	}
	sobelX := GetSobelX()
	gx, err := ConvolveGrayFloat64(m, &sobelX)
	test.That(t, err, test.ShouldBeNil)
	// interior: (+1 +2 +1) * 20
	test.That(t, gx.At(2, 2), test.ShouldAlmostEqual, 80)
	// replicated border halves the difference
	test.That(t, gx.At(2, 0), test.ShouldAlmostEqual, 40)

	sobelY := GetSobelY()
	gy, err := ConvolveGrayFloat64(m, &sobelY)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.Max(gy), test.ShouldAlmostEqual, 0)

	_, err = ConvolveGrayFloat64(m, &Kernel{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGaussianKernel(t *testing.T) {
	k := GaussianKernel(1.0)
	test.That(t, k.Width, test.ShouldEqual, 7)
	sum := 0.
	for _, row := range k.Content {
		for _, v := range row {
			sum += v
		}
	}
	test.That(t, sum, test.ShouldAlmostEqual, 1)
	test.That(t, k.At(3, 3), test.ShouldBeGreaterThan, k.At(2, 3))
	test.That(t, makeRangeArray(4), test.ShouldResemble, []int{-2, -1, 0, 1})
}

func TestMakeGray(t *testing.T) {
	img := image.NewNRGBA(image.Rect(2, 3, 6, 5))
	img.SetNRGBA(2, 3, color.NRGBA{255, 255, 255, 255})
	img.SetNRGBA(5, 4, color.NRGBA{255, 0, 0, 255})
	g := MakeGray(img)
	test.That(t, g.Bounds(), test.ShouldResemble, image.Rect(0, 0, 4, 2))
	test.That(t, g.GrayAt(0, 0).Y, test.ShouldEqual, uint8(255))
	test.That(t, g.GrayAt(3, 1).Y, test.ShouldEqual, color.GrayModel.Convert(color.NRGBA{255, 0, 0, 255}).(color.Gray).Y)

	same := image.NewGray(image.Rect(0, 0, 3, 3))
	test.That(t, MakeGray(same), test.ShouldEqual, same)
}

func TestRemapIdentityAndShift(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 3))
	for i := range src.Pix {
		src.Pix[i] = uint8(i * 10)
	}
	rt := NewRemapTable(4, 3)
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			rt.Set(x, y, float64(x), float64(y))
		}
	}
	out, err := rt.Remap(src)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.(*image.Gray).Pix, test.ShouldResemble, src.Pix)

	// half pixel shift averages neighbours, outside samples are black
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			rt.Set(x, y, float64(x)+0.5, float64(y))
		}
	}
	out, err = rt.Remap(src)
	test.That(t, err, test.ShouldBeNil)
	g := out.(*image.Gray)
	test.That(t, g.GrayAt(0, 0).Y, test.ShouldEqual, uint8(5))
	test.That(t, g.GrayAt(3, 0).Y, test.ShouldEqual, uint8(15))

	colored := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	outColor, err := rt.Remap(colored)
	test.That(t, err, test.ShouldBeNil)
	_, isNRGBA := outColor.(*image.NRGBA)
	test.That(t, isNRGBA, test.ShouldBeTrue)

	_, err = rt.Remap(nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestResizeFloat32(t *testing.T) {
	constant := make([]float32, 6*4)
	for i := range constant {
		constant[i] = 7
	}
	out, err := ResizeFloat32(constant, 6, 4, 13, 9)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldHaveLength, 13*9)
	for _, v := range out {
		test.That(t, v, test.ShouldAlmostEqual, 7, 1e-6)
	}

	ramp := []float32{0, 10, 20, 30}
	up, err := ResizeFloat32(ramp, 4, 1, 8, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, up[0], test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, up[1], test.ShouldAlmostEqual, 2.5, 1e-6)
	test.That(t, up[7], test.ShouldAlmostEqual, 30, 1e-6)

	_, err = ResizeFloat32(ramp, 3, 1, 8, 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDisparityMapImmutable(t *testing.T) {
	data := []float32{1, 2, -1, 4}
	dm, err := NewDisparityMap(2, 2, data, -1)
	test.That(t, err, test.ShouldBeNil)
	data[0] = 100
	test.That(t, dm.At(0, 0), test.ShouldEqual, float32(1))
	out := dm.Data()
	out[1] = 100
	test.That(t, dm.At(1, 0), test.ShouldEqual, float32(2))

	test.That(t, dm.IsValid(0, 1), test.ShouldBeFalse)
	test.That(t, dm.ValidCount(), test.ShouldEqual, 3)
	minVal, maxVal, ok := dm.MinMax()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, minVal, test.ShouldEqual, float32(1))
	test.That(t, maxVal, test.ShouldEqual, float32(4))

	_, err = NewDisparityMap(2, 2, data[:3], -1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNormalizeDisparity(t *testing.T) {
	dm, err := NewDisparityMap(3, 1, []float32{2, 4, -1}, -1)
	test.That(t, err, test.ShouldBeNil)
	g := NormalizeDisparity(dm)
	test.That(t, g.Pix[:3], test.ShouldResemble, []uint8{0, 255, 0})

	constant := make([]float32, 16)
	for i := range constant {
		constant[i] = 12.5
	}
	flat, err := NewDisparityMap(4, 4, constant, float32(math.NaN()))
	test.That(t, err, test.ShouldBeNil)
	for _, v := range NormalizeDisparity(flat).Pix {
		test.That(t, v, test.ShouldEqual, uint8(DegenerateDisparityLevel))
	}

	empty, err := NewDisparityMap(2, 1, []float32{-1, -1}, -1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, NormalizeDisparity(empty).Pix, test.ShouldResemble, []uint8{0, 0})
}

func TestColormaps(t *testing.T) {
	test.That(t, ColormapJet.At(0), test.ShouldResemble, color.NRGBA{0, 0, 128, 255})
	test.That(t, ColormapJet.At(255), test.ShouldResemble, color.NRGBA{128, 0, 0, 255})
	test.That(t, ColormapMagma.At(0), test.ShouldResemble, color.NRGBA{0, 0, 4, 255})
	test.That(t, ColormapMagma.At(255), test.ShouldResemble, color.NRGBA{252, 253, 191, 255})
	test.That(t, ColormapGray.At(77), test.ShouldResemble, color.NRGBA{77, 77, 77, 255})

	cm, err := ColormapByName("MAGMA")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cm.Name(), test.ShouldEqual, "magma")
	_, err = ColormapByName("viridis")
	test.That(t, err, test.ShouldNotBeNil)

	dm, err := NewDisparityMap(2, 1, []float32{-1, 3}, -1)
	test.That(t, err, test.ShouldBeNil)
	out := ColorizeDisparity(dm, ColormapJet)
	test.That(t, out.NRGBAAt(0, 0), test.ShouldResemble, color.NRGBA{0, 0, 0, 255})
	test.That(t, out.NRGBAAt(1, 0), test.ShouldResemble, ColormapJet.At(DegenerateDisparityLevel))
}

func TestSideBySideAndFiles(t *testing.T) {
	a := image.NewGray(image.Rect(0, 0, 3, 2))
	b := image.NewNRGBA(image.Rect(0, 0, 2, 4))
	b.SetNRGBA(0, 3, color.NRGBA{10, 20, 30, 255})
	out := SideBySide(a, b)
	test.That(t, out.Bounds(), test.ShouldResemble, image.Rect(0, 0, 5, 4))
	test.That(t, out.NRGBAAt(3, 3), test.ShouldResemble, color.NRGBA{10, 20, 30, 255})

	path := filepath.Join(t.TempDir(), "nested", "pair.png")
	test.That(t, WriteImageToFile(path, out), test.ShouldBeNil)
	back, err := ReadImageFromFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Bounds(), test.ShouldResemble, out.Bounds())

	_, err = ReadImageFromFile(filepath.Join(t.TempDir(), "missing.png"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDrawLabel(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 60, 30))
	for i := range src.Pix {
		src.Pix[i] = 100
	}
	out := DrawLabel(src, "pairs 1")
	test.That(t, out.Bounds(), test.ShouldResemble, src.Bounds())
	test.That(t, out.NRGBAAt(0, 0), test.ShouldResemble, color.NRGBA{0, 0, 0, 255})
	test.That(t, out.NRGBAAt(30, 25), test.ShouldResemble, color.NRGBA{100, 100, 100, 255})
	white := 0
	for y := 0; y < LabelHeight; y++ {
		for x := 0; x < 60; x++ {
			if out.NRGBAAt(x, y).R == 255 {
				white++
			}
		}
	}
	test.That(t, white, test.ShouldBeGreaterThan, 0)
	// the source is untouched
	test.That(t, src.GrayAt(0, 0).Y, test.ShouldEqual, uint8(100))
}
