package pointcloud

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.orion.dev/depth/rimage"
)

// depthOver reprojects like a rig with f*B = 10.
type depthOver struct{}

func (depthOver) Reproject(x, y, d float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: 10 / d}
}

func TestBasicPointCloud(t *testing.T) {
	pc := New()
	test.That(t, pc.Size(), test.ShouldEqual, 0)
	test.That(t, pc.MetaData().HasColor, test.ShouldBeFalse)

	test.That(t, pc.Set(r3.Vector{X: 1, Y: 2, Z: 3}, NewBasicData()), test.ShouldBeNil)
	test.That(t, pc.Set(r3.Vector{X: -1, Y: 0, Z: 5}, NewColoredData(color.NRGBA{1, 2, 3, 255})), test.ShouldBeNil)
	// replacing keeps the size
	test.That(t, pc.Set(r3.Vector{X: 1, Y: 2, Z: 3}, NewColoredData(color.NRGBA{9, 9, 9, 255})), test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 2)
	test.That(t, pc.Set(r3.Vector{X: math.NaN()}, nil), test.ShouldNotBeNil)

	d, ok := pc.At(1, 2, 3)
	test.That(t, ok, test.ShouldBeTrue)
	r, _, _ := d.RGB255()
	test.That(t, r, test.ShouldEqual, uint8(9))
	_, ok = pc.At(0, 0, 0)
	test.That(t, ok, test.ShouldBeFalse)

	meta := pc.MetaData()
	test.That(t, meta.HasColor, test.ShouldBeTrue)
	test.That(t, meta.MinX, test.ShouldEqual, -1.)
	test.That(t, meta.MaxX, test.ShouldEqual, 1.)
	test.That(t, meta.MinZ, test.ShouldEqual, 3.)
	test.That(t, meta.MaxZ, test.ShouldEqual, 5.)

	var order []r3.Vector
	pc.Iterate(func(p r3.Vector, d Data) bool {
		order = append(order, p)
		return false
	})
	test.That(t, order, test.ShouldResemble, []r3.Vector{{X: 1, Y: 2, Z: 3}})
}

func TestFromDisparity(t *testing.T) {
	dm, err := rimage.NewDisparityMap(3, 2, []float32{2, -1, 0, 5, 4, float32(math.NaN())}, -1)
	test.That(t, err, test.ShouldBeNil)

	pc, err := FromDisparity(dm, depthOver{}, nil, 0)
	test.That(t, err, test.ShouldBeNil)
	// invalid, zero and NaN disparities are skipped
	test.That(t, pc.Size(), test.ShouldEqual, 3)
	_, ok := pc.At(0, 0, 5)
	test.That(t, ok, test.ShouldBeTrue)
	_, ok = pc.At(0, 1, 2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pc.MetaData().HasColor, test.ShouldBeFalse)

	pc, err = FromDisparity(dm, depthOver{}, nil, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 2)

	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.SetNRGBA(1, 1, color.NRGBA{200, 100, 50, 255})
	pc, err = FromDisparity(dm, depthOver{}, img, 0)
	test.That(t, err, test.ShouldBeNil)
	d, ok := pc.At(1, 1, 2.5)
	test.That(t, ok, test.ShouldBeTrue)
	r, g, b := d.RGB255()
	test.That(t, []uint8{r, g, b}, test.ShouldResemble, []uint8{200, 100, 50})

	_, err = FromDisparity(dm, depthOver{}, image.NewGray(image.Rect(0, 0, 4, 2)), 0)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestToPCD(t *testing.T) {
	pc := New()
	test.That(t, pc.Set(r3.Vector{X: 0.5, Y: -1, Z: 2}, NewBasicData()), test.ShouldBeNil)

	var buf bytes.Buffer
	test.That(t, ToPCD(pc, &buf, PCDAscii), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldEqual, "VERSION .7\n"+
		"FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\n"+
		"WIDTH 1\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS 1\nDATA ascii\n"+
		"0.500000 -1.000000 2.000000\n")

	test.That(t, pc.Set(r3.Vector{X: 1, Y: 1, Z: 1}, NewColoredData(color.NRGBA{1, 2, 3, 255})), test.ShouldBeNil)
	buf.Reset()
	test.That(t, ToPCD(pc, &buf, PCDBinary), test.ShouldBeNil)
	header, body, found := strings.Cut(buf.String(), "DATA binary\n")
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, header, test.ShouldContainSubstring, "FIELDS x y z rgb\n")
	test.That(t, header, test.ShouldContainSubstring, "POINTS 2\n")
	test.That(t, len(body), test.ShouldEqual, 32)
	raw := []byte(body)
	test.That(t, math.Float32frombits(binary.LittleEndian.Uint32(raw[0:])), test.ShouldEqual, float32(0.5))
	// uncolored points are written red
	test.That(t, binary.LittleEndian.Uint32(raw[12:]), test.ShouldEqual, uint32(255<<16))
	test.That(t, binary.LittleEndian.Uint32(raw[28:]), test.ShouldEqual, uint32(1<<16|2<<8|3))

	test.That(t, ToPCD(pc, &buf, PCDType(7)), test.ShouldNotBeNil)
}

func TestWriteToFile(t *testing.T) {
	pc := New()
	test.That(t, pc.Set(r3.Vector{X: 1, Y: 2, Z: 3}, NewBasicData()), test.ShouldBeNil)
	path := filepath.Join(t.TempDir(), "out", "cloud.pcd")
	test.That(t, WriteToFile(pc, path), test.ShouldBeNil)
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldStartWith, "VERSION .7\n")
	test.That(t, string(data), test.ShouldContainSubstring, "DATA binary\n")
}
