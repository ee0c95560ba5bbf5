// Package pointcloud holds the 3D points recovered from a disparity map and writes them out as
// PCD files.
package pointcloud

import (
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.orion.dev/depth/rimage"
)

// Data is what is known about a point besides its position.
type Data interface {
	HasColor() bool
	// RGB255 returns the color of the point, if colored.
	RGB255() (uint8, uint8, uint8)
}

type basicData struct {
	hasColor bool
	c        color.NRGBA
}

// NewBasicData returns a point that is solely positionally based.
func NewBasicData() Data {
	return &basicData{}
}

// NewColoredData returns a point that has both position and color.
func NewColoredData(c color.NRGBA) Data {
	return &basicData{c: c, hasColor: true}
}

func (bp *basicData) HasColor() bool {
	return bp.hasColor
}

func (bp *basicData) RGB255() (uint8, uint8, uint8) {
	return bp.c.R, bp.c.G, bp.c.B
}

// MetaData is what is known about the points of a cloud as a whole.
type MetaData struct {
	HasColor bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// NewMetaData returns the metadata of an empty cloud.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge widens the metadata to include p.
func (meta *MetaData) Merge(p r3.Vector, d Data) {
	if d != nil && d.HasColor() {
		meta.HasColor = true
	}
	meta.MinX, meta.MaxX = math.Min(meta.MinX, p.X), math.Max(meta.MaxX, p.X)
	meta.MinY, meta.MaxY = math.Min(meta.MinY, p.Y), math.Max(meta.MaxY, p.Y)
	meta.MinZ, meta.MaxZ = math.Min(meta.MinZ, p.Z), math.Max(meta.MaxZ, p.Z)
}

// PointCloud is a set of points, each at a distinct position, iterated in insertion order.
type PointCloud interface {
	Size() int
	MetaData() MetaData
	// Set places the point in the cloud, replacing the data of one already at p.
	Set(p r3.Vector, d Data) error
	// At returns the data of the point at the position, if there is one.
	At(x, y, z float64) (Data, bool)
	// Iterate calls fn for every point until it returns false.
	Iterate(fn func(p r3.Vector, d Data) bool)
}

type pointAndData struct {
	p r3.Vector
	d Data
}

type basicPointCloud struct {
	points   []pointAndData
	indexMap map[r3.Vector]int
	meta     MetaData
}

// New returns an empty PointCloud.
func New() PointCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty PointCloud with room for size points.
func NewWithPrealloc(size int) PointCloud {
	return &basicPointCloud{
		points:   make([]pointAndData, 0, size),
		indexMap: make(map[r3.Vector]int, size),
		meta:     NewMetaData(),
	}
}

func (cloud *basicPointCloud) Size() int {
	return len(cloud.points)
}

func (cloud *basicPointCloud) MetaData() MetaData {
	return cloud.meta
}

func (cloud *basicPointCloud) At(x, y, z float64) (Data, bool) {
	i, ok := cloud.indexMap[r3.Vector{X: x, Y: y, Z: z}]
	if !ok {
		return nil, false
	}
	return cloud.points[i].d, true
}

func (cloud *basicPointCloud) Set(p r3.Vector, d Data) error {
	if !finite(p) {
		return errors.Errorf("cannot store point %v", p)
	}
	if i, ok := cloud.indexMap[p]; ok {
		cloud.points[i].d = d
		if d != nil && d.HasColor() {
			cloud.meta.HasColor = true
		}
		return nil
	}
	cloud.indexMap[p] = len(cloud.points)
	cloud.points = append(cloud.points, pointAndData{p: p, d: d})
	cloud.meta.Merge(p, d)
	return nil
}

func (cloud *basicPointCloud) Iterate(fn func(p r3.Vector, d Data) bool) {
	for _, pd := range cloud.points {
		if !fn(pd.p, pd.d) {
			return
		}
	}
}

func finite(p r3.Vector) bool {
	for _, v := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// A Reprojector lifts a rectified left pixel and its disparity into 3D.
type Reprojector interface {
	Reproject(x, y, d float64) r3.Vector
}

// FromDisparity reprojects every valid, positive disparity of dm. Points are colored from img
// when it is given, and those farther than maxDepth are dropped when maxDepth is positive.
func FromDisparity(dm *rimage.DisparityMap, proj Reprojector, img image.Image, maxDepth float64) (PointCloud, error) {
	if img != nil && img.Bounds().Size() != dm.Bounds().Size() {
		return nil, errors.Errorf("color image is %v but the disparity map is %v",
			img.Bounds().Size(), dm.Bounds().Size())
	}
	cloud := NewWithPrealloc(dm.ValidCount())
	for y := 0; y < dm.Height(); y++ {
		for x := 0; x < dm.Width(); x++ {
			d := dm.At(x, y)
			if !dm.IsValid(x, y) || d <= 0 {
				continue
			}
			p := proj.Reproject(float64(x), float64(y), float64(d))
			if !finite(p) || (maxDepth > 0 && math.Abs(p.Z) > maxDepth) {
				continue
			}
			data := NewBasicData()
			if img != nil {
				origin := img.Bounds().Min
				data = NewColoredData(color.NRGBAModel.Convert(img.At(origin.X+x, origin.Y+y)).(color.NRGBA))
			}
			if err := cloud.Set(p, data); err != nil {
				return nil, err
			}
		}
	}
	return cloud, nil
}
