package calibration

import (
	"image"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/rimage"
	"go.orion.dev/depth/rimage/detection/chessboard"
)

// Sample is one accepted view of the board: refined corners in both images and the matching
// board points. Accessors return copies.
type Sample struct {
	left   []r2.Point
	right  []r2.Point
	object []r3.Vector
}

// NewSample builds a sample from already detected corners.
func NewSample(left, right []r2.Point, object []r3.Vector) (Sample, error) {
	if len(left) != len(object) || len(right) != len(object) {
		return Sample{}, errors.Errorf("corner counts differ: left %d, right %d, board %d", len(left), len(right), len(object))
	}
	if len(object) < 4 {
		return Sample{}, errors.Errorf("a sample needs at least 4 corners, got %d", len(object))
	}
	return Sample{
		left:   append([]r2.Point(nil), left...),
		right:  append([]r2.Point(nil), right...),
		object: append([]r3.Vector(nil), object...),
	}, nil
}

// Left returns the corners seen by the left camera.
func (s Sample) Left() []r2.Point {
	return append([]r2.Point(nil), s.left...)
}

// Right returns the corners seen by the right camera.
func (s Sample) Right() []r2.Point {
	return append([]r2.Point(nil), s.right...)
}

// Object returns the board points in meters.
func (s Sample) Object() []r3.Vector {
	return append([]r3.Vector(nil), s.object...)
}

// Len is the number of corners in the sample.
func (s Sample) Len() int {
	return len(s.object)
}

// Collector accumulates samples from frame pairs.
type Collector struct {
	cfg    Config
	logger logging.Logger
	object []r3.Vector

	mu      sync.Mutex
	size    image.Point
	samples []Sample
}

// NewCollector returns a Collector detecting the board described in cfg.
func NewCollector(cfg Config, logger logging.Logger) *Collector {
	return &Collector{
		cfg:    cfg,
		logger: logger,
		object: cfg.Board.ObjectPoints(),
	}
}

// AddSample detects the board in both images and keeps the pair if both detections succeed.
// It returns an error wrapping ErrNoCornersFound otherwise, and the collector is unchanged.
func (c *Collector) AddSample(left, right image.Image) (Sample, error) {
	if !rimage.SameImgSize(left, right) {
		return Sample{}, errors.Errorf("left %v and right %v frames differ in size", left.Bounds().Size(), right.Bounds().Size())
	}
	size := left.Bounds().Size()
	c.mu.Lock()
	expected, have := c.size, len(c.samples)
	c.mu.Unlock()
	if have > 0 && size != expected {
		return Sample{}, errors.Errorf("frame size %v differs from the first sample %v", size, expected)
	}

	board := c.cfg.Board
	leftCorners, errL := chessboard.FindChessboard(left, board.Cols, board.Rows, c.cfg.Detection)
	rightCorners, errR := chessboard.FindChessboard(right, board.Cols, board.Rows, c.cfg.Detection)
	if errL != nil || errR != nil {
		c.logger.Infow("chessboard not found in both cameras", "left", errL == nil, "right", errR == nil)
		return Sample{}, errors.Wrapf(ErrNoCornersFound, "left found: %t, right found: %t", errL == nil, errR == nil)
	}
	s, err := NewSample(leftCorners, rightCorners, c.object)
	if err != nil {
		return Sample{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) == 0 {
		c.size = size
	}
	c.samples = append(c.samples, s)
	c.logger.Debugw("captured calibration pair", "count", len(c.samples))
	return s, nil
}

// Samples returns the accepted samples in capture order.
func (c *Collector) Samples() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sample(nil), c.samples...)
}

// Len is the number of accepted samples.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// ImageSize is the frame size shared by all samples, zero before the first one.
func (c *Collector) ImageSize() image.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Calibrate runs the stereo calibration over everything collected so far.
func (c *Collector) Calibrate() (*StereoCalibration, error) {
	return Calibrate(c.Samples(), c.ImageSize(), c.cfg, c.logger)
}
