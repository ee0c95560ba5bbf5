// Package disparity defines what the classical and neural stereo matchers have in common.
package disparity

import (
	"context"
	"image"

	"go.orion.dev/depth/rimage"
)

// A Matcher computes the disparity of the left frame of a rectified pair, in left frame pixels.
type Matcher interface {
	Name() string
	Compute(ctx context.Context, left, right image.Image) (*rimage.DisparityMap, error)
}

// Strategy names the two matcher families.
type Strategy string

const (
	// Classical is semi-global block matching.
	Classical = Strategy("classical")
	// Neural runs a dense correspondence network.
	Neural = Strategy("neural")
)

// ParseStrategy returns the named strategy.
func ParseStrategy(name string) (Strategy, bool) {
	switch Strategy(name) {
	case Classical, Neural:
		return Strategy(name), true
	default:
		return "", false
	}
}
