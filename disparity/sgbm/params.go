// Package sgbm implements semi-global block matching over rectified grayscale pairs.
package sgbm

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidParameter is returned when a parameter set cannot be used for matching.
var ErrInvalidParameter = errors.New("invalid sgbm parameter")

// Mode selects the path aggregation variant.
type Mode int

const (
	// ModeSGBM aggregates along 5 directions in a single pass.
	ModeSGBM Mode = iota
	// ModeHH is the full two pass variant aggregating along 8 directions.
	ModeHH
	// ModeSGBM3Way aggregates along the two horizontal directions and from above.
	ModeSGBM3Way
)

func (m Mode) String() string {
	switch m {
	case ModeSGBM:
		return "sgbm"
	case ModeHH:
		return "hh"
	case ModeSGBM3Way:
		return "sgbm-3way"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Params configures the matcher. Field names follow the persisted tuning document.
type Params struct {
	MinDisparity      int  `json:"minDisparity"`
	NumDisparities    int  `json:"numDisparities"`
	BlockSize         int  `json:"blockSize"`
	PreFilterCap      int  `json:"preFilterCap"`
	UniquenessRatio   int  `json:"uniquenessRatio"`
	SpeckleRange      int  `json:"speckleRange"`
	SpeckleWindowSize int  `json:"speckleWindowSize"`
	Disp12MaxDiff     int  `json:"disp12MaxDiff"`
	Mode              Mode `json:"mode"`
	P1                int  `json:"p1"`
	P2                int  `json:"p2"`
}

// PenaltiesForBlockSize returns the usual smoothness penalties 8*cn*b^2 and 32*cn*b^2.
func PenaltiesForBlockSize(blockSize, channels int) (int, int) {
	area := channels * blockSize * blockSize
	return 8 * area, 32 * area
}

// DefaultParams matches the matcher the depth session has always started with: 96 disparities
// from 0, 5x5 blocks.
func DefaultParams() Params {
	p1, p2 := PenaltiesForBlockSize(5, 3)
	return Params{
		MinDisparity:      0,
		NumDisparities:    96,
		BlockSize:         5,
		PreFilterCap:      15,
		UniquenessRatio:   10,
		SpeckleRange:      32,
		SpeckleWindowSize: 100,
		Disp12MaxDiff:     1,
		Mode:              ModeSGBM,
		P1:                p1,
		P2:                p2,
	}
}

func invalid(field string, format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidParameter, "%s %s", field, fmt.Sprintf(format, args...))
}

// Validate checks every field. It never adjusts a value.
func (p Params) Validate() error {
	switch {
	case p.NumDisparities <= 0 || p.NumDisparities%16 != 0:
		return invalid("numDisparities", "must be a positive multiple of 16, got %d", p.NumDisparities)
	case p.BlockSize < 1 || p.BlockSize%2 == 0:
		return invalid("blockSize", "must be odd and at least 1, got %d", p.BlockSize)
	case p.PreFilterCap < 1 || p.PreFilterCap > 63:
		return invalid("preFilterCap", "must be in [1, 63], got %d", p.PreFilterCap)
	case p.UniquenessRatio < 0 || p.UniquenessRatio > 100:
		return invalid("uniquenessRatio", "must be in [0, 100], got %d", p.UniquenessRatio)
	case p.SpeckleRange < 0:
		return invalid("speckleRange", "must not be negative, got %d", p.SpeckleRange)
	case p.SpeckleWindowSize < 0:
		return invalid("speckleWindowSize", "must not be negative, got %d", p.SpeckleWindowSize)
	case p.P1 < 0 || p.P2 < 0:
		return invalid("p1/p2", "must not be negative, got %d and %d", p.P1, p.P2)
	case (p.P1 > 0 || p.P2 > 0) && p.P1 >= p.P2:
		return invalid("p2", "must be greater than p1, got p1=%d p2=%d", p.P1, p.P2)
	case p.Mode < ModeSGBM || p.Mode > ModeSGBM3Way:
		return invalid("mode", "must be 0 (sgbm), 1 (hh) or 2 (sgbm-3way), got %d", int(p.Mode))
	}
	return nil
}

// penalties returns the effective P1 and P2, filling in small defaults when unset.
func (p Params) penalties() (int, int) {
	p1 := p.P1
	if p1 <= 0 {
		p1 = 2
	}
	p2 := p.P2
	if p2 <= 0 {
		p2 = 5
	}
	return p1, max(p2, p1+1)
}

// prefilterClip is the clip level of the x derivative: at least 15 and odd.
func (p Params) prefilterClip() int {
	return max(p.PreFilterCap, 15) | 1
}
