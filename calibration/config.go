// Package calibration collects chessboard views from a stereo pair and computes the intrinsics of
// both cameras and the rigid transform between them.
package calibration

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.orion.dev/depth/rimage/detection/chessboard"
)

var (
	// ErrNoCornersFound is returned when the chessboard is not visible in both images of a pair.
	// The pair is skipped and capture continues.
	ErrNoCornersFound = errors.New("chessboard corners not found in both images")
	// ErrInsufficientSamples is returned when calibration is attempted with too few samples.
	ErrInsufficientSamples = errors.New("not enough calibration samples")
	// ErrArtifactInvalid is returned when a calibration artifact is missing or unreadable.
	ErrArtifactInvalid = errors.New("calibration artifact missing or invalid")
)

// MinSamples is the lowest number of accepted views a stereo calibration runs with.
const MinSamples = 10

// BoardConfig describes the calibration target.
type BoardConfig struct {
	Cols       int     `json:"cols"`        // inner corners along a row
	Rows       int     `json:"rows"`        // inner corners along a column
	SquareSize float64 `json:"square-size"` // edge of one square, in meters
}

// Criteria bounds an iterative refinement. It stops after MaxIterations, or once a step
// accepted on the first try either lowers the cost by less than Epsilon relative to it or moves
// every parameter by less than Epsilon relative to that parameter.
type Criteria struct {
	MaxIterations int     `json:"max-iterations"`
	Epsilon       float64 `json:"epsilon"`
}

// Config holds everything a calibration session needs.
type Config struct {
	Board          BoardConfig                       `json:"board"`
	Detection      chessboard.DetectionConfiguration `json:"detection"`
	MinSamples     int                               `json:"min-samples"`
	MonoCriteria   Criteria                          `json:"mono-criteria"`
	StereoCriteria Criteria                          `json:"stereo-criteria"`
}

// DefaultConfig is a 9x6 board of 25 mm squares.
func DefaultConfig() Config {
	return Config{
		Board: BoardConfig{
			Cols:       9,
			Rows:       6,
			SquareSize: 0.025,
		},
		Detection:      chessboard.DefaultDetectionConf,
		MinSamples:     MinSamples,
		MonoCriteria:   Criteria{MaxIterations: 30, Epsilon: 1e-6},
		StereoCriteria: Criteria{MaxIterations: 100, Epsilon: 1e-5},
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Board.Cols < 2 || cfg.Board.Rows < 2 {
		return goutils.NewConfigValidationError(path, errors.New("board needs at least 2x2 inner corners"))
	}
	if cfg.Board.Cols == cfg.Board.Rows {
		// a square board has no distinguishable orientation
		return goutils.NewConfigValidationError(path, errors.New("board cols and rows must differ"))
	}
	if cfg.Board.SquareSize <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "board.square-size")
	}
	if cfg.MinSamples < MinSamples {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("min-samples must be at least %d, got %d", MinSamples, cfg.MinSamples))
	}
	for name, c := range map[string]Criteria{"mono-criteria": cfg.MonoCriteria, "stereo-criteria": cfg.StereoCriteria} {
		if c.MaxIterations < 1 {
			return goutils.NewConfigValidationFieldRequiredError(path, name+".max-iterations")
		}
		if c.Epsilon < 0 {
			return goutils.NewConfigValidationError(path, errors.Errorf("%s.epsilon must not be negative", name))
		}
	}
	return cfg.Detection.Validate(path + ".detection")
}

// ObjectPoints returns the board corners in its own plane, row major, z = 0.
func (b BoardConfig) ObjectPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, b.Cols*b.Rows)
	for r := 0; r < b.Rows; r++ {
		for c := 0; c < b.Cols; c++ {
			pts = append(pts, r3.Vector{X: float64(c) * b.SquareSize, Y: float64(r) * b.SquareSize})
		}
	}
	return pts
}
