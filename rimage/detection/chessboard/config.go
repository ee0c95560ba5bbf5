// Package chessboard finds the inner corners of a planar chessboard calibration target and
// refines them to sub-pixel accuracy.
package chessboard

import (
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// ErrChessboardNotFound is returned when no complete corner grid of the requested size is found.
var ErrChessboardNotFound = errors.New("chessboard not found")

// SaddleConfiguration stores the parameters to process the Hessian determinant image into a
// relevant saddle points map.
type SaddleConfiguration struct {
	BlurSigma         float64 `json:"blur-sigma"`         // gaussian pre-blur applied before differentiation
	MinResponse       float64 `json:"min-response"`       // absolute saddle score below which nothing is a corner
	RelativeThreshold float64 `json:"relative-threshold"` // fraction of the typical inner corner score a candidate needs
	NMSWindowSize     int     `json:"win-size"`           // half size of the non-maximum suppression window
	BorderMargin      int     `json:"border-margin"`      // pixels along the image border ignored entirely
}

// GridConfiguration stores the parameters of the corner grid growth.
type GridConfiguration struct {
	SearchRadius float64 `json:"search-radius"` // fraction of the local corner spacing searched around a prediction
	MaxSeeds     int     `json:"max-seeds"`     // number of strongest candidates tried as grid origin
}

// SubPixConfiguration stores the termination criteria of the iterative corner refinement.
type SubPixConfiguration struct {
	WindowHalfSize int     `json:"win-half-size"`
	MaxIterations  int     `json:"max-iterations"`
	Epsilon        float64 `json:"epsilon"`
}

// DetectionConfiguration stores the parameters necessary for chessboard detection in an image.
type DetectionConfiguration struct {
	Saddle SaddleConfiguration `json:"saddle"`
	Grid   GridConfiguration   `json:"grid"`
	SubPix SubPixConfiguration `json:"subpix"`
}

// DefaultSaddleConf stores the default parameters for saddle detection.
var DefaultSaddleConf = SaddleConfiguration{
	BlurSigma:         1.0,
	MinResponse:       100.,
	RelativeThreshold: 0.5,
	NMSWindowSize:     4,
	BorderMargin:      3,
}

// DefaultSubPixConf matches an 11 pixel half window refined for 30 iterations or until the
// corner moves less than 0.001 px.
var DefaultSubPixConf = SubPixConfiguration{
	WindowHalfSize: 11,
	MaxIterations:  30,
	Epsilon:        0.001,
}

// DefaultDetectionConf is the configuration used when nothing else is given.
var DefaultDetectionConf = DetectionConfiguration{
	Saddle: DefaultSaddleConf,
	Grid: GridConfiguration{
		SearchRadius: 0.35,
		MaxSeeds:     20,
	},
	SubPix: DefaultSubPixConf,
}

// Validate ensures all parts of the config are valid.
func (cfg *DetectionConfiguration) Validate(path string) error {
	if cfg.Saddle.BlurSigma < 0 {
		return goutils.NewConfigValidationError(path, errors.New("saddle blur-sigma must not be negative"))
	}
	if cfg.Saddle.RelativeThreshold <= 0 || cfg.Saddle.RelativeThreshold > 1 {
		return goutils.NewConfigValidationError(path, errors.New("saddle relative-threshold must be in (0, 1]"))
	}
	if cfg.Saddle.NMSWindowSize < 1 {
		return goutils.NewConfigValidationError(path, errors.New("saddle win-size must be at least 1"))
	}
	if cfg.Grid.SearchRadius <= 0 || cfg.Grid.SearchRadius >= 0.5 {
		return goutils.NewConfigValidationError(path, errors.New("grid search-radius must be in (0, 0.5)"))
	}
	if cfg.Grid.MaxSeeds < 1 {
		return goutils.NewConfigValidationFieldRequiredError(path, "grid.max-seeds")
	}
	return cfg.SubPix.Validate(path)
}

// Validate ensures the refinement criteria can terminate.
func (cfg *SubPixConfiguration) Validate(path string) error {
	if cfg.WindowHalfSize < 1 {
		return goutils.NewConfigValidationError(path, errors.New("subpix win-half-size must be at least 1"))
	}
	if cfg.MaxIterations < 1 && cfg.Epsilon <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("subpix needs max-iterations or epsilon"))
	}
	return nil
}
