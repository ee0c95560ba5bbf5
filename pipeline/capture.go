package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"go.orion.dev/depth/calibration"
	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/rimage"
)

// DefaultMaxDroppedFrames is how many frames in a row the capture tolerates losing.
const DefaultMaxDroppedFrames = 100

// CaptureConfig wires a calibration capture. The capture session owns the sources.
type CaptureConfig struct {
	Left, Right FrameSource
	Display     Display
	Controller  Controller
	Calibration calibration.Config
	// CaptureDir receives every accepted raw pair as left_N.png and right_N.png. Empty skips it.
	CaptureDir   string
	ArtifactPath string
	// ReportPath, when set, receives a plot of the per sample errors.
	ReportPath       string
	MaxDroppedFrames int
}

// Validate checks the capture can run.
func (cfg *CaptureConfig) Validate() error {
	switch {
	case cfg.Left == nil || cfg.Right == nil:
		return errors.New("both frame sources are required")
	case cfg.Display == nil:
		return errors.New("a display is required")
	case cfg.Controller == nil:
		return errors.New("a controller is required")
	case cfg.ArtifactPath == "":
		return errors.New("an artifact path is required")
	case cfg.MaxDroppedFrames < 0:
		return errors.Errorf("invalid dropped frame limit %d", cfg.MaxDroppedFrames)
	}
	return cfg.Calibration.Validate("calibration")
}

// CaptureSession collects calibration samples from live frames, calibrates and persists the
// artifact.
type CaptureSession struct {
	cfg       CaptureConfig
	logger    logging.Logger
	collector *calibration.Collector

	closeOnce sync.Once
	closeErr  error
}

// NewCaptureSession validates cfg.
func NewCaptureSession(cfg CaptureConfig, logger logging.Logger) (*CaptureSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxDroppedFrames == 0 {
		cfg.MaxDroppedFrames = DefaultMaxDroppedFrames
	}
	return &CaptureSession{
		cfg:       cfg,
		logger:    logger,
		collector: calibration.NewCollector(cfg.Calibration, logger),
	}, nil
}

// Captured is the number of accepted samples.
func (c *CaptureSession) Captured() int {
	return c.collector.Len()
}

// Run shows frames until the operator finishes or the sources run out, then calibrates over the
// accepted samples and saves the artifact. Dropped frames are skipped. Quitting returns
// ErrAborted without calibrating.
func (c *CaptureSession) Run(ctx context.Context) (*calibration.StereoCalibration, error) {
	dropped := 0
capture:
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		left, errL := c.cfg.Left.Next(ctx)
		right, errR := c.cfg.Right.Next(ctx)
		if errL != nil || errR != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if errors.Is(errL, io.EOF) || errors.Is(errR, io.EOF) {
				c.logger.Infow("frame source exhausted", "captured", c.Captured())
				break
			}
			dropped++
			c.logger.Debugw("dropped frame", "left", errL, "right", errR)
			if dropped > c.cfg.MaxDroppedFrames {
				return nil, errors.Wrapf(ErrDeviceOpenFailure, "cameras dropped %d frames in a row", dropped)
			}
			continue
		}
		dropped = 0

		vis := rimage.DrawLabel(rimage.SideBySide(left, right), fmt.Sprintf("pairs %d", c.Captured()))
		if err := c.cfg.Display.Show(ctx, WindowCalibration, vis); err != nil {
			return nil, err
		}
		action, err := c.cfg.Controller.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch action {
		case ActionCapture:
			if err := c.capture(ctx, left, right, vis); err != nil {
				return nil, err
			}
		case ActionFinish:
			break capture
		case ActionQuit:
			return nil, errors.Wrapf(ErrAborted, "after %d samples", c.Captured())
		case ActionNone, ActionSaveSettings, ActionLoadSettings, ActionToggleMode:
		}
	}

	c.logger.Infow("calibrating", "samples", c.Captured())
	sc, err := c.collector.Calibrate()
	if err != nil {
		return nil, err
	}
	if err := calibration.SaveArtifact(c.cfg.ArtifactPath, sc); err != nil {
		return nil, err
	}
	c.logger.Infow("stereo calibration saved", "rms", sc.RMS, "baseline", sc.Baseline(), "path", c.cfg.ArtifactPath)
	if c.cfg.ReportPath != "" {
		if err := calibration.WriteReport(c.cfg.ReportPath, sc); err != nil {
			return nil, err
		}
	}
	return sc, nil
}

// capture keeps the pair when the board is found in both frames. A missed board only logs.
func (c *CaptureSession) capture(ctx context.Context, left, right, vis image.Image) error {
	n := c.Captured()
	if _, err := c.collector.AddSample(left, right); err != nil {
		if errors.Is(err, calibration.ErrNoCornersFound) {
			c.logger.Infow("chessboard not found in both cameras, try adjusting angle or lighting")
			return nil
		}
		return err
	}
	if c.cfg.CaptureDir != "" {
		if err := rimage.WriteImageToFile(filepath.Join(c.cfg.CaptureDir, FrameName("left", n)), left); err != nil {
			return err
		}
		if err := rimage.WriteImageToFile(filepath.Join(c.cfg.CaptureDir, FrameName("right", n)), right); err != nil {
			return err
		}
	}
	c.logger.Infow("captured pair", "count", n+1)
	// flash the preview so the operator sees the capture
	return c.cfg.Display.Show(ctx, WindowCalibration, imaging.Invert(vis))
}

// Close releases the sources, display and controller.
func (c *CaptureSession) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = closeAll(ctx, c.cfg.Left, c.cfg.Right, c.cfg.Display, c.cfg.Controller)
	})
	return c.closeErr
}
