package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.orion.dev/depth/calibration"
	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/pipeline"
)

// CalibrateAction runs the calibration capture over a frame directory.
func CalibrateAction(c *cli.Context) (err error) {
	logger := newLogger(c)
	cfg := calibration.DefaultConfig()
	cfg.Board.Cols = c.Int(flagBoardCols)
	cfg.Board.Rows = c.Int(flagBoardRows)
	cfg.Board.SquareSize = c.Float64(flagSquareSize)

	// everything opened is closed here until the session takes over
	var closers []func() error
	defer func() {
		for _, f := range closers {
			err = multierr.Combine(err, f())
		}
	}()

	left, right, err := openSources(c.String(flagFrames), false)
	if err != nil {
		return err
	}
	closers = append(closers, closePair(left, right))
	display, err := pipeline.NewFileDisplay(c.String(flagDisplayDir), c.Uint(flagPreviewWidth), logger.Sublogger("display"))
	if err != nil {
		return err
	}
	closers = append(closers, display.Close)
	controller, err := newController(c, pipeline.CaptureKeys, pipeline.ActionCapture, logger)
	if err != nil {
		return err
	}
	closers = append(closers, controller.Close)

	session, err := pipeline.NewCaptureSession(pipeline.CaptureConfig{
		Left:         left,
		Right:        right,
		Display:      display,
		Controller:   controller,
		Calibration:  cfg,
		CaptureDir:   c.String(flagCaptureDir),
		ArtifactPath: c.String(flagArtifact),
		ReportPath:   c.String(flagReport),
	}, logger)
	if err != nil {
		return err
	}
	closers = nil
	defer func() {
		err = multierr.Combine(err, session.Close(c.Context))
	}()

	sc, err := session.Run(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Stereo RMS error: %.4f px over %d pairs\n", sc.RMS, session.Captured())
	fmt.Fprintf(c.App.Writer, "Saved to %s\n", c.String(flagArtifact))
	return nil
}

// closePair closes both sides of a frame pair.
func closePair(left, right pipeline.FrameSource) func() error {
	return func() error {
		return multierr.Combine(left.Close(context.Background()), right.Close(context.Background()))
	}
}

func openSources(dir string, loop bool) (*pipeline.DirectorySource, *pipeline.DirectorySource, error) {
	left, err := pipeline.NewDirectorySource(dir, "left", loop)
	if err != nil {
		return nil, nil, err
	}
	right, err := pipeline.NewDirectorySource(dir, "right", loop)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

// newController reads the keyboard, or keeps returning then in batch mode.
func newController(c *cli.Context, keys pipeline.KeyMap, then pipeline.Action, logger logging.Logger) (pipeline.Controller, error) {
	if c.Bool(flagBatch) {
		sc := pipeline.NewScriptedController()
		sc.Then = then
		return sc, nil
	}
	return pipeline.NewKeyboardController(os.Stdin, keys, logger.Sublogger("keyboard"))
}
