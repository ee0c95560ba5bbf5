package cli

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.orion.dev/depth/calibration"
	"go.orion.dev/depth/disparity"
	"go.orion.dev/depth/disparity/sgbm"
	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/pipeline"
	"go.orion.dev/depth/rectify"
	"go.orion.dev/depth/rimage"
	"go.orion.dev/depth/services/mlmodel"
	"go.orion.dev/depth/services/mlmodel/onnxcpu"
	"go.orion.dev/depth/utils"
)

// DepthAction runs the depth session over a frame directory.
func DepthAction(c *cli.Context) (err error) {
	logger := newLogger(c)
	strategy, ok := disparity.ParseStrategy(c.String(flagStrategy))
	if !ok {
		return errors.Errorf("unknown strategy %q, want classical or neural", c.String(flagStrategy))
	}

	// everything opened is closed here until the session takes over
	var closers []func() error
	defer func() {
		for _, f := range closers {
			err = multierr.Combine(err, f())
		}
	}()

	// interactive sessions replay the frames until quit
	left, right, err := openSources(c.String(flagFrames), !c.Bool(flagBatch))
	if err != nil {
		return err
	}
	closers = append(closers, closePair(left, right))

	var rect *rectify.Map
	if !c.Bool(flagNoRectify) {
		calib, err := calibration.LoadArtifact(c.String(flagArtifact), image.Point{X: c.Int(flagWidth), Y: c.Int(flagHeight)})
		if err != nil {
			return errors.Wrap(err, "run the calibrate command first")
		}
		if rect, err = rectify.ComputeZeroCrop(calib, calib.ImageSize); err != nil {
			return err
		}
		logger.Infow("rectification ready", "size", rect.Size(), "baseline", rect.Baseline(), "focal", rect.FocalLength())
	}

	settings := c.String(flagSettings)
	params, err := paramsOrDefault(settings, logger)
	if err != nil {
		return err
	}
	classical, err := sgbm.New(params, logger.Sublogger("sgbm"))
	if err != nil {
		return err
	}
	nn, model, err := openModel(c, strategy, logger)
	if err != nil {
		return err
	}
	if model != nil {
		closers = append(closers, func() error { return model.Close(context.Background()) })
	}

	var colormap *rimage.Colormap
	if name := c.String(flagColormap); name != "" {
		if colormap, err = rimage.ColormapByName(name); err != nil {
			return err
		}
	}
	display, err := pipeline.NewFileDisplay(c.String(flagDisplayDir), c.Uint(flagPreviewWidth), logger.Sublogger("display"))
	if err != nil {
		return err
	}
	closers = append(closers, display.Close)
	controller, err := newController(c, pipeline.DepthKeys, pipeline.ActionNone, logger)
	if err != nil {
		return err
	}
	closers = append(closers, controller.Close)

	cfg := pipeline.SessionConfig{
		Left:          left,
		Right:         right,
		Rectifier:     rect,
		Classical:     classical,
		Neural:        nn,
		Model:         model,
		Strategy:      strategy,
		Display:       display,
		Controller:    controller,
		Colormap:      colormap,
		Tune:          c.Bool(flagTune),
		SettingsPath:  settings,
		WatchSettings: c.Bool(flagWatch),
		SaveDir:       c.String(flagSaveDir),
		MaxFrames:     c.Int(flagMaxFrames),
	}
	session, err := pipeline.NewSession(cfg, logger)
	if err != nil {
		return err
	}
	closers = []func() error{func() error { return session.Close(context.Background()) }}

	if err := session.Run(c.Context); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Processed %d frames\n", session.Frames())
	return nil
}

// SingleShotAction computes and colorizes the disparity of one image pair.
func SingleShotAction(c *cli.Context) (err error) {
	if c.NArg() != 2 {
		return errors.New("usage: single-shot <left image> <right image>")
	}
	logger := newLogger(c)
	strategy, ok := disparity.ParseStrategy(c.String(flagStrategy))
	if !ok {
		return errors.Errorf("unknown strategy %q, want classical or neural", c.String(flagStrategy))
	}
	colormap, err := rimage.ColormapByName(c.String(flagColormap))
	if err != nil {
		return err
	}
	leftSrc, rightSrc, err := pipeline.OpenImagePair(c.Args().Get(0), c.Args().Get(1), false)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, closePair(leftSrc, rightSrc)())
	}()
	left, err := leftSrc.Next(c.Context)
	if err != nil {
		return err
	}
	right, err := rightSrc.Next(c.Context)
	if err != nil {
		return err
	}

	var matcher disparity.Matcher
	var model mlmodel.Service
	if strategy == disparity.Classical {
		params, err := paramsOrDefault(c.String(flagSettings), logger)
		if err != nil {
			return err
		}
		if matcher, err = sgbm.New(params, logger.Sublogger("sgbm")); err != nil {
			return err
		}
	} else {
		if matcher, model, err = openModel(c, strategy, logger); err != nil {
			return err
		}
		defer func() {
			err = multierr.Combine(err, model.Close(context.Background()))
		}()
	}

	dm, err := matcher.Compute(c.Context, left, right)
	if err != nil {
		return err
	}
	out := c.String(flagOutput)
	if err := rimage.WriteImageToFile(out, rimage.ColorizeDisparity(dm, colormap)); err != nil {
		return err
	}
	if lo, hi, ok := dm.MinMax(); ok {
		logger.Infow("disparity range", "min", lo, "max", hi, "valid", dm.ValidCount())
	}
	fmt.Fprintf(c.App.Writer, "Result saved to %s\n", out)
	return nil
}

// openModel loads the neural matcher when a model is given. The neural strategy requires one.
func openModel(c *cli.Context, strategy disparity.Strategy, logger logging.Logger) (disparity.Matcher, mlmodel.Service, error) {
	if c.String(flagModel) == "" {
		if strategy == disparity.Neural {
			return nil, nil, errors.Errorf("the neural strategy needs --%s", flagModel)
		}
		return nil, nil, nil
	}
	path, err := utils.ExpandHomeDir(c.String(flagModel))
	if err != nil {
		return nil, nil, err
	}
	cfg := &onnxcpu.Config{
		ModelPath:         path,
		SharedLibraryPath: c.String(flagOnnxLibrary),
		UseCUDA:           c.Bool(flagCUDA),
	}
	nn, model, err := pipeline.OpenNeural(c.Context, cfg, c.String(flagModelName), logger)
	if err != nil {
		return nil, nil, err
	}
	return nn, model, nil
}

// paramsOrDefault loads the settings at path, or the defaults when there is no file yet.
func paramsOrDefault(path string, logger logging.Logger) (sgbm.Params, error) {
	if path == "" {
		return sgbm.DefaultParams(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Infow("no settings file, using defaults", "path", path)
		return sgbm.DefaultParams(), nil
	}
	return sgbm.LoadParams(path)
}
