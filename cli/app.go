// Package cli contains all the actions of the orion-depth command.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"

	"go.orion.dev/depth/calibration"
	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/pipeline"
)

const (
	// Flags.
	flagDebug        = "debug"
	flagLogLevel     = "log-level"
	flagFrames       = "frames"
	flagArtifact     = "artifact"
	flagCaptureDir   = "capture-dir"
	flagReport       = "report"
	flagBoardCols    = "board-cols"
	flagBoardRows    = "board-rows"
	flagSquareSize   = "square-size"
	flagDisplayDir   = "display-dir"
	flagPreviewWidth = "preview-width"
	flagBatch        = "batch"
	flagWidth        = "width"
	flagHeight       = "height"
	flagNoRectify    = "no-rectify"
	flagStrategy     = "strategy"
	flagModel        = "model"
	flagModelName    = "model-name"
	flagOnnxLibrary  = "onnxruntime"
	flagCUDA         = "cuda"
	flagSettings     = "settings"
	flagTune         = "tune"
	flagWatch        = "watch"
	flagColormap     = "colormap"
	flagSaveDir      = "save-dir"
	flagMaxFrames    = "max-frames"
	flagOutput       = "output"

	defaultArtifact = "stereo_calibration.npz"
	defaultSettings = "settings.json"
)

var modelFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  flagModel,
		Usage: "ONNX stereo model `FILE`",
	},
	&cli.StringFlag{
		Name:  flagModelName,
		Usage: "known model the file is, resolved from the model inputs when empty",
	},
	&cli.StringFlag{
		Name:    flagOnnxLibrary,
		Usage:   "onnxruntime shared library `FILE`",
		EnvVars: []string{"ONNXRUNTIME_SHARED_LIBRARY_PATH"},
	},
	&cli.BoolFlag{
		Name:  flagCUDA,
		Usage: "run the model on CUDA, falling back to CPU",
	},
}

var displayFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  flagDisplayDir,
		Value: "display",
		Usage: "directory the preview windows are written to",
	},
	&cli.UintFlag{
		Name:  flagPreviewWidth,
		Value: pipeline.DefaultPreviewWidth,
		Usage: "scale previews down to this width, 0 keeps full size",
	},
	&cli.BoolFlag{
		Name:  flagBatch,
		Usage: "run without the keyboard",
	},
}

var app = &cli.App{
	Name:            "orion-depth",
	Usage:           "calibrate a stereo rig and compute depth from it",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.StringFlag{
			Name:  flagLogLevel,
			Value: "info",
			Usage: "debug, info, warn or error",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "calibrate",
			Usage:     "capture chessboard pairs and calibrate the rig",
			UsageText: "press c to capture a pair, f or q to calibrate, esc to abort",
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:     flagFrames,
					Required: true,
					Usage:    "directory of left_N and right_N frames to capture from",
				},
				&cli.StringFlag{
					Name:  flagArtifact,
					Value: defaultArtifact,
					Usage: "calibration archive to write",
				},
				&cli.StringFlag{
					Name:  flagCaptureDir,
					Value: "calibration_images",
					Usage: "directory accepted pairs are saved to, empty to skip",
				},
				&cli.StringFlag{
					Name:  flagReport,
					Usage: "plot the per sample errors to `FILE` (png, svg or pdf)",
				},
				&cli.IntFlag{
					Name:  flagBoardCols,
					Value: calibration.DefaultConfig().Board.Cols,
					Usage: "inner corners along a board row",
				},
				&cli.IntFlag{
					Name:  flagBoardRows,
					Value: calibration.DefaultConfig().Board.Rows,
					Usage: "inner corners along a board column",
				},
				&cli.Float64Flag{
					Name:  flagSquareSize,
					Value: calibration.DefaultConfig().Board.SquareSize,
					Usage: "board square edge in meters",
				},
			}, displayFlags...),
			Action: CalibrateAction,
		},
		{
			Name:  "depth",
			Usage: "compute disparity for every frame pair",
			UsageText: "press q or esc to quit, s to save (settings when tuning, the rectified pair otherwise), " +
				"l to load settings, m to switch matcher",
			Flags: append(append([]cli.Flag{
				&cli.StringFlag{
					Name:     flagFrames,
					Required: true,
					Usage:    "directory of left_N and right_N frames",
				},
				&cli.StringFlag{
					Name:  flagArtifact,
					Value: defaultArtifact,
					Usage: "calibration archive",
				},
				&cli.BoolFlag{
					Name:  flagNoRectify,
					Usage: "frames are already rectified",
				},
				&cli.IntFlag{
					Name:  flagWidth,
					Value: 640,
					Usage: "frame width when the archive has no size",
				},
				&cli.IntFlag{
					Name:  flagHeight,
					Value: 360,
					Usage: "frame height when the archive has no size",
				},
				&cli.StringFlag{
					Name:  flagStrategy,
					Value: "classical",
					Usage: "classical or neural",
				},
				&cli.StringFlag{
					Name:  flagSettings,
					Value: defaultSettings,
					Usage: "classical matcher settings, defaults are used when the file does not exist",
				},
				&cli.BoolFlag{
					Name:  flagTune,
					Usage: "show the tuning view and bind save and load to the settings file",
				},
				&cli.BoolFlag{
					Name:  flagWatch,
					Usage: "reload the settings file whenever it changes",
				},
				&cli.StringFlag{
					Name:  flagColormap,
					Usage: "jet, magma or gray, by default jet for classical and magma for neural",
				},
				&cli.StringFlag{
					Name:  flagSaveDir,
					Value: ".",
					Usage: "directory the rectified pair is saved to",
				},
				&cli.IntFlag{
					Name:  flagMaxFrames,
					Usage: "stop after this many frames",
				},
			}, modelFlags...), displayFlags...),
			Action: DepthAction,
		},
		{
			Name:      "single-shot",
			Usage:     "compute the disparity of one image pair",
			ArgsUsage: "<left image> <right image>",
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:  flagStrategy,
					Value: "neural",
					Usage: "classical or neural",
				},
				&cli.StringFlag{
					Name:  flagSettings,
					Usage: "classical matcher settings",
				},
				&cli.StringFlag{
					Name:  flagColormap,
					Value: "magma",
					Usage: "jet, magma or gray",
				},
				&cli.StringFlag{
					Name:  flagOutput,
					Value: "output_disparity.png",
					Usage: "colorized disparity `FILE`",
				},
			}, modelFlags...),
			Action: SingleShotAction,
		},
		{
			Name:            "settings",
			Usage:           "work with classical matcher settings",
			HideHelpCommand: true,
			Subcommands: []*cli.Command{
				{
					Name:      "init",
					Usage:     "write the default settings",
					ArgsUsage: "[file]",
					Action:    SettingsInitAction,
				},
				{
					Name:      "check",
					Usage:     "validate a settings file and print it",
					ArgsUsage: "[file]",
					Action:    SettingsCheckAction,
				},
			},
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}

// newLogger builds the command logger and makes it the global one.
func newLogger(c *cli.Context) logging.Logger {
	logger := logging.NewLogger("orion-depth")
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	} else if level, err := logging.LevelFromString(c.String(flagLogLevel)); err != nil {
		logger.Warnw("keeping info logging", "error", err)
	} else {
		logger.SetLevel(level)
	}
	logging.ReplaceGlobal(logger)
	return logger
}
