package pipeline

import (
	"context"
	"image"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"go.orion.dev/depth/disparity"
	"go.orion.dev/depth/disparity/sgbm"
	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/pointcloud"
	"go.orion.dev/depth/rectify"
	"go.orion.dev/depth/rimage"
	"go.orion.dev/depth/services/mlmodel"
)

// Window names.
const (
	WindowRectified   = "Left Rectified"
	WindowDisparity   = "Depth (Disparity)"
	WindowTune        = "DepthMap"
	WindowNeural      = "Original | Neural Disparity"
	WindowCalibration = "Stereo Calibration"
)

// SessionConfig wires a depth session. The session owns and closes everything in it.
type SessionConfig struct {
	Left, Right FrameSource
	// Rectifier is nil when the sources already deliver rectified frames.
	Rectifier *rectify.Map
	Classical *sgbm.Matcher
	Neural    disparity.Matcher
	// Model backs Neural and is closed with the session.
	Model      mlmodel.Service
	Strategy   disparity.Strategy
	Display    Display
	Controller Controller
	Colormap   *rimage.Colormap

	// Tune shows the disparity next to the raw left frame and binds save and load to the
	// classical settings at SettingsPath.
	Tune          bool
	SettingsPath  string
	WatchSettings bool
	// SaveDir receives the rectified pair on save outside of tuning, along with the point cloud
	// of the last frame when there is a Rectifier.
	SaveDir string
	// MaxFrames stops the session after that many frames, 0 for no limit.
	MaxFrames int
}

// Validate checks the session can run.
func (cfg *SessionConfig) Validate() error {
	switch {
	case cfg.Left == nil || cfg.Right == nil:
		return errors.New("both frame sources are required")
	case cfg.Display == nil:
		return errors.New("a display is required")
	case cfg.Controller == nil:
		return errors.New("a controller is required")
	case cfg.Classical == nil && cfg.Neural == nil:
		return errors.New("no matcher configured")
	case cfg.MaxFrames < 0:
		return errors.Errorf("invalid frame limit %d", cfg.MaxFrames)
	}
	switch cfg.Strategy {
	case disparity.Classical:
		if cfg.Classical == nil {
			return errors.New("classical strategy selected without a classical matcher")
		}
	case disparity.Neural:
		if cfg.Neural == nil {
			return errors.New("neural strategy selected without a model")
		}
	default:
		return errors.Errorf("unknown strategy %q", cfg.Strategy)
	}
	if (cfg.Tune || cfg.WatchSettings) && (cfg.Classical == nil || cfg.SettingsPath == "") {
		return errors.New("tuning needs the classical matcher and a settings path")
	}
	return nil
}

// Session is the per frame depth loop.
type Session struct {
	cfg    SessionConfig
	logger logging.Logger

	strategy disparity.Strategy
	frames   int
	lastL    image.Image
	lastR    image.Image
	lastDM   *rimage.DisparityMap

	closeOnce sync.Once
	closeErr  error
}

// NewSession validates cfg. On error nothing in cfg is closed.
func NewSession(cfg SessionConfig, logger logging.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Colormap == nil {
		cfg.Colormap = rimage.ColormapJet
		if cfg.Strategy == disparity.Neural {
			cfg.Colormap = rimage.ColormapMagma
		}
	}
	return &Session{cfg: cfg, logger: logger, strategy: cfg.Strategy}, nil
}

// Strategy is the matcher family currently in use.
func (s *Session) Strategy() disparity.Strategy {
	return s.strategy
}

// Frames is the number of frames computed so far.
func (s *Session) Frames() int {
	return s.frames
}

// Run processes frames until the operator quits, a source ends or ctx is canceled. A frame one
// camera fails to deliver ends the session.
func (s *Session) Run(ctx context.Context) error {
	var updates <-chan sgbm.Params
	if s.cfg.WatchSettings {
		ch, err := sgbm.Watch(ctx, s.cfg.SettingsPath, s.logger)
		if err != nil {
			return err
		}
		updates = ch
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.cfg.MaxFrames > 0 && s.frames >= s.cfg.MaxFrames {
			s.logger.Infow("frame limit reached", "frames", s.frames)
			return nil
		}
		select {
		case p, ok := <-updates:
			if !ok {
				updates = nil
				break
			}
			if err := s.cfg.Classical.SetParams(p); err != nil {
				s.logger.Warnw("ignoring reloaded settings", "error", err)
			} else {
				s.logger.Infow("settings reloaded", "path", s.cfg.SettingsPath)
			}
		default:
		}

		left, err := s.cfg.Left.Next(ctx)
		if err != nil {
			return s.endOfStream(ctx, "left", err)
		}
		right, err := s.cfg.Right.Next(ctx)
		if err != nil {
			return s.endOfStream(ctx, "right", err)
		}
		if err := s.step(ctx, left, right); err != nil {
			return err
		}

		action, err := s.cfg.Controller.Next(ctx)
		if err != nil {
			return err
		}
		if action == ActionQuit {
			s.logger.Infow("quitting", "frames", s.frames)
			return nil
		}
		s.handle(ctx, action)
	}
}

func (s *Session) endOfStream(ctx context.Context, side string, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, io.EOF):
		s.logger.Infow("frame source exhausted", "side", side, "frames", s.frames)
	default:
		s.logger.Warnw("dropped frame, ending session", "side", side, "error", err)
	}
	return nil
}

func (s *Session) matcher() disparity.Matcher {
	if s.strategy == disparity.Neural {
		return s.cfg.Neural
	}
	return s.cfg.Classical
}

// step rectifies, matches and displays one pair.
func (s *Session) step(ctx context.Context, left, right image.Image) error {
	ctx, span := trace.StartSpan(ctx, "pipeline::Session::step")
	defer span.End()

	start := time.Now()
	rectL, rectR := left, right
	if s.cfg.Rectifier != nil {
		var err error
		rectL, rectR, err = s.cfg.Rectifier.Rectify(left, right)
		if err != nil {
			return err
		}
	}
	s.lastL, s.lastR = rectL, rectR

	m := s.matcher()
	dm, err := m.Compute(ctx, rectL, rectR)
	if err != nil {
		return errors.Wrapf(err, "frame %d", s.frames)
	}
	s.lastDM = dm
	s.frames++
	s.logger.Debugw("computed disparity", "frame", s.frames, "matcher", m.Name(),
		"valid", dm.ValidCount(), "took", time.Since(start))

	colorized := rimage.ColorizeDisparity(dm, s.cfg.Colormap)
	switch {
	case s.strategy == disparity.Neural:
		return s.cfg.Display.Show(ctx, WindowNeural, rimage.SideBySide(rectL, colorized))
	case s.cfg.Tune:
		return s.cfg.Display.Show(ctx, WindowTune, rimage.SideBySide(colorized, left))
	default:
		return multierr.Combine(
			s.cfg.Display.Show(ctx, WindowRectified, rectL),
			s.cfg.Display.Show(ctx, WindowDisparity, colorized),
		)
	}
}

// handle applies an action between frames. Failures are logged and the session goes on.
func (s *Session) handle(ctx context.Context, action Action) {
	switch action {
	case ActionSaveSettings:
		if s.cfg.Tune {
			if err := sgbm.SaveParams(s.cfg.SettingsPath, s.cfg.Classical.Params()); err != nil {
				s.logger.Errorw("cannot save settings", "error", err)
				return
			}
			s.logger.Infow("settings saved", "path", s.cfg.SettingsPath)
			return
		}
		if err := s.saveRectified(); err != nil {
			s.logger.Errorw("cannot save rectified pair", "error", err)
		}
	case ActionLoadSettings:
		if s.cfg.Classical == nil || s.cfg.SettingsPath == "" {
			return
		}
		p, err := sgbm.LoadParams(s.cfg.SettingsPath)
		if err == nil {
			err = s.cfg.Classical.SetParams(p)
		}
		if err != nil {
			s.logger.Warnw("cannot load settings", "error", err)
			return
		}
		s.logger.Infow("settings loaded", "path", s.cfg.SettingsPath)
	case ActionToggleMode:
		if s.cfg.Classical == nil || s.cfg.Neural == nil {
			s.logger.Infow("only one matcher configured, not switching")
			return
		}
		if s.strategy == disparity.Neural {
			s.strategy = disparity.Classical
		} else {
			s.strategy = disparity.Neural
		}
		s.logger.Infow("switched matcher", "strategy", string(s.strategy), "matcher", s.matcher().Name())
	case ActionNone, ActionCapture, ActionFinish, ActionQuit:
	}
}

func (s *Session) saveRectified() error {
	if s.cfg.SaveDir == "" || s.lastL == nil {
		return nil
	}
	leftPath := filepath.Join(s.cfg.SaveDir, "left.jpeg")
	rightPath := filepath.Join(s.cfg.SaveDir, "right.jpeg")
	if err := rimage.WriteImageToFile(leftPath, s.lastL); err != nil {
		return err
	}
	if err := rimage.WriteImageToFile(rightPath, s.lastR); err != nil {
		return err
	}
	s.logger.Infow("saved rectified pair", "left", leftPath, "right", rightPath)
	if s.cfg.Rectifier == nil || s.lastDM == nil {
		return nil
	}
	cloud, err := pointcloud.FromDisparity(s.lastDM, s.cfg.Rectifier, s.lastL, 0)
	if err != nil {
		return err
	}
	cloudPath := filepath.Join(s.cfg.SaveDir, "cloud.pcd")
	if err := pointcloud.WriteToFile(cloud, cloudPath); err != nil {
		return err
	}
	s.logger.Infow("saved point cloud", "path", cloudPath, "points", cloud.Size())
	return nil
}

// Close releases the sources, display, controller and model. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = closeAll(ctx, s.cfg.Left, s.cfg.Right, s.cfg.Display, s.cfg.Controller)
		if s.cfg.Model != nil {
			s.closeErr = multierr.Combine(s.closeErr, s.cfg.Model.Close(ctx))
		}
	})
	return s.closeErr
}

func closeAll(ctx context.Context, left, right FrameSource, display Display, controller Controller) error {
	var err error
	for _, src := range []FrameSource{left, right} {
		if src != nil {
			err = multierr.Combine(err, src.Close(ctx))
		}
	}
	if display != nil {
		err = multierr.Combine(err, display.Close())
	}
	if controller != nil {
		err = multierr.Combine(err, controller.Close())
	}
	return err
}
