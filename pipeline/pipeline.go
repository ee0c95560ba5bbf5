// Package pipeline drives stereo pairs from frame sources through rectification, disparity and
// visualization, and runs the interactive calibration capture.
package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/pkg/errors"
)

var (
	// ErrDeviceOpenFailure is returned when a frame source or display cannot be opened.
	ErrDeviceOpenFailure = errors.New("device open failure")
	// ErrAborted is returned when a calibration capture is quit before calibrating.
	ErrAborted = errors.New("capture aborted")
)

// Action is a request from the operator, polled once per frame.
type Action int

const (
	// ActionNone continues with the next frame.
	ActionNone Action = iota
	// ActionCapture tries to add the current pair as a calibration sample.
	ActionCapture
	// ActionFinish ends capture and calibrates.
	ActionFinish
	// ActionQuit ends the session.
	ActionQuit
	// ActionSaveSettings saves the matcher settings, or the rectified pair outside tuning.
	ActionSaveSettings
	// ActionLoadSettings reloads the matcher settings.
	ActionLoadSettings
	// ActionToggleMode switches between the classical and neural matcher.
	ActionToggleMode
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionCapture:
		return "capture"
	case ActionFinish:
		return "finish"
	case ActionQuit:
		return "quit"
	case ActionSaveSettings:
		return "save"
	case ActionLoadSettings:
		return "load"
	case ActionToggleMode:
		return "toggle-mode"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// A Controller is polled for the next operator action after every frame. It must not block
// waiting for input.
type Controller interface {
	Next(ctx context.Context) (Action, error)
	Close() error
}

// A FrameSource produces the frames of one camera. Next returns io.EOF once the source is
// exhausted; any other error means the frame was dropped.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
	Close(ctx context.Context) error
}

// A Display shows named images, replacing whatever was shown under the same name.
type Display interface {
	Show(ctx context.Context, name string, img image.Image) error
	Close() error
}
