package pipeline

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"golang.org/x/term"

	"go.orion.dev/depth/logging"
)

// KeyMap binds key bytes to actions.
type KeyMap map[byte]Action

const (
	keyCtrlC  = 3
	keyEscape = 27
)

var (
	// CaptureKeys are the calibration capture bindings.
	CaptureKeys = KeyMap{
		'c':       ActionCapture,
		'f':       ActionFinish,
		'q':       ActionFinish,
		keyEscape: ActionQuit,
		keyCtrlC:  ActionQuit,
	}
	// DepthKeys are the depth session bindings.
	DepthKeys = KeyMap{
		'q':       ActionQuit,
		keyEscape: ActionQuit,
		keyCtrlC:  ActionQuit,
		's':       ActionSaveSettings,
		'l':       ActionLoadSettings,
		'm':       ActionToggleMode,
	}
)

// KeyboardController turns key presses into actions. A terminal is switched to raw mode so keys
// arrive without enter; any other reader is consumed byte by byte.
type KeyboardController struct {
	keys    KeyMap
	logger  logging.Logger
	actions chan Action

	mu       sync.Mutex
	fd       int
	oldState *term.State
	closed   bool
}

// NewKeyboardController starts reading keys from in.
func NewKeyboardController(in io.Reader, keys KeyMap, logger logging.Logger) (*KeyboardController, error) {
	kc := &KeyboardController{
		keys:    keys,
		logger:  logger,
		actions: make(chan Action, 16),
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		kc.fd = int(f.Fd())
		oldState, err := term.MakeRaw(kc.fd)
		if err != nil {
			return nil, errors.Wrapf(ErrDeviceOpenFailure, "cannot put terminal in raw mode: %v", err)
		}
		kc.oldState = oldState
	}
	goutils.PanicCapturingGo(func() {
		kc.read(in)
	})
	return kc, nil
}

func (kc *KeyboardController) read(in io.Reader) {
	buf := make([]byte, 32)
	for {
		n, err := in.Read(buf)
		for _, b := range buf[:n] {
			action, ok := kc.keys[b]
			if !ok {
				continue
			}
			select {
			case kc.actions <- action:
			default:
				kc.logger.Debugw("dropping key press, too many pending", "action", action.String())
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				kc.logger.Debugw("stopped reading keys", "error", err)
			}
			return
		}
	}
}

// Next returns the oldest pending key action, or ActionNone.
func (kc *KeyboardController) Next(ctx context.Context) (Action, error) {
	select {
	case <-ctx.Done():
		return ActionNone, ctx.Err()
	case a := <-kc.actions:
		return a, nil
	default:
		return ActionNone, nil
	}
}

// Close restores the terminal.
func (kc *KeyboardController) Close() error {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if kc.closed || kc.oldState == nil {
		kc.closed = true
		return nil
	}
	kc.closed = true
	return term.Restore(kc.fd, kc.oldState)
}

// ScriptedController replays a fixed list of actions, then keeps returning Then.
type ScriptedController struct {
	mu      sync.Mutex
	actions []Action
	Then    Action
}

// NewScriptedController returns a controller that quits once actions run out.
func NewScriptedController(actions ...Action) *ScriptedController {
	return &ScriptedController{actions: append([]Action(nil), actions...), Then: ActionQuit}
}

// Next pops the next scripted action.
func (sc *ScriptedController) Next(ctx context.Context) (Action, error) {
	if err := ctx.Err(); err != nil {
		return ActionNone, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if len(sc.actions) == 0 {
		return sc.Then, nil
	}
	a := sc.actions[0]
	sc.actions = sc.actions[1:]
	return a, nil
}

// Remaining is the number of scripted actions not yet returned.
func (sc *ScriptedController) Remaining() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.actions)
}

// Close does nothing.
func (sc *ScriptedController) Close() error {
	return nil
}
