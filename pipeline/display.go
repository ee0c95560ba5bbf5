package pipeline

import (
	"context"
	"image"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/rimage"
	"go.orion.dev/depth/utils"
)

// DefaultPreviewWidth matches the camera preview of the capture rig.
const DefaultPreviewWidth = 640

// FileDisplay writes every shown image to <dir>/<name>.png, overwriting the previous frame.
// Images wider than the preview width are scaled down first.
type FileDisplay struct {
	dir          string
	previewWidth uint
	logger       logging.Logger

	mu     sync.Mutex
	frames map[string]int
}

// NewFileDisplay creates dir if needed. A zero previewWidth keeps full resolution.
func NewFileDisplay(dir string, previewWidth uint, logger logging.Logger) (*FileDisplay, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, errors.Wrap(ErrDeviceOpenFailure, err.Error())
	}
	return &FileDisplay{dir: dir, previewWidth: previewWidth, logger: logger, frames: map[string]int{}}, nil
}

// Path is where images shown under name end up.
func (d *FileDisplay) Path(name string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
	return filepath.Join(d.dir, slug+".png")
}

// Show writes img.
func (d *FileDisplay) Show(ctx context.Context, name string, img image.Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.previewWidth > 0 && uint(img.Bounds().Dx()) > d.previewWidth {
		img = resize.Resize(d.previewWidth, 0, img, resize.Bilinear)
	}
	if err := rimage.WriteImageToFile(d.Path(name), img); err != nil {
		return err
	}
	d.mu.Lock()
	d.frames[name]++
	n := d.frames[name]
	d.mu.Unlock()
	d.logger.Debugw("displayed frame", "window", name, "frame", n)
	return nil
}

// Frames is the number of images shown under name.
func (d *FileDisplay) Frames(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames[name]
}

// Close does nothing; the last frames stay on disk.
func (d *FileDisplay) Close() error {
	return nil
}
