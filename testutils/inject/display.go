package inject

import (
	"context"
	"image"

	"go.orion.dev/depth/pipeline"
)

// Display is an injected display.
type Display struct {
	pipeline.Display
	ShowFunc  func(ctx context.Context, name string, img image.Image) error
	CloseFunc func() error
}

// NewDisplay returns a new injected display.
func NewDisplay() *Display {
	return &Display{}
}

// Show calls the injected Show or the real version.
func (d *Display) Show(ctx context.Context, name string, img image.Image) error {
	if d.ShowFunc == nil {
		return d.Display.Show(ctx, name, img)
	}
	return d.ShowFunc(ctx, name, img)
}

// Close calls the injected Close or the real version.
func (d *Display) Close() error {
	if d.CloseFunc == nil {
		if d.Display == nil {
			return nil
		}
		return d.Display.Close()
	}
	return d.CloseFunc()
}
