package inject

import (
	"context"
	"image"

	"go.orion.dev/depth/pipeline"
)

// FrameSource is an injected frame source.
type FrameSource struct {
	pipeline.FrameSource
	NextFunc  func(ctx context.Context) (image.Image, error)
	CloseFunc func(ctx context.Context) error
}

// NewFrameSource returns a new injected frame source.
func NewFrameSource() *FrameSource {
	return &FrameSource{}
}

// Next calls the injected Next or the real version.
func (s *FrameSource) Next(ctx context.Context) (image.Image, error) {
	if s.NextFunc == nil {
		return s.FrameSource.Next(ctx)
	}
	return s.NextFunc(ctx)
}

// Close calls the injected Close or the real version.
func (s *FrameSource) Close(ctx context.Context) error {
	if s.CloseFunc == nil {
		if s.FrameSource == nil {
			return nil
		}
		return s.FrameSource.Close(ctx)
	}
	return s.CloseFunc(ctx)
}
