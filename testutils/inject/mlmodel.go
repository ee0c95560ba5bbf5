// Package inject provides structs that help inject behavior into the interfaces of the depth
// pipeline for tests.
package inject

import (
	"context"

	"go.orion.dev/depth/ml"
	"go.orion.dev/depth/services/mlmodel"
)

// MLModelService is an injected mlmodel service.
type MLModelService struct {
	mlmodel.Service
	InferFunc    func(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error)
	MetadataFunc func(ctx context.Context) (mlmodel.MLMetadata, error)
	CloseFunc    func(ctx context.Context) error
}

// NewMLModelService returns an injected mlmodel service without a real implementation.
func NewMLModelService() *MLModelService {
	return &MLModelService{}
}

// Infer calls the injected Infer or the real version.
func (s *MLModelService) Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
	if s.InferFunc == nil {
		return s.Service.Infer(ctx, tensors)
	}
	return s.InferFunc(ctx, tensors)
}

// Metadata calls the injected Metadata or the real version.
func (s *MLModelService) Metadata(ctx context.Context) (mlmodel.MLMetadata, error) {
	if s.MetadataFunc == nil {
		return s.Service.Metadata(ctx)
	}
	return s.MetadataFunc(ctx)
}

// Close calls the injected Close or the real version.
func (s *MLModelService) Close(ctx context.Context) error {
	if s.CloseFunc == nil {
		if s.Service == nil {
			return nil
		}
		return s.Service.Close(ctx)
	}
	return s.CloseFunc(ctx)
}
