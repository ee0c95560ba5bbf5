//go:build !cgo

package onnxcpu

import (
	"context"

	"github.com/pkg/errors"

	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/ml"
	"go.orion.dev/depth/services/mlmodel"
)

// Model is unavailable without cgo.
type Model struct{}

// NewModel always fails once the config is checked: onnxruntime needs cgo.
func NewModel(ctx context.Context, cfg *Config, logger logging.Logger) (*Model, error) {
	if cfg == nil {
		return nil, errors.New("could not find parameters")
	}
	if err := cfg.Validate("onnx"); err != nil {
		return nil, err
	}
	if err := checkModelFile(cfg.ModelPath); err != nil {
		return nil, err
	}
	return nil, errors.New("onnxruntime support requires a cgo build")
}

// Provider names the execution provider the session runs on.
func (m *Model) Provider() string {
	return ""
}

// Infer is never reachable.
func (m *Model) Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
	return nil, errors.New("onnxruntime support requires a cgo build")
}

// Metadata is never reachable.
func (m *Model) Metadata(ctx context.Context) (mlmodel.MLMetadata, error) {
	return mlmodel.MLMetadata{}, errors.New("onnxruntime support requires a cgo build")
}

// Close does nothing.
func (m *Model) Close(ctx context.Context) error {
	return nil
}
