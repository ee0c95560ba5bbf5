// Package mlmodel defines the contract of a service that takes in a map of input tensors, passes
// them through an inference engine, and returns a map of output tensors.
package mlmodel

import (
	"context"

	"github.com/pkg/errors"

	"go.orion.dev/depth/ml"
)

// Service runs one loaded model. Infer is synchronous.
type Service interface {
	Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error)
	Metadata(ctx context.Context) (MLMetadata, error)
	Close(ctx context.Context) error
}

// MLMetadata describes a loaded model.
type MLMetadata struct {
	ModelName        string
	ModelType        string // e.g. stereo_matcher
	ModelDescription string
	Inputs           []TensorInfo
	Outputs          []TensorInfo
}

// TensorInfo describes one input or output of a model.
type TensorInfo struct {
	Name        string // e.g. init_left
	Description string
	DataType    string // e.g. uint8, float32, int
	Shape       []int  // -1 for dynamic dimensions
	Extra       map[string]interface{}
}

// Input returns the input named name.
func (mm MLMetadata) Input(name string) (TensorInfo, bool) {
	return find(mm.Inputs, name)
}

// Output returns the output named name.
func (mm MLMetadata) Output(name string) (TensorInfo, bool) {
	return find(mm.Outputs, name)
}

// InputNames returns the input names in model order.
func (mm MLMetadata) InputNames() []string {
	names := make([]string, 0, len(mm.Inputs))
	for _, in := range mm.Inputs {
		names = append(names, in.Name)
	}
	return names
}

func find(infos []TensorInfo, name string) (TensorInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return TensorInfo{}, false
}

// Validate checks that the tensor names are unique and not empty.
func (mm MLMetadata) Validate() error {
	for kind, infos := range map[string][]TensorInfo{"input": mm.Inputs, "output": mm.Outputs} {
		seen := map[string]struct{}{}
		for i, info := range infos {
			if info.Name == "" {
				return errors.Errorf("%s %d has no name", kind, i)
			}
			if _, ok := seen[info.Name]; ok {
				return errors.Errorf("%s name %q is used twice", kind, info.Name)
			}
			seen[info.Name] = struct{}{}
		}
	}
	return nil
}
