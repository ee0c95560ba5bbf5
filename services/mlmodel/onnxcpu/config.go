// Package onnxcpu runs ONNX model files through onnxruntime, as an implementation of the ML model
// service. CUDA is used when requested and available, the CPU otherwise.
package onnxcpu

import (
	"os"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// ErrModelNotFound is returned when the model file does not exist.
var ErrModelNotFound = errors.New("model file not found")

// Config contains the parameters of an onnxruntime backed model.
type Config struct {
	ModelPath string `json:"model_path"`
	// SharedLibraryPath points at libonnxruntime. Empty uses ONNXRUNTIME_SHARED_LIBRARY_PATH or the
	// platform default.
	SharedLibraryPath string `json:"shared_library_path,omitempty"`
	UseCUDA           bool   `json:"use_cuda"`
	CUDADeviceID      int    `json:"cuda_device_id"`
	NumThreads        int    `json:"num_threads"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.ModelPath == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "model_path")
	}
	if cfg.NumThreads < 0 {
		return goutils.NewConfigValidationError(path, errors.New("num_threads must not be negative"))
	}
	if cfg.CUDADeviceID < 0 {
		return goutils.NewConfigValidationError(path, errors.New("cuda_device_id must not be negative"))
	}
	return nil
}

func checkModelFile(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(ErrModelNotFound, "%s: %v", path, err)
	}
	if st.IsDir() {
		return errors.Wrapf(ErrModelNotFound, "%s is a directory", path)
	}
	return nil
}

func sharedLibraryPath(cfg *Config) string {
	if cfg.SharedLibraryPath != "" {
		return cfg.SharedLibraryPath
	}
	return os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
}
