//go:build cgo

package onnxcpu

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/ml"
	"go.orion.dev/depth/services/mlmodel"
)

// the onnxruntime environment is process wide
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrap(err, "cannot initialize onnxruntime")
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs > 0 {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Model is an onnxruntime session implementing the ML model service.
type Model struct {
	mu       sync.Mutex
	conf     Config
	session  *ort.DynamicAdvancedSession
	metadata mlmodel.MLMetadata
	provider string
	logger   logging.Logger
}

// NewModel loads the model described by cfg.
func NewModel(ctx context.Context, cfg *Config, logger logging.Logger) (*Model, error) {
	_, span := trace.StartSpan(ctx, "service::mlmodel::onnxcpu::NewModel")
	defer span.End()

	if cfg == nil {
		return nil, errors.New("could not find parameters")
	}
	if err := cfg.Validate("onnx"); err != nil {
		return nil, err
	}
	if err := checkModelFile(cfg.ModelPath); err != nil {
		return nil, err
	}
	if err := acquireEnvironment(sharedLibraryPath(cfg)); err != nil {
		return nil, err
	}

	m, err := newModel(cfg, logger)
	if err != nil {
		return nil, multierr.Combine(err, releaseEnvironment())
	}
	return m, nil
}

func newModel(cfg *Config, logger logging.Logger) (*Model, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read model at %s", cfg.ModelPath)
	}
	m := &Model{conf: *cfg, logger: logger, metadata: toMetadata(cfg.ModelPath, inputs, outputs)}

	inNames, outNames := m.metadata.InputNames(), make([]string, 0, len(outputs))
	for _, out := range outputs {
		outNames = append(outNames, out.Name)
	}

	m.provider = "cpu"
	if cfg.UseCUDA {
		session, err := m.newSession(inNames, outNames, true)
		if err == nil {
			m.session, m.provider = session, "cuda"
		} else {
			logger.Warnw("cuda execution provider unavailable, falling back to cpu", "error", err)
		}
	}
	if m.session == nil {
		if m.session, err = m.newSession(inNames, outNames, false); err != nil {
			return nil, errors.Wrapf(err, "could not create a session for %s", cfg.ModelPath)
		}
	}
	logger.Infow("model loaded", "path", cfg.ModelPath, "provider", m.provider,
		"inputs", inNames, "outputs", outNames)
	return m, nil
}

func (m *Model) newSession(inNames, outNames []string, cuda bool) (*ort.DynamicAdvancedSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer opts.Destroy() //nolint:errcheck

	if m.conf.NumThreads > 0 {
		if err := opts.SetIntraOpNumThreads(m.conf.NumThreads); err != nil {
			return nil, err
		}
	}
	if cuda {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, err
		}
		defer cudaOpts.Destroy() //nolint:errcheck
		if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(m.conf.CUDADeviceID)}); err != nil {
			return nil, err
		}
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, err
		}
	}
	return ort.NewDynamicAdvancedSession(m.conf.ModelPath, inNames, outNames, opts)
}

func toMetadata(path string, inputs, outputs []ort.InputOutputInfo) mlmodel.MLMetadata {
	convert := func(infos []ort.InputOutputInfo) []mlmodel.TensorInfo {
		out := make([]mlmodel.TensorInfo, 0, len(infos))
		for _, info := range infos {
			shape := make([]int, len(info.Dimensions))
			for i, d := range info.Dimensions {
				shape[i] = int(d)
			}
			out = append(out, mlmodel.TensorInfo{
				Name:     info.Name,
				DataType: dataType(info.DataType),
				Shape:    shape,
			})
		}
		return out
	}
	return mlmodel.MLMetadata{
		ModelName: path,
		ModelType: "onnx",
		Inputs:    convert(inputs),
		Outputs:   convert(outputs),
	}
}

func dataType(t ort.TensorElementDataType) string {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return "float32"
	case ort.TensorElementDataTypeDouble:
		return "float64"
	case ort.TensorElementDataTypeUint8:
		return "uint8"
	case ort.TensorElementDataTypeInt32:
		return "int32"
	case ort.TensorElementDataTypeInt64:
		return "int64"
	default:
		return t.String()
	}
}

// Provider names the execution provider the session runs on.
func (m *Model) Provider() string {
	return m.provider
}

// Infer runs the model on float32 inputs and returns its float32 outputs by name.
func (m *Model) Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
	_, span := trace.StartSpan(ctx, "service::mlmodel::onnxcpu::Infer")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, errors.New("model is closed")
	}

	inputs := make([]ort.Value, 0, len(m.metadata.Inputs))
	defer func() {
		for _, v := range inputs {
			v.Destroy() //nolint:errcheck
		}
	}()
	for _, info := range m.metadata.Inputs {
		t, ok := tensors[info.Name]
		if !ok {
			return nil, errors.Errorf("missing input %q, have %v", info.Name, ml.Names(tensors))
		}
		data, err := ml.Float32Data(t)
		if err != nil {
			return nil, errors.Wrapf(err, "input %q", info.Name)
		}
		shape := make([]int64, 0, len(t.Shape()))
		for _, d := range t.Shape() {
			shape = append(shape, int64(d))
		}
		v, err := ort.NewTensor(ort.NewShape(shape...), data)
		if err != nil {
			return nil, errors.Wrapf(err, "input %q", info.Name)
		}
		inputs = append(inputs, v)
	}

	outputs := make([]ort.Value, len(m.metadata.Outputs))
	if err := m.session.Run(inputs, outputs); err != nil {
		return nil, errors.Wrapf(err, "couldn't infer from model %q", m.conf.ModelPath)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy() //nolint:errcheck
			}
		}
	}()

	results := ml.Tensors{}
	for i, v := range outputs {
		name := m.metadata.Outputs[i].Name
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, errors.Errorf("output %q is %T, only float32 outputs are supported", name, v)
		}
		shape := make([]int, 0, len(t.GetShape()))
		for _, d := range t.GetShape() {
			shape = append(shape, int(d))
		}
		// the backing array belongs to onnxruntime
		data := append([]float32(nil), t.GetData()...)
		dense, err := ml.NewFloat32Tensor(data, shape...)
		if err != nil {
			return nil, errors.Wrapf(err, "output %q", name)
		}
		results[name] = dense
	}
	return results, nil
}

// Metadata describes the model inputs and outputs as read from the model file.
func (m *Model) Metadata(ctx context.Context) (mlmodel.MLMetadata, error) {
	_, span := trace.StartSpan(ctx, "service::mlmodel::onnxcpu::Metadata")
	defer span.End()
	return m.metadata, nil
}

// Close releases the session.
func (m *Model) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return multierr.Combine(err, releaseEnvironment())
}
