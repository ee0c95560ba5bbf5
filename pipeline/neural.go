package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.orion.dev/depth/disparity/neural"
	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/services/mlmodel"
	"go.orion.dev/depth/services/mlmodel/onnxcpu"
)

// OpenNeural loads an ONNX model and binds it to the named known model, or to a descriptor
// resolved from the model metadata when name is empty. The caller closes the returned service.
func OpenNeural(ctx context.Context, cfg *onnxcpu.Config, name string, logger logging.Logger) (*neural.Adapter, mlmodel.Service, error) {
	model, err := onnxcpu.NewModel(ctx, cfg, logger.Sublogger("onnx"))
	if err != nil {
		return nil, nil, errors.Wrapf(neural.ErrModelLoadFailure, "%v", err)
	}
	md, err := model.Metadata(ctx)
	if err != nil {
		return nil, nil, multierr.Combine(errors.Wrapf(neural.ErrModelLoadFailure, "%v", err), model.Close(ctx))
	}
	desc, err := neural.ResolveDescriptor(md, name)
	if err != nil {
		return nil, nil, multierr.Combine(err, model.Close(ctx))
	}
	adapter, err := neural.NewAdapter(ctx, model, desc, logger.Sublogger("neural"))
	if err != nil {
		return nil, nil, multierr.Combine(err, model.Close(ctx))
	}
	logger.Infow("neural matcher ready", "model", desc.Name, "provider", model.Provider())
	return adapter, model, nil
}
