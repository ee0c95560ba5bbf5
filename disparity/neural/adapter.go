package neural

import (
	"context"
	"image"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"gorgonia.org/tensor"

	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/ml"
	"go.orion.dev/depth/rimage"
	"go.orion.dev/depth/services/mlmodel"
)

// Adapter runs stereo pairs through a model bound to a descriptor.
type Adapter struct {
	svc    mlmodel.Service
	desc   ModelDescriptor
	logger logging.Logger
}

// NewAdapter checks desc against the metadata of svc. The adapter does not own svc.
func NewAdapter(ctx context.Context, svc mlmodel.Service, desc ModelDescriptor, logger logging.Logger) (*Adapter, error) {
	if svc == nil {
		return nil, errors.Wrap(ErrModelLoadFailure, "no model service")
	}
	if err := desc.Validate(); err != nil {
		return nil, errors.Wrapf(ErrModelLoadFailure, "model %q: %v", desc.Name, err)
	}
	md, err := svc.Metadata(ctx)
	if err != nil {
		return nil, errors.Wrapf(ErrModelLoadFailure, "cannot read model metadata: %v", err)
	}
	// backends without metadata are taken at their word
	if len(md.Inputs) > 0 {
		for _, name := range desc.Inputs {
			if _, ok := md.Input(name); !ok {
				return nil, errors.Wrapf(ErrModelLoadFailure, "model has no input %q, inputs are %v", name, md.InputNames())
			}
		}
	}
	if len(md.Outputs) > 0 {
		if _, ok := md.Output(desc.Output); !ok {
			return nil, errors.Wrapf(ErrModelLoadFailure, "model has no output %q", desc.Output)
		}
	}
	logger.Infow("bound neural stereo model", "model", desc.Name, "binding", desc.Binding.String(),
		"width", desc.Width, "height", desc.Height, "layout", string(desc.Layout), "colors", string(desc.ColorOrder))
	return &Adapter{svc: svc, desc: desc, logger: logger}, nil
}

// Name returns the model name.
func (a *Adapter) Name() string {
	return a.desc.Name
}

// Descriptor returns what the model was bound with.
func (a *Adapter) Descriptor() ModelDescriptor {
	return a.desc
}

// Compute runs one rectified pair through the model. The disparity is resized to the frame and
// scaled to frame pixels. Every output pixel is valid.
func (a *Adapter) Compute(ctx context.Context, left, right image.Image) (*rimage.DisparityMap, error) {
	ctx, span := trace.StartSpan(ctx, "neural::Compute")
	defer span.End()

	if left == nil || right == nil {
		return nil, errors.New("neural matcher needs both frames")
	}
	if !rimage.SameImgSize(left, right) {
		return nil, errors.Errorf("left frame is %v but right frame is %v", left.Bounds().Size(), right.Bounds().Size())
	}
	frameW, frameH := left.Bounds().Dx(), left.Bounds().Dy()

	inputs, err := a.inputs(left, right)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	outputs, err := a.svc.Infer(ctx, inputs)
	if err != nil {
		return nil, errors.Wrapf(ErrInferenceFailure, "%v", err)
	}
	a.logger.Debugw("inference done", "model", a.desc.Name, "took", time.Since(start))

	out, ok := outputs[a.desc.Output]
	if !ok {
		return nil, errors.Wrapf(ErrInferenceFailure, "no output %q among %v", a.desc.Output, ml.Names(outputs))
	}
	plane, w, h, err := disparityPlane(out, a.desc.DisparityChannel)
	if err != nil {
		return nil, errors.Wrapf(ErrInferenceFailure, "output %q: %v", a.desc.Output, err)
	}

	resized, err := rimage.ResizeFloat32(plane, w, h, frameW, frameH)
	if err != nil {
		return nil, errors.Wrap(ErrInferenceFailure, err.Error())
	}
	scale := float32(frameW) / float32(w)
	for i := range resized {
		resized[i] *= scale
	}
	return rimage.NewDisparityMap(frameW, frameH, resized, float32(math.NaN()))
}

// inputs resizes both views to the model resolution(s) and routes them by binding.
func (a *Adapter) inputs(left, right image.Image) (ml.Tensors, error) {
	d := a.desc
	blob := func(img image.Image, w, h int) []float32 {
		return toBlob(imaging.Resize(img, w, h, imaging.Linear), d)
	}
	shape := func(w, h, ch int) []int {
		if d.Layout == NHWC {
			return []int{1, h, w, ch}
		}
		return []int{1, ch, h, w}
	}
	tensors := ml.Tensors{}
	add := func(name string, data []float32, s []int) error {
		t, err := ml.NewFloat32Tensor(data, s...)
		if err != nil {
			return errors.Wrapf(ErrInferenceFailure, "input %q: %v", name, err)
		}
		tensors[name] = t
		return nil
	}

	switch d.Binding {
	case BindingDual:
		if err := add(d.Inputs[0], blob(left, d.Width, d.Height), shape(d.Width, d.Height, 3)); err != nil {
			return nil, err
		}
		if err := add(d.Inputs[1], blob(right, d.Width, d.Height), shape(d.Width, d.Height, 3)); err != nil {
			return nil, err
		}
	case BindingConcat:
		l, r := blob(left, d.Width, d.Height), blob(right, d.Width, d.Height)
		if err := add(d.Inputs[0], concatChannels(l, r, d.Layout), shape(d.Width, d.Height, 6)); err != nil {
			return nil, err
		}
	case BindingInitNext:
		// both passes come from the same source frame
		iw, ih := d.initSize()
		passes := []struct {
			name string
			img  image.Image
			w, h int
		}{
			{d.Inputs[0], left, iw, ih},
			{d.Inputs[1], right, iw, ih},
			{d.Inputs[2], left, d.Width, d.Height},
			{d.Inputs[3], right, d.Width, d.Height},
		}
		for _, p := range passes {
			if err := add(p.name, blob(p.img, p.w, p.h), shape(p.w, p.h, 3)); err != nil {
				return nil, err
			}
		}
	}
	return tensors, nil
}

// toBlob scales to [0, 1], applies mean and std and lays the channels out in order.
func toBlob(img *image.NRGBA, d ModelDescriptor) []float32 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]float32, 3*w*h)
	order := [3]int{0, 1, 2}
	if d.ColorOrder == BGR {
		order = [3]int{2, 1, 0}
	}
	mean, std := [3]float32{0, 0, 0}, [3]float32{1, 1, 1}
	if len(d.Mean) == 3 {
		copy(mean[:], d.Mean)
	}
	if len(d.Std) == 3 {
		copy(std[:], d.Std)
	}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			for c, src := range order {
				v := (float32(row[4*x+src])/255 - mean[c]) / std[c]
				if d.Layout == NHWC {
					out[(y*w+x)*3+c] = v
				} else {
					out[c*w*h+y*w+x] = v
				}
			}
		}
	}
	return out
}

// concatChannels stacks two 3 channel blobs along the channel axis.
func concatChannels(l, r []float32, layout Layout) []float32 {
	if layout == NCHW {
		return append(append(make([]float32, 0, len(l)+len(r)), l...), r...)
	}
	out := make([]float32, 0, len(l)+len(r))
	for i := 0; i < len(l); i += 3 {
		out = append(out, l[i:i+3]...)
		out = append(out, r[i:i+3]...)
	}
	return out
}

// disparityPlane squeezes unit axes off the output and picks one channel when several remain.
// Channels come first unless only the last axis is small enough to be one.
func disparityPlane(t *tensor.Dense, channel int) ([]float32, int, int, error) {
	data, err := ml.Float32Data(t)
	if err != nil {
		return nil, 0, 0, err
	}
	var dims []int
	for _, d := range t.Shape() {
		if d != 1 {
			dims = append(dims, d)
		}
	}
	switch len(dims) {
	case 2:
		if channel != 0 {
			return nil, 0, 0, errors.Errorf("single channel output has no channel %d", channel)
		}
		return data, dims[1], dims[0], nil
	case 3:
		const maxChannels = 4
		if dims[0] <= maxChannels {
			c, h, w := dims[0], dims[1], dims[2]
			if channel >= c {
				return nil, 0, 0, errors.Errorf("output has %d channels, no channel %d", c, channel)
			}
			return data[channel*w*h : (channel+1)*w*h], w, h, nil
		}
		if dims[2] <= maxChannels {
			h, w, c := dims[0], dims[1], dims[2]
			if channel >= c {
				return nil, 0, 0, errors.Errorf("output has %d channels, no channel %d", c, channel)
			}
			plane := make([]float32, w*h)
			for i := range plane {
				plane[i] = data[i*c+channel]
			}
			return plane, w, h, nil
		}
	}
	return nil, 0, 0, errors.Errorf("cannot read a disparity plane from shape %v", t.Shape())
}
