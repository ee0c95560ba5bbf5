// Package neural runs dense stereo correspondence networks behind the ML model service and
// turns their output into disparity maps.
package neural

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"go.orion.dev/depth/services/mlmodel"
)

var (
	// ErrModelLoadFailure is returned when a model cannot be bound to a descriptor.
	ErrModelLoadFailure = errors.New("neural model load failure")
	// ErrInferenceFailure is returned when a frame cannot be run through the model.
	ErrInferenceFailure = errors.New("neural inference failure")
)

// Binding says how the two views are fed to the model.
type Binding int

const (
	// BindingDual feeds left and right to two input tensors.
	BindingDual Binding = iota
	// BindingConcat feeds one tensor holding left then right along the channel axis.
	BindingConcat
	// BindingInitNext feeds a coarse left/right pair and a full resolution left/right pair.
	BindingInitNext
)

func (b Binding) String() string {
	switch b {
	case BindingDual:
		return "dual"
	case BindingConcat:
		return "concat"
	case BindingInitNext:
		return "init-next"
	default:
		return fmt.Sprintf("binding(%d)", int(b))
	}
}

// inputCount is the number of input tensors the binding uses.
func (b Binding) inputCount() int {
	switch b {
	case BindingConcat:
		return 1
	case BindingInitNext:
		return 4
	default:
		return 2
	}
}

// Layout is the axis order of image tensors.
type Layout string

// ColorOrder is the channel order of image tensors.
type ColorOrder string

const (
	NCHW = Layout("NCHW")
	NHWC = Layout("NHWC")

	RGB = ColorOrder("RGB")
	BGR = ColorOrder("BGR")
)

// ModelDescriptor states what a model expects. It is resolved once when the model is loaded.
type ModelDescriptor struct {
	Name    string
	Binding Binding
	// Inputs are left, right for BindingDual, the single combined tensor for BindingConcat and
	// init left, init right, next left, next right for BindingInitNext.
	Inputs []string
	Output string
	// Width and Height are the full ("next") input resolution.
	Width, Height int
	// InitScale sizes the coarse pass of BindingInitNext relative to Width and Height.
	InitScale  float64
	Layout     Layout
	ColorOrder ColorOrder
	// Mean and Std, when set, normalize each channel after scaling to [0, 1], in ColorOrder.
	Mean, Std []float32
	// DisparityChannel selects the horizontal component of a multi channel output.
	DisparityChannel int
}

// Validate checks the descriptor is complete.
func (d ModelDescriptor) Validate() error {
	switch {
	case d.Binding < BindingDual || d.Binding > BindingInitNext:
		return errors.Errorf("unknown binding %v", d.Binding)
	case len(d.Inputs) != d.Binding.inputCount():
		return errors.Errorf("%v binding needs %d inputs, got %v", d.Binding, d.Binding.inputCount(), d.Inputs)
	case d.Output == "":
		return errors.New("no output tensor named")
	case d.Width <= 0 || d.Height <= 0:
		return errors.Errorf("invalid input resolution %dx%d", d.Width, d.Height)
	case d.Binding == BindingInitNext && (d.InitScale <= 0 || d.InitScale > 1):
		return errors.Errorf("init scale must be in (0, 1], got %v", d.InitScale)
	case d.Layout != NCHW && d.Layout != NHWC:
		return errors.Errorf("unknown layout %q", d.Layout)
	case d.ColorOrder != RGB && d.ColorOrder != BGR:
		return errors.Errorf("unknown color order %q", d.ColorOrder)
	case len(d.Mean) != 0 && len(d.Mean) != 3, len(d.Std) != 0 && len(d.Std) != 3:
		return errors.New("mean and std need one value per channel")
	case d.DisparityChannel < 0:
		return errors.Errorf("invalid disparity channel %d", d.DisparityChannel)
	}
	for _, s := range d.Std {
		if s == 0 {
			return errors.New("std must not be zero")
		}
	}
	for i, name := range d.Inputs {
		if name == "" {
			return errors.Errorf("input %d has no name", i)
		}
	}
	return nil
}

// initSize is the resolution of the coarse pass.
func (d ModelDescriptor) initSize() (int, int) {
	return max(1, int(float64(d.Width)*d.InitScale)), max(1, int(float64(d.Height)*d.InitScale))
}

// KnownModels are descriptors of published stereo networks. Inputs left empty are taken from the
// model metadata in order.
var KnownModels = map[string]ModelDescriptor{
	"hitnet-middlebury-480x640": {
		Name:       "hitnet-middlebury-480x640",
		Binding:    BindingDual,
		Width:      640,
		Height:     480,
		Layout:     NCHW,
		ColorOrder: RGB,
	},
	"crestereo-combined-360x640": {
		Name:       "crestereo-combined-360x640",
		Binding:    BindingInitNext,
		Inputs:     []string{"init_left", "init_right", "next_left", "next_right"},
		Width:      640,
		Height:     360,
		InitScale:  0.5,
		Layout:     NCHW,
		ColorOrder: RGB,
	},
	"crestereo-320x480": {
		Name:       "crestereo-320x480",
		Binding:    BindingDual,
		Width:      480,
		Height:     320,
		Layout:     NCHW,
		ColorOrder: RGB,
	},
}

// ResolveDescriptor builds the descriptor of a loaded model. A known name starts from the
// registry; anything the registry leaves open is taken from the metadata. Without a registry
// entry the binding follows the inputs: four init/next inputs, two views or one tensor with six
// channels.
func ResolveDescriptor(md mlmodel.MLMetadata, name string) (ModelDescriptor, error) {
	desc, known := KnownModels[name]
	if name != "" && !known {
		return ModelDescriptor{}, errors.Wrapf(ErrModelLoadFailure, "unknown model %q", name)
	}
	if !known {
		desc = ModelDescriptor{Name: md.ModelName, Layout: NCHW, ColorOrder: RGB, InitScale: 0.5}
		binding, err := inferBinding(md)
		if err != nil {
			return ModelDescriptor{}, err
		}
		desc.Binding = binding
		if binding == BindingInitNext {
			desc.Inputs = []string{"init_left", "init_right", "next_left", "next_right"}
		}
	}
	if len(desc.Inputs) == 0 {
		desc.Inputs = md.InputNames()
		if len(desc.Inputs) > desc.Binding.inputCount() {
			desc.Inputs = desc.Inputs[:desc.Binding.inputCount()]
		}
	}
	if desc.Output == "" && len(md.Outputs) > 0 {
		desc.Output = md.Outputs[0].Name
	}

	// full resolution from the shape of the last input, which is the next pass for init/next
	if (desc.Width == 0 || desc.Height == 0) && len(desc.Inputs) > 0 {
		info, ok := md.Input(desc.Inputs[len(desc.Inputs)-1])
		if ok {
			if layout, w, h, ok := imageShape(info.Shape); ok {
				desc.Layout, desc.Width, desc.Height = layout, w, h
			}
		}
	}
	if err := desc.Validate(); err != nil {
		return ModelDescriptor{}, errors.Wrapf(ErrModelLoadFailure, "model %q: %v", desc.Name, err)
	}
	return desc, nil
}

func inferBinding(md mlmodel.MLMetadata) (Binding, error) {
	switch len(md.Inputs) {
	case 4:
		for _, want := range []string{"init_left", "init_right", "next_left", "next_right"} {
			if _, ok := md.Input(want); !ok {
				return 0, errors.Wrapf(ErrModelLoadFailure, "four inputs %v but no %q", md.InputNames(), want)
			}
		}
		return BindingInitNext, nil
	case 2:
		return BindingDual, nil
	case 1:
		if _, ch, ok := channels(md.Inputs[0].Shape); ok && ch == 6 {
			return BindingConcat, nil
		}
		return 0, errors.Wrapf(ErrModelLoadFailure, "single input %q is not a 6 channel stereo pair", md.Inputs[0].Name)
	default:
		return 0, errors.Wrapf(ErrModelLoadFailure, "cannot bind a stereo pair to inputs %s",
			strings.Join(md.InputNames(), ", "))
	}
}

// channels finds the channel axis of a 4D image shape.
func channels(shape []int) (Layout, int, bool) {
	if len(shape) != 4 {
		return "", 0, false
	}
	switch {
	case shape[1] == 3 || shape[1] == 6:
		return NCHW, shape[1], true
	case shape[3] == 3 || shape[3] == 6:
		return NHWC, shape[3], true
	}
	return "", 0, false
}

func imageShape(shape []int) (Layout, int, int, bool) {
	layout, _, ok := channels(shape)
	if !ok {
		return "", 0, 0, false
	}
	h, w := shape[2], shape[3]
	if layout == NHWC {
		h, w = shape[1], shape[2]
	}
	if w <= 0 || h <= 0 {
		return "", 0, 0, false
	}
	return layout, w, h, true
}
