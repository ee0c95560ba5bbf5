package neural_test

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.orion.dev/depth/disparity"
	"go.orion.dev/depth/disparity/neural"
	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/ml"
	"go.orion.dev/depth/services/mlmodel"
	"go.orion.dev/depth/testutils/inject"
)

var _ disparity.Matcher = (*neural.Adapter)(nil)

var (
	red  = color.NRGBA{255, 0, 0, 255}
	blue = color.NRGBA{0, 0, 255, 255}
)

func uniform(w, h int, c color.NRGBA) *image.NRGBA {
	return imaging.New(w, h, c)
}

func constantTensor(t *testing.T, v float32, shape ...int) ml.Tensors {
	t.Helper()
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}
	ts, err := ml.NewFloat32Tensor(data, shape...)
	test.That(t, err, test.ShouldBeNil)
	return ml.Tensors{"disparity": ts}
}

func channelMean(t *testing.T, ts ml.Tensors, name string, layout neural.Layout, channels, c int) float64 {
	t.Helper()
	in, ok := ts[name]
	test.That(t, ok, test.ShouldBeTrue)
	data, err := ml.Float32Data(in)
	test.That(t, err, test.ShouldBeNil)
	plane := len(data) / channels
	sum := 0.
	for i := 0; i < plane; i++ {
		if layout == neural.NHWC {
			sum += float64(data[i*channels+c])
		} else {
			sum += float64(data[c*plane+i])
		}
	}
	return sum / float64(plane)
}

func stubService(md mlmodel.MLMetadata, infer func(ctx context.Context, ts ml.Tensors) (ml.Tensors, error)) *inject.MLModelService {
	svc := inject.NewMLModelService()
	svc.MetadataFunc = func(ctx context.Context) (mlmodel.MLMetadata, error) {
		return md, nil
	}
	svc.InferFunc = infer
	return svc
}

func TestDualRouting(t *testing.T) {
	md := mlmodel.MLMetadata{
		ModelName: "dual",
		Inputs: []mlmodel.TensorInfo{
			{Name: "left", Shape: []int{1, 3, 4, 8}},
			{Name: "right", Shape: []int{1, 3, 4, 8}},
		},
		Outputs: []mlmodel.TensorInfo{{Name: "disparity"}},
	}
	calls := 0
	svc := stubService(md, func(ctx context.Context, ts ml.Tensors) (ml.Tensors, error) {
		calls++
		test.That(t, ml.Names(ts), test.ShouldResemble, []string{"left", "right"})
		test.That(t, []int(ts["left"].Shape()), test.ShouldResemble, []int{1, 3, 4, 8})
		// left is red and right is blue: each view reached its own slot
		test.That(t, channelMean(t, ts, "left", neural.NCHW, 3, 0), test.ShouldAlmostEqual, 1, 0.01)
		test.That(t, channelMean(t, ts, "left", neural.NCHW, 3, 2), test.ShouldAlmostEqual, 0, 0.01)
		test.That(t, channelMean(t, ts, "right", neural.NCHW, 3, 0), test.ShouldAlmostEqual, 0, 0.01)
		test.That(t, channelMean(t, ts, "right", neural.NCHW, 3, 2), test.ShouldAlmostEqual, 1, 0.01)
		return constantTensor(t, 2, 1, 4, 8), nil
	})

	desc, err := neural.ResolveDescriptor(md, "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, desc.Binding, test.ShouldEqual, neural.BindingDual)
	test.That(t, desc.Width, test.ShouldEqual, 8)
	test.That(t, desc.Height, test.ShouldEqual, 4)

	a, err := neural.NewAdapter(context.Background(), svc, desc, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	dm, err := a.Compute(context.Background(), uniform(16, 8, red), uniform(16, 8, blue))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, calls, test.ShouldEqual, 1)
	test.That(t, dm.Width(), test.ShouldEqual, 16)
	test.That(t, dm.Height(), test.ShouldEqual, 8)
	test.That(t, dm.ValidCount(), test.ShouldEqual, 16*8)
	// model pixels are twice as wide as frame pixels
	test.That(t, dm.At(5, 3), test.ShouldAlmostEqual, 4, 1e-5)
}

func TestConcatRouting(t *testing.T) {
	md := mlmodel.MLMetadata{
		Inputs:  []mlmodel.TensorInfo{{Name: "images", Shape: []int{1, 6, 4, 8}}},
		Outputs: []mlmodel.TensorInfo{{Name: "disparity"}},
	}
	svc := stubService(md, func(ctx context.Context, ts ml.Tensors) (ml.Tensors, error) {
		test.That(t, []int(ts["images"].Shape()), test.ShouldResemble, []int{1, 6, 4, 8})
		test.That(t, channelMean(t, ts, "images", neural.NCHW, 6, 0), test.ShouldAlmostEqual, 1, 0.01)
		test.That(t, channelMean(t, ts, "images", neural.NCHW, 6, 5), test.ShouldAlmostEqual, 1, 0.01)
		test.That(t, channelMean(t, ts, "images", neural.NCHW, 6, 3), test.ShouldAlmostEqual, 0, 0.01)
		return constantTensor(t, 1, 1, 1, 4, 8), nil
	})
	desc, err := neural.ResolveDescriptor(md, "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, desc.Binding, test.ShouldEqual, neural.BindingConcat)
	a, err := neural.NewAdapter(context.Background(), svc, desc, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	dm, err := a.Compute(context.Background(), uniform(8, 4, red), uniform(8, 4, blue))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dm.At(0, 0), test.ShouldAlmostEqual, 1, 1e-5)
}

func TestInitNextRouting(t *testing.T) {
	md := mlmodel.MLMetadata{
		Inputs: []mlmodel.TensorInfo{
			{Name: "init_left", Shape: []int{1, 3, 180, 320}},
			{Name: "init_right", Shape: []int{1, 3, 180, 320}},
			{Name: "next_left", Shape: []int{1, 3, 360, 640}},
			{Name: "next_right", Shape: []int{1, 3, 360, 640}},
		},
		Outputs: []mlmodel.TensorInfo{{Name: "next_disparity"}},
	}
	svc := stubService(md, func(ctx context.Context, ts ml.Tensors) (ml.Tensors, error) {
		test.That(t, []int(ts["init_left"].Shape()), test.ShouldResemble, []int{1, 3, 180, 320})
		test.That(t, []int(ts["init_right"].Shape()), test.ShouldResemble, []int{1, 3, 180, 320})
		test.That(t, []int(ts["next_left"].Shape()), test.ShouldResemble, []int{1, 3, 360, 640})
		test.That(t, channelMean(t, ts, "init_right", neural.NCHW, 3, 2), test.ShouldAlmostEqual, 1, 0.01)
		test.That(t, channelMean(t, ts, "next_left", neural.NCHW, 3, 0), test.ShouldAlmostEqual, 1, 0.01)

		// flow output: x then y component
		data := make([]float32, 2*360*640)
		for i := range data {
			if i < 360*640 {
				data[i] = 3
			} else {
				data[i] = -7
			}
		}
		flow, err := ml.NewFloat32Tensor(data, 1, 2, 360, 640)
		test.That(t, err, test.ShouldBeNil)
		return ml.Tensors{"next_disparity": flow}, nil
	})

	desc, err := neural.ResolveDescriptor(md, "crestereo-combined-360x640")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, desc.Output, test.ShouldEqual, "next_disparity")
	// the registry entry is found without a name too
	auto, err := neural.ResolveDescriptor(md, "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, auto.Binding, test.ShouldEqual, neural.BindingInitNext)

	a, err := neural.NewAdapter(context.Background(), svc, desc, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	dm, err := a.Compute(context.Background(), uniform(320, 180, red), uniform(320, 180, blue))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dm.Width(), test.ShouldEqual, 320)
	test.That(t, dm.At(100, 100), test.ShouldAlmostEqual, 1.5, 1e-5)
}

func TestColorOrderLayoutAndNormalization(t *testing.T) {
	md := mlmodel.MLMetadata{
		Inputs:  []mlmodel.TensorInfo{{Name: "l"}, {Name: "r"}},
		Outputs: []mlmodel.TensorInfo{{Name: "disparity"}},
	}
	desc := neural.ModelDescriptor{
		Name:       "custom",
		Binding:    neural.BindingDual,
		Inputs:     []string{"l", "r"},
		Output:     "disparity",
		Width:      6,
		Height:     4,
		Layout:     neural.NHWC,
		ColorOrder: neural.BGR,
		Mean:       []float32{0.5, 0.5, 0.5},
		Std:        []float32{0.5, 0.5, 0.5},
	}
	svc := stubService(md, func(ctx context.Context, ts ml.Tensors) (ml.Tensors, error) {
		test.That(t, []int(ts["l"].Shape()), test.ShouldResemble, []int{1, 4, 6, 3})
		// red is the last channel in BGR, scaled to [-1, 1]
		test.That(t, channelMean(t, ts, "l", neural.NHWC, 3, 2), test.ShouldAlmostEqual, 1, 0.01)
		test.That(t, channelMean(t, ts, "l", neural.NHWC, 3, 0), test.ShouldAlmostEqual, -1, 0.01)
		return constantTensor(t, 1, 1, 4, 6, 1), nil
	})
	a, err := neural.NewAdapter(context.Background(), svc, desc, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	_, err = a.Compute(context.Background(), uniform(12, 8, red), uniform(12, 8, blue))
	test.That(t, err, test.ShouldBeNil)
}

func TestInferenceFailures(t *testing.T) {
	md := mlmodel.MLMetadata{
		Inputs:  []mlmodel.TensorInfo{{Name: "left", Shape: []int{1, 3, 4, 8}}, {Name: "right", Shape: []int{1, 3, 4, 8}}},
		Outputs: []mlmodel.TensorInfo{{Name: "disparity"}},
	}
	desc, err := neural.ResolveDescriptor(md, "")
	test.That(t, err, test.ShouldBeNil)
	logger := logging.NewTestLogger(t)

	failing := stubService(md, func(ctx context.Context, ts ml.Tensors) (ml.Tensors, error) {
		return nil, errors.New("out of memory")
	})
	a, err := neural.NewAdapter(context.Background(), failing, desc, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = a.Compute(context.Background(), uniform(8, 4, red), uniform(8, 4, red))
	test.That(t, errors.Is(err, neural.ErrInferenceFailure), test.ShouldBeTrue)

	unnamed := stubService(md, func(ctx context.Context, ts ml.Tensors) (ml.Tensors, error) {
		out := constantTensor(t, 1, 1, 4, 8)
		return ml.Tensors{"other": out["disparity"]}, nil
	})
	a, err = neural.NewAdapter(context.Background(), unnamed, desc, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = a.Compute(context.Background(), uniform(8, 4, red), uniform(8, 4, red))
	test.That(t, errors.Is(err, neural.ErrInferenceFailure), test.ShouldBeTrue)

	volume := stubService(md, func(ctx context.Context, ts ml.Tensors) (ml.Tensors, error) {
		return constantTensor(t, 1, 8, 4, 8), nil
	})
	a, err = neural.NewAdapter(context.Background(), volume, desc, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = a.Compute(context.Background(), uniform(8, 4, red), uniform(8, 4, red))
	test.That(t, errors.Is(err, neural.ErrInferenceFailure), test.ShouldBeTrue)

	_, err = a.Compute(context.Background(), uniform(8, 4, red), uniform(9, 4, red))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestModelLoadFailures(t *testing.T) {
	logger := logging.NewTestLogger(t)
	md := mlmodel.MLMetadata{
		Inputs:  []mlmodel.TensorInfo{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		Outputs: []mlmodel.TensorInfo{{Name: "disparity"}},
	}
	_, err := neural.ResolveDescriptor(md, "")
	test.That(t, errors.Is(err, neural.ErrModelLoadFailure), test.ShouldBeTrue)

	_, err = neural.ResolveDescriptor(md, "no-such-model")
	test.That(t, errors.Is(err, neural.ErrModelLoadFailure), test.ShouldBeTrue)

	// dynamic shapes need a registry entry for the resolution
	md.Inputs = []mlmodel.TensorInfo{{Name: "a", Shape: []int{1, 3, -1, -1}}, {Name: "b", Shape: []int{1, 3, -1, -1}}}
	_, err = neural.ResolveDescriptor(md, "")
	test.That(t, errors.Is(err, neural.ErrModelLoadFailure), test.ShouldBeTrue)
	desc, err := neural.ResolveDescriptor(md, "hitnet-middlebury-480x640")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, desc.Inputs, test.ShouldResemble, []string{"a", "b"})
	test.That(t, desc.Width, test.ShouldEqual, 640)

	svc := stubService(md, nil)
	desc.Inputs = []string{"a", "missing"}
	_, err = neural.NewAdapter(context.Background(), svc, desc, logger)
	test.That(t, errors.Is(err, neural.ErrModelLoadFailure), test.ShouldBeTrue)

	desc.Inputs = []string{"a", "b"}
	desc.Output = "flow"
	_, err = neural.NewAdapter(context.Background(), svc, desc, logger)
	test.That(t, errors.Is(err, neural.ErrModelLoadFailure), test.ShouldBeTrue)

	_, err = neural.NewAdapter(context.Background(), nil, desc, logger)
	test.That(t, errors.Is(err, neural.ErrModelLoadFailure), test.ShouldBeTrue)

	bad := neural.KnownModels["crestereo-combined-360x640"]
	bad.InitScale = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
}
