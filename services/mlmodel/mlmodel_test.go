package mlmodel

import (
	"testing"

	"go.viam.com/test"
)

func TestMetadataLookup(t *testing.T) {
	md := MLMetadata{
		ModelName: "crestereo",
		Inputs: []TensorInfo{
			{Name: "left", DataType: "float32", Shape: []int{1, 3, 480, 640}},
			{Name: "right", DataType: "float32", Shape: []int{1, 3, 480, 640}},
		},
		Outputs: []TensorInfo{{Name: "disparity", DataType: "float32"}},
	}
	test.That(t, md.Validate(), test.ShouldBeNil)
	test.That(t, md.InputNames(), test.ShouldResemble, []string{"left", "right"})

	in, ok := md.Input("right")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, in.Shape, test.ShouldResemble, []int{1, 3, 480, 640})
	_, ok = md.Input("disparity")
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = md.Output("disparity")
	test.That(t, ok, test.ShouldBeTrue)

	md.Inputs = append(md.Inputs, TensorInfo{Name: "left"})
	test.That(t, md.Validate(), test.ShouldNotBeNil)
	md.Inputs = []TensorInfo{{}}
	test.That(t, md.Validate(), test.ShouldNotBeNil)
}
