package neural

import (
	"testing"

	"go.viam.com/test"

	"go.orion.dev/depth/ml"
)

func TestDisparityPlaneChannelsLast(t *testing.T) {
	data := make([]float32, 6*5*2)
	for i := range data {
		data[i] = float32(i % 2)
	}
	ts, err := ml.NewFloat32Tensor(data, 1, 6, 5, 2)
	test.That(t, err, test.ShouldBeNil)
	plane, w, h, err := disparityPlane(ts, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w, test.ShouldEqual, 5)
	test.That(t, h, test.ShouldEqual, 6)
	for _, v := range plane {
		test.That(t, v, test.ShouldEqual, float32(1))
	}
	_, _, _, err = disparityPlane(ts, 2)
	test.That(t, err, test.ShouldNotBeNil)
}
