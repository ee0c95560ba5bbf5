package ml

import (
	"testing"

	"go.viam.com/test"
	"gorgonia.org/tensor"
)

func TestNewFloat32Tensor(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	ts, err := NewFloat32Tensor(data, 1, 2, 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, []int(ts.Shape()), test.ShouldResemble, []int{1, 2, 3})

	got, err := Float32Data(ts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, data)

	_, err = NewFloat32Tensor(data, 4, 2)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewFloat32Tensor(data)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFloat32DataConverts(t *testing.T) {
	ts := tensor.New(tensor.WithShape(3), tensor.WithBacking([]float64{0.5, 1.5, -2}))
	got, err := Float32Data(ts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, []float32{0.5, 1.5, -2})

	ts = tensor.New(tensor.WithShape(2), tensor.WithBacking([]bool{true, false}))
	_, err = Float32Data(ts)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Float32Data(nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNames(t *testing.T) {
	a, err := NewFloat32Tensor([]float32{1}, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, Names(Tensors{"right": a, "left": a}), test.ShouldResemble, []string{"left", "right"})
}
