package tensor

import (
	"math"
	"testing"
)

// numericGrad estimates d f / d x[i] by central difference, where f
// rebuilds the graph from raw data.
func numericGrad(f func(data []float64) float64, data []float64, i int) float64 {
	const h = 1e-6
	hi := append([]float64(nil), data...)
	lo := append([]float64(nil), data...)
	hi[i] += h
	lo[i] -= h
	return (f(hi) - f(lo)) / (2 * h)
}

func TestBackwardMatchesNumericGradient(t *testing.T) {
	data := []float64{0.3, -1.2, 0.7, 2.0}
	f := func(d []float64) float64 {
		x := New(append([]float64(nil), d...), 4).Param()
		return Mean(Square(Sigmoid(x))).Item()
	}

	x := New(append([]float64(nil), data...), 4).Param()
	out := Mean(Square(Sigmoid(x)))
	Backward(out)

	for i := range data {
		want := numericGrad(f, data, i)
		if math.Abs(x.Grad[i]-want) > 1e-5 {
			t.Errorf("grad[%d] = %v, numeric %v", i, x.Grad[i], want)
		}
	}
}

func TestScalarBroadcastBackward(t *testing.T) {
	a := New([]float64{1, 2, 3, 4}, 2, 2).Param()
	s := Scalar(3).Param()
	out := Sum(Mul(a, s))
	Backward(out)

	for i, g := range a.Grad {
		if g != 3 {
			t.Fatalf("a.Grad[%d] = %v, want 3", i, g)
		}
	}
	if s.Grad[0] != 10 {
		t.Fatalf("s.Grad = %v, want 10", s.Grad[0])
	}
}

func TestDivLogExpChain(t *testing.T) {
	data := []float64{0.5, 1.5, 2.5}
	f := func(d []float64) float64 {
		x := New(append([]float64(nil), d...), 3).Param()
		return Sum(Div(Exp(Log(x)), AddScalar(x, 1))).Item()
	}
	x := New(append([]float64(nil), data...), 3).Param()
	Backward(Sum(Div(Exp(Log(x)), AddScalar(x, 1))))
	for i := range data {
		want := numericGrad(f, data, i)
		if math.Abs(x.Grad[i]-want) > 1e-5 {
			t.Errorf("grad[%d] = %v, numeric %v", i, x.Grad[i], want)
		}
	}
}

func TestConcatBackward(t *testing.T) {
	a := New([]float64{1, 2}, 2).Param()
	b := New([]float64{3}, 1).Param()
	out := Sum(MulScalar(Concat(a, b), 2))
	Backward(out)
	if a.Grad[0] != 2 || a.Grad[1] != 2 || b.Grad[0] != 2 {
		t.Fatalf("concat grads = %v %v", a.Grad, b.Grad)
	}
}

func TestReshapePassesGradients(t *testing.T) {
	a := New([]float64{1, 2, 3, 4, 5, 6}, 2, 1, 3).Param()
	r := Reshape(a, 2, 3)
	if r.Shape[0] != 2 || r.Shape[1] != 3 {
		t.Fatalf("reshape shape = %v", r.Shape)
	}
	Backward(Sum(r))
	for i, g := range a.Grad {
		if g != 1 {
			t.Fatalf("a.Grad[%d] = %v, want 1", i, g)
		}
	}
}

func TestTileRowsSumsGradients(t *testing.T) {
	a := New([]float64{1, 2, 3}, 1, 3).Param()
	out := Sum(TileRows(a, 4))
	Backward(out)
	for i, g := range a.Grad {
		if g != 4 {
			t.Fatalf("a.Grad[%d] = %v, want 4", i, g)
		}
	}
}

func TestClampStopsGradientOutsideRange(t *testing.T) {
	x := New([]float64{-0.5, 0.5, 1.5}, 3).Param()
	Backward(Sum(Clamp(x, 0, 1)))
	want := []float64{0, 1, 0}
	for i := range want {
		if x.Grad[i] != want[i] {
			t.Fatalf("clamp grad[%d] = %v, want %v", i, x.Grad[i], want[i])
		}
	}
}

func TestCustomOpParticipatesInBackward(t *testing.T) {
	x := New([]float64{2, 3}, 2).Param()
	doubled := Custom([]float64{4, 6}, []int{2}, func(out *Tensor) {
		if out.Grad == nil {
			return
		}
		x.EnsureGrad()
		for i := range out.Grad {
			x.Grad[i] += 2 * out.Grad[i]
		}
	}, x)
	Backward(Sum(doubled))
	if x.Grad[0] != 2 || x.Grad[1] != 2 {
		t.Fatalf("custom grads = %v", x.Grad)
	}
}

func TestMatMulShapesAndGrad(t *testing.T) {
	a := New([]float64{1, 2, 3, 4, 5, 6}, 2, 3).Param()
	b := New([]float64{1, 0, 0, 1, 1, 1}, 3, 2).Param()
	out := MatMul(a, b)
	if out.Shape[0] != 2 || out.Shape[1] != 2 {
		t.Fatalf("matmul shape = %v", out.Shape)
	}
	Backward(Sum(out))
	// d/da[i,k] = sum_j b[k,j] = row sums of b.
	wantA := []float64{1, 1, 2, 1, 1, 2}
	for i := range wantA {
		if math.Abs(a.Grad[i]-wantA[i]) > 1e-12 {
			t.Fatalf("a.Grad[%d] = %v, want %v", i, a.Grad[i], wantA[i])
		}
	}
}
