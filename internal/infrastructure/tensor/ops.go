package tensor

import (
	"fmt"
	"math"
)

// Elementwise ops support equal shapes plus scalar (1-element)
// broadcast on either side. Anything richer is done by the callers
// with explicit loops or custom ops.

func checkBinary(a, b *Tensor) {
	if len(a.Data) != len(b.Data) && len(a.Data) != 1 && len(b.Data) != 1 {
		panic(fmt.Sprintf("tensor: shape mismatch %v vs %v", a.Shape, b.Shape))
	}
}

func pick(t *Tensor, i int) float64 {
	if len(t.Data) == 1 {
		return t.Data[0]
	}
	return t.Data[i]
}

func addGrad(t *Tensor, i int, v float64) {
	if !t.requiresGrad {
		return
	}
	t.ensureGrad()
	if len(t.Data) == 1 {
		t.Grad[0] += v
		return
	}
	t.Grad[i] += v
}

func outShape(a, b *Tensor) []int {
	if len(a.Data) >= len(b.Data) {
		return a.Shape
	}
	return b.Shape
}

// Add returns a + b.
func Add(a, b *Tensor) *Tensor {
	checkBinary(a, b)
	shape := outShape(a, b)
	data := make([]float64, numel(shape))
	for i := range data {
		data[i] = pick(a, i) + pick(b, i)
	}
	var out *Tensor
	out = node(data, shape, func() {
		if out.Grad == nil {
			return
		}
		for i, g := range out.Grad {
			addGrad(a, i, g)
			addGrad(b, i, g)
		}
	}, a, b)
	return out
}

// Sub returns a - b.
func Sub(a, b *Tensor) *Tensor {
	checkBinary(a, b)
	shape := outShape(a, b)
	data := make([]float64, numel(shape))
	for i := range data {
		data[i] = pick(a, i) - pick(b, i)
	}
	var out *Tensor
	out = node(data, shape, func() {
		if out.Grad == nil {
			return
		}
		for i, g := range out.Grad {
			addGrad(a, i, g)
			addGrad(b, i, -g)
		}
	}, a, b)
	return out
}

// Mul returns a * b.
func Mul(a, b *Tensor) *Tensor {
	checkBinary(a, b)
	shape := outShape(a, b)
	data := make([]float64, numel(shape))
	for i := range data {
		data[i] = pick(a, i) * pick(b, i)
	}
	var out *Tensor
	out = node(data, shape, func() {
		if out.Grad == nil {
			return
		}
		for i, g := range out.Grad {
			addGrad(a, i, g*pick(b, i))
			addGrad(b, i, g*pick(a, i))
		}
	}, a, b)
	return out
}

// Div returns a / b.
func Div(a, b *Tensor) *Tensor {
	checkBinary(a, b)
	shape := outShape(a, b)
	data := make([]float64, numel(shape))
	for i := range data {
		data[i] = pick(a, i) / pick(b, i)
	}
	var out *Tensor
	out = node(data, shape, func() {
		if out.Grad == nil {
			return
		}
		for i, g := range out.Grad {
			bv := pick(b, i)
			addGrad(a, i, g/bv)
			addGrad(b, i, -g*pick(a, i)/(bv*bv))
		}
	}, a, b)
	return out
}

// AddScalar returns t + c.
func AddScalar(t *Tensor, c float64) *Tensor {
	data := make([]float64, len(t.Data))
	for i, v := range t.Data {
		data[i] = v + c
	}
	var out *Tensor
	out = node(data, t.Shape, func() {
		if out.Grad == nil {
			return
		}
		for i, g := range out.Grad {
			addGrad(t, i, g)
		}
	}, t)
	return out
}

// MulScalar returns t * c.
func MulScalar(t *Tensor, c float64) *Tensor {
	data := make([]float64, len(t.Data))
	for i, v := range t.Data {
		data[i] = v * c
	}
	var out *Tensor
	out = node(data, t.Shape, func() {
		if out.Grad == nil {
			return
		}
		for i, g := range out.Grad {
			addGrad(t, i, g*c)
		}
	}, t)
	return out
}

// Neg returns -t.
func Neg(t *Tensor) *Tensor { return MulScalar(t, -1) }

func unary(t *Tensor, f func(float64) float64, df func(x, y float64) float64) *Tensor {
	data := make([]float64, len(t.Data))
	for i, v := range t.Data {
		data[i] = f(v)
	}
	var out *Tensor
	out = node(data, t.Shape, func() {
		if out.Grad == nil {
			return
		}
		for i, g := range out.Grad {
			addGrad(t, i, g*df(t.Data[i], out.Data[i]))
		}
	}, t)
	return out
}

// Exp returns e^t.
func Exp(t *Tensor) *Tensor {
	return unary(t, math.Exp, func(_, y float64) float64 { return y })
}

// Log returns ln(t).
func Log(t *Tensor) *Tensor {
	return unary(t, math.Log, func(x, _ float64) float64 { return 1 / x })
}

// Sqrt returns sqrt(t).
func Sqrt(t *Tensor) *Tensor {
	return unary(t, math.Sqrt, func(_, y float64) float64 { return 0.5 / y })
}

// Sigmoid returns 1/(1+e^-t).
func Sigmoid(t *Tensor) *Tensor {
	return unary(t, func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		func(_, y float64) float64 { return y * (1 - y) })
}

// Tanh returns tanh(t).
func Tanh(t *Tensor) *Tensor {
	return unary(t, math.Tanh, func(_, y float64) float64 { return 1 - y*y })
}

// ReLU returns max(t, 0).
func ReLU(t *Tensor) *Tensor {
	return unary(t, func(x float64) float64 { return math.Max(x, 0) },
		func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

// Abs returns |t|.
func Abs(t *Tensor) *Tensor {
	return unary(t, math.Abs, func(x, _ float64) float64 {
		if x < 0 {
			return -1
		}
		if x > 0 {
			return 1
		}
		return 0
	})
}

// Square returns t*t.
func Square(t *Tensor) *Tensor {
	return unary(t, func(x float64) float64 { return x * x },
		func(x, _ float64) float64 { return 2 * x })
}

// Pow returns t^p for constant p.
func Pow(t *Tensor, p float64) *Tensor {
	return unary(t, func(x float64) float64 { return math.Pow(x, p) },
		func(x, _ float64) float64 { return p * math.Pow(x, p-1) })
}

// Clamp limits t to [lo, hi]. Gradients pass through inside the
// bounds and are zero outside, matching the usual clamp derivative.
func Clamp(t *Tensor, lo, hi float64) *Tensor {
	return unary(t, func(x float64) float64 { return math.Min(math.Max(x, lo), hi) },
		func(x, _ float64) float64 {
			if x < lo || x > hi {
				return 0
			}
			return 1
		})
}

// ClampMin floors t at lo.
func ClampMin(t *Tensor, lo float64) *Tensor {
	return unary(t, func(x float64) float64 { return math.Max(x, lo) },
		func(x, _ float64) float64 {
			if x < lo {
				return 0
			}
			return 1
		})
}

// Sum reduces to a scalar.
func Sum(t *Tensor) *Tensor {
	s := 0.0
	for _, v := range t.Data {
		s += v
	}
	var out *Tensor
	out = node([]float64{s}, []int{1}, func() {
		if out.Grad == nil {
			return
		}
		g := out.Grad[0]
		for i := range t.Data {
			addGrad(t, i, g)
		}
	}, t)
	return out
}

// Mean reduces to a scalar.
func Mean(t *Tensor) *Tensor {
	n := float64(len(t.Data))
	s := 0.0
	for _, v := range t.Data {
		s += v
	}
	var out *Tensor
	out = node([]float64{s / n}, []int{1}, func() {
		if out.Grad == nil {
			return
		}
		g := out.Grad[0] / n
		for i := range t.Data {
			addGrad(t, i, g)
		}
	}, t)
	return out
}

// Var reduces to the scalar population variance.
func Var(t *Tensor) *Tensor {
	n := float64(len(t.Data))
	m := 0.0
	for _, v := range t.Data {
		m += v
	}
	m /= n
	s := 0.0
	for _, v := range t.Data {
		d := v - m
		s += d * d
	}
	var out *Tensor
	out = node([]float64{s / n}, []int{1}, func() {
		if out.Grad == nil {
			return
		}
		g := out.Grad[0]
		for i, v := range t.Data {
			addGrad(t, i, g*2*(v-m)/n)
		}
	}, t)
	return out
}

// Dot returns the scalar sum of a*b elementwise.
func Dot(a, b *Tensor) *Tensor { return Sum(Mul(a, b)) }

// Concat joins tensors along axis 0. All inputs must share trailing
// dimensions.
func Concat(ts ...*Tensor) *Tensor {
	rows := 0
	inner := numel(ts[0].Shape[1:])
	for _, t := range ts {
		rows += t.Shape[0]
		if numel(t.Shape[1:]) != inner {
			panic("tensor: Concat inner shape mismatch")
		}
	}
	shape := append([]int{rows}, ts[0].Shape[1:]...)
	data := make([]float64, rows*inner)
	off := 0
	for _, t := range ts {
		copy(data[off:], t.Data)
		off += len(t.Data)
	}
	var out *Tensor
	out = node(data, shape, func() {
		if out.Grad == nil {
			return
		}
		off := 0
		for _, t := range ts {
			for i := range t.Data {
				addGrad(t, i, out.Grad[off+i])
			}
			off += len(t.Data)
		}
	}, ts...)
	return out
}
