// Package tensor provides dense float64 tensors with reverse-mode
// automatic differentiation. It is the numeric substrate for the splat
// trainer: scene parameters, network weights and loss terms are all
// nodes on the same tape, and a single Backward call populates the
// gradients the optimizers and the density strategy consume.
package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense float64 array with an optional gradient buffer.
// Tensors produced by ops carry a backward closure linking them to
// their inputs; leaves created with Param participate in Backward.
type Tensor struct {
	Data  []float64
	Shape []int
	Grad  []float64

	requiresGrad bool
	prev         []*Tensor
	back         func()
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// New creates a tensor wrapping data. The data slice is owned by the
// tensor afterwards.
func New(data []float64, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...)}
}

// Zeros creates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return New(make([]float64, numel(shape)), shape...)
}

// Full creates a tensor filled with v.
func Full(v float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Scalar creates a 1-element tensor.
func Scalar(v float64) *Tensor {
	return New([]float64{v}, 1)
}

// Rand creates a tensor with uniform values in [0,1).
func Rand(rng *rand.Rand, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float64()
	}
	return t
}

// Randn creates a tensor with standard normal values scaled by std.
func Randn(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
	return t
}

// Param marks the tensor as a learnable leaf and allocates its
// gradient buffer.
func (t *Tensor) Param() *Tensor {
	t.requiresGrad = true
	t.Grad = make([]float64, len(t.Data))
	return t
}

// RequiresGrad reports whether the tensor participates in Backward.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Numel returns the number of elements.
func (t *Tensor) Numel() int { return len(t.Data) }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// Clone returns a deep copy sharing no state with t. The copy is a
// plain leaf: gradients are copied but the tape link is not.
func (t *Tensor) Clone() *Tensor {
	c := New(append([]float64(nil), t.Data...), t.Shape...)
	if t.requiresGrad {
		c.requiresGrad = true
		c.Grad = append([]float64(nil), t.Grad...)
	}
	return c
}

// Detach returns a view of the same data that is cut off from the
// tape. Used for targets that must not receive gradients.
func (t *Tensor) Detach() *Tensor {
	return New(t.Data, t.Shape...)
}

// Item returns the single value of a scalar tensor.
func (t *Tensor) Item() float64 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("tensor: Item on tensor of %d elements", len(t.Data)))
	}
	return t.Data[0]
}

// ZeroGrad clears the gradient buffer in place.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// EnsureGrad allocates the gradient buffer if absent. Custom-op
// backward closures call this before scattering into inputs.
func (t *Tensor) EnsureGrad() { t.ensureGrad() }

func (t *Tensor) ensureGrad() {
	if t.Grad == nil {
		t.Grad = make([]float64, len(t.Data))
	}
}

// node constructs an op output. requiresGrad is inherited from any
// input; the backward closure is dropped when no input needs it.
func node(data []float64, shape []int, back func(), inputs ...*Tensor) *Tensor {
	out := New(data, shape...)
	for _, in := range inputs {
		if in.requiresGrad {
			out.requiresGrad = true
		}
	}
	if out.requiresGrad {
		out.prev = inputs
		out.back = back
	}
	return out
}

// Custom registers an externally computed op on the tape. data/shape
// describe the output; back must scatter out.Grad into the gradient
// buffers of every input that requires grad. The renderer uses this
// to expose its projection and compositing passes to the tape.
func Custom(data []float64, shape []int, back func(out *Tensor), inputs ...*Tensor) *Tensor {
	var out *Tensor
	out = node(data, shape, func() { back(out) }, inputs...)
	return out
}

// Backward runs reverse-mode differentiation from a scalar root,
// accumulating into the Grad buffers of every reachable leaf.
func Backward(root *Tensor) {
	if len(root.Data) != 1 {
		panic("tensor: Backward root must be scalar")
	}
	// Topological order over the tape.
	var order []*Tensor
	visited := map[*Tensor]bool{}
	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] || !t.requiresGrad {
			return
		}
		visited[t] = true
		for _, p := range t.prev {
			visit(p)
		}
		order = append(order, t)
	}
	visit(root)

	root.ensureGrad()
	root.Grad[0] = 1
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		if t.back != nil {
			t.back()
		}
	}
}

// Finite reports whether every element of the tensor is finite.
func (t *Tensor) Finite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
