package tensor

// Reshape returns a copy of t under a new shape with pass-through
// gradients.
func Reshape(t *Tensor, shape ...int) *Tensor {
	if numel(shape) != len(t.Data) {
		panic("tensor: Reshape element count mismatch")
	}
	data := append([]float64(nil), t.Data...)
	var out *Tensor
	out = node(data, shape, func() {
		if out.Grad == nil {
			return
		}
		for i, g := range out.Grad {
			addGrad(t, i, g)
		}
	}, t)
	return out
}

// TileRows repeats a [1,C] (or [C]) tensor into [n,C]. The backward
// pass sums gradients over the tiled rows.
func TileRows(t *Tensor, n int) *Tensor {
	c := len(t.Data)
	data := make([]float64, n*c)
	for i := 0; i < n; i++ {
		copy(data[i*c:], t.Data)
	}
	var out *Tensor
	out = node(data, []int{n, c}, func() {
		if out.Grad == nil {
			return
		}
		for i := 0; i < n; i++ {
			for j := 0; j < c; j++ {
				addGrad(t, j, out.Grad[i*c+j])
			}
		}
	}, t)
	return out
}
