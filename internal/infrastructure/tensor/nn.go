package tensor

import "fmt"

// Neural-network building blocks. Image tensors use [C,H,W] layout;
// the trainer iterates batch samples individually.

// MatMul multiplies [m,k] by [k,n].
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("tensor: MatMul shape mismatch %v x %v", a.Shape, b.Shape))
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	data := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a.Data[i*k+p]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				data[i*n+j] += av * b.Data[p*n+j]
			}
		}
	}
	var out *Tensor
	out = node(data, []int{m, n}, func() {
		if out.Grad == nil {
			return
		}
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				g := out.Grad[i*n+j]
				if g == 0 {
					continue
				}
				for p := 0; p < k; p++ {
					addGrad(a, i*k+p, g*b.Data[p*n+j])
					addGrad(b, p*n+j, g*a.Data[i*k+p])
				}
			}
		}
	}, a, b)
	return out
}

// Linear applies x·w + bias for x [m,in], w [in,out], bias [out].
func Linear(x, w, bias *Tensor) *Tensor {
	y := MatMul(x, w)
	m, n := y.Shape[0], y.Shape[1]
	data := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			data[i*n+j] = y.Data[i*n+j] + bias.Data[j]
		}
	}
	var out *Tensor
	out = node(data, y.Shape, func() {
		if out.Grad == nil {
			return
		}
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				g := out.Grad[i*n+j]
				addGrad(y, i*n+j, g)
				addGrad(bias, j, g)
			}
		}
	}, y, bias)
	return out
}

// Conv2d applies a stride-1, same-padded convolution to x [C,H,W]
// with weights w [O,C,kh,kw] and bias [O].
func Conv2d(x, w, bias *Tensor) *Tensor {
	c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2]
	o, ci, kh, kw := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	if ci != c {
		panic(fmt.Sprintf("tensor: Conv2d channel mismatch %d vs %d", ci, c))
	}
	ph, pw := kh/2, kw/2
	data := make([]float64, o*h*wd)
	for oc := 0; oc < o; oc++ {
		for y := 0; y < h; y++ {
			for xx := 0; xx < wd; xx++ {
				s := bias.Data[oc]
				for ic := 0; ic < c; ic++ {
					for ky := 0; ky < kh; ky++ {
						iy := y + ky - ph
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							ix := xx + kx - pw
							if ix < 0 || ix >= wd {
								continue
							}
							s += x.Data[(ic*h+iy)*wd+ix] * w.Data[((oc*c+ic)*kh+ky)*kw+kx]
						}
					}
				}
				data[(oc*h+y)*wd+xx] = s
			}
		}
	}
	var out *Tensor
	out = node(data, []int{o, h, wd}, func() {
		if out.Grad == nil {
			return
		}
		for oc := 0; oc < o; oc++ {
			for y := 0; y < h; y++ {
				for xx := 0; xx < wd; xx++ {
					g := out.Grad[(oc*h+y)*wd+xx]
					if g == 0 {
						continue
					}
					addGrad(bias, oc, g)
					for ic := 0; ic < c; ic++ {
						for ky := 0; ky < kh; ky++ {
							iy := y + ky - ph
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := xx + kx - pw
								if ix < 0 || ix >= wd {
									continue
								}
								addGrad(x, (ic*h+iy)*wd+ix, g*w.Data[((oc*c+ic)*kh+ky)*kw+kx])
								addGrad(w, ((oc*c+ic)*kh+ky)*kw+kx, g*x.Data[(ic*h+iy)*wd+ix])
							}
						}
					}
				}
			}
		}
	}, x, w, bias)
	return out
}

// AvgPool2d pools x [C,H,W] with a k×k window and stride k. Ragged
// borders average over the valid region.
func AvgPool2d(x *Tensor, k int) *Tensor {
	c, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	oh := (h + k - 1) / k
	ow := (w + k - 1) / k
	data := make([]float64, c*oh*ow)
	counts := make([]float64, oh*ow)
	for py := 0; py < oh; py++ {
		for px := 0; px < ow; px++ {
			n := 0
			for y := py * k; y < min((py+1)*k, h); y++ {
				for xx := px * k; xx < min((px+1)*k, w); xx++ {
					n++
				}
			}
			counts[py*ow+px] = float64(n)
		}
	}
	for ic := 0; ic < c; ic++ {
		for py := 0; py < oh; py++ {
			for px := 0; px < ow; px++ {
				s := 0.0
				for y := py * k; y < min((py+1)*k, h); y++ {
					for xx := px * k; xx < min((px+1)*k, w); xx++ {
						s += x.Data[(ic*h+y)*w+xx]
					}
				}
				data[(ic*oh+py)*ow+px] = s / counts[py*ow+px]
			}
		}
	}
	var out *Tensor
	out = node(data, []int{c, oh, ow}, func() {
		if out.Grad == nil {
			return
		}
		for ic := 0; ic < c; ic++ {
			for py := 0; py < oh; py++ {
				for px := 0; px < ow; px++ {
					g := out.Grad[(ic*oh+py)*ow+px] / counts[py*ow+px]
					for y := py * k; y < min((py+1)*k, h); y++ {
						for xx := px * k; xx < min((px+1)*k, w); xx++ {
							addGrad(x, (ic*h+y)*w+xx, g)
						}
					}
				}
			}
		}
	}, x)
	return out
}

// UpsampleNearest scales x [C,h,w] to [C,H,W] by nearest neighbour.
func UpsampleNearest(x *Tensor, h, w int) *Tensor {
	c, sh, sw := x.Shape[0], x.Shape[1], x.Shape[2]
	data := make([]float64, c*h*w)
	src := func(y, xx int) (int, int) {
		sy := y * sh / h
		sx := xx * sw / w
		return sy, sx
	}
	for ic := 0; ic < c; ic++ {
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				sy, sx := src(y, xx)
				data[(ic*h+y)*w+xx] = x.Data[(ic*sh+sy)*sw+sx]
			}
		}
	}
	var out *Tensor
	out = node(data, []int{c, h, w}, func() {
		if out.Grad == nil {
			return
		}
		for ic := 0; ic < c; ic++ {
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					sy, sx := src(y, xx)
					addGrad(x, (ic*sh+sy)*sw+sx, out.Grad[(ic*h+y)*w+xx])
				}
			}
		}
	}, x)
	return out
}

// GlobalAvgPool reduces x [C,H,W] to [C].
func GlobalAvgPool(x *Tensor) *Tensor {
	c, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	n := float64(h * w)
	data := make([]float64, c)
	for ic := 0; ic < c; ic++ {
		s := 0.0
		for i := 0; i < h*w; i++ {
			s += x.Data[ic*h*w+i]
		}
		data[ic] = s / n
	}
	var out *Tensor
	out = node(data, []int{c}, func() {
		if out.Grad == nil {
			return
		}
		for ic := 0; ic < c; ic++ {
			g := out.Grad[ic] / n
			for i := 0; i < h*w; i++ {
				addGrad(x, ic*h*w+i, g)
			}
		}
	}, x)
	return out
}

// EmbedLookup selects row id from a [N,D] embedding table.
func EmbedLookup(table *Tensor, id int) *Tensor {
	d := table.Shape[1]
	data := make([]float64, d)
	copy(data, table.Data[id*d:(id+1)*d])
	var out *Tensor
	out = node(data, []int{1, d}, func() {
		if out.Grad == nil {
			return
		}
		for j := 0; j < d; j++ {
			addGrad(table, id*d+j, out.Grad[j])
		}
	}, table)
	return out
}

// Dx returns horizontal forward differences of x [C,H,W]; the last
// column is zero.
func Dx(x *Tensor) *Tensor { return shiftDiff(x, 0, 1) }

// Dy returns vertical forward differences of x [C,H,W]; the last row
// is zero.
func Dy(x *Tensor) *Tensor { return shiftDiff(x, 1, 0) }

func shiftDiff(x *Tensor, dy, dx int) *Tensor {
	c, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	data := make([]float64, c*h*w)
	for ic := 0; ic < c; ic++ {
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				ny, nx := y+dy, xx+dx
				if ny < h && nx < w {
					data[(ic*h+y)*w+xx] = x.Data[(ic*h+ny)*w+nx] - x.Data[(ic*h+y)*w+xx]
				}
			}
		}
	}
	var out *Tensor
	out = node(data, x.Shape, func() {
		if out.Grad == nil {
			return
		}
		for ic := 0; ic < c; ic++ {
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					ny, nx := y+dy, xx+dx
					if ny < h && nx < w {
						g := out.Grad[(ic*h+y)*w+xx]
						addGrad(x, (ic*h+ny)*w+nx, g)
						addGrad(x, (ic*h+y)*w+xx, -g)
					}
				}
			}
		}
	}, x)
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
