package render

import (
	"math"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// Real spherical-harmonic basis constants up to degree 3.
var (
	shC0 = 0.28209479177387814
	shC1 = 0.4886025119029199
	shC2 = [5]float64{1.0925484305920792, -1.0925484305920792, 0.31539156525252005, -1.0925484305920792, 0.5462742152960396}
	shC3 = [7]float64{-0.5900435899266435, 2.890611442640554, -0.4570457994644658, 0.3731763325901154, -0.4570457994644658, 1.445305721320277, -0.5900435899266435}
)

// shBasis fills the first (degree+1)^2 basis values for a unit view
// direction.
func shBasis(dir [3]float64, degree int, out []float64) {
	x, y, z := dir[0], dir[1], dir[2]
	out[0] = shC0
	if degree < 1 {
		return
	}
	out[1] = -shC1 * y
	out[2] = shC1 * z
	out[3] = -shC1 * x
	if degree < 2 {
		return
	}
	xx, yy, zz := x*x, y*y, z*z
	out[4] = shC2[0] * x * y
	out[5] = shC2[1] * y * z
	out[6] = shC2[2] * (2*zz - xx - yy)
	out[7] = shC2[3] * x * z
	out[8] = shC2[4] * (xx - yy)
	if degree < 3 {
		return
	}
	out[9] = shC3[0] * y * (3*xx - yy)
	out[10] = shC3[1] * x * y * z
	out[11] = shC3[2] * y * (4*zz - xx - yy)
	out[12] = shC3[3] * z * (2*zz - 3*xx - 3*yy)
	out[13] = shC3[4] * x * (4*zz - xx - yy)
	out[14] = shC3[5] * z * (xx - yy)
	out[15] = shC3[6] * x * (xx - yy)
}

// EvalSH evaluates per-Gaussian colors from SH coefficients for the
// given unit view directions, truncated to degree. sh0 is [N,1,3],
// shN is [N,K-1,3]. The directions are treated as constants; only the
// coefficients receive gradients. Returns [N,3] clamped at zero.
func EvalSH(sh0, shN *tensor.Tensor, dirs [][3]float64, degree int) *tensor.Tensor {
	n := sh0.Shape[0]
	kTotal := 1 + shN.Shape[1]
	kUsed := (degree + 1) * (degree + 1)
	if kUsed > kTotal {
		kUsed = kTotal
	}

	basis := make([]float64, n*kUsed)
	for i := 0; i < n; i++ {
		shBasis(dirs[i], degree, basis[i*kUsed:(i+1)*kUsed])
	}

	data := make([]float64, n*3)
	for i := 0; i < n; i++ {
		for c := 0; c < 3; c++ {
			v := basis[i*kUsed] * sh0.Data[i*3+c]
			for j := 1; j < kUsed; j++ {
				v += basis[i*kUsed+j] * shN.Data[(i*(kTotal-1)+j-1)*3+c]
			}
			data[i*3+c] = v + 0.5
		}
	}

	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		sh0.EnsureGrad()
		shN.EnsureGrad()
		for i := 0; i < n; i++ {
			for c := 0; c < 3; c++ {
				g := out.Grad[i*3+c]
				if g == 0 {
					continue
				}
				sh0.Grad[i*3+c] += g * basis[i*kUsed]
				for j := 1; j < kUsed; j++ {
					shN.Grad[(i*(kTotal-1)+j-1)*3+c] += g * basis[i*kUsed+j]
				}
			}
		}
	}
	return tensor.ClampMin(tensor.Custom(data, []int{n, 3}, back, sh0, shN), 0)
}

// ViewDirs computes unit directions from the camera position to each
// Gaussian mean. Pure data, no tape.
func ViewDirs(means *tensor.Tensor, camToWorld [16]float64) [][3]float64 {
	n := means.Shape[0]
	ox, oy, oz := camToWorld[3], camToWorld[7], camToWorld[11]
	out := make([][3]float64, n)
	for i := 0; i < n; i++ {
		dx := means.Data[i*3] - ox
		dy := means.Data[i*3+1] - oy
		dz := means.Data[i*3+2] - oz
		l := math.Sqrt(dx*dx + dy*dy + dz*dz)
		if l == 0 {
			out[i] = [3]float64{0, 0, 1}
			continue
		}
		out[i] = [3]float64{dx / l, dy / l, dz / l}
	}
	return out
}
