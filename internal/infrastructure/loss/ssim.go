package loss

import (
	"math"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// ssim constants for a [0,1] data range.
const (
	ssimC1 = 0.01 * 0.01
	ssimC2 = 0.03 * 0.03
)

// SSIM computes a windowed structural-similarity score between two
// [C,H,W] images on the tape, using non-overlapping box windows.
func SSIM(x, y *tensor.Tensor, window int) *tensor.Tensor {
	mx := tensor.AvgPool2d(x, window)
	my := tensor.AvgPool2d(y, window)
	mx2 := tensor.AvgPool2d(tensor.Square(x), window)
	my2 := tensor.AvgPool2d(tensor.Square(y), window)
	mxy := tensor.AvgPool2d(tensor.Mul(x, y), window)

	vx := tensor.Sub(mx2, tensor.Square(mx))
	vy := tensor.Sub(my2, tensor.Square(my))
	cov := tensor.Sub(mxy, tensor.Mul(mx, my))

	num := tensor.Mul(
		tensor.AddScalar(tensor.MulScalar(tensor.Mul(mx, my), 2), ssimC1),
		tensor.AddScalar(tensor.MulScalar(cov, 2), ssimC2),
	)
	den := tensor.Mul(
		tensor.AddScalar(tensor.Add(tensor.Square(mx), tensor.Square(my)), ssimC1),
		tensor.AddScalar(tensor.Add(vx, vy), ssimC2),
	)
	return tensor.Mean(tensor.Div(num, den))
}

// L1 returns the mean absolute difference.
func L1(x, y *tensor.Tensor) *tensor.Tensor {
	return tensor.Mean(tensor.Abs(tensor.Sub(x, y)))
}

// PSNR computes peak signal-to-noise ratio on raw values, for
// evaluation only.
func PSNR(x, y []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	mse := 0.0
	for i := range x {
		d := x[i] - y[i]
		mse += d * d
	}
	mse /= float64(len(x))
	if mse == 0 {
		return math.Inf(1)
	}
	return -10 * math.Log10(mse)
}

// SSIMValue computes SSIM on raw values without touching the tape,
// for evaluation only.
func SSIMValue(x, y []float64, c, h, w, window int) float64 {
	xt := tensor.New(append([]float64(nil), x...), c, h, w)
	yt := tensor.New(append([]float64(nil), y...), c, h, w)
	return SSIM(xt, yt, window).Item()
}
