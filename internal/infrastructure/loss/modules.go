// Package loss provides the regularization loss modules of the
// illumination decomposition, the differentiable reconstruction
// losses, and the composer that folds them into one scalar per step.
package loss

import (
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// Spatial penalizes reflectance gradients that deviate from the
// (contrast-boosted) input gradients. The contrast gain is optionally
// learnable.
type Spatial struct {
	// ContrastGain, when non-nil, is a learned multiplier applied on
	// top of the per-step contrast degree.
	ContrastGain *tensor.Tensor
}

// NewSpatial builds the module; learnContrast adds the learned gain.
func NewSpatial(learnContrast bool) *Spatial {
	s := &Spatial{}
	if learnContrast {
		s.ContrastGain = tensor.Full(1, 1).Param()
	}
	return s
}

// Params returns the learnable tensors, if any.
func (s *Spatial) Params() []*tensor.Tensor {
	if s.ContrastGain == nil {
		return nil
	}
	return []*tensor.Tensor{s.ContrastGain}
}

// Loss compares pooled gradient magnitudes; contrast is the per-step
// contrast degree derived from the batch brightness.
func (s *Spatial) Loss(input, refl *tensor.Tensor, contrast float64) *tensor.Tensor {
	in := tensor.AvgPool2d(input, 4)
	rf := tensor.AvgPool2d(refl, 4)
	gi := gradMag(in)
	gr := gradMag(rf)
	target := tensor.MulScalar(gi, contrast)
	if s.ContrastGain != nil {
		target = tensor.Mul(target, s.ContrastGain)
	}
	return tensor.Mean(tensor.Square(tensor.Sub(gr, target)))
}

// ColourConsistency penalizes divergence between the illumination
// map's channel means; a gray-world prior on the illuminant.
type ColourConsistency struct{}

// Loss is zero for single-channel maps.
func (ColourConsistency) Loss(illum *tensor.Tensor) *tensor.Tensor {
	c := illum.Shape[0]
	if c < 2 {
		return tensor.Scalar(0)
	}
	means := make([]*tensor.Tensor, c)
	for i := 0; i < c; i++ {
		means[i] = tensor.Mean(channel(illum, i))
	}
	total := tensor.Scalar(0)
	for i := 0; i < c; i++ {
		for j := i + 1; j < c; j++ {
			total = tensor.Add(total, tensor.Square(tensor.Sub(means[i], means[j])))
		}
	}
	return total
}

// Exposure drives patch-mean reflectance toward a target level.
type Exposure struct {
	PatchSize int
	// DefaultTarget is used when no learned target is supplied.
	DefaultTarget float64
}

// NewExposure builds the module.
func NewExposure(patch int) *Exposure {
	return &Exposure{PatchSize: patch, DefaultTarget: 0.6}
}

// Loss measures squared deviation of patch means from target; target
// may be nil.
func (e *Exposure) Loss(refl, target *tensor.Tensor) *tensor.Tensor {
	pooled := tensor.AvgPool2d(refl, e.PatchSize)
	if target == nil {
		return tensor.Mean(tensor.Square(tensor.AddScalar(pooled, -e.DefaultTarget)))
	}
	return tensor.Mean(tensor.Square(tensor.Sub(pooled, target)))
}

// TotalVariation penalizes first differences of the illumination
// map, enforcing a slowly varying illuminant.
type TotalVariation struct{}

// Loss returns the mean squared forward differences.
func (TotalVariation) Loss(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Add(
		tensor.Mean(tensor.Square(tensor.Dx(x))),
		tensor.Mean(tensor.Square(tensor.Dy(x))),
	)
}

// AdaptiveCurve measures how far the reflectance is from the fixed
// point of a quadratic tone curve parameterized by alpha and beta.
// The exponent pair is learned here unless the net predicts it; the
// per-component mixing lambdas are optionally learnable.
type AdaptiveCurve struct {
	Alpha *tensor.Tensor
	Beta  *tensor.Tensor

	Lambda1 *tensor.Tensor
	Lambda2 *tensor.Tensor
	Lambda3 *tensor.Tensor

	learnLambdas bool
}

// NewAdaptiveCurve builds the module with learnable exponents.
func NewAdaptiveCurve(learnLambdas bool) *AdaptiveCurve {
	ac := &AdaptiveCurve{
		Alpha:        tensor.Full(1, 1).Param(),
		Beta:         tensor.Zeros(1).Param(),
		learnLambdas: learnLambdas,
	}
	if learnLambdas {
		ac.Lambda1 = tensor.Full(1, 1).Param()
		ac.Lambda2 = tensor.Full(1, 1).Param()
		ac.Lambda3 = tensor.Full(1, 1).Param()
	}
	return ac
}

// Params returns the learnable tensors.
func (ac *AdaptiveCurve) Params() []*tensor.Tensor {
	ps := []*tensor.Tensor{ac.Alpha, ac.Beta}
	if ac.learnLambdas {
		ps = append(ps, ac.Lambda1, ac.Lambda2, ac.Lambda3)
	}
	return ps
}

// Loss evaluates the curve fidelity. alpha/beta override the module's
// own exponents when the net predicts them.
func (ac *AdaptiveCurve) Loss(refl, alpha, beta *tensor.Tensor) *tensor.Tensor {
	if alpha == nil {
		alpha = ac.Alpha
	}
	if beta == nil {
		beta = ac.Beta
	}
	curved := tensor.Add(
		tensor.Mul(tensor.Square(refl), alpha),
		tensor.Mul(refl, beta),
	)
	resid := tensor.Mean(tensor.Square(tensor.Sub(curved, refl)))
	if !ac.learnLambdas {
		return resid
	}
	// Lambda-weighted decomposition: residual, curvature magnitude,
	// and a pull keeping the lambdas near one.
	l := tensor.Mul(resid, tensor.Square(ac.Lambda1))
	l = tensor.Add(l, tensor.Mul(tensor.Mean(tensor.Square(alpha)), tensor.MulScalar(tensor.Square(ac.Lambda2), 1e-3)))
	l = tensor.Add(l, tensor.MulScalar(tensor.Square(tensor.AddScalar(ac.Lambda3, -1)), 1e-3))
	return l
}

// Laplacian exposes a 3x3 Laplacian response used for detail
// preservation.
type Laplacian struct {
	kernel *tensor.Tensor
	bias   *tensor.Tensor
}

// NewLaplacian builds the fixed-kernel operator.
func NewLaplacian() *Laplacian {
	k := tensor.New([]float64{
		0, 1, 0,
		1, -4, 1,
		0, 1, 0,
	}, 1, 1, 3, 3)
	return &Laplacian{kernel: k, bias: tensor.Zeros(1)}
}

// Response returns the per-pixel Laplacian of the channel-mean image.
func (l *Laplacian) Response(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Conv2d(meanChannel(x), l.kernel, l.bias)
}

// Gradient preserves edge magnitude between input and reflectance.
type Gradient struct{}

// Loss returns the mean squared gradient-magnitude difference.
func (Gradient) Loss(input, refl *tensor.Tensor) *tensor.Tensor {
	return tensor.Mean(tensor.Square(tensor.Sub(gradMag(refl), gradMag(input))))
}

// Frequency preserves the high-frequency band of the input in the
// reflectance, with the band split by a box blur.
type Frequency struct{}

// Loss returns the mean squared high-band difference.
func (Frequency) Loss(input, refl *tensor.Tensor) *tensor.Tensor {
	return tensor.Mean(tensor.Square(tensor.Sub(highBand(refl), highBand(input))))
}

// EdgeAwareSmoothing penalizes illumination gradients away from input
// edges; the edge sensitivity gamma is learned.
type EdgeAwareSmoothing struct {
	Gamma *tensor.Tensor
}

// NewEdgeAwareSmoothing builds the module with gamma = 1.
func NewEdgeAwareSmoothing() *EdgeAwareSmoothing {
	return &EdgeAwareSmoothing{Gamma: tensor.Full(1, 1).Param()}
}

// Params returns the learnable gamma.
func (e *EdgeAwareSmoothing) Params() []*tensor.Tensor {
	return []*tensor.Tensor{e.Gamma}
}

// Loss weights |∇illum| by exp(-gamma*|∇input|).
func (e *EdgeAwareSmoothing) Loss(illum, input *tensor.Tensor) *tensor.Tensor {
	gi := gradMag(meanChannel(input))
	gl := gradMag(meanChannel(illum))
	edge := tensor.Exp(tensor.Neg(tensor.Mul(gi, e.Gamma)))
	return tensor.Mean(tensor.Mul(gl, edge))
}

// LocalExposure matches patch-grid means against a local target.
type LocalExposure struct {
	PatchSize     int
	DefaultTarget float64
}

// NewLocalExposure builds the module.
func NewLocalExposure(patch int) *LocalExposure {
	return &LocalExposure{PatchSize: patch, DefaultTarget: 0.5}
}

// Loss measures squared deviation of grid means from target; target
// may be nil.
func (l *LocalExposure) Loss(refl, target *tensor.Tensor) *tensor.Tensor {
	pooled := tensor.AvgPool2d(refl, l.PatchSize)
	if target == nil {
		return tensor.Mean(tensor.Square(tensor.AddScalar(pooled, -l.DefaultTarget)))
	}
	return tensor.Mean(tensor.Square(tensor.Sub(pooled, target)))
}

// IlluminationFrequency penalizes high-frequency energy in the
// illumination map.
type IlluminationFrequency struct{}

// Loss returns the mean squared high band of the illumination.
func (IlluminationFrequency) Loss(illum *tensor.Tensor) *tensor.Tensor {
	return tensor.Mean(tensor.Square(highBand(illum)))
}

// Exclusion discourages shared edge structure between reflectance
// and illumination.
type Exclusion struct{}

// Loss correlates the two gradient fields at full and half scale.
func (Exclusion) Loss(refl, illum *tensor.Tensor) *tensor.Tensor {
	r := meanChannel(refl)
	l := meanChannel(illum)
	total := exclusionScale(r, l)
	total = tensor.Add(total, exclusionScale(tensor.AvgPool2d(r, 2), tensor.AvgPool2d(l, 2)))
	return tensor.MulScalar(total, 0.5)
}

func exclusionScale(a, b *tensor.Tensor) *tensor.Tensor {
	return tensor.Mean(tensor.Square(tensor.Mul(gradMag(a), gradMag(b))))
}

// gradMag returns |dx| + |dy|.
func gradMag(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Add(tensor.Abs(tensor.Dx(x)), tensor.Abs(tensor.Dy(x)))
}

// highBand returns x minus its box-blurred self.
func highBand(x *tensor.Tensor) *tensor.Tensor {
	h, w := x.Shape[1], x.Shape[2]
	blur := tensor.UpsampleNearest(tensor.AvgPool2d(x, 4), h, w)
	return tensor.Sub(x, blur)
}

// channel extracts channel i of [C,H,W] with pass-through gradient.
func channel(x *tensor.Tensor, i int) *tensor.Tensor {
	h, w := x.Shape[1], x.Shape[2]
	data := append([]float64(nil), x.Data[i*h*w:(i+1)*h*w]...)
	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		x.EnsureGrad()
		for j := 0; j < h*w; j++ {
			x.Grad[i*h*w+j] += out.Grad[j]
		}
	}
	return tensor.Custom(data, []int{1, h, w}, back, x)
}

// meanChannel collapses [C,H,W] to [1,H,W] by channel mean.
func meanChannel(x *tensor.Tensor) *tensor.Tensor {
	c, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	if c == 1 {
		return x
	}
	data := make([]float64, h*w)
	for i := 0; i < h*w; i++ {
		s := 0.0
		for ic := 0; ic < c; ic++ {
			s += x.Data[ic*h*w+i]
		}
		data[i] = s / float64(c)
	}
	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		x.EnsureGrad()
		for i := 0; i < h*w; i++ {
			g := out.Grad[i] / float64(c)
			for ic := 0; ic < c; ic++ {
				x.Grad[ic*h*w+i] += g
			}
		}
	}
	return tensor.Custom(data, []int{1, h, w}, back, x)
}
