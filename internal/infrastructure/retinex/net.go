// Package retinex provides the learned illumination decomposition:
// the decomposition network with its per-image embedding table, the
// per-image affine illumination adjustment module, and the image
// decomposition step the trainer couples to the dual renderer.
package retinex

import (
	"math/rand"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// NumLossTerms is the size of the regularization loss table and of
// the learned log-variance vector.
const NumLossTerms = 12

// NetConfig configures the decomposition network.
type NetConfig struct {
	// Channels is 1 (value channel) or 3 (full RGB).
	Channels int
	// EmbedDim is the per-image embedding width.
	EmbedDim int
	// Hidden is the convolutional feature width.
	Hidden int
	// MultiScale adds a half-resolution branch.
	MultiScale bool
	// Refinement adds a residual conv on the illumination map.
	Refinement bool
	// PredictiveCurve predicts the adaptive-curve exponents from the
	// image instead of leaving them to the loss module.
	PredictiveCurve bool
	// DynamicWeights equips the net with learned per-term
	// log-variances for uncertainty weighting.
	DynamicWeights bool

	Seed int64
}

// Net is the illumination decomposition network: a small conv stack
// with FiLM conditioning on the per-image embedding. Forward returns
// the log illumination map plus the auxiliary curve/exposure heads.
type Net struct {
	cfg NetConfig

	conv1W, conv1B *tensor.Tensor
	conv2W, conv2B *tensor.Tensor
	downW, downB   *tensor.Tensor
	outW, outB     *tensor.Tensor
	refineW        *tensor.Tensor
	refineB        *tensor.Tensor

	// FiLM projection: embedding -> per-channel scale and shift.
	filmW, filmB *tensor.Tensor

	// Scalar heads over pooled features.
	headW, headB *tensor.Tensor

	logVars *tensor.Tensor
}

// Output bundles one forward pass of the net.
type Output struct {
	LogIllumination *tensor.Tensor // [C,H,W]
	Alpha           *tensor.Tensor // scalar, nil unless predictive
	Beta            *tensor.Tensor // scalar, nil unless predictive
	LocalExposure   *tensor.Tensor // scalar
	// DynamicWeights is the learned log-variance vector, nil unless
	// enabled.
	DynamicWeights *tensor.Tensor
}

// NewNet builds the network with small random weights.
func NewNet(cfg NetConfig) *Net {
	if cfg.Hidden == 0 {
		cfg.Hidden = 16
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	c, hd := cfg.Channels, cfg.Hidden
	n := &Net{cfg: cfg}
	n.conv1W = tensor.Randn(rng, 0.1, hd, c, 3, 3).Param()
	n.conv1B = tensor.Zeros(hd).Param()
	n.conv2W = tensor.Randn(rng, 0.1, hd, hd, 3, 3).Param()
	n.conv2B = tensor.Zeros(hd).Param()
	n.outW = tensor.Randn(rng, 0.1, c, hd, 3, 3).Param()
	n.outB = tensor.Zeros(c).Param()
	n.filmW = tensor.Randn(rng, 0.1, cfg.EmbedDim, 2*hd).Param()
	n.filmB = tensor.Zeros(2 * hd).Param()
	// Heads: local exposure (+ alpha,beta when predictive).
	heads := 1
	if cfg.PredictiveCurve {
		heads = 3
	}
	n.headW = tensor.Randn(rng, 0.1, hd, heads).Param()
	n.headB = tensor.Zeros(heads).Param()
	if cfg.MultiScale {
		n.downW = tensor.Randn(rng, 0.1, hd, c, 3, 3).Param()
		n.downB = tensor.Zeros(hd).Param()
	}
	if cfg.Refinement {
		n.refineW = tensor.Randn(rng, 0.05, c, c, 3, 3).Param()
		n.refineB = tensor.Zeros(c).Param()
	}
	if cfg.DynamicWeights {
		n.logVars = tensor.Zeros(NumLossTerms).Param()
	}
	return n
}

// LogVars returns the learned per-term log-variance vector, nil when
// dynamic weighting is disabled.
func (n *Net) LogVars() *tensor.Tensor { return n.logVars }

// Params returns every learnable tensor of the net.
func (n *Net) Params() []*tensor.Tensor {
	ps := []*tensor.Tensor{
		n.conv1W, n.conv1B, n.conv2W, n.conv2B,
		n.outW, n.outB, n.filmW, n.filmB, n.headW, n.headB,
	}
	if n.downW != nil {
		ps = append(ps, n.downW, n.downB)
	}
	if n.logVars != nil {
		ps = append(ps, n.logVars)
	}
	return ps
}

// RefinementParams returns the refinement sub-network parameters,
// empty when disabled. They carry their own optimizer.
func (n *Net) RefinementParams() []*tensor.Tensor {
	if n.refineW == nil {
		return nil
	}
	return []*tensor.Tensor{n.refineW, n.refineB}
}

// HasRefinement reports whether the refinement sub-net is enabled.
func (n *Net) HasRefinement() bool { return n.refineW != nil }

// Forward runs the net on a working-space image [C,H,W] with the
// image's embedding [1,D].
func (n *Net) Forward(x, embed *tensor.Tensor) Output {
	h, w := x.Shape[1], x.Shape[2]
	hd := n.cfg.Hidden

	feat := tensor.ReLU(tensor.Conv2d(x, n.conv1W, n.conv1B))

	// FiLM conditioning from the embedding.
	film := tensor.Linear(embed, n.filmW, n.filmB) // [1, 2*hd]
	scaled := filmApply(feat, film, hd)

	feat2 := tensor.ReLU(tensor.Conv2d(scaled, n.conv2W, n.conv2B))

	if n.cfg.MultiScale {
		half := tensor.AvgPool2d(x, 2)
		coarse := tensor.ReLU(tensor.Conv2d(half, n.downW, n.downB))
		feat2 = tensor.Add(feat2, tensor.UpsampleNearest(coarse, h, w))
	}

	logIllum := tensor.Conv2d(feat2, n.outW, n.outB)
	if n.refineW != nil {
		logIllum = tensor.Add(logIllum, tensor.Conv2d(logIllum, n.refineW, n.refineB))
	}

	pooled := tensor.Reshape(tensor.GlobalAvgPool(feat2), 1, hd)
	heads := tensor.Linear(pooled, n.headW, n.headB)

	out := Output{
		LogIllumination: logIllum,
		LocalExposure:   tensor.Sigmoid(sliceScalar(heads, 0)),
		DynamicWeights:  n.logVars,
	}
	if n.cfg.PredictiveCurve {
		// Keep the curve exponents in a stable positive range.
		out.Alpha = tensor.AddScalar(tensor.Sigmoid(sliceScalar(heads, 1)), 0.5)
		out.Beta = tensor.Sigmoid(sliceScalar(heads, 2))
	}
	return out
}

// filmApply scales and shifts each feature channel by the FiLM
// parameters: y_c = x_c * (1 + scale_c) + shift_c.
func filmApply(x, film *tensor.Tensor, hd int) *tensor.Tensor {
	c, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	data := make([]float64, len(x.Data))
	for ic := 0; ic < c; ic++ {
		s := 1 + film.Data[ic]
		b := film.Data[hd+ic]
		for i := 0; i < h*w; i++ {
			data[ic*h*w+i] = x.Data[ic*h*w+i]*s + b
		}
	}
	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		x.EnsureGrad()
		film.EnsureGrad()
		for ic := 0; ic < c; ic++ {
			s := 1 + film.Data[ic]
			for i := 0; i < h*w; i++ {
				g := out.Grad[ic*h*w+i]
				if g == 0 {
					continue
				}
				x.Grad[ic*h*w+i] += g * s
				film.Grad[ic] += g * x.Data[ic*h*w+i]
				film.Grad[hd+ic] += g
			}
		}
	}
	return tensor.Custom(data, x.Shape, back, x, film)
}

// sliceScalar extracts element j of a [1,n] tensor as a scalar node.
func sliceScalar(t *tensor.Tensor, j int) *tensor.Tensor {
	data := []float64{t.Data[j]}
	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		t.EnsureGrad()
		t.Grad[j] += out.Grad[0]
	}
	return tensor.Custom(data, []int{1}, back, t)
}
