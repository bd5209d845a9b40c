package loss

import (
	"fmt"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/retinex"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// Term indexes into the composer's loss table.
type Term int

// Composer term order; fixed, and shared with the log-variance
// vector.
const (
	TermReflectSpatial Term = iota
	TermColour
	TermExposure
	TermSmoothing
	TermAdaptiveCurve
	TermLaplacian
	TermGradient
	TermFrequency
	TermEdgeAwareSmooth
	TermLocalExposure
	TermIllumFrequency
	TermExclusion

	NumTerms
)

// TermNames gives the metric-sink names for each term, in order.
var TermNames = [NumTerms]string{
	"reflect_spa", "color_val", "exposure_val", "smoothing",
	"adaptive_curve", "laplacian_val", "gradient", "frequency_val",
	"smooth_edge_aware", "exposure_local",
	"illumination_frequency_penalty", "exclusion_val",
}

// clippingCoeff weights the always-on reflectance saturation penalty.
const clippingCoeff = 1.0

// Config selects the composer's weighting behavior.
type Config struct {
	// Weights holds the static per-term coefficients.
	Weights [NumTerms]float64
	// Dynamic enables learned uncertainty weighting over the static
	// weights.
	Dynamic bool
	// UseHSV suppresses the colour-constancy term, which is
	// meaningless on a single-channel illuminant.
	UseHSV bool
	// LearnGlobalExposure feeds the learned global target into the
	// exposure term.
	LearnGlobalExposure bool
	// LearnLocalExposure feeds the predicted local mean into the
	// local exposure term.
	LearnLocalExposure bool
	// LearnSpatialContrast and LearnCurveLambdas toggle module
	// learnables.
	LearnSpatialContrast bool
	LearnCurveLambdas    bool
}

// Composer owns the 12 regularization modules and folds their terms
// into one scalar per step, with either fixed or learned-uncertainty
// weighting, plus the unconditional clipping penalty.
type Composer struct {
	cfg Config

	Spatial        *Spatial
	Colour         ColourConsistency
	Exposure       *Exposure
	Smooth         TotalVariation
	Curve          *AdaptiveCurve
	Details        *Laplacian
	Grad           Gradient
	Freq           Frequency
	EdgeSmooth     *EdgeAwareSmoothing
	LocalExp       *LocalExposure
	IllumFreq      IlluminationFrequency
	ExclusionTerm  Exclusion

	// logVars is the learned log-variance vector captured from the
	// net when dynamic weighting is on.
	logVars *tensor.Tensor
}

// NewComposer builds the composer. When dynamic weighting is
// requested, logVars must be the net's log-variance tensor; the same
// slice must be registered with the retinex optimizer, and the
// composer verifies the identity at every use.
func NewComposer(cfg Config, logVars *tensor.Tensor) (*Composer, error) {
	if cfg.Dynamic && logVars == nil {
		return nil, fmt.Errorf("loss: dynamic weighting requires the net's log-variance tensor")
	}
	if logVars != nil && logVars.Numel() != int(NumTerms) {
		return nil, fmt.Errorf("loss: log-variance vector has %d entries, want %d", logVars.Numel(), NumTerms)
	}
	return &Composer{
		cfg:        cfg,
		Spatial:    NewSpatial(cfg.LearnSpatialContrast),
		Exposure:   NewExposure(32),
		Curve:      NewAdaptiveCurve(cfg.LearnCurveLambdas),
		Details:    NewLaplacian(),
		EdgeSmooth: NewEdgeAwareSmoothing(),
		LocalExp:   NewLocalExposure(8),
		logVars:    logVars,
	}, nil
}

// Params returns the loss-module learnables that train with the
// retinex network.
func (c *Composer) Params() []*tensor.Tensor {
	var ps []*tensor.Tensor
	ps = append(ps, c.Spatial.Params()...)
	ps = append(ps, c.Curve.Params()...)
	ps = append(ps, c.EdgeSmooth.Params()...)
	return ps
}

// Breakdown carries the per-term values of one composition for the
// metric sink.
type Breakdown struct {
	Unweighted [NumTerms]float64
	Effective  [NumTerms]float64
	LogVars    [NumTerms]float64
	Total      float64
}

// Regularization evaluates all 12 terms on a decomposition and
// returns the weighted total plus the breakdown. globalTarget and
// contrast come from the trainer (learned target and per-batch
// contrast degree).
func (c *Composer) Regularization(dec *retinex.Decomposition, globalTarget *tensor.Tensor, contrast float64) (*tensor.Tensor, *Breakdown, error) {
	var terms [NumTerms]*tensor.Tensor

	terms[TermReflectSpatial] = c.Spatial.Loss(dec.Input, dec.Reflectance, contrast)
	if c.cfg.UseHSV {
		terms[TermColour] = tensor.Scalar(0)
	} else {
		terms[TermColour] = c.Colour.Loss(dec.Illumination)
	}
	var expTarget *tensor.Tensor
	if c.cfg.LearnGlobalExposure {
		expTarget = globalTarget
	}
	terms[TermExposure] = c.Exposure.Loss(dec.Reflectance, expTarget)
	terms[TermSmoothing] = c.Smooth.Loss(dec.Illumination)
	terms[TermAdaptiveCurve] = c.Curve.Loss(dec.Reflectance, dec.Alpha, dec.Beta)
	terms[TermLaplacian] = tensor.Mean(tensor.Abs(tensor.Sub(
		c.Details.Response(dec.Reflectance), c.Details.Response(dec.Input))))
	terms[TermGradient] = c.Grad.Loss(dec.Input, dec.Reflectance)
	terms[TermFrequency] = c.Freq.Loss(dec.Input, dec.Reflectance)
	terms[TermEdgeAwareSmooth] = c.EdgeSmooth.Loss(dec.Illumination, dec.Input)
	var localTarget *tensor.Tensor
	if c.cfg.LearnLocalExposure {
		localTarget = dec.LocalExposure
	}
	terms[TermLocalExposure] = c.LocalExp.Loss(dec.Reflectance, localTarget)
	terms[TermIllumFrequency] = c.IllumFreq.Loss(dec.Illumination)
	terms[TermExclusion] = c.ExclusionTerm.Loss(dec.Reflectance, dec.Illumination)

	total, bd, err := c.combine(terms, dec)
	if err != nil {
		return nil, nil, err
	}

	// Saturation penalty, outside the weighting scheme.
	clipHigh := tensor.Mean(tensor.Square(tensor.ReLU(tensor.AddScalar(dec.Reflectance, -0.98))))
	clipLow := tensor.Mean(tensor.Square(tensor.ReLU(tensor.AddScalar(tensor.Neg(dec.Reflectance), 0.02))))
	total = tensor.Add(total, tensor.MulScalar(tensor.Add(clipHigh, clipLow), clippingCoeff))

	bd.Total = total.Item()
	return total, bd, nil
}

func (c *Composer) combine(terms [NumTerms]*tensor.Tensor, dec *retinex.Decomposition) (*tensor.Tensor, *Breakdown, error) {
	bd := &Breakdown{}
	for i, t := range terms {
		bd.Unweighted[i] = t.Item()
	}

	if !c.cfg.Dynamic {
		total := tensor.Scalar(0)
		for i, t := range terms {
			w := c.cfg.Weights[i]
			total = tensor.Add(total, tensor.MulScalar(t, w))
			bd.Effective[i] = w
		}
		return total, bd, nil
	}

	// The wrapped and unwrapped module paths must expose the same
	// log-variance tensor; verify rather than assume.
	if dec.DynamicWeights == nil {
		return nil, nil, fmt.Errorf("loss: dynamic weighting enabled but the net produced no log-variances")
	}
	if &dec.DynamicWeights.Data[0] != &c.logVars.Data[0] {
		return nil, nil, fmt.Errorf("loss: net log-variance tensor is not the one registered with the optimizer")
	}

	lv := c.logVars
	total := tensor.Scalar(0)
	for i, t := range terms {
		vi := lvAt(lv, i)
		w := tensor.MulScalar(tensor.Exp(tensor.Neg(vi)), c.cfg.Weights[i]*0.5)
		total = tensor.Add(total, tensor.Mul(t, w))
		total = tensor.Add(total, tensor.MulScalar(vi, 0.5))
		bd.Effective[i] = w.Item()
		bd.LogVars[i] = vi.Item()
	}
	return total, bd, nil
}

// lvAt extracts log-variance i as a scalar node.
func lvAt(lv *tensor.Tensor, i int) *tensor.Tensor {
	data := []float64{lv.Data[i]}
	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		lv.EnsureGrad()
		lv.Grad[i] += out.Grad[0]
	}
	return tensor.Custom(data, []int{1}, back, lv)
}
