package retinex

import (
	"fmt"
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// illumFloor is the floor applied to the illumination map before it
// divides anything.
const illumFloor = 1e-5

// Model couples the decomposition net with its per-image embedding
// table and the learnable scalars owned by individual loss terms'
// couplings (the global exposure target).
type Model struct {
	Net    *Net
	Embeds *tensor.Tensor // [numImages, embedDim], zero-initialized
	// GlobalMean is the learnable global exposure target, stored as
	// a logit.
	GlobalMean *tensor.Tensor

	useHSV bool
	eps    float64
}

// ModelConfig configures the decomposition model.
type ModelConfig struct {
	NumImages int
	UseHSV    bool
	Net       NetConfig
}

// NewModel builds the decomposition model.
func NewModel(cfg ModelConfig) (*Model, error) {
	if cfg.NumImages <= 0 {
		return nil, fmt.Errorf("retinex: need at least one training image, got %d", cfg.NumImages)
	}
	ch := 3
	if cfg.UseHSV {
		ch = 1
	}
	cfg.Net.Channels = ch
	if cfg.Net.EmbedDim == 0 {
		cfg.Net.EmbedDim = 32
	}
	return &Model{
		Net:        NewNet(cfg.Net),
		Embeds:     tensor.Zeros(cfg.NumImages, cfg.Net.EmbedDim).Param(),
		GlobalMean: tensor.Zeros(1).Param(),
		useHSV:     cfg.UseHSV,
		eps:        2.220446049250313e-16,
	}, nil
}

// GlobalExposureTarget returns sigmoid(global mean parameter).
func (m *Model) GlobalExposureTarget() *tensor.Tensor {
	return tensor.Sigmoid(m.GlobalMean)
}

// Decomposition is the output of one retinex decomposition step.
// Illumination * Reflectance reconstructs the working-color-space
// image up to the clamping bounds.
type Decomposition struct {
	// Input is the working-space image fed to the net, [C,H,W].
	Input *tensor.Tensor
	// Illumination is the floor-clamped illumination map, [C,H,W].
	Illumination *tensor.Tensor
	// Reflectance is the full-color reflectance in [0,1], [3,H,W].
	Reflectance *tensor.Tensor

	Alpha          *tensor.Tensor
	Beta           *tensor.Tensor
	LocalExposure  *tensor.Tensor
	DynamicWeights *tensor.Tensor
}

// Decompose runs the decomposition on an RGB image [3,H,W] in [0,1]
// for the given image identity.
func (m *Model) Decompose(pixels *tensor.Tensor, imageID int) (*Decomposition, error) {
	if imageID < 0 || imageID >= m.Embeds.Shape[0] {
		return nil, fmt.Errorf("retinex: image id %d outside embedding table of %d", imageID, m.Embeds.Shape[0])
	}
	h, w := pixels.Shape[1], pixels.Shape[2]

	var input *tensor.Tensor
	var hsvK []float64 // per-pixel RGB reassembly coefficients, HSV mode
	if m.useHSV {
		input, hsvK = valueChannel(pixels)
	} else {
		input = pixels
	}

	logInput := tensor.Log(tensor.AddScalar(input, m.eps))

	embed := tensor.EmbedLookup(m.Embeds, imageID)
	out := m.Net.Forward(input, embed)

	illum := tensor.ClampMin(tensor.Exp(out.LogIllumination), illumFloor)
	logRefl := tensor.Sub(logInput, tensor.Log(illum))
	refl := tensor.Exp(logRefl)

	if m.useHSV {
		// Reassemble full color: for fixed hue/saturation each RGB
		// channel is linear in the value channel.
		refl = applyHSVCoefficients(refl, hsvK, h, w)
	}
	refl = tensor.Clamp(refl, 0, 1)

	return &Decomposition{
		Input:          input,
		Illumination:   illum,
		Reflectance:    refl,
		Alpha:          out.Alpha,
		Beta:           out.Beta,
		LocalExposure:  out.LocalExposure,
		DynamicWeights: out.DynamicWeights,
	}, nil
}

// valueChannel extracts the HSV value channel of a constant RGB
// image and the coefficients k with rgb = v*k for each pixel.
func valueChannel(pixels *tensor.Tensor) (*tensor.Tensor, []float64) {
	h, w := pixels.Shape[1], pixels.Shape[2]
	v := make([]float64, h*w)
	k := make([]float64, 3*h*w)
	for i := 0; i < h*w; i++ {
		r := pixels.Data[i]
		g := pixels.Data[h*w+i]
		b := pixels.Data[2*h*w+i]
		c := colorful.Color{R: clamp01(r), G: clamp01(g), B: clamp01(b)}
		hh, ss, vv := c.Hsv()
		v[i] = vv
		unit := colorful.Hsv(hh, ss, 1)
		k[i] = unit.R
		k[h*w+i] = unit.G
		k[2*h*w+i] = unit.B
	}
	return tensor.New(v, 1, h, w), k
}

// applyHSVCoefficients expands a value-channel reflectance [1,H,W]
// into RGB [3,H,W] using the per-pixel coefficients.
func applyHSVCoefficients(v *tensor.Tensor, k []float64, h, w int) *tensor.Tensor {
	data := make([]float64, 3*h*w)
	for c := 0; c < 3; c++ {
		for i := 0; i < h*w; i++ {
			data[c*h*w+i] = v.Data[i] * k[c*h*w+i]
		}
	}
	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		v.EnsureGrad()
		for c := 0; c < 3; c++ {
			for i := 0; i < h*w; i++ {
				v.Grad[i] += out.Grad[c*h*w+i] * k[c*h*w+i]
			}
		}
	}
	return tensor.Custom(data, []int{3, h, w}, back, v)
}

func clamp01(v float64) float64 { return math.Min(math.Max(v, 0), 1) }

// IllumOpt is the per-image affine illumination adjustment: a table
// of (k, b) pairs indexed by image identity, used in network mode to
// derive the low-path colors from the enhanced appearance.
type IllumOpt struct {
	Table *tensor.Tensor // [numImages, 6]: k then b
}

// NewIllumOpt builds the table with identity adjustments.
func NewIllumOpt(numImages int) *IllumOpt {
	t := tensor.Zeros(numImages, 6)
	for i := 0; i < numImages; i++ {
		t.Data[i*6] = 1
		t.Data[i*6+1] = 1
		t.Data[i*6+2] = 1
	}
	return &IllumOpt{Table: t.Param()}
}

// Forward returns the adjustment (k, b), each [1,3], for an image.
func (o *IllumOpt) Forward(imageID int) (*tensor.Tensor, *tensor.Tensor) {
	row := tensor.EmbedLookup(o.Table, imageID) // [1,6]
	return sliceCols(row, 0, 3), sliceCols(row, 3, 6)
}

func sliceCols(t *tensor.Tensor, lo, hi int) *tensor.Tensor {
	data := append([]float64(nil), t.Data[lo:hi]...)
	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		t.EnsureGrad()
		for i := lo; i < hi; i++ {
			t.Grad[i] += out.Grad[i-lo]
		}
	}
	return tensor.Custom(data, []int{1, hi - lo}, back, t)
}
