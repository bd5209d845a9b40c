package loss

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// Perceptual is the optional learned perceptual-similarity metric.
// Initialization failure disables just this metric for the run; it
// is never fatal.
type Perceptual interface {
	// Distance returns a scalar perceptual distance. The result is a
	// leaf: the metric is evaluation-only and carries no gradient.
	Distance(a, b *tensor.Tensor) *tensor.Tensor
}

// percepLayer is one stage of the feature backbone: an optional
// average-pool, a same-padded convolution and a ReLU, plus the
// per-channel weights that score the feature difference.
type percepLayer struct {
	In     int       `json:"in"`
	Out    int       `json:"out"`
	Kernel int       `json:"kernel"`
	Pool   int       `json:"pool"`
	W      []float64 `json:"w"` // [out,in,k,k]
	B      []float64 `json:"b"` // [out]
	Head   []float64 `json:"head"`
}

type convPerceptual struct {
	layers []percepLayer
}

// NewPerceptual loads a feature backbone from <weightsDir>/<name>.json.
// Unknown backbones are a configuration error; recognized backbones
// whose weights are unavailable return a load error the caller logs
// and degrades on.
func NewPerceptual(backbone, weightsDir string) (Perceptual, error) {
	switch backbone {
	case "alex", "vgg":
	default:
		return nil, fmt.Errorf("loss: unknown LPIPS network: %q", backbone)
	}
	if weightsDir == "" {
		return nil, fmt.Errorf("loss: no %s weights directory configured", backbone)
	}
	raw, err := os.ReadFile(filepath.Join(weightsDir, backbone+".json"))
	if err != nil {
		return nil, fmt.Errorf("loss: reading %s weights: %w", backbone, err)
	}
	var layers []percepLayer
	if err := json.Unmarshal(raw, &layers); err != nil {
		return nil, fmt.Errorf("loss: decoding %s weights: %w", backbone, err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("loss: %s weights file has no layers", backbone)
	}
	prev := 3
	for i, l := range layers {
		if l.In != prev {
			return nil, fmt.Errorf("loss: layer %d expects %d input channels, previous layer emits %d", i, l.In, prev)
		}
		if l.Kernel < 1 || l.Out < 1 {
			return nil, fmt.Errorf("loss: layer %d has invalid dimensions", i)
		}
		if len(l.W) != l.Out*l.In*l.Kernel*l.Kernel {
			return nil, fmt.Errorf("loss: layer %d weight size %d, want %d", i, len(l.W), l.Out*l.In*l.Kernel*l.Kernel)
		}
		if len(l.B) != l.Out || len(l.Head) != l.Out {
			return nil, fmt.Errorf("loss: layer %d bias/head size mismatch", i)
		}
		prev = l.Out
	}
	return &convPerceptual{layers: layers}, nil
}

// Distance runs both images through the backbone and sums the
// head-weighted squared differences of unit-normalized features.
func (p *convPerceptual) Distance(a, b *tensor.Tensor) *tensor.Tensor {
	h, w := a.Shape[1], a.Shape[2]
	fa, fb := a.Data, b.Data
	fh, fw := h, w
	total := 0.0
	for _, l := range p.layers {
		if l.Pool > 1 {
			fb, _, _ = avgPool(fb, l.In, fh, fw, l.Pool)
			fa, fh, fw = avgPool(fa, l.In, fh, fw, l.Pool)
		}
		fa = convReLU(fa, fh, fw, l)
		fb = convReLU(fb, fh, fw, l)
		total += layerDistance(fa, fb, l.Out, fh*fw, l.Head)
	}
	return tensor.Scalar(total)
}

func avgPool(x []float64, c, h, w, k int) ([]float64, int, int) {
	oh, ow := h/k, w/k
	out := make([]float64, c*oh*ow)
	inv := 1.0 / float64(k*k)
	for ic := 0; ic < c; ic++ {
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				s := 0.0
				for dy := 0; dy < k; dy++ {
					for dx := 0; dx < k; dx++ {
						s += x[ic*h*w+(y*k+dy)*w+xx*k+dx]
					}
				}
				out[ic*oh*ow+y*ow+xx] = s * inv
			}
		}
	}
	return out, oh, ow
}

func convReLU(x []float64, h, w int, l percepLayer) []float64 {
	k, pad := l.Kernel, l.Kernel/2
	out := make([]float64, l.Out*h*w)
	for oc := 0; oc < l.Out; oc++ {
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				s := l.B[oc]
				for ic := 0; ic < l.In; ic++ {
					for ky := 0; ky < k; ky++ {
						iy := y + ky - pad
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < k; kx++ {
							ix := xx + kx - pad
							if ix < 0 || ix >= w {
								continue
							}
							s += x[ic*h*w+iy*w+ix] * l.W[((oc*l.In+ic)*k+ky)*k+kx]
						}
					}
				}
				if s > 0 {
					out[oc*h*w+y*w+xx] = s
				}
			}
		}
	}
	return out
}

// layerDistance scores one layer: features are unit-normalized across
// channels at each pixel, then the squared difference is weighted per
// channel and averaged over pixels.
func layerDistance(fa, fb []float64, c, plane int, head []float64) float64 {
	const eps = 1e-10
	total := 0.0
	for i := 0; i < plane; i++ {
		var na, nb float64
		for ic := 0; ic < c; ic++ {
			na += fa[ic*plane+i] * fa[ic*plane+i]
			nb += fb[ic*plane+i] * fb[ic*plane+i]
		}
		na = math.Sqrt(na) + eps
		nb = math.Sqrt(nb) + eps
		for ic := 0; ic < c; ic++ {
			d := fa[ic*plane+i]/na - fb[ic*plane+i]/nb
			total += head[ic] * d * d
		}
	}
	return total / float64(plane)
}
