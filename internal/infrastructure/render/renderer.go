package render

import (
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// AuxInfo is the sole channel through which the density strategies
// observe per-step rendering behavior. Means2D retains its gradient
// through the backward pass.
type AuxInfo struct {
	// Means2D holds the projected 2D positions, [N,2].
	Means2D *tensor.Tensor
	// Radii holds the per-Gaussian screen radius in pixels; zero
	// means the Gaussian was culled this step.
	Radii []float64
	// GaussianIDs lists the Gaussians touched this step. Populated
	// only in packed mode.
	GaussianIDs []int

	Width  int
	Height int
}

// Visible reports whether Gaussian i contributed to the render.
func (a *AuxInfo) Visible(i int) bool { return a.Radii[i] > 0 }

// Inputs carries the SceneState-derived geometry and appearance for
// one rasterization call. Scales are already exponentiated and
// opacities already squashed by the caller.
type Inputs struct {
	Means     *tensor.Tensor // [N,3]
	Quats     *tensor.Tensor // [N,4], unnormalized
	Scales    *tensor.Tensor // [N,3], linear
	Opacities *tensor.Tensor // [N], in (0,1)

	Colors *tensor.Tensor // [N,3] evaluated colors, enhanced path
	// ColorsLow, when non-nil, selects the dual path and holds the
	// raw (pre-illumination-correction) colors.
	ColorsLow *tensor.Tensor

	Camera Camera

	// RenderDepth appends an expected-depth channel.
	RenderDepth bool
	// Packed populates AuxInfo.GaussianIDs.
	Packed bool
}

// Output is one rendered pathway.
type Output struct {
	// Colors is [3,H,W], or [4,H,W] with RenderDepth.
	Colors *tensor.Tensor
	// Alphas is [1,H,W].
	Alphas *tensor.Tensor
}

// Renderer is the rasterization contract. Both entry points must be
// differentiable end-to-end back to every input tensor.
type Renderer interface {
	// Rasterize renders the single raw pathway.
	Rasterize(in Inputs) (Output, *AuxInfo, error)
	// RasterizeDual renders the enhanced and low pathways from one
	// geometry pass, sharing a single AuxInfo.
	RasterizeDual(in Inputs) (enh, low Output, info *AuxInfo, err error)
}
