package render

import (
	"fmt"
	"math"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// PointSplat is the reference rasterizer: an isotropic screen-space
// splatter with order-independent weight compositing. It implements
// the Renderer contract on the tape: gradients flow to means (via
// the retained Means2D), scales, opacities and both color tensors.
// Orientation is not used by the isotropic footprint, so quats pass
// through without gradient; a production rasterizer replaces this.
type PointSplat struct{}

type contrib struct {
	gid   int
	w     float64
	dx    float64
	dy    float64
	sigma float64
	depth float64
}

// geometry is the shared per-call projection state.
type geometry struct {
	means2d *tensor.Tensor
	scales  *tensor.Tensor
	opac    *tensor.Tensor
	radii   []float64
	depths  []float64
	sigmas  []float64
	// dSigmaDScale is d(screen sigma)/d(each of the 3 scales).
	dSigmaDScale []float64
	// pixels[y*W+x] lists the Gaussians touching that pixel.
	pixels [][]contrib
	w, h   int
}

// Rasterize renders the single raw pathway.
func (r PointSplat) Rasterize(in Inputs) (Output, *AuxInfo, error) {
	geo, info, err := r.project(in)
	if err != nil {
		return Output{}, nil, err
	}
	out := r.composite(geo, in.Colors, in.RenderDepth)
	return out, info, nil
}

// RasterizeDual renders the enhanced and low pathways from one
// geometry pass.
func (r PointSplat) RasterizeDual(in Inputs) (Output, Output, *AuxInfo, error) {
	if in.ColorsLow == nil {
		return Output{}, Output{}, nil, fmt.Errorf("render: dual rasterization requires low-path colors")
	}
	geo, info, err := r.project(in)
	if err != nil {
		return Output{}, Output{}, nil, err
	}
	enh := r.composite(geo, in.Colors, in.RenderDepth)
	low := r.composite(geo, in.ColorsLow, in.RenderDepth)
	return enh, low, info, nil
}

func (r PointSplat) project(in Inputs) (*geometry, *AuxInfo, error) {
	cam := in.Camera
	vm, err := ViewMatrix(cam.CamToWorld)
	if err != nil {
		return nil, nil, err
	}
	n := in.Means.Shape[0]
	fx, fy := cam.K[0], cam.K[4]
	cx, cy := cam.K[2], cam.K[5]
	f := 0.5 * (fx + fy)

	m2dData := make([]float64, n*2)
	depths := make([]float64, n)
	radii := make([]float64, n)
	sigmas := make([]float64, n)
	dSigmaDScale := make([]float64, n)
	means := in.Means
	for i := 0; i < n; i++ {
		px := means.Data[i*3]
		py := means.Data[i*3+1]
		pz := means.Data[i*3+2]
		x := vm[0]*px + vm[1]*py + vm[2]*pz + vm[3]
		y := vm[4]*px + vm[5]*py + vm[6]*pz + vm[7]
		z := vm[8]*px + vm[9]*py + vm[10]*pz + vm[11]
		depths[i] = z
		if z < cam.NearPlane || z > cam.FarPlane {
			continue
		}
		m2dData[i*2] = fx*x/z + cx
		m2dData[i*2+1] = fy*y/z + cy
		ms := (in.Scales.Data[i*3] + in.Scales.Data[i*3+1] + in.Scales.Data[i*3+2]) / 3
		sigma := f * ms / z
		if sigma < 0.3 {
			sigma = 0.3
		}
		sigmas[i] = sigma
		dSigmaDScale[i] = f / (3 * z)
		radii[i] = math.Ceil(3 * sigma)
	}

	// The projection op: means -> means2d. Screen-depth is treated
	// as locally constant in the backward pass.
	means2d := tensor.Custom(m2dData, []int{n, 2}, func(out *tensor.Tensor) {
		if out.Grad == nil || !means.RequiresGrad() {
			return
		}
		for i := 0; i < n; i++ {
			if radii[i] <= 0 {
				continue
			}
			gx := out.Grad[i*2]
			gy := out.Grad[i*2+1]
			if gx == 0 && gy == 0 {
				continue
			}
			px := means.Data[i*3]
			py := means.Data[i*3+1]
			pz := means.Data[i*3+2]
			x := vm[0]*px + vm[1]*py + vm[2]*pz + vm[3]
			y := vm[4]*px + vm[5]*py + vm[6]*pz + vm[7]
			z := depths[i]
			for j := 0; j < 3; j++ {
				r0 := vm[j]
				r1 := vm[4+j]
				r2 := vm[8+j]
				dxdp := fx * (r0*z - x*r2) / (z * z)
				dydp := fy * (r1*z - y*r2) / (z * z)
				means.Grad[i*3+j] += gx*dxdp + gy*dydp
			}
		}
	}, means)

	// Bin per-pixel contributions once; both pathways share them.
	w, h := cam.Width, cam.Height
	pixels := make([][]contrib, w*h)
	for i := 0; i < n; i++ {
		if radii[i] <= 0 {
			continue
		}
		cxp := m2dData[i*2]
		cyp := m2dData[i*2+1]
		rad := radii[i]
		x0 := int(math.Max(math.Floor(cxp-rad), 0))
		x1 := int(math.Min(math.Ceil(cxp+rad), float64(w-1)))
		y0 := int(math.Max(math.Floor(cyp-rad), 0))
		y1 := int(math.Min(math.Ceil(cyp+rad), float64(h-1)))
		if x0 > x1 || y0 > y1 {
			radii[i] = 0
			continue
		}
		op := in.Opacities.Data[i]
		s2 := sigmas[i] * sigmas[i]
		touched := false
		for yy := y0; yy <= y1; yy++ {
			for xx := x0; xx <= x1; xx++ {
				dx := float64(xx) + 0.5 - cxp
				dy := float64(yy) + 0.5 - cyp
				d2 := dx*dx + dy*dy
				if d2 > rad*rad {
					continue
				}
				wgt := op * math.Exp(-d2/(2*s2))
				if wgt < 1e-6 {
					continue
				}
				pixels[yy*w+xx] = append(pixels[yy*w+xx], contrib{
					gid: i, w: wgt, dx: dx, dy: dy, sigma: sigmas[i], depth: depths[i],
				})
				touched = true
			}
		}
		if !touched {
			radii[i] = 0
		}
	}

	info := &AuxInfo{Means2D: means2d, Radii: radii, Width: w, Height: h}
	if in.Packed {
		for i := 0; i < n; i++ {
			if radii[i] > 0 {
				info.GaussianIDs = append(info.GaussianIDs, i)
			}
		}
	}
	geo := &geometry{
		means2d:      means2d,
		scales:       in.Scales,
		opac:         in.Opacities,
		radii:        radii,
		depths:       depths,
		sigmas:       sigmas,
		dSigmaDScale: dSigmaDScale,
		pixels:       pixels,
		w:            w,
		h:            h,
	}
	return geo, info, nil
}

// composite renders one color pathway from the shared geometry.
// Weight compositing is order independent: color = sum(w_i c_i),
// alpha = clamp(sum w_i, 0, 1), expected depth = sum(w_i z_i).
func (r PointSplat) composite(geo *geometry, colors *tensor.Tensor, withDepth bool) Output {
	w, h := geo.w, geo.h
	ch := 3
	if withDepth {
		ch = 4
	}
	img := make([]float64, ch*w*h)
	alpha := make([]float64, w*h)
	for p, list := range geo.pixels {
		y := p / w
		x := p % w
		var sw float64
		for _, c := range list {
			sw += c.w
			for k := 0; k < 3; k++ {
				img[(k*h+y)*w+x] += c.w * colors.Data[c.gid*3+k]
			}
			if withDepth {
				img[(3*h+y)*w+x] += c.w * c.depth
			}
		}
		if sw > 1 {
			sw = 1
		}
		alpha[p] = sw
	}

	// backGeom scatters a per-contribution weight gradient into the
	// geometry inputs shared by both pathways.
	ensureGeomGrads := func() {
		for _, t := range []*tensor.Tensor{geo.means2d, geo.scales, geo.opac} {
			if t.RequiresGrad() {
				t.EnsureGrad()
			}
		}
	}
	backGeom := func(c contrib, gw float64) {
		if geo.opac.RequiresGrad() {
			geo.opac.Grad[c.gid] += gw * c.w / geo.opac.Data[c.gid]
		}
		s2 := c.sigma * c.sigma
		if geo.means2d.RequiresGrad() {
			geo.means2d.Grad[c.gid*2] += gw * c.w * c.dx / s2
			geo.means2d.Grad[c.gid*2+1] += gw * c.w * c.dy / s2
		}
		if geo.scales.RequiresGrad() {
			d2 := c.dx*c.dx + c.dy*c.dy
			dwds := c.w * d2 / (s2 * c.sigma)
			g := gw * dwds * geo.dSigmaDScale[c.gid]
			geo.scales.Grad[c.gid*3] += g
			geo.scales.Grad[c.gid*3+1] += g
			geo.scales.Grad[c.gid*3+2] += g
		}
	}

	imgT := tensor.Custom(img, []int{ch, h, w}, func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		ensureGeomGrads()
		if colors.RequiresGrad() {
			colors.EnsureGrad()
		}
		for p, list := range geo.pixels {
			y := p / w
			x := p % w
			for _, c := range list {
				var gw float64
				for k := 0; k < 3; k++ {
					g := out.Grad[(k*h+y)*w+x]
					if g == 0 {
						continue
					}
					if colors.RequiresGrad() {
						colors.Grad[c.gid*3+k] += g * c.w
					}
					gw += g * colors.Data[c.gid*3+k]
				}
				if withDepth {
					gw += out.Grad[(3*h+y)*w+x] * c.depth
				}
				if gw != 0 {
					backGeom(c, gw)
				}
			}
		}
	}, geo.means2d, geo.scales, geo.opac, colors)

	alphaT := tensor.Custom(alpha, []int{1, h, w}, func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		ensureGeomGrads()
		for p, list := range geo.pixels {
			g := out.Grad[p]
			if g == 0 {
				continue
			}
			// Saturated pixels stop the alpha gradient.
			var sw float64
			for _, c := range list {
				sw += c.w
			}
			if sw >= 1 {
				continue
			}
			for _, c := range list {
				backGeom(c, g)
			}
		}
	}, geo.means2d, geo.scales, geo.opac)

	return Output{Colors: imgT, Alphas: alphaT}
}
