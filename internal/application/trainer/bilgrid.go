package trainer

import (
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// BilateralGrid learns a per-image spatial grid of affine color
// transforms applied to the enhanced render before the photometric
// loss, absorbing per-view exposure and white-balance drift. Each
// cell holds a 3x4 matrix acting on RGB.
type BilateralGrid struct {
	Tables *tensor.Tensor // [numImages, gh*gw*12]
	gh, gw int
}

// NewBilateralGrid builds identity grids.
func NewBilateralGrid(numImages, gh, gw int) *BilateralGrid {
	t := tensor.Zeros(numImages, gh*gw*12)
	for img := 0; img < numImages; img++ {
		for cell := 0; cell < gh*gw; cell++ {
			base := img*gh*gw*12 + cell*12
			t.Data[base] = 1    // R row
			t.Data[base+5] = 1  // G row
			t.Data[base+10] = 1 // B row
		}
	}
	return &BilateralGrid{Tables: t.Param(), gh: gh, gw: gw}
}

// Apply transforms a [3,H,W] image with image id's grid.
func (g *BilateralGrid) Apply(img *tensor.Tensor, imageID int) *tensor.Tensor {
	h, w := img.Shape[1], img.Shape[2]
	gh, gw := g.gh, g.gw
	tbl := g.Tables
	imgBase := imageID * gh * gw * 12

	cellOf := func(y, x int) int {
		cy := y * gh / h
		cx := x * gw / w
		return imgBase + (cy*gw+cx)*12
	}

	data := make([]float64, 3*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			base := cellOf(y, x)
			r := img.Data[y*w+x]
			gg := img.Data[h*w+y*w+x]
			b := img.Data[2*h*w+y*w+x]
			for c := 0; c < 3; c++ {
				a := tbl.Data[base+c*4:]
				data[c*h*w+y*w+x] = a[0]*r + a[1]*gg + a[2]*b + a[3]
			}
		}
	}

	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		img.EnsureGrad()
		tbl.EnsureGrad()
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				base := cellOf(y, x)
				in := [3]float64{
					img.Data[y*w+x],
					img.Data[h*w+y*w+x],
					img.Data[2*h*w+y*w+x],
				}
				for c := 0; c < 3; c++ {
					gout := out.Grad[c*h*w+y*w+x]
					if gout == 0 {
						continue
					}
					for k := 0; k < 3; k++ {
						tbl.Grad[base+c*4+k] += gout * in[k]
						img.Grad[k*h*w+y*w+x] += gout * tbl.Data[base+c*4+k]
					}
					tbl.Grad[base+c*4+3] += gout
				}
			}
		}
	}
	return tensor.Custom(data, []int{3, h, w}, back, img, tbl)
}

// TVLoss penalizes differences between neighboring cells of one
// image's grid, keeping the correction smooth.
func (g *BilateralGrid) TVLoss(imageID int) *tensor.Tensor {
	gh, gw := g.gh, g.gw
	tbl := g.Tables
	imgBase := imageID * gh * gw * 12

	type pair struct{ a, b int }
	var pairs []pair
	for cy := 0; cy < gh; cy++ {
		for cx := 0; cx < gw; cx++ {
			c := (cy*gw + cx) * 12
			if cx+1 < gw {
				pairs = append(pairs, pair{c, (cy*gw + cx + 1) * 12})
			}
			if cy+1 < gh {
				pairs = append(pairs, pair{c, ((cy+1)*gw + cx) * 12})
			}
		}
	}
	if len(pairs) == 0 {
		return tensor.Scalar(0)
	}

	norm := 1.0 / float64(len(pairs)*12)
	total := 0.0
	for _, p := range pairs {
		for k := 0; k < 12; k++ {
			d := tbl.Data[imgBase+p.a+k] - tbl.Data[imgBase+p.b+k]
			total += d * d
		}
	}
	data := []float64{total * norm}
	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		tbl.EnsureGrad()
		gscale := out.Grad[0] * norm * 2
		for _, p := range pairs {
			for k := 0; k < 12; k++ {
				d := tbl.Data[imgBase+p.a+k] - tbl.Data[imgBase+p.b+k]
				tbl.Grad[imgBase+p.a+k] += gscale * d
				tbl.Grad[imgBase+p.b+k] -= gscale * d
			}
		}
	}
	return tensor.Custom(data, []int{1}, back, tbl)
}
