package trainer

import (
	"fmt"
	"math"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
	"github.com/JacobJEdwards/gsplat/internal/domain/train"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/export"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/loss"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/metrics"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/render"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// evalStats is the aggregate evaluation record written per round.
// The raw pathway is scored against the capture; the enhanced pathway
// carries its own metric set when the decomposition is enabled.
type evalStats struct {
	Step         int     `json:"step"`
	PSNR         float64 `json:"psnr"`
	SSIM         float64 `json:"ssim"`
	LPIPS        float64 `json:"lpips,omitempty"`
	NIQE         float64 `json:"niqe,omitempty"`
	PSNREnh      float64 `json:"psnr_enh,omitempty"`
	SSIMEnh      float64 `json:"ssim_enh,omitempty"`
	NIQEEnh      float64 `json:"niqe_enh,omitempty"`
	CCPSNR       float64 `json:"cc_psnr,omitempty"`
	CCSSIM       float64 `json:"cc_ssim,omitempty"`
	NumGaussians int     `json:"num_gaussians"`
	NumViews     int     `json:"num_views"`
}

type evalView struct {
	View    int     `json:"view"`
	PSNR    float64 `json:"psnr"`
	SSIM    float64 `json:"ssim"`
	LPIPS   float64 `json:"lpips,omitempty"`
	NIQE    float64 `json:"niqe,omitempty"`
	PSNREnh float64 `json:"psnr_enh,omitempty"`
	SSIMEnh float64 `json:"ssim_enh,omitempty"`
	NIQEEnh float64 `json:"niqe_enh,omitempty"`
	CCPSNR  float64 `json:"cc_psnr,omitempty"`
	CCSSIM  float64 `json:"cc_ssim,omitempty"`
}

// Eval renders every validation view and records quality metrics.
// The perceptual metric is skipped when its weights were unavailable;
// everything else always runs.
func (r *Runner) Eval(step int) error {
	if !IsMain(r.rep) {
		return r.rep.Barrier()
	}
	agg := evalStats{Step: step, NumGaussians: r.splats.Len(), NumViews: r.valSet.Len()}
	views := make([]evalView, 0, r.valSet.Len())

	for i := 0; i < r.valSet.Len(); i++ {
		b, err := r.valSet.Batch(i)
		if err != nil {
			return err
		}
		cam := r.camera(b, false)
		in, err := r.rasterInputs(b, cam, r.cfg.MaxSteps, false)
		if err != nil {
			return err
		}

		// Both pathways render when the decomposition is enabled; the
		// raw pathway alone otherwise.
		var low, enh *tensor.Tensor
		if in.ColorsLow != nil {
			enhOut, lowOut, _, err := r.renderer.RasterizeDual(in)
			if err != nil {
				return err
			}
			low = applyBackground(lowOut.Colors, lowOut.Alphas, [3]float64{0, 0, 0})
			enh = applyBackground(enhOut.Colors, enhOut.Alphas, [3]float64{0, 0, 0})
		} else {
			out, _, err := r.renderer.Rasterize(in)
			if err != nil {
				return err
			}
			low = applyBackground(out.Colors, out.Alphas, [3]float64{0, 0, 0})
		}
		lowPix := clamp01(low.Data)

		v := evalView{View: i}
		v.PSNR = loss.PSNR(lowPix, b.Image)
		v.SSIM = loss.SSIMValue(lowPix, b.Image, 3, b.Height, b.Width, 11)
		if r.percep != nil {
			gt := toTensor(b)
			v.LPIPS = r.percep.Distance(low, gt).Item()
			agg.LPIPS += v.LPIPS
		}
		if r.cfg.EvalNIQE {
			v.NIQE = naturalness(lowPix, b.Height, b.Width)
			agg.NIQE += v.NIQE
		}
		if enh != nil {
			enhPix := clamp01(enh.Data)
			v.PSNREnh = loss.PSNR(enhPix, b.Image)
			v.SSIMEnh = loss.SSIMValue(enhPix, b.Image, 3, b.Height, b.Width, 11)
			agg.PSNREnh += v.PSNREnh
			agg.SSIMEnh += v.SSIMEnh
			if r.cfg.EvalNIQE {
				v.NIQEEnh = naturalness(enhPix, b.Height, b.Width)
				agg.NIQEEnh += v.NIQEEnh
			}
		}
		if r.bilgrid != nil {
			cc := colorCorrect(lowPix, b.Image)
			v.CCPSNR = loss.PSNR(cc, b.Image)
			v.CCSSIM = loss.SSIMValue(cc, b.Image, 3, b.Height, b.Width, 11)
			agg.CCPSNR += v.CCPSNR
			agg.CCSSIM += v.CCSSIM
		}
		agg.PSNR += v.PSNR
		agg.SSIM += v.SSIM
		views = append(views, v)

		if r.cfg.SaveImages {
			frame := metrics.SideBySide(
				metrics.ToImage(b.Image, 3, b.Height, b.Width),
				metrics.ToImage(lowPix, 3, b.Height, b.Width),
			)
			path := filepath.Join(r.renderDir, fmt.Sprintf("val_step%d_low_%04d.png", step, i))
			if err := metrics.WritePNG(path, frame); err != nil {
				return err
			}
			if enh != nil {
				frame = metrics.SideBySide(
					metrics.ToImage(b.Image, 3, b.Height, b.Width),
					metrics.ToImage(clamp01(enh.Data), 3, b.Height, b.Width),
				)
				path = filepath.Join(r.renderDir, fmt.Sprintf("val_step%d_enh_%04d.png", step, i))
				if err := metrics.WritePNG(path, frame); err != nil {
					return err
				}
			}
		}
	}

	n := float64(len(views))
	agg.PSNR /= n
	agg.SSIM /= n
	agg.LPIPS /= n
	agg.NIQE /= n
	agg.PSNREnh /= n
	agg.SSIMEnh /= n
	agg.NIQEEnh /= n
	agg.CCPSNR /= n
	agg.CCSSIM /= n

	r.log.Printf("eval step %d: psnr %.3f ssim %.4f over %d views", step, agg.PSNR, agg.SSIM, len(views))
	r.sink.LogScalar(step, "val/psnr", agg.PSNR)
	r.sink.LogScalar(step, "val/ssim", agg.SSIM)
	if err := r.sink.Flush(); err != nil {
		return err
	}
	if err := metrics.WriteJSON(filepath.Join(r.statsDir, fmt.Sprintf("val_step%d.json", step)), agg); err != nil {
		return err
	}
	if err := metrics.WriteJSON(filepath.Join(r.statsDir, fmt.Sprintf("val_step%d_raw.json", step)), views); err != nil {
		return err
	}
	return r.rep.Barrier()
}

// RenderTrajectory renders a smooth camera path through the scene and
// writes the frames as PNGs.
func (r *Runner) RenderTrajectory(step int) error {
	if !IsMain(r.rep) || r.cfg.DisableVideo {
		return nil
	}
	poses := make([][16]float64, 0, r.trainSet.Len())
	var k [9]float64
	var w, h int
	for i := 0; i < r.trainSet.Len(); i++ {
		b, err := r.trainSet.Batch(i)
		if err != nil {
			return err
		}
		poses = append(poses, b.CamToWorld)
		k, w, h = b.K, b.Width, b.Height
	}
	path, err := render.TrajectoryPath(r.cfg.RenderTraj, poses, r.sceneScale)
	if err != nil {
		return err
	}
	dir := filepath.Join(r.renderDir, fmt.Sprintf("traj_step%d", step))
	for i, pose := range path {
		cam := render.Camera{
			CamToWorld: pose, K: k, Width: w, Height: h,
			NearPlane: r.cfg.NearPlane, FarPlane: r.cfg.FarPlane,
		}
		in, err := r.rasterInputs(&scene.Batch{CamToWorld: pose, K: k, Width: w, Height: h}, cam, r.cfg.MaxSteps, false)
		if err != nil {
			return err
		}
		in.ColorsLow = nil
		out, _, err := r.renderer.Rasterize(in)
		if err != nil {
			return err
		}
		img := applyBackground(out.Colors, out.Alphas, [3]float64{0, 0, 0})
		frame := metrics.ToImage(img.Data, 3, h, w)
		if err := metrics.WritePNG(filepath.Join(dir, fmt.Sprintf("%05d.png", i)), frame); err != nil {
			return err
		}
	}
	r.log.Printf("rendered %d trajectory frames to %s", len(path), dir)
	return nil
}

// runCompression writes the PNG-grid archive after training.
func (r *Runner) runCompression() error {
	if r.cfg.Compression != train.CompressionPNG || !IsMain(r.rep) {
		return nil
	}
	if err := export.Compress(r.compressDir, r.splats); err != nil {
		return err
	}
	r.log.Printf("compressed scene written to %s", r.compressDir)
	return nil
}

func writePly(path string, st *scene.State) error {
	return export.WritePLY(path, st)
}

func toTensor(b *scene.Batch) *tensor.Tensor {
	return tensor.New(append([]float64(nil), b.Image...), 3, b.Height, b.Width)
}

func clamp01(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		out[i] = math.Min(math.Max(v, 0), 1)
	}
	return out
}

// colorCorrect fits one affine color transform per view, least
// squares from the rendered pixels onto the capture, and applies it.
// It isolates geometric error from the per-view color drift the
// bilateral grid absorbs during training.
func colorCorrect(img, gt []float64) []float64 {
	plane := len(img) / 3
	a := mat.NewDense(plane, 4, nil)
	tgt := mat.NewDense(plane, 3, nil)
	for i := 0; i < plane; i++ {
		a.Set(i, 0, img[i])
		a.Set(i, 1, img[plane+i])
		a.Set(i, 2, img[2*plane+i])
		a.Set(i, 3, 1)
		for c := 0; c < 3; c++ {
			tgt.Set(i, c, gt[c*plane+i])
		}
	}
	var x mat.Dense
	if err := x.Solve(a, tgt); err != nil {
		return img
	}
	out := make([]float64, len(img))
	for i := 0; i < plane; i++ {
		for c := 0; c < 3; c++ {
			v := x.At(0, c)*img[i] + x.At(1, c)*img[plane+i] + x.At(2, c)*img[2*plane+i] + x.At(3, c)
			out[c*plane+i] = math.Min(math.Max(v, 0), 1)
		}
	}
	return out
}

// naturalness is a no-reference quality proxy: it measures how far
// the image's locally normalized luminance statistics sit from the
// natural-scene reference moments. Lower is better, loosely on the
// NIQE scale.
func naturalness(pixels []float64, h, w int) float64 {
	plane := h * w
	lum := make([]float64, plane)
	for i := 0; i < plane; i++ {
		lum[i] = 0.299*pixels[i] + 0.587*pixels[plane+i] + 0.114*pixels[2*plane+i]
	}
	// MSCN coefficients with a 3x3 local window.
	mscn := make([]float64, 0, plane)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			var mu, sq float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					v := lum[(y+dy)*w+x+dx]
					mu += v
					sq += v * v
				}
			}
			mu /= 9
			sigma := math.Sqrt(math.Max(sq/9-mu*mu, 0))
			mscn = append(mscn, (lum[y*w+x]-mu)/(sigma+1e-7))
		}
	}
	if len(mscn) == 0 {
		return 0
	}
	mean, variance := stat.MeanVariance(mscn, nil)
	kurt := stat.Moment(4, mscn, nil)
	if variance > 0 {
		kurt /= variance * variance
	}
	// Natural scenes have near-zero mean, near-unit variance and
	// kurtosis around 3 in this domain.
	return math.Abs(mean)*10 + math.Abs(variance-1)*5 + math.Abs(kurt-3)
}
