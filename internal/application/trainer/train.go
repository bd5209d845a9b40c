package trainer

import (
	"fmt"
	"math"

	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/loss"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/optim"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/render"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/retinex"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/strategy"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// Pretrain fits the decomposition network on the raw captures before
// joint training, so the illumination maps are sensible when the
// splats start consuming them.
func (r *Runner) Pretrain() error {
	if r.model == nil || !r.cfg.PretrainRetinex {
		return nil
	}
	r.log.Printf("pretraining decomposition for %d steps", r.cfg.PretrainSteps)
	opts := []*optim.Adam{r.moduleOpts["retinex_net"], r.moduleOpts["retinex_embeds"]}
	if ref, ok := r.moduleOpts["retinex_refine"]; ok {
		opts = append(opts, ref)
	}
	for step := 0; step < r.cfg.PretrainSteps; step++ {
		b, err := r.trainSet.Batch(r.rng.Intn(r.trainSet.Len()))
		if err != nil {
			return err
		}
		gt := tensor.New(b.Image, 3, b.Height, b.Width)
		dec, err := r.model.Decompose(gt, b.ImageID)
		if err != nil {
			return err
		}
		total, bd, err := r.composer.Regularization(dec, r.model.GlobalExposureTarget(), 1.0)
		if err != nil {
			return err
		}
		tensor.Backward(total)
		for _, o := range opts {
			o.Step()
		}
		for _, o := range opts {
			o.ZeroGrad()
		}
		if step%100 == 0 {
			r.log.Printf("pretrain step %d loss %.5f", step, bd.Total)
			r.sink.LogScalar(step, "pretrain/loss", bd.Total)
		}
	}
	return r.sink.Flush()
}

// Train runs the main loop to MaxSteps.
func (r *Runner) Train() error {
	cfg := r.cfg
	startStep := 0
	if len(cfg.Checkpoints) > 0 {
		s, err := r.LoadCheckpoints(cfg.Checkpoints)
		if err != nil {
			return err
		}
		startStep = s
		r.log.Printf("resumed at step %d with %d gaussians", startStep, r.splats.Len())
	}

	for step := startStep; step < cfg.MaxSteps; step++ {
		if err := r.trainStep(step); err != nil {
			return fmt.Errorf("trainer: step %d: %w", step, err)
		}

		if contains(cfg.EvalSteps, step+1) {
			if err := r.Eval(step + 1); err != nil {
				return err
			}
			if err := r.RenderTrajectory(step + 1); err != nil {
				return err
			}
		}
		if contains(cfg.SaveSteps, step+1) && IsMain(r.rep) {
			if err := r.SaveCheckpoint(step + 1); err != nil {
				return err
			}
		}
		if cfg.SavePly && contains(cfg.PlySteps, step+1) && IsMain(r.rep) {
			path := fmt.Sprintf("%s/point_cloud_%d.ply", r.plyDir, step+1)
			if err := writePly(path, r.splats); err != nil {
				return err
			}
		}
	}
	if err := r.runCompression(); err != nil {
		return err
	}
	return r.sink.Flush()
}

func (r *Runner) trainStep(step int) error {
	cfg := r.cfg
	b, err := r.trainSet.Batch(r.rng.Intn(r.trainSet.Len()))
	if err != nil {
		return err
	}
	gt := tensor.New(b.Image, 3, b.Height, b.Width)

	// Masked pixels drop out of the photometric comparisons only; the
	// decomposition still sees the full capture.
	var mask *tensor.Tensor
	if b.Mask != nil {
		mask = maskTensor(b.Mask, b.Height, b.Width)
	}
	maskIt := func(t *tensor.Tensor) *tensor.Tensor {
		if mask == nil {
			return t
		}
		return tensor.Mul(t, mask)
	}

	cam := r.camera(b, true)
	renderDepth := cfg.DepthLoss
	if renderDepth && !b.HasDepth() {
		return fmt.Errorf("trainer: depth loss enabled but view %d carries no depth data", b.ImageID)
	}

	var dec *retinex.Decomposition
	if r.model != nil {
		if dec, err = r.model.Decompose(gt, b.ImageID); err != nil {
			return err
		}
	}

	in, err := r.rasterInputs(b, cam, step, renderDepth)
	if err != nil {
		return err
	}

	var enh, low render.Output
	var info *render.AuxInfo
	if in.ColorsLow != nil {
		enh, low, info, err = r.renderer.RasterizeDual(in)
	} else {
		enh, info, err = r.renderer.Rasterize(in)
	}
	if err != nil {
		return err
	}

	enhRGB, depth := splitDepth(enh.Colors, renderDepth)
	bkgd := [3]float64{0, 0, 0}
	if cfg.RandomBkgd {
		bkgd = [3]float64{r.rng.Float64(), r.rng.Float64(), r.rng.Float64()}
	}
	enhRGB = applyBackground(enhRGB, enh.Alphas, bkgd)
	if r.bilgrid != nil {
		enhRGB = r.bilgrid.Apply(enhRGB, b.ImageID)
	}

	var total *tensor.Tensor
	var bd *loss.Breakdown
	if dec != nil {
		lowRGB, _ := splitDepth(low.Colors, renderDepth)
		lowRGB = applyBackground(lowRGB, low.Alphas, bkgd)

		// The reflectance target is detached: the enhanced term trains
		// the splats toward the decomposition, never the reverse.
		lossEnh := r.photometric(maskIt(enhRGB), maskIt(dec.Reflectance.Detach()))
		lossLow := r.photometric(maskIt(lowRGB), maskIt(gt))
		reg, brk, err := r.composer.Regularization(dec, r.model.GlobalExposureTarget(), contrastDegree(b.Image))
		if err != nil {
			return err
		}
		bd = brk
		total = tensor.Add(
			tensor.Add(
				tensor.MulScalar(lossLow, cfg.LambdaLow),
				tensor.MulScalar(lossEnh, 1-cfg.LambdaLow),
			),
			tensor.MulScalar(reg, cfg.LambdaIllumination),
		)
	} else {
		total = r.photometric(maskIt(enhRGB), maskIt(gt))
	}

	if renderDepth && depth != nil {
		total = tensor.Add(total, tensor.MulScalar(disparityLoss(depth, b), cfg.DepthLambda*r.sceneScale))
	}
	if cfg.OpacityReg > 0 {
		total = tensor.Add(total, tensor.MulScalar(
			tensor.Mean(tensor.Sigmoid(r.splats.Groups[scene.GroupOpacities])), cfg.OpacityReg))
	}
	if cfg.ScaleReg > 0 {
		total = tensor.Add(total, tensor.MulScalar(
			tensor.Mean(tensor.Exp(r.splats.Groups[scene.GroupScales])), cfg.ScaleReg))
	}
	if r.pose != nil {
		total = tensor.Add(total, tensor.MulScalar(r.pose.Reg(), cfg.PoseOptReg))
	}
	if r.bilgrid != nil {
		total = tensor.Add(total, tensor.MulScalar(r.bilgrid.TVLoss(b.ImageID), 10))
	}

	r.strat.StepPreBackward(r.splats, r.splatOpts, step, info)
	tensor.Backward(total)
	if err := r.syncGradients(); err != nil {
		return err
	}

	for _, name := range r.splats.Names() {
		r.splatOpts[name].Step()
	}
	for _, o := range r.moduleOpts {
		o.Step()
	}
	r.meansSched.Step()
	for _, s := range r.schedulers {
		s.Step()
	}

	switch s := r.strat.(type) {
	case *strategy.Default:
		s.StepPostBackward(r.splats, r.splatOpts, r.defaultState, step, info, cfg.Packed)
	case *strategy.MCMC:
		s.StepPostBackward(r.splats, r.splatOpts, r.mcmcState, step, info,
			r.splatOpts[scene.GroupMeans].LR())
	default:
		return fmt.Errorf("trainer: unhandled strategy %T", r.strat)
	}

	for _, name := range r.splats.Names() {
		r.splatOpts[name].ZeroGrad()
	}
	for _, o := range r.moduleOpts {
		o.ZeroGrad()
	}

	if cfg.MetricsEvery > 0 && step%cfg.MetricsEvery == 0 {
		r.sink.LogScalar(step, "train/loss", total.Item())
		r.sink.LogScalar(step, "train/num_gaussians", float64(r.splats.Len()))
		r.sink.LogScalar(step, "train/means_lr", r.splatOpts[scene.GroupMeans].LR())
		if bd != nil {
			for i, name := range loss.TermNames {
				r.sink.LogScalar(step, "train/"+name, bd.Unweighted[i])
			}
		}
		if err := r.sink.Flush(); err != nil {
			return err
		}
		r.log.Printf("step %d loss %.5f gaussians %d", step, total.Item(), r.splats.Len())
	}
	return nil
}

// camera builds the per-view camera, applying pose corrections when
// enabled.
func (r *Runner) camera(b *scene.Batch, training bool) render.Camera {
	c2w := b.CamToWorld
	if r.pose != nil {
		c2w = r.pose.Apply(c2w, b.ImageID, training)
	}
	return render.Camera{
		CamToWorld: c2w,
		K:          b.K,
		Width:      b.Width,
		Height:     b.Height,
		NearPlane:  r.cfg.NearPlane,
		FarPlane:   r.cfg.FarPlane,
	}
}

// rasterInputs evaluates the per-view colors for both pathways and
// assembles the rasterization inputs.
func (r *Runner) rasterInputs(b *scene.Batch, cam render.Camera, step int, renderDepth bool) (render.Inputs, error) {
	st := r.splats
	var colors *tensor.Tensor
	if r.app != nil {
		colors = r.app.Colors(st.Groups[scene.GroupFeatures], st.Groups[scene.GroupColors], b.ImageID)
	} else {
		deg := step / maxInt(r.cfg.SHDegreeEvery, 1)
		if deg > r.cfg.SHDegree {
			deg = r.cfg.SHDegree
		}
		dirs := render.ViewDirs(st.Groups[scene.GroupMeans], cam.CamToWorld)
		colors = render.EvalSH(st.Groups[scene.GroupSH0], st.Groups[scene.GroupSHN], dirs, deg)
	}

	var colorsLow *tensor.Tensor
	if r.model != nil {
		n := st.Len()
		var k, bb *tensor.Tensor
		if r.illumOpt != nil {
			kr, br := r.illumOpt.Forward(b.ImageID)
			k = tensor.TileRows(kr, n)
			bb = tensor.TileRows(br, n)
		} else {
			k = tensor.Reshape(st.Groups[scene.GroupAdjustK], n, 3)
			bb = tensor.Reshape(st.Groups[scene.GroupAdjustB], n, 3)
		}
		colorsLow = tensor.Add(tensor.Mul(colors, k), bb)
	}

	return render.Inputs{
		Means:       st.Groups[scene.GroupMeans],
		Quats:       st.Groups[scene.GroupQuats],
		Scales:      tensor.Exp(st.Groups[scene.GroupScales]),
		Opacities:   tensor.Sigmoid(st.Groups[scene.GroupOpacities]),
		Colors:      colors,
		ColorsLow:   colorsLow,
		Camera:      cam,
		RenderDepth: renderDepth,
		Packed:      r.cfg.Packed,
	}, nil
}

// photometric is the standard L1 + SSIM mix.
func (r *Runner) photometric(img, target *tensor.Tensor) *tensor.Tensor {
	l1 := loss.L1(img, target)
	if r.cfg.SSIMLambda == 0 {
		return l1
	}
	dssim := tensor.AddScalar(tensor.Neg(loss.SSIM(img, target, 11)), 1)
	return tensor.Add(
		tensor.MulScalar(l1, 1-r.cfg.SSIMLambda),
		tensor.MulScalar(dssim, r.cfg.SSIMLambda),
	)
}

// contrastDegree estimates how dark the capture is, feeding the
// spatial loss's contrast weighting. Dark images get a stronger
// enhancement prior.
func contrastDegree(pixels []float64) float64 {
	if len(pixels) == 0 {
		return 1
	}
	s := 0.0
	for _, v := range pixels {
		s += v
	}
	mean := s / float64(len(pixels))
	return 1 + math.Max(0, 0.5-mean)
}

// splitDepth separates the optional expected-depth channel from the
// color channels.
func splitDepth(colors *tensor.Tensor, hasDepth bool) (*tensor.Tensor, *tensor.Tensor) {
	if !hasDepth {
		return colors, nil
	}
	return sliceChannels(colors, 0, 3), sliceChannels(colors, 3, 4)
}

// sliceChannels extracts channels [lo,hi) of a [C,H,W] tensor.
func sliceChannels(t *tensor.Tensor, lo, hi int) *tensor.Tensor {
	h, w := t.Shape[1], t.Shape[2]
	plane := h * w
	data := append([]float64(nil), t.Data[lo*plane:hi*plane]...)
	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		t.EnsureGrad()
		for i := range out.Grad {
			t.Grad[lo*plane+i] += out.Grad[i]
		}
	}
	return tensor.Custom(data, []int{hi - lo, h, w}, back, t)
}

// applyBackground composites a constant background behind the
// premultiplied colors.
func applyBackground(colors, alphas *tensor.Tensor, bkgd [3]float64) *tensor.Tensor {
	h, w := colors.Shape[1], colors.Shape[2]
	plane := h * w
	data := make([]float64, 3*plane)
	for c := 0; c < 3; c++ {
		for i := 0; i < plane; i++ {
			data[c*plane+i] = colors.Data[c*plane+i] + bkgd[c]*(1-alphas.Data[i])
		}
	}
	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		colors.EnsureGrad()
		alphas.EnsureGrad()
		for c := 0; c < 3; c++ {
			for i := 0; i < plane; i++ {
				g := out.Grad[c*plane+i]
				colors.Grad[c*plane+i] += g
				alphas.Grad[i] -= g * bkgd[c]
			}
		}
	}
	return tensor.Custom(data, []int{3, h, w}, back, colors, alphas)
}

// disparityLoss compares rendered and measured inverse depth at the
// sparse supervision points. Zero depths are skipped rather than
// divided by.
func disparityLoss(depth *tensor.Tensor, b *scene.Batch) *tensor.Tensor {
	h, w := depth.Shape[1], depth.Shape[2]
	type sample struct {
		idx  int
		dGT  float64
	}
	var samples []sample
	for i, p := range b.Points {
		x := int(p[0])
		y := int(p[1])
		if x < 0 || x >= w || y < 0 || y >= h {
			continue
		}
		if b.Depths[i] <= 0 {
			continue
		}
		samples = append(samples, sample{idx: y*w + x, dGT: b.Depths[i]})
	}
	if len(samples) == 0 {
		return tensor.Scalar(0)
	}

	const eps = 1e-6
	total := 0.0
	for _, s := range samples {
		d := depth.Data[s.idx]
		if d <= 0 {
			continue
		}
		total += math.Abs(1/(d+eps) - 1/s.dGT)
	}
	norm := 1.0 / float64(len(samples))
	data := []float64{total * norm}
	back := func(out *tensor.Tensor) {
		if out.Grad == nil {
			return
		}
		depth.EnsureGrad()
		for _, s := range samples {
			d := depth.Data[s.idx]
			if d <= 0 {
				continue
			}
			diff := 1/(d+eps) - 1/s.dGT
			sign := 1.0
			if diff < 0 {
				sign = -1
			}
			depth.Grad[s.idx] += out.Grad[0] * norm * sign * (-1 / ((d + eps) * (d + eps)))
		}
	}
	return tensor.Custom(data, []int{1}, back, depth)
}

// maskTensor expands a per-pixel keep mask to a [3,H,W] weight image.
func maskTensor(mask []bool, h, w int) *tensor.Tensor {
	data := make([]float64, 3*h*w)
	for i, keep := range mask {
		if keep {
			data[i] = 1
			data[h*w+i] = 1
			data[2*h*w+i] = 1
		}
	}
	return tensor.New(data, 3, h, w)
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
