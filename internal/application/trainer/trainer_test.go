package trainer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
	"github.com/JacobJEdwards/gsplat/internal/domain/train"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/loss"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/metrics"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// writeCapture builds a tiny transforms.json capture: four 16x16
// frames from slightly offset cameras, with a sparse point cloud in
// front of them.
func writeCapture(t *testing.T) string {
	return writeCaptureWith(t, false, false)
}

// writeCaptureWith optionally attaches per-frame keep masks (top half
// white, bottom half black) and sparse depth samples.
func writeCaptureWith(t *testing.T, withMask, withDepth bool) string {
	t.Helper()
	dir := t.TempDir()

	type frame struct {
		FilePath    string        `json:"file_path"`
		Transform   [4][4]float64 `json:"transform_matrix"`
		MaskPath    string        `json:"mask_path,omitempty"`
		DepthPoints [][2]float64  `json:"depth_points,omitempty"`
		Depths      []float64     `json:"depths,omitempty"`
	}
	meta := struct {
		FlX    float64      `json:"fl_x"`
		FlY    float64      `json:"fl_y"`
		Cx     float64      `json:"cx"`
		Cy     float64      `json:"cy"`
		W      int          `json:"w"`
		H      int          `json:"h"`
		Frames []frame      `json:"frames"`
		Points [][3]float64 `json:"points"`
		Colors [][3]float64 `json:"colors"`
	}{
		FlX: 20, FlY: 20, Cx: 8, Cy: 8, W: 16, H: 16,
	}

	for i := 0; i < 4; i++ {
		name := filepath.Join(dir, fmt.Sprintf("frame_%04d.png", i))
		pixels := make([]float64, 3*16*16)
		for j := range pixels {
			pixels[j] = 0.1 + 0.05*float64(i) + 0.002*float64(j%16)
		}
		if err := metrics.WritePNG(name, metrics.ToImage(pixels, 3, 16, 16)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
		tr := [4][4]float64{
			{1, 0, 0, 0.1 * float64(i)},
			{0, 1, 0, 0},
			{0, 0, 1, 0},
			{0, 0, 0, 1},
		}
		f := frame{FilePath: filepath.Base(name), Transform: tr}
		if withMask {
			maskPix := make([]float64, 3*16*16)
			for j := 0; j < 3*16*16; j++ {
				if (j%256)/16 < 8 {
					maskPix[j] = 1
				}
			}
			maskName := fmt.Sprintf("mask_%04d.png", i)
			if err := metrics.WritePNG(filepath.Join(dir, maskName), metrics.ToImage(maskPix, 3, 16, 16)); err != nil {
				t.Fatalf("write mask: %v", err)
			}
			f.MaskPath = maskName
		}
		if withDepth {
			f.DepthPoints = [][2]float64{{8, 8}, {4, 4}}
			f.Depths = []float64{2.0, 2.1}
		}
		meta.Frames = append(meta.Frames, f)
	}

	for i := 0; i < 20; i++ {
		meta.Points = append(meta.Points, [3]float64{
			0.1 * float64(i%5), 0.05 * float64(i/5), 2 + 0.1*float64(i%3),
		})
		meta.Colors = append(meta.Colors, [3]float64{0.5, 0.4, 0.3})
	}

	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal transforms: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "transforms.json"), data, 0644); err != nil {
		t.Fatalf("write transforms: %v", err)
	}
	return dir
}

func shortConfig(t *testing.T, dataDir string) train.Config {
	t.Helper()
	cfg := train.Default()
	cfg.DataDir = dataDir
	cfg.ResultDir = t.TempDir()
	cfg.MaxSteps = 2
	cfg.TestEvery = 4
	cfg.MetricsEvery = 1
	cfg.EvalSteps = nil
	cfg.SaveSteps = []int{2}
	cfg.PlySteps = nil
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestTrainShortRunSavesCheckpoint(t *testing.T) {
	dataDir := writeCapture(t)
	cfg := shortConfig(t, dataDir)

	r, err := New(cfg, SingleProcess{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if err := r.Pretrain(); err != nil {
		t.Fatalf("Pretrain: %v", err)
	}
	if err := r.Train(); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if n := r.Splats().Len(); n != 20 {
		t.Fatalf("gaussian count after 2 steps = %d, want the 20 seed points", n)
	}
	for _, g := range r.Splats().Groups {
		for i, v := range g.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("parameter %d is not finite after training: %v", i, v)
			}
		}
	}

	ckpt := filepath.Join(cfg.ResultDir, "ckpts", "ckpt_2_rank0.json")
	if _, err := os.Stat(ckpt); err != nil {
		t.Fatalf("expected checkpoint at %s: %v", ckpt, err)
	}

	// A fresh runner resumes from the shard and recovers the scene.
	cfg2 := shortConfig(t, dataDir)
	r2, err := New(cfg2, SingleProcess{})
	if err != nil {
		t.Fatalf("New (resume): %v", err)
	}
	defer r2.Close()
	step, err := r2.LoadCheckpoints([]string{ckpt})
	if err != nil {
		t.Fatalf("LoadCheckpoints: %v", err)
	}
	if step != 2 {
		t.Fatalf("resumed step = %d, want 2", step)
	}
	if r2.Splats().Len() != r.Splats().Len() {
		t.Fatalf("resumed N = %d, want %d", r2.Splats().Len(), r.Splats().Len())
	}
	means := r.Splats().Groups[scene.GroupMeans]
	means2 := r2.Splats().Groups[scene.GroupMeans]
	for i := range means.Data {
		if means.Data[i] != means2.Data[i] {
			t.Fatalf("restored means[%d] = %v, saved %v", i, means2.Data[i], means.Data[i])
		}
	}
}

func TestTrainWithoutDecomposition(t *testing.T) {
	cfg := shortConfig(t, writeCapture(t))
	cfg.EnableRetinex = false
	cfg.SaveSteps = nil

	r, err := New(cfg, SingleProcess{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	if err := r.Train(); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if _, ok := r.Splats().Groups[scene.GroupAdjustK]; ok {
		t.Fatal("illumination adjustment groups present with decomposition off")
	}
	means := r.Splats().Groups[scene.GroupMeans]
	for i, v := range means.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("means[%d] not finite: %v", i, v)
		}
	}
}

func TestEnhancedTermLeavesDecompositionFrozen(t *testing.T) {
	cfg := shortConfig(t, writeCapture(t))
	cfg.SaveSteps = nil
	// Only the enhanced photometric term remains; it must update the
	// splats without pulling the decomposition toward the render.
	cfg.LambdaLow = 0
	cfg.LambdaIllumination = 0

	r, err := New(cfg, SingleProcess{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	if err := r.trainStep(0); err != nil {
		t.Fatalf("trainStep: %v", err)
	}

	for _, name := range []string{"retinex_net", "retinex_embeds"} {
		opt := r.moduleOpts[name]
		if opt == nil {
			t.Fatalf("missing optimizer %q", name)
		}
		m, v := opt.Moments()
		for pi := range m {
			for i := range m[pi] {
				if m[pi][i] != 0 || v[pi][i] != 0 {
					t.Fatalf("%s accumulated momentum at param %d index %d", name, pi, i)
				}
			}
		}
	}

	moved := false
	for _, name := range r.splats.Names() {
		m, _ := r.splatOpts[name].Moments()
		for _, row := range m {
			for _, x := range row {
				if x != 0 {
					moved = true
				}
			}
		}
	}
	if !moved {
		t.Fatal("no splat group received a gradient")
	}
}

func TestTrainRequiresDepthData(t *testing.T) {
	cfg := shortConfig(t, writeCapture(t))
	cfg.DepthLoss = true
	cfg.SaveSteps = nil

	r, err := New(cfg, SingleProcess{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	if err := r.Train(); err == nil {
		t.Fatal("expected error for depth loss on a capture without depth data")
	}
}

func TestTrainWithDepthSupervision(t *testing.T) {
	cfg := shortConfig(t, writeCaptureWith(t, false, true))
	cfg.DepthLoss = true
	cfg.SaveSteps = nil

	r, err := New(cfg, SingleProcess{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	if err := r.Train(); err != nil {
		t.Fatalf("Train with depth supervision: %v", err)
	}
}

// countingReplicator records every gradient reduction issued by the
// training loop.
type countingReplicator struct {
	SingleProcess
	reduces int
}

func (c *countingReplicator) AllReduceMean(buf []float64) error {
	c.reduces++
	return nil
}

func TestTrainStepReducesGradientsAcrossReplicas(t *testing.T) {
	cfg := shortConfig(t, writeCapture(t))
	cfg.SaveSteps = nil

	rep := &countingReplicator{}
	r, err := New(cfg, rep)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	if err := r.trainStep(0); err != nil {
		t.Fatalf("trainStep: %v", err)
	}
	// Every splat group carries a gradient after the backward pass, so
	// at least that many reductions must have been issued.
	if want := len(r.splats.Names()); rep.reduces < want {
		t.Fatalf("gradient reductions = %d, want at least %d", rep.reduces, want)
	}
}

func photometricTotal(t *testing.T, r *Runner) float64 {
	t.Helper()
	total := 0.0
	for i := 0; i < r.trainSet.Len(); i++ {
		b, err := r.trainSet.Batch(i)
		if err != nil {
			t.Fatalf("Batch: %v", err)
		}
		gt := tensor.New(b.Image, 3, b.Height, b.Width)
		in, err := r.rasterInputs(b, r.camera(b, false), 0, false)
		if err != nil {
			t.Fatalf("rasterInputs: %v", err)
		}
		out, _, err := r.renderer.Rasterize(in)
		if err != nil {
			t.Fatalf("Rasterize: %v", err)
		}
		rgb := applyBackground(out.Colors, out.Alphas, [3]float64{})
		total += r.photometric(rgb, gt).Item()
	}
	return total
}

func TestTrainReducesPhotometricLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-step optimization run")
	}
	cfg := shortConfig(t, writeCapture(t))
	cfg.EnableRetinex = false
	cfg.SaveSteps = nil
	cfg.MaxSteps = 50
	cfg.MetricsEvery = 25

	r, err := New(cfg, SingleProcess{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	before := photometricTotal(t, r)
	if err := r.Train(); err != nil {
		t.Fatalf("Train: %v", err)
	}
	after := photometricTotal(t, r)
	if after >= before {
		t.Fatalf("photometric loss did not decrease: %g -> %g", before, after)
	}
}

func TestEvalScoresBothPathways(t *testing.T) {
	cfg := shortConfig(t, writeCapture(t))
	cfg.SaveSteps = nil
	cfg.SaveImages = true

	r, err := New(cfg, SingleProcess{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	if err := r.Eval(1); err != nil {
		t.Fatalf("Eval: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.ResultDir, "stats", "val_step1.json"))
	if err != nil {
		t.Fatalf("read eval stats: %v", err)
	}
	var st evalStats
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode eval stats: %v", err)
	}
	if st.NumViews != 1 {
		t.Fatalf("eval views = %d, want 1", st.NumViews)
	}
	if st.PSNR == 0 || st.SSIM == 0 {
		t.Fatalf("raw pathway unscored: psnr %g ssim %g", st.PSNR, st.SSIM)
	}
	if st.PSNREnh == 0 || st.SSIMEnh == 0 {
		t.Fatalf("enhanced pathway unscored: psnr %g ssim %g", st.PSNREnh, st.SSIMEnh)
	}

	for _, name := range []string{"val_step1_low_0000.png", "val_step1_enh_0000.png"} {
		if _, err := os.Stat(filepath.Join(cfg.ResultDir, "renders", name)); err != nil {
			t.Fatalf("expected render %s: %v", name, err)
		}
	}
}

func TestRefinementNetHasOptimizer(t *testing.T) {
	cfg := shortConfig(t, writeCapture(t))
	cfg.UseRefinementNet = true

	r, err := New(cfg, SingleProcess{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	if r.moduleOpts["retinex_refine"] == nil {
		t.Fatal("refinement parameters have no optimizer")
	}
	ps, ok := r.moduleParams()["retinex_refine"]
	if !ok || len(ps) == 0 {
		t.Fatal("refinement parameters missing from checkpointed modules")
	}
}

func TestBatchCarriesMaskAndDepth(t *testing.T) {
	dir := writeCaptureWith(t, true, true)
	ds, err := OpenDir(dir, "train", 0)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	b, err := ds.Batch(0)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if len(b.Mask) != 16*16 {
		t.Fatalf("mask length = %d, want 256", len(b.Mask))
	}
	if !b.Mask[0] {
		t.Fatal("top-left pixel should be kept")
	}
	if b.Mask[255] {
		t.Fatal("bottom-right pixel should be masked out")
	}
	if !b.HasDepth() {
		t.Fatal("batch dropped its depth samples")
	}
	if len(b.Points) != 2 || b.Depths[0] != 2.0 {
		t.Fatalf("depth samples = %v / %v", b.Points, b.Depths)
	}
}

func TestMaskedPhotometricIgnoresMaskedPixels(t *testing.T) {
	h, w := 8, 8
	mask := make([]bool, h*w)
	for i := 0; i < h*w/2; i++ {
		mask[i] = true
	}
	m := maskTensor(mask, h, w)

	a := make([]float64, 3*h*w)
	b := make([]float64, 3*h*w)
	for c := 0; c < 3; c++ {
		for i := 0; i < h*w; i++ {
			a[c*h*w+i] = 0.4
			b[c*h*w+i] = 0.4
			if i >= h*w/2 {
				b[c*h*w+i] = 0.9 // differs only where the mask drops out
			}
		}
	}
	ta := tensor.Mul(tensor.New(a, 3, h, w), m)
	tb := tensor.Mul(tensor.New(b, 3, h, w), m)
	if d := loss.L1(ta, tb).Item(); d != 0 {
		t.Fatalf("masked L1 = %g, want 0", d)
	}

	full := tensor.New(b, 3, h, w)
	if d := loss.L1(tensor.New(a, 3, h, w), full).Item(); d == 0 {
		t.Fatal("unmasked L1 should see the difference")
	}
}

func TestLoadCheckpointsRejectsMissingFile(t *testing.T) {
	cfg := shortConfig(t, writeCapture(t))
	r, err := New(cfg, SingleProcess{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	if _, err := r.LoadCheckpoints([]string{filepath.Join(cfg.ResultDir, "missing.json")}); err == nil {
		t.Fatal("expected error for a missing checkpoint shard")
	}
	if _, err := r.LoadCheckpoints(nil); err == nil {
		t.Fatal("expected error for an empty shard list")
	}
}

func TestOpenDirSplits(t *testing.T) {
	dir := writeCapture(t)

	tr, err := OpenDir(dir, "train", 4)
	if err != nil {
		t.Fatalf("OpenDir train: %v", err)
	}
	if tr.Len() != 3 {
		t.Fatalf("train frames = %d, want 3", tr.Len())
	}
	va, err := OpenDir(dir, "val", 4)
	if err != nil {
		t.Fatalf("OpenDir val: %v", err)
	}
	if va.Len() != 1 {
		t.Fatalf("val frames = %d, want 1", va.Len())
	}
	if _, err := OpenDir(dir, "holdout", 4); err == nil {
		t.Fatal("expected error for unknown split")
	}
	if tr.SceneScale() <= 0 {
		t.Fatalf("scene scale = %v, want positive", tr.SceneScale())
	}

	b, err := tr.Batch(0)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if b.Width != 16 || b.Height != 16 {
		t.Fatalf("batch size %dx%d, want 16x16", b.Width, b.Height)
	}
	if len(b.Image) != 3*16*16 {
		t.Fatalf("batch image length = %d", len(b.Image))
	}
	if b.K[0] != 20 || b.K[2] != 8 {
		t.Fatalf("intrinsics not carried over: %v", b.K)
	}

	pts, rgbs := tr.Points()
	if len(pts) != 20 || len(rgbs) != 20 {
		t.Fatalf("point cloud %d/%d, want 20/20", len(pts), len(rgbs))
	}
}

func TestContrastDegree(t *testing.T) {
	bright := []float64{0.8, 0.9, 0.7}
	if got := contrastDegree(bright); got != 1 {
		t.Fatalf("bright contrast degree = %v, want 1", got)
	}
	dark := []float64{0.1, 0.1, 0.1}
	if got := contrastDegree(dark); math.Abs(got-1.4) > 1e-12 {
		t.Fatalf("dark contrast degree = %v, want 1.4", got)
	}
	if got := contrastDegree(nil); got != 1 {
		t.Fatalf("empty contrast degree = %v, want 1", got)
	}
}

func TestPoseAdjustIdentityWithoutDeltas(t *testing.T) {
	p := NewPoseAdjust(2, 0, 1)
	id := [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	got := p.Apply(id, 0, false)
	for i := range id {
		if math.Abs(got[i]-id[i]) > 1e-12 {
			t.Fatalf("zero deltas changed pose at %d: %v", i, got[i])
		}
	}
}

func TestBilateralGridIdentityInit(t *testing.T) {
	g := NewBilateralGrid(1, 2, 2)
	img := make([]float64, 3*4*4)
	for i := range img {
		img[i] = 0.25 + 0.01*float64(i%7)
	}
	out := g.Apply(tensor.New(img, 3, 4, 4), 0)
	for i := range img {
		if math.Abs(out.Data[i]-img[i]) > 1e-12 {
			t.Fatalf("identity grid changed pixel %d: %v vs %v", i, out.Data[i], img[i])
		}
	}
	if tv := g.TVLoss(0).Item(); tv != 0 {
		t.Fatalf("identity grid TV loss = %v, want 0", tv)
	}
}
