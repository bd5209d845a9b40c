package trainer

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
	"github.com/JacobJEdwards/gsplat/internal/domain/train"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/loss"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/metrics"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/optim"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/render"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/retinex"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/strategy"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// Runner owns one training run: the scene, the model stack, every
// optimizer and scheduler, the density strategy and the telemetry
// sinks.
type Runner struct {
	cfg train.Config
	rep Replicator
	log *log.Logger

	trainSet Dataset
	valSet   Dataset

	splats     *scene.State
	sceneScale float64

	splatOpts  map[string]*optim.Adam
	meansSched optim.Scheduler
	schedulers []optim.Scheduler

	strat        strategy.Strategy
	defaultState *strategy.DefaultState
	mcmcState    *strategy.MCMCState

	renderer render.Renderer

	model    *retinex.Model
	illumOpt *retinex.IllumOpt
	composer *loss.Composer
	percep   loss.Perceptual

	app     *AppearanceModule
	pose    *PoseAdjust
	bilgrid *BilateralGrid

	// moduleOpts holds the auxiliary optimizers, keyed for
	// checkpointing.
	moduleOpts map[string]*optim.Adam

	sink metrics.Sink
	rng  *rand.Rand

	ckptDir    string
	statsDir   string
	renderDir  string
	plyDir     string
	compressDir string
}

// New wires a run from the configuration. The caller has already
// validated cfg.
func New(cfg train.Config, rep Replicator) (*Runner, error) {
	r := &Runner{
		cfg: cfg,
		rep: rep,
		log: log.New(os.Stderr, fmt.Sprintf("[rank %d] ", rep.Rank()), log.LstdFlags),
		rng: rand.New(rand.NewSource(42 + int64(rep.Rank()))),

		renderer: render.PointSplat{},

		ckptDir:     filepath.Join(cfg.ResultDir, "ckpts"),
		statsDir:    filepath.Join(cfg.ResultDir, "stats"),
		renderDir:   filepath.Join(cfg.ResultDir, "renders"),
		plyDir:      filepath.Join(cfg.ResultDir, "ply"),
		compressDir: filepath.Join(cfg.ResultDir, "compression"),
	}

	if IsMain(rep) {
		for _, d := range []string{r.ckptDir, r.statsDir, r.renderDir, r.plyDir} {
			if err := os.MkdirAll(d, 0755); err != nil {
				return nil, fmt.Errorf("trainer: create %s: %w", d, err)
			}
		}
	}

	var err error
	if r.trainSet, err = OpenDir(cfg.DataDir, "train", cfg.TestEvery); err != nil {
		return nil, err
	}
	if r.valSet, err = OpenDir(cfg.DataDir, "val", cfg.TestEvery); err != nil {
		return nil, err
	}
	r.sceneScale = r.trainSet.SceneScale() * cfg.GlobalScale
	r.log.Printf("scene scale: %.4f", r.sceneScale)

	if err := r.initScene(); err != nil {
		return nil, err
	}
	if err := r.initModules(); err != nil {
		return nil, err
	}
	if err := r.initStrategy(); err != nil {
		return nil, err
	}
	if err := r.initSink(); err != nil {
		return nil, err
	}

	r.log.Printf("initialized %d gaussians over %d training views", r.splats.Len(), r.trainSet.Len())
	return r, nil
}

func (r *Runner) initScene() error {
	cfg := r.cfg
	pts, rgbs := r.trainSet.Points()
	st, err := scene.NewState(scene.InitOptions{
		Type:       cfg.InitType,
		NumPoints:  cfg.InitNumPts,
		Extent:     cfg.InitExtent,
		Opacity:    cfg.InitOpa,
		Scale:      cfg.InitScale,
		SceneScale: r.sceneScale,
		SHDegree:   cfg.SHDegree,
		FeatureDim: featureDim(cfg),
		Retinex:    cfg.EnableRetinex && !cfg.UseIllumOpt,
		Points:     pts,
		RGBs:       rgbs,
		WorldRank:  r.rep.Rank(),
		WorldSize:  r.rep.WorldSize(),
		Seed:       42,
	})
	if err != nil {
		return err
	}
	r.splats = st
	return r.buildSplatOptimizers()
}

// buildSplatOptimizers creates one scaled AdamW per parameter group
// and the position decay schedule. Called at init and again after a
// checkpoint restore replaces the scene.
func (r *Runner) buildSplatOptimizers() error {
	cfg := r.cfg
	st := r.splats
	bs, ws := r.cfg.BatchSize, r.rep.WorldSize()
	lrs := map[string]float64{
		scene.GroupMeans:     cfg.MeansLR * r.sceneScale,
		scene.GroupScales:    cfg.ScalesLR,
		scene.GroupQuats:     cfg.QuatsLR,
		scene.GroupOpacities: cfg.OpacitiesLR,
		scene.GroupSH0:       cfg.SH0LR,
		scene.GroupSHN:       cfg.SHNLR,
		scene.GroupFeatures:  cfg.SH0LR,
		scene.GroupColors:    cfg.SH0LR,
		scene.GroupAdjustK:   cfg.SH0LR,
		scene.GroupAdjustB:   cfg.SH0LR,
	}
	r.splatOpts = map[string]*optim.Adam{}
	for _, name := range st.Names() {
		lr, ok := lrs[name]
		if !ok {
			return fmt.Errorf("trainer: no learning rate for group %q", name)
		}
		r.splatOpts[name] = optim.New(name, optim.Scaled(lr, bs, ws), st.Groups[name])
	}

	// Position updates shrink to 1% of their initial size by the end
	// of training.
	r.meansSched = optim.NewExponentialLR(
		r.splatOpts[scene.GroupMeans], optim.GammaForDecay(0.01, cfg.MaxSteps))
	return nil
}

func featureDim(cfg train.Config) int {
	if cfg.AppOpt {
		return cfg.AppEmbedDim
	}
	return 0
}

func (r *Runner) initModules() error {
	cfg := r.cfg
	bs := cfg.BatchSize
	numImages := r.trainSet.Len()
	r.moduleOpts = map[string]*optim.Adam{}

	if cfg.EnableRetinex {
		model, err := retinex.NewModel(retinex.ModelConfig{
			NumImages: numImages,
			UseHSV:    cfg.UseHSVColorSpace,
			Net: retinex.NetConfig{
				EmbedDim:        cfg.RetinexEmbedDim,
				MultiScale:      cfg.MultiScaleRetinex,
				Refinement:      cfg.UseRefinementNet,
				PredictiveCurve: cfg.PredictiveCurve,
				DynamicWeights:  cfg.EnableDynamicWeight,
				Seed:            42,
			},
		})
		if err != nil {
			return err
		}
		r.model = model

		comp, err := loss.NewComposer(loss.Config{
			Weights: [loss.NumTerms]float64{
				cfg.LambdaReflect, cfg.LambdaIllumColor, cfg.LambdaIllumExposure,
				cfg.LambdaSmooth, cfg.LambdaIllumCurve, cfg.LambdaLaplacian,
				cfg.LambdaGradient, cfg.LambdaFrequency, cfg.LambdaEdgeSmooth,
				cfg.LambdaLocalExposure, cfg.LambdaIllumFreq, cfg.LambdaExclusion,
			},
			Dynamic:              cfg.EnableDynamicWeight,
			UseHSV:               cfg.UseHSVColorSpace,
			LearnGlobalExposure:  cfg.LearnGlobalExposure,
			LearnLocalExposure:   cfg.LearnLocalExposure,
			LearnSpatialContrast: cfg.LearnSpatialContr,
			LearnCurveLambdas:    cfg.LearnCurveLambdas,
		}, model.Net.LogVars())
		if err != nil {
			return err
		}
		r.composer = comp

		netParams := model.Net.Params()
		netParams = append(netParams, model.GlobalMean)
		netParams = append(netParams, comp.Params()...)
		netOpt := optim.New("retinex_net", optim.ModuleConfig(1e-3, bs), netParams...)
		r.moduleOpts["retinex_net"] = netOpt
		r.schedulers = append(r.schedulers, optim.NewWarmupExponentialLR(
			netOpt, 0.01, 500, optim.GammaForDecay(0.1, cfg.MaxSteps)))

		if model.Net.HasRefinement() {
			refOpt := optim.New("retinex_refine", optim.ModuleConfig(1e-3, bs), model.Net.RefinementParams()...)
			r.moduleOpts["retinex_refine"] = refOpt
			r.schedulers = append(r.schedulers, optim.NewWarmupExponentialLR(
				refOpt, 0.01, 500, optim.GammaForDecay(0.1, cfg.MaxSteps)))
		}

		embedOpt := optim.New("retinex_embeds", optim.ModuleConfig(1e-2, bs), model.Embeds)
		r.moduleOpts["retinex_embeds"] = embedOpt
		r.schedulers = append(r.schedulers, optim.NewCosineAnnealingLR(
			embedOpt, cfg.MaxSteps, embedOpt.LR()*0.01))

		if cfg.UseIllumOpt {
			r.illumOpt = retinex.NewIllumOpt(numImages)
			opt := optim.New("illum_opt", optim.ModuleConfig(1e-3, bs), r.illumOpt.Table)
			r.moduleOpts["illum_opt"] = opt
			r.schedulers = append(r.schedulers, optim.NewCosineAnnealingLR(
				opt, cfg.MaxSteps, opt.LR()*0.01))
		}

		if p, err := loss.NewPerceptual(cfg.LPIPSNet, os.Getenv("LPIPS_WEIGHTS_DIR")); err != nil {
			r.log.Printf("perceptual metric disabled: %v", err)
		} else {
			r.percep = p
		}
	}

	if cfg.AppOpt {
		r.app = NewAppearanceModule(numImages, cfg.AppEmbedDim, cfg.AppEmbedDim, 42)
		appOpt := optim.New("app_module", optim.Config{
			LR: cfg.AppOptLR, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: cfg.AppOptReg,
		}, r.app.Params()...)
		r.moduleOpts["app_module"] = appOpt
		embOpt := optim.New("app_embeds", optim.Config{
			LR: cfg.AppOptLR, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8,
		}, r.app.Embeds)
		r.moduleOpts["app_embeds"] = embOpt
	}

	if cfg.PoseOpt {
		r.pose = NewPoseAdjust(numImages, cfg.PoseNoise, 42)
		poseOpt := optim.New("pose", optim.Config{
			LR: cfg.PoseOptLR, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: cfg.PoseOptReg,
		}, r.pose.Deltas)
		r.moduleOpts["pose"] = poseOpt
		r.schedulers = append(r.schedulers, optim.NewCosineAnnealingLR(
			poseOpt, cfg.MaxSteps, poseOpt.LR()*0.01))
	}

	if cfg.BilateralGrid {
		r.bilgrid = NewBilateralGrid(numImages, cfg.BilGridShape[0], cfg.BilGridShape[1])
		opt := optim.New("bilgrid", optim.ModuleConfig(2e-3, bs), r.bilgrid.Tables)
		r.moduleOpts["bilgrid"] = opt
		r.schedulers = append(r.schedulers, optim.NewWarmupExponentialLR(
			opt, 0.01, 1000, optim.GammaForDecay(0.01, cfg.MaxSteps)))
	}
	return nil
}

func (r *Runner) initStrategy() error {
	st, err := strategy.New(r.cfg.Strategy)
	if err != nil {
		return err
	}
	r.strat = st
	if err := st.CheckSanity(r.splats, r.splatOpts); err != nil {
		return err
	}
	switch s := st.(type) {
	case *strategy.Default:
		r.defaultState = s.InitializeState(r.splats, r.sceneScale)
	case *strategy.MCMC:
		r.mcmcState = s.InitializeState()
	default:
		return fmt.Errorf("trainer: unhandled strategy %T", st)
	}
	return nil
}

func (r *Runner) initSink() error {
	if !IsMain(r.rep) {
		r.sink = metrics.Nop{}
		return nil
	}
	cfgJSON, err := json.Marshal(r.cfg)
	if err != nil {
		return fmt.Errorf("trainer: encode config: %w", err)
	}
	switch r.cfg.MetricsDriver {
	case train.MetricsSQLite:
		s, err := metrics.OpenSQLite(filepath.Join(r.cfg.ResultDir, "metrics.db"), cfgJSON)
		if err != nil {
			return err
		}
		r.sink = s
		r.log.Printf("metrics run %s", s.RunID())
	case train.MetricsPostgres:
		s, err := metrics.OpenPostgres(r.cfg.MetricsDSN, cfgJSON)
		if err != nil {
			return err
		}
		r.sink = s
		r.log.Printf("metrics run %s", s.RunID())
	default:
		return fmt.Errorf("trainer: unknown metrics driver %q", r.cfg.MetricsDriver)
	}
	return nil
}

// Close flushes and releases the run's resources.
func (r *Runner) Close() error {
	return r.sink.Close()
}

// Splats exposes the scene for export and tests.
func (r *Runner) Splats() *scene.State { return r.splats }

// moduleParams lists every auxiliary learnable tensor set, keyed like
// moduleOpts, for checkpointing.
func (r *Runner) moduleParams() map[string][]*tensor.Tensor {
	out := map[string][]*tensor.Tensor{}
	if r.model != nil {
		ps := r.model.Net.Params()
		ps = append(ps, r.model.GlobalMean)
		ps = append(ps, r.composer.Params()...)
		out["retinex_net"] = ps
		out["retinex_embeds"] = []*tensor.Tensor{r.model.Embeds}
		if r.model.Net.HasRefinement() {
			out["retinex_refine"] = r.model.Net.RefinementParams()
		}
	}
	if r.illumOpt != nil {
		out["illum_opt"] = []*tensor.Tensor{r.illumOpt.Table}
	}
	if r.app != nil {
		out["app_module"] = r.app.Params()
		out["app_embeds"] = []*tensor.Tensor{r.app.Embeds}
	}
	if r.pose != nil {
		out["pose"] = []*tensor.Tensor{r.pose.Deltas}
	}
	if r.bilgrid != nil {
		out["bilgrid"] = []*tensor.Tensor{r.bilgrid.Tables}
	}
	return out
}
