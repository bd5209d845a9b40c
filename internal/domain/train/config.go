// Package train provides the training configuration surface and its
// validation. Unknown enum values are rejected at load time rather
// than silently defaulted.
package train

import (
	"fmt"

	"github.com/spf13/viper"
)

// Recognized enum values.
const (
	InitSfM    = "sfm"
	InitRandom = "random"

	StrategyDefault = "default"
	StrategyMCMC    = "mcmc"

	CompressionNone = "none"
	CompressionPNG  = "png"

	LPIPSAlex = "alex"
	LPIPSVGG  = "vgg"

	TrajInterp  = "interp"
	TrajEllipse = "ellipse"
	TrajSpiral  = "spiral"

	MetricsSQLite   = "sqlite"
	MetricsPostgres = "postgres"
)

// Config is the full training configuration.
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	ResultDir string `mapstructure:"result_dir"`

	MaxSteps      int     `mapstructure:"max_steps"`
	BatchSize     int     `mapstructure:"batch_size"`
	WorldSize     int     `mapstructure:"world_size"`
	GlobalScale   float64 `mapstructure:"global_scale"`
	PatchSize     int     `mapstructure:"patch_size"`
	TestEvery     int     `mapstructure:"test_every"`
	StepsScaler   float64 `mapstructure:"steps_scaler"`
	RandomBkgd    bool    `mapstructure:"random_bkgd"`
	Packed        bool    `mapstructure:"packed"`
	Antialiased   bool    `mapstructure:"antialiased"`
	NearPlane     float64 `mapstructure:"near_plane"`
	FarPlane      float64 `mapstructure:"far_plane"`
	SHDegree      int     `mapstructure:"sh_degree"`
	SHDegreeEvery int     `mapstructure:"sh_degree_interval"`

	// Scene initialization.
	InitType   string  `mapstructure:"init_type"`
	InitNumPts int     `mapstructure:"init_num_pts"`
	InitExtent float64 `mapstructure:"init_extent"`
	InitOpa    float64 `mapstructure:"init_opa"`
	InitScale  float64 `mapstructure:"init_scale"`

	// Per-group learning rates.
	MeansLR     float64 `mapstructure:"means_lr"`
	ScalesLR    float64 `mapstructure:"scales_lr"`
	OpacitiesLR float64 `mapstructure:"opacities_lr"`
	QuatsLR     float64 `mapstructure:"quats_lr"`
	SH0LR       float64 `mapstructure:"sh0_lr"`
	SHNLR       float64 `mapstructure:"shN_lr"`

	// Density strategy.
	Strategy string `mapstructure:"strategy"`

	// Regularizers.
	OpacityReg float64 `mapstructure:"opacity_reg"`
	ScaleReg   float64 `mapstructure:"scale_reg"`
	SSIMLambda float64 `mapstructure:"ssim_lambda"`

	// Retinex pipeline.
	EnableRetinex       bool    `mapstructure:"enable_retinex"`
	UseIllumOpt         bool    `mapstructure:"use_illum_opt"`
	UseHSVColorSpace    bool    `mapstructure:"use_hsv_color_space"`
	MultiScaleRetinex   bool    `mapstructure:"multi_scale_retinex"`
	UseRefinementNet    bool    `mapstructure:"use_refinement_net"`
	EnableDynamicWeight bool    `mapstructure:"enable_dynamic_weights"`
	PredictiveCurve     bool    `mapstructure:"predictive_adaptive_curve"`
	LearnCurveLambdas   bool    `mapstructure:"learn_adaptive_curve_lambdas"`
	LearnSpatialContr   bool    `mapstructure:"learn_spatial_contrast"`
	LearnGlobalExposure bool    `mapstructure:"learn_global_exposure"`
	LearnLocalExposure  bool    `mapstructure:"learn_local_exposure"`
	PretrainRetinex     bool    `mapstructure:"pretrain_retinex"`
	PretrainSteps       int     `mapstructure:"pretrain_steps"`
	RetinexEmbedDim     int     `mapstructure:"retinex_embed_dim"`
	LambdaLow           float64 `mapstructure:"lambda_low"`
	LambdaIllumination  float64 `mapstructure:"lambda_illumination"`

	// Per-term regularization weights, in composer order.
	LambdaReflect       float64 `mapstructure:"lambda_reflect"`
	LambdaIllumColor    float64 `mapstructure:"lambda_illum_color"`
	LambdaIllumExposure float64 `mapstructure:"lambda_illum_exposure"`
	LambdaSmooth        float64 `mapstructure:"lambda_smooth"`
	LambdaIllumCurve    float64 `mapstructure:"lambda_illum_curve"`
	LambdaLaplacian     float64 `mapstructure:"lambda_laplacian"`
	LambdaGradient      float64 `mapstructure:"lambda_gradient"`
	LambdaFrequency     float64 `mapstructure:"lambda_frequency"`
	LambdaEdgeSmooth    float64 `mapstructure:"lambda_edge_aware_smooth"`
	LambdaLocalExposure float64 `mapstructure:"lambda_illum_exposure_local"`
	LambdaIllumFreq     float64 `mapstructure:"lambda_illum_frequency"`
	LambdaExclusion     float64 `mapstructure:"lambda_exclusion"`

	// Optional feature toggles.
	PoseOpt       bool    `mapstructure:"pose_opt"`
	PoseOptLR     float64 `mapstructure:"pose_opt_lr"`
	PoseOptReg    float64 `mapstructure:"pose_opt_reg"`
	PoseNoise     float64 `mapstructure:"pose_noise"`
	AppOpt        bool    `mapstructure:"app_opt"`
	AppOptLR      float64 `mapstructure:"app_opt_lr"`
	AppOptReg     float64 `mapstructure:"app_opt_reg"`
	AppEmbedDim   int     `mapstructure:"app_embed_dim"`
	BilateralGrid bool    `mapstructure:"use_bilateral_grid"`
	BilGridShape  [3]int  `mapstructure:"bilateral_grid_shape"`
	DepthLoss     bool    `mapstructure:"depth_loss"`
	DepthLambda   float64 `mapstructure:"depth_lambda"`

	// Evaluation and export.
	Compression   string `mapstructure:"compression"`
	LPIPSNet      string `mapstructure:"lpips_net"`
	EvalNIQE      bool   `mapstructure:"eval_niqe"`
	RenderTraj    string `mapstructure:"render_traj_path"`
	DisableVideo  bool   `mapstructure:"disable_video"`
	SavePly       bool   `mapstructure:"save_ply"`
	EvalSteps     []int  `mapstructure:"eval_steps"`
	SaveSteps     []int  `mapstructure:"save_steps"`
	PlySteps      []int  `mapstructure:"ply_steps"`
	MetricsEvery  int    `mapstructure:"metrics_every"`
	SaveImages    bool   `mapstructure:"save_images"`
	MetricsDriver string `mapstructure:"metrics_driver"`
	MetricsDSN    string `mapstructure:"metrics_dsn"`

	// Resume checkpoints, one per shard.
	Checkpoints []string `mapstructure:"ckpt"`
}

// Default returns the baseline configuration, matching the heuristic
// densification preset.
func Default() Config {
	return Config{
		ResultDir:     "results",
		MaxSteps:      30000,
		BatchSize:     1,
		WorldSize:     1,
		GlobalScale:   1.0,
		TestEvery:     8,
		StepsScaler:   1.0,
		NearPlane:     0.01,
		FarPlane:      1e10,
		SHDegree:      3,
		SHDegreeEvery: 1000,

		InitType:   InitSfM,
		InitNumPts: 100_000,
		InitExtent: 3.0,
		InitOpa:    0.1,
		InitScale:  1.0,

		MeansLR:     1.6e-4,
		ScalesLR:    5e-3,
		OpacitiesLR: 5e-2,
		QuatsLR:     1e-3,
		SH0LR:       2.5e-3,
		SHNLR:       2.5e-3 / 20,

		Strategy: StrategyDefault,

		SSIMLambda: 0.2,

		EnableRetinex:       true,
		RetinexEmbedDim:     32,
		PretrainSteps:       1000,
		LambdaLow:           0.5,
		LambdaIllumination:  1.0,
		LambdaReflect:       1.0,
		LambdaIllumColor:    0.5,
		LambdaIllumExposure: 10.0,
		LambdaSmooth:        2.0,
		LambdaIllumCurve:    1.0,
		LambdaLaplacian:     1.0,
		LambdaGradient:      1.0,
		LambdaFrequency:     1.0,
		LambdaEdgeSmooth:    1.0,
		LambdaLocalExposure: 1.0,
		LambdaIllumFreq:     0.1,
		LambdaExclusion:     0.1,

		PoseOptLR:    1e-5,
		PoseOptReg:   1e-6,
		AppOptLR:     1e-3,
		AppOptReg:    1e-6,
		AppEmbedDim:  16,
		BilGridShape: [3]int{16, 16, 8},
		DepthLambda:  1e-2,

		Compression:   CompressionNone,
		LPIPSNet:      LPIPSAlex,
		RenderTraj:    TrajInterp,
		EvalSteps:     []int{7000, 30000},
		SaveSteps:     []int{7000, 30000},
		PlySteps:      []int{7000, 30000},
		MetricsEvery:  100,
		MetricsDriver: MetricsSQLite,
	}
}

// MCMCDefault returns the stochastic-relocation preset.
func MCMCDefault() Config {
	cfg := Default()
	cfg.Strategy = StrategyMCMC
	cfg.InitOpa = 0.5
	cfg.InitScale = 0.1
	cfg.OpacityReg = 0.01
	cfg.ScaleReg = 0.01
	return cfg
}

// AdjustSteps rescales every step-valued field by the steps scaler.
func (c *Config) AdjustSteps() {
	if c.StepsScaler == 1.0 || c.StepsScaler == 0 {
		return
	}
	f := c.StepsScaler
	scale := func(v int) int { return int(float64(v) * f) }
	c.MaxSteps = scale(c.MaxSteps)
	c.PretrainSteps = scale(c.PretrainSteps)
	c.SHDegreeEvery = scale(c.SHDegreeEvery)
	for i := range c.EvalSteps {
		c.EvalSteps[i] = scale(c.EvalSteps[i])
	}
	for i := range c.SaveSteps {
		c.SaveSteps[i] = scale(c.SaveSteps[i])
	}
	for i := range c.PlySteps {
		c.PlySteps[i] = scale(c.PlySteps[i])
	}
}

// Validate rejects unknown enum values and inconsistent toggles.
func (c *Config) Validate() error {
	switch c.InitType {
	case InitSfM, InitRandom:
	default:
		return fmt.Errorf("train: unknown init_type %q (want sfm or random)", c.InitType)
	}
	switch c.Strategy {
	case StrategyDefault, StrategyMCMC:
	default:
		return fmt.Errorf("train: unknown strategy %q (want default or mcmc)", c.Strategy)
	}
	switch c.Compression {
	case CompressionNone, CompressionPNG:
	default:
		return fmt.Errorf("train: unknown compression %q (want none or png)", c.Compression)
	}
	switch c.LPIPSNet {
	case LPIPSAlex, LPIPSVGG:
	default:
		return fmt.Errorf("train: unknown lpips_net %q (want alex or vgg)", c.LPIPSNet)
	}
	switch c.RenderTraj {
	case TrajInterp, TrajEllipse, TrajSpiral:
	default:
		return fmt.Errorf("train: unknown render_traj_path %q (want interp, ellipse or spiral)", c.RenderTraj)
	}
	switch c.MetricsDriver {
	case MetricsSQLite, MetricsPostgres:
	default:
		return fmt.Errorf("train: unknown metrics_driver %q (want sqlite or postgres)", c.MetricsDriver)
	}
	if c.MetricsDriver == MetricsPostgres && c.MetricsDSN == "" {
		return fmt.Errorf("train: metrics_driver postgres requires metrics_dsn")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("train: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.WorldSize < 1 {
		return fmt.Errorf("train: world_size must be >= 1, got %d", c.WorldSize)
	}
	if c.UseIllumOpt && !c.EnableRetinex {
		return fmt.Errorf("train: use_illum_opt requires enable_retinex")
	}
	return nil
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	return LoadOver(Default(), path)
}

// LoadOver reads a YAML config file over an arbitrary base, so preset
// values survive for every key the file does not set.
func LoadOver(base Config, path string) (Config, error) {
	if path == "" {
		return base, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return base, fmt.Errorf("train: reading config: %w", err)
	}
	if err := v.Unmarshal(&base); err != nil {
		return base, fmt.Errorf("train: decoding config: %w", err)
	}
	return base, nil
}
