// Package scene provides the Gaussian scene entities: the learnable
// parameter groups, the per-Gaussian running statistics used by the
// density strategies, and the training batch.
package scene

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// Canonical parameter group names.
const (
	GroupMeans     = "means"
	GroupScales    = "scales"
	GroupQuats     = "quats"
	GroupOpacities = "opacities"
	GroupSH0       = "sh0"
	GroupSHN       = "shN"
	GroupFeatures  = "features"
	GroupColors    = "colors"
	GroupAdjustK   = "adjust_k"
	GroupAdjustB   = "adjust_b"
)

// State owns the per-Gaussian learnable parameter groups. Every group
// shares the same leading dimension; the count changes only through a
// density strategy mutation, never through optimizer steps.
type State struct {
	Groups map[string]*tensor.Tensor
}

// Len returns the Gaussian count N.
func (s *State) Len() int {
	return s.Groups[GroupMeans].Shape[0]
}

// Names returns the group names in deterministic order.
func (s *State) Names() []string {
	names := make([]string, 0, len(s.Groups))
	for name := range s.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the shared leading dimension invariant.
func (s *State) Validate() error {
	n := s.Len()
	for name, t := range s.Groups {
		if t.Shape[0] != n {
			return fmt.Errorf("scene: group %q has %d rows, expected %d", name, t.Shape[0], n)
		}
	}
	return nil
}

// RowSize returns the number of values per Gaussian in a group.
func (s *State) RowSize(name string) int {
	t := s.Groups[name]
	n := 1
	for _, d := range t.Shape[1:] {
		n *= d
	}
	return n
}

// InitOptions configures scene initialization.
type InitOptions struct {
	Type       string // "sfm" or "random"
	NumPoints  int
	Extent     float64
	Opacity    float64
	Scale      float64
	SceneScale float64
	SHDegree   int
	// FeatureDim > 0 switches from SH coefficients to learned
	// appearance features plus logit colors.
	FeatureDim int
	// Retinex adds the per-Gaussian affine illumination adjustment
	// groups.
	Retinex bool

	// SfM input, required for Type == "sfm".
	Points [][3]float64
	RGBs   [][3]float64

	WorldRank int
	WorldSize int
	Seed      int64
}

// rgbToSH0 converts linear RGB to the DC spherical-harmonic
// coefficient.
const shC0 = 0.28209479177387814

func rgbToSH0(v float64) float64 { return (v - 0.5) / shC0 }

// NewState builds the initial parameter groups. Unknown init types
// are rejected rather than defaulted.
func NewState(opts InitOptions) (*State, error) {
	rng := rand.New(rand.NewSource(opts.Seed))

	var points [][3]float64
	var rgbs [][3]float64
	switch opts.Type {
	case "sfm":
		if len(opts.Points) == 0 {
			return nil, fmt.Errorf("scene: sfm init requires a point cloud")
		}
		points = opts.Points
		rgbs = opts.RGBs
	case "random":
		points = make([][3]float64, opts.NumPoints)
		rgbs = make([][3]float64, opts.NumPoints)
		for i := range points {
			for j := 0; j < 3; j++ {
				points[i][j] = opts.Extent * opts.SceneScale * (rng.Float64()*2 - 1)
				rgbs[i][j] = rng.Float64()
			}
		}
	default:
		return nil, fmt.Errorf("scene: unknown init type %q (want sfm or random)", opts.Type)
	}

	// Log-scale from the mean distance to the 3 nearest neighbours.
	dists := knnAvgDist(points, 3)

	// Shard the initial points across workers by striding.
	ws := opts.WorldSize
	if ws < 1 {
		ws = 1
	}
	var spoints [][3]float64
	var srgbs [][3]float64
	var sdists []float64
	for i := opts.WorldRank; i < len(points); i += ws {
		spoints = append(spoints, points[i])
		srgbs = append(srgbs, rgbs[i])
		sdists = append(sdists, dists[i])
	}
	n := len(spoints)
	if n == 0 {
		return nil, fmt.Errorf("scene: no points left for rank %d of %d", opts.WorldRank, ws)
	}

	means := tensor.Zeros(n, 3)
	scales := tensor.Zeros(n, 3)
	quats := tensor.Zeros(n, 4)
	opacities := tensor.Zeros(n)
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			means.Data[i*3+j] = spoints[i][j]
			scales.Data[i*3+j] = math.Log(math.Max(sdists[i]*opts.Scale, 1e-8))
		}
		for j := 0; j < 4; j++ {
			quats.Data[i*4+j] = rng.Float64()
		}
		opacities.Data[i] = logit(opts.Opacity)
	}

	st := &State{Groups: map[string]*tensor.Tensor{
		GroupMeans:     means.Param(),
		GroupScales:    scales.Param(),
		GroupQuats:     quats.Param(),
		GroupOpacities: opacities.Param(),
	}}

	if opts.FeatureDim > 0 {
		features := tensor.Rand(rng, n, opts.FeatureDim)
		colors := tensor.Zeros(n, 3)
		for i := 0; i < n; i++ {
			for j := 0; j < 3; j++ {
				colors.Data[i*3+j] = logit(clamp01eps(srgbs[i][j]))
			}
		}
		st.Groups[GroupFeatures] = features.Param()
		st.Groups[GroupColors] = colors.Param()
	} else {
		k := (opts.SHDegree + 1) * (opts.SHDegree + 1)
		sh0 := tensor.Zeros(n, 1, 3)
		shN := tensor.Zeros(n, k-1, 3)
		for i := 0; i < n; i++ {
			for j := 0; j < 3; j++ {
				sh0.Data[i*3+j] = rgbToSH0(srgbs[i][j])
			}
		}
		st.Groups[GroupSH0] = sh0.Param()
		st.Groups[GroupSHN] = shN.Param()
	}

	if opts.Retinex {
		st.Groups[GroupAdjustK] = tensor.Full(1, n, 1, 3).Param()
		st.Groups[GroupAdjustB] = tensor.Zeros(n, 1, 3).Param()
	}
	return st, nil
}

func logit(p float64) float64 { return math.Log(p / (1 - p)) }

func clamp01eps(v float64) float64 {
	return math.Min(math.Max(v, 1e-4), 1-1e-4)
}

// knnAvgDist returns, per point, the mean distance to its k nearest
// neighbours. Quadratic scan; initialization-time only.
func knnAvgDist(points [][3]float64, k int) []float64 {
	out := make([]float64, len(points))
	if len(points) == 1 {
		out[0] = 1
		return out
	}
	d2 := make([]float64, 0, len(points))
	for i, p := range points {
		d2 = d2[:0]
		for j, q := range points {
			if i == j {
				continue
			}
			dx := p[0] - q[0]
			dy := p[1] - q[1]
			dz := p[2] - q[2]
			d2 = append(d2, dx*dx+dy*dy+dz*dz)
		}
		sort.Float64s(d2)
		kk := k
		if kk > len(d2) {
			kk = len(d2)
		}
		s := 0.0
		for _, v := range d2[:kk] {
			s += v
		}
		out[i] = math.Sqrt(s / float64(kk))
	}
	return out
}
