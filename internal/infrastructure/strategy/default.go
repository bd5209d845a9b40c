package strategy

import (
	"math"
	"math/rand"

	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/optim"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/render"
)

// DefaultOptions tune the heuristic grow/prune densification.
type DefaultOptions struct {
	GrowGrad2D   float64 // screen-space gradient threshold for growth
	GrowScale3D  float64 // fraction of scene scale below which growth clones
	PruneOpacity float64
	PruneScale3D float64 // fraction of scene scale above which pruning kills
	RefineStart  int
	RefineStop   int
	RefineEvery  int
	ResetEvery   int
	Seed         int64
}

func (o *DefaultOptions) fill() {
	if o.GrowGrad2D == 0 {
		o.GrowGrad2D = 0.0002
	}
	if o.GrowScale3D == 0 {
		o.GrowScale3D = 0.01
	}
	if o.PruneOpacity == 0 {
		o.PruneOpacity = 0.005
	}
	if o.PruneScale3D == 0 {
		o.PruneScale3D = 0.1
	}
	if o.RefineStart == 0 {
		o.RefineStart = 500
	}
	if o.RefineStop == 0 {
		o.RefineStop = 15000
	}
	if o.RefineEvery == 0 {
		o.RefineEvery = 100
	}
	if o.ResetEvery == 0 {
		o.ResetEvery = 3000
	}
}

// Default is the heuristic densification strategy: clone small
// high-gradient Gaussians, split large ones, prune transparent or
// oversized ones, and periodically squash opacities.
type Default struct {
	opts DefaultOptions
	rng  *rand.Rand
}

// DefaultState is the running accumulator the heuristic variant
// carries between refinement rounds.
type DefaultState struct {
	Stats      *scene.RunningStats
	SceneScale float64
}

// NewDefault builds the heuristic strategy.
func NewDefault(opts DefaultOptions) *Default {
	opts.fill()
	return &Default{opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}
}

// Name implements Strategy.
func (d *Default) Name() string { return "default" }

// Options returns the effective options after defaulting.
func (d *Default) Options() DefaultOptions { return d.opts }

// CheckSanity implements Strategy.
func (d *Default) CheckSanity(st *scene.State, opts map[string]*optim.Adam) error {
	return checkSanity(st, opts)
}

// InitializeState allocates the accumulator for the current scene.
func (d *Default) InitializeState(st *scene.State, sceneScale float64) *DefaultState {
	return &DefaultState{Stats: scene.NewRunningStats(st.Len()), SceneScale: sceneScale}
}

// StepPreBackward marks the projected positions for gradient
// retention. The accumulation itself reads those gradients after the
// backward pass.
func (d *Default) StepPreBackward(st *scene.State, opts map[string]*optim.Adam, step int, info *render.AuxInfo) {
	info.Means2D.EnsureGrad()
}

// StepPostBackward accumulates screen-space gradient statistics and,
// on refinement steps, mutates the scene. Runs after the optimizers
// and schedulers have stepped, before gradients are cleared.
func (d *Default) StepPostBackward(st *scene.State, opts map[string]*optim.Adam, state *DefaultState, step int, info *render.AuxInfo, packed bool) {
	d.accumulate(state, info, packed)

	o := d.opts
	if step > o.RefineStart && step < o.RefineStop && step%o.RefineEvery == 0 {
		d.growAndPrune(st, opts, state, step)
		state.Stats.Reset()
	}
	if step%o.ResetEvery == 0 && step > 0 && step < o.RefineStop {
		d.resetOpacities(st, opts)
	}
}

func (d *Default) accumulate(state *DefaultState, info *render.AuxInfo, packed bool) {
	g := info.Means2D.Grad
	if g == nil {
		return
	}
	// Projected positions are in pixels, so their gradients are too.
	// Scaling by half the viewport converts them to normalized-viewport
	// units, the scale GrowGrad2D is calibrated for, keeping the
	// threshold resolution independent.
	sx := float64(info.Width) / 2
	sy := float64(info.Height) / 2
	add := func(i int) {
		gx := g[i*2] * sx
		gy := g[i*2+1] * sy
		state.Stats.Grad2D[i] += math.Hypot(gx, gy)
		state.Stats.Count[i]++
	}
	if packed {
		for _, i := range info.GaussianIDs {
			add(i)
		}
		return
	}
	for i := range info.Radii {
		if info.Visible(i) {
			add(i)
		}
	}
}

func (d *Default) growAndPrune(st *scene.State, opts map[string]*optim.Adam, state *DefaultState, step int) {
	o := d.opts
	n := st.Len()
	scales := st.Groups[scene.GroupScales]
	opacities := st.Groups[scene.GroupOpacities]

	maxScale := func(i int) float64 {
		m := math.Inf(-1)
		for j := 0; j < 3; j++ {
			m = math.Max(m, math.Exp(scales.Data[i*3+j]))
		}
		return m
	}

	var clones, splits []int
	for i := 0; i < n; i++ {
		if state.Stats.Count[i] == 0 {
			continue
		}
		avg := state.Stats.Grad2D[i] / float64(state.Stats.Count[i])
		if avg <= o.GrowGrad2D {
			continue
		}
		if maxScale(i) <= o.GrowScale3D*state.SceneScale {
			clones = append(clones, i)
		} else {
			splits = append(splits, i)
		}
	}

	// Clones are exact copies; the pair drifts apart under its own
	// gradients.
	duplicate(st, opts, state.Stats, clones)

	// Splits replace one large Gaussian with two smaller ones sampled
	// inside it.
	if len(splits) > 0 {
		duplicate(st, opts, state.Stats, splits)
		means := st.Groups[scene.GroupMeans]
		scales = st.Groups[scene.GroupScales]
		total := st.Len()
		for k, src := range splits {
			twin := total - len(splits) + k
			for _, i := range []int{src, twin} {
				for j := 0; j < 3; j++ {
					sd := math.Exp(scales.Data[i*3+j])
					means.Data[i*3+j] += d.rng.NormFloat64() * sd
					scales.Data[i*3+j] -= math.Log(1.6)
				}
			}
		}
	}

	// Prune after growing so indices in clones/splits stay valid.
	n = st.Len()
	keep := make([]bool, n)
	pruned := false
	for i := 0; i < n; i++ {
		op := sigmoid(opacities.Data[i])
		dead := op < o.PruneOpacity
		if step > o.ResetEvery && maxScale(i) > o.PruneScale3D*state.SceneScale {
			dead = true
		}
		keep[i] = !dead
		pruned = pruned || dead
	}
	if pruned {
		remove(st, opts, state.Stats, keep)
	}
}

// resetOpacities caps every opacity at twice the prune threshold and
// discards the opacity optimizer's momentum, which no longer
// describes the squashed values.
func (d *Default) resetOpacities(st *scene.State, opts map[string]*optim.Adam) {
	o := d.opts
	cap := math.Log(2 * o.PruneOpacity / (1 - 2*o.PruneOpacity))
	opac := st.Groups[scene.GroupOpacities]
	rows := make([]int, len(opac.Data))
	for i := range opac.Data {
		if opac.Data[i] > cap {
			opac.Data[i] = cap
		}
		rows[i] = i
	}
	opts[scene.GroupOpacities].ResetRows(rows, 1)
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
