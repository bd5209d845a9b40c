package strategy

import (
	"math"
	"math/rand"

	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/optim"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/render"
)

// MCMCOptions tune the stochastic relocation strategy.
type MCMCOptions struct {
	CapMax      int     // hard ceiling on the Gaussian count
	NoiseLR     float64 // scales the exploration noise on means
	MinOpacity  float64 // below this a Gaussian counts as dead
	GrowFactor  float64 // per-round multiplicative growth toward CapMax
	RefineStart int
	RefineStop  int
	RefineEvery int
	Seed        int64
}

func (o *MCMCOptions) fill() {
	if o.CapMax == 0 {
		o.CapMax = 1_000_000
	}
	if o.NoiseLR == 0 {
		o.NoiseLR = 5e5
	}
	if o.MinOpacity == 0 {
		o.MinOpacity = 0.005
	}
	if o.GrowFactor == 0 {
		o.GrowFactor = 1.05
	}
	if o.RefineStart == 0 {
		o.RefineStart = 500
	}
	if o.RefineStop == 0 {
		o.RefineStop = 25000
	}
	if o.RefineEvery == 0 {
		o.RefineEvery = 100
	}
}

// MCMC treats the Gaussians as samples from a distribution: dead ones
// are relocated onto live ones picked by opacity, the population
// grows toward a fixed cap, and every step perturbs the means with
// opacity-gated noise.
type MCMC struct {
	opts MCMCOptions
	rng  *rand.Rand
}

// MCMCState carries the variant's RNG-independent bookkeeping. It is
// empty today but keeps the hook signatures symmetric with the
// heuristic variant.
type MCMCState struct{}

// NewMCMC builds the relocation strategy.
func NewMCMC(opts MCMCOptions) *MCMC {
	opts.fill()
	return &MCMC{opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}
}

// Name implements Strategy.
func (m *MCMC) Name() string { return "mcmc" }

// Options returns the effective options after defaulting.
func (m *MCMC) Options() MCMCOptions { return m.opts }

// CheckSanity implements Strategy.
func (m *MCMC) CheckSanity(st *scene.State, opts map[string]*optim.Adam) error {
	return checkSanity(st, opts)
}

// InitializeState allocates the variant state.
func (m *MCMC) InitializeState() *MCMCState { return &MCMCState{} }

// StepPreBackward implements Strategy. The relocation variant needs
// nothing from the forward pass.
func (m *MCMC) StepPreBackward(st *scene.State, opts map[string]*optim.Adam, step int, info *render.AuxInfo) {
}

// StepPostBackward relocates and grows on refinement steps and
// injects exploration noise every step. lr is the current means
// learning rate; it must be read after the schedulers have stepped so
// noise decays with the step size.
func (m *MCMC) StepPostBackward(st *scene.State, opts map[string]*optim.Adam, state *MCMCState, step int, info *render.AuxInfo, lr float64) {
	o := m.opts
	if step < o.RefineStop && step > o.RefineStart && step%o.RefineEvery == 0 {
		m.relocate(st, opts)
		m.grow(st, opts)
	}
	m.addNoise(st, lr)
}

// relocate moves dead Gaussians onto live ones sampled by opacity,
// splitting the target's opacity between original and copy.
func (m *MCMC) relocate(st *scene.State, opts map[string]*optim.Adam) {
	opac := st.Groups[scene.GroupOpacities]
	n := st.Len()

	var dead []int
	weights := make([]float64, n)
	totalW := 0.0
	for i := 0; i < n; i++ {
		op := sigmoid(opac.Data[i])
		if op < m.opts.MinOpacity {
			dead = append(dead, i)
			continue
		}
		weights[i] = op
		totalW += op
	}
	if len(dead) == 0 || totalW == 0 {
		return
	}

	for _, di := range dead {
		src := m.sampleByWeight(weights, totalW)
		copyRow(st, opts, di, src)
		// Both halves of the relocated pair share the opacity the
		// source alone carried.
		newOp := splitOpacity(sigmoid(opac.Data[src]), 2)
		lo := logitClamped(newOp)
		opac.Data[src] = lo
		opac.Data[di] = lo
		opts[scene.GroupOpacities].ResetRows([]int{src}, 1)
	}
}

// grow duplicates opacity-sampled Gaussians until the population
// reaches the per-round target, capped at CapMax.
func (m *MCMC) grow(st *scene.State, opts map[string]*optim.Adam) {
	n := st.Len()
	target := int(float64(n) * m.opts.GrowFactor)
	if target > m.opts.CapMax {
		target = m.opts.CapMax
	}
	if target <= n {
		return
	}

	opac := st.Groups[scene.GroupOpacities]
	weights := make([]float64, n)
	totalW := 0.0
	for i := 0; i < n; i++ {
		weights[i] = sigmoid(opac.Data[i])
		totalW += weights[i]
	}
	if totalW == 0 {
		return
	}

	sel := make([]int, 0, target-n)
	for len(sel) < target-n {
		sel = append(sel, m.sampleByWeight(weights, totalW))
	}
	duplicate(st, opts, nil, sel)

	// Split the sampled opacity between source and clone.
	opac = st.Groups[scene.GroupOpacities]
	for k, src := range sel {
		clone := n + k
		lo := logitClamped(splitOpacity(sigmoid(opac.Data[src]), 2))
		opac.Data[src] = lo
		opac.Data[clone] = lo
		opts[scene.GroupOpacities].ResetRows([]int{src}, 1)
	}
}

// addNoise perturbs the means with Gaussian noise shaped by each
// Gaussian's own scale and gated off for opaque, well-fit Gaussians.
func (m *MCMC) addNoise(st *scene.State, lr float64) {
	means := st.Groups[scene.GroupMeans]
	scales := st.Groups[scene.GroupScales]
	opac := st.Groups[scene.GroupOpacities]
	n := st.Len()
	amp := lr * m.opts.NoiseLR
	for i := 0; i < n; i++ {
		gate := opacityGate(sigmoid(opac.Data[i]))
		for j := 0; j < 3; j++ {
			sd := math.Exp(scales.Data[i*3+j])
			means.Data[i*3+j] += m.rng.NormFloat64() * sd * gate * amp
		}
	}
}

// opacityGate maps opacity to [0,1]: transparent Gaussians explore,
// opaque ones hold position.
func opacityGate(op float64) float64 {
	return 1 / (1 + math.Exp(100*(op-0.995)))
}

// splitOpacity gives the per-copy opacity when one Gaussian's mass is
// shared across k copies, preserving the blended contribution.
func splitOpacity(op float64, k int) float64 {
	return 1 - math.Pow(1-op, 1/float64(k))
}

func logitClamped(p float64) float64 {
	p = math.Min(math.Max(p, 1e-7), 1-1e-7)
	return math.Log(p / (1 - p))
}

func (m *MCMC) sampleByWeight(weights []float64, total float64) int {
	r := m.rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc && w > 0 {
			return i
		}
	}
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return i
		}
	}
	return 0
}
