package optim

import "math"

// Scheduler advances an optimizer's learning rate. Schedulers step
// exactly once per training step, after the optimizer step, whether
// or not the optimizer's sub-loss was active that step.
type Scheduler interface {
	Step()
	LastLR() float64
}

// ExponentialLR decays the learning rate by gamma each step.
type ExponentialLR struct {
	opt   *Adam
	gamma float64
}

// NewExponentialLR creates an exponential decay schedule.
func NewExponentialLR(opt *Adam, gamma float64) *ExponentialLR {
	return &ExponentialLR{opt: opt, gamma: gamma}
}

// GammaForDecay returns the per-step gamma that reaches the given
// total decay factor after maxSteps steps.
func GammaForDecay(total float64, maxSteps int) float64 {
	return math.Pow(total, 1.0/float64(maxSteps))
}

func (s *ExponentialLR) Step() {
	s.opt.SetLR(s.opt.LR() * s.gamma)
}

func (s *ExponentialLR) LastLR() float64 { return s.opt.LR() }

// CosineAnnealingLR anneals from the optimizer's base rate to etaMin
// over tMax steps and holds there.
type CosineAnnealingLR struct {
	opt    *Adam
	base   float64
	etaMin float64
	t      int
	tMax   int
}

// NewCosineAnnealingLR creates a cosine annealing schedule ending at
// etaMin.
func NewCosineAnnealingLR(opt *Adam, tMax int, etaMin float64) *CosineAnnealingLR {
	return &CosineAnnealingLR{opt: opt, base: opt.LR(), etaMin: etaMin, tMax: tMax}
}

func (s *CosineAnnealingLR) Step() {
	s.t++
	t := s.t
	if t > s.tMax {
		t = s.tMax
	}
	lr := s.etaMin + 0.5*(s.base-s.etaMin)*(1+math.Cos(math.Pi*float64(t)/float64(s.tMax)))
	s.opt.SetLR(lr)
}

func (s *CosineAnnealingLR) LastLR() float64 { return s.opt.LR() }

// WarmupExponentialLR ramps linearly from startFactor x base to base
// over warmupIters, with exponential decay applied throughout.
type WarmupExponentialLR struct {
	opt         *Adam
	base        float64
	startFactor float64
	warmupIters int
	gamma       float64
	t           int
}

// NewWarmupExponentialLR chains a linear warmup with exponential
// decay.
func NewWarmupExponentialLR(opt *Adam, startFactor float64, warmupIters int, gamma float64) *WarmupExponentialLR {
	return &WarmupExponentialLR{
		opt:         opt,
		base:        opt.LR(),
		startFactor: startFactor,
		warmupIters: warmupIters,
		gamma:       gamma,
	}
}

func (s *WarmupExponentialLR) Step() {
	s.t++
	warm := 1.0
	if s.t < s.warmupIters {
		f := float64(s.t) / float64(s.warmupIters)
		warm = s.startFactor + (1-s.startFactor)*f
	}
	decay := math.Pow(s.gamma, float64(s.t))
	s.opt.SetLR(s.base * warm * decay)
}

func (s *WarmupExponentialLR) LastLR() float64 { return s.opt.LR() }
