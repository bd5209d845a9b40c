// Package optim provides the AdamW optimizer and the learning-rate
// schedulers the trainer coordinates. One optimizer instance exists
// per scene parameter group and per auxiliary module, each with an
// independently configured schedule.
package optim

import (
	"fmt"
	"math"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// Config holds AdamW hyperparameters.
type Config struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// Scaled rescales lr, epsilon and betas for the effective batch size
// (batch_size x world_size) so step size and moment decay stay
// invariant under replica-count changes.
func Scaled(lr float64, batchSize, worldSize int) Config {
	bs := float64(batchSize * worldSize)
	sqrtBS := math.Sqrt(bs)
	return Config{
		LR:    lr * sqrtBS,
		Eps:   1e-15 / sqrtBS,
		Beta1: 1 - bs*(1-0.9),
		Beta2: 1 - bs*(1-0.999),
	}
}

// ModuleConfig is the default AdamW setup for network-style modules.
func ModuleConfig(lr float64, batchSize int) Config {
	return Config{
		LR:          lr * math.Sqrt(float64(batchSize)),
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: 1e-4,
	}
}

// Adam is an AdamW optimizer over one or more parameter tensors. Its
// moment buffers stay index-aligned with the parameter rows; density
// mutations must go through the resize methods.
type Adam struct {
	name   string
	params []*tensor.Tensor
	m      [][]float64
	v      [][]float64
	cfg    Config
	lr     float64
	step   int
}

// New creates an optimizer over params.
func New(name string, cfg Config, params ...*tensor.Tensor) *Adam {
	o := &Adam{name: name, params: params, cfg: cfg, lr: cfg.LR}
	o.m = make([][]float64, len(params))
	o.v = make([][]float64, len(params))
	for i, p := range params {
		o.m[i] = make([]float64, len(p.Data))
		o.v[i] = make([]float64, len(p.Data))
	}
	return o
}

// Name returns the optimizer's parameter-group name.
func (o *Adam) Name() string { return o.name }

// LR returns the current learning rate.
func (o *Adam) LR() float64 { return o.lr }

// SetLR sets the current learning rate; schedulers call this.
func (o *Adam) SetLR(lr float64) { o.lr = lr }

// BaseLR returns the configured initial learning rate.
func (o *Adam) BaseLR() float64 { return o.cfg.LR }

// Eps returns the configured epsilon.
func (o *Adam) Eps() float64 { return o.cfg.Eps }

// Betas returns the configured moment decay rates.
func (o *Adam) Betas() (float64, float64) { return o.cfg.Beta1, o.cfg.Beta2 }

// Step applies one AdamW update from the accumulated gradients.
func (o *Adam) Step() {
	o.step++
	b1, b2 := o.cfg.Beta1, o.cfg.Beta2
	bc1 := 1 - math.Pow(b1, float64(o.step))
	bc2 := 1 - math.Pow(b2, float64(o.step))
	for pi, p := range o.params {
		if p.Grad == nil {
			continue
		}
		m, v := o.m[pi], o.v[pi]
		for i, g := range p.Grad {
			if o.cfg.WeightDecay > 0 {
				p.Data[i] -= o.lr * o.cfg.WeightDecay * p.Data[i]
			}
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			mh := m[i] / bc1
			vh := v[i] / bc2
			p.Data[i] -= o.lr * mh / (math.Sqrt(vh) + o.cfg.Eps)
		}
	}
}

// ZeroGrad clears all parameter gradients.
func (o *Adam) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// Moments exposes the first/second moment buffers for inspection in
// tests and for the density strategies' alignment checks.
func (o *Adam) Moments() ([][]float64, [][]float64) { return o.m, o.v }

func (o *Adam) single() *tensor.Tensor {
	if len(o.params) != 1 {
		panic(fmt.Sprintf("optim: %s: row resize on multi-param optimizer", o.name))
	}
	return o.params[0]
}

// AppendRows grows the moment buffers by n zero rows of rowSize
// values each. The parameter tensor itself is resized by the caller;
// new rows get fresh optimizer state.
func (o *Adam) AppendRows(n, rowSize int) {
	o.single()
	o.m[0] = append(o.m[0], make([]float64, n*rowSize)...)
	o.v[0] = append(o.v[0], make([]float64, n*rowSize)...)
}

// KeepRows drops moment state for rows where keep is false.
func (o *Adam) KeepRows(keep []bool, rowSize int) {
	o.single()
	o.m[0] = keepRows(o.m[0], keep, rowSize)
	o.v[0] = keepRows(o.v[0], keep, rowSize)
}

// ResetRows zeroes moment state for the given rows. Used when a
// Gaussian is relocated and its optimizer history no longer applies.
func (o *Adam) ResetRows(rows []int, rowSize int) {
	o.single()
	for _, r := range rows {
		for i := r * rowSize; i < (r+1)*rowSize; i++ {
			o.m[0][i] = 0
			o.v[0][i] = 0
		}
	}
}

// StateLen returns the moment-buffer length for alignment checks.
func (o *Adam) StateLen() int { return len(o.m[0]) }

func keepRows(buf []float64, keep []bool, rowSize int) []float64 {
	out := buf[:0]
	for i, k := range keep {
		if k {
			out = append(out, buf[i*rowSize:(i+1)*rowSize]...)
		}
	}
	return out
}
