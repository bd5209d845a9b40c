package trainer

import "sort"

// Replicator abstracts data-parallel coordination. The trainer calls
// it unconditionally; the single-process implementation makes every
// call a no-op so the loop has no world-size branches.
type Replicator interface {
	Rank() int
	WorldSize() int
	// AllReduceMean averages buf across replicas in place.
	AllReduceMean(buf []float64) error
	Barrier() error
}

// SingleProcess is the world-size-1 replicator.
type SingleProcess struct{}

func (SingleProcess) Rank() int                      { return 0 }
func (SingleProcess) WorldSize() int                 { return 1 }
func (SingleProcess) AllReduceMean([]float64) error  { return nil }
func (SingleProcess) Barrier() error                 { return nil }

// IsMain reports whether this replica owns filesystem writes.
func IsMain(r Replicator) bool { return r.Rank() == 0 }

// syncGradients averages this step's gradients across replicas,
// between the backward pass and the optimizer steps. Tensors are
// visited in a deterministic order; every rank must issue the same
// reduce sequence.
func (r *Runner) syncGradients() error {
	for _, name := range r.splats.Names() {
		t := r.splats.Groups[name]
		if t.Grad == nil {
			continue
		}
		if err := r.rep.AllReduceMean(t.Grad); err != nil {
			return err
		}
	}
	mods := r.moduleParams()
	names := make([]string, 0, len(mods))
	for name := range mods {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, p := range mods[name] {
			if p.Grad == nil {
				continue
			}
			if err := r.rep.AllReduceMean(p.Grad); err != nil {
				return err
			}
		}
	}
	return nil
}
