// Package strategy provides the density adaptation policies that
// mutate the Gaussian scene between optimizer steps: the heuristic
// grow/prune densification and the stochastic MCMC relocation. The
// two variants form a closed set; call sites dispatch exhaustively
// and treat anything else as a configuration error.
package strategy

import (
	"fmt"

	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/optim"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/render"
)

// Strategy is the capability set shared by both variants. The
// post-backward hooks differ in signature (the heuristic variant
// needs the packed flag, the MCMC variant the current means learning
// rate) and live on the concrete types; orchestrators must branch
// over the closed set {*Default, *MCMC}.
type Strategy interface {
	Name() string
	// CheckSanity validates that every parameter group has an
	// aligned optimizer before training starts.
	CheckSanity(st *scene.State, opts map[string]*optim.Adam) error
	// StepPreBackward runs before the backward pass, consuming only
	// forward-pass info.
	StepPreBackward(st *scene.State, opts map[string]*optim.Adam, step int, info *render.AuxInfo)
}

// New constructs the strategy for a recognized name.
func New(name string) (Strategy, error) {
	switch name {
	case "default":
		return NewDefault(DefaultOptions{}), nil
	case "mcmc":
		return NewMCMC(MCMCOptions{}), nil
	default:
		return nil, fmt.Errorf("strategy: unrecognized variant %q", name)
	}
}

// checkSanity is the shared sanity check: one optimizer per group,
// moment buffers index-aligned with the parameter rows.
func checkSanity(st *scene.State, opts map[string]*optim.Adam) error {
	if err := st.Validate(); err != nil {
		return err
	}
	for _, name := range st.Names() {
		o, ok := opts[name]
		if !ok {
			return fmt.Errorf("strategy: parameter group %q has no optimizer", name)
		}
		if o.StateLen() != st.Groups[name].Numel() {
			return fmt.Errorf("strategy: optimizer state for %q has %d values, parameters have %d",
				name, o.StateLen(), st.Groups[name].Numel())
		}
	}
	return nil
}
