package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"

	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

type savedTensor struct {
	Shape []int     `json:"shape" mapstructure:"shape"`
	Data  []float64 `json:"data" mapstructure:"data"`
}

type checkpointFile struct {
	Step    int                      `json:"step" mapstructure:"step"`
	Rank    int                      `json:"rank" mapstructure:"rank"`
	Splats  map[string]savedTensor   `json:"splats" mapstructure:"splats"`
	Modules map[string][]savedTensor `json:"modules" mapstructure:"modules"`
}

// SaveCheckpoint writes this rank's scene shard plus the auxiliary
// module states. Each rank writes its own file; resuming concatenates
// the shards.
func (r *Runner) SaveCheckpoint(step int) error {
	ck := checkpointFile{
		Step:    step,
		Rank:    r.rep.Rank(),
		Splats:  map[string]savedTensor{},
		Modules: map[string][]savedTensor{},
	}
	for _, name := range r.splats.Names() {
		t := r.splats.Groups[name]
		ck.Splats[name] = savedTensor{
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
		}
	}
	for name, params := range r.moduleParams() {
		for _, p := range params {
			ck.Modules[name] = append(ck.Modules[name], savedTensor{
				Shape: append([]int(nil), p.Shape...),
				Data:  append([]float64(nil), p.Data...),
			})
		}
	}
	data, err := json.Marshal(ck)
	if err != nil {
		return fmt.Errorf("trainer: encode checkpoint: %w", err)
	}
	path := filepath.Join(r.ckptDir, fmt.Sprintf("ckpt_%d_rank%d.json", step, r.rep.Rank()))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("trainer: write checkpoint: %w", err)
	}
	r.log.Printf("saved checkpoint %s (%d gaussians)", path, r.splats.Len())
	return nil
}

// LoadCheckpoints resumes from one file per shard, concatenating the
// scene groups row-wise in shard order. Module states come from the
// first shard; every shard carries an identical copy.
func (r *Runner) LoadCheckpoints(paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, fmt.Errorf("trainer: no checkpoint paths")
	}
	shards := make([]checkpointFile, len(paths))
	for i, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("trainer: read checkpoint %s: %w", path, err)
		}
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return 0, fmt.Errorf("trainer: decode checkpoint %s: %w", path, err)
		}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &shards[i],
			WeaklyTypedInput: true,
		})
		if err != nil {
			return 0, fmt.Errorf("trainer: checkpoint decoder: %w", err)
		}
		if err := dec.Decode(generic); err != nil {
			return 0, fmt.Errorf("trainer: checkpoint %s: %w", path, err)
		}
		if shards[i].Step != shards[0].Step {
			return 0, fmt.Errorf("trainer: checkpoint steps differ: %d vs %d", shards[i].Step, shards[0].Step)
		}
	}

	// Concatenate shards into fresh scene groups.
	groups := map[string]*tensor.Tensor{}
	for name, first := range shards[0].Splats {
		shape := append([]int(nil), first.Shape...)
		data := append([]float64(nil), first.Data...)
		for _, sh := range shards[1:] {
			st, ok := sh.Splats[name]
			if !ok {
				return 0, fmt.Errorf("trainer: shard missing group %q", name)
			}
			shape[0] += st.Shape[0]
			data = append(data, st.Data...)
		}
		groups[name] = tensor.New(data, shape...).Param()
	}
	st := &scene.State{Groups: groups}
	if err := st.Validate(); err != nil {
		return 0, err
	}
	r.splats = st

	// Rebuild the optimizers and strategy state against the restored
	// row count.
	if err := r.rebindOptimizers(); err != nil {
		return 0, err
	}

	for name, params := range r.moduleParams() {
		saved, ok := shards[0].Modules[name]
		if !ok {
			r.log.Printf("checkpoint has no state for module %q, keeping fresh init", name)
			continue
		}
		if len(saved) != len(params) {
			return 0, fmt.Errorf("trainer: module %q has %d tensors, checkpoint has %d", name, len(params), len(saved))
		}
		for i, p := range params {
			if len(saved[i].Data) != len(p.Data) {
				return 0, fmt.Errorf("trainer: module %q tensor %d size mismatch", name, i)
			}
			copy(p.Data, saved[i].Data)
		}
	}
	return shards[0].Step, nil
}

// rebindOptimizers recreates the per-group optimizers and strategy
// state after the scene was replaced wholesale.
func (r *Runner) rebindOptimizers() error {
	if err := r.buildSplatOptimizers(); err != nil {
		return err
	}
	return r.initStrategy()
}
