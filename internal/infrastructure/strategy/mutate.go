package strategy

import (
	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/optim"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// The mutation helpers change N. Every parameter group, its optimizer
// moment buffers and the running stats move through the same
// operation in the same call, so row indices stay aligned across all
// three.

func appendTensorRows(t *tensor.Tensor, rows []float64) {
	n := len(rows) / rowSize(t)
	t.Data = append(t.Data, rows...)
	t.Shape[0] += n
	if t.Grad != nil {
		t.Grad = make([]float64, len(t.Data))
	}
}

func keepTensorRows(t *tensor.Tensor, keep []bool) {
	rs := rowSize(t)
	out := t.Data[:0]
	n := 0
	for i, k := range keep {
		if k {
			out = append(out, t.Data[i*rs:(i+1)*rs]...)
			n++
		}
	}
	t.Data = out
	t.Shape[0] = n
	if t.Grad != nil {
		t.Grad = make([]float64, len(t.Data))
	}
}

func rowSize(t *tensor.Tensor) int {
	n := 1
	for _, d := range t.Shape[1:] {
		n *= d
	}
	return n
}

// duplicate appends a copy of each selected row to every group. New
// rows get zeroed optimizer state and stats.
func duplicate(st *scene.State, opts map[string]*optim.Adam, stats *scene.RunningStats, sel []int) {
	if len(sel) == 0 {
		return
	}
	for _, name := range st.Names() {
		t := st.Groups[name]
		rs := rowSize(t)
		rows := make([]float64, 0, len(sel)*rs)
		for _, i := range sel {
			rows = append(rows, t.Data[i*rs:(i+1)*rs]...)
		}
		appendTensorRows(t, rows)
		opts[name].AppendRows(len(sel), rs)
	}
	if stats != nil {
		stats.Append(len(sel))
	}
}

// remove drops the rows where keep is false from every group.
func remove(st *scene.State, opts map[string]*optim.Adam, stats *scene.RunningStats, keep []bool) {
	for _, name := range st.Names() {
		t := st.Groups[name]
		keepTensorRows(t, keep)
		opts[name].KeepRows(keep, rowSize(t))
	}
	if stats != nil {
		stats.Keep(keep)
	}
}

// copyRow overwrites row dst with row src in every group and resets
// dst's optimizer state.
func copyRow(st *scene.State, opts map[string]*optim.Adam, dst, src int) {
	for _, name := range st.Names() {
		t := st.Groups[name]
		rs := rowSize(t)
		copy(t.Data[dst*rs:(dst+1)*rs], t.Data[src*rs:(src+1)*rs])
		opts[name].ResetRows([]int{dst}, rs)
	}
}
