package scene

// RunningStats is the per-Gaussian accounting the heuristic density
// strategy accumulates between refinement rounds: the summed norm of
// the projected 2D position gradient and the number of steps each
// Gaussian was visible. It never influences the loss.
type RunningStats struct {
	Grad2D []float64
	Count  []int
}

// NewRunningStats allocates stats for n Gaussians.
func NewRunningStats(n int) *RunningStats {
	return &RunningStats{
		Grad2D: make([]float64, n),
		Count:  make([]int, n),
	}
}

// Len returns the tracked Gaussian count.
func (rs *RunningStats) Len() int { return len(rs.Grad2D) }

// Reset zeroes the accumulators in place.
func (rs *RunningStats) Reset() {
	for i := range rs.Grad2D {
		rs.Grad2D[i] = 0
		rs.Count[i] = 0
	}
}

// Append grows the stats by n fresh rows.
func (rs *RunningStats) Append(n int) {
	rs.Grad2D = append(rs.Grad2D, make([]float64, n)...)
	rs.Count = append(rs.Count, make([]int, n)...)
}

// Keep retains only the rows where keep is true, preserving order.
func (rs *RunningStats) Keep(keep []bool) {
	g := rs.Grad2D[:0]
	c := rs.Count[:0]
	for i, k := range keep {
		if k {
			g = append(g, rs.Grad2D[i])
			c = append(c, rs.Count[i])
		}
	}
	rs.Grad2D = g
	rs.Count = c
}
