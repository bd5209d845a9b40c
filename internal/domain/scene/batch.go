package scene

// Batch is one sampled unit of training data. The image identity
// index is stable across epochs and indexes directly into per-image
// embedding tables.
type Batch struct {
	// CamToWorld is the row-major 4x4 camera-to-world matrix.
	CamToWorld [16]float64
	// K is the row-major 3x3 intrinsics matrix.
	K [9]float64

	Width  int
	Height int

	// Image holds the target pixels in [C,H,W] order, values in
	// [0,1].
	Image []float64

	ImageID int

	// Mask marks pixels to keep; nil means all.
	Mask []bool

	// Sparse depth supervision, present only when the loader was
	// asked for depths.
	Points []([2]float64) // pixel coordinates
	Depths []float64      // ground-truth depth per point
}

// HasDepth reports whether sparse depth supervision is attached.
func (b *Batch) HasDepth() bool { return len(b.Points) > 0 && len(b.Depths) > 0 }
