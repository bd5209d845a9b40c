// Package render defines the rasterization boundary the trainer
// drives: the dual-path renderer contract, the auxiliary per-step
// info channel the density strategies observe, and a differentiable
// reference rasterizer.
package render

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ViewMatrix inverts a row-major 4x4 camera-to-world matrix into a
// world-to-camera view matrix.
func ViewMatrix(camToWorld [16]float64) ([16]float64, error) {
	m := mat.NewDense(4, 4, camToWorld[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return [16]float64{}, fmt.Errorf("render: singular camera matrix: %w", err)
	}
	var out [16]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i*4+j] = inv.At(i, j)
		}
	}
	return out, nil
}

// Camera bundles the per-view rendering inputs.
type Camera struct {
	CamToWorld [16]float64
	K          [9]float64
	Width      int
	Height     int
	NearPlane  float64
	FarPlane   float64
}
