package trainer

import (
	"math"
	"math/rand"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// PoseAdjust holds learnable per-camera SE(3) corrections, stored as
// axis-angle rotation plus translation. The reference rasterizer
// treats the camera as a constant, so the deltas receive gradient
// only through the regularizer; a production rasterizer backpropagates
// into them directly.
type PoseAdjust struct {
	Deltas *tensor.Tensor // [numCams, 6]: rotation then translation
	noise  float64
	rng    *rand.Rand
}

// NewPoseAdjust builds identity corrections. noise perturbs poses
// during training to emulate imperfect calibration.
func NewPoseAdjust(numCams int, noise float64, seed int64) *PoseAdjust {
	return &PoseAdjust{
		Deltas: tensor.Zeros(numCams, 6).Param(),
		noise:  noise,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Apply returns the corrected camera-to-world matrix for camera id.
func (p *PoseAdjust) Apply(camToWorld [16]float64, id int, training bool) [16]float64 {
	d := p.Deltas.Data[id*6 : id*6+6]
	rot := [3]float64{d[0], d[1], d[2]}
	trans := [3]float64{d[3], d[4], d[5]}
	if training && p.noise > 0 {
		for i := 0; i < 3; i++ {
			rot[i] += p.rng.NormFloat64() * p.noise
			trans[i] += p.rng.NormFloat64() * p.noise
		}
	}
	r := axisAngleMatrix(rot)
	var out [16]float64
	// out = camToWorld * [R|t]
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s := 0.0
			for k := 0; k < 3; k++ {
				s += camToWorld[i*4+k] * r[k*3+j]
			}
			out[i*4+j] = s
		}
		out[i*4+3] = camToWorld[i*4+3] +
			camToWorld[i*4]*trans[0] + camToWorld[i*4+1]*trans[1] + camToWorld[i*4+2]*trans[2]
	}
	out[15] = 1
	return out
}

// Reg returns the mean squared correction magnitude.
func (p *PoseAdjust) Reg() *tensor.Tensor {
	return tensor.Mean(tensor.Square(p.Deltas))
}

// axisAngleMatrix converts an axis-angle vector to a row-major 3x3
// rotation via Rodrigues' formula.
func axisAngleMatrix(v [3]float64) [9]float64 {
	th := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if th < 1e-12 {
		return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	}
	x, y, z := v[0]/th, v[1]/th, v[2]/th
	c, s := math.Cos(th), math.Sin(th)
	t := 1 - c
	return [9]float64{
		t*x*x + c, t*x*y - s*z, t*x*z + s*y,
		t*x*y + s*z, t*y*y + c, t*y*z - s*x,
		t*x*z - s*y, t*y*z + s*x, t*z*z + c,
	}
}
