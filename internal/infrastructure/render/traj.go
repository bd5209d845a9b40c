package render

import (
	"fmt"
	"math"
)

// Trajectory path types.
const (
	TrajInterp  = "interp"
	TrajEllipse = "ellipse"
	TrajSpiral  = "spiral"
)

// TrajectoryPath expands the training camera poses into a smooth
// rendering path. Unknown path types are rejected.
func TrajectoryPath(kind string, poses [][16]float64, sceneScale float64) ([][16]float64, error) {
	if len(poses) == 0 {
		return nil, fmt.Errorf("render: no camera poses for trajectory")
	}
	switch kind {
	case TrajInterp:
		return interpolatedPath(poses, 4), nil
	case TrajEllipse:
		return ellipsePath(poses, 120), nil
	case TrajSpiral:
		return spiralPath(poses, 120, sceneScale), nil
	default:
		return nil, fmt.Errorf("render: trajectory type not supported: %q", kind)
	}
}

// interpolatedPath linearly blends consecutive poses, n segments per
// pair. Rotation columns are re-orthogonalized crudely by
// normalization; adequate for preview rendering.
func interpolatedPath(poses [][16]float64, n int) [][16]float64 {
	var out [][16]float64
	for i := 0; i+1 < len(poses); i++ {
		a, b := poses[i], poses[i+1]
		for s := 0; s < n; s++ {
			t := float64(s) / float64(n)
			var p [16]float64
			for j := range p {
				p[j] = a[j]*(1-t) + b[j]*t
			}
			normalizeRotation(&p)
			out = append(out, p)
		}
	}
	out = append(out, poses[len(poses)-1])
	return out
}

// ellipsePath orbits the mean camera position at its mean height,
// looking at the scene centroid.
func ellipsePath(poses [][16]float64, frames int) [][16]float64 {
	var cx, cy, cz, rx, ry float64
	for _, p := range poses {
		cx += p[3]
		cy += p[7]
		cz += p[11]
	}
	n := float64(len(poses))
	cx /= n
	cy /= n
	cz /= n
	for _, p := range poses {
		rx = math.Max(rx, math.Abs(p[3]-cx))
		ry = math.Max(ry, math.Abs(p[7]-cy))
	}
	if rx == 0 {
		rx = 1
	}
	if ry == 0 {
		ry = rx
	}
	out := make([][16]float64, frames)
	for i := 0; i < frames; i++ {
		th := 2 * math.Pi * float64(i) / float64(frames)
		eye := [3]float64{cx + rx*math.Cos(th), cy + ry*math.Sin(th), cz}
		out[i] = lookAt(eye, [3]float64{cx, cy, cz - 1})
	}
	return out
}

// spiralPath spirals outward in the camera plane while advancing in
// depth, scaled by the scene extent.
func spiralPath(poses [][16]float64, frames int, sceneScale float64) [][16]float64 {
	base := poses[0]
	out := make([][16]float64, frames)
	r := 0.5 * sceneScale
	for i := 0; i < frames; i++ {
		t := float64(i) / float64(frames)
		th := 4 * math.Pi * t
		p := base
		p[3] += r * t * math.Cos(th)
		p[7] += r * t * math.Sin(th)
		p[11] += 0.2 * sceneScale * math.Sin(2*math.Pi*t)
		out[i] = p
	}
	return out
}

func lookAt(eye, target [3]float64) [16]float64 {
	fwd := [3]float64{target[0] - eye[0], target[1] - eye[1], target[2] - eye[2]}
	norm3(&fwd)
	up := [3]float64{0, -1, 0}
	right := cross(up, fwd)
	norm3(&right)
	upo := cross(fwd, right)
	return [16]float64{
		right[0], upo[0], fwd[0], eye[0],
		right[1], upo[1], fwd[1], eye[1],
		right[2], upo[2], fwd[2], eye[2],
		0, 0, 0, 1,
	}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm3(v *[3]float64) {
	l := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if l == 0 {
		return
	}
	v[0] /= l
	v[1] /= l
	v[2] /= l
}

func normalizeRotation(p *[16]float64) {
	for c := 0; c < 3; c++ {
		v := [3]float64{p[c], p[4+c], p[8+c]}
		norm3(&v)
		p[c], p[4+c], p[8+c] = v[0], v[1], v[2]
	}
}
