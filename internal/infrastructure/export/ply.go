// Package export writes trained scenes to interchange formats: the
// splat PLY layout common to Gaussian viewers, and a PNG-grid
// compressed form for archival.
package export

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
)

// WritePLY writes the scene as a binary little-endian splat PLY.
// Scales and opacities stay in their raw (log / logit) parameter
// form, matching what viewers expect.
func WritePLY(path string, st *scene.State) error {
	sh0, ok0 := st.Groups[scene.GroupSH0]
	shN, okN := st.Groups[scene.GroupSHN]
	if !ok0 || !okN {
		return fmt.Errorf("export: ply requires spherical-harmonic colors")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("export: create ply directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create ply file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	n := st.Len()
	restDim := shN.Shape[1] * shN.Shape[2]

	fmt.Fprintf(w, "ply\nformat binary_little_endian 1.0\nelement vertex %d\n", n)
	for _, p := range []string{"x", "y", "z", "nx", "ny", "nz"} {
		fmt.Fprintf(w, "property float %s\n", p)
	}
	for i := 0; i < 3; i++ {
		fmt.Fprintf(w, "property float f_dc_%d\n", i)
	}
	for i := 0; i < restDim; i++ {
		fmt.Fprintf(w, "property float f_rest_%d\n", i)
	}
	fmt.Fprint(w, "property float opacity\n")
	for i := 0; i < 3; i++ {
		fmt.Fprintf(w, "property float scale_%d\n", i)
	}
	for i := 0; i < 4; i++ {
		fmt.Fprintf(w, "property float rot_%d\n", i)
	}
	fmt.Fprint(w, "end_header\n")

	means := st.Groups[scene.GroupMeans]
	scales := st.Groups[scene.GroupScales]
	quats := st.Groups[scene.GroupQuats]
	opac := st.Groups[scene.GroupOpacities]

	put := func(v float64) error {
		return binary.Write(w, binary.LittleEndian, float32(v))
	}
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			if err := put(means.Data[i*3+j]); err != nil {
				return fmt.Errorf("export: write vertex: %w", err)
			}
		}
		for j := 0; j < 3; j++ {
			put(0) // normals unused
		}
		for j := 0; j < 3; j++ {
			put(sh0.Data[i*3+j])
		}
		// f_rest is stored channel-major: all red coefficients, then
		// green, then blue.
		k := shN.Shape[1]
		for c := 0; c < 3; c++ {
			for j := 0; j < k; j++ {
				put(shN.Data[i*k*3+j*3+c])
			}
		}
		put(opac.Data[i])
		for j := 0; j < 3; j++ {
			put(scales.Data[i*3+j])
		}
		q := []float64{quats.Data[i*4], quats.Data[i*4+1], quats.Data[i*4+2], quats.Data[i*4+3]}
		normQuat(q)
		for j := 0; j < 4; j++ {
			put(q[j])
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("export: flush ply: %w", err)
	}
	return nil
}

// normQuat normalizes a quaternion in place, defaulting degenerate
// rotations to identity.
func normQuat(q []float64) {
	s := 0.0
	for _, v := range q {
		s += v * v
	}
	if s == 0 {
		q[0] = 1
		return
	}
	s = math.Sqrt(s)
	for i := range q {
		q[i] /= s
	}
}
