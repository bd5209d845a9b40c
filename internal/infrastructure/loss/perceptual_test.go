package loss

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

func writeBackbone(t *testing.T, name string, layers []percepLayer) string {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(layers)
	if err != nil {
		t.Fatalf("marshal weights: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), data, 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	return dir
}

func tinyBackbone() []percepLayer {
	// One 3x3 conv from RGB to two channels, identity-ish weights.
	w := make([]float64, 2*3*3*3)
	w[0*3*3*3+0*3*3+4] = 1 // channel 0 reads red
	w[1*3*3*3+1*3*3+4] = 1 // channel 1 reads green
	return []percepLayer{{
		In: 3, Out: 2, Kernel: 3,
		W:    w,
		B:    []float64{0.1, 0.1},
		Head: []float64{1, 0.5},
	}}
}

func TestNewPerceptualRejectsUnknownBackbone(t *testing.T) {
	if _, err := NewPerceptual("squeeze", t.TempDir()); err == nil {
		t.Fatal("expected error for unknown backbone")
	}
}

func TestNewPerceptualRequiresWeightsFile(t *testing.T) {
	if _, err := NewPerceptual("alex", ""); err == nil {
		t.Fatal("expected error for empty weights directory")
	}
	if _, err := NewPerceptual("alex", t.TempDir()); err == nil {
		t.Fatal("expected error for missing weights file")
	}
}

func TestNewPerceptualRejectsMalformedWeights(t *testing.T) {
	layers := tinyBackbone()
	layers[0].W = layers[0].W[:5]
	dir := writeBackbone(t, "alex", layers)
	if _, err := NewPerceptual("alex", dir); err == nil {
		t.Fatal("expected error for truncated weight tensor")
	}
}

func TestPerceptualDistanceZeroForIdenticalImages(t *testing.T) {
	dir := writeBackbone(t, "alex", tinyBackbone())
	p, err := NewPerceptual("alex", dir)
	if err != nil {
		t.Fatalf("NewPerceptual: %v", err)
	}
	img := tensor.Full(0.3, 3, 8, 8)
	if d := p.Distance(img, img).Item(); d != 0 {
		t.Fatalf("self distance = %g, want 0", d)
	}
}

func TestPerceptualDistancePositiveForDifferentImages(t *testing.T) {
	dir := writeBackbone(t, "vgg", tinyBackbone())
	p, err := NewPerceptual("vgg", dir)
	if err != nil {
		t.Fatalf("NewPerceptual: %v", err)
	}
	a := tensor.Full(0.2, 3, 8, 8)
	b := tensor.Full(0.2, 3, 8, 8)
	// Brighten one red region so the feature maps diverge.
	for i := 0; i < 16; i++ {
		b.Data[i] = 0.9
	}
	if d := p.Distance(a, b).Item(); d <= 0 {
		t.Fatalf("distance between distinct images = %g, want > 0", d)
	}
}
