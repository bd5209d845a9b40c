package retinex

import (
	"math"
	"testing"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

func newTestModel(t *testing.T, useHSV bool) *Model {
	t.Helper()
	m, err := NewModel(ModelConfig{
		NumImages: 4,
		UseHSV:    useHSV,
		Net:       NetConfig{EmbedDim: 8, Hidden: 4, Seed: 11},
	})
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	return m
}

func TestDecomposeReconstructsInput(t *testing.T) {
	m := newTestModel(t, false)
	img := tensor.Full(0.5, 3, 8, 8)
	dec, err := m.Decompose(img, 0)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	// reflectance * illumination must reproduce the working-space
	// image wherever the [0,1] clamp is inactive.
	for i := range dec.Reflectance.Data {
		r := dec.Reflectance.Data[i]
		if r <= 0 || r >= 1 {
			continue
		}
		got := r * dec.Illumination.Data[i]
		if math.Abs(got-0.5) > 1e-4 {
			t.Fatalf("reconstruction[%d] = %v, want 0.5", i, got)
		}
	}
}

func TestDecomposeIlluminationFloor(t *testing.T) {
	m := newTestModel(t, false)
	img := tensor.Full(0.01, 3, 8, 8)
	dec, err := m.Decompose(img, 1)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	for i, v := range dec.Illumination.Data {
		if v < illumFloor {
			t.Fatalf("illumination[%d] = %v below floor %v", i, v, illumFloor)
		}
	}
	for i, v := range dec.Reflectance.Data {
		if v < 0 || v > 1 {
			t.Fatalf("reflectance[%d] = %v outside [0,1]", i, v)
		}
	}
}

func TestDecomposeRejectsUnknownImage(t *testing.T) {
	m := newTestModel(t, false)
	img := tensor.Full(0.5, 3, 4, 4)
	if _, err := m.Decompose(img, 4); err == nil {
		t.Fatal("expected error for image id beyond the embedding table")
	}
	if _, err := m.Decompose(img, -1); err == nil {
		t.Fatal("expected error for negative image id")
	}
}

func TestDecomposeHSVShapes(t *testing.T) {
	m := newTestModel(t, true)
	img := tensor.Full(0.5, 3, 6, 6)
	img.Data[0] = 0.9 // break the gray so hue is defined
	dec, err := m.Decompose(img, 0)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if dec.Input.Shape[0] != 1 {
		t.Fatalf("HSV working image has %d channels, want 1", dec.Input.Shape[0])
	}
	if dec.Illumination.Shape[0] != 1 {
		t.Fatalf("HSV illumination has %d channels, want 1", dec.Illumination.Shape[0])
	}
	if dec.Reflectance.Shape[0] != 3 {
		t.Fatalf("reflectance has %d channels, want full color 3", dec.Reflectance.Shape[0])
	}
}

func TestHSVValueChannelCoefficients(t *testing.T) {
	// rgb = v * k must hold for the extracted coefficients.
	img := tensor.New([]float64{
		0.8, 0.2,
		0.4, 0.2,
		0.2, 0.2,
	}, 3, 1, 2)
	v, k := valueChannel(img)
	for i := 0; i < 2; i++ {
		for c := 0; c < 3; c++ {
			want := img.Data[c*2+i]
			got := v.Data[i] * k[c*2+i]
			if math.Abs(got-want) > 1e-9 {
				t.Fatalf("pixel %d channel %d: v*k = %v, want %v", i, c, got, want)
			}
		}
	}
}

func TestIllumOptIdentityInit(t *testing.T) {
	o := NewIllumOpt(3)
	k, b := o.Forward(1)
	for i := 0; i < 3; i++ {
		if k.Data[i] != 1 {
			t.Fatalf("k[%d] = %v, want identity 1", i, k.Data[i])
		}
		if b.Data[i] != 0 {
			t.Fatalf("b[%d] = %v, want 0", i, b.Data[i])
		}
	}
}

func TestIllumOptGradientReachesTable(t *testing.T) {
	o := NewIllumOpt(2)
	k, b := o.Forward(0)
	loss := tensor.Add(tensor.Sum(k), tensor.MulScalar(tensor.Sum(b), 2))
	tensor.Backward(loss)
	for i := 0; i < 3; i++ {
		if o.Table.Grad[i] != 1 {
			t.Fatalf("k grad[%d] = %v, want 1", i, o.Table.Grad[i])
		}
		if o.Table.Grad[3+i] != 2 {
			t.Fatalf("b grad[%d] = %v, want 2", i, o.Table.Grad[3+i])
		}
	}
	// The other image's row is untouched.
	for i := 6; i < 12; i++ {
		if o.Table.Grad[i] != 0 {
			t.Fatalf("foreign row grad[%d] = %v, want 0", i, o.Table.Grad[i])
		}
	}
}

func TestNetRefinementParamsDisjointFromParams(t *testing.T) {
	n := NewNet(NetConfig{Channels: 3, EmbedDim: 4, Hidden: 4, Refinement: true})
	if !n.HasRefinement() {
		t.Fatal("refinement enabled but HasRefinement is false")
	}
	ref := n.RefinementParams()
	if len(ref) != 2 {
		t.Fatalf("refinement params = %d tensors, want conv weight and bias", len(ref))
	}
	for _, p := range n.Params() {
		for _, rp := range ref {
			if p == rp {
				t.Fatal("refinement tensor duplicated in Params; it would be stepped twice")
			}
		}
	}
	without := NewNet(NetConfig{Channels: 3, EmbedDim: 4, Hidden: 4})
	if without.HasRefinement() || without.RefinementParams() != nil {
		t.Fatal("refinement params present with refinement off")
	}
}

func TestNetDynamicWeightsExposed(t *testing.T) {
	n := NewNet(NetConfig{Channels: 3, EmbedDim: 4, Hidden: 4, DynamicWeights: true})
	lv := n.LogVars()
	if lv == nil {
		t.Fatal("dynamic weights enabled but LogVars is nil")
	}
	if lv.Numel() != NumLossTerms {
		t.Fatalf("logvars has %d entries, want %d", lv.Numel(), NumLossTerms)
	}
	without := NewNet(NetConfig{Channels: 3, EmbedDim: 4, Hidden: 4})
	if without.LogVars() != nil {
		t.Fatal("LogVars must be nil when dynamic weighting is off")
	}
}
