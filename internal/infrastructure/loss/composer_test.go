package loss

import (
	"math"
	"testing"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/retinex"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

func flatImage(v float64, c, h, w int) *tensor.Tensor {
	return tensor.Full(v, c, h, w)
}

func testDecomposition() *retinex.Decomposition {
	return &retinex.Decomposition{
		Input:        flatImage(0.4, 3, 8, 8),
		Illumination: flatImage(0.8, 3, 8, 8),
		Reflectance:  flatImage(0.5, 3, 8, 8),
	}
}

func uniformWeights() [NumTerms]float64 {
	var w [NumTerms]float64
	for i := range w {
		w[i] = 1
	}
	return w
}

func TestComposerFixedWeighting(t *testing.T) {
	c, err := NewComposer(Config{Weights: uniformWeights()}, nil)
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}
	total, bd, err := c.Regularization(testDecomposition(), nil, 1.0)
	if err != nil {
		t.Fatalf("Regularization: %v", err)
	}
	if !total.Finite() {
		t.Fatal("total is not finite")
	}
	for i := range bd.Effective {
		if bd.Effective[i] != 1 {
			t.Fatalf("fixed effective weight %d = %v, want 1", i, bd.Effective[i])
		}
	}
	if bd.Total != total.Item() {
		t.Fatalf("breakdown total %v != tensor total %v", bd.Total, total.Item())
	}
}

func TestComposerDynamicWithZeroLogVarsHalvesWeights(t *testing.T) {
	lv := tensor.Zeros(int(NumTerms)).Param()
	c, err := NewComposer(Config{Weights: uniformWeights(), Dynamic: true}, lv)
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}
	dec := testDecomposition()
	dec.DynamicWeights = lv
	_, bd, err := c.Regularization(dec, nil, 1.0)
	if err != nil {
		t.Fatalf("Regularization: %v", err)
	}
	// exp(-0)/2 halves each static weight; the variance penalty is 0.
	for i := range bd.Effective {
		if math.Abs(bd.Effective[i]-0.5) > 1e-12 {
			t.Fatalf("dynamic effective weight %d = %v, want 0.5", i, bd.Effective[i])
		}
		if bd.LogVars[i] != 0 {
			t.Fatalf("logvar %d = %v, want 0", i, bd.LogVars[i])
		}
	}
}

func TestComposerRejectsForeignLogVars(t *testing.T) {
	lv := tensor.Zeros(int(NumTerms)).Param()
	c, err := NewComposer(Config{Weights: uniformWeights(), Dynamic: true}, lv)
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}
	dec := testDecomposition()
	dec.DynamicWeights = tensor.Zeros(int(NumTerms)).Param() // different tensor
	if _, _, err := c.Regularization(dec, nil, 1.0); err == nil {
		t.Fatal("expected identity check to reject a foreign log-variance tensor")
	}
}

func TestComposerDynamicRequiresLogVars(t *testing.T) {
	if _, err := NewComposer(Config{Weights: uniformWeights(), Dynamic: true}, nil); err == nil {
		t.Fatal("expected error when dynamic weighting has no log-variance tensor")
	}
}

func TestClippingPenaltyFiresOnSaturation(t *testing.T) {
	c, err := NewComposer(Config{}, nil) // all static weights zero
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}
	mid := testDecomposition()
	midTotal, _, err := c.Regularization(mid, nil, 1.0)
	if err != nil {
		t.Fatalf("Regularization: %v", err)
	}

	hot := testDecomposition()
	hot.Reflectance = flatImage(1.0, 3, 8, 8)
	hotTotal, _, err := c.Regularization(hot, nil, 1.0)
	if err != nil {
		t.Fatalf("Regularization: %v", err)
	}
	if hotTotal.Item() <= midTotal.Item() {
		t.Fatalf("saturated reflectance total %v not above mid-range total %v",
			hotTotal.Item(), midTotal.Item())
	}
}

func TestSSIMIdenticalImages(t *testing.T) {
	img := flatImage(0.3, 3, 16, 16)
	v := SSIM(img, img.Clone(), 8).Item()
	if math.Abs(v-1) > 1e-9 {
		t.Fatalf("SSIM of identical images = %v, want 1", v)
	}
}

func TestPSNRKnownValue(t *testing.T) {
	x := []float64{0.5, 0.5}
	y := []float64{0.6, 0.6}
	got := PSNR(x, y)
	want := -10 * math.Log10(0.01)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("PSNR = %v, want %v", got, want)
	}
}

func TestL1Symmetric(t *testing.T) {
	a := tensor.New([]float64{0, 1, 0.5}, 3)
	b := tensor.New([]float64{1, 0, 0.5}, 3)
	if got := L1(a, b).Item(); math.Abs(got-2.0/3.0) > 1e-12 {
		t.Fatalf("L1 = %v, want 2/3", got)
	}
}
