package optim

import (
	"math"
	"testing"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

func TestScaledConfig(t *testing.T) {
	tests := []struct {
		batch, world int
		wantLR       float64
		wantEps      float64
		wantB1       float64
		wantB2       float64
	}{
		{1, 1, 1e-3, 1e-15, 0.9, 0.999},
		{4, 1, 2e-3, 0.5e-15, 0.6, 0.996},
		{2, 2, 2e-3, 0.5e-15, 0.6, 0.996},
	}
	for _, tc := range tests {
		cfg := Scaled(1e-3, tc.batch, tc.world)
		if math.Abs(cfg.LR-tc.wantLR) > 1e-18 {
			t.Errorf("bs=%d ws=%d: LR = %v, want %v", tc.batch, tc.world, cfg.LR, tc.wantLR)
		}
		if math.Abs(cfg.Eps-tc.wantEps) > 1e-30 {
			t.Errorf("bs=%d ws=%d: Eps = %v, want %v", tc.batch, tc.world, cfg.Eps, tc.wantEps)
		}
		if math.Abs(cfg.Beta1-tc.wantB1) > 1e-12 || math.Abs(cfg.Beta2-tc.wantB2) > 1e-12 {
			t.Errorf("bs=%d ws=%d: betas = %v/%v, want %v/%v",
				tc.batch, tc.world, cfg.Beta1, cfg.Beta2, tc.wantB1, tc.wantB2)
		}
	}
}

func TestEffectiveBatchEquivalence(t *testing.T) {
	// batch*world is what matters, not the split.
	a := Scaled(1e-3, 8, 1)
	b := Scaled(1e-3, 2, 4)
	if a != b {
		t.Fatalf("Scaled(8,1) = %+v, Scaled(2,4) = %+v", a, b)
	}
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	x := tensor.New([]float64{10}, 1).Param()
	opt := New("x", Config{LR: 0.5, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}, x)
	for i := 0; i < 400; i++ {
		y := tensor.Square(tensor.AddScalar(x, -3))
		tensor.Backward(y)
		opt.Step()
		opt.ZeroGrad()
	}
	if math.Abs(x.Data[0]-3) > 0.05 {
		t.Fatalf("x = %v after optimization, want ~3", x.Data[0])
	}
}

func TestRowResizeKeepsAlignment(t *testing.T) {
	p := tensor.Zeros(4, 3).Param()
	opt := New("p", Config{LR: 1e-2, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}, p)

	// Build nonzero moment state.
	for i := range p.Grad {
		p.Grad[i] = float64(i + 1)
	}
	opt.Step()

	opt.AppendRows(2, 3)
	if opt.StateLen() != 18 {
		t.Fatalf("after append StateLen = %d, want 18", opt.StateLen())
	}
	m, _ := opt.Moments()
	for i := 12; i < 18; i++ {
		if m[0][i] != 0 {
			t.Fatalf("appended moment row not zeroed at %d", i)
		}
	}

	opt.KeepRows([]bool{true, false, true, false, true, true}, 3)
	if opt.StateLen() != 12 {
		t.Fatalf("after keep StateLen = %d, want 12", opt.StateLen())
	}
	m, _ = opt.Moments()
	// Row 2 of the original survives as row 1.
	if m[0][3] == 0 {
		t.Fatalf("kept moment row was zeroed")
	}

	opt.ResetRows([]int{1}, 3)
	m, _ = opt.Moments()
	for i := 3; i < 6; i++ {
		if m[0][i] != 0 {
			t.Fatalf("reset moment row not zeroed at %d", i)
		}
	}
}

func TestExponentialScheduleReachesTargetDecay(t *testing.T) {
	p := tensor.Zeros(1).Param()
	opt := New("p", Config{LR: 1.0, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}, p)
	sched := NewExponentialLR(opt, GammaForDecay(0.01, 1000))
	for i := 0; i < 1000; i++ {
		sched.Step()
	}
	if math.Abs(sched.LastLR()-0.01) > 1e-9 {
		t.Fatalf("final lr = %v, want 0.01", sched.LastLR())
	}
}

func TestCosineScheduleHoldsAtFloor(t *testing.T) {
	p := tensor.Zeros(1).Param()
	opt := New("p", Config{LR: 1.0, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}, p)
	sched := NewCosineAnnealingLR(opt, 100, 0.01)
	for i := 0; i < 150; i++ {
		sched.Step()
	}
	if math.Abs(sched.LastLR()-0.01) > 1e-12 {
		t.Fatalf("lr past tMax = %v, want 0.01", sched.LastLR())
	}
}

func TestWarmupRampsUp(t *testing.T) {
	p := tensor.Zeros(1).Param()
	opt := New("p", Config{LR: 1.0, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}, p)
	sched := NewWarmupExponentialLR(opt, 0.01, 100, 1.0)
	sched.Step()
	early := sched.LastLR()
	for i := 0; i < 200; i++ {
		sched.Step()
	}
	if early > 0.05 {
		t.Fatalf("warmup start lr = %v, want near 0.01", early)
	}
	if math.Abs(sched.LastLR()-1.0) > 1e-9 {
		t.Fatalf("post-warmup lr = %v, want 1.0", sched.LastLR())
	}
}
