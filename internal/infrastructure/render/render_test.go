package render

import (
	"math"
	"testing"

	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

func testInputs(n int) Inputs {
	means := tensor.Zeros(n, 3)
	for i := 0; i < n; i++ {
		means.Data[i*3] = 0.05 * float64(i)
		means.Data[i*3+1] = 0.02
		means.Data[i*3+2] = 2
	}
	quats := tensor.Zeros(n, 4)
	for i := 0; i < n; i++ {
		quats.Data[i*4] = 1
	}
	scalesLog := tensor.Full(math.Log(0.05), n, 3).Param()
	opacLogit := tensor.Zeros(n).Param()
	colors := tensor.Full(0.8, n, 3).Param()

	return Inputs{
		Means:     means.Param(),
		Quats:     quats.Param(),
		Scales:    tensor.Exp(scalesLog),
		Opacities: tensor.Sigmoid(opacLogit),
		Colors:    colors,
		Camera: Camera{
			CamToWorld: [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
			K:          [9]float64{30, 0, 16, 0, 30, 16, 0, 0, 1},
			Width:      32,
			Height:     32,
			NearPlane:  0.01,
			FarPlane:   100,
		},
	}
}

func TestRasterizeShapes(t *testing.T) {
	out, info, err := PointSplat{}.Rasterize(testInputs(3))
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	if out.Colors.Shape[0] != 3 || out.Colors.Shape[1] != 32 || out.Colors.Shape[2] != 32 {
		t.Fatalf("colors shape = %v", out.Colors.Shape)
	}
	if out.Alphas.Shape[0] != 1 {
		t.Fatalf("alphas shape = %v", out.Alphas.Shape)
	}
	for i, a := range out.Alphas.Data {
		if a < 0 || a > 1 {
			t.Fatalf("alpha[%d] = %v outside [0,1]", i, a)
		}
	}
	visible := 0
	for i := range info.Radii {
		if info.Visible(i) {
			visible++
		}
	}
	if visible != 3 {
		t.Fatalf("visible = %d, want 3", visible)
	}
	// The center of the image catches the splats.
	center := out.Colors.Data[16*32+16]
	if center <= 0 {
		t.Fatal("center pixel received no color")
	}
}

func TestRasterizeDepthChannel(t *testing.T) {
	in := testInputs(2)
	in.RenderDepth = true
	out, _, err := PointSplat{}.Rasterize(in)
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	if out.Colors.Shape[0] != 4 {
		t.Fatalf("depth render channels = %d, want 4", out.Colors.Shape[0])
	}
	// Expected depth at the center approaches the splat depth.
	d := out.Colors.Data[3*32*32+16*32+16]
	if d <= 0 || d > 2.5 {
		t.Fatalf("center depth = %v, want near 2", d)
	}
}

func TestRasterizeDualSharesGeometry(t *testing.T) {
	in := testInputs(2)
	low := tensor.Full(0.1, 2, 3).Param()
	in.ColorsLow = low
	enh, lowOut, info, err := PointSplat{}.RasterizeDual(in)
	if err != nil {
		t.Fatalf("RasterizeDual: %v", err)
	}
	if info == nil {
		t.Fatal("nil aux info")
	}
	// Same footprint, different intensity.
	center := 16*32 + 16
	if enh.Colors.Data[center] <= lowOut.Colors.Data[center] {
		t.Fatalf("enhanced %v not brighter than low %v",
			enh.Colors.Data[center], lowOut.Colors.Data[center])
	}
	if math.Abs(enh.Alphas.Data[center]-lowOut.Alphas.Data[center]) > 1e-12 {
		t.Fatal("pathways disagree on alpha")
	}
}

func TestRasterizeDualRequiresLowColors(t *testing.T) {
	if _, _, _, err := (PointSplat{}).RasterizeDual(testInputs(1)); err == nil {
		t.Fatal("expected error without low-path colors")
	}
}

func TestGradientsReachGeometryAndColors(t *testing.T) {
	in := testInputs(2)
	out, info, err := PointSplat{}.Rasterize(in)
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	info.Means2D.EnsureGrad()

	// Weight the left half only, so screen-space gradients do not
	// cancel by symmetry.
	mask := make([]float64, 3*32*32)
	for c := 0; c < 3; c++ {
		for y := 0; y < 32; y++ {
			for x := 0; x < 16; x++ {
				mask[(c*32+y)*32+x] = 1
			}
		}
	}
	loss := tensor.Sum(tensor.Mul(out.Colors, tensor.New(mask, 3, 32, 32)))
	tensor.Backward(loss)

	if in.Colors.Grad == nil || sumAbs(in.Colors.Grad) == 0 {
		t.Fatal("no gradient reached the colors")
	}
	if sumAbs(info.Means2D.Grad) == 0 {
		t.Fatal("no gradient retained on the projected positions")
	}
	if in.Means.Grad == nil || sumAbs(in.Means.Grad) == 0 {
		t.Fatal("no gradient reached the 3D means")
	}
}

func sumAbs(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += math.Abs(x)
	}
	return s
}

func TestViewMatrixIdentity(t *testing.T) {
	id := [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	vm, err := ViewMatrix(id)
	if err != nil {
		t.Fatalf("ViewMatrix: %v", err)
	}
	if vm != id {
		t.Fatalf("inverse of identity = %v", vm)
	}
	if _, err := ViewMatrix([16]float64{}); err == nil {
		t.Fatal("expected error for singular matrix")
	}
}

func TestTrajectoryPathKinds(t *testing.T) {
	poses := [][16]float64{
		{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
		{1, 0, 0, 1, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
	}
	if _, err := TrajectoryPath("orbit", poses, 1); err == nil {
		t.Fatal("expected error for unknown trajectory kind")
	}
	got, err := TrajectoryPath(TrajEllipse, poses, 1)
	if err != nil {
		t.Fatalf("ellipse: %v", err)
	}
	if len(got) != 120 {
		t.Fatalf("ellipse frames = %d, want 120", len(got))
	}
	interp, err := TrajectoryPath(TrajInterp, poses, 1)
	if err != nil {
		t.Fatalf("interp: %v", err)
	}
	if len(interp) != 5 {
		t.Fatalf("interp frames = %d, want 5", len(interp))
	}
}

func TestEvalSHDegreeZero(t *testing.T) {
	sh0 := tensor.Zeros(2, 1, 3).Param()
	shN := tensor.Zeros(2, 3, 3).Param()
	sh0.Data[0] = (0.9 - 0.5) / shC0
	dirs := [][3]float64{{0, 0, 1}, {0, 0, 1}}
	colors := EvalSH(sh0, shN, dirs, 0)
	if math.Abs(colors.Data[0]-0.9) > 1e-12 {
		t.Fatalf("DC color = %v, want 0.9", colors.Data[0])
	}
	if colors.Data[1] != 0.5 {
		t.Fatalf("zero coefficient color = %v, want 0.5", colors.Data[1])
	}
	tensor.Backward(tensor.Sum(colors))
	if sh0.Grad[0] == 0 {
		t.Fatal("no gradient reached sh0")
	}
	if sumAbs(shN.Grad) != 0 {
		t.Fatal("degree-0 evaluation leaked gradient into higher bands")
	}
}
