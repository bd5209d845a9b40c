package scene

import (
	"math"
	"testing"
)

func randomInit(n int) InitOptions {
	return InitOptions{
		Type:       "random",
		NumPoints:  n,
		Extent:     3,
		Opacity:    0.1,
		Scale:      1,
		SceneScale: 1,
		SHDegree:   3,
		WorldSize:  1,
		Seed:       7,
	}
}

func TestNewStateRejectsUnknownInitType(t *testing.T) {
	opts := randomInit(10)
	opts.Type = "grid"
	if _, err := NewState(opts); err == nil {
		t.Fatal("expected error for unknown init type")
	}
}

func TestNewStateRandomShapes(t *testing.T) {
	st, err := NewState(randomInit(50))
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if st.Len() != 50 {
		t.Fatalf("Len = %d, want 50", st.Len())
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := st.Groups[GroupSHN].Shape[1]; got != 15 {
		t.Fatalf("shN band count = %d, want 15 for degree 3", got)
	}
	wantLogit := math.Log(0.1 / 0.9)
	if got := st.Groups[GroupOpacities].Data[0]; math.Abs(got-wantLogit) > 1e-12 {
		t.Fatalf("opacity logit = %v, want %v", got, wantLogit)
	}
	for _, name := range st.Names() {
		if !st.Groups[name].RequiresGrad() {
			t.Fatalf("group %q is not a parameter", name)
		}
	}
}

func TestNewStateRetinexGroups(t *testing.T) {
	opts := randomInit(5)
	opts.Retinex = true
	st, err := NewState(opts)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	k := st.Groups[GroupAdjustK]
	b := st.Groups[GroupAdjustB]
	if k == nil || b == nil {
		t.Fatal("retinex init missing adjustment groups")
	}
	for i, v := range k.Data {
		if v != 1 {
			t.Fatalf("adjust_k[%d] = %v, want identity 1", i, v)
		}
	}
	for i, v := range b.Data {
		if v != 0 {
			t.Fatalf("adjust_b[%d] = %v, want 0", i, v)
		}
	}
}

func TestNewStateShardsAcrossRanks(t *testing.T) {
	pts := make([][3]float64, 10)
	rgbs := make([][3]float64, 10)
	for i := range pts {
		pts[i] = [3]float64{float64(i), 0, 0}
		rgbs[i] = [3]float64{0.5, 0.5, 0.5}
	}
	total := 0
	for rank := 0; rank < 3; rank++ {
		st, err := NewState(InitOptions{
			Type: "sfm", Opacity: 0.1, Scale: 1, SHDegree: 1,
			Points: pts, RGBs: rgbs,
			WorldRank: rank, WorldSize: 3, Seed: 1,
		})
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
		total += st.Len()
	}
	if total != 10 {
		t.Fatalf("sharded total = %d, want 10", total)
	}
}

func TestRunningStatsMutations(t *testing.T) {
	rs := NewRunningStats(3)
	rs.Grad2D[1] = 2
	rs.Count[1] = 4
	rs.Append(2)
	if rs.Len() != 5 {
		t.Fatalf("Len after append = %d, want 5", rs.Len())
	}
	rs.Keep([]bool{false, true, true, false, true})
	if rs.Len() != 3 {
		t.Fatalf("Len after keep = %d, want 3", rs.Len())
	}
	if rs.Grad2D[0] != 2 || rs.Count[0] != 4 {
		t.Fatalf("kept row lost its values: %v %v", rs.Grad2D[0], rs.Count[0])
	}
	rs.Reset()
	if rs.Grad2D[0] != 0 || rs.Count[0] != 0 {
		t.Fatal("reset left stale values")
	}
}

func TestValidateCatchesRowMismatch(t *testing.T) {
	st, err := NewState(randomInit(4))
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	st.Groups[GroupScales].Shape[0] = 3
	if err := st.Validate(); err == nil {
		t.Fatal("expected row mismatch error")
	}
}
