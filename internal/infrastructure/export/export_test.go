package export

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
)

func testState(t *testing.T, n int) *scene.State {
	t.Helper()
	st, err := scene.NewState(scene.InitOptions{
		Type: "random", NumPoints: n, Extent: 2, Opacity: 0.3, Scale: 1,
		SceneScale: 1, SHDegree: 2, WorldSize: 1, Seed: 9,
	})
	if err != nil {
		t.Fatalf("scene init: %v", err)
	}
	return st
}

func TestCompressRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st := testState(t, 20)
	if err := Compress(dir, st); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	got, err := Decompress(dir)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if got.Len() != st.Len() {
		t.Fatalf("round trip N = %d, want %d", got.Len(), st.Len())
	}
	for _, name := range st.Names() {
		a := st.Groups[name]
		b, ok := got.Groups[name]
		if !ok {
			t.Fatalf("round trip lost group %q", name)
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range a.Data {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		tol := (hi - lo) / 65535 * 1.5
		if tol == 0 {
			tol = 1e-12
		}
		for i := range a.Data {
			if math.Abs(a.Data[i]-b.Data[i]) > tol {
				t.Fatalf("group %q value %d: %v vs %v beyond quantization tolerance %v",
					name, i, a.Data[i], b.Data[i], tol)
			}
		}
	}
}

func TestDecompressMissingManifest(t *testing.T) {
	if _, err := Decompress(t.TempDir()); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestWritePLYHeader(t *testing.T) {
	dir := t.TempDir()
	st := testState(t, 7)
	path := filepath.Join(dir, "scene.ply")
	if err := WritePLY(path, st); err != nil {
		t.Fatalf("WritePLY: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ply: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("ply\nformat binary_little_endian 1.0\nelement vertex 7\n")) {
		t.Fatalf("unexpected ply header: %q", data[:60])
	}
	if !bytes.Contains(data, []byte("property float f_rest_23\n")) {
		t.Fatal("degree-2 ply missing f_rest_23 property")
	}
	if bytes.Contains(data, []byte("f_rest_24")) {
		t.Fatal("degree-2 ply has too many f_rest properties")
	}
}

func TestWritePLYRequiresSH(t *testing.T) {
	st := testState(t, 3)
	delete(st.Groups, scene.GroupSH0)
	if err := WritePLY(filepath.Join(t.TempDir(), "x.ply"), st); err == nil {
		t.Fatal("expected error without SH color groups")
	}
}
