package export

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/tensor"
)

// PNG-grid compression: each parameter group is quantized to 16 bits
// per value, laid out as a square-ish grayscale grid, and stored as a
// lossless PNG next to a JSON manifest carrying shapes and
// quantization ranges. Decompression is exact up to the quantization
// step.

type groupMeta struct {
	Shape []int   `json:"shape"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Cols  int     `json:"cols"`
	Rows  int     `json:"rows"`
}

type manifest struct {
	Count  int                  `json:"count"`
	Groups map[string]groupMeta `json:"groups"`
}

// Compress writes the scene as PNG grids under dir.
func Compress(dir string, st *scene.State) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("export: create compression directory: %w", err)
	}
	man := manifest{Count: st.Len(), Groups: map[string]groupMeta{}}
	for _, name := range st.Names() {
		t := st.Groups[name]
		meta, img := quantize(t)
		man.Groups[name] = meta
		f, err := os.Create(filepath.Join(dir, name+".png"))
		if err != nil {
			return fmt.Errorf("export: create grid for %s: %w", name, err)
		}
		if err := png.Encode(f, img); err != nil {
			f.Close()
			return fmt.Errorf("export: encode grid for %s: %w", name, err)
		}
		f.Close()
	}
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("export: encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644); err != nil {
		return fmt.Errorf("export: write manifest: %w", err)
	}
	return nil
}

// Decompress restores a scene from a Compress directory.
func Decompress(dir string) (*scene.State, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("export: read manifest: %w", err)
	}
	var man manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("export: decode manifest: %w", err)
	}
	st := &scene.State{Groups: map[string]*tensor.Tensor{}}
	names := make([]string, 0, len(man.Groups))
	for name := range man.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		meta := man.Groups[name]
		f, err := os.Open(filepath.Join(dir, name+".png"))
		if err != nil {
			return nil, fmt.Errorf("export: open grid for %s: %w", name, err)
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("export: decode grid for %s: %w", name, err)
		}
		gray, ok := img.(*image.Gray16)
		if !ok {
			return nil, fmt.Errorf("export: grid for %s is not 16-bit grayscale", name)
		}
		t, err := dequantize(meta, gray)
		if err != nil {
			return nil, fmt.Errorf("export: grid for %s: %w", name, err)
		}
		st.Groups[name] = t.Param()
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

func quantize(t *tensor.Tensor) (groupMeta, *image.Gray16) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range t.Data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi == lo {
		hi = lo + 1
	}
	n := len(t.Data)
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols
	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	scale := 65535 / (hi - lo)
	for i, v := range t.Data {
		q := uint16(math.Round((v - lo) * scale))
		img.SetGray16(i%cols, i/cols, color.Gray16{Y: q})
	}
	shape := append([]int(nil), t.Shape...)
	return groupMeta{Shape: shape, Min: lo, Max: hi, Cols: cols, Rows: rows}, img
}

func dequantize(meta groupMeta, img *image.Gray16) (*tensor.Tensor, error) {
	n := 1
	for _, d := range meta.Shape {
		n *= d
	}
	b := img.Bounds()
	if b.Dx() != meta.Cols || b.Dy() != meta.Rows || meta.Cols*meta.Rows < n {
		return nil, fmt.Errorf("grid is %dx%d, manifest says %dx%d for %d values",
			b.Dx(), b.Dy(), meta.Cols, meta.Rows, n)
	}
	data := make([]float64, n)
	scale := (meta.Max - meta.Min) / 65535
	for i := 0; i < n; i++ {
		q := img.Gray16At(i%meta.Cols, i/meta.Cols).Y
		data[i] = meta.Min + float64(q)*scale
	}
	return tensor.New(data, meta.Shape...), nil
}
