// Package trainer is the application layer: it owns the run
// directories, wires the scene, renderer, decomposition model, loss
// composer, optimizers and density strategy together, and drives the
// training loop.
package trainer

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "image/jpeg"
	_ "image/png"

	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/metrics"
)

// Dataset serves training views. Implementations load lazily or hold
// everything in memory; the trainer does not care.
type Dataset interface {
	Len() int
	// Batch returns view i. The returned batch is owned by the caller.
	Batch(i int) (*scene.Batch, error)
	// Points returns the SfM point cloud, empty when unavailable.
	Points() ([][3]float64, [][3]float64)
	// SceneScale is the camera-spread estimate used to normalize
	// thresholds and learning rates.
	SceneScale() float64
}

type frameMeta struct {
	FilePath  string        `json:"file_path"`
	Transform [4][4]float64 `json:"transform_matrix"`
	// MaskPath names an optional keep-mask image; pixels darker than
	// half intensity are excluded from the photometric losses.
	MaskPath string `json:"mask_path"`
	// Sparse depth supervision: pixel coordinates with measured depth.
	DepthPoints [][2]float64 `json:"depth_points"`
	Depths      []float64    `json:"depths"`
}

type transformsFile struct {
	FlX    float64      `json:"fl_x"`
	FlY    float64      `json:"fl_y"`
	Cx     float64      `json:"cx"`
	Cy     float64      `json:"cy"`
	W      int          `json:"w"`
	H      int          `json:"h"`
	Frames []frameMeta  `json:"frames"`
	Points [][3]float64 `json:"points"`
	Colors [][3]float64 `json:"colors"`
}

// DirDataset reads a transforms.json capture directory and decodes
// frames on demand.
type DirDataset struct {
	dir    string
	meta   transformsFile
	frames []frameMeta
	scale  float64
}

// OpenDir opens a capture directory. split selects "train" (all
// frames except every testEvery-th) or "val" (the rest); testEvery=0
// keeps everything.
func OpenDir(dir, split string, testEvery int) (*DirDataset, error) {
	data, err := os.ReadFile(filepath.Join(dir, "transforms.json"))
	if err != nil {
		return nil, fmt.Errorf("trainer: read transforms: %w", err)
	}
	var meta transformsFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("trainer: decode transforms: %w", err)
	}
	if len(meta.Frames) == 0 {
		return nil, fmt.Errorf("trainer: capture %s has no frames", dir)
	}
	sort.Slice(meta.Frames, func(i, j int) bool {
		return meta.Frames[i].FilePath < meta.Frames[j].FilePath
	})

	var frames []frameMeta
	for i, f := range meta.Frames {
		test := testEvery > 0 && i%testEvery == 0
		switch split {
		case "train":
			if !test {
				frames = append(frames, f)
			}
		case "val":
			if test {
				frames = append(frames, f)
			}
		default:
			return nil, fmt.Errorf("trainer: unknown split %q (want train or val)", split)
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("trainer: split %q of %s is empty", split, dir)
	}
	return &DirDataset{dir: dir, meta: meta, frames: frames, scale: cameraSpread(meta.Frames)}, nil
}

// Len implements Dataset.
func (d *DirDataset) Len() int { return len(d.frames) }

// Points implements Dataset.
func (d *DirDataset) Points() ([][3]float64, [][3]float64) { return d.meta.Points, d.meta.Colors }

// SceneScale implements Dataset.
func (d *DirDataset) SceneScale() float64 { return d.scale }

// Batch implements Dataset.
func (d *DirDataset) Batch(i int) (*scene.Batch, error) {
	f := d.frames[i]
	file, err := os.Open(filepath.Join(d.dir, f.FilePath))
	if err != nil {
		return nil, fmt.Errorf("trainer: open frame %s: %w", f.FilePath, err)
	}
	img, _, err := image.Decode(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("trainer: decode frame %s: %w", f.FilePath, err)
	}
	pixels, h, w := metrics.FromImage(img)

	b := &scene.Batch{
		Width:   w,
		Height:  h,
		Image:   pixels,
		ImageID: i,
		Points:  f.DepthPoints,
		Depths:  f.Depths,
	}
	if f.MaskPath != "" {
		mask, err := d.loadMask(f.MaskPath, h, w)
		if err != nil {
			return nil, err
		}
		b.Mask = mask
	}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			b.CamToWorld[r*4+c] = f.Transform[r][c]
		}
	}
	b.K = [9]float64{
		d.meta.FlX, 0, d.meta.Cx,
		0, d.meta.FlY, d.meta.Cy,
		0, 0, 1,
	}
	// Rescale intrinsics when the decoded frame differs from the
	// declared capture resolution.
	if d.meta.W > 0 && w != d.meta.W {
		sx := float64(w) / float64(d.meta.W)
		sy := float64(h) / float64(d.meta.H)
		b.K[0] *= sx
		b.K[2] *= sx
		b.K[4] *= sy
		b.K[5] *= sy
	}
	return b, nil
}

// loadMask decodes a mask image into a per-pixel keep slice.
func (d *DirDataset) loadMask(path string, h, w int) ([]bool, error) {
	file, err := os.Open(filepath.Join(d.dir, path))
	if err != nil {
		return nil, fmt.Errorf("trainer: open mask %s: %w", path, err)
	}
	img, _, err := image.Decode(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("trainer: decode mask %s: %w", path, err)
	}
	pixels, mh, mw := metrics.FromImage(img)
	if mh != h || mw != w {
		return nil, fmt.Errorf("trainer: mask %s is %dx%d, frame is %dx%d", path, mw, mh, w, h)
	}
	mask := make([]bool, h*w)
	for i := range mask {
		lum := 0.299*pixels[i] + 0.587*pixels[h*w+i] + 0.114*pixels[2*h*w+i]
		mask[i] = lum > 0.5
	}
	return mask, nil
}

// cameraSpread estimates the scene scale as 1.1x the farthest camera
// distance from the mean camera position.
func cameraSpread(frames []frameMeta) float64 {
	var cx, cy, cz float64
	for _, f := range frames {
		cx += f.Transform[0][3]
		cy += f.Transform[1][3]
		cz += f.Transform[2][3]
	}
	n := float64(len(frames))
	cx /= n
	cy /= n
	cz /= n
	max := 0.0
	for _, f := range frames {
		dx := f.Transform[0][3] - cx
		dy := f.Transform[1][3] - cy
		dz := f.Transform[2][3] - cz
		d := dx*dx + dy*dy + dz*dz
		if d > max {
			max = d
		}
	}
	if max == 0 {
		return 1
	}
	return 1.1 * math.Sqrt(max)
}
