package metrics

import (
	"image"
	"path/filepath"
	"testing"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite(filepath.Join(dir, "metrics.db"), []byte(`{"test":true}`))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	if s.RunID() == "" {
		t.Fatal("empty run id")
	}
	s.LogScalar(1, "train/loss", 0.5)
	s.LogScalar(2, "train/loss", 0.25)
	s.LogScalar(2, "val/psnr", 31.7)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM scalars WHERE run_id = ? AND name = ?`, s.runID, "train/loss")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 2 {
		t.Fatalf("train/loss rows = %d, want 2", count)
	}

	var v float64
	row = s.db.QueryRow(`SELECT value FROM scalars WHERE run_id = ? AND name = ?`, s.runID, "val/psnr")
	if err := row.Scan(&v); err != nil {
		t.Fatalf("query: %v", err)
	}
	if v != 31.7 {
		t.Fatalf("val/psnr = %v, want 31.7", v)
	}
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "m.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush on empty buffer: %v", err)
	}
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	s := &Store{backend: "postgres"}
	got := s.rebind("INSERT INTO t (a, b) VALUES (?, ?)")
	want := "INSERT INTO t (a, b) VALUES ($1, $2)"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	s.backend = "sqlite"
	if got := s.rebind("SELECT ?"); got != "SELECT ?" {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
}

func TestImageRoundTrip(t *testing.T) {
	data := []float64{
		0, 0.5, 1, 0.25,
		0.1, 0.2, 0.3, 0.4,
		1, 0, 1, 0,
	}
	img := ToImage(data, 3, 2, 2)
	back, h, w := FromImage(img)
	if h != 2 || w != 2 {
		t.Fatalf("round trip size %dx%d", w, h)
	}
	for i := range data {
		d := data[i] - back[i]
		if d < 0 {
			d = -d
		}
		if d > 1.0/255+1e-9 {
			t.Fatalf("pixel %d: %v vs %v beyond 8-bit tolerance", i, data[i], back[i])
		}
	}
}

func TestSideBySideCanvasWidth(t *testing.T) {
	a := image.NewRGBA(image.Rect(0, 0, 4, 4))
	b := image.NewRGBA(image.Rect(0, 0, 8, 4))
	c := SideBySide(a, b)
	if got := c.Bounds().Dx(); got != 12 {
		t.Fatalf("canvas width = %d, want 12", got)
	}
	if got := c.Bounds().Dy(); got != 4 {
		t.Fatalf("canvas height = %d, want 4", got)
	}
}

func TestToImageClampsOutOfRange(t *testing.T) {
	data := []float64{-1, 2, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	img := ToImage(data, 3, 2, 2)
	r, _, _, _ := img.At(0, 0).RGBA()
	if r != 0 {
		t.Fatalf("negative value not clamped to 0, got %d", r)
	}
	r, _, _, _ = img.At(1, 0).RGBA()
	if r != 0xffff {
		t.Fatalf("overrange value not clamped to 255, got %d", r)
	}
}
