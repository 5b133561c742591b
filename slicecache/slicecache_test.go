package slicecache

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/janelia-flyem/slicecube/imgsrc"
)

type fakeReader struct {
	o    *fakeOpener
	path string
}

func (r *fakeReader) Info() imgsrc.Info {
	return imgsrc.Info{Width: 8, Height: 8, TileWidth: 8, TileHeight: 8, SamplesPerPixel: 1, BitsPerSample: 8}
}

func (r *fakeReader) ReadTile(x, y int32) ([]byte, int32, int32, error) {
	return make([]byte, 64), 8, 8, nil
}

func (r *fakeReader) Close() error {
	r.o.closed[r.path]++
	return nil
}

type fakeOpener struct {
	opened map[string]int
	closed map[string]int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opened: make(map[string]int), closed: make(map[string]int)}
}

func (o *fakeOpener) Open(path string) (imgsrc.Reader, error) {
	if path == "missing" {
		return nil, fmt.Errorf("no such file")
	}
	o.opened[path]++
	return &fakeReader{o: o, path: path}, nil
}

type clearRecorder []int32

func (c *clearRecorder) Clear(slice int32) {
	*c = append(*c, slice)
}

func files(n int) []string {
	f := make([]string, n)
	for i := range f {
		f[i] = fmt.Sprintf("slice%03d.tif", i)
	}
	return f
}

func TestEviction(t *testing.T) {
	o := newFakeOpener()
	c, err := New(Config{Files: files(30), HighWater: 10, LowWater: 6, Opener: o}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Slices 0 and 1 stay busy.
	busy := make([]*Handle, 2)
	for z := int32(0); z < 2; z++ {
		if busy[z], err = c.Acquire(z); err != nil {
			t.Fatal(err)
		}
		if _, err := busy[z].Reader(o); err != nil {
			t.Fatal(err)
		}
	}
	for z := int32(2); z < 30; z++ {
		h, err := c.Acquire(z)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.Reader(o); err != nil {
			t.Fatal(err)
		}
		c.Release(h)
		if c.Len() > 10 {
			t.Fatalf("holding %d handles, high watermark is 10", c.Len())
		}
	}
	for z := int32(0); z < 2; z++ {
		if _, found := c.handles[z]; !found {
			t.Errorf("busy slice %d was evicted", z)
		}
		if o.closed[c.cfg.Files[z]] != 0 {
			t.Errorf("busy slice %d was closed", z)
		}
	}
	if o.closed["slice002.tif"] != 1 {
		t.Errorf("least recently used slice not closed")
	}
	if o.closed["slice029.tif"] != 0 {
		t.Errorf("most recently used slice closed")
	}

	// Reacquiring reuses the open reader.
	h, _ := c.Acquire(29)
	if _, err := h.Reader(o); err != nil {
		t.Fatal(err)
	}
	if o.opened["slice029.tif"] != 1 {
		t.Errorf("slice reopened %d times", o.opened["slice029.tif"])
	}
	c.Release(h)

	if _, err := c.Acquire(30); err == nil {
		t.Errorf("expected error for slice outside volume")
	}
}

func TestOpenFailure(t *testing.T) {
	o := newFakeOpener()
	c, err := New(Config{Files: []string{"missing"}, Opener: o}, nil)
	if err != nil {
		t.Fatal(err)
	}
	h, err := c.Acquire(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Reader(o); err == nil {
		t.Errorf("expected open failure of source slice")
	}
}

func writeSlice(t *testing.T, path string, w, h int) {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(i * 3)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	tiledDir := filepath.Join(dir, "tiled")
	src := []string{filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png")}
	for _, p := range src {
		writeSlice(t, p, 40, 30)
	}
	var cleared clearRecorder
	c, err := New(Config{Files: src, TiledDir: tiledDir, TileSize: 16}, &cleared)
	if err != nil {
		t.Fatal(err)
	}
	if !c.NeedsConversion(0) || !c.NeedsConversion(1) {
		t.Fatalf("fresh slices don't need conversion")
	}

	h, _ := c.Acquire(0)
	held, _ := c.Acquire(0)
	if !h.FromSource() {
		t.Fatalf("handle should read source")
	}
	var pixels int
	if err := c.Convert(h, func(x, y, w, hgt int32, data []byte) { pixels += int(w * hgt) }); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if pixels != 40*30 {
		t.Errorf("fold saw %d pixels", pixels)
	}
	c.Release(h)
	c.SwitchToTiled(0)
	if len(cleared) != 1 || cleared[0] != 0 {
		t.Errorf("tile cache not cleared on switch: %v", cleared)
	}
	if c.NeedsConversion(0) {
		t.Errorf("converted slice still needs conversion")
	}

	// The old handle stays usable until released.
	if _, err := held.Reader(c.Opener()); err != nil {
		t.Fatal(err)
	}
	c.Release(held)
	if len(cleared) != 2 {
		t.Errorf("tiles not cleared when stale handle released")
	}

	h, _ = c.Acquire(0)
	if h.FromSource() {
		t.Errorf("handle after switch reads source")
	}
	r, err := h.Reader(c.Opener())
	if err != nil {
		t.Fatal(err)
	}
	if r.Info().TileWidth != 16 {
		t.Errorf("tiled copy has tile width %d", r.Info().TileWidth)
	}
	c.Release(h)
	c.Close()

	// A new cache finds the tiled copy.
	c2, err := New(Config{Files: src, TiledDir: tiledDir}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !c2.IsTiled(0) || c2.IsTiled(1) || c2.NumTiled() != 1 {
		t.Errorf("tiled copies not discovered")
	}
}
