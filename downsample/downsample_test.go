package downsample

import (
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/janelia-flyem/slicecube/dvid"
)

type snapshot struct {
	count [][]uint32
	mip   [][][]uint16
	sum   [][][]uint64
	bits  [][]byte
}

func snap(a *Accumulator) snapshot {
	var s snapshot
	for _, blk := range a.blocks {
		blk.mu.Lock()
		s.count = append(s.count, append([]uint32(nil), blk.count...))
		var mips [][]uint16
		var sums [][]uint64
		for c := range blk.mip {
			mips = append(mips, append([]uint16(nil), blk.mip[c]...))
			sums = append(sums, append([]uint64(nil), blk.sum[c]...))
		}
		s.mip = append(s.mip, mips)
		s.sum = append(s.sum, sums)
		blk.mu.Unlock()
	}
	for z := range a.visited {
		s.bits = append(s.bits, append([]byte(nil), a.visited[z]...))
	}
	return s
}

func testOptions() Options {
	return Options{
		Size:            dvid.Point3d{100, 90, 8},
		Factors:         dvid.Point3d{4, 4, 4},
		SamplesPerPixel: 2,
		BitsPerSample:   16,
		CellSize:        16,
	}
}

// tileData returns deterministic 16-bit samples for a tile of a slice.
func tileData(opts Options, slice, x, y, w, h int32) []byte {
	spp := int32(opts.SamplesPerPixel)
	data := make([]byte, 0, w*h*spp*2)
	for py := y; py < y+h; py++ {
		for px := x; px < x+w; px++ {
			for c := int32(0); c < spp; c++ {
				v := uint16(px*131 + py*17 + slice*1009 + c*7919)
				data = append(data, byte(v), byte(v>>8))
			}
		}
	}
	return data
}

func newAcc(t *testing.T, opts Options) *Accumulator {
	a, err := New(opts)
	if err != nil {
		t.Fatalf("couldn't create accumulator: %v", err)
	}
	return a
}

func fold(a *Accumulator, slice, x, y, w, h int32) int {
	return a.Update(slice, x, y, w, h, tileData(a.opts, slice, x, y, w, h))
}

func TestFoldCommutes(t *testing.T) {
	opts := testOptions()
	ab := newAcc(t, opts)
	ba := newAcc(t, opts)

	fold(ab, 3, 0, 0, 48, 48)
	fold(ab, 3, 48, 0, 52, 90)
	fold(ba, 3, 48, 0, 52, 90)
	fold(ba, 3, 0, 0, 48, 48)
	if !reflect.DeepEqual(snap(ab), snap(ba)) {
		t.Fatalf("folding tiles in different order gave different state")
	}

	// Random tile cuts of the whole slice in random order converge to the same state.
	r := rand.New(rand.NewSource(11))
	var ref *snapshot
	for trial := 0; trial < 5; trial++ {
		a := newAcc(t, opts)
		size := int32(16 * (1 + r.Intn(4)))
		var tiles [][2]int32
		for y := int32(0); y < 90; y += size {
			for x := int32(0); x < 100; x += size {
				tiles = append(tiles, [2]int32{x, y})
			}
		}
		r.Shuffle(len(tiles), func(i, j int) { tiles[i], tiles[j] = tiles[j], tiles[i] })
		for _, o := range tiles {
			fold(a, 5, o[0], o[1], min(size, 100-o[0]), min(size, 90-o[1]))
		}
		if !a.Finished(5) {
			t.Fatalf("slice not finished after folding all %d-pixel tiles", size)
		}
		s := snap(a)
		if ref == nil {
			ref = &s
		} else if !reflect.DeepEqual(*ref, s) {
			t.Fatalf("tile size %d gave different state", size)
		}
	}
}

func TestFoldIdempotent(t *testing.T) {
	a := newAcc(t, testOptions())
	if n := fold(a, 0, 0, 0, 64, 64); n != 16 {
		t.Fatalf("expected 16 cells folded, got %d", n)
	}
	before := snap(a)
	version := a.Version()
	if n := fold(a, 0, 0, 0, 64, 64); n != 0 {
		t.Errorf("refold folded %d cells", n)
	}
	// Overlapping tile only folds the new cells.
	if n := fold(a, 0, 32, 0, 64, 32); n != 4 {
		t.Errorf("overlapping tile folded %d cells, expected 4", n)
	}
	if n := fold(a, 0, 32, 0, 64, 32); n != 0 {
		t.Errorf("overlapping refold folded %d cells", n)
	}
	if a.Version() != version+1 {
		t.Errorf("version went from %d to %d, expected one bump", version, a.Version())
	}
	b := newAcc(t, testOptions())
	fold(b, 0, 0, 0, 64, 64)
	if !reflect.DeepEqual(before, snap(b)) {
		t.Errorf("refolding changed state")
	}
}

func TestPartialCellNotFolded(t *testing.T) {
	a := newAcc(t, testOptions())
	if n := fold(a, 1, 8, 8, 16, 16); n != 0 {
		t.Errorf("tile covering no whole cell folded %d cells", n)
	}
	if a.Version() != 0 {
		t.Errorf("version bumped without fold")
	}
	// Edge cells are clipped to the slice.
	if n := fold(a, 1, 96, 80, 4, 10); n != 1 {
		t.Errorf("corner cell fold gave %d", n)
	}
}

func TestMissingIffFinished(t *testing.T) {
	a := newAcc(t, testOptions())
	r := rand.New(rand.NewSource(3))
	check := func() {
		for z := int32(0); z < 8; z++ {
			missing := a.Missing(z, 64, 64)
			if (len(missing) == 0) != a.Finished(z) {
				t.Fatalf("slice %d: %d missing tiles but finished=%t", z, len(missing), a.Finished(z))
			}
		}
	}
	check()
	for i := 0; i < 400; i++ {
		z := int32(r.Intn(8))
		x := int32(r.Intn(7)) * 16
		y := int32(r.Intn(6)) * 16
		fold(a, z, x, y, min(32, 100-x), min(32, 90-y))
		check()
	}
	for z := int32(0); z < 8; z++ {
		for _, o := range a.Missing(z, 64, 64) {
			fold(a, z, o[0], o[1], min(64, 100-o[0]), min(64, 90-o[1]))
		}
		if !a.Finished(z) {
			t.Errorf("slice %d not finished after folding missing tiles", z)
		}
	}
	check()
	if a.NumFinished() != 8 {
		t.Errorf("expected all slices finished, got %d", a.NumFinished())
	}
}

func TestExport(t *testing.T) {
	a := newAcc(t, Options{
		Size:            dvid.Point3d{4, 4, 1},
		Factors:         dvid.Point3d{2, 2, 1},
		SamplesPerPixel: 1,
		BitsPerSample:   8,
		CellSize:        2,
	})
	if _, _, ok := a.ExportAvg(0); ok {
		t.Fatalf("export of empty accumulator")
	}
	a.Update(0, 0, 0, 2, 2, []byte{0, 0, 0, 1})
	a.Update(0, 2, 0, 2, 2, []byte{10, 20, 30, 41})

	vols, version, ok := a.ExportAvg(0)
	if !ok || version != 2 {
		t.Fatalf("expected version 2 export, got %d %t", version, ok)
	}
	if got := vols[0].Data; !reflect.DeepEqual(got, []byte{1, 25, 0, 0}) {
		t.Errorf("bad mean export: %v", got)
	}
	vols, _, _ = a.ExportMip(0)
	if got := vols[0].Data; !reflect.DeepEqual(got, []byte{1, 41, 0, 0}) {
		t.Errorf("bad mip export: %v", got)
	}
	if _, _, ok := a.ExportMip(version); ok {
		t.Errorf("export without new folds")
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "downsample.cache")
	opts := testOptions()
	a := newAcc(t, opts)
	fold(a, 0, 0, 0, 100, 90)
	fold(a, 2, 0, 0, 64, 64)
	fold(a, 6, 32, 32, 64, 58)
	if err := a.Save(path, true); err != nil {
		t.Fatalf("first save: %v", err)
	}
	b := newAcc(t, opts)
	if err := b.Load(path, 8); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(snap(a), snap(b)) || a.Version() != b.Version() {
		t.Fatalf("loaded state differs")
	}
	for z := int32(0); z < 8; z++ {
		if a.Finished(z) != b.Finished(z) {
			t.Errorf("slice %d finished %t before save, %t after", z, a.Finished(z), b.Finished(z))
		}
	}

	// Incremental save rewrites only the dirty block.
	fold(b, 5, 0, 0, 100, 90)
	if b.blocks[0].dirty || !b.blocks[1].dirty {
		t.Fatalf("unexpected dirty blocks")
	}
	if err := b.Save(path, false); err != nil {
		t.Fatalf("second save: %v", err)
	}
	c := newAcc(t, opts)
	if err := c.Load(path, 8); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !reflect.DeepEqual(snap(b), snap(c)) || c.Version() != b.Version() {
		t.Errorf("state after incremental save differs")
	}
	if !c.Finished(5) || !c.Finished(0) || c.Finished(2) {
		t.Errorf("bad finished answers after reload")
	}

	if err := c.Load(path, 9); err == nil {
		t.Errorf("expected depth mismatch error")
	}
	other := opts
	other.CellSize = 32
	if err := newAcc(t, other).Load(path, 8); err == nil {
		t.Errorf("expected geometry mismatch error")
	}
	if err := newAcc(t, opts).Load(filepath.Join(dir, "none"), 8); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestPadFix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "downsample.cache")
	opts := Options{
		Size:            dvid.Point3d{40, 40, 2},
		Factors:         dvid.Point3d{2, 2, 2},
		SamplesPerPixel: 1,
		BitsPerSample:   8,
		CellSize:        16,
	}
	a := newAcc(t, opts)
	if a.bitmapLen != 2 {
		t.Fatalf("expected 9 cells in 2 bytes, got %d bytes", a.bitmapLen)
	}
	if err := a.Save(path, true); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Clear the padding bits of slice 1 on disk.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	off := a.bitmapOffset() + int64(8+a.bitmapLen) + 8 + 1
	if _, err := f.WriteAt([]byte{0}, off); err != nil {
		t.Fatal(err)
	}
	f.Close()

	b := newAcc(t, opts)
	if err := b.Load(path, 2); err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.visited[1][1] != 0xfe {
		t.Errorf("padding not fixed: %08b", b.visited[1][1])
	}
	b.Update(1, 0, 0, 40, 40, make([]byte, 1600))
	if !b.Finished(1) || len(b.Missing(1, 64, 64)) != 0 {
		t.Errorf("slice with fixed padding can't finish")
	}
}
