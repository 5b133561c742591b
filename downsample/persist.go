package downsample

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/janelia-flyem/slicecube/dvid"
	"github.com/janelia-flyem/slicecube/metrics"
)

// Cache file layout, little-endian:
//
//	u64 version
//	per z-block: COUNT u32 array, then per channel MIP u16 array and SUM u64 array
//	per slice: u32 bitmap length, u32 bitmap width in cells, bitmap bytes
//
// Blocks have a fixed size so a clean block is skipped by offset.  The version is
// written last.
const versionSize = 8

func (a *Accumulator) blockSize() int64 {
	plane := int64(a.coarse[0]) * int64(a.coarse[1])
	return plane * (4 + int64(a.opts.SamplesPerPixel)*(2+8))
}

func (a *Accumulator) blockOffset(b int) int64 {
	return versionSize + int64(b)*a.blockSize()
}

func (a *Accumulator) bitmapOffset() int64 {
	return a.blockOffset(len(a.blocks))
}

func (a *Accumulator) fileSize() int64 {
	return a.bitmapOffset() + int64(len(a.visited))*int64(8+a.bitmapLen)
}

// encodeBlock must be called with the block locked.
func (a *Accumulator) encodeBlock(blk *block) []byte {
	buf := make([]byte, 0, a.blockSize())
	for _, n := range blk.count {
		buf = binary.LittleEndian.AppendUint32(buf, n)
	}
	for c := range blk.mip {
		for _, v := range blk.mip[c] {
			buf = binary.LittleEndian.AppendUint16(buf, v)
		}
		for _, v := range blk.sum[c] {
			buf = binary.LittleEndian.AppendUint64(buf, v)
		}
	}
	return buf
}

func (a *Accumulator) decodeBlock(blk *block, buf []byte) {
	for i := range blk.count {
		blk.count[i] = binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
	}
	for c := range blk.mip {
		for i := range blk.mip[c] {
			blk.mip[c][i] = binary.LittleEndian.Uint16(buf)
			buf = buf[2:]
		}
		for i := range blk.sum[c] {
			blk.sum[c][i] = binary.LittleEndian.Uint64(buf)
			buf = buf[8:]
		}
	}
}

type blockWrite struct {
	b    int
	data []byte
}

// Save writes the accumulator to path.  On the first write every block is written
// to a new file which is then renamed into place; later saves rewrite only dirty
// blocks in place.  Bitmaps are always rewritten and the version goes last.
func (a *Accumulator) Save(path string, first bool) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	timedLog := dvid.NewTimeLog()
	for _, blk := range a.blocks {
		blk.mu.Lock()
	}
	var writes []blockWrite
	for b, blk := range a.blocks {
		if !first && blk.fileoff >= 0 && !blk.dirty {
			continue
		}
		writes = append(writes, blockWrite{b, a.encodeBlock(blk)})
		blk.dirty = false
	}
	bitmaps := make([]byte, 0, a.fileSize()-a.bitmapOffset())
	for _, bm := range a.visited {
		bitmaps = binary.LittleEndian.AppendUint32(bitmaps, uint32(len(bm)))
		bitmaps = binary.LittleEndian.AppendUint32(bitmaps, uint32(a.cellsX))
		bitmaps = append(bitmaps, bm...)
	}
	version := a.Version()
	for _, blk := range a.blocks {
		blk.mu.Unlock()
	}

	var err error
	if first {
		err = a.writeNew(path, writes, bitmaps, version)
	} else {
		err = a.writeDirty(path, writes, bitmaps, version)
	}
	if err != nil {
		for _, w := range writes {
			blk := a.blocks[w.b]
			blk.mu.Lock()
			blk.dirty = true
			blk.mu.Unlock()
		}
		return fmt.Errorf("saving downsample cache %s: %v", path, err)
	}
	for _, w := range writes {
		a.blocks[w.b].fileoff = a.blockOffset(w.b)
	}
	timedLog.Debugf("Saved downsample cache version %d, %d of %d blocks", version, len(writes), len(a.blocks))
	return nil
}

func (a *Accumulator) writeNew(path string, writes []blockWrite, bitmaps []byte, version uint64) error {
	if len(writes) != len(a.blocks) {
		return fmt.Errorf("first write has %d of %d blocks", len(writes), len(a.blocks))
	}
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	err = a.writeAt(f, writes, bitmaps, version)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return dvid.SyncDir(dir)
}

func (a *Accumulator) writeDirty(path string, writes []blockWrite, bitmaps []byte, version uint64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	for _, w := range writes {
		if off := a.blocks[w.b].fileoff; off >= 0 && off != a.blockOffset(w.b) {
			f.Close()
			return fmt.Errorf("block %d recorded at offset %d, expected %d", w.b, off, a.blockOffset(w.b))
		}
	}
	err = a.writeAt(f, writes, bitmaps, version)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *Accumulator) writeAt(f *os.File, writes []blockWrite, bitmaps []byte, version uint64) error {
	for _, w := range writes {
		if _, err := f.WriteAt(w.data, a.blockOffset(w.b)); err != nil {
			return err
		}
	}
	if _, err := f.WriteAt(bitmaps, a.bitmapOffset()); err != nil {
		return err
	}
	hdr := binary.LittleEndian.AppendUint64(nil, version)
	_, err := f.WriteAt(hdr, 0)
	return err
}

// Load replaces the accumulator contents with a saved cache.  The cache must have
// been written for a volume of the given depth and the same geometry.  A missing
// file returns an error satisfying errors.Is(err, os.ErrNotExist).
func (a *Accumulator) Load(path string, depth int32) error {
	if depth != a.opts.Size[2] {
		return fmt.Errorf("downsample cache for %d slices requested, volume has %d", depth, a.opts.Size[2])
	}
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() != a.fileSize() {
		return fmt.Errorf("downsample cache %s has %d bytes, expected %d for this volume", path, fi.Size(), a.fileSize())
	}
	hdr := make([]byte, versionSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return err
	}
	buf := make([]byte, a.blockSize())
	for b, blk := range a.blocks {
		if _, err := io.ReadFull(f, buf); err != nil {
			return fmt.Errorf("reading block %d of %s: %v", b, path, err)
		}
		blk.mu.Lock()
		a.decodeBlock(blk, buf)
		blk.dirty = false
		blk.fileoff = a.blockOffset(b)
		blk.mu.Unlock()
	}
	entry := make([]byte, 8+a.bitmapLen)
	for z := range a.visited {
		if _, err := io.ReadFull(f, entry); err != nil {
			return fmt.Errorf("reading bitmap of slice %d: %v", z, err)
		}
		n := binary.LittleEndian.Uint32(entry[0:4])
		width := binary.LittleEndian.Uint32(entry[4:8])
		if int(n) != a.bitmapLen || int32(width) != a.cellsX {
			return fmt.Errorf("bitmap of slice %d is %d bytes for %d cells wide, expected %d bytes for %d",
				z, n, width, a.bitmapLen, a.cellsX)
		}
		bm := make([]byte, a.bitmapLen)
		copy(bm, entry[8:])
		if a.setPad(bm) {
			dvid.Infof("Fixed unset padding bits in visited bitmap of slice %d\n", z)
		}
		blk := a.blockOf(int32(z))
		blk.mu.Lock()
		a.visited[z] = bm
		blk.mu.Unlock()
	}
	version := binary.LittleEndian.Uint64(hdr)
	a.version.Store(version)
	finished := a.NumFinished()
	metrics.SlicesFinished.Set(float64(finished))
	dvid.Infof("Loaded downsample cache %s: version %d, %d of %d slices finished\n",
		path, version, finished, len(a.visited))
	return nil
}

// Exists returns true if a downsample cache file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
