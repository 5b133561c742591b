package imgsrc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/janelia-flyem/slicecube/dvid"
)

// Tiled file layout (little-endian):
//
//	magic "CTIL", u16 version, u16 spp, u16 bps, u16 reserved,
//	u32 width, u32 height, u32 tile width, u32 tile height,
//	tile index: (u64 offset, u32 length) per tile in row-major tile order,
//	zstd-compressed tile blobs.
const (
	tiledMagic      = "CTIL"
	tiledVersion    = 1
	tiledHeaderSize = 28
	tiledEntrySize  = 12
)

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zdec, _ = zstd.NewReader(nil)
)

type tileEntry struct {
	offset uint64
	length uint32
}

// TiledReader reads a .ctile slice.
type TiledReader struct {
	f     *os.File
	path  string
	info  Info
	nx    int32
	index []tileEntry
}

// OpenTiled opens a tiled slice and reads its tile index.
func OpenTiled(path string) (*TiledReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &TiledReader{f: f, path: path}
	if err := r.readHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("bad tiled slice %s: %v", path, err)
	}
	return r, nil
}

func (r *TiledReader) readHeader() error {
	hdr := make([]byte, tiledHeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(r.f, 0, tiledHeaderSize), hdr); err != nil {
		return err
	}
	if string(hdr[0:4]) != tiledMagic {
		return errors.New("bad magic")
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != tiledVersion {
		return fmt.Errorf("unsupported version %d", v)
	}
	r.info = Info{
		SamplesPerPixel: int(binary.LittleEndian.Uint16(hdr[6:8])),
		BitsPerSample:   int(binary.LittleEndian.Uint16(hdr[8:10])),
		Width:           int32(binary.LittleEndian.Uint32(hdr[12:16])),
		Height:          int32(binary.LittleEndian.Uint32(hdr[16:20])),
		TileWidth:       int32(binary.LittleEndian.Uint32(hdr[20:24])),
		TileHeight:      int32(binary.LittleEndian.Uint32(hdr[24:28])),
	}
	if r.info.Width <= 0 || r.info.Height <= 0 || r.info.TileWidth <= 0 || r.info.TileHeight <= 0 {
		return fmt.Errorf("bad geometry %s", r.info)
	}
	nx, ny := r.info.Tiles()
	r.nx = nx
	n := int(nx) * int(ny)
	buf := make([]byte, n*tiledEntrySize)
	if _, err := r.f.ReadAt(buf, tiledHeaderSize); err != nil {
		return fmt.Errorf("reading tile index: %v", err)
	}
	r.index = make([]tileEntry, n)
	for i := range r.index {
		e := buf[i*tiledEntrySize:]
		r.index[i] = tileEntry{
			offset: binary.LittleEndian.Uint64(e[0:8]),
			length: binary.LittleEndian.Uint32(e[8:12]),
		}
	}
	return nil
}

func (r *TiledReader) Info() Info {
	return r.info
}

func (r *TiledReader) ReadTile(x, y int32) ([]byte, int32, int32, error) {
	if x < 0 || y < 0 || x >= r.info.Width || y >= r.info.Height ||
		x%r.info.TileWidth != 0 || y%r.info.TileHeight != 0 {
		return nil, 0, 0, fmt.Errorf("tile origin (%d,%d) not on tile grid of %s", x, y, r.path)
	}
	e := r.index[(y/r.info.TileHeight)*r.nx+x/r.info.TileWidth]
	blob := make([]byte, e.length)
	if _, err := r.f.ReadAt(blob, int64(e.offset)); err != nil {
		return nil, 0, 0, fmt.Errorf("reading tile (%d,%d) of %s: %v", x, y, r.path, err)
	}
	w, h := r.info.TileSize(x, y)
	want := int(w) * int(h) * r.info.BytesPerPixel()
	data, err := zdec.DecodeAll(blob, make([]byte, 0, want))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decompressing tile (%d,%d) of %s: %v", x, y, r.path, err)
	}
	if len(data) != want {
		return nil, 0, 0, fmt.Errorf("tile (%d,%d) of %s has %d bytes, expected %d", x, y, r.path, len(data), want)
	}
	return data, w, h, nil
}

// Close drops the slice from the OS page cache and closes the file.
func (r *TiledReader) Close() error {
	dropCache(r.f)
	return r.f.Close()
}

// TileFunc is called with each tile written to a tiled slice.
type TileFunc func(x, y, w, h int32, data []byte)

// WriteTiled converts a slice into the tiled format at dst.  The output is written to a
// temporary file, synced and renamed into place, so dst either holds a complete
// conversion or doesn't exist.  If fn is non-nil, it receives every written tile.  A
// degraded source aborts the conversion with ErrDegraded.
func WriteTiled(dst string, src Reader, tileW, tileH int32, fn TileFunc) error {
	si := src.Info()
	info := Info{
		Width:           si.Width,
		Height:          si.Height,
		TileWidth:       tileW,
		TileHeight:      tileH,
		SamplesPerPixel: si.SamplesPerPixel,
		BitsPerSample:   si.BitsPerSample,
	}
	if tileW <= 0 || tileH <= 0 {
		return fmt.Errorf("bad tile size %d x %d", tileW, tileH)
	}
	dir := filepath.Dir(dst)
	f, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	err = writeTiled(f, src, info, fn)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return dvid.SyncDir(dir)
}

func writeTiled(f *os.File, src Reader, info Info, fn TileFunc) error {
	nx, ny := info.Tiles()
	index := make([]tileEntry, int(nx)*int(ny))
	offset := uint64(tiledHeaderSize + len(index)*tiledEntrySize)
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	for ty := int32(0); ty < ny; ty++ {
		for tx := int32(0); tx < nx; tx++ {
			x, y := tx*info.TileWidth, ty*info.TileHeight
			w, h := info.TileSize(x, y)
			data, err := ReadRect(src, x, y, w, h)
			if err != nil {
				return err
			}
			blob := zenc.EncodeAll(data, nil)
			if _, err := bw.Write(blob); err != nil {
				return err
			}
			index[ty*nx+tx] = tileEntry{offset: offset, length: uint32(len(blob))}
			offset += uint64(len(blob))
			if fn != nil {
				fn(x, y, w, h, data)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	hdr := make([]byte, tiledHeaderSize+len(index)*tiledEntrySize)
	copy(hdr[0:4], tiledMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], tiledVersion)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(info.SamplesPerPixel))
	binary.LittleEndian.PutUint16(hdr[8:10], uint16(info.BitsPerSample))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(info.Width))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(info.Height))
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(info.TileWidth))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(info.TileHeight))
	for i, e := range index {
		b := hdr[tiledHeaderSize+i*tiledEntrySize:]
		binary.LittleEndian.PutUint64(b[0:8], e.offset)
		binary.LittleEndian.PutUint32(b[8:12], e.length)
	}
	_, err := f.WriteAt(hdr, 0)
	return err
}

// MemReader is an in-memory slice, useful for writing tiled slices from raw samples.
type MemReader struct {
	info    Info
	samples []byte
}

// NewMemReader wraps row-major interleaved samples of a whole slice.
func NewMemReader(info Info, samples []byte) (*MemReader, error) {
	want := int(info.Width) * int(info.Height) * info.BytesPerPixel()
	if len(samples) != want {
		return nil, fmt.Errorf("slice %s needs %d bytes, got %d", info, want, len(samples))
	}
	return &MemReader{info: info, samples: samples}, nil
}

func (m *MemReader) Info() Info {
	return m.info
}

func (m *MemReader) ReadTile(x, y int32) ([]byte, int32, int32, error) {
	if x < 0 || y < 0 || x >= m.info.Width || y >= m.info.Height ||
		x%m.info.TileWidth != 0 || y%m.info.TileHeight != 0 {
		return nil, 0, 0, fmt.Errorf("tile origin (%d,%d) not on tile grid", x, y)
	}
	w, h := m.info.TileSize(x, y)
	bpp := int32(m.info.BytesPerPixel())
	tile := make([]byte, int64(w)*int64(h)*int64(bpp))
	CopyRect(tile, x, y, w, m.samples, 0, 0, m.info.Width, m.info.Height, bpp, x, y, w, h)
	return tile, w, h, nil
}

func (m *MemReader) Close() error {
	return nil
}
