/*
Package imgsrc reads rectangular tiles of samples out of source slice files.  Whole-image
formats (TIFF strips, PNG) are decoded once per reader; the tiled ".ctile" format stores
independently compressed tiles so any tile can be read without touching the rest of the slice.
*/
package imgsrc

import (
	"errors"
	"fmt"

	"github.com/janelia-flyem/slicecube/dvid"
)

// ErrDegraded is returned with a zero-filled tile when the slice data could not be
// decoded.  It is locally recoverable: the tile must not be cached or folded, and the
// slice should be retried later.
var ErrDegraded = errors.New("degraded tile decode")

// TiledExt is the file extension of the tiled slice format.
const TiledExt = ".ctile"

// DefaultSourceTile is the tile edge used to address whole-image slices.
const DefaultSourceTile = 256

// Info describes the geometry and sample format of a slice.
type Info struct {
	Width, Height         int32
	TileWidth, TileHeight int32
	SamplesPerPixel       int
	BitsPerSample         int
}

// BytesPerPixel returns the size of an interleaved pixel.
func (i Info) BytesPerPixel() int {
	return i.SamplesPerPixel * ((i.BitsPerSample + 7) / 8)
}

// TileOrigin returns the origin of the tile containing pixel (x, y).
func (i Info) TileOrigin(x, y int32) (int32, int32) {
	return x - x%i.TileWidth, y - y%i.TileHeight
}

// TileSize returns the clipped size of the tile at the given origin.
func (i Info) TileSize(x, y int32) (int32, int32) {
	w, h := i.TileWidth, i.TileHeight
	if x+w > i.Width {
		w = i.Width - x
	}
	if y+h > i.Height {
		h = i.Height - y
	}
	return w, h
}

// Tiles returns the number of tile columns and rows.
func (i Info) Tiles() (int32, int32) {
	return (i.Width + i.TileWidth - 1) / i.TileWidth, (i.Height + i.TileHeight - 1) / i.TileHeight
}

func (i Info) String() string {
	return fmt.Sprintf("%d x %d, %d x %d tiles, %d x %d-bit samples", i.Width, i.Height,
		i.TileWidth, i.TileHeight, i.SamplesPerPixel, i.BitsPerSample)
}

// Reader reads tiles from one slice.  ReadTile may be called concurrently.
type Reader interface {
	Info() Info

	// ReadTile returns the samples of the tile whose origin is (x, y), which must lie on
	// the tile grid.  Pixels are row-major with interleaved samples, 16-bit samples
	// little-endian.  The returned width and height are clipped to the slice.
	ReadTile(x, y int32) (data []byte, w, h int32, err error)

	Close() error
}

// Trimmer is implemented by readers that hold decoded data between tile reads and can
// release it while idle.
type Trimmer interface {
	Trim()
}

// Opener opens slice readers.
type Opener interface {
	Open(path string) (Reader, error)
}

// FileOpener opens slice files by extension.
type FileOpener struct {
	// SourceTile is the tile edge used to address whole-image formats.
	SourceTile int32
}

// Open returns a reader for a .tif/.tiff, .png or .ctile file.
func (o FileOpener) Open(path string) (Reader, error) {
	fname := dvid.Filename(path)
	switch {
	case fname.HasExtensionPrefix("ctile"):
		r, err := OpenTiled(path)
		if err != nil {
			return nil, err
		}
		return r, nil
	case fname.HasExtensionPrefix("tif", "png"):
		tile := o.SourceTile
		if tile <= 0 {
			tile = DefaultSourceTile
		}
		r, err := openImage(path, tile)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported slice file format: %s", path)
	}
}

// Probe returns the slice geometry reading only file headers.
func Probe(path string) (Info, error) {
	fname := dvid.Filename(path)
	switch {
	case fname.HasExtensionPrefix("ctile"):
		r, err := OpenTiled(path)
		if err != nil {
			return Info{}, err
		}
		defer r.Close()
		return r.Info(), nil
	case fname.HasExtensionPrefix("tif", "png"):
		return probeImage(path, DefaultSourceTile)
	default:
		return Info{}, fmt.Errorf("unsupported slice file format: %s", path)
	}
}

// ReadRect assembles an arbitrary rectangle of a slice from its tiles.  The rectangle
// must lie inside the slice.  If any covering tile is degraded, the zero-filled parts
// are kept and ErrDegraded is returned.
func ReadRect(r Reader, x, y, w, h int32) ([]byte, error) {
	info := r.Info()
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > info.Width || y+h > info.Height {
		return nil, fmt.Errorf("rect (%d,%d) %dx%d outside slice %dx%d", x, y, w, h, info.Width, info.Height)
	}
	bpp := int32(info.BytesPerPixel())
	out := make([]byte, int64(w)*int64(h)*int64(bpp))
	var degraded bool
	tx0, ty0 := info.TileOrigin(x, y)
	for ty := ty0; ty < y+h; ty += info.TileHeight {
		for tx := tx0; tx < x+w; tx += info.TileWidth {
			data, tw, th, err := r.ReadTile(tx, ty)
			if errors.Is(err, ErrDegraded) {
				degraded = true
				continue
			}
			if err != nil {
				return nil, err
			}
			CopyRect(out, x, y, w, data, tx, ty, tw, th, bpp, x, y, w, h)
		}
	}
	if degraded {
		return out, ErrDegraded
	}
	return out, nil
}

// CopyRect copies the intersection of a source block (origin sx,sy size sw x sh) and a
// clip rectangle (cx,cy,cw,ch) into a destination block with origin dx,dy and row
// width dw.  All blocks hold bpp bytes per pixel.
func CopyRect(dst []byte, dx, dy, dw int32, src []byte, sx, sy, sw, sh int32, bpp int32,
	cx, cy, cw, ch int32) {

	x0, x1 := max(sx, cx), min(sx+sw, cx+cw)
	y0, y1 := max(sy, cy), min(sy+sh, cy+ch)
	if x0 >= x1 || y0 >= y1 {
		return
	}
	rowBytes := int64(x1-x0) * int64(bpp)
	for row := y0; row < y1; row++ {
		si := (int64(row-sy)*int64(sw) + int64(x0-sx)) * int64(bpp)
		di := (int64(row-dy)*int64(dw) + int64(x0-dx)) * int64(bpp)
		copy(dst[di:di+rowBytes], src[si:si+rowBytes])
	}
}
