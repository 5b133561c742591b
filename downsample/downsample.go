/*
Package downsample accumulates a coarse MIP and mean volume from slice tiles as they are
read.  The coarse volume is split into z-blocks, one per run of Factors[2] slices; each
block holds a shared per-pixel COUNT and, per channel, a running MIP and SUM.

Every slice has a visited bitmap with one bit per cell of a fixed cell grid.  A tile only
folds the cells it fully covers that haven't been visited, so folding is idempotent and
order-independent no matter how the tiles were cut.  Blocks and the bitmaps of their
slices are guarded by per-block mutexes; the accumulator may be called from any goroutine.
*/
package downsample

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/janelia-flyem/slicecube/cube"
	"github.com/janelia-flyem/slicecube/dvid"
	"github.com/janelia-flyem/slicecube/metrics"
)

// DefaultCellSize is the edge of a visited bitmap cell in pixels.
const DefaultCellSize = 128

// Options describe the source volume and the reduction.
type Options struct {
	Size            dvid.Point3d // source width, height, depth
	Factors         dvid.Point3d // downsample factor per dimension
	SamplesPerPixel int
	BitsPerSample   int
	CellSize        int32 // visited bitmap cell edge, DefaultCellSize if zero
}

type block struct {
	mu      sync.Mutex
	count   []uint32
	mip     [][]uint16
	sum     [][]uint64
	dirty   bool
	fileoff int64 // -1 until first written
}

// Accumulator folds slice tiles into the coarse volume.
type Accumulator struct {
	opts      Options
	coarse    dvid.Point3d
	cellsX    int32
	cellsY    int32
	bitmapLen int

	blocks  []*block
	visited [][]byte // per slice, guarded by the mutex of the slice's block

	version atomic.Uint64
	saveMu  sync.Mutex
}

// New returns an empty accumulator.
func New(opts Options) (*Accumulator, error) {
	if opts.CellSize == 0 {
		opts.CellSize = DefaultCellSize
	}
	for i := 0; i < 3; i++ {
		if opts.Size[i] <= 0 || opts.Factors[i] <= 0 {
			return nil, fmt.Errorf("bad downsample of volume %s by %s", opts.Size, opts.Factors)
		}
	}
	if opts.SamplesPerPixel < 1 || opts.SamplesPerPixel > 4 {
		return nil, fmt.Errorf("can't downsample %d channels", opts.SamplesPerPixel)
	}
	if opts.BitsPerSample != 8 && opts.BitsPerSample != 16 {
		return nil, fmt.Errorf("can't downsample %d-bit samples", opts.BitsPerSample)
	}
	if opts.CellSize < 0 {
		return nil, fmt.Errorf("bad cell size %d", opts.CellSize)
	}
	a := &Accumulator{
		opts:   opts,
		coarse: opts.Size.DivCeil(opts.Factors),
		cellsX: (opts.Size[0] + opts.CellSize - 1) / opts.CellSize,
		cellsY: (opts.Size[1] + opts.CellSize - 1) / opts.CellSize,
	}
	a.bitmapLen = int((a.cellsX*a.cellsY + 7) / 8)

	plane := int(a.coarse[0]) * int(a.coarse[1])
	a.blocks = make([]*block, a.coarse[2])
	for b := range a.blocks {
		blk := &block{
			count:   make([]uint32, plane),
			mip:     make([][]uint16, opts.SamplesPerPixel),
			sum:     make([][]uint64, opts.SamplesPerPixel),
			fileoff: -1,
		}
		for c := 0; c < opts.SamplesPerPixel; c++ {
			blk.mip[c] = make([]uint16, plane)
			blk.sum[c] = make([]uint64, plane)
		}
		a.blocks[b] = blk
	}
	a.visited = make([][]byte, opts.Size[2])
	for z := range a.visited {
		a.visited[z] = a.newBitmap()
	}
	return a, nil
}

// newBitmap returns a bitmap with only the padding bits set.
func (a *Accumulator) newBitmap() []byte {
	bm := make([]byte, a.bitmapLen)
	a.setPad(bm)
	return bm
}

// setPad sets the bits past the last cell and returns true if any were clear.
func (a *Accumulator) setPad(bm []byte) bool {
	cells := int(a.cellsX * a.cellsY)
	if cells%8 == 0 {
		return false
	}
	pad := byte(0xff) << uint(cells%8)
	last := &bm[len(bm)-1]
	if *last&pad == pad {
		return false
	}
	*last |= pad
	return true
}

// CoarseSize returns the size of the downsampled volume.
func (a *Accumulator) CoarseSize() dvid.Point3d {
	return a.coarse
}

// CellSize returns the edge of a visited bitmap cell.
func (a *Accumulator) CellSize() int32 {
	return a.opts.CellSize
}

// Version returns the number of folds that changed the volume.
func (a *Accumulator) Version() uint64 {
	return a.version.Load()
}

func (a *Accumulator) blockOf(slice int32) *block {
	return a.blocks[slice/a.opts.Factors[2]]
}

func (a *Accumulator) inRange(slice int32) bool {
	return slice >= 0 && slice < a.opts.Size[2]
}

// cellRange returns the cells of the cell grid intersecting [x0,x1) x [y0,y1).
func (a *Accumulator) cellRange(x0, y0, x1, y1 int32) (cx0, cy0, cx1, cy1 int32) {
	cs := a.opts.CellSize
	return x0 / cs, y0 / cs, (x1 + cs - 1) / cs, (y1 + cs - 1) / cs
}

func (a *Accumulator) cellRect(cx, cy int32) (x0, y0, x1, y1 int32) {
	cs := a.opts.CellSize
	x0, y0 = cx*cs, cy*cs
	return x0, y0, min(x0+cs, a.opts.Size[0]), min(y0+cs, a.opts.Size[1])
}

func isSet(bm []byte, bit int32) bool {
	return bm[bit/8]&(1<<uint(bit%8)) != 0
}

// Update folds the cells of a slice fully covered by the w x h tile at (x, y) that
// were not folded before.  Samples are interleaved for all channels, 16-bit samples
// little-endian.  It returns the number of cells folded.
func (a *Accumulator) Update(slice, x, y, w, h int32, samples []byte) int {
	if !a.inRange(slice) || w <= 0 || h <= 0 {
		return 0
	}
	bps := int32((a.opts.BitsPerSample + 7) / 8)
	spp := int32(a.opts.SamplesPerPixel)
	bpp := bps * spp
	if int64(len(samples)) < int64(w)*int64(h)*int64(bpp) {
		dvid.Errorf("tile (%d,%d) of slice %d has %d bytes, too few for %dx%d\n", x, y, slice, len(samples), w, h)
		return 0
	}
	x1, y1 := min(x+w, a.opts.Size[0]), min(y+h, a.opts.Size[1])
	cx0, cy0, cx1, cy1 := a.cellRange(x, y, x1, y1)
	fx, fy := a.opts.Factors[0], a.opts.Factors[1]
	cw := a.coarse[0]

	blk := a.blockOf(slice)
	blk.mu.Lock()
	defer blk.mu.Unlock()
	bm := a.visited[slice]
	var folded int
	for cy := cy0; cy < cy1; cy++ {
		for cx := cx0; cx < cx1; cx++ {
			bit := cy*a.cellsX + cx
			if isSet(bm, bit) {
				continue
			}
			px0, py0, px1, py1 := a.cellRect(cx, cy)
			if px0 < x || py0 < y || px1 > x1 || py1 > y1 {
				continue
			}
			for py := py0; py < py1; py++ {
				row := int(py/fy) * int(cw)
				si := (int(py-y)*int(w) + int(px0-x)) * int(bpp)
				for px := px0; px < px1; px++ {
					ci := row + int(px/fx)
					blk.count[ci]++
					for c := int32(0); c < spp; c++ {
						var v uint16
						if bps == 1 {
							v = uint16(samples[si])
						} else {
							v = uint16(samples[si]) | uint16(samples[si+1])<<8
						}
						si += int(bps)
						if v > blk.mip[c][ci] {
							blk.mip[c][ci] = v
						}
						blk.sum[c][ci] += uint64(v)
					}
				}
			}
			bm[bit/8] |= 1 << uint(bit%8)
			folded++
		}
	}
	if folded > 0 {
		blk.dirty = true
		a.version.Add(1)
		if allSet(bm) {
			metrics.SlicesFinished.Inc()
		}
	}
	return folded
}

func allSet(bm []byte) bool {
	for _, b := range bm {
		if b != 0xff {
			return false
		}
	}
	return true
}

// Finished returns true if every cell of the slice has been folded.
func (a *Accumulator) Finished(slice int32) bool {
	if !a.inRange(slice) {
		return true
	}
	blk := a.blockOf(slice)
	blk.mu.Lock()
	defer blk.mu.Unlock()
	return allSet(a.visited[slice])
}

// NumFinished returns the number of finished slices.
func (a *Accumulator) NumFinished() int {
	var n int
	for z := int32(0); z < a.opts.Size[2]; z++ {
		if a.Finished(z) {
			n++
		}
	}
	return n
}

// Missing returns the origins of the tw x th tiles of a slice that still contain
// unvisited cells.  It is empty if and only if the slice is finished.
func (a *Accumulator) Missing(slice, tw, th int32) [][2]int32 {
	if !a.inRange(slice) || tw <= 0 || th <= 0 {
		return nil
	}
	blk := a.blockOf(slice)
	blk.mu.Lock()
	defer blk.mu.Unlock()
	bm := a.visited[slice]
	if allSet(bm) {
		return nil
	}
	var missing [][2]int32
	for ty := int32(0); ty < a.opts.Size[1]; ty += th {
		for tx := int32(0); tx < a.opts.Size[0]; tx += tw {
			x1, y1 := min(tx+tw, a.opts.Size[0]), min(ty+th, a.opts.Size[1])
			cx0, cy0, cx1, cy1 := a.cellRange(tx, ty, x1, y1)
		cells:
			for cy := cy0; cy < cy1; cy++ {
				for cx := cx0; cx < cx1; cx++ {
					if !isSet(bm, cy*a.cellsX+cx) {
						missing = append(missing, [2]int32{tx, ty})
						break cells
					}
				}
			}
		}
	}
	return missing
}

// ExportMip returns the per-channel maximum intensity volumes if the accumulator
// changed since the given version.
func (a *Accumulator) ExportMip(since uint64) ([]*cube.Volume, uint64, bool) {
	return a.export(since, func(blk *block, c, i int) uint16 {
		return blk.mip[c][i]
	})
}

// ExportAvg returns the per-channel mean volumes if the accumulator changed since the
// given version.  Means are rounded and clamped to [1, max]; pixels with no folded
// samples are 0.
func (a *Accumulator) ExportAvg(since uint64) ([]*cube.Volume, uint64, bool) {
	maxVal := uint64(math.MaxUint8)
	if a.opts.BitsPerSample == 16 {
		maxVal = math.MaxUint16
	}
	return a.export(since, func(blk *block, c, i int) uint16 {
		n := uint64(blk.count[i])
		if n == 0 {
			return 0
		}
		mean := (blk.sum[c][i] + n/2) / n
		if mean < 1 {
			mean = 1
		} else if mean > maxVal {
			mean = maxVal
		}
		return uint16(mean)
	})
}

func (a *Accumulator) export(since uint64, value func(blk *block, c, i int) uint16) ([]*cube.Volume, uint64, bool) {
	version := a.Version()
	if version <= since {
		return nil, version, false
	}
	bps := (a.opts.BitsPerSample + 7) / 8
	vols := make([]*cube.Volume, a.opts.SamplesPerPixel)
	for c := range vols {
		vols[c] = cube.NewVolume(a.coarse, bps)
	}
	plane := int(a.coarse[0]) * int(a.coarse[1])
	for b, blk := range a.blocks {
		blk.mu.Lock()
		for c, vol := range vols {
			base := b * plane * bps
			for i := 0; i < plane; i++ {
				v := value(blk, c, i)
				if bps == 1 {
					vol.Data[base+i] = byte(v)
				} else {
					vol.Data[base+2*i] = byte(v)
					vol.Data[base+2*i+1] = byte(v >> 8)
				}
			}
		}
		blk.mu.Unlock()
	}
	return vols, version, true
}
