package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/janelia-flyem/slicecube/cube"
	"github.com/janelia-flyem/slicecube/dvid"
	"github.com/janelia-flyem/slicecube/imgsrc"
	"github.com/janelia-flyem/slicecube/metrics"
	"github.com/janelia-flyem/slicecube/slicecache"
	"github.com/janelia-flyem/slicecube/tilecache"
)

// checkSlice verifies a slice reader against the volume parameters.
func (s *Scheduler) checkSlice(z int32, info imgsrc.Info) error {
	p := s.params
	if info.Width != p.Sizes[0] || info.Height != p.Sizes[1] {
		return fmt.Errorf("slice %d is %d x %d, volume is %d x %d", z, info.Width, info.Height, p.Sizes[0], p.Sizes[1])
	}
	if info.SamplesPerPixel != p.SamplesPerPixel || info.BitsPerSample != p.BitsPerSample {
		return fmt.Errorf("slice %d has %d x %d-bit samples, volume has %d x %d-bit", z,
			info.SamplesPerPixel, info.BitsPerSample, p.SamplesPerPixel, p.BitsPerSample)
	}
	return nil
}

// tile returns the tile at origin (tx, ty) of the handle's slice from the tile cache
// or by decoding it.  Concurrent decodes of the same tile are merged.  A fresh decode
// from the original source is folded into the downsample volume.
func (s *Scheduler) tile(h *slicecache.Handle, r imgsrc.Reader, tx, ty int32) (*tilecache.Tile, bool, error) {
	z := h.Slice()
	w, ht := r.Info().TileSize(tx, ty)
	if t, found := s.tiles.Get(z, tx, ty); found && t.W == w && t.H == ht {
		return t, true, nil
	}
	var executed bool
	key := fmt.Sprintf("%d/%d/%d/%t", z, tx, ty, h.FromSource())
	v, err, _ := s.decodes.Do(key, func() (interface{}, error) {
		if t, found := s.tiles.Get(z, tx, ty); found && t.W == w && t.H == ht {
			return t, nil
		}
		executed = true
		data, w, ht, err := r.ReadTile(tx, ty)
		s.counters.tilesDecoded.Add(1)
		metrics.TilesDecoded.Inc()
		if errors.Is(err, imgsrc.ErrDegraded) {
			s.counters.tilesDegraded.Add(1)
			metrics.TilesDegraded.Inc()
			dvid.Warningf("Tile (%d,%d) of slice %d could not be decoded, using zeros\n", tx, ty, z)
			return &tilecache.Tile{X: tx, Y: ty, W: w, H: ht, Data: data}, err
		}
		if err != nil {
			return nil, err
		}
		t := s.tiles.Put(z, &tilecache.Tile{X: tx, Y: ty, W: w, H: ht, Data: data})
		if h.FromSource() && !s.acc.Finished(z) {
			s.acc.Update(z, tx, ty, w, ht, data)
		}
		return t, nil
	})
	if v == nil {
		return nil, false, err
	}
	return v.(*tilecache.Tile), !executed, err
}

// readSlice copies the cube's rectangle of slice z for the key's channel into plane
// z - key.Z of buf.
func (s *Scheduler) readSlice(k cube.Key, buf []byte, h *slicecache.Handle, z int32) (readStats, error) {
	var stats readStats
	start := time.Now()
	r, err := h.Reader(s.slices.Opener())
	if err != nil {
		return stats, err
	}
	info := r.Info()
	if err := s.checkSlice(z, info); err != nil {
		return stats, err
	}
	s.counters.sliceReads.Add(1)

	cs := s.params.CubeSizes
	bps := int32(s.params.BytesPerSample())
	spp := int32(info.SamplesPerPixel)
	x0, y0 := k.X, k.Y
	x1, y1 := min(x0+cs[0], info.Width), min(y0+cs[1], info.Height)
	plane := buf[int64(z-k.Z)*int64(cs[0])*int64(cs[1])*int64(bps):]
	chanOff := int32(k.Channel) * bps

	tx0, ty0 := info.TileOrigin(x0, y0)
	for ty := ty0; ty < y1; ty += info.TileHeight {
		for tx := tx0; tx < x1; tx += info.TileWidth {
			t, hit, err := s.tile(h, r, tx, ty)
			stats.tiles++
			if hit {
				stats.hits++
				s.counters.readCacheHit.Add(1)
			}
			if errors.Is(err, imgsrc.ErrDegraded) {
				stats.degraded++
				continue
			}
			if err != nil {
				return stats, fmt.Errorf("slice %d tile (%d,%d): %v", z, tx, ty, err)
			}
			ix0, ix1 := max(tx, x0), min(tx+t.W, x1)
			iy0, iy1 := max(ty, y0), min(ty+t.H, y1)
			for y := iy0; y < iy1; y++ {
				si := (int64(y-ty)*int64(t.W)+int64(ix0-tx))*int64(spp*bps) + int64(chanOff)
				di := (int64(y-y0)*int64(cs[0]) + int64(ix0-x0)) * int64(bps)
				for x := ix0; x < ix1; x++ {
					plane[di] = t.Data[si]
					if bps == 2 {
						plane[di+1] = t.Data[si+1]
					}
					si += int64(spp * bps)
					di += int64(bps)
				}
				stats.bytes += int64(ix1-ix0) * int64(bps)
			}
		}
	}
	stats.elapsed = time.Since(start)
	return stats, nil
}
