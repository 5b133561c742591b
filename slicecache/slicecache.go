/*
Package slicecache keeps a bounded set of open slice readers.  When a tiled-copy directory
is configured, slices are converted once into the tiled format and the copy then replaces
the original source for good.

Acquire, Release, NeedsConversion and SwitchToTiled are not synchronized and must only be
called from the scheduler goroutine.  Handle.Reader and Convert may be called from any
goroutine.
*/
package slicecache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/janelia-flyem/slicecube/dvid"
	"github.com/janelia-flyem/slicecube/imgsrc"
	"github.com/janelia-flyem/slicecube/metrics"
)

const (
	DefaultHighWater = 960
	DefaultLowWater  = 720
	DefaultTileSize  = 256
)

// TileClearer drops cached tiles of a slice.
type TileClearer interface {
	Clear(slice int32)
}

// Config describes the slices and the handle limits.
type Config struct {
	Files    []string // original slice files indexed by z
	TiledDir string   // directory of tiled copies; empty disables conversion
	TileSize int32    // tile edge of tiled copies

	HighWater int // evict idle handles once more than this many are held
	LowWater  int // ... down to this many

	Opener imgsrc.Opener
}

// Handle is a slice reader shared by concurrent tile reads.
type Handle struct {
	slice  int32
	path   string
	source bool // path is the original source file

	mu     sync.Mutex
	reader imgsrc.Reader

	// reactor-owned
	users    int
	lastUsed time.Time
	stale    bool
}

// Slice returns the z index of the handle's slice.
func (h *Handle) Slice() int32 {
	return h.slice
}

// FromSource returns true if the handle reads the original source file rather than a
// tiled copy.
func (h *Handle) FromSource() bool {
	return h.source
}

// Busy returns true while the handle is acquired.
func (h *Handle) Busy() bool {
	return h.users > 0
}

// Reader opens the slice on first use.
func (h *Handle) Reader(opener imgsrc.Opener) (imgsrc.Reader, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reader != nil {
		return h.reader, nil
	}
	r, err := opener.Open(h.path)
	if err != nil {
		if h.source {
			return nil, fmt.Errorf("unable to open source slice %d: %v", h.slice, err)
		}
		return nil, fmt.Errorf("unable to open tiled copy of slice %d: %v", h.slice, err)
	}
	h.reader = r
	return r, nil
}

func (h *Handle) trim() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.reader.(imgsrc.Trimmer); ok {
		t.Trim()
	}
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reader == nil {
		return
	}
	if err := h.reader.Close(); err != nil {
		dvid.Errorf("closing slice %d (%s): %v\n", h.slice, h.path, err)
	}
	h.reader = nil
}

// Cache maps slice indices to handles.
type Cache struct {
	cfg     Config
	tiles   TileClearer
	handles map[int32]*Handle
	tiled   map[int32]struct{}
}

// New returns a slice cache.  Existing tiled copies are found by listing the tiled
// directory once; leftovers of interrupted conversions are removed.
func New(cfg Config, tiles TileClearer) (*Cache, error) {
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.LowWater <= 0 || cfg.LowWater > cfg.HighWater {
		cfg.LowWater = cfg.HighWater * 3 / 4
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = DefaultTileSize
	}
	if cfg.Opener == nil {
		cfg.Opener = imgsrc.FileOpener{}
	}
	c := &Cache{
		cfg:     cfg,
		tiles:   tiles,
		handles: make(map[int32]*Handle),
		tiled:   make(map[int32]struct{}),
	}
	if cfg.TiledDir == "" {
		return c, nil
	}
	if err := os.MkdirAll(cfg.TiledDir, 0755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(cfg.TiledDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp") {
			dvid.Infof("Removing interrupted conversion %s\n", name)
			if err := os.Remove(filepath.Join(cfg.TiledDir, name)); err != nil {
				dvid.Errorf("unable to remove %s: %v\n", name, err)
			}
			continue
		}
		z, ok := parseTiledName(name)
		if ok && int(z) < len(cfg.Files) {
			c.tiled[z] = struct{}{}
		}
	}
	dvid.Infof("Found %d of %d slices already tiled in %s\n", len(c.tiled), len(cfg.Files), cfg.TiledDir)
	return c, nil
}

func tiledName(slice int32) string {
	return fmt.Sprintf("%08d%s", slice, imgsrc.TiledExt)
}

func parseTiledName(name string) (int32, bool) {
	base, found := strings.CutSuffix(name, imgsrc.TiledExt)
	if !found || len(base) != 8 {
		return 0, false
	}
	z, err := strconv.ParseInt(base, 10, 32)
	if err != nil || z < 0 {
		return 0, false
	}
	return int32(z), true
}

// Opener returns the opener used for slice readers.
func (c *Cache) Opener() imgsrc.Opener {
	return c.cfg.Opener
}

// TiledPath returns the path of a slice's tiled copy.
func (c *Cache) TiledPath(slice int32) string {
	return filepath.Join(c.cfg.TiledDir, tiledName(slice))
}

// IsTiled returns true if the slice has a tiled copy.
func (c *Cache) IsTiled(slice int32) bool {
	_, found := c.tiled[slice]
	return found
}

// NumTiled returns the number of slices with tiled copies.
func (c *Cache) NumTiled() int {
	return len(c.tiled)
}

// Len returns the number of handles held.
func (c *Cache) Len() int {
	return len(c.handles)
}

// Acquire returns the handle of a slice and marks it busy.
func (c *Cache) Acquire(slice int32) (*Handle, error) {
	if slice < 0 || int(slice) >= len(c.cfg.Files) {
		return nil, fmt.Errorf("slice %d outside volume of %d slices", slice, len(c.cfg.Files))
	}
	h, found := c.handles[slice]
	if !found {
		h = &Handle{slice: slice, path: c.cfg.Files[slice], source: true}
		if c.IsTiled(slice) {
			h.path, h.source = c.TiledPath(slice), false
		}
		c.handles[slice] = h
	}
	h.users++
	h.lastUsed = time.Now()
	if !found {
		if len(c.handles) > c.cfg.HighWater {
			c.evict()
		}
		metrics.OpenSlices.Set(float64(len(c.handles)))
	}
	return h, nil
}

// evict closes least recently used idle handles down to the low watermark.
func (c *Cache) evict() {
	var idle []*Handle
	for _, h := range c.handles {
		if h.users == 0 {
			idle = append(idle, h)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].lastUsed.Before(idle[j].lastUsed) })
	var n int
	for _, h := range idle {
		if len(c.handles) <= c.cfg.LowWater {
			break
		}
		delete(c.handles, h.slice)
		h.close()
		n++
	}
	dvid.Debugf("Evicted %d idle slice handles, %d held\n", n, len(c.handles))
}

// Release marks the end of a use of the handle.
func (c *Cache) Release(h *Handle) {
	h.users--
	h.lastUsed = time.Now()
	if h.users < 0 {
		dvid.Criticalf("slice %d handle released more often than acquired\n", h.slice)
		h.users = 0
	}
	if h.users > 0 {
		return
	}
	if !h.stale {
		h.trim()
		return
	}
	h.close()
	// tiles it decoded after the switch
	if c.tiles != nil {
		c.tiles.Clear(h.slice)
	}
}

// NeedsConversion returns true if the slice should be converted to a tiled copy.
func (c *Cache) NeedsConversion(slice int32) bool {
	return c.cfg.TiledDir != "" && !c.IsTiled(slice)
}

// Convert writes the tiled copy of the handle's slice, passing every tile it reads
// to fn.  The copy isn't used until SwitchToTiled is called.
func (c *Cache) Convert(h *Handle, fn imgsrc.TileFunc) error {
	if c.cfg.TiledDir == "" || !h.source {
		return fmt.Errorf("slice %d can't be converted", h.slice)
	}
	r, err := h.Reader(c.cfg.Opener)
	if err != nil {
		return err
	}
	timedLog := dvid.NewTimeLog()
	if err := imgsrc.WriteTiled(c.TiledPath(h.slice), r, c.cfg.TileSize, c.cfg.TileSize, fn); err != nil {
		return fmt.Errorf("converting slice %d: %w", h.slice, err)
	}
	timedLog.Debugf("Converted slice %d to %s", h.slice, c.TiledPath(h.slice))
	return nil
}

// SwitchToTiled makes the tiled copy the slice's source and drops its cached tiles.
// A busy handle keeps reading the original until it is released, when the slice's
// tiles are dropped again.
func (c *Cache) SwitchToTiled(slice int32) {
	c.tiled[slice] = struct{}{}
	if h, found := c.handles[slice]; found {
		delete(c.handles, slice)
		if h.users == 0 {
			h.close()
		} else {
			h.stale = true
		}
		metrics.OpenSlices.Set(float64(len(c.handles)))
	}
	if c.tiles != nil {
		c.tiles.Clear(slice)
	}
	metrics.SlicesConverted.Inc()
}

// Close closes every idle handle.
func (c *Cache) Close() {
	for z, h := range c.handles {
		if h.users == 0 {
			h.close()
			delete(c.handles, z)
		}
	}
	metrics.OpenSlices.Set(float64(len(c.handles)))
}
