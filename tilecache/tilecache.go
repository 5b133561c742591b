/*
Package tilecache holds decoded slice tiles under a byte budget so overlapping cube reads
decode each tile once.  It is safe for concurrent use.

Tiles evicted from memory can optionally be kept, snappy-compressed, in a freecache spill
tier.  Clearing a slice bumps its generation so spilled tiles of the old slice identity
are never found again.
*/
package tilecache

import (
	"encoding/binary"
	"sync"

	"github.com/coocood/freecache"
	"github.com/golang/groupcache/lru"
	"github.com/golang/snappy"

	"github.com/janelia-flyem/slicecube/dvid"
	"github.com/janelia-flyem/slicecube/metrics"
)

// Tile is one decoded tile with interleaved samples of all channels.
type Tile struct {
	X, Y int32 // origin in the slice
	W, H int32
	Data []byte
}

// Size is the number of bytes the tile is charged against the budget.
func (t *Tile) Size() int64 {
	return int64(len(t.Data))
}

type tileKey struct {
	slice int32
	x, y  int32
}

// Config sets the cache budget.
type Config struct {
	// MaxBytes bounds the bytes of decoded tiles held in memory.
	MaxBytes int64

	// LowBytes is the level eviction reduces to once MaxBytes is exceeded.  Defaults
	// to 3/4 of MaxBytes.
	LowBytes int64

	// SpillBytes sizes the compressed spill tier.  Zero disables it.
	SpillBytes int
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      uint64
	SpillHits uint64
	Misses    uint64
	Evictions uint64
	Tiles     int
	Bytes     int64
}

// Cache is a byte-budgeted LRU of decoded tiles.
type Cache struct {
	mu       sync.Mutex
	lru      *lru.Cache
	bytes    int64
	maxBytes int64
	lowBytes int64
	bySlice  map[int32]map[tileKey]struct{}
	clearing bool

	spill *freecache.Cache
	gen   map[int32]uint32

	stats Stats
}

// New returns a cache with the given budget.
func New(cfg Config) *Cache {
	if cfg.LowBytes <= 0 || cfg.LowBytes > cfg.MaxBytes {
		cfg.LowBytes = cfg.MaxBytes / 4 * 3
	}
	c := &Cache{
		lru:      lru.New(0),
		maxBytes: cfg.MaxBytes,
		lowBytes: cfg.LowBytes,
		bySlice:  make(map[int32]map[tileKey]struct{}),
		gen:      make(map[int32]uint32),
	}
	c.lru.OnEvicted = c.evicted
	if cfg.SpillBytes > 0 {
		c.spill = freecache.NewCache(cfg.SpillBytes)
		dvid.Infof("Created tile spill cache of ~ %s\n", dvid.Bytes(int64(cfg.SpillBytes)))
	}
	return c
}

// evicted is called by the LRU with c.mu held.
func (c *Cache) evicted(key lru.Key, value interface{}) {
	k := key.(tileKey)
	t := value.(*Tile)
	c.bytes -= t.Size()
	if m := c.bySlice[k.slice]; m != nil {
		delete(m, k)
		if len(m) == 0 {
			delete(c.bySlice, k.slice)
		}
	}
	if c.clearing {
		return
	}
	c.stats.Evictions++
	if c.spill != nil {
		buf := make([]byte, 8, 8+snappy.MaxEncodedLen(len(t.Data)))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(t.W))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(t.H))
		buf = append(buf, snappy.Encode(nil, t.Data)...)
		if err := c.spill.Set(c.spillKey(k), buf, 0); err != nil {
			dvid.Debugf("tile %v not spilled: %v\n", k, err)
		}
	}
}

func (c *Cache) spillKey(k tileKey) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], uint32(k.slice))
	binary.LittleEndian.PutUint32(b[4:8], c.gen[k.slice])
	binary.LittleEndian.PutUint32(b[8:12], uint32(k.x))
	binary.LittleEndian.PutUint32(b[12:16], uint32(k.y))
	return b
}

// Get returns the tile at the given origin of a slice, if cached.
func (c *Cache) Get(slice, x, y int32) (*Tile, bool) {
	k := tileKey{slice, x, y}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, found := c.lru.Get(k); found {
		c.stats.Hits++
		metrics.TileCacheHits.Inc()
		return v.(*Tile), true
	}
	if c.spill != nil {
		buf, err := c.spill.Get(c.spillKey(k))
		if err == nil && len(buf) >= 8 {
			data, err := snappy.Decode(nil, buf[8:])
			if err == nil {
				t := &Tile{
					X:    x,
					Y:    y,
					W:    int32(binary.LittleEndian.Uint32(buf[0:4])),
					H:    int32(binary.LittleEndian.Uint32(buf[4:8])),
					Data: data,
				}
				c.spill.Del(c.spillKey(k))
				c.stats.Hits++
				c.stats.SpillHits++
				metrics.TileCacheHits.Inc()
				metrics.TileCacheSpillHits.Inc()
				c.insert(k, t)
				return t, true
			}
			dvid.Errorf("bad spilled tile %v: %v\n", k, err)
		} else if err != nil && err != freecache.ErrNotFound {
			dvid.Errorf("spill cache lookup of tile %v: %v\n", k, err)
		}
	}
	c.stats.Misses++
	metrics.TileCacheMisses.Inc()
	return nil, false
}

// Put inserts a tile and returns the cached tile for its key, which is the earlier
// tile if one was already cached.  Total cached bytes never exceed the budget when Put
// returns.
func (c *Cache) Put(slice int32, t *Tile) *Tile {
	k := tileKey{slice, t.X, t.Y}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, found := c.lru.Get(k); found {
		return v.(*Tile)
	}
	c.insert(k, t)
	return t
}

func (c *Cache) insert(k tileKey, t *Tile) {
	c.lru.Add(k, t)
	c.bytes += t.Size()
	m := c.bySlice[k.slice]
	if m == nil {
		m = make(map[tileKey]struct{})
		c.bySlice[k.slice] = m
	}
	m[k] = struct{}{}
	if c.bytes > c.maxBytes {
		for c.bytes > c.lowBytes && c.lru.Len() > 0 {
			c.lru.RemoveOldest()
		}
	}
	metrics.TileCacheBytes.Set(float64(c.bytes))
}

// Clear drops every cached tile of a slice, including spilled ones.
func (c *Cache) Clear(slice int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearing = true
	for k := range c.bySlice[slice] {
		c.lru.Remove(k)
	}
	c.clearing = false
	delete(c.bySlice, slice)
	c.gen[slice]++
	metrics.TileCacheBytes.Set(float64(c.bytes))
}

// Bytes returns the bytes of decoded tiles held in memory.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Tiles = c.lru.Len()
	s.Bytes = c.bytes
	return s
}
