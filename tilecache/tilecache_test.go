package tilecache

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
)

func makeTile(x, y int32, n int, fill byte) *Tile {
	data := make([]byte, n)
	for i := range data {
		data[i] = fill + byte(i%7)
	}
	return &Tile{X: x, Y: y, W: int32(n), H: 1, Data: data}
}

func TestBudget(t *testing.T) {
	c := New(Config{MaxBytes: 10000})
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		slice := int32(r.Intn(20))
		tile := makeTile(int32(r.Intn(8))*64, int32(r.Intn(8))*64, 100+r.Intn(900), byte(i))
		c.Put(slice, tile)
		if b := c.Bytes(); b > 10000 {
			t.Fatalf("after put %d cache holds %d bytes, budget is 10000", i, b)
		}
	}
	s := c.Stats()
	if s.Evictions == 0 {
		t.Errorf("expected evictions, got %+v", s)
	}
}

func TestOversizedTile(t *testing.T) {
	c := New(Config{MaxBytes: 100})
	c.Put(0, makeTile(0, 0, 500, 1))
	if c.Bytes() > 100 {
		t.Fatalf("oversized tile kept: %d bytes", c.Bytes())
	}
}

func TestEvictOldestToLowWatermark(t *testing.T) {
	c := New(Config{MaxBytes: 1000, LowBytes: 500})
	for i := int32(0); i < 10; i++ {
		c.Put(0, makeTile(i*10, 0, 100, 0))
	}
	if c.Bytes() != 1000 {
		t.Fatalf("expected full cache, got %d bytes", c.Bytes())
	}
	// Touch the first tile so it is no longer the oldest.
	if _, found := c.Get(0, 0, 0); !found {
		t.Fatalf("tile 0 missing")
	}
	c.Put(0, makeTile(100, 0, 100, 0))
	if c.Bytes() > 500 {
		t.Fatalf("eviction stopped at %d bytes, low watermark is 500", c.Bytes())
	}
	if _, found := c.Get(0, 0, 0); !found {
		t.Errorf("recently used tile was evicted")
	}
	if _, found := c.Get(0, 10, 0); found {
		t.Errorf("oldest tile was not evicted")
	}
}

func TestPutKeepsFirst(t *testing.T) {
	c := New(Config{MaxBytes: 1 << 20})
	first := makeTile(0, 0, 10, 1)
	if got := c.Put(3, first); got != first {
		t.Fatalf("put returned a different tile")
	}
	if got := c.Put(3, makeTile(0, 0, 10, 2)); got != first {
		t.Errorf("second put replaced cached tile")
	}
	if c.Bytes() != 10 {
		t.Errorf("bytes counted twice: %d", c.Bytes())
	}
}

func TestClear(t *testing.T) {
	c := New(Config{MaxBytes: 1 << 20, SpillBytes: 16 << 20})
	for i := int32(0); i < 4; i++ {
		c.Put(1, makeTile(i*64, 0, 50, 1))
		c.Put(2, makeTile(i*64, 0, 50, 2))
	}
	c.Clear(1)
	for i := int32(0); i < 4; i++ {
		if _, found := c.Get(1, i*64, 0); found {
			t.Errorf("tile %d of cleared slice still cached", i)
		}
		if _, found := c.Get(2, i*64, 0); !found {
			t.Errorf("tile %d of other slice dropped", i)
		}
	}
	if c.Bytes() != 200 {
		t.Errorf("expected 200 bytes after clear, got %d", c.Bytes())
	}
}

func TestSpill(t *testing.T) {
	c := New(Config{MaxBytes: 1000, LowBytes: 500, SpillBytes: 16 << 20})
	want := makeTile(0, 0, 400, 9)
	want.W, want.H = 20, 20
	orig := append([]byte(nil), want.Data...)
	c.Put(5, want)
	for i := int32(1); i < 4; i++ {
		c.Put(5, makeTile(i*20, 0, 400, 0))
	}
	got, found := c.Get(5, 0, 0)
	if !found {
		t.Fatalf("evicted tile not found in spill tier")
	}
	if got.W != 20 || got.H != 20 || !bytes.Equal(got.Data, orig) {
		t.Errorf("spilled tile came back different: %dx%d", got.W, got.H)
	}
	if s := c.Stats(); s.SpillHits != 1 {
		t.Errorf("expected one spill hit, got %+v", s)
	}

	// A cleared slice must not be served from the spill tier.
	for i := int32(1); i < 4; i++ {
		c.Put(5, makeTile(i*20, 20, 400, 0))
	}
	c.Clear(5)
	for x := int32(0); x < 80; x += 20 {
		for _, y := range []int32{0, 20} {
			if _, found := c.Get(5, x, y); found {
				t.Fatalf("tile (%d,%d) of cleared slice found", x, y)
			}
		}
	}
}

func TestConcurrent(t *testing.T) {
	c := New(Config{MaxBytes: 50000})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				slice := int32(i % 13)
				x := int32(i%5) * 64
				if _, found := c.Get(slice, x, 0); !found {
					c.Put(slice, makeTile(x, 0, 300, byte(g)))
				}
				if i%97 == 0 {
					c.Clear(slice)
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Bytes() > 50000 {
		t.Errorf("budget exceeded: %d", c.Bytes())
	}
}
