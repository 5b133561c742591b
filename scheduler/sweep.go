package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/janelia-flyem/slicecube/dvid"
	"github.com/janelia-flyem/slicecube/imgsrc"
	"github.com/janelia-flyem/slicecube/slicecache"
)

// sweepRetryDelay separates passes that left degraded slices behind.
var sweepRetryDelay = time.Minute

// sweepState is reactor-owned.
type sweepState struct {
	next     int32 // next slice of the current pass
	active   int
	pass     int
	degraded int // slices of this pass that could not be fully read
	progress int // slices finished when the pass started
	started  time.Time
	delayed  bool
	done     bool
}

// startSweep begins the background walk that folds every slice into the downsample
// volume, converting slices to tiled copies on the way if configured.
func (s *Scheduler) startSweep() {
	if s.cfg.NoSweep {
		dvid.Infof("Background sweep disabled\n")
		return
	}
	s.sweep = sweepState{started: time.Now(), progress: s.acc.NumFinished()}
	if s.sweepComplete() {
		dvid.Infof("All %d slices already downsampled\n", s.params.Sizes[2])
		s.sweep.done = true
		return
	}
	s.sweepMore()
}

func (s *Scheduler) sweepComplete() bool {
	depth := s.params.Sizes[2]
	if s.acc.NumFinished() != int(depth) {
		return false
	}
	return s.cfg.TiledDir == "" || s.slices.NumTiled() == int(depth)
}

// sweepMore starts slice work up to the sweep worker limit.
func (s *Scheduler) sweepMore() {
	sw := &s.sweep
	depth := s.params.Sizes[2]
	for !sw.done && !sw.delayed && !s.draining && s.fatal == nil && sw.active < s.cfg.SweepWorkers {
		if sw.next >= depth {
			if sw.active == 0 {
				s.endPass()
			}
			return
		}
		z := sw.next
		sw.next++
		convert := s.slices.NeedsConversion(z)
		if !convert && s.acc.Finished(z) {
			continue
		}
		h, err := s.slices.Acquire(z)
		if err != nil {
			s.fail(err)
			return
		}
		sw.active++
		s.inflight++
		s.ioPool.Go(s.ctx, func() {
			degraded, err := s.sweepSlice(h, convert)
			s.post(func() { s.sweptSlice(h, convert, degraded, err) })
		})
	}
}

// sweepSlice folds what is missing of one slice, or converts it.
func (s *Scheduler) sweepSlice(h *slicecache.Handle, convert bool) (degraded bool, err error) {
	z := h.Slice()
	if convert {
		err := s.slices.Convert(h, func(x, y, w, ht int32, data []byte) {
			s.acc.Update(z, x, y, w, ht, data)
		})
		if errors.Is(err, imgsrc.ErrDegraded) {
			return true, nil
		}
		return false, err
	}
	r, err := h.Reader(s.slices.Opener())
	if err != nil {
		return false, err
	}
	info := r.Info()
	if err := s.checkSlice(z, info); err != nil {
		return false, err
	}
	cell := s.acc.CellSize()
	for _, m := range s.acc.Missing(z, cell, cell) {
		w, ht := min(cell, info.Width-m[0]), min(cell, info.Height-m[1])
		data, err := imgsrc.ReadRect(r, m[0], m[1], w, ht)
		if errors.Is(err, imgsrc.ErrDegraded) {
			degraded = true
			continue
		}
		if err != nil {
			return false, fmt.Errorf("slice %d rect (%d,%d): %v", z, m[0], m[1], err)
		}
		s.acc.Update(z, m[0], m[1], w, ht, data)
	}
	return degraded, nil
}

func (s *Scheduler) sweptSlice(h *slicecache.Handle, convert, degraded bool, err error) {
	sw := &s.sweep
	z := h.Slice()
	sw.active--
	s.inflight--
	s.slices.Release(h)
	switch {
	case err != nil:
		s.fail(fmt.Errorf("sweeping slice %d: %v", z, err))
		return
	case degraded:
		sw.degraded++
		dvid.Warningf("Slice %d has undecodable data, will retry on the next pass\n", z)
	case convert:
		s.slices.SwitchToTiled(z)
	}
	if (z+1)%100 == 0 {
		dvid.Infof("Sweep pass %d at slice %d of %d, %d slices downsampled, %d tiled, %s elapsed\n",
			sw.pass+1, z+1, s.params.Sizes[2], s.acc.NumFinished(), s.slices.NumTiled(), time.Since(sw.started))
	}
	s.sweepMore()
}

// endPass exports what the pass folded and decides whether another pass is needed.
func (s *Scheduler) endPass() {
	sw := &s.sweep
	sw.pass++
	finished := s.acc.NumFinished()
	dvid.Infof("Sweep pass %d done in %s: %d of %d slices downsampled, %d tiled, %d degraded\n",
		sw.pass, time.Since(sw.started), finished, s.params.Sizes[2], s.slices.NumTiled(), sw.degraded)
	s.export()

	switch {
	case s.sweepComplete():
		dvid.Infof("Background sweep complete\n")
		sw.done = true
		return
	case sw.degraded > 0:
		sw.delayed = true
		time.AfterFunc(sweepRetryDelay, func() {
			s.post(func() {
				sw.delayed = false
				s.sweepMore()
			})
		})
	case finished == sw.progress && (s.cfg.TiledDir == "" || s.slices.NumTiled() == int(s.params.Sizes[2])):
		dvid.Errorf("Sweep pass %d made no progress, stopping sweep\n", sw.pass)
		sw.done = true
		return
	}
	sw.next = 0
	sw.degraded = 0
	sw.progress = finished
	sw.started = time.Now()
	s.sweepMore()
}
