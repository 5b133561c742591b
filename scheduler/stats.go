package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/DmitriyVTitov/size"

	"github.com/janelia-flyem/slicecube/tilecache"
)

const publishInterval = time.Second

type counters struct {
	readCacheHit  atomic.Uint64
	tilesDecoded  atomic.Uint64
	tilesDegraded atomic.Uint64
	sliceReads    atomic.Uint64
	cubesUploaded atomic.Uint64
	bytesUploaded atomic.Uint64
	wakeups       atomic.Uint64
}

// Stats is a snapshot of scheduler progress.  Counters are current; the rest is
// published by the scheduler goroutine at most once a second.
type Stats struct {
	ReadCacheHit  uint64 // tile reads served without a decode
	TilesDecoded  uint64
	TilesDegraded uint64
	SliceReads    uint64
	CubesUploaded uint64
	BytesUploaded uint64
	Wakeups       uint64 // scheduler loop iterations

	JobsQueued     int
	JobsLoading    int
	JobsSuggested  int // suggested jobs loading
	JobsReady      int // encoding or uploading
	JobsUploaded   int
	JobMemory      int // bytes held by job records and buffers
	Queues         [3]int
	InFlight       int
	OpenSlices     int
	SlicesFinished int
	SlicesTiled    int
	SweepPass      int
	SweepDone      bool
	DownsampleVer  uint64
	MipVersion     uint64
	AvgVersion     uint64
	Cursor         uint64
	Draining       bool
	TileCache      tilecache.Stats
	Published      time.Time
}

// Stats returns the latest snapshot.  It may be called from any goroutine.
func (s *Scheduler) Stats() Stats {
	var st Stats
	if p := s.snapshot.Load(); p != nil {
		st = *p
	}
	st.ReadCacheHit = s.counters.readCacheHit.Load()
	st.TilesDecoded = s.counters.tilesDecoded.Load()
	st.TilesDegraded = s.counters.tilesDegraded.Load()
	st.SliceReads = s.counters.sliceReads.Load()
	st.CubesUploaded = s.counters.cubesUploaded.Load()
	st.BytesUploaded = s.counters.bytesUploaded.Load()
	st.Wakeups = s.counters.wakeups.Load()
	return st
}

// publish refreshes the snapshot if the last one is old enough.
func (s *Scheduler) publish() {
	if p := s.snapshot.Load(); p != nil && time.Since(p.Published) < publishInterval {
		return
	}
	s.publishNow()
}

func (s *Scheduler) publishNow() {
	st := &Stats{
		JobsSuggested:  s.loadingSuggested,
		JobsLoading:    s.loading,
		JobMemory:      size.Of(s.jobs),
		InFlight:       s.inflight,
		OpenSlices:     s.slices.Len(),
		SlicesFinished: s.acc.NumFinished(),
		SlicesTiled:    s.slices.NumTiled(),
		SweepPass:      s.sweep.pass,
		SweepDone:      s.sweep.done,
		DownsampleVer:  s.acc.Version(),
		MipVersion:     s.mipVersion,
		AvgVersion:     s.avgVersion,
		Cursor:         s.cursor,
		Draining:       s.draining,
		TileCache:      s.tiles.Stats(),
		Published:      time.Now(),
	}
	for _, j := range s.jobs {
		switch js := j.state.(type) {
		case *jobInit:
			st.JobsQueued++
			st.Queues[j.queue]++
		case *jobReady:
			if js.uploaded {
				st.JobsUploaded++
			} else {
				st.JobsReady++
			}
		}
	}
	s.snapshot.Store(st)
}
