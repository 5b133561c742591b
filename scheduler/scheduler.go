/*
Package scheduler drives cube production.  A single reactor goroutine owns every job,
queue and slice handle; slice reads run on an I/O pool, compression on a CPU pool, and
network calls on their own goroutines.  Workers hand their results back to the reactor
as closures.

Cubes requested by the server are needed; their neighbors are suggested and only get
half the job budget.  Progress is made durable through the state log so a run can be
stopped at any time and resumed.
*/
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/janelia-flyem/slicecube/codec"
	"github.com/janelia-flyem/slicecube/cube"
	"github.com/janelia-flyem/slicecube/downsample"
	"github.com/janelia-flyem/slicecube/dvid"
	"github.com/janelia-flyem/slicecube/metrics"
	"github.com/janelia-flyem/slicecube/remote"
	"github.com/janelia-flyem/slicecube/slicecache"
	"github.com/janelia-flyem/slicecube/statelog"
	"github.com/janelia-flyem/slicecube/tilecache"
)

// Scheduler converts slices into cubes on demand.
type Scheduler struct {
	cfg    Config
	params statelog.Params
	state  *statelog.State
	log    *statelog.Writer
	client remote.Client
	enc    codec.Encoder

	tiles  *tilecache.Cache
	slices *slicecache.Cache
	acc    *downsample.Accumulator

	ioPool  *pool
	cpuPool *pool
	decodes singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan func()
	done   chan struct{}

	drainOnce sync.Once
	drainCh   chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}

	// reactor-owned
	jobs             map[cube.Key]*job
	queues           [3]fifo
	loading          int
	loadingSuggested int
	lastNeeded       map[uint8]dvid.Point3d
	inflight         int
	draining         bool
	fatal            error

	cursor       uint64
	polling      bool
	exporting    bool
	flushing     bool
	flushWaiters []func(error)
	cacheWritten bool
	mipVersion   uint64
	avgVersion   uint64

	sweep sweepState

	counters counters
	snapshot atomic.Pointer[Stats]
}

// New returns a scheduler resuming from a replayed state log.  The downsample cache
// in the state directory is loaded if present.
func New(cfg Config, state *statelog.State, log *statelog.Writer, client remote.Client) (*Scheduler, error) {
	cfg.setDefaults()
	if cfg.StateDir == "" {
		return nil, errors.New("no state directory given")
	}
	p := state.Params
	s := &Scheduler{
		cfg:        cfg,
		params:     p,
		state:      state,
		log:        log,
		client:     client,
		enc:        cfg.Encoder,
		tiles:      tilecache.New(cfg.TileCache),
		ioPool:     newPool("io", cfg.IOWorkers),
		cpuPool:    newPool("cpu", cfg.CPUWorkers),
		tasks:      make(chan func(), 1024),
		done:       make(chan struct{}),
		drainCh:    make(chan struct{}),
		stopCh:     make(chan struct{}),
		jobs:       make(map[cube.Key]*job),
		lastNeeded: make(map[uint8]dvid.Point3d),
		mipVersion: state.MipVersion,
		avgVersion: state.AvgVersion,
	}
	if s.enc == nil {
		enc, err := codec.NewEncoder(cfg.CompressionLevel)
		if err != nil {
			return nil, err
		}
		s.enc = enc
	}
	var err error
	s.slices, err = slicecache.New(slicecache.Config{
		Files:     p.Files,
		TiledDir:  cfg.TiledDir,
		TileSize:  cfg.TiledTileSize,
		HighWater: cfg.HandleHigh,
		LowWater:  cfg.HandleLow,
		Opener:    cfg.Opener,
	}, s.tiles)
	if err != nil {
		return nil, fmt.Errorf("unable to set up slice cache: %v", err)
	}
	s.acc, err = downsample.New(downsample.Options{
		Size:            p.Sizes,
		Factors:         p.Downsample,
		SamplesPerPixel: p.SamplesPerPixel,
		BitsPerSample:   p.BitsPerSample,
		CellSize:        cfg.CellSize,
	})
	if err != nil {
		return nil, err
	}
	cachePath := s.cachePath()
	switch err := s.acc.Load(cachePath, p.Sizes[2]); {
	case err == nil:
		s.cacheWritten = true
	case errors.Is(err, os.ErrNotExist):
		dvid.Infof("No downsample cache at %s, starting fresh\n", cachePath)
	default:
		return nil, fmt.Errorf("unable to load downsample cache: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.StateDir, PartialDir), 0755); err != nil {
		return nil, err
	}
	for k := range state.Ready {
		s.jobs[k] = &job{key: k, prio: Needed, state: &jobReady{uploaded: true}}
	}
	s.publishNow()
	return s, nil
}

func (s *Scheduler) cachePath() string {
	return filepath.Join(s.cfg.StateDir, DownsampleFile)
}

// Run processes jobs until Stop is called, Drain completes, ctx is done or a fatal
// error occurs, which is returned.  Loading jobs are checkpointed and the downsample
// cache is flushed before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	if err := s.ensureToken(); err != nil {
		close(s.done)
		return err
	}
	for _, k := range s.state.Needed {
		s.need(k, true)
	}
	dvid.Infof("Resuming with %d cubes ready, %d needed, %d of %d slices downsampled\n",
		len(s.state.Ready), len(s.state.Needed), s.acc.NumFinished(), s.params.Sizes[2])
	s.startSweep()
	s.schedule()
	s.publishNow()

	syncTicker := time.NewTicker(s.cfg.SyncInterval)
	defer syncTicker.Stop()
	exportTicker := time.NewTicker(s.cfg.ExportInterval)
	defer exportTicker.Stop()
	flushTicker := time.NewTicker(s.cfg.FlushInterval)
	defer flushTicker.Stop()

	// Closed channels are always ready, so drain is received only once.
	drainCh := s.drainCh
loop:
	for {
		s.counters.wakeups.Add(1)
		select {
		case fn := <-s.tasks:
			fn()
		case <-syncTicker.C:
			s.poll()
		case <-exportTicker.C:
			s.export()
		case <-flushTicker.C:
			s.flush(nil)
		case <-drainCh:
			drainCh = nil
			if !s.draining {
				dvid.Infof("Draining: no new speculative work started, waiting on %d tasks\n", s.inflight)
				s.draining = true
			}
		case <-s.stopCh:
			s.draining = true
			s.runQueued()
			dvid.Infof("Stopping with %d tasks in flight\n", s.inflight)
			break loop
		case <-s.ctx.Done():
			break loop
		}
		if s.fatal != nil {
			break
		}
		if s.draining && s.inflight == 0 {
			dvid.Infof("Drained\n")
			break
		}
		s.publish()
	}
	s.cancel()
	close(s.done)
	s.publishNow()
	return s.shutdown()
}

// runQueued runs the results already handed to the reactor.
func (s *Scheduler) runQueued() {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		default:
			return
		}
	}
}

// catalog describes the dataset to the server.
type catalog struct {
	Sizes           [3]int32   `json:"sizes"`
	SamplesPerPixel int        `json:"spp"`
	BitsPerSample   int        `json:"bps"`
	CubeSizes       [3]int32   `json:"cubesizes"`
	Downsample      [3]int32   `json:"downsample"`
	Resolution      [3]float64 `json:"resolution"`
}

// ensureToken uploads the catalog once and logs the token the server returns.
func (s *Scheduler) ensureToken() error {
	if s.client == nil {
		return nil
	}
	if s.state.Token != "" {
		s.client.SetToken(s.state.Token)
		return nil
	}
	p := s.params
	body, err := json.Marshal(catalog{
		Sizes:           p.Sizes,
		SamplesPerPixel: p.SamplesPerPixel,
		BitsPerSample:   p.BitsPerSample,
		CubeSizes:       p.CubeSizes,
		Downsample:      p.Downsample,
		Resolution:      p.Resolution,
	})
	if err != nil {
		return err
	}
	token, err := s.client.Catalog(s.ctx, body)
	if err != nil {
		return fmt.Errorf("uploading catalog: %v", err)
	}
	if strings.ContainsAny(token, "\r\n") {
		return fmt.Errorf("server returned token %q spanning lines", token)
	}
	if err := s.log.Append(statelog.TokenFact(token)); err != nil {
		return err
	}
	s.state.Token = token
	s.client.SetToken(token)
	dvid.Infof("Catalog uploaded, received access token\n")
	return nil
}

// shutdown runs after the reactor exits.
func (s *Scheduler) shutdown() error {
	for _, j := range s.jobs {
		if st, ok := j.state.(*jobLoading); ok {
			s.writePartial(j.key, st)
		}
	}
	if err := s.acc.Save(s.cachePath(), !s.cacheWritten); err != nil {
		dvid.Errorf("Final flush of downsample cache failed: %v\n", err)
		if s.fatal == nil {
			s.fatal = err
		}
	} else {
		s.cacheWritten = true
	}
	s.slices.Close()
	c := s.Stats()
	dvid.Infof("Read %s slices, decoded %s tiles, %s tile cache hits, uploaded %s cubes (%s)\n",
		dvid.Comma(int64(c.SliceReads)), dvid.Comma(int64(c.TilesDecoded)), dvid.Comma(int64(c.ReadCacheHit)),
		dvid.Comma(int64(c.CubesUploaded)), dvid.Bytes(int64(c.BytesUploaded)))
	return s.fatal
}

// Drain stops starting new sweep, poll and speculative work and makes Run return once
// in-flight work is done.  Needed cubes already admitted still start.
func (s *Scheduler) Drain() {
	s.drainOnce.Do(func() { close(s.drainCh) })
}

// Stop makes Run return immediately.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// post hands a closure to the reactor.  After the reactor exits it is dropped.
func (s *Scheduler) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.done:
	}
}

// fail records a fatal error, which ends Run.
func (s *Scheduler) fail(err error) {
	if s.fatal == nil {
		dvid.Criticalf("Fatal: %v\n", err)
		s.fatal = err
	}
}

// Need admits a cube requested by the server.  It may be called from any goroutine.
func (s *Scheduler) Need(k cube.Key) {
	s.post(func() {
		s.need(k, false)
		s.schedule()
	})
}

// need admits a needed cube.  Admitting a known cube again is a no-op, except that a
// suggested cube is promoted.
func (s *Scheduler) need(k cube.Key, logged bool) {
	if k.Kind != cube.Regular {
		dvid.Warningf("Ignoring request for %s: downsample artifacts are produced by the sweep\n", k)
		return
	}
	if err := s.params.ValidCube(k); err != nil {
		dvid.Warningf("Ignoring request for cube %s: %v\n", k, err)
		return
	}
	j, found := s.jobs[k]
	if found {
		if _, ready := j.state.(*jobReady); ready || j.prio == Needed {
			return
		}
		j.prio = Needed
		switch j.state.(type) {
		case *jobInit:
			j.queue = 0
			s.queues[0].push(j)
		case *jobLoading:
			s.loadingSuggested--
		}
	} else {
		j = &job{key: k, prio: Needed, state: &jobInit{}}
		s.jobs[k] = j
		s.queues[0].push(j)
	}
	j.logged = j.logged || logged
	if !j.logged {
		if err := s.log.Append(statelog.NeededFact(k)); err != nil {
			s.fail(err)
			return
		}
		j.logged = true
	}

	var motion dvid.Point3d
	if last, found := s.lastNeeded[k.Channel]; found {
		motion = k.Offset().Sub(last)
	}
	s.lastNeeded[k.Channel] = k.Offset()
	for _, n := range cube.Neighbors(k, s.params.CubeSizes, s.params.Sizes, motion) {
		s.suggest(n.Key, n.Queue)
	}
}

// Suggest admits a speculative cube into suggested queue 1 or 2.  It may be called
// from any goroutine.
func (s *Scheduler) Suggest(k cube.Key, queue int) {
	if queue != 1 {
		queue = 2
	}
	s.post(func() {
		s.suggest(k, queue)
		s.schedule()
	})
}

// suggest admits a speculative cube into suggested queue 1 or 2.
func (s *Scheduler) suggest(k cube.Key, queue int) {
	if s.draining {
		return
	}
	if _, found := s.jobs[k]; found {
		return
	}
	if s.params.ValidCube(k) != nil {
		return
	}
	j := &job{key: k, prio: Suggested, queue: queue, state: &jobInit{}}
	s.jobs[k] = j
	q := &s.queues[queue]
	q.push(j)
	if q.len() > s.cfg.MaxSuggested {
		q.compact(queue)
	}
	for q.len() > s.cfg.MaxSuggested {
		if old := q.pop(queue); old != nil {
			delete(s.jobs, old.key)
		}
	}
}

// schedule starts loading queued jobs while the budget allows.  While draining only
// needed jobs start.
func (s *Scheduler) schedule() {
	for s.fatal == nil {
		j := s.next()
		if j == nil {
			return
		}
		s.startLoading(j)
	}
}

func (s *Scheduler) next() *job {
	if s.loading >= s.cfg.JobBudget {
		return nil
	}
	if j := s.queues[0].pop(0); j != nil {
		return j
	}
	if s.draining || s.loadingSuggested >= s.cfg.suggestedBudget() {
		return nil
	}
	for q := 1; q <= 2; q++ {
		if j := s.queues[q].pop(q); j != nil {
			return j
		}
	}
	return nil
}

// startLoading moves a job from init to loading and queues its slice reads.
func (s *Scheduler) startLoading(j *job) {
	cs := s.params.CubeSizes
	z0 := j.key.Z
	z1 := min(z0+cs[2], s.params.Sizes[2])
	st := &jobLoading{
		todo:    make(map[int32]struct{}, z1-z0),
		started: time.Now(),
	}
	for z := z0; z < z1; z++ {
		st.todo[z] = struct{}{}
	}
	bufSize := cs.Prod() * int64(s.params.BytesPerSample())
	if buf, done := s.readPartial(j.key, bufSize); buf != nil {
		st.buf = buf
		for _, z := range done {
			delete(st.todo, z)
		}
		dvid.Infof("Resuming cube %s with %d of %d slices already read\n", j.key, len(done), z1-z0)
	} else {
		st.buf = make([]byte, bufSize)
	}
	j.state = st
	s.loading++
	if j.prio == Suggested {
		s.loadingSuggested++
	}
	metrics.CubeJobs.WithLabelValues(fmt.Sprintf("que%d", j.queue)).Inc()
	dvid.Debugf("Loading %s\n", j)

	if len(st.todo) == 0 {
		s.loaded(j, st)
		return
	}
	for z := z0; z < z1; z++ {
		if _, found := st.todo[z]; !found {
			continue
		}
		h, err := s.slices.Acquire(z)
		if err != nil {
			s.fail(err)
			return
		}
		s.inflight++
		z := z
		s.ioPool.Go(s.ctx, func() {
			stats, err := s.readSlice(j.key, st.buf, h, z)
			s.post(func() { s.sliceRead(j, h, z, stats, err) })
		})
	}
}

// sliceRead runs on the reactor when a slice of a loading job has been read.
func (s *Scheduler) sliceRead(j *job, h *slicecache.Handle, z int32, stats readStats, err error) {
	s.inflight--
	s.slices.Release(h)
	if err != nil {
		s.fail(fmt.Errorf("reading slice %d for cube %s: %v", z, j.key, err))
		return
	}
	st, ok := j.state.(*jobLoading)
	if !ok {
		s.fail(fmt.Errorf("slice %d read for %s", z, j))
		return
	}
	delete(st.todo, z)
	st.stats.add(stats)
	if len(st.todo) == 0 {
		s.loaded(j, st)
	}
	s.schedule()
}

// loaded moves a job to ready and hands it to the encoder.
func (s *Scheduler) loaded(j *job, st *jobLoading) {
	s.loading--
	if j.prio == Suggested {
		s.loadingSuggested--
	}
	j.state = &jobReady{}
	s.encodeAndUpload(j, st)
}

func (s *Scheduler) encodeAndUpload(j *job, st *jobLoading) {
	vol := &cube.Volume{
		Size:           s.params.CubeSizes,
		BytesPerSample: s.params.BytesPerSample(),
		Data:           st.buf,
	}
	s.inflight++
	s.cpuPool.Go(s.ctx, func() {
		data, err := s.enc.Encode(vol)
		s.post(func() {
			s.inflight--
			if err != nil {
				s.fail(fmt.Errorf("compressing cube %s: %v", j.key, err))
				return
			}
			s.upload(j, st, data)
		})
	})
}

func (s *Scheduler) upload(j *job, st *jobLoading, data []byte) {
	if s.client == nil {
		s.fail(errors.New("no server to upload to"))
		return
	}
	s.inflight++
	go func() {
		err := s.client.Upload(s.ctx, cube.Format(j.key), data)
		s.post(func() {
			s.inflight--
			if err != nil {
				s.fail(fmt.Errorf("uploading cube %s: %v", j.key, err))
				return
			}
			if err := s.log.Append(statelog.ReadyFact(j.key)); err != nil {
				s.fail(err)
				return
			}
			j.state = &jobReady{uploaded: true}
			s.removePartial(j.key)
			s.counters.cubesUploaded.Add(1)
			s.counters.bytesUploaded.Add(uint64(len(data)))
			metrics.CubesUploaded.Inc()
			metrics.BytesUploaded.Add(float64(len(data)))
			elapsed := time.Since(st.started)
			metrics.CubeDuration.Observe(elapsed.Seconds())
			dvid.Infof("Uploaded %s cube %s: %s compressed, %d tiles (%d cached, %d degraded), %s read, read time %s, total %s\n",
				j.prio, j.key, dvid.Bytes(int64(len(data))), st.stats.tiles, st.stats.hits, st.stats.degraded,
				dvid.Bytes(st.stats.bytes), st.stats.elapsed, elapsed)
		})
	}()
}
