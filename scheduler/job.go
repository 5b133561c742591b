package scheduler

import (
	"fmt"
	"time"

	"github.com/janelia-flyem/slicecube/cube"
)

// Priority of a cube job.
type Priority uint8

const (
	Suggested Priority = iota
	Needed
)

func (p Priority) String() string {
	if p == Needed {
		return "needed"
	}
	return "suggested"
}

// jobState is one of *jobInit, *jobLoading or *jobReady.
type jobState interface {
	isJobState()
}

type jobInit struct{}

type jobLoading struct {
	todo    map[int32]struct{} // slices still to read
	buf     []byte
	started time.Time
	stats   readStats
}

type jobReady struct {
	uploaded bool
}

func (*jobInit) isJobState()    {}
func (*jobLoading) isJobState() {}
func (*jobReady) isJobState()   {}

// job is owned by the reactor.
type job struct {
	key    cube.Key
	prio   Priority
	queue  int  // queue holding the job while in init
	logged bool // cube-needed was appended
	state  jobState
}

func (j *job) String() string {
	var state string
	switch s := j.state.(type) {
	case *jobInit:
		state = "init"
	case *jobLoading:
		state = fmt.Sprintf("loading, %d slices to go", len(s.todo))
	case *jobReady:
		state = "ready"
		if s.uploaded {
			state = "uploaded"
		}
	}
	return fmt.Sprintf("%s cube %s (%s)", j.prio, j.key, state)
}

// readStats accumulate for a job over its slice reads.
type readStats struct {
	bytes    int64
	tiles    int
	hits     int
	degraded int
	elapsed  time.Duration
}

func (s *readStats) add(o readStats) {
	s.bytes += o.bytes
	s.tiles += o.tiles
	s.hits += o.hits
	s.degraded += o.degraded
	s.elapsed += o.elapsed
}

// fifo is a queue of init jobs.  Jobs that left the queue by promotion stay in it
// and are skipped when popped.
type fifo struct {
	jobs []*job
}

func (q *fifo) push(j *job) {
	q.jobs = append(q.jobs, j)
}

func (q *fifo) len() int {
	return len(q.jobs)
}

// pop returns the oldest job still waiting in queue n.
func (q *fifo) pop(n int) *job {
	for len(q.jobs) > 0 {
		j := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		if q.waiting(j, n) {
			return j
		}
	}
	return nil
}

// compact drops the jobs no longer waiting in queue n, keeping the order of the rest.
func (q *fifo) compact(n int) {
	live := q.jobs[:0]
	for _, j := range q.jobs {
		if q.waiting(j, n) {
			live = append(live, j)
		}
	}
	clear(q.jobs[len(live):])
	q.jobs = live
}

func (q *fifo) waiting(j *job, n int) bool {
	_, isInit := j.state.(*jobInit)
	return isInit && j.queue == n
}
