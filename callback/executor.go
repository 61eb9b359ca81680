package callback

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/hupe1980/taskmesh/logging"
)

// executor runs push callbacks on a fixed number of goroutines. Jobs are
// sharded by task id, so the callbacks of one task run one at a time in the
// order they were submitted. Submitting never blocks; each shard buffers
// its backlog.
type executor struct {
	shards []*shard
	logger logging.Logger
	wg     sync.WaitGroup
}

type job struct {
	kind string
	id   string
	fn   func()
}

type shard struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []job
	closed bool
}

func newExecutor(size int, logger logging.Logger) *executor {
	e := &executor{shards: make([]*shard, size), logger: logger}
	for i := range e.shards {
		s := &shard{}
		s.cond = sync.NewCond(&s.mu)
		e.shards[i] = s

		e.wg.Add(1)
		go e.run(s)
	}
	return e
}

func (e *executor) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// submit queues j. It returns false once the executor is closed.
func (e *executor) submit(j job) bool {
	s := e.shardFor(j.id)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()

	s.cond.Signal()
	return true
}

func (e *executor) run(s *shard) {
	defer e.wg.Done()

	for {
		s.mu.Lock()
		for len(s.jobs) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.jobs) == 0 {
			s.mu.Unlock()
			return
		}
		j := s.jobs[0]
		s.jobs[0] = job{}
		s.jobs = s.jobs[1:]
		s.mu.Unlock()

		e.call(j)
	}
}

func (e *executor) call(j job) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Task callback panicked", "callback", j.kind, "task_id", j.id, "panic", fmt.Sprint(r))
		}
	}()
	j.fn()
}

// close rejects further jobs and waits until the backlog has run.
func (e *executor) close() {
	for _, s := range e.shards {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cond.Broadcast()
	}
	e.wg.Wait()
}
