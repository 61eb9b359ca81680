package subagent

import (
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// MaxSize bounds the number of instances (available plus borrowed).
	MaxSize int
	// MaxAvailable bounds the available set. Defaults to MaxSize.
	MaxAvailable int
	// IdleTimeout evicts instances that have been inactive for longer.
	// Zero disables idle eviction.
	IdleTimeout time.Duration
	// OnDestroy is called after an instance was shut down by the pool.
	OnDestroy func(w core.Worker)
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// DefaultPoolOptions are applied before option functions run.
var DefaultPoolOptions = PoolOptions{
	MaxSize:     10,
	IdleTimeout: 5 * time.Minute,
}

// PoolStatistics is computed on demand.
type PoolStatistics struct {
	WorkerType  string  `json:"worker_type"`
	Total       int     `json:"total"`
	Available   int     `json:"available"`
	Borrowed    int     `json:"borrowed"`
	Healthy     int     `json:"healthy"`
	Utilization float64 `json:"utilization"`
	Created     uint64  `json:"created"`
	Destroyed   uint64  `json:"destroyed"`
}

// Pool holds the instances of one worker type. The available set is a
// buffered channel; the master list and borrow bookkeeping are guarded by a
// mutex. An instance is either in the available set or lent out, never both.
type Pool struct {
	workerType string
	opts       PoolOptions

	available chan core.Worker
	// sweep lets CleanupIdle drain the available set without a concurrent
	// Borrow finding it empty. Borrows share it.
	sweep sync.RWMutex

	mu        sync.Mutex
	all       map[string]core.Worker
	borrowed  map[string]struct{}
	created   uint64
	destroyed uint64
	closed    bool
}

// NewPool creates an empty pool for workerType.
func NewPool(workerType string, optFns ...func(o *PoolOptions)) *Pool {
	opts := DefaultPoolOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultPoolOptions.MaxSize
	}
	if opts.MaxAvailable <= 0 || opts.MaxAvailable > opts.MaxSize {
		opts.MaxAvailable = opts.MaxSize
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Pool{
		workerType: workerType,
		opts:       opts,
		available:  make(chan core.Worker, opts.MaxAvailable),
		all:        make(map[string]core.Worker),
		borrowed:   make(map[string]struct{}),
	}
}

// Type returns the worker type served by the pool.
func (p *Pool) Type() string { return p.workerType }

// Borrow takes a usable instance from the available set. Unhealthy or idle
// instances found on the way are destroyed. It returns nil when no usable
// instance is available; it never blocks.
func (p *Pool) Borrow() core.Worker {
	p.sweep.RLock()
	defer p.sweep.RUnlock()

	for {
		var w core.Worker
		select {
		case w = <-p.available:
		default:
			return nil
		}

		if !p.usable(w, time.Now()) {
			p.destroy(w)
			continue
		}

		p.mu.Lock()
		if _, known := p.all[w.ID()]; !known {
			// Forgotten by a concurrent Shutdown.
			p.mu.Unlock()
			p.shutdownWorker(w)
			continue
		}
		p.borrowed[w.ID()] = struct{}{}
		p.mu.Unlock()

		return w
	}
}

// Add registers a freshly created instance as lent to the caller, who must
// hand it back with Return. It fails when the pool is closed, full or the
// instance has the wrong type.
func (p *Pool) Add(w core.Worker) bool {
	if w == nil || w.Type() != p.workerType {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.all) >= p.opts.MaxSize {
		return false
	}
	if _, dup := p.all[w.ID()]; dup {
		return false
	}
	p.all[w.ID()] = w
	p.borrowed[w.ID()] = struct{}{}
	p.created++

	return true
}

// CanGrow reports whether Add would accept another instance.
func (p *Pool) CanGrow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && len(p.all) < p.opts.MaxSize
}

// Return hands a borrowed instance back. Unhealthy instances, and instances
// that do not fit into the available set, are destroyed instead of pooled.
// It reports whether the instance re-entered the available set.
func (p *Pool) Return(w core.Worker) bool {
	if w == nil {
		return false
	}
	if w.Type() != p.workerType {
		p.opts.Logger.Warn("Returned worker has wrong type", "worker_id", w.ID(), "worker_type", w.Type(), "pool", p.workerType)
		return false
	}

	p.mu.Lock()
	if _, lent := p.borrowed[w.ID()]; !lent {
		p.mu.Unlock()
		return false
	}
	delete(p.borrowed, w.ID())

	if p.closed || !w.Status().IsHealthy() {
		p.mu.Unlock()
		p.destroy(w)
		return false
	}

	select {
	case p.available <- w:
		p.mu.Unlock()
		return true
	default:
		p.mu.Unlock()
		p.destroy(w)
		return false
	}
}

// CleanupIdle destroys available instances that are unhealthy or idle for
// longer than the idle timeout. It returns how many were destroyed.
func (p *Pool) CleanupIdle() int {
	now := time.Now()

	p.sweep.Lock()
	var keep, evict []core.Worker
drain:
	for {
		select {
		case w := <-p.available:
			if p.usable(w, now) {
				keep = append(keep, w)
			} else {
				evict = append(evict, w)
			}
		default:
			break drain
		}
	}

	for _, w := range keep {
		select {
		case p.available <- w:
		default:
			evict = append(evict, w)
		}
	}
	p.sweep.Unlock()

	for _, w := range evict {
		p.destroy(w)
	}

	if len(evict) > 0 {
		p.opts.Logger.Debug("Evicted idle workers", "pool", p.workerType, "count", len(evict))
	}

	return len(evict)
}

// Statistics returns the current pool counters.
func (p *Pool) Statistics() PoolStatistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStatistics{
		WorkerType: p.workerType,
		Total:      len(p.all),
		Available:  len(p.available),
		Borrowed:   len(p.borrowed),
		Created:    p.created,
		Destroyed:  p.destroyed,
	}
	for _, w := range p.all {
		if w.Status().IsHealthy() {
			s.Healthy++
		}
	}
	if s.Total > 0 {
		s.Utilization = float64(s.Borrowed) / float64(s.Total)
	}
	return s
}

// Shutdown destroys every available instance and forgets borrowed ones;
// their holders are responsible for shutting them down.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.all = make(map[string]core.Worker)
	p.borrowed = make(map[string]struct{})
	p.mu.Unlock()

	for {
		select {
		case w := <-p.available:
			p.shutdownWorker(w)
		default:
			return
		}
	}
}

func (p *Pool) usable(w core.Worker, now time.Time) bool {
	if !w.Status().IsHealthy() || !w.IsAvailable() {
		return false
	}
	if p.opts.IdleTimeout > 0 && now.Sub(w.LastActivityTime()) > p.opts.IdleTimeout {
		return false
	}
	return true
}

func (p *Pool) destroy(w core.Worker) {
	p.mu.Lock()
	delete(p.all, w.ID())
	delete(p.borrowed, w.ID())
	p.destroyed++
	p.mu.Unlock()

	p.shutdownWorker(w)
}

func (p *Pool) shutdownWorker(w core.Worker) {
	if err := w.Shutdown(); err != nil {
		p.opts.Logger.Warn("Worker shutdown failed", "worker_id", w.ID(), "pool", p.workerType, "error", err)
	}
	if p.opts.OnDestroy != nil {
		p.opts.OnDestroy(w)
	}
}
