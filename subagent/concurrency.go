package subagent

import (
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/logging"
)

// ConcurrencyOptions configures a ConcurrencyController.
type ConcurrencyOptions struct {
	// GlobalMax is split evenly across types without an explicit limit.
	GlobalMax int
	// TypeLimits sets explicit per-type ceilings.
	TypeLimits map[string]int
	// QueueCapacity is the global bound used by IsQueueFull.
	QueueCapacity int
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// DefaultConcurrencyOptions are applied before option functions run.
var DefaultConcurrencyOptions = ConcurrencyOptions{
	GlobalMax:     10,
	QueueCapacity: 100,
}

// TypeLoadStats describes the load of one worker type.
type TypeLoadStats struct {
	WorkerType            string        `json:"worker_type"`
	Active                int           `json:"active"`
	Limit                 int           `json:"limit"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	TotalTasks            uint64        `json:"total_tasks"`
	QueueDepth            int           `json:"queue_depth"`
	LoadScore             float64       `json:"load_score"`
}

type typeLoad struct {
	active     int
	avg        time.Duration
	total      uint64
	queueDepth int
}

func (l *typeLoad) score() float64 {
	return float64(l.active) * float64(l.avg)
}

// ConcurrencyController tracks per-type concurrency and picks the least
// loaded type among candidates.
type ConcurrencyController struct {
	opts ConcurrencyOptions

	mu    sync.RWMutex
	types map[string]*typeLoad
}

// NewConcurrencyController creates a controller.
func NewConcurrencyController(optFns ...func(o *ConcurrencyOptions)) *ConcurrencyController {
	opts := DefaultConcurrencyOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.GlobalMax <= 0 {
		opts.GlobalMax = DefaultConcurrencyOptions.GlobalMax
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &ConcurrencyController{
		opts:  opts,
		types: make(map[string]*typeLoad),
	}
}

// RegisterType starts tracking workerType. Types are also registered
// implicitly on first use.
func (c *ConcurrencyController) RegisterType(workerType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load(workerType)
}

// load returns the tracking record of workerType, creating it if needed.
// Callers hold the write lock.
func (c *ConcurrencyController) load(workerType string) *typeLoad {
	l, ok := c.types[workerType]
	if !ok {
		l = &typeLoad{}
		c.types[workerType] = l
	}
	return l
}

// limit returns the ceiling of workerType. Callers hold a lock.
func (c *ConcurrencyController) limit(workerType string) int {
	if n, ok := c.opts.TypeLimits[workerType]; ok && n > 0 {
		return n
	}
	types := len(c.types)
	if _, known := c.types[workerType]; !known {
		types++
	}
	n := c.opts.GlobalMax / types
	if n < 1 {
		n = 1
	}
	return n
}

// CanExecute reports whether another task of workerType may start.
func (c *ConcurrencyController) CanExecute(workerType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	active := 0
	if l, ok := c.types[workerType]; ok {
		active = l.active
	}
	return active < c.limit(workerType)
}

// Acquire reserves an execution slot for workerType. It returns false at
// the ceiling.
func (c *ConcurrencyController) Acquire(workerType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.load(workerType)
	if l.active >= c.limit(workerType) {
		c.opts.Logger.Debug("Concurrency limit reached", "worker_type", workerType, "active", l.active)
		return false
	}
	l.active++
	return true
}

// Release frees a slot after a task ran for processingTime and folds the
// time into the running average.
func (c *ConcurrencyController) Release(workerType string, processingTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.load(workerType)
	if l.active > 0 {
		l.active--
	}
	l.total++
	l.avg += (processingTime - l.avg) / time.Duration(l.total)
}

// Abort frees a slot whose task never ran. The average is not touched.
func (c *ConcurrencyController) Abort(workerType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.types[workerType]; ok && l.active > 0 {
		l.active--
	}
}

// SelectOptimalType returns the candidate with the lowest load score
// (active count times average processing time). Ties go to the earlier
// candidate. ok is false for an empty candidate list.
func (c *ConcurrencyController) SelectOptimalType(candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	best := candidates[0]
	bestScore := c.score(best)
	for _, t := range candidates[1:] {
		if s := c.score(t); s < bestScore {
			best, bestScore = t, s
		}
	}
	return best, true
}

func (c *ConcurrencyController) score(workerType string) float64 {
	if l, ok := c.types[workerType]; ok {
		return l.score()
	}
	return 0
}

// ReportQueueDepth records the external queue depth of workerType.
func (c *ConcurrencyController) ReportQueueDepth(workerType string, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load(workerType).queueDepth = depth
}

// IsQueueFull reports whether the reported queue depth plus the active
// count of workerType has reached the global queue capacity.
func (c *ConcurrencyController) IsQueueFull(workerType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.opts.QueueCapacity <= 0 {
		return false
	}
	l, ok := c.types[workerType]
	if !ok {
		return false
	}
	return l.queueDepth+l.active >= c.opts.QueueCapacity
}

// LoadStats returns the load of workerType.
func (c *ConcurrencyController) LoadStats(workerType string) (TypeLoadStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.types[workerType]
	if !ok {
		return TypeLoadStats{}, false
	}
	return c.stats(workerType, l), true
}

// AllLoadStats returns the load of every known type ordered by name.
func (c *ConcurrencyController) AllLoadStats() []TypeLoadStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TypeLoadStats, 0, len(c.types))
	for t, l := range c.types {
		out = append(out, c.stats(t, l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerType < out[j].WorkerType })
	return out
}

func (c *ConcurrencyController) stats(workerType string, l *typeLoad) TypeLoadStats {
	return TypeLoadStats{
		WorkerType:            workerType,
		Active:                l.active,
		Limit:                 c.limit(workerType),
		AverageProcessingTime: l.avg,
		TotalTasks:            l.total,
		QueueDepth:            l.queueDepth,
		LoadScore:             l.score(),
	}
}
