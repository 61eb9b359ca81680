package subagent

import (
	"sync"
	"time"
)

// ResourceUsage is an accounting snapshot.
type ResourceUsage struct {
	MemoryBytes int64 `json:"memory_bytes"`
	Connections int   `json:"connections"`
	Instances   int   `json:"instances"`
}

// ResourceReporter is implemented by workers that know their footprint.
type ResourceReporter interface {
	MemoryBytes() int64
	Connections() int
}

type attribution struct {
	workerType  string
	memoryBytes int64
	connections int
	updatedAt   time.Time
}

// ResourceManager attributes memory and connection counts to live worker
// instances, globally and per type. It only observes; it never caps
// allocation.
type ResourceManager struct {
	mu     sync.RWMutex
	byID   map[string]*attribution
	total  ResourceUsage
	byType map[string]*ResourceUsage
}

// NewResourceManager creates an empty ResourceManager.
func NewResourceManager() *ResourceManager {
	return &ResourceManager{
		byID:   make(map[string]*attribution),
		byType: make(map[string]*ResourceUsage),
	}
}

// Register attributes resources to a worker instance. Registering a known id
// replaces its previous attribution.
func (r *ResourceManager) Register(id, workerType string, memoryBytes int64, connections int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.release(id)

	a := &attribution{
		workerType:  workerType,
		memoryBytes: memoryBytes,
		connections: connections,
		updatedAt:   time.Now(),
	}
	r.byID[id] = a
	r.add(a, 1)
}

// Update changes the attribution of a registered instance and refreshes its
// timestamp. It returns false for unknown ids.
func (r *ResourceManager) Update(id string, memoryBytes int64, connections int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return false
	}
	r.sub(a, 0)
	a.memoryBytes = memoryBytes
	a.connections = connections
	a.updatedAt = time.Now()
	r.add(a, 0)

	return true
}

// Touch refreshes the timestamp of a registered instance.
func (r *ResourceManager) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if ok {
		a.updatedAt = time.Now()
	}
	return ok
}

// Release drops the attribution of an instance.
func (r *ResourceManager) Release(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.release(id)
}

// CleanupIdle drops attributions not updated within timeout, treating them
// as leaked. It returns how many were dropped.
func (r *ResourceManager) CleanupIdle(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	n := 0
	for id, a := range r.byID {
		if a.updatedAt.Before(cutoff) {
			r.release(id)
			n++
		}
	}
	return n
}

// Usage returns the global totals.
func (r *ResourceManager) Usage() ResourceUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// TypeUsage returns the totals of one worker type.
func (r *ResourceManager) TypeUsage(workerType string) ResourceUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.byType[workerType]; ok {
		return *u
	}
	return ResourceUsage{}
}

func (r *ResourceManager) release(id string) bool {
	a, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	r.sub(a, 1)
	return true
}

func (r *ResourceManager) add(a *attribution, instances int) {
	u, ok := r.byType[a.workerType]
	if !ok {
		u = &ResourceUsage{}
		r.byType[a.workerType] = u
	}
	for _, t := range []*ResourceUsage{&r.total, u} {
		t.MemoryBytes += a.memoryBytes
		t.Connections += a.connections
		t.Instances += instances
	}
}

func (r *ResourceManager) sub(a *attribution, instances int) {
	u := r.byType[a.workerType]
	for _, t := range []*ResourceUsage{&r.total, u} {
		if t == nil {
			continue
		}
		t.MemoryBytes -= a.memoryBytes
		t.Connections -= a.connections
		t.Instances -= instances
	}
	if u != nil && u.Instances == 0 {
		delete(r.byType, a.workerType)
	}
}
