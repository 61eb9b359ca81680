package subagent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceManager_Accounting(t *testing.T) {
	r := NewResourceManager()

	r.Register("w1", "search", 100, 1)
	r.Register("w2", "search", 50, 2)
	r.Register("w3", "batch", 10, 0)

	assert.Equal(t, ResourceUsage{MemoryBytes: 160, Connections: 3, Instances: 3}, r.Usage())
	assert.Equal(t, ResourceUsage{MemoryBytes: 150, Connections: 3, Instances: 2}, r.TypeUsage("search"))

	assert.True(t, r.Update("w1", 200, 0))
	assert.False(t, r.Update("missing", 1, 1))
	assert.Equal(t, ResourceUsage{MemoryBytes: 250, Connections: 2, Instances: 2}, r.TypeUsage("search"))

	assert.True(t, r.Release("w3"))
	assert.False(t, r.Release("w3"))
	assert.Equal(t, ResourceUsage{}, r.TypeUsage("batch"))
	assert.Equal(t, ResourceUsage{MemoryBytes: 250, Connections: 2, Instances: 2}, r.Usage())
}

func TestResourceManager_ReRegisterReplaces(t *testing.T) {
	r := NewResourceManager()

	r.Register("w1", "search", 100, 1)
	r.Register("w1", "search", 10, 0)

	assert.Equal(t, ResourceUsage{MemoryBytes: 10, Connections: 0, Instances: 1}, r.Usage())
}

func TestResourceManager_CleanupIdle(t *testing.T) {
	r := NewResourceManager()

	r.Register("old", "search", 100, 1)
	time.Sleep(20 * time.Millisecond)
	r.Register("new", "search", 10, 0)

	assert.Equal(t, 1, r.CleanupIdle(10*time.Millisecond))
	assert.Equal(t, ResourceUsage{MemoryBytes: 10, Connections: 0, Instances: 1}, r.Usage())

	assert.True(t, r.Touch("new"))
	assert.False(t, r.Touch("old"))
}
