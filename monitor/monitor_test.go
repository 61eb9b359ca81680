package monitor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/lifecycle"
)

// Compile-time check.
var _ lifecycle.StatusListener = (*Monitor)(nil)

// run feeds a task through the usual path ending in final.
func run(m *Monitor, taskType string, final core.TaskStatus) *core.Task {
	tk := core.NewTask(taskType)
	m.OnStatusChange(tk, "", core.TaskStatusPending)
	m.OnStatusChange(tk, core.TaskStatusPending, core.TaskStatusProcessing)
	m.OnStatusChange(tk, core.TaskStatusProcessing, core.TaskStatusExecuting)
	m.OnStatusChange(tk, core.TaskStatusExecuting, final)
	return tk
}

func TestMonitor_TracksTaskMetrics(t *testing.T) {
	m := New()

	tk := run(m, "search", core.TaskStatusCompleted)

	tm, ok := m.TaskMetrics(tk.ID())
	require.True(t, ok)
	assert.Equal(t, "search", tm.TaskType)
	assert.Len(t, tm.History, 4)
	assert.Equal(t, core.TaskStatusCompleted, tm.FinalStatus)
	assert.False(t, tm.StartedAt.IsZero())
	assert.GreaterOrEqual(t, tm.ProcessingTime, time.Duration(0))

	// Transitions after the terminal one are ignored.
	m.OnStatusChange(tk, core.TaskStatusCompleted, core.TaskStatusFailed)
	ts, ok := m.TypeStats("search")
	require.True(t, ok)
	assert.EqualValues(t, 1, ts.Total)
	assert.EqualValues(t, 1, ts.Succeeded)
	assert.EqualValues(t, 0, ts.Failed)
	assert.InDelta(t, 1.0, ts.SuccessRate, 1e-9)
}

func TestMonitor_ReportAggregatesTypes(t *testing.T) {
	m := New()

	for i := 0; i < 3; i++ {
		run(m, "search", core.TaskStatusCompleted)
	}
	run(m, "batch", core.TaskStatusFailed)
	run(m, "batch", core.TaskStatusCancelled)

	active := core.NewTask("search")
	m.OnStatusChange(active, "", core.TaskStatusPending)

	r := m.Report()
	assert.EqualValues(t, 6, r.TotalTasks)
	assert.Equal(t, 1, r.ActiveTasks)
	assert.EqualValues(t, 3, r.Succeeded)
	assert.EqualValues(t, 1, r.Failed)
	assert.EqualValues(t, 1, r.Cancelled)
	assert.InDelta(t, 0.75, r.SuccessRate, 1e-9)
	assert.EqualValues(t, 4, r.Types["search"].Total)
	assert.EqualValues(t, 1, r.Types["batch"].Cancelled)
	assert.Greater(t, r.Types["search"].ThroughputPerMinute, 0.0)

	// Below the minimum sample size no success-rate anomaly is raised.
	assert.False(t, r.HasAnomaly(AnomalyLowSuccessRate))
}

func TestMonitor_SuccessRateAnomalies(t *testing.T) {
	m := New()

	for i := 0; i < 5; i++ {
		run(m, "flaky", core.TaskStatusFailed)
	}
	for i := 0; i < 5; i++ {
		run(m, "stable", core.TaskStatusCompleted)
	}

	r := m.Report()
	assert.InDelta(t, 0.5, r.SuccessRate, 1e-9)
	assert.True(t, r.HasAnomaly(AnomalyLowSuccessRate))
	assert.True(t, r.HasAnomaly(AnomalyLowTypeSuccessRate))

	var flagged []string
	for _, a := range r.Anomalies {
		if a.Kind == AnomalyLowTypeSuccessRate {
			flagged = append(flagged, a.TaskType)
		}
	}
	assert.Equal(t, []string{"flaky"}, flagged)
}

func TestMonitor_LatencyAnomaly(t *testing.T) {
	m := New(func(o *Options) { o.LatencyThreshold = time.Millisecond })

	tk := core.NewTask("slow")
	m.OnStatusChange(tk, "", core.TaskStatusPending)
	m.OnStatusChange(tk, core.TaskStatusPending, core.TaskStatusProcessing)
	time.Sleep(5 * time.Millisecond)
	m.OnStatusChange(tk, core.TaskStatusProcessing, core.TaskStatusFailed)

	assert.True(t, m.Report().HasAnomaly(AnomalyHighLatency))
}

func TestMonitor_PurgeKeepsAggregates(t *testing.T) {
	m := New(func(o *Options) { o.RetentionWindow = time.Minute })

	done := run(m, "search", core.TaskStatusCompleted)
	live := core.NewTask("search")
	m.OnStatusChange(live, "", core.TaskStatusPending)

	assert.Equal(t, 1, m.Purge(time.Now().Add(2*time.Minute)))

	_, ok := m.TaskMetrics(done.ID())
	assert.False(t, ok)
	_, ok = m.TaskMetrics(live.ID())
	assert.True(t, ok)

	ts, _ := m.TypeStats("search")
	assert.EqualValues(t, 1, ts.Succeeded)
}

func TestMonitor_ListenersReceiveReportsAndPanicsAreContained(t *testing.T) {
	m := New()

	var calls atomic.Int32
	m.AddMonitoringListener(func(PerformanceReport) { panic("bad listener") })
	m.AddMonitoringListener(func(r PerformanceReport) {
		calls.Add(1)
		assert.EqualValues(t, 1, r.TotalTasks)
	})

	run(m, "search", core.TaskStatusCompleted)

	assert.NotPanics(t, func() { m.Tick(time.Now()) })
	assert.EqualValues(t, 1, calls.Load())
}

func TestMonitor_PeriodicLoop(t *testing.T) {
	m := New(func(o *Options) { o.ReportInterval = 10 * time.Millisecond })

	var calls atomic.Int32
	m.AddMonitoringListener(func(PerformanceReport) { calls.Add(1) })
	m.Start()
	defer m.Stop()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestMonitor_AsLifecycleListener(t *testing.T) {
	lm := lifecycle.New()
	defer lm.Close()

	m := New()
	lm.AddStatusListener(m)

	tk := core.NewTask("search")
	require.True(t, lm.StartTracking(tk))
	require.True(t, lm.Advance(tk, core.TaskStatusExecuting))
	require.True(t, lm.Restart(tk.ID()))
	require.True(t, lm.Advance(tk, core.TaskStatusCompleted))

	tm, ok := m.TaskMetrics(tk.ID())
	require.True(t, ok)
	assert.Equal(t, core.TaskStatusCompleted, tm.FinalStatus)
	assert.Len(t, tm.History, 7)

	ts, _ := m.TypeStats("search")
	assert.EqualValues(t, 1, ts.Total)
}
