// Package monitor derives task metrics from lifecycle transitions.
//
// A Monitor is registered as a lifecycle status listener. It never owns task
// state and never fails the pipeline: panics inside the monitor or inside
// monitoring listeners are recovered and logged.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Options configures a Monitor.
type Options struct {
	// RetentionWindow is how long metrics of finished tasks are kept.
	RetentionWindow time.Duration
	// ReportInterval is the period of the purge/report loop.
	ReportInterval time.Duration
	// SuccessRateThreshold is the minimum acceptable success ratio.
	SuccessRateThreshold float64
	// MinSamples is the number of finished tasks required before the overall
	// success rate is judged.
	MinSamples int
	// TypeMinSamples is the same for a single task type.
	TypeMinSamples int
	// LatencyThreshold is the maximum acceptable average processing time.
	LatencyThreshold time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// DefaultOptions are applied before option functions run.
var DefaultOptions = Options{
	RetentionWindow:      time.Hour,
	ReportInterval:       time.Minute,
	SuccessRateThreshold: 0.8,
	MinSamples:           10,
	TypeMinSamples:       5,
	LatencyThreshold:     30 * time.Second,
}

// Listener receives every periodic performance report.
type Listener func(report PerformanceReport)

// StatusChange is one entry of a task's metric history.
type StatusChange struct {
	Status    core.TaskStatus `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskMetrics is the metric record of a single task.
type TaskMetrics struct {
	TaskID         string          `json:"task_id"`
	TaskType       string          `json:"task_type"`
	History        []StatusChange  `json:"history"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        time.Time       `json:"ended_at"`
	FinalStatus    core.TaskStatus `json:"final_status,omitempty"`
	ProcessingTime time.Duration   `json:"processing_time"`
}

// Finished reports whether the task reached a terminal status.
func (m *TaskMetrics) Finished() bool { return m.FinalStatus != "" }

// TypeStats aggregates the metrics of one task type.
type TypeStats struct {
	TaskType              string        `json:"task_type"`
	Total                 uint64        `json:"total"`
	Succeeded             uint64        `json:"succeeded"`
	Failed                uint64        `json:"failed"`
	Cancelled             uint64        `json:"cancelled"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	SuccessRate           float64       `json:"success_rate"`
	ThroughputPerMinute   float64       `json:"throughput_per_minute"`

	firstFinished time.Time
}

// Finished returns how many tasks of the type succeeded or failed.
func (s TypeStats) Finished() uint64 { return s.Succeeded + s.Failed }

// Monitor collects per-task and per-type metrics.
type Monitor struct {
	opts Options

	mu      sync.RWMutex
	metrics map[string]*TaskMetrics
	types   map[string]*TypeStats

	listenersMu sync.RWMutex
	listeners   []Listener

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Monitor. Call Start to run the periodic report loop.
func New(optFns ...func(o *Options)) *Monitor {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = DefaultOptions.ReportInterval
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Monitor{
		opts:    opts,
		metrics: make(map[string]*TaskMetrics),
		types:   make(map[string]*TypeStats),
		stop:    make(chan struct{}),
	}
}

// Start runs the purge/report loop until Stop is called.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop ends the report loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
	})
}

// AddMonitoringListener registers fn for every periodic report.
func (m *Monitor) AddMonitoringListener(fn Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnStatusChange records a transition. It satisfies lifecycle.StatusListener.
func (m *Monitor) OnStatusChange(task *core.Task, from, to core.TaskStatus) {
	defer func() {
		if r := recover(); r != nil {
			m.opts.Logger.Error("Monitor failed to record transition", "task_id", task.ID(), "panic", fmt.Sprint(r))
		}
	}()

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	tm, ok := m.metrics[task.ID()]
	if !ok || (from == "" && tm.Finished()) {
		tm = &TaskMetrics{TaskID: task.ID(), TaskType: task.Type(), SubmittedAt: now}
		m.metrics[task.ID()] = tm
		m.typeStats(task.Type()).Total++
	}
	if tm.Finished() {
		return
	}

	tm.History = append(tm.History, StatusChange{Status: to, Timestamp: now})

	switch {
	case to == core.TaskStatusPending && from != "":
		// Restarted for a retry; the processing clock starts over.
		tm.StartedAt = time.Time{}
	case to == core.TaskStatusProcessing && tm.StartedAt.IsZero():
		tm.StartedAt = now
	case to.IsTerminal():
		m.finish(tm, to, now)
	}
}

func (m *Monitor) finish(tm *TaskMetrics, status core.TaskStatus, now time.Time) {
	start := tm.StartedAt
	if start.IsZero() {
		start = tm.SubmittedAt
	}
	tm.EndedAt = now
	tm.FinalStatus = status
	tm.ProcessingTime = now.Sub(start)

	ts := m.typeStats(tm.TaskType)
	if ts.firstFinished.IsZero() {
		ts.firstFinished = now
	}

	switch status {
	case core.TaskStatusCancelled:
		ts.Cancelled++
		return
	case core.TaskStatusCompleted:
		ts.Succeeded++
	default:
		ts.Failed++
	}

	n := ts.Finished()
	ts.AverageProcessingTime += (tm.ProcessingTime - ts.AverageProcessingTime) / time.Duration(n)
}

func (m *Monitor) typeStats(taskType string) *TypeStats {
	ts, ok := m.types[taskType]
	if !ok {
		ts = &TypeStats{TaskType: taskType}
		m.types[taskType] = ts
	}
	return ts
}

// TaskMetrics returns a copy of the metric record of a task.
func (m *Monitor) TaskMetrics(id string) (TaskMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tm, ok := m.metrics[id]
	if !ok {
		return TaskMetrics{}, false
	}
	out := *tm
	out.History = append([]StatusChange(nil), tm.History...)
	return out, true
}

// TypeStats returns the aggregate of one task type.
func (m *Monitor) TypeStats(taskType string) (TypeStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ts, ok := m.types[taskType]
	if !ok {
		return TypeStats{}, false
	}
	return ts.snapshot(time.Now()), true
}

func (s *TypeStats) snapshot(now time.Time) TypeStats {
	out := *s
	if n := s.Finished(); n > 0 {
		out.SuccessRate = float64(s.Succeeded) / float64(n)
		elapsed := now.Sub(s.firstFinished)
		if elapsed < time.Minute {
			elapsed = time.Minute
		}
		out.ThroughputPerMinute = float64(n) / elapsed.Minutes()
	}
	return out
}

// Purge drops metrics of tasks that finished more than the retention window
// before now and returns how many were dropped. Type aggregates are kept.
func (m *Monitor) Purge(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, tm := range m.metrics {
		if tm.Finished() && now.Sub(tm.EndedAt) > m.opts.RetentionWindow {
			delete(m.metrics, id)
			n++
		}
	}
	return n
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.Tick(now)
		}
	}
}

// Tick runs one purge/report cycle: stale metrics are purged, a report is
// built, anomalies are logged and the report is handed to every monitoring
// listener. It is driven by the report loop and exported for tests.
func (m *Monitor) Tick(now time.Time) PerformanceReport {
	if n := m.Purge(now); n > 0 {
		m.opts.Logger.Debug("Purged task metrics", "count", n)
	}

	start := time.Now()
	report := m.report(now)
	logging.LogPerformance(m.opts.Logger, "performance_report", time.Since(start), map[string]any{
		"total_tasks":  report.TotalTasks,
		"success_rate": report.SuccessRate,
		"anomalies":    len(report.Anomalies),
	})
	for _, a := range report.Anomalies {
		m.opts.Logger.Warn("Performance anomaly", "kind", a.Kind, "task_type", a.TaskType,
			"value", a.Value, "threshold", a.Threshold)
	}

	m.listenersMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		m.notify(l, report)
	}

	return report
}

func (m *Monitor) notify(l Listener, report PerformanceReport) {
	defer func() {
		if r := recover(); r != nil {
			m.opts.Logger.Error("Monitoring listener panicked", "panic", fmt.Sprint(r))
		}
	}()
	l(report)
}
