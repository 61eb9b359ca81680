package monitor

import (
	"fmt"
	"sort"
	"time"
)

// AnomalyKind labels a qualitative performance signal.
type AnomalyKind string

const (
	// AnomalyLowSuccessRate is raised when the overall success rate is below threshold.
	AnomalyLowSuccessRate AnomalyKind = "LOW_SUCCESS_RATE"
	// AnomalyHighLatency is raised when the average processing time is above threshold.
	AnomalyHighLatency AnomalyKind = "HIGH_LATENCY"
	// AnomalyLowTypeSuccessRate is raised for a single task type with a low success rate.
	AnomalyLowTypeSuccessRate AnomalyKind = "LOW_TYPE_SUCCESS_RATE"
)

// Anomaly is one signal raised by a report.
type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	TaskType  string      `json:"task_type,omitempty"`
	Value     float64     `json:"value"`
	Threshold float64     `json:"threshold"`
	Message   string      `json:"message"`
}

// PerformanceReport summarises the metrics known at GeneratedAt.
type PerformanceReport struct {
	GeneratedAt           time.Time            `json:"generated_at"`
	TotalTasks            uint64               `json:"total_tasks"`
	ActiveTasks           int                  `json:"active_tasks"`
	Succeeded             uint64               `json:"succeeded"`
	Failed                uint64               `json:"failed"`
	Cancelled             uint64               `json:"cancelled"`
	SuccessRate           float64              `json:"success_rate"`
	AverageProcessingTime time.Duration        `json:"average_processing_time"`
	Types                 map[string]TypeStats `json:"types"`
	Anomalies             []Anomaly            `json:"anomalies,omitempty"`
}

// Report builds a performance report on demand.
func (m *Monitor) Report() PerformanceReport {
	return m.report(time.Now())
}

func (m *Monitor) report(now time.Time) PerformanceReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := PerformanceReport{
		GeneratedAt: now,
		Types:       make(map[string]TypeStats, len(m.types)),
	}

	for _, tm := range m.metrics {
		if !tm.Finished() {
			r.ActiveTasks++
		}
	}

	var weighted time.Duration
	names := make([]string, 0, len(m.types))
	for name, ts := range m.types {
		snap := ts.snapshot(now)
		r.Types[name] = snap
		r.TotalTasks += snap.Total
		r.Succeeded += snap.Succeeded
		r.Failed += snap.Failed
		r.Cancelled += snap.Cancelled
		weighted += snap.AverageProcessingTime * time.Duration(snap.Finished())
		names = append(names, name)
	}

	finished := r.Succeeded + r.Failed
	if finished > 0 {
		r.SuccessRate = float64(r.Succeeded) / float64(finished)
		r.AverageProcessingTime = weighted / time.Duration(finished)
	}

	if finished >= uint64(m.opts.MinSamples) && r.SuccessRate < m.opts.SuccessRateThreshold {
		r.Anomalies = append(r.Anomalies, Anomaly{
			Kind:      AnomalyLowSuccessRate,
			Value:     r.SuccessRate,
			Threshold: m.opts.SuccessRateThreshold,
			Message:   fmt.Sprintf("success rate %.2f below %.2f", r.SuccessRate, m.opts.SuccessRateThreshold),
		})
	}

	if finished > 0 && m.opts.LatencyThreshold > 0 && r.AverageProcessingTime > m.opts.LatencyThreshold {
		r.Anomalies = append(r.Anomalies, Anomaly{
			Kind:      AnomalyHighLatency,
			Value:     r.AverageProcessingTime.Seconds(),
			Threshold: m.opts.LatencyThreshold.Seconds(),
			Message:   fmt.Sprintf("average processing time %s above %s", r.AverageProcessingTime, m.opts.LatencyThreshold),
		})
	}

	sort.Strings(names)
	for _, name := range names {
		ts := r.Types[name]
		if ts.Finished() < uint64(m.opts.TypeMinSamples) || ts.SuccessRate >= m.opts.SuccessRateThreshold {
			continue
		}
		r.Anomalies = append(r.Anomalies, Anomaly{
			Kind:      AnomalyLowTypeSuccessRate,
			TaskType:  name,
			Value:     ts.SuccessRate,
			Threshold: m.opts.SuccessRateThreshold,
			Message:   fmt.Sprintf("type %s success rate %.2f below %.2f", name, ts.SuccessRate, m.opts.SuccessRateThreshold),
		})
	}

	return r
}

// HasAnomaly reports whether r contains an anomaly of kind.
func (r PerformanceReport) HasAnomaly(kind AnomalyKind) bool {
	for _, a := range r.Anomalies {
		if a.Kind == kind {
			return true
		}
	}
	return false
}
