package lifecycle

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Compile-time checks.
var (
	_ StatusListener = StatusListenerFunc(nil)
	_ Router         = RouterFunc(nil)
)

func newTestManager(t *testing.T, optFns ...func(o *Options)) *Manager {
	t.Helper()
	m := New(append([]func(o *Options){func(o *Options) { o.ReapInterval = time.Hour }}, optFns...)...)
	t.Cleanup(m.Close)
	return m
}

// taskIn returns a tracked task forced into status, bypassing validation.
func taskIn(t *testing.T, m *Manager, status core.TaskStatus) *core.Task {
	t.Helper()
	tk := core.NewTask("search")
	require.True(t, m.StartTracking(tk))
	tk.SetStatus(status)
	return tk
}

func TestUpdateStatus_TransitionTable(t *testing.T) {
	for _, from := range core.AllTaskStatuses {
		for _, to := range core.AllTaskStatuses {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				m := newTestManager(t)
				tk := taskIn(t, m, from)

				ok := m.UpdateStatus(tk.ID(), to)

				assert.Equal(t, IsValidTransition(from, to), ok)
				if ok {
					assert.Equal(t, to, tk.Status())
				} else {
					assert.Equal(t, from, tk.Status())
				}
			})
		}
	}
}

func TestTransitionTable_TerminalStatesAreSinks(t *testing.T) {
	for _, s := range core.AllTaskStatuses {
		if s.IsTerminal() {
			assert.Empty(t, ValidTargets(s), s)
		} else {
			assert.NotEmpty(t, ValidTargets(s), s)
		}
	}
}

func TestStartTracking_InitialNotificationAndDuplicates(t *testing.T) {
	m := newTestManager(t)

	var got []Transition
	m.AddStatusListener(StatusListenerFunc(func(_ *core.Task, from, to core.TaskStatus) {
		got = append(got, Transition{From: from, To: to})
	}))

	tk := core.NewTask("search")
	require.True(t, m.StartTracking(tk))
	assert.False(t, m.StartTracking(tk))

	require.Len(t, got, 1)
	assert.Equal(t, core.TaskStatus(""), got[0].From)
	assert.Equal(t, core.TaskStatusPending, got[0].To)

	// A terminal record may be replaced.
	require.True(t, m.Advance(tk, core.TaskStatusCancelled))
	assert.True(t, m.StartTracking(core.NewTask("search", func(o *core.TaskOptions) { o.ID = tk.ID() })))
}

func TestUpdateStatus_HistoryListenersAndRouter(t *testing.T) {
	m := newTestManager(t)

	var listened, routed []core.TaskStatus
	m.AddStatusListener(StatusListenerFunc(func(_ *core.Task, _, to core.TaskStatus) {
		listened = append(listened, to)
	}))
	m.RegisterRouter("search", RouterFunc(func(_ *core.Task, _, to core.TaskStatus) error {
		routed = append(routed, to)
		return nil
	}))
	m.RegisterRouter("other", RouterFunc(func(*core.Task, core.TaskStatus, core.TaskStatus) error {
		t.Fatal("router of another type invoked")
		return nil
	}))

	tk := core.NewTask("search")
	require.True(t, m.StartTracking(tk))
	require.True(t, m.UpdateStatus(tk.ID(), core.TaskStatusProcessing))
	require.True(t, m.UpdateStatus(tk.ID(), core.TaskStatusExecuting))
	require.False(t, m.UpdateStatus(tk.ID(), core.TaskStatusPending))
	require.True(t, m.UpdateStatus(tk.ID(), core.TaskStatusCompleted))

	want := []core.TaskStatus{core.TaskStatusPending, core.TaskStatusProcessing, core.TaskStatusExecuting, core.TaskStatusCompleted}
	assert.Equal(t, want, listened)
	assert.Equal(t, want, routed)

	history := m.History(tk.ID())
	require.Len(t, history, 4)
	assert.Equal(t, core.TaskStatusExecuting, history[3].From)
	assert.Equal(t, core.TaskStatusCompleted, history[3].To)

	stats := m.Statistics()
	assert.EqualValues(t, 3, stats.Transitions)
	assert.EqualValues(t, 1, stats.Rejected)
	assert.EqualValues(t, 1, stats.PerStatus[core.TaskStatusCompleted])
	assert.Equal(t, 0, stats.Active)
}

func TestUpdateStatus_UntrackedTask(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.UpdateStatus("missing", core.TaskStatusProcessing))
}

func TestHooks_PanicsAndErrorsAreContained(t *testing.T) {
	m := newTestManager(t)

	var after bool
	m.AddStatusListener(StatusListenerFunc(func(*core.Task, core.TaskStatus, core.TaskStatus) { panic("bad listener") }))
	m.AddStatusListener(StatusListenerFunc(func(*core.Task, core.TaskStatus, core.TaskStatus) { after = true }))
	m.RegisterRouter("search", RouterFunc(func(*core.Task, core.TaskStatus, core.TaskStatus) error {
		return errors.New("router failed")
	}))

	tk := core.NewTask("search")
	assert.NotPanics(t, func() {
		require.True(t, m.StartTracking(tk))
		require.True(t, m.UpdateStatus(tk.ID(), core.TaskStatusProcessing))
	})
	assert.True(t, after)
	assert.Equal(t, core.TaskStatusProcessing, tk.Status())
}

func TestAdvance_StepsThroughIntermediateStates(t *testing.T) {
	m := newTestManager(t)

	tk := core.NewTask("search")
	require.True(t, m.StartTracking(tk))

	require.True(t, m.Advance(tk, core.TaskStatusCompleted))
	assert.Equal(t, core.TaskStatusCompleted, tk.Status())

	var path []core.TaskStatus
	for _, tr := range m.History(tk.ID()) {
		path = append(path, tr.To)
	}
	assert.Equal(t, []core.TaskStatus{
		core.TaskStatusPending,
		core.TaskStatusProcessing,
		core.TaskStatusExecuting,
		core.TaskStatusCompleted,
	}, path)

	assert.False(t, m.Advance(tk, core.TaskStatusFailed))
	assert.True(t, m.Advance(tk, core.TaskStatusCompleted))
}

func TestRestart(t *testing.T) {
	m := newTestManager(t)

	tk := core.NewTask("search")
	require.True(t, m.StartTracking(tk))
	require.True(t, m.Advance(tk, core.TaskStatusExecuting))

	require.True(t, m.Restart(tk.ID()))
	assert.Equal(t, core.TaskStatusPending, tk.Status())
	assert.True(t, tk.StartedAt().IsZero())

	history := m.History(tk.ID())
	last := history[len(history)-1]
	assert.Equal(t, core.TaskStatusExecuting, last.From)
	assert.Equal(t, core.TaskStatusPending, last.To)

	require.True(t, m.Advance(tk, core.TaskStatusFailed))
	assert.False(t, m.Restart(tk.ID()))
	assert.False(t, m.Restart("missing"))
}

func TestQueries(t *testing.T) {
	m := newTestManager(t)

	a := core.NewTask("search")
	b := core.NewTask("batch")
	require.True(t, m.StartTracking(a))
	require.True(t, m.StartTracking(b))
	require.True(t, m.UpdateStatus(a.ID(), core.TaskStatusProcessing))

	assert.ElementsMatch(t, []*core.Task{a}, m.TasksByStatus(core.TaskStatusProcessing))
	assert.ElementsMatch(t, []*core.Task{b}, m.TasksByType("batch"))

	status, ok := m.Status(a.ID())
	require.True(t, ok)
	assert.Equal(t, core.TaskStatusProcessing, status)

	got, ok := m.Task(b.ID())
	require.True(t, ok)
	assert.Same(t, b, got)

	assert.True(t, m.StopTracking(a.ID()))
	assert.False(t, m.StopTracking(a.ID()))
	assert.Nil(t, m.History(a.ID()))
}

func TestReapTerminal(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.RetentionWindow = time.Minute })

	done := core.NewTask("search")
	live := core.NewTask("search")
	require.True(t, m.StartTracking(done))
	require.True(t, m.StartTracking(live))
	require.True(t, m.Advance(done, core.TaskStatusCancelled))

	assert.Equal(t, 0, m.ReapTerminal(time.Now()))
	assert.Equal(t, 1, m.ReapTerminal(time.Now().Add(2*time.Minute)))

	_, ok := m.Task(done.ID())
	assert.False(t, ok)
	_, ok = m.Task(live.ID())
	assert.True(t, ok)
}

func TestUpdateStatus_ConcurrentTerminalIsExclusive(t *testing.T) {
	m := newTestManager(t)

	tk := core.NewTask("search")
	require.True(t, m.StartTracking(tk))
	require.True(t, m.Advance(tk, core.TaskStatusExecuting))

	targets := []core.TaskStatus{core.TaskStatusCompleted, core.TaskStatusFailed, core.TaskStatusTimeout}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, s := range targets {
		wg.Add(1)
		go func(s core.TaskStatus) {
			defer wg.Done()
			if m.UpdateStatus(tk.ID(), s) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.True(t, tk.Status().IsTerminal())
}

func TestUpdateStatus_LogsTransitions(t *testing.T) {
	var buf bytes.Buffer
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = logging.LogLevelDebug
	cfg.Output = &buf
	cfg.Component = "lifecycle"

	m := newTestManager(t, func(o *Options) { o.Logger = logging.NewLogger(cfg) })
	task := core.NewTask("search")
	require.True(t, m.StartTracking(task))

	require.True(t, m.UpdateStatus(task.ID(), core.TaskStatusProcessing))
	require.False(t, m.UpdateStatus(task.ID(), core.TaskStatusPending))

	out := buf.String()
	assert.Contains(t, out, `"msg":"Task status changed","component":"lifecycle","task_id":"`+task.ID()+`","from":"PENDING","to":"PROCESSING"`)
	assert.Contains(t, out, `"msg":"Task status change rejected"`)
}
