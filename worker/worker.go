package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
)

// Params declares the parameters a research task accepts.
type Params struct {
	Prompt       string `json:"prompt" description:"The question to research"`
	Instructions string `json:"instructions,omitempty" description:"Instruction template overriding the worker default"`
	MaxRounds    int    `json:"max_rounds,omitempty" description:"Upper bound on model rounds"`
}

var paramSchema = util.SchemaFor(Params{})

// Options configures a ModelWorker.
type Options struct {
	// Instructions is a text/template rendered with the task parameters and
	// sent as system instructions.
	Instructions string
	// MaxRounds applies when a task does not set max_rounds.
	MaxRounds int
	// FinalPrefix marks a model reply as the final answer.
	FinalPrefix string
	// ContinuePrompt is appended as a user turn after every non-final reply.
	ContinuePrompt string
	// Stream requests streaming generation from the model.
	Stream bool
	// OnRound is called after every model round.
	OnRound func(task *core.Task, round, maxRounds int)
	Logger  logging.Logger
}

// DefaultOptions are applied before option functions run.
var DefaultOptions = Options{
	Instructions:   "You are a research sub-agent. Investigate the question step by step. When you are confident, reply with {{ .final_prefix }} followed by the answer.",
	MaxRounds:      3,
	FinalPrefix:    "FINAL:",
	ContinuePrompt: "Continue researching. Reply with FINAL: followed by the answer once you are confident.",
}

// ModelWorker is a sub-agent that researches a prompt over several model
// rounds. A reply starting with the final prefix completes the task;
// running out of rounds fails it with core.ErrMaxRoundsReached.
type ModelWorker struct {
	id         string
	workerType string
	model      model.Model
	opts       Options

	mu           sync.Mutex
	status       core.WorkerStatus
	lastActivity time.Time
	inFlight     int
	footprint    int64
}

// New creates an idle ModelWorker of the given type.
func New(workerType string, m model.Model, optFns ...func(o *Options)) *ModelWorker {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &ModelWorker{
		id:           core.NewID(),
		workerType:   workerType,
		model:        m,
		opts:         opts,
		status:       core.WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// ID implements core.Worker.
func (w *ModelWorker) ID() string { return w.id }

// Type implements core.Worker.
func (w *ModelWorker) Type() string { return w.workerType }

// Status implements core.Worker.
func (w *ModelWorker) Status() core.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// IsAvailable implements core.Worker.
func (w *ModelWorker) IsAvailable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight == 0 && w.status.IsHealthy()
}

// LastActivityTime implements core.Worker.
func (w *ModelWorker) LastActivityTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// MemoryBytes reports the transcript size of the latest execution.
func (w *ModelWorker) MemoryBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.footprint
}

// Connections reports the single model client held by the worker.
func (w *ModelWorker) Connections() int { return 1 }

// Shutdown implements core.Worker.
func (w *ModelWorker) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = core.WorkerStatusShutdown
	w.footprint = 0
	return nil
}

// ExecuteTask implements core.Worker. The research runs on its own goroutine.
func (w *ModelWorker) ExecuteTask(ctx context.Context, task *core.Task) *core.Future {
	w.mu.Lock()
	if w.status == core.WorkerStatusShutdown || w.status == core.WorkerStatusShuttingDown {
		w.mu.Unlock()
		return core.FailedFuture(fmt.Errorf("%w: worker %s", core.ErrNotRunning, w.id))
	}
	w.inFlight++
	w.status = core.WorkerStatusBusy
	w.lastActivity = time.Now()
	w.mu.Unlock()

	fut := core.NewFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.finish(true)
				fut.Reject(fmt.Errorf("worker %s panicked: %v", w.id, r))
			}
		}()

		r, err := w.research(ctx, task)
		w.finish(false)
		if err != nil {
			fut.Reject(err)
			return
		}
		fut.Resolve(r)
	}()

	return fut
}

func (w *ModelWorker) finish(broken bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight--
	w.lastActivity = time.Now()
	switch {
	case broken:
		w.status = core.WorkerStatusError
	case w.status == core.WorkerStatusBusy && w.inFlight == 0:
		w.status = core.WorkerStatusIdle
	}
}

func (w *ModelWorker) research(ctx context.Context, task *core.Task) (*core.Result, error) {
	start := time.Now()
	logger := w.opts.Logger

	params := task.Params()
	if err := paramSchema.Validate(params); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	prompt := strings.TrimSpace(task.StringParam("prompt", ""))
	maxRounds := task.IntParam("max_rounds", w.opts.MaxRounds)

	params["final_prefix"] = w.opts.FinalPrefix
	instructions, err := util.RenderTemplate(task.StringParam("instructions", w.opts.Instructions), params)
	if err != nil {
		return nil, fmt.Errorf("%w: instructions: %w", core.ErrValidation, err)
	}

	info := w.model.Info()
	limiter := NewRoundLimiter(maxRounds)
	transcript := []model.Message{{Role: model.RoleUser, Content: prompt}}
	usage := model.TokenUsage{}

	for {
		if err := limiter.Next(); err != nil {
			logger.Warn("Research ran out of rounds", "task_id", task.ID(), "worker_id", w.id, "rounds", limiter.Count())
			return nil, fmt.Errorf("task %s: %w", task.ID(), err)
		}
		round := limiter.Count()

		w.trackFootprint(instructions, transcript)

		resp, err := model.Collect(ctx, w.model, model.Request{
			Instructions: instructions,
			Messages:     transcript,
			Stream:       w.opts.Stream,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, core.NewTaskError("network", fmt.Errorf("%s round %d: %w", info.Provider, round, err))
		}

		if resp.Usage != nil {
			usage.PromptTokens += resp.Usage.PromptTokens
			usage.CompletionTokens += resp.Usage.CompletionTokens
			usage.TotalTokens += resp.Usage.TotalTokens
		}

		if w.opts.OnRound != nil {
			w.opts.OnRound(task, round, maxRounds)
		}

		text := strings.TrimSpace(resp.Text)
		logger.Debug("Research round finished", "task_id", task.ID(), "worker_id", w.id, "round", round, "remaining", limiter.Remaining())

		if answer, ok := strings.CutPrefix(text, w.opts.FinalPrefix); ok {
			return core.NewSuccessResult(time.Since(start), map[string]any{
				"answer":       strings.TrimSpace(answer),
				"rounds":       round,
				"model":        info.Name,
				"provider":     info.Provider,
				"total_tokens": usage.TotalTokens,
			}), nil
		}

		transcript = append(transcript,
			model.Message{Role: model.RoleAssistant, Content: text},
			model.Message{Role: model.RoleUser, Content: w.opts.ContinuePrompt},
		)
	}
}

func (w *ModelWorker) trackFootprint(instructions string, transcript []model.Message) {
	size := int64(len(instructions))
	for _, m := range transcript {
		size += int64(len(m.Content))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.footprint = size
}

// Factory creates ModelWorkers of one type. It implements core.WorkerFactory.
type Factory struct {
	workerType string
	model      model.Model
	optFns     []func(o *Options)
}

// NewFactory returns a factory producing ModelWorkers backed by m.
func NewFactory(workerType string, m model.Model, optFns ...func(o *Options)) *Factory {
	return &Factory{workerType: workerType, model: m, optFns: optFns}
}

// Create implements core.WorkerFactory. The worker logs through the
// execution context's logger unless the options set one.
func (f *Factory) Create(ectx core.ExecutionContext) (core.Worker, error) {
	if f.model == nil {
		return nil, fmt.Errorf("no model configured for worker type %s", f.workerType)
	}

	optFns := make([]func(o *Options), 0, len(f.optFns)+1)
	optFns = append(optFns, func(o *Options) { o.Logger = ectx.Logger })
	optFns = append(optFns, f.optFns...)

	return New(f.workerType, f.model, optFns...), nil
}
