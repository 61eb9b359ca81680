package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/taskmesh"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/engine"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	anthropicmodel "github.com/hupe1980/taskmesh/model/anthropic"
	openaimodel "github.com/hupe1980/taskmesh/model/openai"
	"github.com/hupe1980/taskmesh/monitor"
	"github.com/hupe1980/taskmesh/worker"
)

type simulationConfig struct {
	Tasks       int
	Types       []string
	Workers     int
	Rounds      int
	MaxRounds   int
	FailureRate float64
	Latency     time.Duration
	Timeout     time.Duration
}

type simulationReport struct {
	Tasks      int                       `json:"tasks"`
	Outcomes   map[core.TaskStatus]int   `json:"outcomes"`
	Elapsed    string                    `json:"elapsed"`
	Statistics taskmesh.Statistics       `json:"statistics"`
	Report     monitor.PerformanceReport `json:"report"`
}

var errTransient = errors.New("simulated upstream failure")

// mockResearcher answers FINAL after rounds rounds and fails a share of
// calls with a transient error.
func mockResearcher(rounds int, failureRate float64, latency time.Duration) model.Responder {
	return func(req model.Request) (string, error) {
		if latency > 0 {
			time.Sleep(latency)
		}
		if failureRate > 0 && rand.Float64() < failureRate {
			return "", errTransient
		}
		round := (len(req.Messages) + 1) / 2
		if round >= rounds {
			return fmt.Sprintf("FINAL: findings for %q after %d rounds", req.Messages[0].Content, round), nil
		}
		return fmt.Sprintf("round %d: still investigating", round), nil
	}
}

func runSimulation(ctx context.Context, cfg simulationConfig, logger logging.Logger) (*simulationReport, error) {
	if cfg.Tasks <= 0 {
		return nil, fmt.Errorf("tasks must be positive, got %d", cfg.Tasks)
	}
	if len(cfg.Types) == 0 {
		return nil, errors.New("at least one worker type is required")
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	ecfg := engine.DefaultConfig
	ecfg.QueueCapacity = max(ecfg.QueueCapacity, cfg.Tasks)
	ecfg.MaxConcurrentWorkers = max(cfg.Workers, 1)
	ecfg.PoolMaxSize = max(cfg.Workers, 1)
	ecfg.RetryPolicy.BaseDelay = 10 * time.Millisecond
	ecfg.RetryPolicy.MaxDelay = 200 * time.Millisecond

	mesh := taskmesh.New(func(o *taskmesh.Options) {
		o.EngineConfig = ecfg
		o.Workers = cfg.Workers
		o.PollTimeout = 50 * time.Millisecond
		o.Logger = logger
	})
	defer mesh.Shutdown()

	mdl := model.NewMockModel("mock-researcher", "mock")
	mdl.SetResponder(mockResearcher(cfg.Rounds, cfg.FailureRate, cfg.Latency))

	for _, t := range cfg.Types {
		mesh.RegisterModelWorker(strings.TrimSpace(t), mdl, func(o *worker.Options) { o.MaxRounds = cfg.MaxRounds })
	}

	start := time.Now()
	mesh.Start(ctx)

	tasks := make([]*core.Task, cfg.Tasks)
	futures := make([]*core.Future, cfg.Tasks)
	for i := range tasks {
		tasks[i] = core.NewTask(strings.TrimSpace(cfg.Types[i%len(cfg.Types)]), func(o *core.TaskOptions) {
			o.RequesterID = "simulator"
			o.Params = map[string]any{"prompt": fmt.Sprintf("question #%d", i+1)}
		})
		futures[i] = mesh.Submit(tasks[i], i%10)
	}

	var wg sync.WaitGroup
	for _, fut := range futures {
		wg.Add(1)
		go func(f *core.Future) {
			defer wg.Done()
			_, _ = f.Await(ctx)
		}(fut)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		logger.Warn("Simulation stopped before all tasks finished", "error", err)
	}

	report := &simulationReport{
		Tasks:      cfg.Tasks,
		Outcomes:   make(map[core.TaskStatus]int),
		Elapsed:    time.Since(start).Round(time.Millisecond).String(),
		Statistics: mesh.Statistics(),
		Report:     mesh.PerformanceReport(),
	}
	for _, t := range tasks {
		report.Outcomes[t.Status()]++
	}

	return report, nil
}

type researchConfig struct {
	Prompt    string
	Provider  string
	Model     string
	MaxRounds int
	Stream    bool
	Timeout   time.Duration
}

type researchOutput struct {
	TaskID         string          `json:"task_id"`
	Status         core.TaskStatus `json:"status"`
	Answer         any             `json:"answer,omitempty"`
	Rounds         any             `json:"rounds,omitempty"`
	Model          model.Info      `json:"model"`
	ProcessingTime string          `json:"processing_time,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func newModel(provider, modelID string) (model.Model, error) {
	switch provider {
	case "anthropic":
		return anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			if modelID != "" {
				o.Model = anthropic.Model(modelID)
			}
		}), nil
	case "openai":
		return openaimodel.NewModel(func(o *openaimodel.Options) {
			if modelID != "" {
				o.Model = modelID
			}
		}), nil
	case "mock":
		m := model.NewMockModel("mock-researcher", "mock")
		m.SetResponder(mockResearcher(1, 0, 0))
		return m, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func runResearch(ctx context.Context, cfg researchConfig, logger logging.Logger) (*researchOutput, error) {
	mdl, err := newModel(cfg.Provider, cfg.Model)
	if err != nil {
		return nil, err
	}

	mesh := taskmesh.New(func(o *taskmesh.Options) {
		o.Workers = 1
		o.Logger = logger
	})
	defer mesh.Shutdown()

	mesh.RegisterModelWorker("research", mdl, func(o *worker.Options) {
		o.MaxRounds = cfg.MaxRounds
		o.Stream = cfg.Stream
	})
	mesh.Start(ctx)

	task := core.NewTask("research", func(o *core.TaskOptions) {
		o.RequesterID = "cli"
		o.Timeout = cfg.Timeout
		o.Params = map[string]any{"prompt": cfg.Prompt}
	})

	r, err := mesh.SubmitSync(ctx, task, 0)

	out := &researchOutput{
		TaskID: task.ID(),
		Status: task.Status(),
		Model:  mdl.Info(),
	}
	if err != nil {
		out.Error = err.Error()
		return out, nil
	}
	out.Answer, _ = r.Value("answer")
	out.Rounds, _ = r.Value("rounds")
	out.ProcessingTime = r.ProcessingTime().String()

	return out, nil
}
