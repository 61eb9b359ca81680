package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

func TestRunSimulation(t *testing.T) {
	report, err := runSimulation(context.Background(), simulationConfig{
		Tasks:     12,
		Types:     []string{"research", " analysis "},
		Workers:   3,
		Rounds:    2,
		MaxRounds: 3,
		Timeout:   5 * time.Second,
	}, logging.NoOpLogger{})
	require.NoError(t, err)

	assert.Equal(t, 12, report.Outcomes[core.TaskStatusCompleted])
	assert.EqualValues(t, 12, report.Statistics.System.Queue.Completed)
	assert.EqualValues(t, 6, report.Report.Types["analysis"].Succeeded)
	assert.EqualValues(t, 6, report.Report.Types["research"].Succeeded)

	_, err = json.Marshal(report)
	assert.NoError(t, err)
}

func TestRunSimulation_MaxRounds(t *testing.T) {
	report, err := runSimulation(context.Background(), simulationConfig{
		Tasks:     4,
		Types:     []string{"research"},
		Workers:   2,
		Rounds:    5,
		MaxRounds: 2,
		Timeout:   5 * time.Second,
	}, logging.NoOpLogger{})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Outcomes[core.TaskStatusMaxRoundsReached])
}

func TestRunSimulation_InvalidConfig(t *testing.T) {
	_, err := runSimulation(context.Background(), simulationConfig{Tasks: 0, Types: []string{"x"}}, logging.NoOpLogger{})
	assert.Error(t, err)

	_, err = runSimulation(context.Background(), simulationConfig{Tasks: 1}, logging.NoOpLogger{})
	assert.Error(t, err)
}

func TestRunResearch_Mock(t *testing.T) {
	out, err := runResearch(context.Background(), researchConfig{
		Prompt:    "where are diamonds?",
		Provider:  "mock",
		MaxRounds: 3,
		Timeout:   5 * time.Second,
	}, logging.NoOpLogger{})
	require.NoError(t, err)

	assert.Equal(t, core.TaskStatusCompleted, out.Status)
	assert.Equal(t, 1, out.Rounds)
	assert.Contains(t, out.Answer, "where are diamonds?")
	assert.Equal(t, "mock", out.Model.Provider)
	assert.Empty(t, out.Error)
}

func TestNewModel(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test")
	t.Setenv("OPENAI_API_KEY", "test")

	for provider, want := range map[string]string{"anthropic": "anthropic", "openai": "openai", "mock": "mock"} {
		m, err := newModel(provider, "")
		require.NoError(t, err)
		assert.Equal(t, want, m.Info().Provider)
	}

	m, err := newModel("openai", "gpt-test")
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", m.Info().Name)

	_, err = newModel("llama", "")
	assert.Error(t, err)
}
