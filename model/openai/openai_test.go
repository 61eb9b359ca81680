package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openai/openai-go"

	"github.com/hupe1980/taskmesh/model"
)

var _ model.Model = (*Model)(nil)

func TestBuildMessages(t *testing.T) {
	msgs := buildMessages(model.Request{
		Instructions: "be brief",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "where are diamonds?"},
			{Role: model.RoleAssistant, Content: "checking caves"},
			{Role: model.RoleUser, Content: ""},
			{Role: model.RoleUser, Content: "continue"},
		},
	})

	require.Len(t, msgs, 4)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	assert.NotNil(t, msgs[2].OfAssistant)
	assert.NotNil(t, msgs[3].OfUser)
}

func TestInfo(t *testing.T) {
	m := NewModel(func(o *Options) { o.Model = "gpt-test" })
	assert.Equal(t, model.Info{Name: "gpt-test", Provider: "openai"}, m.Info())
}

func TestParams_StreamRequestsUsage(t *testing.T) {
	m := NewModel(func(o *Options) { o.MaxCompletionTokens = 128 })

	p := m.params(model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}}, true)
	assert.True(t, p.StreamOptions.IncludeUsage.Value)
	assert.EqualValues(t, 128, p.MaxCompletionTokens.Value)
	assert.Len(t, p.Messages, 1)

	p = m.params(model.Request{}, false)
	assert.False(t, p.StreamOptions.IncludeUsage.Value)
}

func TestToResponse(t *testing.T) {
	_, err := toResponse(&openai.ChatCompletion{ID: "empty"})
	assert.ErrorIs(t, err, errNoChoices)

	r, err := toResponse(&openai.ChatCompletion{
		ID: "c-1",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Content: "FINAL: deepslate"},
			FinishReason: "stop",
		}},
		Usage: openai.CompletionUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	})
	require.NoError(t, err)
	assert.False(t, r.Partial)
	assert.Equal(t, "FINAL: deepslate", r.Text)
	assert.Equal(t, "stop", r.FinishReason)
	assert.Equal(t, &model.TokenUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, r.Usage)
}
