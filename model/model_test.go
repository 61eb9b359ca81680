package model

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Model = (*MockModel)(nil)

func userRequest(prompt string) Request {
	return Request{Messages: []Message{{Role: RoleUser, Content: prompt}}}
}

func TestMockModel_CannedResponse(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	m.AddResponse("hello", "world")

	resp, err := Collect(context.Background(), m, userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "world", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 2, resp.Usage.TotalTokens)

	resp, err = Collect(context.Background(), m, userRequest("other"))
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: other", resp.Text)

	assert.Equal(t, 2, m.Calls())
	assert.Equal(t, Info{Name: "mock-1", Provider: "mock"}, m.Info())
}

func TestMockModel_Streaming(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	m.AddResponse("q", "one two three")

	req := userRequest("q")
	req.Stream = true
	respCh, errCh := m.Generate(context.Background(), req)

	var partials []string
	var final Response
	for r := range respCh {
		if r.Partial {
			partials = append(partials, r.Text)
			continue
		}
		final = r
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	assert.Equal(t, "one two three", strings.Join(partials, ""))
	assert.Equal(t, "one two three", final.Text)
}

func TestMockModel_Responder(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	boom := errors.New("boom")
	m.SetResponder(func(req Request) (string, error) {
		if req.LastUserMessage() == "fail" {
			return "", boom
		}
		return "answered " + req.Instructions, nil
	})

	req := userRequest("q")
	req.Instructions = "briefly"
	resp, err := Collect(context.Background(), m, req)
	require.NoError(t, err)
	assert.Equal(t, "answered briefly", resp.Text)

	_, err = Collect(context.Background(), m, userRequest("fail"))
	assert.ErrorIs(t, err, boom)

	_, err = Collect(context.Background(), m, Request{})
	assert.Error(t, err)
}

func TestRequest_LastUserMessage(t *testing.T) {
	req := Request{Messages: []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "second"},
		{Role: RoleAssistant, Content: "reply"},
	}}
	assert.Equal(t, "second", req.LastUserMessage())
	assert.Empty(t, Request{}.LastUserMessage())
}

type silentModel struct{}

func (silentModel) Generate(context.Context, Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response)
	errCh := make(chan error)
	close(respCh)
	close(errCh)
	return respCh, errCh
}

func (silentModel) Info() Info { return Info{Name: "silent"} }

func TestCollect_NoFinalResponse(t *testing.T) {
	_, err := Collect(context.Background(), silentModel{}, userRequest("q"))
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestCollect_ContextCancelled(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	block := make(chan struct{})
	defer close(block)
	m.SetResponder(func(Request) (string, error) {
		<-block
		return "late", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(ctx, m, userRequest("q"))
	assert.ErrorIs(t, err, context.Canceled)
}
