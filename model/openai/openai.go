// Package openai adapts the OpenAI Chat Completions API to model.Model so a
// research worker can run against GPT models.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/hupe1980/taskmesh/model"
)

const provider = "openai"

var errNoChoices = errors.New("openai: completion has no choices")

// Options tune the chat completion request.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Model calls the Chat Completions endpoint.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel uses a default client, which reads OPENAI_API_KEY from the environment.
func NewModel(optFns ...func(o *Options)) *Model {
	client := openai.NewClient()
	return NewModelFromClient(&client, optFns...)
}

// NewModelFromClient uses a caller supplied client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		var err error
		if req.Stream {
			err = m.stream(ctx, m.params(req, true), out)
		} else {
			err = m.complete(ctx, m.params(req, false), out)
		}
		if err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func (m *Model) params(req model.Request, stream bool) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:               m.opts.Model,
		Messages:            buildMessages(req),
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}
	if stream {
		p.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	}
	return p
}

// buildMessages puts Instructions first as a system message. Empty user turns are dropped.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		msgs = append(msgs, openai.SystemMessage(req.Instructions))
	}
	for _, msg := range req.Messages {
		switch {
		case msg.Role == model.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(msg.Content))
		case msg.Role == model.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(msg.Content))
		case msg.Content != "":
			msgs = append(msgs, openai.UserMessage(msg.Content))
		}
	}
	return msgs
}

// stream forwards each content delta as a partial response and finishes with
// the accumulated completion.
func (m *Model) stream(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- model.Response) error {
	s := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer s.Close()

	acc := openai.ChatCompletionAccumulator{}
	for s.Next() {
		chunk := s.Current()
		acc.AddChunk(chunk)

		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := send(ctx, out, model.Response{ID: chunk.ID, Partial: true, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("openai: stream: %w", err)
	}

	final, err := toResponse(&acc.ChatCompletion)
	if err != nil {
		return err
	}
	return send(ctx, out, final)
}

func (m *Model) complete(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- model.Response) error {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai: completion: %w", err)
	}
	final, err := toResponse(resp)
	if err != nil {
		return err
	}
	return send(ctx, out, final)
}

func toResponse(c *openai.ChatCompletion) (model.Response, error) {
	if len(c.Choices) == 0 {
		return model.Response{}, errNoChoices
	}
	choice := c.Choices[0]
	return model.Response{
		ID:           c.ID,
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(c.Usage.PromptTokens),
			CompletionTokens: int(c.Usage.CompletionTokens),
			TotalTokens:      int(c.Usage.TotalTokens),
		},
	}, nil
}

func send(ctx context.Context, out chan<- model.Response, r model.Response) error {
	select {
	case out <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Model, Provider: provider}
}
