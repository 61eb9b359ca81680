// Package anthropic adapts the Claude Messages API to model.Model.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/taskmesh/model"
)

const provider = "anthropic"

// Options tune the Messages request. APIKey, BaseURL and MaxRetries only
// apply when NewModel builds the client.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string
	MaxRetries  int
}

// Model calls the Messages endpoint.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel builds a client from opts. Without APIKey the SDK falls back to
// ANTHROPIC_API_KEY.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := resolveOptions(optFns)

	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.MaxRetries > 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(opts.MaxRetries))
	}

	client := anthropic.NewClient(reqOpts...)
	return &Model{client: &client, opts: opts}
}

// NewModelFromClient uses a caller supplied client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	return &Model{client: client, opts: resolveOptions(optFns)}
}

func resolveOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		run := m.complete
		if req.Stream {
			run = m.stream
		}
		if err := run(ctx, m.buildParams(req), out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

// buildParams lifts Instructions and system-role messages into the System
// blocks, in that order. The remaining turns become Messages.
func (m *Model) buildParams(req model.Request) anthropic.MessageNewParams {
	p := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		MaxTokens:   m.opts.MaxTokens,
		Temperature: anthropic.Float(m.opts.Temperature),
		Messages:    make([]anthropic.MessageParam, 0, len(req.Messages)),
	}

	if req.Instructions != "" {
		p.System = append(p.System, anthropic.TextBlockParam{Text: req.Instructions})
	}

	for _, msg := range req.Messages {
		if msg.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(msg.Content)
		switch msg.Role {
		case model.RoleSystem:
			p.System = append(p.System, anthropic.TextBlockParam{Text: msg.Content})
		case model.RoleAssistant:
			p.Messages = append(p.Messages, anthropic.NewAssistantMessage(block))
		default:
			p.Messages = append(p.Messages, anthropic.NewUserMessage(block))
		}
	}

	return p
}

func (m *Model) complete(ctx context.Context, params anthropic.MessageNewParams, out chan<- model.Response) error {
	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return fmt.Errorf("anthropic: messages: %w", err)
	}
	return send(ctx, out, toResponse(msg))
}

// stream forwards text deltas as partial responses and closes with the
// message accumulated from every event.
func (m *Model) stream(ctx context.Context, params anthropic.MessageNewParams, out chan<- model.Response) error {
	s := m.client.Messages.NewStreaming(ctx, params)
	defer s.Close()

	var acc anthropic.Message
	for s.Next() {
		event := s.Current()
		if err := acc.Accumulate(event); err != nil {
			return fmt.Errorf("anthropic: accumulate: %w", err)
		}

		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
			if err := send(ctx, out, model.Response{ID: acc.ID, Partial: true, Text: text.Text}); err != nil {
				return err
			}
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("anthropic: stream: %w", err)
	}

	return send(ctx, out, toResponse(&acc))
}

func toResponse(msg *anthropic.Message) model.Response {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}

	reason := string(msg.StopReason)
	if reason == "" {
		reason = "stop"
	}

	in, outTokens := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return model.Response{
		ID:           msg.ID,
		Text:         sb.String(),
		FinishReason: reason,
		Usage:        &model.TokenUsage{PromptTokens: in, CompletionTokens: outTokens, TotalTokens: in + outTokens},
	}
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
	return model.Info{Name: string(m.opts.Model), Provider: provider}
}
