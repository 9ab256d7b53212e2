package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/turnstile/pkg/protocol"
)

// defaultMaxTokens bounds a single streamed response
const defaultMaxTokens = 8192

// AnthropicProvider streams turns through the Anthropic Messages API
type AnthropicProvider struct {
	baseURL string
	schemas *protocol.SchemaCache

	cancels map[string]context.CancelFunc
	mu      sync.Mutex
}

// NewAnthropicProvider creates an Anthropic streaming provider
func NewAnthropicProvider(baseURL string, schemas *protocol.SchemaCache) *AnthropicProvider {
	if schemas == nil {
		schemas = protocol.NewSchemaCache()
	}
	return &AnthropicProvider{
		baseURL: baseURL,
		schemas: schemas,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Kind returns the transport kind
func (p *AnthropicProvider) Kind() string {
	return "anthropic"
}

// SendTurn starts a streaming Messages call and returns its event stream
func (p *AnthropicProvider) SendTurn(ctx context.Context, req SendRequest) (*Stream, error) {
	opts := []option.RequestOption{option.WithAPIKey(req.APIKey)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	client := anthropic.NewClient(opts...)

	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	p.mu.Lock()
	p.cancels[req.TurnID] = cancel
	p.mu.Unlock()

	stream := NewStream()
	go p.consume(runCtx, client, params, req, stream, cancel)

	return stream, nil
}

func (p *AnthropicProvider) buildParams(req SendRequest) (anthropic.MessageNewParams, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			continue // carried via params.System
		case "assistant":
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.ModelID),
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema map[string]interface{}
			if len(t.Schema) > 0 {
				if err := json.Unmarshal(t.Schema, &schema); err != nil {
					return params, fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
				}
			}

			toolParam := anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
			}
			if schema != nil {
				toolParam.InputSchema = anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				}
				if required, ok := schema["required"].([]interface{}); ok {
					strs := make([]string, 0, len(required))
					for _, v := range required {
						if s, ok := v.(string); ok {
							strs = append(strs, s)
						}
					}
					toolParam.InputSchema.Required = strs
				}
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params, nil
}

func (p *AnthropicProvider) consume(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams, req SendRequest, out *Stream, cancel context.CancelFunc) {
	defer func() {
		cancel()
		p.mu.Lock()
		if p.cancels[req.TurnID] != nil {
			delete(p.cancels, req.TurnID)
		}
		p.mu.Unlock()
	}()

	toolsByName := make(map[string]protocol.ToolSpec, len(req.Tools))
	for _, t := range req.Tools {
		toolsByName[t.Name] = t
	}

	stream := client.Messages.NewStreaming(ctx, params)

	msg := anthropic.Message{}
	type partialCall struct {
		ID      string
		Name    string
		ArgsRaw strings.Builder
		Ended   bool
	}
	partials := map[int64]*partialCall{}
	forwarded := 0

	emitToolCall := func(pc *partialCall, index int64) error {
		if pc == nil || pc.Ended {
			return nil
		}
		pc.Ended = true

		raw := strings.TrimSpace(pc.ArgsRaw.String())
		if raw == "" {
			idx := int(index)
			if idx >= 0 && idx < len(msg.Content) {
				if tu, ok := msg.Content[idx].AsAny().(anthropic.ToolUseBlock); ok && len(tu.Input) > 0 {
					raw = strings.TrimSpace(string(tu.Input))
				}
			}
		}
		if raw == "" {
			raw = "{}"
		}

		spec, ok := toolsByName[pc.Name]
		if !ok {
			return &protocol.ViolationError{Reason: fmt.Sprintf("tool %q not declared for this turn", pc.Name)}
		}
		if err := p.schemas.Validate(spec, json.RawMessage(raw)); err != nil {
			return &protocol.ViolationError{Reason: err.Error()}
		}

		if out.Push(ctx, protocol.Event{
			Type: protocol.EventToolCall,
			ToolCall: &protocol.ToolCall{
				ID:        pc.ID,
				Name:      pc.Name,
				Arguments: json.RawMessage(raw),
			},
		}) {
			forwarded++
		}
		return nil
	}

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			out.Fail(err)
			return
		}

		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if variant.ContentBlock.Type != "tool_use" {
				continue
			}
			callID := strings.TrimSpace(variant.ContentBlock.ID)
			if callID == "" {
				callID = fmt.Sprintf("call_%d_%d", time.Now().UnixNano(), variant.Index)
			}
			partials[variant.Index] = &partialCall{
				ID:   callID,
				Name: strings.TrimSpace(variant.ContentBlock.Name),
			}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				if out.Push(ctx, protocol.Event{Type: protocol.EventAssistantDelta, Text: delta.Text}) {
					forwarded++
				}
			case anthropic.InputJSONDelta:
				if pc := partials[variant.Index]; pc != nil && delta.PartialJSON != "" {
					pc.ArgsRaw.WriteString(delta.PartialJSON)
				}
			case anthropic.ThinkingDelta:
				if strings.TrimSpace(delta.Thinking) != "" {
					out.Push(ctx, protocol.Event{Type: protocol.EventThinking, Text: delta.Thinking})
				}
			}

		case anthropic.ContentBlockStopEvent:
			if err := emitToolCall(partials[variant.Index], variant.Index); err != nil {
				out.Fail(err)
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		out.Fail(err)
		return
	}

	if forwarded == 0 {
		out.Fail(fmt.Errorf("anthropic stream ended without output"))
		return
	}

	out.Push(ctx, protocol.Event{
		Type: protocol.EventDone,
		Usage: &protocol.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	})
	out.Close()
}

// Cancel aborts the in-flight streaming call for the turn, if any
func (p *AnthropicProvider) Cancel(turnID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[turnID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}
