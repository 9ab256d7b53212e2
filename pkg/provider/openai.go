package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/turnstile/pkg/protocol"
)

// OpenAIProvider streams turns through the Chat Completions API
type OpenAIProvider struct {
	baseURL string
	schemas *protocol.SchemaCache

	cancels map[string]context.CancelFunc
	mu      sync.Mutex
}

// NewOpenAIProvider creates an OpenAI streaming provider
func NewOpenAIProvider(baseURL string, schemas *protocol.SchemaCache) *OpenAIProvider {
	if schemas == nil {
		schemas = protocol.NewSchemaCache()
	}
	return &OpenAIProvider{
		baseURL: baseURL,
		schemas: schemas,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Kind returns the transport kind
func (p *OpenAIProvider) Kind() string {
	return "openai"
}

// SendTurn starts a streaming chat completion and returns its event stream
func (p *OpenAIProvider) SendTurn(ctx context.Context, req SendRequest) (*Stream, error) {
	opts := []option.RequestOption{option.WithAPIKey(req.APIKey)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	client := openai.NewClient(opts...)

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

func (p *OpenAIProvider) buildParams(req SendRequest) (openai.ChatCompletionNewParams, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.ModelID),
		Messages: messages,
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema map[string]interface{}
			if len(t.Schema) > 0 {
				if err := json.Unmarshal(t.Schema, &schema); err != nil {
					return params, fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
				}
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

func (p *OpenAIProvider) consume(ctx context.Context, client openai.Client, params openai.ChatCompletionNewParams, req SendRequest, out *Stream, cancel context.CancelFunc) {
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, req.TurnID)
		p.mu.Unlock()
	}()

	toolsByName := make(map[string]protocol.ToolSpec, len(req.Tools))
	for _, t := range req.Tools {
		toolsByName[t.Name] = t
	}

	stream := client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	forwarded := 0

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				if out.Push(ctx, protocol.Event{Type: protocol.EventAssistantDelta, Text: delta.Content}) {
					forwarded++
				}
			}
		}

		if call, ok := acc.JustFinishedToolCall(); ok {
			args := call.Arguments
			if args == "" {
				args = "{}"
			}

			spec, declared := toolsByName[call.Name]
			if !declared {
				out.Fail(&protocol.ViolationError{Reason: fmt.Sprintf("tool %q not declared for this turn", call.Name)})
				return
			}
			if err := p.schemas.Validate(spec, json.RawMessage(args)); err != nil {
				out.Fail(&protocol.ViolationError{Reason: err.Error()})
				return
			}

			if out.Push(ctx, protocol.Event{
				Type: protocol.EventToolCall,
				ToolCall: &protocol.ToolCall{
					ID:        call.ID,
					Name:      call.Name,
					Arguments: json.RawMessage(args),
				},
			}) {
				forwarded++
			}
		}
	}

	if err := stream.Err(); err != nil {
		out.Fail(err)
		return
	}

	if forwarded == 0 {
		out.Fail(fmt.Errorf("openai stream ended without output"))
		return
	}

	out.Push(ctx, protocol.Event{
		Type: protocol.EventDone,
		Usage: &protocol.Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
		},
	})
	out.Close()
}

// Cancel aborts the in-flight streaming call for the turn, if any
func (p *OpenAIProvider) Cancel(turnID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[turnID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}
