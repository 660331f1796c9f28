package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/llm"
)

const (
	defaultModelName     = "gpt-4.1"
	defaultTimeout       = 60 * time.Second
	defaultMaxToolRounds = 2
	fallbackReply        = "I'm processing your request..."
)

// ToolSpecProvider 为工具名称提供函数定义。
type ToolSpecProvider interface {
	Spec(name string) (llm.ToolSpec, bool)
}

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	Timeout       time.Duration
	Temperature   float32
	MaxToolRounds int
}

// Client 通过 go-openai 调用 OpenAI 兼容的补全接口，并在模型请求时执行工具。
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
	maxRounds   int
	tools       llm.ToolInvoker
	specs       ToolSpecProvider
}

// Option 定义可选配置。
type Option func(*Client)

// WithToolInvoker 配置工具执行器。未配置时只记录模型请求的工具。
func WithToolInvoker(invoker llm.ToolInvoker) Option {
	return func(c *Client) {
		c.tools = invoker
	}
}

// WithToolSpecs 配置工具定义来源。
func WithToolSpecs(specs ToolSpecProvider) Option {
	return func(c *Client) {
		c.specs = specs
	}
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	rounds := cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = defaultMaxToolRounds
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}

	c := &Client{
		api:         openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: temperature,
		maxRounds:   rounds,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Complete 实现 llm.Backend。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}

	messages := buildMessages(req)
	tools := c.buildTools(req.Tools)

	var trace *llm.Trace
	if req.CaptureTrace {
		trace = &llm.Trace{ID: uuid.NewString(), Model: model}
	}

	resp := &llm.Response{Trace: trace}
	for round := 0; round <= c.maxRounds; round++ {
		chatReq := openai.ChatCompletionRequest{
			Model:       model,
			Messages:    messages,
			Temperature: temperature,
		}
		// 最后一轮不再提供工具，强制模型给出文字回复。
		if len(tools) > 0 && round < c.maxRounds {
			chatReq.Tools = tools
			chatReq.ToolChoice = "auto"
		}

		started := time.Now()
		completion, err := c.api.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeBackendFailure, err, "请求 OpenAI 失败")
		}
		if len(completion.Choices) == 0 {
			return nil, xerrors.New(xerrors.CodeBackendFailure, "OpenAI 响应中没有有效的 choices")
		}
		message := completion.Choices[0].Message
		addSpan(trace, "completion", started, map[string]any{
			"round":      round,
			"tool_calls": len(message.ToolCalls),
		})

		if len(message.ToolCalls) == 0 {
			resp.Text = strings.TrimSpace(message.Content)
			break
		}

		messages = append(messages, message)
		for _, call := range message.ToolCalls {
			messages = append(messages, c.runTool(ctx, resp, trace, call))
		}
		resp.Text = strings.TrimSpace(message.Content)
	}

	if resp.Text == "" {
		resp.Text = fallbackReply
	}
	return resp, nil
}

func (c *Client) runTool(ctx context.Context, resp *llm.Response, trace *llm.Trace, call openai.ToolCall) openai.ChatCompletionMessage {
	started := time.Now()
	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			args = map[string]any{"raw": raw}
		}
	}

	record := llm.ToolCall{Name: call.Function.Name, Arguments: args}
	if c.tools != nil {
		result, err := c.tools.Invoke(ctx, call.Function.Name, args)
		if err != nil {
			record.Result = map[string]any{"error": err.Error()}
		} else {
			record.Result = result
		}
	}
	resp.ToolCalls = append(resp.ToolCalls, record)
	addSpan(trace, "tool:"+call.Function.Name, started, map[string]any{"arguments": args})

	content, err := json.Marshal(record.Result)
	if err != nil || record.Result == nil {
		content = []byte(`{"status":"recorded"}`)
	}
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    string(content),
		ToolCallID: call.ID,
	}
}

func (c *Client) buildTools(names []string) []openai.Tool {
	if len(names) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(names))
	for _, name := range names {
		spec := llm.ToolSpec{Name: name}
		if c.specs != nil {
			if found, ok := c.specs.Spec(name); ok {
				spec = found
			}
		}
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

func buildMessages(req llm.Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Conversation)+1)
	if instructions := strings.TrimSpace(req.Instructions); instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instructions,
		})
	}
	for _, msg := range req.Conversation {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case llm.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case llm.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return messages
}

func addSpan(trace *llm.Trace, name string, started time.Time, attrs map[string]any) {
	if trace == nil {
		return
	}
	trace.Spans = append(trace.Spans, llm.TraceSpan{
		Name:       name,
		Attributes: attrs,
		StartedAt:  started.UnixMilli(),
		EndedAt:    time.Now().UnixMilli(),
	})
}
