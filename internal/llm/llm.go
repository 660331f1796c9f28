package llm

import (
	"context"
	"strings"
)

// Role 标识对话消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是一条对话消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolCall 记录一次由模型发起的工具调用。
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
}

// TraceSpan 描述一次补全中的单个步骤，用于评估时回放推理过程。
type TraceSpan struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
	StartedAt  int64          `json:"started_at"`
	EndedAt    int64          `json:"ended_at"`
}

// Trace 汇总一次补全的追踪数据。
type Trace struct {
	ID    string      `json:"id"`
	Model string      `json:"model"`
	Spans []TraceSpan `json:"spans,omitempty"`
}

// Request 描述发送给补全后端的上下文。
type Request struct {
	Model        string
	Instructions string
	Conversation []Message
	Tools        []string
	CaptureTrace bool
	Temperature  float32
}

// Response 是补全后端返回的结构化结果。
type Response struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Trace     *Trace     `json:"trace,omitempty"`
}

// ToolNames 返回本次回复中调用过的工具名称，按首次出现顺序去重。
func (r *Response) ToolNames() []string {
	if r == nil || len(r.ToolCalls) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(r.ToolCalls))
	names := make([]string, 0, len(r.ToolCalls))
	for _, call := range r.ToolCalls {
		name := strings.TrimSpace(call.Name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Backend 定义了调用补全模型的统一接口。
type Backend interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ToolInvoker 执行模型请求的工具，由外部工具注册表实现。
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// 工具调用来源。
const (
	SourceChat       = "chat"
	SourceEvaluation = "evaluation"
)

// ToolScope 描述一次补全中工具调用所处的场景，随 context 传给工具执行器。
// DryRun 为 true 时有副作用的工具只返回模拟结果，不登记审批。
type ToolScope struct {
	Source string
	UserID string
	Phone  string
	DryRun bool
}

type toolScopeKey struct{}

// WithToolScope 把工具调用场景写入 context。
func WithToolScope(ctx context.Context, scope ToolScope) context.Context {
	return context.WithValue(ctx, toolScopeKey{}, scope)
}

// ToolScopeFrom 读取 context 中的工具调用场景，未设置时返回零值。
func ToolScopeFrom(ctx context.Context) ToolScope {
	if ctx == nil {
		return ToolScope{}
	}
	scope, _ := ctx.Value(toolScopeKey{}).(ToolScope)
	return scope
}

// BackendFunc 允许使用普通函数实现 Backend，主要用于测试。
type BackendFunc func(ctx context.Context, req Request) (*Response, error)

// Complete 实现 Backend 接口。
func (f BackendFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// LastUserMessage 返回对话中最后一条用户消息。
func LastUserMessage(conversation []Message) string {
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == RoleUser {
			return conversation[i].Content
		}
	}
	return ""
}

// ToolSpec 描述提供给模型的函数定义。
type ToolSpec struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}
