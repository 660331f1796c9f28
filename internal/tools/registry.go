// Package tools provides the sandbox tool registry wellness variants call
// into. Read-only tools answer from deterministic mock data; outbound
// messages and purchases are parked behind the approval gate and only run
// when a human approves them.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"ReTool-Life/internal/approval"
	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/llm"
	"ReTool-Life/pkg/logger"
)

const (
	CodeToolNotFound xerrors.Code = "TOOL_NOT_FOUND"
	CodeToolFailed   xerrors.Code = "TOOL_FAILED"
)

func init() {
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{
		Message:   "tool not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolFailed, xerrors.Attributes{
		Message:   "tool execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Handler 执行一次工具调用。
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool 是注册到表中的一个工具。
type Tool struct {
	Spec    llm.ToolSpec
	Handler Handler
}

// Approver 登记需要人工审批的动作。
type Approver interface {
	RequestApproval(ctx context.Context, kind approval.Kind, payload map[string]any) (*approval.Request, error)
}

// Sender 投递已批准的消息。
type Sender interface {
	Send(ctx context.Context, channel, to, message string) (map[string]any, error)
}

// Registry 是沙箱工具注册表，同时实现 llm.ToolInvoker 与 approval.Executor。
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	gate   Approver
	sender Sender
	now    func() time.Time
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Registry)

// WithSender 替换消息投递实现。
func WithSender(s Sender) Option {
	return func(r *Registry) {
		if s != nil {
			r.sender = s
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry 创建包含全部内置工具的注册表。gate 为空时，需要审批的工具会
// 直接返回错误而不会产生副作用。
func NewRegistry(gate Approver, opts ...Option) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		gate:   gate,
		sender: mockSender{},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("tools")
	}
	r.registerBuiltins()
	return r
}

// Register 注册或覆盖一个工具。
func (r *Registry) Register(tool Tool) {
	name := strings.TrimSpace(tool.Spec.Name)
	if name == "" || tool.Handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
}

// Names 返回已注册的工具名称，按字母序。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spec 返回工具的函数定义。
func (r *Registry) Spec(name string) (llm.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool.Spec, ok
}

// Invoke 执行工具调用。
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(CodeToolNotFound, fmt.Sprintf("未知工具 %s", name), xerrors.WithMetadata("tool", name))
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := tool.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("工具调用失败", slog.String("tool", name), slog.Any("error", err))
		if _, coded := xerrors.From(err); coded {
			return nil, err
		}
		return nil, xerrors.Wrap(CodeToolFailed, err, "工具调用失败", xerrors.WithMetadata("tool", name))
	}
	r.logger.Debug("工具调用完成", slog.String("tool", name))
	return result, nil
}

func (r *Registry) timestamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return fallback
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return fallback
	}
}

func floatArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
