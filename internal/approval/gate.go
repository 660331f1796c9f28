package approval

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/observability/metrics"
	"ReTool-Life/pkg/logger"
)

// Gate 是审批闸门：动作先登记为待审批，批准后同步执行一次。
type Gate struct {
	store    Store
	executor Executor
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Gate)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithIDGenerator 替换请求 ID 生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(g *Gate) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGate 创建审批闸门。store 为空时使用内存存储。
func NewGate(store Store, executor Executor, opts ...Option) *Gate {
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Gate{
		store:    store,
		executor: executor,
		now:      time.Now,
		newID:    newRequestID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.logger == nil {
		g.logger = logger.Named("approval")
	}
	return g
}

// SetExecutor 设置执行器。执行器通常依赖闸门本身，因此允许在构造后注入。
func (g *Gate) SetExecutor(executor Executor) {
	g.executor = executor
}

func newRequestID() string {
	return "approval-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// RequestApproval 登记一条待审批请求，不产生任何副作用。
func (g *Gate) RequestApproval(ctx context.Context, kind Kind, payload map[string]any) (*Request, error) {
	if !kind.Valid() {
		return nil, xerrors.Validation("不支持的审批类型", xerrors.WithMetadata("kind", string(kind)))
	}
	req := &Request{
		ID:        g.newID(),
		Kind:      kind,
		Payload:   clonePayload(payload),
		Status:    StatusPending,
		CreatedAt: g.now().UTC(),
	}
	if err := g.store.Create(ctx, req); err != nil {
		return nil, err
	}
	metrics.ObserveApproval(string(kind), "requested")
	logger.Audit().Info("approval_requested",
		slog.String("approval_id", req.ID),
		slog.String("kind", string(kind)),
	)
	return cloneRequest(req), nil
}

// ListPending 按创建顺序返回所有待审批请求。
func (g *Gate) ListPending(ctx context.Context) ([]*Request, error) {
	return g.store.ListPending(ctx)
}

// Get 返回指定请求。
func (g *Gate) Get(ctx context.Context, id string) (*Request, error) {
	return g.store.Get(ctx, strings.TrimSpace(id))
}

// Approve 批准并执行请求。并发批准同一请求时只有一个调用方会执行动作，其余
// 返回 ErrAlreadyApproved。执行失败时请求仍保持 approved，结果记录失败原因，
// 并返回 APPROVAL_EXECUTION_FAILED 错误，不会再次执行。
func (g *Gate) Approve(ctx context.Context, id string) (*Request, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, xerrors.Validation("审批 ID 不能为空")
	}
	if g.executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置审批执行器")
	}

	req, err := g.store.Claim(ctx, id, g.now().UTC())
	if err != nil {
		return nil, err
	}
	metrics.ObserveApproval(string(req.Kind), "approved")

	output, execErr := g.executor.Execute(ctx, req.Kind, clonePayload(req.Payload))
	result := ExecutionResult{
		Status:     ResultSucceeded,
		Output:     output,
		ExecutedAt: g.now().UTC(),
	}
	if execErr != nil {
		result.Status = ResultFailed
		result.Output = nil
		result.Error = execErr.Error()
	}

	if err := g.store.Complete(ctx, id, result); err != nil {
		g.logger.Error("记录审批执行结果失败",
			slog.String("approval_id", id),
			slog.Any("error", err),
		)
	}
	req.Result = &result

	attrs := []any{
		slog.String("approval_id", id),
		slog.String("kind", string(req.Kind)),
		slog.String("result", result.Status),
	}
	if execErr != nil {
		attrs = append(attrs, slog.String("error", result.Error))
	}
	logger.Audit().Info("approval_executed", attrs...)
	metrics.ObserveApproval(string(req.Kind), "executed_"+result.Status)

	if execErr != nil {
		return req, xerrors.Wrap(CodeApprovalExecution, execErr, "审批动作执行失败",
			xerrors.WithMetadata("approval_id", id))
	}
	return req, nil
}
