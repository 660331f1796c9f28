// Package approval mediates every side-effecting action a wellness agent
// wants to take. Requests wait in a pending state until a human approves
// them; approval executes the action exactly once.
package approval

import (
	"context"
	"time"

	xerrors "ReTool-Life/internal/errors"
)

// Kind 是需要审批的动作类型。
type Kind string

const (
	KindMessageSend Kind = "message_send"
	KindPurchase    Kind = "purchase"
)

// Valid 判断动作类型是否受支持。
func (k Kind) Valid() bool {
	return k == KindMessageSend || k == KindPurchase
}

// Status 表示审批请求的状态，只会从 pending 单向转为 approved。
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
)

const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
)

// ExecutionResult 记录审批通过后执行动作的结果。
type ExecutionResult struct {
	Status     string         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// Request 是一条审批请求。
type Request struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	Payload    map[string]any   `json:"payload"`
	Status     Status           `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ApprovedAt *time.Time       `json:"approved_at,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
}

// Store 持久化审批请求。Claim 必须是原子的：同一请求只有一个调用方能把它从
// pending 转为 approved。
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Claim(ctx context.Context, id string, approvedAt time.Time) (*Request, error)
	Complete(ctx context.Context, id string, result ExecutionResult) error
	ListPending(ctx context.Context) ([]*Request, error)
	Close() error
}

// Executor 执行审批通过的动作。
type Executor interface {
	Execute(ctx context.Context, kind Kind, payload map[string]any) (map[string]any, error)
}

// ExecutorFunc 允许使用普通函数实现 Executor。
type ExecutorFunc func(ctx context.Context, kind Kind, payload map[string]any) (map[string]any, error)

// Execute 实现 Executor 接口。
func (f ExecutorFunc) Execute(ctx context.Context, kind Kind, payload map[string]any) (map[string]any, error) {
	return f(ctx, kind, payload)
}

const (
	CodeApprovalNotFound        xerrors.Code = "APPROVAL_NOT_FOUND"
	CodeApprovalAlreadyApproved xerrors.Code = "APPROVAL_ALREADY_APPROVED"
	CodeApprovalExecution       xerrors.Code = "APPROVAL_EXECUTION_FAILED"
)

var (
	// ErrNotFound 表示审批请求不存在。
	ErrNotFound = xerrors.New(CodeApprovalNotFound, "approval request not found")
	// ErrAlreadyApproved 表示审批请求已经被批准过。
	ErrAlreadyApproved = xerrors.New(CodeApprovalAlreadyApproved, "approval request already approved")
)

func init() {
	xerrors.Register(CodeApprovalNotFound, xerrors.Attributes{
		Message:   "approval request not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeApprovalAlreadyApproved, xerrors.Attributes{
		Message:   "approval request already approved",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeApprovalExecution, xerrors.Attributes{
		Message:   "approved action failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

func cloneRequest(req *Request) *Request {
	if req == nil {
		return nil
	}
	out := *req
	out.Payload = clonePayload(req.Payload)
	if req.ApprovedAt != nil {
		at := *req.ApprovedAt
		out.ApprovedAt = &at
	}
	if req.Result != nil {
		res := *req.Result
		res.Output = clonePayload(req.Result.Output)
		out.Result = &res
	}
	return &out
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]any, len(payload))
	for key, value := range payload {
		cloned[key] = value
	}
	return cloned
}
