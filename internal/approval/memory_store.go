package approval

import (
	"context"
	"sync"
	"time"

	xerrors "ReTool-Life/internal/errors"
)

// MemoryStore 在进程内保存审批请求。
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
	order    []string
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

// Create 保存新的请求。
func (s *MemoryStore) Create(_ context.Context, req *Request) error {
	if req == nil || req.ID == "" {
		return xerrors.Validation("审批请求或 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "审批请求已存在", xerrors.WithMetadata("approval_id", req.ID))
	}
	s.requests[req.ID] = cloneRequest(req)
	s.order = append(s.order, req.ID)
	return nil
}

// Get 返回请求副本。
func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(req), nil
}

// Claim 在同一把锁内检查并切换状态。
func (s *MemoryStore) Claim(_ context.Context, id string, approvedAt time.Time) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != StatusPending {
		return cloneRequest(req), ErrAlreadyApproved
	}
	req.Status = StatusApproved
	at := approvedAt
	req.ApprovedAt = &at
	return cloneRequest(req), nil
}

// Complete 附加执行结果。
func (s *MemoryStore) Complete(_ context.Context, id string, result ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	res := result
	res.Output = clonePayload(result.Output)
	req.Result = &res
	return nil
}

// ListPending 按创建顺序返回待审批请求。
func (s *MemoryStore) ListPending(_ context.Context) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, 0, len(s.order))
	for _, id := range s.order {
		if req := s.requests[id]; req.Status == StatusPending {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
