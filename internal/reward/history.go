package reward

import (
	"context"
	"sync"
)

// History 保存奖励记录，只追加不覆盖。
type History interface {
	Append(ctx context.Context, record Record) error
	// List 返回用户的奖励记录，按计算时间正序排列；limit <= 0 表示全部。
	List(ctx context.Context, userID string, limit int) ([]Record, error)
}

// MemoryHistory 在进程内保存奖励记录。
type MemoryHistory struct {
	mu      sync.RWMutex
	records map[string][]Record
}

// NewMemoryHistory 创建内存历史。
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{records: make(map[string][]Record)}
}

// Append 追加一条记录。
func (h *MemoryHistory) Append(_ context.Context, record Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	record.WeakAreas = append([]string(nil), record.WeakAreas...)
	h.records[record.UserID] = append(h.records[record.UserID], record)
	return nil
}

// List 返回最近的 limit 条记录。
func (h *MemoryHistory) List(_ context.Context, userID string, limit int) ([]Record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	all := h.records[userID]
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}
	out := make([]Record, len(all))
	copy(out, all)
	return out, nil
}
