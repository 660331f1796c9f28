// Package deploy keeps the single active wellness variant of each user.
package deploy

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/observability/metrics"
	"ReTool-Life/internal/variant"
	"ReTool-Life/pkg/logger"
)

// 部署原因。
const (
	ReasonInitial     = "initial"
	ReasonRegenerated = "regenerated"
)

// CodeNoActiveVariant 表示用户当前没有已部署的变体。
const CodeNoActiveVariant xerrors.Code = "NO_ACTIVE_VARIANT"

// ErrNoActiveVariant 在查询不存在的部署时返回。
var ErrNoActiveVariant = xerrors.New(CodeNoActiveVariant, "no active variant for user")

func init() {
	xerrors.Register(CodeNoActiveVariant, xerrors.Attributes{
		Message:   "no active variant for user",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Deployment 是某个用户当前生效的变体及其版本。创建后不再修改。
type Deployment struct {
	ID         string           `json:"deployment_id"`
	UserID     string           `json:"user_id"`
	Variant    *variant.Variant `json:"variant"`
	Version    int64            `json:"version"`
	Reason     string           `json:"reason"`
	DeployedAt time.Time        `json:"deployed_at"`
}

// Registry 为每个用户保存一个原子指针，读取方永远看不到写了一半的部署记录。
type Registry struct {
	mu    sync.Mutex
	slots sync.Map // userID -> *atomic.Pointer[Deployment]
	now   func() time.Time
}

// Option 定义可选配置。
type Option func(*Registry)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry 创建部署注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Registry) slot(userID string) *atomic.Pointer[Deployment] {
	if existing, ok := r.slots.Load(userID); ok {
		return existing.(*atomic.Pointer[Deployment])
	}
	actual, _ := r.slots.LoadOrStore(userID, new(atomic.Pointer[Deployment]))
	return actual.(*atomic.Pointer[Deployment])
}

// Deploy 以新的部署 ID 发布变体，版本号在上一版本基础上加一。
func (r *Registry) Deploy(userID string, v *variant.Variant) (*Deployment, error) {
	return r.publish(userID, v, ReasonInitial)
}

// Redeploy 替换当前变体，沿用现有部署 ID 并递增版本。没有现有部署时返回
// ErrNoActiveVariant。
func (r *Registry) Redeploy(userID string, v *variant.Variant) (*Deployment, error) {
	return r.publish(userID, v, ReasonRegenerated)
}

func (r *Registry) publish(userID string, v *variant.Variant, reason string) (*Deployment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, xerrors.Validation("用户 ID 不能为空")
	}
	if v == nil {
		return nil, xerrors.Validation("待部署的变体不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slot(userID)
	prev := slot.Load()
	now := r.now().UTC()

	next := &Deployment{
		UserID:     userID,
		Variant:    v,
		Version:    1,
		Reason:     reason,
		DeployedAt: now,
	}
	if prev != nil {
		next.Version = prev.Version + 1
	}
	switch reason {
	case ReasonRegenerated:
		if prev == nil {
			return nil, ErrNoActiveVariant
		}
		next.ID = prev.ID
	default:
		next.ID = DeploymentID(userID, v, now)
	}
	slot.Store(next)

	metrics.ObserveDeployment(reason)
	logger.Audit().Info("variant_deployed",
		slog.String("user_id", userID),
		slog.String("deployment_id", next.ID),
		slog.Int64("version", next.Version),
		slog.String("variant", v.Key()),
		slog.String("reason", reason),
	)
	return next, nil
}

// Active 返回用户当前的部署。
func (r *Registry) Active(userID string) (*Deployment, error) {
	existing, ok := r.slots.Load(strings.TrimSpace(userID))
	if !ok {
		return nil, ErrNoActiveVariant
	}
	d := existing.(*atomic.Pointer[Deployment]).Load()
	if d == nil {
		return nil, ErrNoActiveVariant
	}
	return d, nil
}

// Users 返回拥有部署的用户数量。
func (r *Registry) Users() int {
	n := 0
	r.slots.Range(func(_, value any) bool {
		if value.(*atomic.Pointer[Deployment]).Load() != nil {
			n++
		}
		return true
	})
	return n
}

// UserIDs 返回拥有部署的用户 ID，按字典序排列。
func (r *Registry) UserIDs() []string {
	var ids []string
	r.slots.Range(func(key, value any) bool {
		if value.(*atomic.Pointer[Deployment]).Load() != nil {
			ids = append(ids, key.(string))
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// DeploymentID 生成形如 <user>-<specialty>-<model>-<yyyymmddhhmmss> 的部署 ID。
func DeploymentID(userID string, v *variant.Variant, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s", userID, v.Specialty, v.Model, at.UTC().Format("20060102150405"))
}
