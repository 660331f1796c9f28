package reward

import (
	"context"
	"log/slog"
	"time"

	"ReTool-Life/internal/observability/metrics"
	"ReTool-Life/pkg/logger"
)

const (
	// DefaultUpgradeThreshold 以下的聚合奖励会触发重新生成。
	DefaultUpgradeThreshold = 0.8
	// DefaultWeakAreaThreshold 以下的维度被视为薄弱项。
	DefaultWeakAreaThreshold = 0.7
)

// Estimator 根据动作日志估计单个维度。
type Estimator func(actions []ActionEntry) float64

// TaskCompletionRatio 返回已完成动作的占比，日志为空时为 0。
func TaskCompletionRatio(actions []ActionEntry) float64 {
	if len(actions) == 0 {
		return 0
	}
	completed := 0
	for _, a := range actions {
		if a.Status == StatusCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(actions))
}

// 以下估计器在没有真实遥测数据时返回固定占位值。

// DefaultEngagement 占位的用户参与度。
func DefaultEngagement([]ActionEntry) float64 { return 0.85 }

// DefaultTiming 占位的时机准确度。
func DefaultTiming([]ActionEntry) float64 { return 0.9 }

// DefaultEfficiency 占位的资源效率。
func DefaultEfficiency([]ActionEntry) float64 { return 0.8 }

// DefaultSafety 在任一动作涉及审批流程时返回 0.95，否则为 1.0。
func DefaultSafety(actions []ActionEntry) float64 {
	for _, a := range actions {
		if a.MentionsApproval() {
			return 0.95
		}
	}
	return 1.0
}

// Calculator 计算奖励向量并决定是否需要重新生成。
type Calculator struct {
	taskCompletion     Estimator
	userEngagement     Estimator
	timingAccuracy     Estimator
	resourceEfficiency Estimator
	safetyCompliance   Estimator

	upgradeThreshold  float64
	weakAreaThreshold float64

	history History
	now     func() time.Time
	logger  *slog.Logger
}

// Option 定义可选配置。
type Option func(*Calculator)

// WithEstimator 替换指定维度的估计器，未知维度被忽略。
func WithEstimator(dimension string, fn Estimator) Option {
	return func(c *Calculator) {
		if fn == nil {
			return
		}
		switch dimension {
		case DimTaskCompletion:
			c.taskCompletion = fn
		case DimUserEngagement:
			c.userEngagement = fn
		case DimTimingAccuracy:
			c.timingAccuracy = fn
		case DimResourceEfficiency:
			c.resourceEfficiency = fn
		case DimSafetyCompliance:
			c.safetyCompliance = fn
		}
	}
}

// WithThresholds 设置升级阈值与薄弱项阈值，非正值保持默认。
func WithThresholds(upgrade, weakArea float64) Option {
	return func(c *Calculator) {
		if upgrade > 0 {
			c.upgradeThreshold = upgrade
		}
		if weakArea > 0 {
			c.weakAreaThreshold = weakArea
		}
	}
}

// WithHistory 指定奖励历史存储。
func WithHistory(h History) Option {
	return func(c *Calculator) {
		if h != nil {
			c.history = h
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *Calculator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCalculator 创建使用默认估计器的计算器。
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{
		taskCompletion:     TaskCompletionRatio,
		userEngagement:     DefaultEngagement,
		timingAccuracy:     DefaultTiming,
		resourceEfficiency: DefaultEfficiency,
		safetyCompliance:   DefaultSafety,
		upgradeThreshold:   DefaultUpgradeThreshold,
		weakAreaThreshold:  DefaultWeakAreaThreshold,
		now:                time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.history == nil {
		c.history = NewMemoryHistory()
	}
	if c.logger == nil {
		c.logger = logger.Named("reward")
	}
	return c
}

// Compute 计算奖励向量，不产生副作用。
func (c *Calculator) Compute(actions []ActionEntry) Vector {
	return Vector{
		TaskCompletion:     c.taskCompletion(actions),
		UserEngagement:     c.userEngagement(actions),
		TimingAccuracy:     c.timingAccuracy(actions),
		ResourceEfficiency: c.resourceEfficiency(actions),
		SafetyCompliance:   c.safetyCompliance(actions),
	}.clamped()
}

// Subject 标识被打分的部署。
type Subject struct {
	UserID       string
	VariantKey   string
	DeploymentID string
	Version      int64
	Specialty    string
}

// Evaluate 计算奖励、追加历史并给出是否需要重新生成的结论。
func (c *Calculator) Evaluate(ctx context.Context, subject Subject, actions []ActionEntry) (Record, error) {
	vec := c.Compute(actions)
	agg := vec.Aggregate()
	record := Record{
		UserID:       subject.UserID,
		VariantKey:   subject.VariantKey,
		DeploymentID: subject.DeploymentID,
		Version:      subject.Version,
		Vector:       vec,
		Aggregate:    agg,
		Regenerate:   agg < c.upgradeThreshold,
		Actions:      len(actions),
		ComputedAt:   c.now().UTC(),
	}
	if record.Regenerate {
		record.WeakAreas = vec.WeakAreas(c.weakAreaThreshold)
	}

	metrics.ObserveReward(subject.Specialty, agg)
	if err := c.history.Append(ctx, record); err != nil {
		return record, err
	}
	c.logger.Info("奖励计算完成",
		slog.String("user_id", subject.UserID),
		slog.String("variant", subject.VariantKey),
		slog.Float64("aggregate", agg),
		slog.Bool("regenerate", record.Regenerate),
		slog.Any("weak_areas", record.WeakAreas),
	)
	return record, nil
}

// History 返回计算器使用的历史存储。
func (c *Calculator) History() History {
	return c.history
}

// UpgradeThreshold 返回升级阈值。
func (c *Calculator) UpgradeThreshold() float64 {
	return c.upgradeThreshold
}
