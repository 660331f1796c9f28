// Package orchestrator runs the meta-agent loop for wellness variants:
// generate candidates from a profile, score them against the scenario suite,
// deploy the winner, fold live actions into rewards and regenerate the
// deployed instructions when the reward drops below the upgrade threshold.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"ReTool-Life/internal/approval"
	"ReTool-Life/internal/deploy"
	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/evaluation"
	"ReTool-Life/internal/llm"
	"ReTool-Life/internal/observability/alerting"
	"ReTool-Life/internal/reward"
	"ReTool-Life/internal/scenario"
	"ReTool-Life/internal/variant"
	"ReTool-Life/pkg/logger"
)

// Orchestrator 串联变体生成、评估、部署与奖励回路。
type Orchestrator struct {
	backend     llm.Backend
	gate        *approval.Gate
	generator   *variant.Generator
	evaluator   *evaluation.Evaluator
	suite       *scenario.Suite
	registry    *deploy.Registry
	calculator  *reward.Calculator
	regenerator *reward.Regenerator
	alerter     alerting.Dispatcher
	logger      *slog.Logger
	now         func() time.Time
	chatTimeout time.Duration

	mu       sync.RWMutex
	profiles map[string]variant.Profile
	windows  map[string]*actionWindow
	latest   *EvaluationSnapshot

	traces        map[string]*TraceRecord
	traceOrder    []string
	traceCapacity int

	userLocks sync.Map // userID -> *sync.Mutex
}

// actionWindow 保存某个部署版本之后记录的动作。
type actionWindow struct {
	version int64
	entries []reward.ActionEntry
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithGenerator 替换变体生成器。
func WithGenerator(g *variant.Generator) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.generator = g
		}
	}
}

// WithEvaluator 替换场景评估器。
func WithEvaluator(e *evaluation.Evaluator) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.evaluator = e
		}
	}
}

// WithSuite 替换场景集合。
func WithSuite(s *scenario.Suite) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.suite = s
		}
	}
}

// WithRegistry 替换部署注册表。
func WithRegistry(r *deploy.Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithCalculator 替换奖励计算器。
func WithCalculator(c *reward.Calculator) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.calculator = c
		}
	}
}

// WithRegenerator 替换指令重写器。
func WithRegenerator(r *reward.Regenerator) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.regenerator = r
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerter = d
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithChatTimeout 设置单次对话调用的超时时间。
func WithChatTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.chatTimeout = d
		}
	}
}

// WithProfiles 预先注册用户档案。
func WithProfiles(profiles ...variant.Profile) Option {
	return func(o *Orchestrator) {
		for _, p := range profiles {
			o.profiles[p.ID] = p
		}
	}
}

// New 构造 Orchestrator。backend 与 gate 由调用方创建并负责生命周期。
func New(backend llm.Backend, gate *approval.Gate, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:     backend,
		gate:        gate,
		suite:       scenario.DefaultSuite(),
		registry:    deploy.NewRegistry(),
		calculator:  reward.NewCalculator(),
		logger:      logger.Named("orchestrator"),
		now:         time.Now,
		chatTimeout: 60 * time.Second,
		profiles:    make(map[string]variant.Profile),
		windows:     make(map[string]*actionWindow),

		traces:        make(map[string]*TraceRecord),
		traceCapacity: defaultTraceCapacity,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.generator == nil {
		o.generator = variant.NewGenerator(variant.DefaultRegistry())
	}
	if o.evaluator == nil {
		o.evaluator = evaluation.NewEvaluator(backend)
	}
	if o.regenerator == nil {
		o.regenerator = reward.NewRegenerator(backend, "")
	}
	if o.gate == nil {
		o.gate = approval.NewGate(nil, nil)
	}
	return o
}

func (o *Orchestrator) lockUser(userID string) func() {
	value, _ := o.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Gate 返回审批闸门。
func (o *Orchestrator) Gate() *approval.Gate {
	return o.gate
}

// Registry 返回部署注册表。
func (o *Orchestrator) Registry() *deploy.Registry {
	return o.registry
}

// RegisterProfile 登记或替换用户档案。
func (o *Orchestrator) RegisterProfile(p variant.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.profiles[p.ID] = p
	o.mu.Unlock()
	return nil
}

// Profile 返回用户档案。
func (o *Orchestrator) Profile(userID string) (variant.Profile, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.profiles[strings.TrimSpace(userID)]
	if !ok {
		return variant.Profile{}, xerrors.New(xerrors.CodeNotFound, "用户不存在", xerrors.WithMetadata("user_id", userID))
	}
	return p, nil
}

// Profiles 按 ID 排序返回全部档案。
func (o *Orchestrator) Profiles() []variant.Profile {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]variant.Profile, 0, len(o.profiles))
	for _, p := range o.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GenerateVariants 根据档案生成候选变体。
func (o *Orchestrator) GenerateVariants(profile variant.Profile) ([]*variant.Variant, error) {
	return o.generator.Generate(profile)
}

// Evaluate 用给定场景评估变体，保存最近一次评估结果并按 ID 索引其追踪。
func (o *Orchestrator) Evaluate(ctx context.Context, variants []*variant.Variant, scenarios []scenario.Scenario) (*evaluation.Report, error) {
	report, err := o.evaluator.Evaluate(ctx, variants, scenarios)
	if err != nil {
		return nil, err
	}
	userID := ""
	if len(variants) > 0 {
		userID = variants[0].UserID
	}
	at := o.now().UTC()
	o.mu.Lock()
	o.latest = &EvaluationSnapshot{UserID: userID, Report: report, EvaluatedAt: at}
	o.mu.Unlock()
	o.storeEvaluationTraces(userID, report, at)
	return report, nil
}

// SelectAndDeploy 选出平均分最高的变体并部署，平分时生成顺序靠前者胜出。
func (o *Orchestrator) SelectAndDeploy(userID string, variants []*variant.Variant, scores map[string]float64) (*deploy.Deployment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, xerrors.Validation("用户 ID 不能为空")
	}
	if len(variants) == 0 {
		return nil, xerrors.Validation("没有可部署的变体")
	}
	order := make([]string, 0, len(variants))
	byKey := make(map[string]*variant.Variant, len(variants))
	for _, v := range variants {
		if v == nil {
			continue
		}
		key := v.Key()
		if _, dup := byKey[key]; dup {
			continue
		}
		order = append(order, key)
		byKey[key] = v
	}
	best, err := evaluation.Select(order, scores)
	if err != nil {
		return nil, err
	}
	chosen, ok := byKey[best]
	if !ok {
		return nil, xerrors.Validation("得分最高的变体不在候选列表中", xerrors.WithMetadata("variant", best))
	}

	unlock := o.lockUser(userID)
	defer unlock()
	d, err := o.registry.Deploy(userID, chosen)
	if err != nil {
		return nil, err
	}
	o.resetWindow(userID, d.Version)
	return d, nil
}

// GetActiveVariant 返回用户当前部署的变体。
func (o *Orchestrator) GetActiveVariant(userID string) (*variant.Variant, error) {
	d, err := o.registry.Active(userID)
	if err != nil {
		return nil, err
	}
	return d.Variant, nil
}

// ActiveDeployment 返回用户当前的部署记录。
func (o *Orchestrator) ActiveDeployment(userID string) (*deploy.Deployment, error) {
	return o.registry.Active(userID)
}

// ProvisionResult 汇总一次完整的生成、评估与部署。
type ProvisionResult struct {
	Deployment *deploy.Deployment `json:"deployment"`
	Variants   []string           `json:"variants"`
	Scores     map[string]float64 `json:"scores"`
	Report     *evaluation.Report `json:"-"`
}

// Provision 为用户执行生成、评估、选择与部署。
func (o *Orchestrator) Provision(ctx context.Context, profile variant.Profile, persona string) (*ProvisionResult, error) {
	variants, err := o.GenerateVariants(profile)
	if err != nil {
		return nil, err
	}
	report, err := o.Evaluate(ctx, variants, o.suite.Scenarios(persona))
	if err != nil {
		return nil, err
	}
	d, err := o.SelectAndDeploy(profile.ID, variants, report.Scores)
	if err != nil {
		return nil, err
	}
	o.logger.Info("用户变体部署完成",
		slog.String("user_id", profile.ID),
		slog.String("persona", persona),
		slog.String("variant", d.Variant.Key()),
		slog.Int64("version", d.Version),
	)
	return &ProvisionResult{
		Deployment: d,
		Variants:   report.Order,
		Scores:     report.Scores,
		Report:     report,
	}, nil
}

// ProvisionUser 使用已登记的档案执行 Provision。
func (o *Orchestrator) ProvisionUser(ctx context.Context, userID, persona string) (*ProvisionResult, error) {
	profile, err := o.Profile(userID)
	if err != nil {
		return nil, err
	}
	return o.Provision(ctx, profile, persona)
}

// EvaluationSnapshot 是最近一次评估的结果。
type EvaluationSnapshot struct {
	UserID      string             `json:"user_id"`
	Report      *evaluation.Report `json:"report"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
}

// EvaluationTraces 返回最近一次评估，尚未评估时返回 NOT_FOUND。
func (o *Orchestrator) EvaluationTraces() (*EvaluationSnapshot, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.latest == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "尚无评估结果")
	}
	snapshot := *o.latest
	return &snapshot, nil
}

// RequestApproval 登记待审批动作。
func (o *Orchestrator) RequestApproval(ctx context.Context, kind approval.Kind, payload map[string]any) (*approval.Request, error) {
	return o.gate.RequestApproval(ctx, kind, payload)
}

// ListPending 返回待审批请求。
func (o *Orchestrator) ListPending(ctx context.Context) ([]*approval.Request, error) {
	return o.gate.ListPending(ctx)
}

// Approve 批准并执行请求。
func (o *Orchestrator) Approve(ctx context.Context, id string) (*approval.Request, error) {
	return o.gate.Approve(ctx, id)
}

func (o *Orchestrator) alert(ctx context.Context, event alerting.Event) {
	if o.alerter == nil {
		return
	}
	if err := o.alerter.Notify(ctx, event); err != nil {
		o.logger.Error("告警通知失败", slog.Any("error", err), slog.String("code", string(event.Code)))
	}
}
