package variant

import (
	"strings"
	"time"

	xerrors "ReTool-Life/internal/errors"
)

const (
	defaultStandardModel = "gpt-4.1"
	defaultFastModel     = "gpt-4.1-mini"
)

// goalSpecialties 把健康目标映射到领域，未识别的目标被忽略。
var goalSpecialties = map[string]Specialty{
	"better_sleep":         SpecialtySleep,
	"stress_reduction":     SpecialtyStress,
	"stress_management":    SpecialtyStress,
	"exercise_consistency": SpecialtyFitness,
	"hydration":            SpecialtyNutrition,
}

// SpecialtyForGoal 返回目标对应的领域。
func SpecialtyForGoal(goal string) (Specialty, bool) {
	s, ok := goalSpecialties[strings.ToLower(strings.TrimSpace(goal))]
	return s, ok
}

// Generator 根据用户画像生成候选变体。
type Generator struct {
	registry      *Registry
	standardModel string
	fastModel     string
	maxHistory    int
	now           func() time.Time
}

// GeneratorOption 定义可选配置。
type GeneratorOption func(*Generator)

// WithModels 设置两个档位使用的模型名称。
func WithModels(standard, fast string) GeneratorOption {
	return func(g *Generator) {
		if strings.TrimSpace(standard) != "" {
			g.standardModel = standard
		}
		if strings.TrimSpace(fast) != "" {
			g.fastModel = fast
		}
	}
}

// WithMaxHistory 设置新建会话的历史上限。
func WithMaxHistory(n int) GeneratorOption {
	return func(g *Generator) {
		g.maxHistory = n
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGenerator 创建生成器。registry 为空时使用内置模板。
func NewGenerator(registry *Registry, opts ...GeneratorOption) *Generator {
	if registry == nil {
		registry = DefaultRegistry()
	}
	g := &Generator{
		registry:      registry,
		standardModel: defaultStandardModel,
		fastModel:     defaultFastModel,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Generate 为每个首次匹配的领域生成 standard 与 fast 两个变体；
// 没有任何目标匹配时生成一个通用变体。结果不会为空。
func (g *Generator) Generate(p Profile) ([]*Variant, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	channel := p.PreferredChannel()
	seen := make(map[Specialty]struct{})
	var variants []*Variant
	for _, goal := range p.Preferences.WellnessGoals {
		specialty, ok := SpecialtyForGoal(goal)
		if !ok {
			continue
		}
		if _, dup := seen[specialty]; dup {
			continue
		}
		seen[specialty] = struct{}{}

		tpl, ok := g.registry.Lookup(specialty, channel)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少领域模板: "+string(specialty))
		}
		variants = append(variants,
			g.build(p, tpl, TierStandard, len(variants)),
			g.build(p, tpl, TierFast, len(variants)+1),
		)
	}

	if len(variants) == 0 {
		tpl, ok := g.registry.Lookup(SpecialtyGeneric, channel)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少通用模板")
		}
		variants = append(variants, g.build(p, tpl, TierStandard, 0))
	}
	return variants, nil
}

func (g *Generator) build(p Profile, tpl Template, tier Tier, order int) *Variant {
	model := g.standardModel
	if tier == TierFast {
		model = g.fastModel
	}
	caps := make([]string, 0, len(BaseCapabilities)+len(tpl.ExtraCapabilities))
	caps = append(caps, BaseCapabilities...)
	caps = append(caps, tpl.ExtraCapabilities...)

	return &Variant{
		Specialty:    tpl.Specialty,
		Tier:         tier,
		Model:        model,
		Template:     tpl.Name,
		Name:         tpl.Title + " for " + p.Name,
		UserID:       p.ID,
		Instructions: composeInstructions(p, tpl),
		Capabilities: caps,
		Order:        order,
		CreatedAt:    g.now(),
		session:      NewSession(g.maxHistory),
	}
}
