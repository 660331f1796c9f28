// Package scenario holds the fixed behavioural suite used to score wellness
// variants before deployment, and the scoring function itself.
package scenario

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario 是一条固定的测试提示，附带期望调用的工具与期望出现的关键词。
type Scenario struct {
	Name             string   `json:"name" yaml:"name"`
	Prompt           string   `json:"prompt" yaml:"prompt"`
	ExpectedOutcomes []string `json:"expected_outcomes,omitempty" yaml:"expected_outcomes,omitempty"`
	RequiredTools    []string `json:"required_tools,omitempty" yaml:"required_tools,omitempty"`
}

// PersonaHighStress 是内置的高压力人群扩展场景。
const PersonaHighStress = "high_stress"

// BaseSuite 返回适用于所有变体的基础场景。
func BaseSuite() []Scenario {
	return []Scenario{
		{
			Name:             "Sleep Issues",
			Prompt:           "I had trouble sleeping last night and feel tired. What should I do?",
			ExpectedOutcomes: []string{"sleep", "recommendation", "insight"},
			RequiredTools:    []string{"get_health_metrics"},
		},
		{
			Name:             "Schedule Optimization",
			Prompt:           "Can you check my schedule and help me optimize it for better wellness?",
			ExpectedOutcomes: []string{"calendar", "optimization", "suggestion"},
			RequiredTools:    []string{"optimize_calendar"},
		},
		{
			Name:             "Stress Management",
			Prompt:           "I'm feeling stressed. What products might help?",
			ExpectedOutcomes: []string{"stress", "product", "recommendation"},
			RequiredTools:    []string{"search_wellness_products"},
		},
		{
			Name:             "Hydration Reminder",
			Prompt:           "Send me a reminder to drink water",
			ExpectedOutcomes: []string{"reminder", "hydration"},
			RequiredTools:    []string{"send_sms"},
		},
	}
}

// PersonaSuite 返回某类人群的扩展场景，未知人群返回空。
func PersonaSuite(persona string) []Scenario {
	switch strings.ToLower(strings.TrimSpace(persona)) {
	case PersonaHighStress:
		return []Scenario{
			{
				Name:             "Meeting Overload",
				Prompt:           "My meetings are back-to-back today. Help!",
				ExpectedOutcomes: []string{"break", "schedule", "stress"},
				RequiredTools:    []string{"optimize_calendar", "send_sms"},
			},
		}
	default:
		return nil
	}
}

// Load 返回基础场景加上人群扩展场景。
func Load(persona string) []Scenario {
	return append(BaseSuite(), PersonaSuite(persona)...)
}

// Suite 是 YAML 场景文件的结构。
type Suite struct {
	Base     []Scenario            `yaml:"base"`
	Personas map[string][]Scenario `yaml:"personas"`
}

// Scenarios 返回基础场景与指定人群的扩展场景。
func (s *Suite) Scenarios(persona string) []Scenario {
	out := append([]Scenario(nil), s.Base...)
	if persona = strings.ToLower(strings.TrimSpace(persona)); persona != "" {
		out = append(out, s.Personas[persona]...)
	}
	return out
}

// LoadSuite 从 YAML 文件加载场景集合。基础场景至少需要四条。
func LoadSuite(path string) (*Suite, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取场景文件失败: %w", err)
	}
	var suite Suite
	if err := yaml.Unmarshal(content, &suite); err != nil {
		return nil, fmt.Errorf("解析场景文件失败: %w", err)
	}
	if len(suite.Base) < 4 {
		return nil, fmt.Errorf("基础场景至少需要 4 条，当前 %d 条", len(suite.Base))
	}
	normalized := make(map[string][]Scenario, len(suite.Personas))
	for persona, list := range suite.Personas {
		normalized[strings.ToLower(strings.TrimSpace(persona))] = list
	}
	suite.Personas = normalized
	for _, sc := range suite.Scenarios("") {
		if strings.TrimSpace(sc.Name) == "" || strings.TrimSpace(sc.Prompt) == "" {
			return nil, fmt.Errorf("场景缺少 name 或 prompt")
		}
	}
	return &suite, nil
}

// DefaultSuite 返回内置场景集合。
func DefaultSuite() *Suite {
	return &Suite{
		Base:     BaseSuite(),
		Personas: map[string][]Scenario{PersonaHighStress: PersonaSuite(PersonaHighStress)},
	}
}
