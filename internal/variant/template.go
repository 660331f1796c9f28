package variant

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// BaseCapabilities 是所有变体默认可调用的工具。
var BaseCapabilities = []string{
	"send_sms",
	"get_health_metrics",
	"search_wellness_products",
	"optimize_calendar",
	"web_search",
	"commerce_buy",
	"execute_ios_shortcut",
}

// Template 描述某个领域（及可选渠道）的指令模板。
type Template struct {
	Name              string    `yaml:"name"`
	Specialty         Specialty `yaml:"specialty"`
	Channel           string    `yaml:"channel,omitempty"`
	Title             string    `yaml:"title"`
	Focus             []string  `yaml:"focus"`
	Notes             string    `yaml:"notes,omitempty"`
	ExtraCapabilities []string  `yaml:"extra_capabilities,omitempty"`
}

// Registry 按 (specialty, channel) 索引模板。
type Registry struct {
	templates map[registryKey]Template
}

type registryKey struct {
	specialty Specialty
	channel   string
}

// NewRegistry 创建模板注册表，后注册的同键模板覆盖先注册的。
func NewRegistry(templates ...Template) *Registry {
	r := &Registry{templates: make(map[registryKey]Template, len(templates))}
	for _, tpl := range templates {
		r.Register(tpl)
	}
	return r
}

// Register 注册或覆盖模板。
func (r *Registry) Register(tpl Template) {
	key := registryKey{specialty: tpl.Specialty, channel: normalizeChannel(tpl.Channel)}
	if tpl.Name == "" {
		tpl.Name = string(tpl.Specialty)
		if key.channel != "" {
			tpl.Name = key.channel + "_" + tpl.Name
		}
	}
	r.templates[key] = tpl
}

// Lookup 返回指定领域的模板；若渠道专属模板存在则优先使用。
func (r *Registry) Lookup(specialty Specialty, channel string) (Template, bool) {
	if channel = normalizeChannel(channel); channel != "" {
		if tpl, ok := r.templates[registryKey{specialty: specialty, channel: channel}]; ok {
			return tpl, true
		}
	}
	tpl, ok := r.templates[registryKey{specialty: specialty}]
	return tpl, ok
}

// Names 返回已注册模板名称，按字母序。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for _, tpl := range r.templates {
		names = append(names, tpl.Name)
	}
	sort.Strings(names)
	return names
}

func normalizeChannel(channel string) string {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "sms" {
		return ""
	}
	return channel
}

// DefaultTemplates 返回内置模板集合。
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:      "wellness",
			Specialty: SpecialtyGeneric,
			Title:     "Wellness Agent",
		},
		{
			Name:      "sleep_specialist",
			Specialty: SpecialtySleep,
			Title:     "Sleep Optimization Specialist",
			Focus: []string{
				"Analyzing sleep patterns and quality",
				"Providing personalized sleep recommendations",
				"Monitoring bedtime routines",
				"Suggesting products that improve sleep quality",
				"Creating optimal wind-down schedules",
			},
		},
		{
			Name:      "stress_manager",
			Specialty: SpecialtyStress,
			Title:     "Stress Management Specialist",
			Focus: []string{
				"Monitoring stress indicators",
				"Suggesting breathing exercises and breaks",
				"Recommending stress-relief products",
				"Optimizing schedules to reduce stress",
				"Providing mindfulness reminders",
			},
		},
		{
			Name:      "fitness_coach",
			Specialty: SpecialtyFitness,
			Title:     "Fitness Coach",
			Focus: []string{
				"Tracking daily activity levels",
				"Suggesting exercise routines",
				"Monitoring sedentary time",
				"Recommending fitness products",
				"Creating movement reminders",
			},
		},
		{
			Name:      "nutrition_advisor",
			Specialty: SpecialtyNutrition,
			Title:     "Nutrition Advisor",
			Focus: []string{
				"Monitoring hydration levels",
				"Suggesting healthy eating habits",
				"Recommending nutritional supplements",
				"Creating meal timing reminders",
				"Tracking water intake goals",
			},
		},
		{
			Name:      "whatsapp_wellness",
			Specialty: SpecialtyGeneric,
			Channel:   "whatsapp",
			Title:     "WhatsApp Wellness Assistant",
			Focus: []string{
				"Communicating exclusively through WhatsApp messages",
				"Managing sleep tracking and optimization",
				"Controlling screentime limits and app restrictions",
				"Providing timely wellness reminders",
			},
			Notes:             "For messages, use the send_whatsapp tool instead of send_sms.",
			ExtraCapabilities: []string{"send_whatsapp", "start_screentime_limit", "activate_screentime"},
		},
		{
			Name:      "whatsapp_sleep_specialist",
			Specialty: SpecialtySleep,
			Channel:   "whatsapp",
			Title:     "WhatsApp Sleep Specialist",
			Focus: []string{
				"Analyzing sleep patterns and quality",
				"Sending WhatsApp sleep recaps and wind-down reminders",
				"Activating screentime limits before bedtime",
				"Suggesting products that improve sleep quality",
			},
			Notes:             "For messages, use the send_whatsapp tool instead of send_sms.",
			ExtraCapabilities: []string{"send_whatsapp", "start_screentime_limit", "activate_screentime"},
		},
	}
}

// DefaultRegistry 返回包含内置模板的注册表。
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultTemplates()...)
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates 从 YAML 文件加载模板并覆盖到内置模板之上。
func LoadTemplates(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("模板文件路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取模板文件失败: %w", err)
	}
	var file templateFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析模板文件失败: %w", err)
	}
	registry := DefaultRegistry()
	for idx, tpl := range file.Templates {
		if !validSpecialty(tpl.Specialty) {
			return nil, fmt.Errorf("模板 #%d 的 specialty 无效: %q", idx, tpl.Specialty)
		}
		registry.Register(tpl)
	}
	return registry, nil
}

func validSpecialty(s Specialty) bool {
	switch s {
	case SpecialtyGeneric, SpecialtySleep, SpecialtyStress, SpecialtyFitness, SpecialtyNutrition:
		return true
	default:
		return false
	}
}

// composeInstructions 把用户画像与模板拼装成完整指令。
func composeInstructions(p Profile, tpl Template) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a personalized wellness agent for %s with the following profile:\n", p.Name)
	fmt.Fprintf(&b, "- Sleep average: %.1f hours\n", p.HealthMetrics.AvgSleepHours)
	fmt.Fprintf(&b, "- Work schedule: %s\n", orUnknown(p.Schedule.WorkHours))
	fmt.Fprintf(&b, "- Health goals: %s\n", strings.Join(p.Preferences.WellnessGoals, ", "))
	fmt.Fprintf(&b, "- Stress level: %s\n", orUnknown(p.HealthMetrics.StressLevel))
	b.WriteString("\nYour responsibilities:\n")
	b.WriteString("1. Monitor health metrics and provide insights\n")
	b.WriteString("2. Optimize calendar for better work-life balance\n")
	b.WriteString("3. Send timely reminders for wellness activities\n")
	b.WriteString("4. Recommend wellness products when beneficial\n")
	approval := "required"
	if !p.PurchaseApprovalRequired() {
		approval = "not required"
	}
	fmt.Fprintf(&b, "\nAlways be respectful of user preferences. For purchases, approval is %s.\n", approval)
	fmt.Fprintf(&b, "Communication style should be %s.\n", orUnknown(p.Preferences.CommunicationStyle))
	b.WriteString("When using tools, always explain what you're doing and why.\n")

	if len(tpl.Focus) > 0 {
		fmt.Fprintf(&b, "\nAs a %s, focus on:\n", tpl.Title)
		for _, item := range tpl.Focus {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	if tpl.Notes != "" {
		b.WriteString("\n" + tpl.Notes + "\n")
	}
	return b.String()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
