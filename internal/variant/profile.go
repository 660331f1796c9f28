package variant

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "ReTool-Life/internal/errors"
)

// HealthMetrics 是用户健康指标的快照。
type HealthMetrics struct {
	AvgSleepHours   float64 `json:"avg_sleep_hours" yaml:"avg_sleep_hours"`
	SleepQuality    float64 `json:"sleep_quality" yaml:"sleep_quality"`
	StressLevel     string  `json:"stress_level" yaml:"stress_level"`
	DailySteps      int     `json:"daily_steps,omitempty" yaml:"daily_steps,omitempty"`
	HydrationLiters float64 `json:"hydration_liters,omitempty" yaml:"hydration_liters,omitempty"`
}

// Schedule 描述用户的作息安排。
type Schedule struct {
	WorkHours string `json:"work_hours" yaml:"work_hours"`
	Timezone  string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Preferences 包含健康目标与偏好设置。
type Preferences struct {
	WellnessGoals      []string `json:"wellness_goals" yaml:"wellness_goals"`
	PurchaseApproval   string   `json:"purchase_approval" yaml:"purchase_approval"`
	CommunicationStyle string   `json:"communication_style" yaml:"communication_style"`
	MessagingChannel   string   `json:"messaging_channel,omitempty" yaml:"messaging_channel,omitempty"`
	AutomationComfort  string   `json:"automation_comfort,omitempty" yaml:"automation_comfort,omitempty"`
}

// Profile 是生成变体的只读输入。
type Profile struct {
	ID            string        `json:"id" yaml:"id"`
	Name          string        `json:"name" yaml:"name"`
	Phone         string        `json:"phone,omitempty" yaml:"phone,omitempty"`
	HealthMetrics HealthMetrics `json:"health_metrics" yaml:"health_metrics"`
	Schedule      Schedule      `json:"schedule" yaml:"schedule"`
	Preferences   Preferences   `json:"preferences" yaml:"preferences"`
}

// Validate 检查生成变体所需的字段。
func (p Profile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return xerrors.Validation("profile id 不能为空")
	}
	if strings.TrimSpace(p.Name) == "" {
		return xerrors.Validation("profile name 不能为空", xerrors.WithMetadata("profile_id", p.ID))
	}
	goals := 0
	for _, goal := range p.Preferences.WellnessGoals {
		if strings.TrimSpace(goal) != "" {
			goals++
		}
	}
	if goals == 0 {
		return xerrors.Validation("wellness goals 不能为空", xerrors.WithMetadata("profile_id", p.ID))
	}
	return nil
}

// PurchaseApprovalRequired 判断用户是否要求购买前审批。除非明确关闭，默认要求审批。
func (p Profile) PurchaseApprovalRequired() bool {
	switch strings.ToLower(strings.TrimSpace(p.Preferences.PurchaseApproval)) {
	case "not_required", "none", "auto", "false":
		return false
	default:
		return true
	}
}

// PreferredChannel 返回用户偏好的消息渠道，默认 sms。
func (p Profile) PreferredChannel() string {
	channel := strings.ToLower(strings.TrimSpace(p.Preferences.MessagingChannel))
	if channel == "" {
		return "sms"
	}
	return channel
}

type profileFile struct {
	Users []Profile `json:"users" yaml:"users"`
}

// LoadProfiles 从 YAML 或 JSON 文件读取用户档案，所有档案都必须通过校验。
func LoadProfiles(path string) ([]Profile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.Validation("用户文件路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取用户文件失败")
	}
	var file profileFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析用户文件失败")
	}
	seen := make(map[string]struct{}, len(file.Users))
	for _, p := range file.Users {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[p.ID]; dup {
			return nil, xerrors.Validation("用户 ID 重复: "+p.ID, xerrors.WithMetadata("profile_id", p.ID))
		}
		seen[p.ID] = struct{}{}
	}
	return file.Users, nil
}
