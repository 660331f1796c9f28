// Package reward turns the action log of a deployed wellness variant into a
// five-dimension reward vector and decides whether the variant's
// instructions should be regenerated.
package reward

import "time"

// 奖励维度名称，顺序即 Dimensions 的输出顺序。
const (
	DimTaskCompletion     = "task_completion"
	DimUserEngagement     = "user_engagement"
	DimTimingAccuracy     = "timing_accuracy"
	DimResourceEfficiency = "resource_efficiency"
	DimSafetyCompliance   = "safety_compliance"
)

// DimensionNames 返回全部维度名称。
func DimensionNames() []string {
	return []string{
		DimTaskCompletion,
		DimUserEngagement,
		DimTimingAccuracy,
		DimResourceEfficiency,
		DimSafetyCompliance,
	}
}

// Vector 是五维奖励向量，每个维度都在 [0,1] 内。
type Vector struct {
	TaskCompletion     float64 `json:"task_completion"`
	UserEngagement     float64 `json:"user_engagement"`
	TimingAccuracy     float64 `json:"timing_accuracy"`
	ResourceEfficiency float64 `json:"resource_efficiency"`
	SafetyCompliance   float64 `json:"safety_compliance"`
}

// Dimension 是单个命名维度。
type Dimension struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Dimensions 按固定顺序返回各维度。
func (v Vector) Dimensions() []Dimension {
	return []Dimension{
		{DimTaskCompletion, v.TaskCompletion},
		{DimUserEngagement, v.UserEngagement},
		{DimTimingAccuracy, v.TimingAccuracy},
		{DimResourceEfficiency, v.ResourceEfficiency},
		{DimSafetyCompliance, v.SafetyCompliance},
	}
}

// Aggregate 返回五个维度的算术平均。
func (v Vector) Aggregate() float64 {
	dims := v.Dimensions()
	var sum float64
	for _, d := range dims {
		sum += d.Value
	}
	return sum / float64(len(dims))
}

// WeakAreas 返回低于阈值的维度名称。
func (v Vector) WeakAreas(threshold float64) []string {
	var weak []string
	for _, d := range v.Dimensions() {
		if d.Value < threshold {
			weak = append(weak, d.Name)
		}
	}
	return weak
}

func (v Vector) clamped() Vector {
	return Vector{
		TaskCompletion:     clamp(v.TaskCompletion),
		UserEngagement:     clamp(v.UserEngagement),
		TimingAccuracy:     clamp(v.TimingAccuracy),
		ResourceEfficiency: clamp(v.ResourceEfficiency),
		SafetyCompliance:   clamp(v.SafetyCompliance),
	}
}

func clamp(x float64) float64 {
	switch {
	case x != x, x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

// Record 是奖励历史中的一条记录，只追加不修改。
type Record struct {
	UserID       string    `json:"user_id"`
	VariantKey   string    `json:"variant_key"`
	DeploymentID string    `json:"deployment_id"`
	Version      int64     `json:"version"`
	Vector       Vector    `json:"vector"`
	Aggregate    float64   `json:"aggregate"`
	WeakAreas    []string  `json:"weak_areas,omitempty"`
	Regenerate   bool      `json:"regenerate"`
	Actions      int       `json:"actions"`
	ComputedAt   time.Time `json:"computed_at"`
}
