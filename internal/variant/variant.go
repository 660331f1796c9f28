package variant

import (
	"fmt"
	"sync"
	"time"

	"ReTool-Life/internal/llm"
)

// Specialty 是变体关注的健康领域。
type Specialty string

const (
	SpecialtyGeneric   Specialty = "generic"
	SpecialtySleep     Specialty = "sleep"
	SpecialtyStress    Specialty = "stress"
	SpecialtyFitness   Specialty = "fitness"
	SpecialtyNutrition Specialty = "nutrition"
)

// Tier 是模型档位。
type Tier string

const (
	TierStandard Tier = "standard"
	TierFast     Tier = "fast"
)

// defaultMaxHistory 是会话保留的最大消息数量。
const defaultMaxHistory = 20

// Session 保存变体的对话上下文，重新生成指令时由新旧变体共享。
type Session struct {
	mu         sync.Mutex
	messages   []llm.Message
	maxHistory int
}

// NewSession 创建会话。maxHistory <= 0 时使用默认值。
func NewSession(maxHistory int) *Session {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Session{maxHistory: maxHistory}
}

// Messages 返回对话历史的副本。
func (s *Session) Messages() []llm.Message {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Append 追加消息，超过上限时丢弃最早的消息。
func (s *Session) Append(msgs ...llm.Message) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
	if over := len(s.messages) - s.maxHistory; over > 0 {
		s.messages = append([]llm.Message(nil), s.messages[over:]...)
	}
}

// Len 返回当前消息数量。
func (s *Session) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Variant 是一个完整配置的候选智能体。创建后不再修改。
type Variant struct {
	Specialty    Specialty `json:"specialty"`
	Tier         Tier      `json:"tier"`
	Model        string    `json:"model"`
	Template     string    `json:"template"`
	Name         string    `json:"name"`
	UserID       string    `json:"user_id"`
	Instructions string    `json:"instructions"`
	Capabilities []string  `json:"capabilities"`
	Order        int       `json:"order"`
	Revision     int       `json:"revision"`
	CreatedAt    time.Time `json:"created_at"`

	session *Session
}

// Key 返回变体在评估结果中的标识。两个档位可能配置同一模型，因此带上档位。
func (v *Variant) Key() string {
	return fmt.Sprintf("%s (%s) [%s]", v.Name, v.Model, v.Tier)
}

// Session 返回变体持有的会话。
func (v *Variant) Session() *Session {
	return v.session
}

// WithInstructions 基于新指令生成一个新变体，身份与会话保持不变。
func (v *Variant) WithInstructions(instructions string, now time.Time) *Variant {
	next := *v
	next.Instructions = instructions
	next.Capabilities = append([]string(nil), v.Capabilities...)
	next.Revision = v.Revision + 1
	next.CreatedAt = now
	return &next
}

// HasCapability 判断变体能否调用指定工具。
func (v *Variant) HasCapability(tool string) bool {
	for _, c := range v.Capabilities {
		if c == tool {
			return true
		}
	}
	return false
}
