package reward

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/llm"
	"ReTool-Life/internal/variant"
)

// CodeRegenerationFailed 表示重写变体指令失败。
const CodeRegenerationFailed xerrors.Code = "REGENERATION_FAILED"

func init() {
	xerrors.Register(CodeRegenerationFailed, xerrors.Attributes{
		Message:   "variant regeneration failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

const (
	defaultOptimizerModel = "gpt-4.1-mini"
	optimizerSystemPrompt = "You are an AI agent optimization expert."
)

// Regenerator 请求补全后端根据奖励信号重写变体指令。
type Regenerator struct {
	backend llm.Backend
	model   string
	now     func() time.Time
}

// NewRegenerator 创建重写器，model 为空时使用默认优化模型。
func NewRegenerator(backend llm.Backend, model string) *Regenerator {
	if strings.TrimSpace(model) == "" {
		model = defaultOptimizerModel
	}
	return &Regenerator{backend: backend, model: model, now: time.Now}
}

// Prompt 构造重写请求的提示词。
func Prompt(current *variant.Variant, vec Vector, weakAreas []string) string {
	values := make(map[string]float64, 5)
	for _, d := range vec.Dimensions() {
		values[d.Name] = d.Value
	}
	encoded, _ := json.MarshalIndent(values, "", "  ")

	weak := "none below threshold; improve overall performance"
	if len(weakAreas) > 0 {
		weak = strings.Join(weakAreas, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current agent performance metrics:\n%s\n\n", encoded)
	fmt.Fprintf(&b, "Weak areas that need improvement: %s\n\n", weak)
	fmt.Fprintf(&b, "Current instructions:\n%s\n\n", current.Instructions)
	b.WriteString("Generate improved instructions that address the weak areas while maintaining the agent's core responsibilities and personality. Focus on specific improvements for the weak areas.")
	return b.String()
}

// Regenerate 返回指令被重写的新变体；旧变体保持不变，会话由新旧变体共享。
func (r *Regenerator) Regenerate(ctx context.Context, current *variant.Variant, vec Vector, weakAreas []string) (*variant.Variant, error) {
	if current == nil {
		return nil, xerrors.Validation("没有可重写的变体")
	}
	if r.backend == nil {
		return nil, xerrors.New(CodeRegenerationFailed, "未配置补全后端")
	}

	resp, err := r.backend.Complete(ctx, llm.Request{
		Model:        r.model,
		Instructions: optimizerSystemPrompt,
		Conversation: []llm.Message{{Role: llm.RoleUser, Content: Prompt(current, vec, weakAreas)}},
		Temperature:  0.7,
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeRegenerationFailed, err, "重写变体指令失败",
			xerrors.WithMetadata("variant", current.Key()))
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return nil, xerrors.New(CodeRegenerationFailed, "补全后端返回空指令",
			xerrors.WithMetadata("variant", current.Key()))
	}
	return current.WithInstructions(strings.TrimSpace(resp.Text), r.now().UTC()), nil
}
