// Package scripted implements a deterministic completion backend driven by
// keyword rules. It needs no network access and is used for local runs,
// demos and tests.
package scripted

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ReTool-Life/internal/llm"
)

const (
	defaultModel = "scripted"

	rewriteMarker      = "Generate improved instructions"
	instructionsMarker = "Current instructions:"
	weakAreasMarker    = "Weak areas that need improvement:"
)

// Rule 在用户消息命中任一关键词时调用工具并给出回复。
type Rule struct {
	Name     string
	Keywords []string
	// Tools 按优先级列出候选工具，只会调用请求允许的第一个。
	Tools [][]string
	Args  map[string]map[string]any
	Reply string
}

// DefaultRules 覆盖内置场景集中的各类请求。
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "meetings",
			Keywords: []string{"meeting", "back-to-back"},
			Tools:    [][]string{{"optimize_calendar"}, {"send_sms", "send_whatsapp"}},
			Args: map[string]map[string]any{
				"optimize_calendar": {"optimization_type": "breaks"},
				"send_sms":          {"message": "Take a 5-minute break between meetings."},
				"send_whatsapp":     {"message": "Take a 5-minute break between meetings."},
			},
			Reply: "Your schedule is packed, which adds stress. I added a short break between meetings and queued a reminder for you.",
		},
		{
			Name:     "sleep",
			Keywords: []string{"sleep", "tired", "insomnia", "restless"},
			Tools:    [][]string{{"get_health_metrics"}},
			Args:     map[string]map[string]any{"get_health_metrics": {"metric_type": "sleep"}},
			Reply:    "Here is an insight from your sleep data: your nights have been short. My recommendation is a consistent wind-down routine and no screens after 21:00.",
		},
		{
			Name:     "schedule",
			Keywords: []string{"schedule", "calendar", "optimize"},
			Tools:    [][]string{{"optimize_calendar"}},
			Args:     map[string]map[string]any{"optimize_calendar": {"optimization_type": "sleep"}},
			Reply:    "I reviewed your calendar. Optimization suggestion: move evening meetings earlier and block 21:00-22:00 to wind down.",
		},
		{
			Name:     "stress",
			Keywords: []string{"stress", "anxious", "anxiety", "product"},
			Tools:    [][]string{{"search_wellness_products"}},
			Args:     map[string]map[string]any{"search_wellness_products": {"query": "stress relief", "max_results": 3}},
			Reply:    "For stress, my product recommendation is Ashwagandha or L-Theanine. I can buy one once you approve.",
		},
		{
			Name:     "hydration",
			Keywords: []string{"water", "hydrat", "remind"},
			Tools:    [][]string{{"send_sms", "send_whatsapp"}},
			Args: map[string]map[string]any{
				"send_sms":      {"message": "Time to drink a glass of water!"},
				"send_whatsapp": {"message": "Time to drink a glass of water!"},
			},
			Reply: "I queued a hydration reminder for you. It will be sent as soon as you approve it.",
		},
	}
}

// Backend 是基于规则的确定性补全后端。
type Backend struct {
	rules    []Rule
	invoker  llm.ToolInvoker
	fallback string
}

// Option 定义可选配置。
type Option func(*Backend)

// WithRules 替换规则集。
func WithRules(rules []Rule) Option {
	return func(b *Backend) {
		if len(rules) > 0 {
			b.rules = rules
		}
	}
}

// WithToolInvoker 配置工具执行器；未配置时只记录工具调用。
func WithToolInvoker(invoker llm.ToolInvoker) Option {
	return func(b *Backend) {
		b.invoker = invoker
	}
}

// New 创建脚本化后端。
func New(opts ...Option) *Backend {
	b := &Backend{
		rules:    DefaultRules(),
		fallback: "I'm here to help with your wellness goals. Tell me how you are feeling today.",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Complete 实现 llm.Backend。
func (b *Backend) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	var trace *llm.Trace
	if req.CaptureTrace {
		trace = &llm.Trace{ID: uuid.NewString(), Model: model}
	}

	prompt := llm.LastUserMessage(req.Conversation)
	if strings.Contains(prompt, rewriteMarker) {
		started := time.Now()
		text := rewrite(prompt)
		addSpan(trace, "rewrite", started, nil)
		return &llm.Response{Text: text, Trace: trace}, nil
	}

	allowed := make(map[string]struct{}, len(req.Tools))
	for _, name := range req.Tools {
		allowed[name] = struct{}{}
	}

	lower := strings.ToLower(prompt)
	resp := &llm.Response{Trace: trace}
	for _, rule := range b.rules {
		if !matches(lower, rule.Keywords) {
			continue
		}
		for _, candidates := range rule.Tools {
			name, ok := firstAllowed(candidates, allowed)
			if !ok {
				continue
			}
			if err := b.call(ctx, resp, trace, name, rule.Args[name]); err != nil {
				return nil, err
			}
		}
		resp.Text = rule.Reply
		break
	}
	if resp.Text == "" {
		resp.Text = b.fallback
	}
	return resp, nil
}

func (b *Backend) call(ctx context.Context, resp *llm.Response, trace *llm.Trace, name string, template map[string]any) error {
	started := time.Now()
	args := make(map[string]any, len(template))
	for k, v := range template {
		args[k] = v
	}
	record := llm.ToolCall{Name: name, Arguments: args}
	if b.invoker != nil {
		result, err := b.invoker.Invoke(ctx, name, args)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			record.Result = map[string]any{"error": err.Error()}
		} else {
			record.Result = result
		}
	}
	resp.ToolCalls = append(resp.ToolCalls, record)
	addSpan(trace, "tool:"+name, started, map[string]any{"arguments": args})
	return nil
}

func matches(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func firstAllowed(candidates []string, allowed map[string]struct{}) (string, bool) {
	for _, name := range candidates {
		if _, ok := allowed[name]; ok {
			return name, true
		}
	}
	return "", false
}

// rewrite 从重写提示中取出当前指令，并追加针对薄弱项的要求。
func rewrite(prompt string) string {
	current := ""
	if idx := strings.Index(prompt, instructionsMarker); idx >= 0 {
		current = prompt[idx+len(instructionsMarker):]
		if end := strings.Index(current, rewriteMarker); end >= 0 {
			current = current[:end]
		}
	}
	current = strings.TrimSpace(current)

	weak := ""
	if idx := strings.Index(prompt, weakAreasMarker); idx >= 0 {
		weak = prompt[idx+len(weakAreasMarker):]
		if end := strings.IndexByte(weak, '\n'); end >= 0 {
			weak = weak[:end]
		}
	}
	weak = strings.TrimSpace(weak)

	return fmt.Sprintf("%s\n\nImprovement focus: %s. Confirm the user's intent before acting, follow up on unfinished tasks, and always request approval before sending messages or buying products.", current, weak)
}

func addSpan(trace *llm.Trace, name string, started time.Time, attrs map[string]any) {
	if trace == nil {
		return
	}
	trace.Spans = append(trace.Spans, llm.TraceSpan{
		Name:       name,
		Attributes: attrs,
		StartedAt:  started.UnixMilli(),
		EndedAt:    time.Now().UnixMilli(),
	})
}
