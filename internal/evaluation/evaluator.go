// Package evaluation scores wellness variants against the scenario suite and
// selects the variant to deploy.
package evaluation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/llm"
	"ReTool-Life/internal/observability/metrics"
	"ReTool-Life/internal/scenario"
	"ReTool-Life/internal/variant"
	"ReTool-Life/pkg/logger"
)

const (
	defaultWorkers = 4
	defaultTimeout = 30 * time.Second

	// partialCredit 是单个场景失败（含超时）时给出的分数。
	partialCredit = 0.5
)

// ScenarioResult 是一次 (variant, scenario) 评估的结果，创建后不再修改。
type ScenarioResult struct {
	VariantKey   string     `json:"variant_key"`
	Scenario     string     `json:"scenario"`
	Prompt       string     `json:"prompt"`
	Score        float64    `json:"score"`
	Response     string     `json:"response,omitempty"`
	ToolsInvoked []string   `json:"tools_invoked,omitempty"`
	Error        string     `json:"error,omitempty"`
	Trace        *llm.Trace `json:"trace,omitempty"`
}

// Report 汇总一次评估运行。
type Report struct {
	Scores map[string]float64          `json:"scores"`
	Traces map[string][]ScenarioResult `json:"traces"`
	// Order 按生成顺序列出变体标识，用于平分时的确定性选择。
	Order []string `json:"order"`
}

// Best 返回得分最高的变体标识。
func (r *Report) Best() (string, error) {
	if r == nil {
		return "", xerrors.Validation("评估报告为空")
	}
	return Select(r.Order, r.Scores)
}

// Evaluator 通过补全后端运行场景并打分。
type Evaluator struct {
	backend llm.Backend
	workers int
	timeout time.Duration
	logger  *slog.Logger
}

// Option 定义可选配置。
type Option func(*Evaluator)

// WithWorkers 设置并发评估的上限。
func WithWorkers(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithTimeout 设置单次补全调用的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEvaluator 创建评估器。
func NewEvaluator(backend llm.Backend, opts ...Option) *Evaluator {
	e := &Evaluator{
		backend: backend,
		workers: defaultWorkers,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("evaluation")
	}
	return e
}

// Evaluate 对每个 (variant, scenario) 组合调用后端并打分。单个组合失败时
// 记 0.5 分并继续；只有上下文被取消时才返回错误。工具调用以试运行方式执行，
// 不会登记审批。
func (e *Evaluator) Evaluate(ctx context.Context, variants []*variant.Variant, scenarios []scenario.Scenario) (*Report, error) {
	if e.backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置补全后端")
	}
	if len(variants) == 0 {
		return nil, xerrors.Validation("没有可评估的变体")
	}

	results := make([][]ScenarioResult, len(variants))
	for i := range results {
		results[i] = make([]ScenarioResult, len(scenarios))
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for vi, v := range variants {
		for si, sc := range scenarios {
			g.Go(func() error {
				results[vi][si] = e.runOne(ctx, v, sc)
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "评估被取消")
	}

	report := &Report{
		Scores: make(map[string]float64, len(variants)),
		Traces: make(map[string][]ScenarioResult, len(variants)),
		Order:  make([]string, 0, len(variants)),
	}
	for vi, v := range variants {
		key := v.Key()
		var total float64
		for _, r := range results[vi] {
			total += r.Score
		}
		mean := 0.0
		if len(scenarios) > 0 {
			mean = total / float64(len(scenarios))
		}
		report.Scores[key] = mean
		report.Traces[key] = results[vi]
		report.Order = append(report.Order, key)
	}
	return report, nil
}

func (e *Evaluator) runOne(ctx context.Context, v *variant.Variant, sc scenario.Scenario) ScenarioResult {
	result := ScenarioResult{
		VariantKey: v.Key(),
		Scenario:   sc.Name,
		Prompt:     sc.Prompt,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	callCtx = llm.WithToolScope(callCtx, llm.ToolScope{
		Source: llm.SourceEvaluation,
		UserID: v.UserID,
		DryRun: true,
	})

	resp, err := e.backend.Complete(callCtx, llm.Request{
		Model:        v.Model,
		Instructions: v.Instructions,
		Conversation: []llm.Message{{Role: llm.RoleUser, Content: sc.Prompt}},
		Tools:        v.Capabilities,
		CaptureTrace: true,
	})
	if err == nil && resp == nil {
		err = stdErrors.New("补全后端返回空结果")
	}
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "补全调用超时")
		}
		result.Score = partialCredit
		result.Error = err.Error()
		e.logger.Warn("场景评估失败，记部分分",
			slog.String("variant", result.VariantKey),
			slog.String("scenario", sc.Name),
			slog.Any("error", err),
		)
		metrics.ObserveScenario(string(v.Specialty), string(v.Tier), result.Score, true)
		return result
	}

	result.Response = resp.Text
	result.ToolsInvoked = resp.ToolNames()
	result.Trace = resp.Trace
	result.Score = scenario.Score(resp.Text, result.ToolsInvoked, sc)
	metrics.ObserveScenario(string(v.Specialty), string(v.Tier), result.Score, false)
	return result
}
