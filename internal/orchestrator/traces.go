package orchestrator

import (
	"strings"
	"time"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/evaluation"
	"ReTool-Life/internal/llm"
)

const defaultTraceCapacity = 1000

// TraceRecord 是一次可按 ID 检索的补全追踪，来自场景评估或在线对话。
type TraceRecord struct {
	ID         string     `json:"trace_id"`
	Source     string     `json:"source"`
	UserID     string     `json:"user_id"`
	VariantKey string     `json:"variant"`
	Scenario   string     `json:"scenario,omitempty"`
	Input      string     `json:"input,omitempty"`
	Output     string     `json:"output,omitempty"`
	Tools      []string   `json:"tools_invoked,omitempty"`
	Trace      *llm.Trace `json:"trace"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// SpanView 是带耗时的单个追踪步骤。
type SpanView struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
	StartedAt  int64          `json:"started_at"`
	EndedAt    int64          `json:"ended_at"`
	DurationMS int64          `json:"duration_ms"`
}

// TraceSpans 是某条追踪的步骤明细。
type TraceSpans struct {
	TraceID    string     `json:"trace_id"`
	Source     string     `json:"source"`
	Model      string     `json:"model"`
	Spans      []SpanView `json:"spans"`
	TotalSpans int        `json:"total_spans"`
}

// WithTraceCapacity 设置按 ID 保留的追踪条数上限，超出时淘汰最早的记录。
func WithTraceCapacity(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.traceCapacity = n
		}
	}
}

func (o *Orchestrator) storeTrace(rec TraceRecord) {
	if rec.Trace == nil || strings.TrimSpace(rec.Trace.ID) == "" {
		return
	}
	rec.ID = rec.Trace.ID
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.traces[rec.ID]; !exists {
		o.traceOrder = append(o.traceOrder, rec.ID)
	}
	o.traces[rec.ID] = &rec
	for len(o.traceOrder) > o.traceCapacity {
		delete(o.traces, o.traceOrder[0])
		o.traceOrder = o.traceOrder[1:]
	}
}

func (o *Orchestrator) storeEvaluationTraces(userID string, report *evaluation.Report, at time.Time) {
	for _, key := range report.Order {
		for _, r := range report.Traces[key] {
			o.storeTrace(TraceRecord{
				Source:     llm.SourceEvaluation,
				UserID:     userID,
				VariantKey: r.VariantKey,
				Scenario:   r.Scenario,
				Input:      r.Prompt,
				Output:     r.Response,
				Tools:      r.ToolsInvoked,
				Trace:      r.Trace,
				RecordedAt: at,
			})
		}
	}
}

// Trace 按 ID 查找评估或对话产生的追踪。
func (o *Orchestrator) Trace(id string) (*TraceRecord, error) {
	id = strings.TrimSpace(id)
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.traces[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "追踪不存在", xerrors.WithMetadata("trace_id", id))
	}
	out := *rec
	return &out, nil
}

// TraceSpans 返回追踪的步骤明细。
func (o *Orchestrator) TraceSpans(id string) (*TraceSpans, error) {
	rec, err := o.Trace(id)
	if err != nil {
		return nil, err
	}
	out := &TraceSpans{
		TraceID: rec.ID,
		Source:  rec.Source,
		Model:   rec.Trace.Model,
		Spans:   make([]SpanView, 0, len(rec.Trace.Spans)),
	}
	for _, span := range rec.Trace.Spans {
		view := SpanView{
			Name:       span.Name,
			Attributes: span.Attributes,
			StartedAt:  span.StartedAt,
			EndedAt:    span.EndedAt,
		}
		if span.EndedAt >= span.StartedAt && span.StartedAt > 0 {
			view.DurationMS = span.EndedAt - span.StartedAt
		}
		out.Spans = append(out.Spans, view)
	}
	out.TotalSpans = len(out.Spans)
	return out, nil
}
