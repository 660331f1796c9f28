package evaluation

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/llm"
	"ReTool-Life/internal/scenario"
	"ReTool-Life/internal/variant"
	"ReTool-Life/pkg/logger"
)

func sleepVariants(t *testing.T) []*variant.Variant {
	t.Helper()
	variants, err := variant.NewGenerator(nil).Generate(variant.Profile{
		ID:          "u1",
		Name:        "Tester",
		Preferences: variant.Preferences{WellnessGoals: []string{"better_sleep"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return variants
}

func TestEvaluateScoresEveryPair(t *testing.T) {
	variants := sleepVariants(t)
	scenarios := []scenario.Scenario{{
		Name:             "Sleep Issues",
		Prompt:           "I slept badly",
		ExpectedOutcomes: []string{"sleep"},
		RequiredTools:    []string{"get_health_metrics"},
	}}

	backend := llm.BackendFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		if len(req.Conversation) != 1 || req.Conversation[0].Role != llm.RoleUser {
			t.Errorf("expected a fresh single-message conversation, got %+v", req.Conversation)
		}
		if !req.CaptureTrace {
			t.Errorf("expected trace capture")
		}
		if req.Model == "gpt-4.1" {
			return &llm.Response{
				Text:      "Your sleep data shows short nights.",
				ToolCalls: []llm.ToolCall{{Name: "get_health_metrics"}},
				Trace:     &llm.Trace{ID: "t1"},
			}, nil
		}
		return &llm.Response{Text: "Try to sleep earlier."}, nil
	})

	report, err := NewEvaluator(backend, WithLogger(logger.Discard())).Evaluate(context.Background(), variants, scenarios)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	standard, fast := variants[0].Key(), variants[1].Key()
	if got := report.Scores[standard]; got != 1.0 {
		t.Fatalf("expected standard score 1.0, got %v", got)
	}
	if got := report.Scores[fast]; got != 0.5 {
		t.Fatalf("expected fast score 0.5, got %v", got)
	}
	if len(report.Traces[standard]) != 1 || report.Traces[standard][0].Trace == nil {
		t.Fatalf("expected trace for standard variant")
	}
	best, err := report.Best()
	if err != nil || best != standard {
		t.Fatalf("expected %s to win, got %s (%v)", standard, best, err)
	}
}

func TestEvaluateFailureGetsPartialCredit(t *testing.T) {
	variants := sleepVariants(t)
	backend := llm.BackendFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, errors.New("upstream unavailable")
	})
	report, err := NewEvaluator(backend, WithLogger(logger.Discard())).Evaluate(context.Background(), variants, scenario.BaseSuite())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for _, v := range variants {
		if got := report.Scores[v.Key()]; got != 0.5 {
			t.Fatalf("expected 0.5 for %s, got %v", v.Key(), got)
		}
		for _, r := range report.Traces[v.Key()] {
			if !strings.Contains(r.Error, "upstream unavailable") {
				t.Fatalf("expected recorded error, got %q", r.Error)
			}
		}
	}
}

func TestEvaluateTimeoutGetsPartialCredit(t *testing.T) {
	variants := sleepVariants(t)[:1]
	backend := llm.BackendFunc(func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	eval := NewEvaluator(backend, WithTimeout(20*time.Millisecond), WithLogger(logger.Discard()))
	report, err := eval.Evaluate(context.Background(), variants, scenario.BaseSuite()[:1])
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	result := report.Traces[variants[0].Key()][0]
	if result.Score != 0.5 {
		t.Fatalf("expected 0.5, got %v", result.Score)
	}
	if !strings.Contains(result.Error, string(xerrors.CodeTimeout)) {
		t.Fatalf("expected timeout error, got %q", result.Error)
	}
}

func TestEvaluateRespectsWorkerLimit(t *testing.T) {
	variants := sleepVariants(t)
	var inflight, peak int32
	backend := llm.BackendFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return &llm.Response{Text: "ok"}, nil
	})
	_, err := NewEvaluator(backend, WithWorkers(2), WithLogger(logger.Discard())).Evaluate(context.Background(), variants, scenario.Load(scenario.PersonaHighStress))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", peak)
	}
}

func TestEvaluateEmptyScenariosScoresZero(t *testing.T) {
	variants := sleepVariants(t)
	backend := llm.BackendFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		t.Fatalf("backend must not be called")
		return nil, nil
	})
	report, err := NewEvaluator(backend).Evaluate(context.Background(), variants, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for _, v := range variants {
		if report.Scores[v.Key()] != 0 {
			t.Fatalf("expected zero score without scenarios")
		}
	}
}

func TestEvaluateRejectsNoVariants(t *testing.T) {
	_, err := NewEvaluator(llm.BackendFunc(nil)).Evaluate(context.Background(), nil, scenario.BaseSuite())
	if !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestEvaluateCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backend := llm.BackendFunc(func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		return nil, ctx.Err()
	})
	_, err := NewEvaluator(backend, WithLogger(logger.Discard())).Evaluate(ctx, sleepVariants(t), scenario.BaseSuite())
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestEvaluateRunsToolsAsDryRun(t *testing.T) {
	variants := sleepVariants(t)
	var scoped atomic.Int32
	backend := llm.BackendFunc(func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		scope := llm.ToolScopeFrom(ctx)
		if scope.DryRun && scope.Source == llm.SourceEvaluation && scope.UserID == "u1" {
			scoped.Add(1)
		}
		return &llm.Response{Text: "ok"}, nil
	})
	scenarios := []scenario.Scenario{{Name: "a", Prompt: "p"}, {Name: "b", Prompt: "q"}}
	if _, err := NewEvaluator(backend, WithLogger(logger.Discard())).Evaluate(context.Background(), variants, scenarios); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got, want := int(scoped.Load()), len(variants)*len(scenarios); got != want {
		t.Fatalf("expected %d dry-run scoped calls, got %d", want, got)
	}
}
