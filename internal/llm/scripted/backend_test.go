package scripted

import (
	"context"
	"strings"
	"testing"

	"ReTool-Life/internal/llm"
	"ReTool-Life/internal/scenario"
	"ReTool-Life/internal/variant"
)

type recordingInvoker struct {
	calls []string
}

func (r *recordingInvoker) Invoke(_ context.Context, name string, _ map[string]any) (any, error) {
	r.calls = append(r.calls, name)
	return map[string]any{"ok": true}, nil
}

func userTurn(text string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: text}}
}

func TestBaseSuiteScoresFullMarks(t *testing.T) {
	backend := New()
	for _, sc := range scenario.Load(scenario.PersonaHighStress) {
		resp, err := backend.Complete(context.Background(), llm.Request{
			Conversation: userTurn(sc.Prompt),
			Tools:        variant.BaseCapabilities,
		})
		if err != nil {
			t.Fatalf("%s: %v", sc.Name, err)
		}
		if got := scenario.Score(resp.Text, resp.ToolNames(), sc); got != 1.0 {
			t.Fatalf("%s: expected 1.0, got %v (text=%q tools=%v)", sc.Name, got, resp.Text, resp.ToolNames())
		}
	}
}

func TestOnlyAllowedToolsAreCalled(t *testing.T) {
	invoker := &recordingInvoker{}
	backend := New(WithToolInvoker(invoker))
	resp, err := backend.Complete(context.Background(), llm.Request{
		Conversation: userTurn("Send me a reminder to drink water"),
		Tools:        []string{"send_whatsapp"},
		CaptureTrace: true,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(invoker.calls) != 1 || invoker.calls[0] != "send_whatsapp" {
		t.Fatalf("expected whatsapp fallback, got %v", invoker.calls)
	}
	if resp.Trace == nil || len(resp.Trace.Spans) != 1 {
		t.Fatalf("expected one trace span, got %+v", resp.Trace)
	}

	resp, err = backend.Complete(context.Background(), llm.Request{
		Conversation: userTurn("I had trouble sleeping"),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(resp.ToolCalls) != 0 || resp.Trace != nil {
		t.Fatalf("no tools or trace expected, got %+v", resp)
	}
}

func TestFallbackReply(t *testing.T) {
	resp, err := New().Complete(context.Background(), llm.Request{Conversation: userTurn("hello there")})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text == "" || len(resp.ToolCalls) != 0 {
		t.Fatalf("unexpected fallback response: %+v", resp)
	}
}

func TestRewriteKeepsInstructionsAndNamesWeakAreas(t *testing.T) {
	prompt := "Current agent performance metrics:\n{}\n\nWeak areas that need improvement: safety_compliance, task_completion\n\n" +
		"Current instructions:\nYou are a sleep coach.\n\nGenerate improved instructions that address the weak areas."
	resp, err := New().Complete(context.Background(), llm.Request{Conversation: userTurn(prompt)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !strings.HasPrefix(resp.Text, "You are a sleep coach.") {
		t.Fatalf("instructions not preserved: %q", resp.Text)
	}
	if !strings.Contains(resp.Text, "safety_compliance, task_completion") {
		t.Fatalf("weak areas not named: %q", resp.Text)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Complete(ctx, llm.Request{Conversation: userTurn("water")}); err == nil {
		t.Fatalf("expected context error")
	}
}
