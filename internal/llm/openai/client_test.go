package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ReTool-Life/internal/llm"
)

type recordingInvoker struct {
	calls []string
}

func (r *recordingInvoker) Invoke(_ context.Context, name string, args map[string]any) (any, error) {
	r.calls = append(r.calls, name)
	return map[string]any{"status": "ok", "args": len(args)}, nil
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestCompleteTextOnly(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Get some sleep tonight."}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Complete(context.Background(), llm.Request{
		Instructions: "be kind",
		Conversation: []llm.Message{{Role: llm.RoleUser, Content: "tired"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Get some sleep tonight." {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] != defaultModelName {
		t.Fatalf("unexpected model: %v", captured.Body["model"])
	}
	msgs, _ := captured.Body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system + user message, got %d", len(msgs))
	}
}

func TestCompleteExecutesToolCalls(t *testing.T) {
	var round atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if round.Add(1) == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{
					"message": map[string]any{
						"role":    "assistant",
						"content": "",
						"tool_calls": []map[string]any{{
							"id":   "call-1",
							"type": "function",
							"function": map[string]any{
								"name":      "get_health_metrics",
								"arguments": `{"metric_type":"sleep"}`,
							},
						}},
					},
				}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Your sleep recommendation is ready."}},
			},
		})
	}))
	defer srv.Close()

	invoker := &recordingInvoker{}
	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL}, WithToolInvoker(invoker))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Complete(context.Background(), llm.Request{
		Conversation: []llm.Message{{Role: llm.RoleUser, Content: "how did I sleep"}},
		Tools:        []string{"get_health_metrics"},
		CaptureTrace: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resp.ToolNames(); len(got) != 1 || got[0] != "get_health_metrics" {
		t.Fatalf("unexpected tool names: %v", got)
	}
	if len(invoker.calls) != 1 {
		t.Fatalf("expected tool to be invoked once, got %d", len(invoker.calls))
	}
	if resp.Text != "Your sleep recommendation is ready." {
		t.Fatalf("unexpected text: %q", resp.Text)
	}
	if resp.Trace == nil || len(resp.Trace.Spans) != 3 {
		t.Fatalf("expected 3 trace spans, got %+v", resp.Trace)
	}
}

func TestCompleteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Complete(context.Background(), llm.Request{}); err == nil {
		t.Fatalf("expected error for bad request")
	}
}
