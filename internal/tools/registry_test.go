package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ReTool-Life/internal/approval"
	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/llm"
	"ReTool-Life/internal/variant"
	"ReTool-Life/pkg/logger"
)

func newSandbox(t *testing.T) (*Registry, *approval.Gate) {
	t.Helper()
	gate := approval.NewGate(approval.NewMemoryStore(), nil, approval.WithLogger(logger.Discard()))
	reg := NewRegistry(gate,
		WithLogger(logger.Discard()),
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }),
	)
	gate.SetExecutor(reg)
	return reg, gate
}

func TestRegistryCoversVariantCapabilities(t *testing.T) {
	reg, _ := newSandbox(t)
	for _, tpl := range variant.DefaultTemplates() {
		caps := append(append([]string(nil), variant.BaseCapabilities...), tpl.ExtraCapabilities...)
		for _, name := range caps {
			spec, ok := reg.Spec(name)
			if !ok {
				t.Fatalf("capability %s of template %s has no tool", name, tpl.Name)
			}
			if spec.Parameters["type"] != "object" {
				t.Fatalf("tool %s has no object schema", name)
			}
		}
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	reg, _ := newSandbox(t)
	if _, err := reg.Invoke(context.Background(), "teleport", nil); !xerrors.IsCode(err, CodeToolNotFound) {
		t.Fatalf("expected tool not found, got %v", err)
	}
}

func TestReadOnlyTools(t *testing.T) {
	reg, gate := newSandbox(t)
	ctx := context.Background()

	sleep, err := reg.Invoke(ctx, "get_health_metrics", map[string]any{"user_id": "u1", "metric_type": "sleep"})
	if err != nil {
		t.Fatalf("health metrics: %v", err)
	}
	if sleep.(map[string]any)["hours"] != 6.4 {
		t.Fatalf("unexpected sleep metrics: %+v", sleep)
	}

	products, err := reg.Invoke(ctx, "search_wellness_products", map[string]any{"query": "stress relief", "max_results": float64(2)})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	list := products.([]map[string]any)
	if len(list) != 2 || list[0]["category"] != "stress" {
		t.Fatalf("unexpected products: %+v", list)
	}

	plan, err := reg.Invoke(ctx, "optimize_calendar", map[string]any{"user_id": "u1", "optimization_type": "breaks"})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	opts := plan.(map[string]any)["optimizations"].([]map[string]any)
	if len(opts) < 2 || opts[0]["type"] != "add_buffer" {
		t.Fatalf("expected back-to-back buffer suggestion, got %+v", opts)
	}

	if _, err := reg.Invoke(ctx, "execute_ios_shortcut", map[string]any{"shortcut_name": "nope"}); !xerrors.IsCode(err, CodeToolFailed) {
		t.Fatalf("expected tool failure, got %v", err)
	}

	pending, _ := gate.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("read-only tools must not open approvals")
	}
}

func TestSendSMSRequiresApproval(t *testing.T) {
	reg, gate := newSandbox(t)
	ctx := context.Background()

	out, err := reg.Invoke(ctx, "send_sms", map[string]any{"message": "Drink water", "to_number": "+15550001"})
	if err != nil {
		t.Fatalf("send_sms: %v", err)
	}
	result := out.(map[string]any)
	if result["status"] != "pending_approval" {
		t.Fatalf("expected pending approval, got %+v", result)
	}
	id := result["approval_id"].(string)

	pending, _ := gate.ListPending(ctx)
	if len(pending) != 1 || pending[0].ID != id || pending[0].Kind != approval.KindMessageSend {
		t.Fatalf("unexpected pending approvals: %+v", pending)
	}

	approved, err := gate.Approve(ctx, id)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Result.Output["status"] != "sent_mock" || approved.Result.Output["channel"] != "sms" {
		t.Fatalf("unexpected delivery: %+v", approved.Result.Output)
	}
}

func TestCommerceBuyRequiresApproval(t *testing.T) {
	reg, gate := newSandbox(t)
	ctx := context.Background()

	out, err := reg.Invoke(ctx, "commerce_buy", map[string]any{
		"product_id":   "prod-002",
		"product_name": "Magnesium Glycinate 400mg",
		"price":        24.99,
	})
	if err != nil {
		t.Fatalf("commerce_buy: %v", err)
	}
	id := out.(map[string]any)["approval_id"].(string)

	approved, err := gate.Approve(ctx, id)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	orderID, _ := approved.Result.Output["order_id"].(string)
	if !strings.HasPrefix(orderID, "AMZ-") || len(orderID) != len("AMZ-")+8 {
		t.Fatalf("unexpected order id %q", orderID)
	}
}

func TestCommerceBuyValidation(t *testing.T) {
	reg, _ := newSandbox(t)
	_, err := reg.Invoke(context.Background(), "commerce_buy", map[string]any{"product_id": "p"})
	if !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestGatedToolWithoutGate(t *testing.T) {
	reg := NewRegistry(nil, WithLogger(logger.Discard()))
	_, err := reg.Invoke(context.Background(), "send_whatsapp", map[string]any{"message": "hi"})
	if !xerrors.IsCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestDryRunScopeSkipsGate(t *testing.T) {
	reg, gate := newSandbox(t)
	ctx := llm.WithToolScope(context.Background(), llm.ToolScope{Source: llm.SourceEvaluation, UserID: "u1", DryRun: true})

	for _, call := range []struct {
		name string
		args map[string]any
	}{
		{"send_sms", map[string]any{"message": "Drink water"}},
		{"commerce_buy", map[string]any{"product_id": "prod-002", "product_name": "Magnesium", "price": 24.99}},
	} {
		out, err := reg.Invoke(ctx, call.name, call.args)
		if err != nil {
			t.Fatalf("%s: %v", call.name, err)
		}
		result := out.(map[string]any)
		if result["status"] != "pending_approval" || result["dry_run"] != true {
			t.Fatalf("%s should return a simulated pending result, got %+v", call.name, result)
		}
		if _, ok := result["approval_id"]; ok {
			t.Fatalf("%s must not carry an approval id in dry run: %+v", call.name, result)
		}
	}

	pending, _ := gate.ListPending(context.Background())
	if len(pending) != 0 {
		t.Fatalf("dry run must not open approvals, got %d", len(pending))
	}
}

func TestLiveScopeStampsApprovalPayload(t *testing.T) {
	reg, gate := newSandbox(t)
	ctx := llm.WithToolScope(context.Background(), llm.ToolScope{Source: llm.SourceChat, UserID: "user_001", Phone: "+15550009"})

	if _, err := reg.Invoke(ctx, "send_sms", map[string]any{"message": "Wind down"}); err != nil {
		t.Fatalf("send_sms: %v", err)
	}
	if _, err := reg.Invoke(ctx, "commerce_buy", map[string]any{"product_id": "prod-001", "product_name": "Eye mask", "price": 9.5}); err != nil {
		t.Fatalf("commerce_buy: %v", err)
	}
	pending, _ := gate.ListPending(context.Background())
	if len(pending) != 2 {
		t.Fatalf("expected two approvals, got %d", len(pending))
	}
	for _, req := range pending {
		if req.Payload["user_id"] != "user_001" || req.Payload["source"] != llm.SourceChat {
			t.Fatalf("payload missing origin: %+v", req.Payload)
		}
		if req.Kind == approval.KindMessageSend && req.Payload["to_number"] != "+15550009" {
			t.Fatalf("recipient should fall back to the profile phone: %+v", req.Payload)
		}
	}

	if _, err := reg.Invoke(context.Background(), "send_sms", map[string]any{"message": "hi", "to_number": "+1"}); err != nil {
		t.Fatalf("send_sms without scope: %v", err)
	}
	pending, _ = gate.ListPending(context.Background())
	last := pending[len(pending)-1]
	if last.Payload["source"] != sourceDirect || last.Payload["to_number"] != "+1" {
		t.Fatalf("unscoped call should be stamped as direct: %+v", last.Payload)
	}
}

type failingSender struct{}

func (failingSender) Send(context.Context, string, string, string) (map[string]any, error) {
	return nil, errors.New("carrier unavailable")
}

func TestApprovedMessageDeliveryFailure(t *testing.T) {
	gate := approval.NewGate(approval.NewMemoryStore(), nil, approval.WithLogger(logger.Discard()))
	reg := NewRegistry(gate, WithLogger(logger.Discard()), WithSender(failingSender{}))
	gate.SetExecutor(reg)
	ctx := context.Background()

	out, err := reg.Invoke(ctx, "send_sms", map[string]any{"message": "Stretch", "to_number": "+1"})
	if err != nil {
		t.Fatalf("send_sms: %v", err)
	}
	id := out.(map[string]any)["approval_id"].(string)

	approved, err := gate.Approve(ctx, id)
	if !xerrors.IsCode(err, approval.CodeApprovalExecution) || !xerrors.IsCode(err, xerrors.CodeExecutorFailure) {
		t.Fatalf("expected execution failure wrapping EXECUTOR_FAILURE, got %v", err)
	}
	if approved == nil || approved.Status != approval.StatusApproved || approved.Result.Status != approval.ResultFailed {
		t.Fatalf("request should stay approved with a failed result: %+v", approved)
	}
}
