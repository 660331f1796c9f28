package retool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ReTool-Life/internal/api"
	"ReTool-Life/internal/approval"
	"ReTool-Life/internal/auth"
	"ReTool-Life/internal/llm/scripted"
	"ReTool-Life/internal/orchestrator"
	"ReTool-Life/internal/tools"
	"ReTool-Life/internal/variant"
	"ReTool-Life/pkg/logger"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gate := approval.NewGate(nil, nil, approval.WithLogger(logger.Discard()))
	registry := tools.NewRegistry(gate, tools.WithLogger(logger.Discard()))
	gate.SetExecutor(registry)
	orch := orchestrator.New(scripted.New(scripted.WithToolInvoker(registry)), gate,
		orchestrator.WithLogger(logger.Discard()),
		orchestrator.WithProfiles(variant.Profile{
			ID:          "user_001",
			Name:        "Ana",
			Preferences: variant.Preferences{WellnessGoals: []string{"better_sleep"}},
		}),
	)
	authService, err := auth.NewService(auth.Config{
		Mode:      auth.ModeToken,
		Operators: []auth.Operator{{Name: "lead", Token: "lead-token", Permissions: []string{"*"}}},
	})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	server := api.NewServer(":0", orch, nil, api.WithAuth(authService), api.WithLogger(logger.Discard()))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestClientDrivesProvisionChatAndApproval(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("lead-token")
	ctx := context.Background()

	provisioned, err := client.Provision(ctx, "user_001", "")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if provisioned.Deployment.Version != 1 || len(provisioned.Variants) != 2 {
		t.Fatalf("unexpected provision result: %+v", provisioned)
	}

	active, err := client.ActiveAgent(ctx, "user_001")
	if err != nil || active.ID != provisioned.Deployment.ID {
		t.Fatalf("active agent: %v %+v", err, active)
	}

	chat, err := client.Chat(ctx, "user_001", "I have back-to-back meetings all afternoon")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !chat.Success || len(chat.ApprovalIDs) != 1 {
		t.Fatalf("chat should open one approval: %+v", chat)
	}

	if chat.Trace == nil {
		t.Fatalf("chat should carry a trace: %+v", chat)
	}
	trace, err := client.Trace(ctx, chat.Trace.ID)
	if err != nil || trace.Source != "chat" || trace.UserID != "user_001" {
		t.Fatalf("trace lookup: %v %+v", err, trace)
	}
	spans, err := client.TraceSpans(ctx, chat.Trace.ID)
	if err != nil || spans.TotalSpans != len(spans.Spans) || spans.TotalSpans == 0 {
		t.Fatalf("trace spans: %v %+v", err, spans)
	}

		pending, err := client.PendingApprovals(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending approvals: %v %+v", err, pending)
	}
	approved, err := client.Approve(ctx, chat.ApprovalIDs[0])
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != "approved" || approved.Result == nil || approved.Result.Status != "succeeded" {
		t.Fatalf("unexpected approval: %+v", approved)
	}

	_, err = client.Approve(ctx, chat.ApprovalIDs[0])
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Code != "APPROVAL_ALREADY_APPROVED" {
		t.Fatalf("second approve should conflict, got %v", err)
	}

	if err := client.RecordAction(ctx, "user_001", Action{Action: "bedtime_reminder"}); err != nil {
		t.Fatalf("record action: %v", err)
	}
	outcome, err := client.ComputeRewards(ctx, "user_001")
	if err != nil {
		t.Fatalf("compute rewards: %v", err)
	}
	if outcome.Record.Actions != 2 || outcome.Record.Vector["safety_compliance"] != 0.95 {
		t.Fatalf("unexpected reward outcome: %+v", outcome.Record)
	}
	history, err := client.RewardHistory(ctx, "user_001", 10)
	if err != nil || len(history) != 1 {
		t.Fatalf("reward history: %v %+v", err, history)
	}
}

func TestClientReportsAuthErrors(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.ActiveAgent(context.Background(), "user_001")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token should be rejected, got %v", err)
	}
	client.SetAccessToken("lead-token")
	_, err = client.ActiveAgent(context.Background(), "user_001")
	if !errors.As(err, &apiErr) || apiErr.Code != "NO_ACTIVE_VARIANT" {
		t.Fatalf("expected NO_ACTIVE_VARIANT, got %v", err)
	}
}
