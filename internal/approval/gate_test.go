package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/pkg/logger"
)

func newTestGate(executor Executor) *Gate {
	seq := 0
	return NewGate(NewMemoryStore(), executor,
		WithLogger(logger.Discard()),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("approval-%08d", seq)
		}),
	)
}

func TestRequestApprovalHasNoSideEffects(t *testing.T) {
	var calls int32
	gate := newTestGate(ExecutorFunc(func(context.Context, Kind, map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}))

	req, err := gate.RequestApproval(context.Background(), KindPurchase, map[string]any{"product": "Magnesium"})
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if req.Status != StatusPending || req.ApprovedAt != nil || req.Result != nil {
		t.Fatalf("unexpected request state: %+v", req)
	}
	if calls != 0 {
		t.Fatalf("executor must not run before approval")
	}
	pending, err := gate.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("unexpected pending list: %+v", pending)
	}
}

func TestRequestApprovalRejectsUnknownKind(t *testing.T) {
	gate := newTestGate(nil)
	_, err := gate.RequestApproval(context.Background(), Kind("refund"), nil)
	if !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestListPendingKeepsCreationOrder(t *testing.T) {
	gate := newTestGate(ExecutorFunc(func(context.Context, Kind, map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		req, err := gate.RequestApproval(ctx, KindMessageSend, map[string]any{"message": i})
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		ids = append(ids, req.ID)
	}
	if _, err := gate.Approve(ctx, ids[1]); err != nil {
		t.Fatalf("approve: %v", err)
	}
	pending, _ := gate.ListPending(ctx)
	if len(pending) != 2 || pending[0].ID != ids[0] || pending[1].ID != ids[2] {
		t.Fatalf("unexpected pending order: %+v", pending)
	}
}

func TestApproveExecutesOnce(t *testing.T) {
	var calls int32
	gate := newTestGate(ExecutorFunc(func(_ context.Context, kind Kind, payload map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]any{"order_id": "AMZ-1", "product": payload["product"]}, nil
	}))
	ctx := context.Background()
	req, _ := gate.RequestApproval(ctx, KindPurchase, map[string]any{"product": "Magnesium"})

	approved, err := gate.Approve(ctx, req.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != StatusApproved || approved.ApprovedAt == nil {
		t.Fatalf("expected approved request, got %+v", approved)
	}
	if approved.Result == nil || approved.Result.Status != ResultSucceeded || approved.Result.Output["order_id"] != "AMZ-1" {
		t.Fatalf("unexpected result: %+v", approved.Result)
	}

	if _, err := gate.Approve(ctx, req.ID); !xerrors.IsCode(err, CodeApprovalAlreadyApproved) {
		t.Fatalf("expected already approved, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one execution, got %d", calls)
	}

	stored, err := gate.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Result == nil || stored.Result.Status != ResultSucceeded {
		t.Fatalf("result not persisted: %+v", stored)
	}
}

func TestApproveUnknownID(t *testing.T) {
	gate := newTestGate(ExecutorFunc(func(context.Context, Kind, map[string]any) (map[string]any, error) {
		return nil, nil
	}))
	if _, err := gate.Approve(context.Background(), "approval-missing"); !xerrors.IsCode(err, CodeApprovalNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentApproveExecutesAtMostOnce(t *testing.T) {
	var calls int32
	gate := newTestGate(ExecutorFunc(func(context.Context, Kind, map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(2 * time.Millisecond)
		return map[string]any{"sent": true}, nil
	}))
	ctx := context.Background()
	req, _ := gate.RequestApproval(ctx, KindMessageSend, map[string]any{"message": "hi"})

	const callers = 16
	var (
		wg        sync.WaitGroup
		successes int32
		conflicts int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Approve(ctx, req.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case xerrors.IsCode(err, CodeApprovalAlreadyApproved):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 || successes != 1 || conflicts != callers-1 {
		t.Fatalf("calls=%d successes=%d conflicts=%d", calls, successes, conflicts)
	}
}

func TestApproveExecutionFailureStaysApproved(t *testing.T) {
	var calls int32
	gate := newTestGate(ExecutorFunc(func(context.Context, Kind, map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("carrier rejected message")
	}))
	ctx := context.Background()
	req, _ := gate.RequestApproval(ctx, KindMessageSend, map[string]any{"message": "hi"})

	approved, err := gate.Approve(ctx, req.ID)
	if !xerrors.IsCode(err, CodeApprovalExecution) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if approved == nil || approved.Status != StatusApproved {
		t.Fatalf("request should stay approved: %+v", approved)
	}
	if approved.Result == nil || approved.Result.Status != ResultFailed || approved.Result.Error == "" {
		t.Fatalf("failure not recorded: %+v", approved.Result)
	}
	if _, err := gate.Approve(ctx, req.ID); !xerrors.IsCode(err, CodeApprovalAlreadyApproved) {
		t.Fatalf("expected already approved, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("failed action must not be re-executed, calls=%d", calls)
	}
	pending, _ := gate.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("approved request must leave the pending list")
	}
}

func TestDefaultRequestIDFormat(t *testing.T) {
	gate := NewGate(nil, nil, WithLogger(logger.Discard()))
	req, err := gate.RequestApproval(context.Background(), KindMessageSend, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(req.ID) != len("approval-")+8 || req.ID[:9] != "approval-" {
		t.Fatalf("unexpected id format: %s", req.ID)
	}
}
