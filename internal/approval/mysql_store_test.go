package approval

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	xerrors "ReTool-Life/internal/errors"
)

func setupMockStore(t *testing.T) (sqlmock.Sqlmock, *MySQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return mock, &MySQLStore{db: db}
}

var requestColumns = []string{"id", "kind", "payload", "status", "created_at", "approved_at", "result"}

func TestMySQLStoreCreate(t *testing.T) {
	mock, store := setupMockStore(t)
	created := time.Unix(1700000000, 0)
	mock.ExpectExec("INSERT INTO approval_requests").
		WithArgs("approval-1", "purchase", `{"product":"Magnesium"}`, "pending", created.UnixNano()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Create(context.Background(), &Request{
		ID:        "approval-1",
		Kind:      KindPurchase,
		Payload:   map[string]any{"product": "Magnesium"},
		Status:    StatusPending,
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreCreateDuplicate(t *testing.T) {
	mock, store := setupMockStore(t)
	mock.ExpectExec("INSERT INTO approval_requests").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := store.Create(context.Background(), &Request{ID: "approval-1", Kind: KindPurchase, Status: StatusPending})
	if !xerrors.IsCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMySQLStoreClaim(t *testing.T) {
	approvedAt := time.Unix(1700000100, 0)
	claimSQL := regexp.QuoteMeta(`UPDATE approval_requests SET status = ?, approved_at = ? WHERE id = ? AND status = ?`)
	selectSQL := regexp.QuoteMeta(selectColumns + ` WHERE id = ?`)

	t.Run("wins the transition", func(t *testing.T) {
		mock, store := setupMockStore(t)
		mock.ExpectExec(claimSQL).
			WithArgs("approved", approvedAt.UnixNano(), "approval-1", "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(selectSQL).WithArgs("approval-1").
			WillReturnRows(sqlmock.NewRows(requestColumns).
				AddRow("approval-1", "message_send", `{"message":"hi"}`, "approved", int64(1), approvedAt.UnixNano(), nil))

		req, err := store.Claim(context.Background(), "approval-1", approvedAt)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if req.Status != StatusApproved || req.ApprovedAt == nil || !req.ApprovedAt.Equal(approvedAt) {
			t.Fatalf("unexpected request: %+v", req)
		}
		if req.Payload["message"] != "hi" {
			t.Fatalf("payload not decoded: %+v", req.Payload)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	})

	t.Run("already approved", func(t *testing.T) {
		mock, store := setupMockStore(t)
		mock.ExpectExec(claimSQL).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(selectSQL).WithArgs("approval-1").
			WillReturnRows(sqlmock.NewRows(requestColumns).
				AddRow("approval-1", "message_send", nil, "approved", int64(1), int64(2), `{"status":"succeeded"}`))

		req, err := store.Claim(context.Background(), "approval-1", approvedAt)
		if !xerrors.IsCode(err, CodeApprovalAlreadyApproved) {
			t.Fatalf("expected already approved, got %v", err)
		}
		if req == nil || req.Result == nil || req.Result.Status != ResultSucceeded {
			t.Fatalf("expected current state with result, got %+v", req)
		}
	})

	t.Run("missing request", func(t *testing.T) {
		mock, store := setupMockStore(t)
		mock.ExpectExec(claimSQL).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(selectSQL).WithArgs("approval-x").WillReturnRows(sqlmock.NewRows(requestColumns))

		if _, err := store.Claim(context.Background(), "approval-x", approvedAt); !xerrors.IsCode(err, CodeApprovalNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("storage failure", func(t *testing.T) {
		mock, store := setupMockStore(t)
		mock.ExpectExec(claimSQL).WillReturnError(errors.New("connection refused"))

		if _, err := store.Claim(context.Background(), "approval-1", approvedAt); !xerrors.IsCode(err, xerrors.CodeStorageFailure) {
			t.Fatalf("expected storage failure, got %v", err)
		}
	})
}

func TestMySQLStoreListPending(t *testing.T) {
	mock, store := setupMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectColumns + ` WHERE status = ? ORDER BY seq ASC`)).
		WithArgs("pending").
		WillReturnRows(sqlmock.NewRows(requestColumns).
			AddRow("approval-1", "purchase", `{"product":"Tea"}`, "pending", int64(10), nil, nil).
			AddRow("approval-2", "message_send", `{"message":"hi"}`, "pending", int64(20), nil, nil))

	pending, err := store.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "approval-1" || pending[1].Kind != KindMessageSend {
		t.Fatalf("unexpected pending: %+v", pending)
	}
}

func TestMySQLStoreComplete(t *testing.T) {
	mock, store := setupMockStore(t)
	mock.ExpectExec("UPDATE approval_requests SET result").
		WithArgs(sqlmock.AnyArg(), "approval-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Complete(context.Background(), "approval-1", ExecutionResult{Status: ResultSucceeded}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreCompleteUnchangedRow(t *testing.T) {
	updateSQL := "UPDATE approval_requests SET result"
	selectSQL := regexp.QuoteMeta(selectColumns + ` WHERE id = ?`)

	t.Run("existing row with identical result", func(t *testing.T) {
		mock, store := setupMockStore(t)
		mock.ExpectExec(updateSQL).WithArgs(sqlmock.AnyArg(), "approval-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(selectSQL).WithArgs("approval-1").
			WillReturnRows(sqlmock.NewRows(requestColumns).
				AddRow("approval-1", "message_send", nil, "approved", int64(1), int64(2), `{"status":"succeeded"}`))

		if err := store.Complete(context.Background(), "approval-1", ExecutionResult{Status: ResultSucceeded}); err != nil {
			t.Fatalf("unchanged row must not be reported missing: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	})

	t.Run("missing row", func(t *testing.T) {
		mock, store := setupMockStore(t)
		mock.ExpectExec(updateSQL).WithArgs(sqlmock.AnyArg(), "ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(selectSQL).WithArgs("ghost").WillReturnRows(sqlmock.NewRows(requestColumns))

		if err := store.Complete(context.Background(), "ghost", ExecutionResult{Status: ResultSucceeded}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("rows affected unavailable", func(t *testing.T) {
		mock, store := setupMockStore(t)
		mock.ExpectExec(updateSQL).WithArgs(sqlmock.AnyArg(), "approval-1").
			WillReturnResult(sqlmock.NewErrorResult(errors.New("driver lost count")))

		if err := store.Complete(context.Background(), "approval-1", ExecutionResult{Status: ResultSucceeded}); !xerrors.IsCode(err, xerrors.CodeStorageFailure) {
			t.Fatalf("expected storage failure, got %v", err)
		}
	})
}
