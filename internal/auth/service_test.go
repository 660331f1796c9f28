package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "ReTool-Life/internal/errors"
)

func newTokenService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashToken("approver-secret")
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	svc, err := NewService(Config{
		Mode: ModeToken,
		Operators: []Operator{
			{Name: "ops", Token: "ops-secret", Permissions: []string{PermissionRead, PermissionOperate}},
			{Name: "lead", TokenHash: hash, Permissions: []string{"*"}},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)

	subject, err := svc.AuthenticateRequest("Bearer ops-secret")
	if err != nil || subject.Name != "ops" {
		t.Fatalf("明文 token 应认证成功: %v %+v", err, subject)
	}
	if err := subject.Authorize(PermissionApprove); !xerrors.IsCode(err, CodePermissionDenied) {
		t.Fatalf("缺少审批权限应被拒绝，得到 %v", err)
	}

	lead, err := svc.AuthenticateRequest("bearer approver-secret")
	if err != nil || lead.Name != "lead" {
		t.Fatalf("哈希 token 应认证成功: %v %+v", err, lead)
	}
	if err := lead.Authorize(PermissionApprove, PermissionOperate); err != nil {
		t.Fatalf("通配权限应放行: %v", err)
	}

	if _, err := svc.AuthenticateRequest(""); err != ErrMissingToken {
		t.Fatalf("缺少 token 应返回 ErrMissingToken，得到 %v", err)
	}
	if _, err := svc.AuthenticateRequest("Bearer wrong"); err != ErrInvalidToken {
		t.Fatalf("错误 token 应返回 ErrInvalidToken，得到 %v", err)
	}
}

func TestNewServiceValidation(t *testing.T) {
	cases := []Config{
		{Mode: "oauth"},
		{Mode: ModeToken},
		{Mode: ModeToken, Operators: []Operator{{Name: "a"}}},
		{Mode: ModeToken, Operators: []Operator{{Name: "a", Token: "x"}, {Name: "a", Token: "y"}}},
	}
	for i, cfg := range cases {
		if _, err := NewService(cfg); err == nil {
			t.Fatalf("case %d: 期望配置校验失败", i)
		}
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Enabled() {
		t.Fatalf("默认应关闭认证: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTokenService(t)
	var seen string
	handler := svc.Middleware(MiddlewareConfig{Permissions: []string{PermissionApprove}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = SubjectFromContext(r.Context()).Name
			w.WriteHeader(http.StatusNoContent)
		}),
	)

	cases := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Bearer ops-secret", http.StatusForbidden},
		{"Bearer approver-secret", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/x/approve", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%q: 期望 %d，得到 %d", tc.header, tc.status, rec.Code)
		}
	}
	if seen != "lead" {
		t.Fatalf("处理函数应能从上下文读取操作员，得到 %q", seen)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, _ := NewService(Config{Mode: ModeDisabled})
	called := false
	handler := svc.Middleware(MiddlewareConfig{Permissions: []string{PermissionApprove}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = SubjectFromContext(r.Context()) == nil
		}),
	)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatalf("关闭认证时应直接放行且无操作员")
	}
}
