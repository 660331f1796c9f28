package auth

import (
	"strings"

	xerrors "ReTool-Life/internal/errors"
)

// 认证相关错误码。
const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

// 权限名称。
const (
	// PermissionRead 允许查询用户、部署、奖励、任务与审批列表。
	PermissionRead = "read"
	// PermissionOperate 允许部署、对话、记录动作、计算奖励与提交任务。
	PermissionOperate = "operate"
	// PermissionApprove 允许批准待审批动作，批准即执行副作用。
	PermissionApprove = "approve"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "请求未通过身份认证",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "操作员缺少所需权限",
		Severity: xerrors.SeverityWarning,
	})
}

// Mode 决定认证方式。
type Mode string

const (
	// ModeDisabled 关闭认证，所有请求放行。
	ModeDisabled Mode = "disabled"
	// ModeToken 使用静态 Bearer Token 识别操作员。
	ModeToken Mode = "token"
)

// Operator 描述一个可以调用 API 的操作员。Token 与 TokenHash 二选一。
type Operator struct {
	Name        string   `json:"name"`
	Token       string   `json:"token,omitempty"`
	TokenHash   string   `json:"token_hash,omitempty"`
	Permissions []string `json:"permissions"`
}

// Config 是认证服务的配置。
type Config struct {
	Mode      Mode       `json:"mode"`
	Operators []Operator `json:"operators"`
}

// Subject 是通过认证的操作员，经由 context 传给请求处理函数。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(CodePermissionDenied, ErrPermissionDenied, "缺少权限 "+perm,
				xerrors.WithMetadata("operator", s.Name),
				xerrors.WithMetadata("permission", perm),
			)
		}
	}
	return nil
}
