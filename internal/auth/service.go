package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/pkg/logger"
)

const tokenSaltBytes = 16

type credential struct {
	hash    string
	subject Subject
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode        Mode
	credentials []credential
	audit       *slog.Logger
}

// NewService 构造身份认证服务实例。明文 Token 会在加载时立即哈希，不在内存中保留原文。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的认证模式", xerrors.WithMetadata("mode", string(mode)))
	}

	seen := make(map[string]struct{}, len(cfg.Operators))
	for _, op := range cfg.Operators {
		name := strings.TrimSpace(op.Name)
		if name == "" {
			return nil, xerrors.Validation("操作员名称不能为空")
		}
		if _, dup := seen[name]; dup {
			return nil, xerrors.Validation("操作员名称重复", xerrors.WithMetadata("operator", name))
		}
		seen[name] = struct{}{}

		hash := strings.TrimSpace(op.TokenHash)
		if hash == "" {
			if strings.TrimSpace(op.Token) == "" {
				return nil, xerrors.Validation("操作员缺少 token", xerrors.WithMetadata("operator", name))
			}
			var err error
			if hash, err = HashToken(op.Token); err != nil {
				return nil, err
			}
		}
		svc.credentials = append(svc.credentials, credential{
			hash:    hash,
			subject: Subject{Name: name, Permissions: append([]string(nil), op.Permissions...)},
		})
	}
	if len(svc.credentials) == 0 {
		return nil, xerrors.Validation("token 模式至少需要一个操作员")
	}
	return svc, nil
}

// Enabled 判断是否需要认证。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// AuthenticateRequest 解析 Authorization 头并返回对应的操作员。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	for _, cred := range s.credentials {
		if verifyToken(cred.hash, token) {
			subject := cred.subject
			subject.Permissions = append([]string(nil), cred.subject.Permissions...)
			subject.permissionsSet = nil
			subject.normalise()
			return &subject, nil
		}
	}
	return nil, ErrInvalidToken
}

// HashToken 对 Token 加盐哈希，结果可直接写入配置的 token_hash。
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", xerrors.Validation("token 不能为空")
	}
	salt := make([]byte, tokenSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest := sha256.Sum256(append(salt, []byte(token)...))
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedDigest := base64.RawStdEncoding.EncodeToString(digest[:])
	return encodedSalt + ":" + encodedDigest, nil
}

// verifyToken 验证 Token 是否与哈希值匹配。
func verifyToken(hashed, token string) bool {
	parts := strings.SplitN(hashed, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	digest := sha256.Sum256(append(salt, []byte(token)...))
	return subtle.ConstantTimeCompare(expected, digest[:]) == 1
}
