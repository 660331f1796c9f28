package auth

import (
	"log/slog"
	"net/http"
	"time"

	xerrors "ReTool-Life/internal/errors"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// Permissions 是访问该路由所需的全部权限。
	Permissions []string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
	// OnError 输出认证或授权失败的响应；为空时使用 http.Error。
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	fail := cfg.OnError
	if fail == nil {
		fail = func(w http.ResponseWriter, _ *http.Request, err error) {
			status := http.StatusUnauthorized
			if xerrors.IsCode(err, CodePermissionDenied) {
				status = http.StatusForbidden
			}
			http.Error(w, http.StatusText(status), status)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(cfg.Permissions...)
			}
			if err != nil {
				attrs := []any{
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.String("code", string(xerrors.CodeOf(err))),
				}
				if subject != nil {
					attrs = append(attrs, slog.String("operator", subject.Name))
				}
				s.audit.Warn("access_denied", attrs...)
				fail(w, r, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("operator", subject.Name),
			)
		})
	}
}

// auditWriter 包装 http.ResponseWriter，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
