package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ReTool-Life/internal/approval"
	"ReTool-Life/internal/auth"
	"ReTool-Life/internal/deploy"
	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/observability/metrics"
	"ReTool-Life/internal/orchestrator"
	"ReTool-Life/internal/reward"
	"ReTool-Life/internal/task"
	"ReTool-Life/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Server 负责暴露 REST 接口，供外部驱动 orchestrator。
type Server struct {
	addr          string
	orch          *orchestrator.Orchestrator
	jobs          *task.Service
	logger        *slog.Logger
	auth          *auth.Service
	exposeMetrics bool
}

// Option 定义可选配置。
type Option func(*Server)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuth 为路由启用操作员认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithMetricsEndpoint 控制是否在 API 端口上暴露 /metrics。
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) {
		s.exposeMetrics = enabled
	}
}

// NewServer 构造 API 服务实例。jobs 为空时异步任务接口返回 503。
func NewServer(addr string, orch *orchestrator.Orchestrator, jobs *task.Service, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		orch:   orch,
		jobs:   jobs,
		logger: logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册好全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	routes := []struct {
		pattern    string
		name       string
		permission string
		handler    http.HandlerFunc
	}{
		{"GET /api/v1/users", "list_users", auth.PermissionRead, s.handleListUsers},
		{"POST /api/v1/users/{id}/provision", "provision", auth.PermissionOperate, s.handleProvision},
		{"POST /api/v1/users/{id}/jobs", "submit_job", auth.PermissionOperate, s.handleSubmitJob},
		{"GET /api/v1/users/{id}/agent", "active_agent", auth.PermissionRead, s.handleActiveAgent},
		{"POST /api/v1/users/{id}/chat", "chat", auth.PermissionOperate, s.handleChat},
		{"POST /api/v1/users/{id}/actions", "record_action", auth.PermissionOperate, s.handleRecordAction},
		{"GET /api/v1/users/{id}/actions", "list_actions", auth.PermissionRead, s.handleListActions},
		{"POST /api/v1/users/{id}/rewards", "compute_rewards", auth.PermissionOperate, s.handleComputeRewards},
		{"GET /api/v1/users/{id}/rewards", "reward_history", auth.PermissionRead, s.handleRewardHistory},
		{"GET /api/v1/jobs", "list_jobs", auth.PermissionRead, s.handleListJobs},
		{"GET /api/v1/jobs/stats", "job_stats", auth.PermissionRead, s.handleJobStats},
		{"GET /api/v1/jobs/{id}", "job_detail", auth.PermissionRead, s.handleJobDetail},
		{"GET /api/v1/evaluations/latest", "latest_evaluation", auth.PermissionRead, s.handleLatestEvaluation},
		{"GET /api/v1/traces/{id}", "trace_detail", auth.PermissionRead, s.handleTrace},
		{"GET /api/v1/traces/{id}/spans", "trace_spans", auth.PermissionRead, s.handleTraceSpans},
		{"GET /api/v1/approvals/pending", "pending_approvals", auth.PermissionRead, s.handlePendingApprovals},
		{"POST /api/v1/approvals/{id}/approve", "approve", auth.PermissionApprove, s.handleApprove},
	}
	for _, route := range routes {
		var h http.Handler = route.handler
		if s.auth.Enabled() {
			h = s.auth.Middleware(auth.MiddlewareConfig{
				Permissions: []string{route.permission},
				AuditEvent:  route.name,
				OnError:     s.writeError,
			})(h)
		}
		mux.Handle(route.pattern, metrics.Instrument(route.name, h))
	}
	mux.Handle("GET /healthz", metrics.Instrument("healthz", http.HandlerFunc(s.handleHealth)))
	if s.exposeMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := xerrors.CodeOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("code", string(code)),
			slog.Any("error", err),
		)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: err.Error(), Code: string(code)})
}

// statusFor 把统一错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, approval.CodeApprovalNotFound, task.CodeTaskNotFound, deploy.CodeNoActiveVariant:
		return http.StatusNotFound
	case approval.CodeApprovalAlreadyApproved, xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case auth.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody 解析可选的 JSON 请求体，空请求体保持零值。
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
}

func queryLimit(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func (s *Server) handleListUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Profiles())
}

type provisionRequest struct {
	Persona string `json:"persona"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.orch.ProvisionUser(r.Context(), r.PathValue("id"), req.Persona)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type submitJobRequest struct {
	ID       string         `json:"id"`
	Persona  string         `json:"persona"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	var req submitJobRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := r.PathValue("id")
	if _, err := s.orch.Profile(userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), task.Request{
		ID:       req.ID,
		UserID:   userID,
		Persona:  req.Persona,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func jobListOptions(r *http.Request) []task.ListOption {
	query := r.URL.Query()
	opts := []task.ListOption{task.WithLimit(queryLimit(r, 20))}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			if status := task.Status(strings.TrimSpace(part)); task.IsValidStatus(status) {
				statuses = append(statuses, status)
			}
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if user := query.Get("user_id"); user != "" {
		opts = append(opts, task.WithUser(user))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	return opts
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	jobs, err := s.jobs.List(r.Context(), jobListOptions(r)...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	stats, err := s.jobs.Stats(r.Context(), jobListOptions(r)...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleActiveAgent(w http.ResponseWriter, r *http.Request) {
	d, err := s.orch.ActiveDeployment(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.orch.Chat(r.Context(), r.PathValue("id"), req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRecordAction(w http.ResponseWriter, r *http.Request) {
	var entry reward.ActionEntry
	if err := decodeBody(r, &entry); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.orch.RecordAction(r.PathValue("id"), entry); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"actions": len(s.orch.Actions(r.PathValue("id")))})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if _, err := s.orch.ActiveDeployment(userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Actions(userID))
}

func (s *Server) handleComputeRewards(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.orch.ComputeRewards(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleRewardHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.orch.RewardHistory(r.Context(), r.PathValue("id"), queryLimit(r, 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []reward.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLatestEvaluation(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.orch.EvaluationTraces()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.Trace(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTraceSpans(w http.ResponseWriter, r *http.Request) {
	spans, err := s.orch.TraceSpans(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, spans)
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.orch.ListPending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pending == nil {
		pending = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, err := s.orch.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if operator := auth.SubjectFromContext(r.Context()); operator != nil {
		logger.Audit().Info("approval_granted",
			slog.String("approval_id", req.ID),
			slog.String("operator", operator.Name),
		)
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
