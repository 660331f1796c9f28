package task

import (
	"context"
	stdErrors "errors"
	"log/slog"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/observability/alerting"
	"ReTool-Life/internal/orchestrator"
	"ReTool-Life/pkg/logger"
)

// Provisioner 执行一次部署任务。
type Provisioner interface {
	Provision(ctx context.Context, task *Task) (*ProvisionResult, error)
}

// ProvisionerFunc 允许使用普通函数实现 Provisioner。
type ProvisionerFunc func(ctx context.Context, task *Task) (*ProvisionResult, error)

// Provision 实现 Provisioner 接口。
func (f ProvisionerFunc) Provision(ctx context.Context, task *Task) (*ProvisionResult, error) {
	return f(ctx, task)
}

// OrchestratorProvisioner 使用 orchestrator 中登记的用户档案执行部署。
func OrchestratorProvisioner(o *orchestrator.Orchestrator) Provisioner {
	return ProvisionerFunc(func(ctx context.Context, task *Task) (*ProvisionResult, error) {
		res, err := o.ProvisionUser(ctx, task.UserID, task.Persona)
		if err != nil {
			return nil, err
		}
		return &ProvisionResult{
			DeploymentID: res.Deployment.ID,
			VariantKey:   res.Deployment.Variant.Key(),
			Version:      res.Deployment.Version,
			Scores:       res.Scores,
		}, nil
	})
}

// Processor 负责从队列消费任务并执行部署。
type Processor struct {
	provisioner Provisioner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(provisioner Provisioner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		provisioner: provisioner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，阻塞到 ctx 结束或队列出错。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.provisioner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.provisioner.Provision(ctx, task)
	if execErr == nil && result == nil {
		execErr = xerrors.New(CodeTaskProcessing, "部署任务没有返回结果")
	}
	if execErr != nil {
		return p.handleFailure(ctx, task, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, *result); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Info("job_succeeded",
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.String("deployment_id", result.DeploymentID),
		slog.String("variant", result.VariantKey),
		slog.Int64("version", result.Version),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, task *Task, execErr error) error {
	if xerrors.CodeOf(execErr) == xerrors.CodeUnknown {
		execErr = xerrors.Wrap(CodeTaskProcessing, execErr, "部署任务执行失败")
	}
	code := xerrors.CodeOf(execErr)
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("job_failed",
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		alertCode := code
		stage := "non_retryable"
		if retryable {
			alertCode = CodeTaskExhausted
			stage = "exhausted"
		}
		p.emitAlert(ctx, task, alertCode, execErr, stage)
		return nil
	}

	if p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务生产者")
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, pubErr, "任务重投失败", xerrors.WithMetadata("task_id", task.ID))
		p.emitAlert(ctx, task, CodeTaskPublish, wrapped, "requeue")
		return wrapped
	}
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		UserID:     task.UserID,
		JobID:      task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
