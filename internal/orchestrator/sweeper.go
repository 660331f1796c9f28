package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "ReTool-Life/internal/errors"
)

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Sweeper 按 cron 表达式周期性地为有新动作的已部署用户计算奖励。
type Sweeper struct {
	orch     *Orchestrator
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
}

// NewSweeper 解析调度表达式，例如 "@every 1h" 或 "0 */30 * * * *"。
func NewSweeper(orch *Orchestrator, schedule string, timeout time.Duration) (*Sweeper, error) {
	if orch == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 orchestrator")
	}
	schedule = strings.TrimSpace(schedule)
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "奖励调度表达式无效")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Sweeper{
		orch:     orch,
		cron:     cron.New(cron.WithParser(scheduleParser)),
		schedule: schedule,
		timeout:  timeout,
	}, nil
}

// Start 启动调度并阻塞到 ctx 结束，返回前等待正在执行的一轮完成。
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		s.Sweep(runCtx)
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "注册奖励调度失败")
	}
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}

// Sweep 对每个有新动作的已部署用户执行一次 ComputeRewards，返回处理的用户数。
func (s *Sweeper) Sweep(ctx context.Context) int {
	processed := 0
	for _, userID := range s.orch.registry.UserIDs() {
		if ctx.Err() != nil {
			break
		}
		if len(s.orch.Actions(userID)) == 0 {
			continue
		}
		outcome, err := s.orch.ComputeRewards(ctx, userID)
		if err != nil {
			s.orch.logger.Warn("周期奖励计算失败", slog.String("user_id", userID), slog.Any("error", err))
			continue
		}
		processed++
		s.orch.logger.Debug("周期奖励计算完成",
			slog.String("user_id", userID),
			slog.Float64("aggregate", outcome.Record.Aggregate),
			slog.Bool("regenerated", outcome.Regenerated),
		)
	}
	return processed
}
