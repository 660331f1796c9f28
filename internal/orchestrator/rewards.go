package orchestrator

import (
	"context"
	"log/slog"
	"strings"

	"ReTool-Life/internal/deploy"
	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/observability/alerting"
	"ReTool-Life/internal/observability/metrics"
	"ReTool-Life/internal/reward"
	"ReTool-Life/pkg/logger"
)

// RewardOutcome 是一次奖励计算的结果。Regenerated 为 true 时 Deployment 是新版本。
type RewardOutcome struct {
	Record            reward.Record      `json:"record"`
	Regenerated       bool               `json:"regenerated"`
	RegenerationError string             `json:"regeneration_error,omitempty"`
	Deployment        *deploy.Deployment `json:"deployment"`
}

func (o *Orchestrator) resetWindow(userID string, version int64) {
	o.mu.Lock()
	o.windows[userID] = &actionWindow{version: version}
	o.mu.Unlock()
}

// rollWindow 为新版本开启动作窗口。旧窗口中前 consumed 条已计入奖励，
// 其后在重写期间追加的动作转入新窗口。
func (o *Orchestrator) rollWindow(userID string, from int64, consumed int, to int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := &actionWindow{version: to}
	if w, ok := o.windows[userID]; ok && w.version == from && len(w.entries) > consumed {
		next.entries = append(next.entries, w.entries[consumed:]...)
	}
	o.windows[userID] = next
}

// RecordAction 为用户当前部署追加一条动作记录。与重新部署并发时，动作落入
// 最新版本的窗口。
func (o *Orchestrator) RecordAction(userID string, entry reward.ActionEntry) error {
	userID = strings.TrimSpace(userID)
	d, err := o.registry.Active(userID)
	if err != nil {
		return err
	}
	entry.Action = strings.TrimSpace(entry.Action)
	if entry.Action == "" {
		return xerrors.Validation("action 不能为空")
	}
	if entry.Status == "" {
		entry.Status = reward.StatusCompleted
	}
	if !reward.ValidStatus(entry.Status) {
		return xerrors.Validation("不支持的动作状态", xerrors.WithMetadata("status", entry.Status))
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = o.now().UTC()
	}
	entry.ToolCalls = append([]string(nil), entry.ToolCalls...)

	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.windows[userID]
	if !ok || w.version < d.Version {
		w = &actionWindow{version: d.Version}
		o.windows[userID] = w
	}
	w.entries = append(w.entries, entry)
	return nil
}

// Actions 返回用户当前部署窗口内的动作。
func (o *Orchestrator) Actions(userID string) []reward.ActionEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.windows[strings.TrimSpace(userID)]
	if !ok {
		return nil
	}
	out := make([]reward.ActionEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

func (o *Orchestrator) windowFor(userID string, version int64) []reward.ActionEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.windows[userID]
	if !ok || w.version != version {
		return nil
	}
	out := make([]reward.ActionEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

// ComputeRewards 对当前部署以来的动作计算奖励。聚合分低于升级阈值时重写指令并
// 重新部署；重写失败只记录日志与告警，原变体继续生效，奖励结果照常返回。
func (o *Orchestrator) ComputeRewards(ctx context.Context, userID string) (*RewardOutcome, error) {
	userID = strings.TrimSpace(userID)
	unlock := o.lockUser(userID)
	defer unlock()

	d, err := o.registry.Active(userID)
	if err != nil {
		return nil, err
	}
	actions := o.windowFor(userID, d.Version)
	record, err := o.calculator.Evaluate(ctx, reward.Subject{
		UserID:       userID,
		VariantKey:   d.Variant.Key(),
		DeploymentID: d.ID,
		Version:      d.Version,
		Specialty:    string(d.Variant.Specialty),
	}, actions)
	if err != nil {
		return nil, err
	}

	outcome := &RewardOutcome{Record: record, Deployment: d}
	if !record.Regenerate {
		return outcome, nil
	}

	next, err := o.regenerator.Regenerate(ctx, d.Variant, record.Vector, record.WeakAreas)
	if err == nil {
		var redeployed *deploy.Deployment
		redeployed, err = o.registry.Redeploy(userID, next)
		if err == nil {
			o.rollWindow(userID, d.Version, len(actions), redeployed.Version)
			metrics.ObserveRegeneration("succeeded")
			logger.Audit().Info("variant_regenerated",
				slog.String("user_id", userID),
				slog.String("deployment_id", redeployed.ID),
				slog.Int64("version", redeployed.Version),
				slog.Float64("aggregate", record.Aggregate),
				slog.Any("weak_areas", record.WeakAreas),
			)
			outcome.Regenerated = true
			outcome.Deployment = redeployed
			return outcome, nil
		}
	}

	if xerrors.CodeOf(err) == xerrors.CodeUnknown {
		err = xerrors.Wrap(reward.CodeRegenerationFailed, err, "重写变体指令失败")
	}
	metrics.ObserveRegeneration("failed")
	o.logger.Error("变体重写失败，保留当前部署",
		slog.String("user_id", userID),
		slog.String("deployment_id", d.ID),
		slog.Float64("aggregate", record.Aggregate),
		slog.Any("error", err),
	)
	event := alerting.EventFromError(err, "变体重写失败")
	event.UserID = userID
	if event.Metadata == nil {
		event.Metadata = make(map[string]string)
	}
	event.Metadata["deployment_id"] = d.ID
	event.Metadata["weak_areas"] = strings.Join(record.WeakAreas, ",")
	o.alert(ctx, event)
	outcome.RegenerationError = err.Error()
	return outcome, nil
}

// RewardHistory 返回用户最近的 limit 条奖励记录。
func (o *Orchestrator) RewardHistory(ctx context.Context, userID string, limit int) ([]reward.Record, error) {
	return o.calculator.History().List(ctx, strings.TrimSpace(userID), limit)
}
