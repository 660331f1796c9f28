package orchestrator

import (
	"context"
	"log/slog"
	"strings"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/llm"
	"ReTool-Life/internal/reward"
)

// ChatResult 是一次对话的结构化结果。后端失败时 Success 为 false，部署保持不变。
type ChatResult struct {
	Success      bool           `json:"success"`
	Reply        string         `json:"reply,omitempty"`
	ToolsInvoked []string       `json:"tools_invoked,omitempty"`
	ApprovalIDs  []string       `json:"approval_ids,omitempty"`
	VariantKey   string         `json:"variant"`
	Version      int64          `json:"version"`
	Error        string         `json:"error,omitempty"`
	Trace        *llm.Trace     `json:"trace,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Chat 用用户当前部署的变体回复消息，并把这次交互记为一条动作。
func (o *Orchestrator) Chat(ctx context.Context, userID, message string) (*ChatResult, error) {
	userID = strings.TrimSpace(userID)
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, xerrors.Validation("消息不能为空")
	}
	d, err := o.registry.Active(userID)
	if err != nil {
		return nil, err
	}
	if o.backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置补全后端")
	}

	v := d.Variant
	userMsg := llm.Message{Role: llm.RoleUser, Content: message}
	var conversation []llm.Message
	if session := v.Session(); session != nil {
		conversation = session.Messages()
	}
	conversation = append(conversation, userMsg)

	scope := llm.ToolScope{Source: llm.SourceChat, UserID: userID}
	if profile, err := o.Profile(userID); err == nil {
		scope.Phone = profile.Phone
	}
	callCtx, cancel := context.WithTimeout(llm.WithToolScope(ctx, scope), o.chatTimeout)
	defer cancel()
	resp, err := o.backend.Complete(callCtx, llm.Request{
		Model:        v.Model,
		Instructions: v.Instructions,
		Conversation: conversation,
		Tools:        v.Capabilities,
		CaptureTrace: true,
	})
	if err == nil && resp == nil {
		err = xerrors.New(xerrors.CodeBackendFailure, "补全后端返回空结果")
	}

	result := &ChatResult{VariantKey: v.Key(), Version: d.Version}
	entry := reward.ActionEntry{
		Action:    "chat",
		Input:     message,
		Timestamp: o.now().UTC(),
	}
	if err != nil {
		o.logger.Warn("对话调用失败",
			slog.String("user_id", userID),
			slog.String("variant", v.Key()),
			slog.Any("error", err),
		)
		result.Error = err.Error()
		entry.Status = reward.StatusFailed
		entry.Output = err.Error()
		o.recordQuietly(userID, entry)
		return result, nil
	}

	if session := v.Session(); session != nil {
		session.Append(userMsg, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})
	}
	result.Success = true
	result.Reply = resp.Text
	result.ToolsInvoked = resp.ToolNames()
	result.Trace = resp.Trace
	result.ApprovalIDs = approvalIDs(resp.ToolCalls)

	entry.Status = reward.StatusCompleted
	entry.Output = resp.Text
	entry.ToolCalls = result.ToolsInvoked
	entry.Trace = resp.Trace
	o.storeTrace(TraceRecord{
		Source:     llm.SourceChat,
		UserID:     userID,
		VariantKey: v.Key(),
		Input:      message,
		Output:     resp.Text,
		Tools:      result.ToolsInvoked,
		Trace:      resp.Trace,
		RecordedAt: entry.Timestamp,
	})
	if len(result.ApprovalIDs) > 0 {
		entry.Metadata = map[string]any{"approval_ids": result.ApprovalIDs}
		result.Metadata = entry.Metadata
	}
	o.recordQuietly(userID, entry)
	return result, nil
}

func (o *Orchestrator) recordQuietly(userID string, entry reward.ActionEntry) {
	if err := o.RecordAction(userID, entry); err != nil {
		o.logger.Warn("记录对话动作失败", slog.String("user_id", userID), slog.Any("error", err))
	}
}

// approvalIDs 收集工具结果中出现的待审批请求 ID。
func approvalIDs(calls []llm.ToolCall) []string {
	var ids []string
	for _, call := range calls {
		result, ok := call.Result.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := result["approval_id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
