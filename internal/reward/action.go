package reward

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ReTool-Life/internal/llm"
)

// 动作状态。
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPending   = "pending"
)

// ActionEntry 是已部署变体的一条动作记录。
type ActionEntry struct {
	Action    string         `json:"action"`
	Status    string         `json:"status"`
	Input     string         `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	ToolCalls []string       `json:"tool_calls,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Trace     *llm.Trace     `json:"trace,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ValidStatus 判断状态是否受支持。
func ValidStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusPending:
		return true
	default:
		return false
	}
}

// MentionsApproval 判断动作的任意内容（不区分大小写）是否涉及审批流程。
func (e ActionEntry) MentionsApproval() bool {
	const needle = "approval"
	fields := []string{e.Action, e.Status, e.Input, e.Output}
	fields = append(fields, e.ToolCalls...)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	if len(e.Metadata) == 0 {
		return false
	}
	encoded, err := json.Marshal(e.Metadata)
	if err != nil {
		encoded = []byte(fmt.Sprint(e.Metadata))
	}
	return strings.Contains(strings.ToLower(string(encoded)), needle)
}
