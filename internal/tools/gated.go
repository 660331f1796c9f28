package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"ReTool-Life/internal/approval"
	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/llm"
)

const (
	channelSMS      = "sms"
	channelWhatsApp = "whatsapp"

	sourceDirect = "direct"
)

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// messageHandler 把消息发送登记为待审批请求，本身不投递任何内容。
func (r *Registry) messageHandler(channel string) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		message := stringArg(args, "message", "")
		if message == "" {
			return nil, xerrors.Validation("message 不能为空")
		}
		scope := llm.ToolScopeFrom(ctx)
		payload := map[string]any{
			"channel":   channel,
			"message":   message,
			"to_number": stringArg(args, "to_number", scope.Phone),
		}
		out := map[string]any{
			"status":            "pending_approval",
			"channel":           channel,
			"message":           message,
			"approval_required": true,
		}
		return r.requestApproval(ctx, approval.KindMessageSend, payload, out)
	}
}

func (r *Registry) commerceBuy(ctx context.Context, args map[string]any) (any, error) {
	productID := stringArg(args, "product_id", "")
	productName := stringArg(args, "product_name", "")
	price, ok := floatArg(args, "price")
	if productID == "" || productName == "" || !ok || price < 0 {
		return nil, xerrors.Validation("product_id、product_name 与 price 必须有效")
	}
	payload := map[string]any{
		"product_id":   productID,
		"product_name": productName,
		"price":        price,
		"user_id":      stringArg(args, "user_id", ""),
	}
	out := map[string]any{
		"status":            "pending_approval",
		"product":           productName,
		"price":             price,
		"approval_required": true,
		"message":           fmt.Sprintf("Purchase approval required for %s ($%.2f)", productName, price),
	}
	return r.requestApproval(ctx, approval.KindPurchase, payload, out)
}

// requestApproval 用调用场景补全 payload 并登记审批，把审批 ID 写入 out。
// 试运行时不触碰闸门，out 中标记 dry_run。
func (r *Registry) requestApproval(ctx context.Context, kind approval.Kind, payload, out map[string]any) (map[string]any, error) {
	scope := llm.ToolScopeFrom(ctx)
	source := scope.Source
	if source == "" {
		source = sourceDirect
	}
	payload["source"] = source
	if id, _ := payload["user_id"].(string); id == "" {
		payload["user_id"] = scope.UserID
	}
	if scope.DryRun {
		out["dry_run"] = true
		return out, nil
	}
	if r.gate == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审批闸门未配置，拒绝执行有副作用的工具")
	}
	req, err := r.gate.RequestApproval(ctx, kind, payload)
	if err != nil {
		return nil, err
	}
	out["approval_id"] = req.ID
	return out, nil
}

// Execute 实现 approval.Executor，在审批通过后真正执行动作。
func (r *Registry) Execute(ctx context.Context, kind approval.Kind, payload map[string]any) (map[string]any, error) {
	switch kind {
	case approval.KindMessageSend:
		channel := stringArg(payload, "channel", channelSMS)
		message := stringArg(payload, "message", "")
		if message == "" {
			return nil, xerrors.Validation("待发送消息为空")
		}
		out, err := r.sender.Send(ctx, channel, stringArg(payload, "to_number", ""), message)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "消息投递失败", xerrors.WithMetadata("channel", channel))
		}
		r.logger.Info("已投递审批通过的消息", slog.String("channel", channel))
		return out, nil
	case approval.KindPurchase:
		productName := stringArg(payload, "product_name", "")
		if productName == "" {
			return nil, xerrors.Validation("商品名称为空")
		}
		price, _ := floatArg(payload, "price")
		orderID := "AMZ-" + strings.ToUpper(shortHex())
		r.logger.Info("已完成审批通过的购买", slog.String("order_id", orderID))
		return map[string]any{
			"status":         "completed",
			"order_id":       orderID,
			"product_id":     stringArg(payload, "product_id", ""),
			"product_name":   productName,
			"price":          price,
			"payment_method": "sandbox",
			"delivery_date":  "2-3 business days",
			"timestamp":      r.timestamp(),
		}, nil
	default:
		return nil, xerrors.Validation("不支持的审批类型", xerrors.WithMetadata("kind", string(kind)))
	}
}

// mockSender 在没有真实短信通道时模拟投递。
type mockSender struct{}

func (mockSender) Send(_ context.Context, channel, to, message string) (map[string]any, error) {
	return map[string]any{
		"status":      "sent_mock",
		"channel":     channel,
		"message_sid": "mock-" + shortHex(),
		"to_number":   to,
		"message":     message,
	}, nil
}
