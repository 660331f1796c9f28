package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/slack-go/slack"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/pkg/logger"
)

type fakePoster struct {
	channel string
	calls   int
	err     error
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.calls++
	f.channel = channelID
	return channelID, "1700000000.000100", f.err
}

type recordingNotifier struct {
	events []Event
}

func (r *recordingNotifier) Channel() Channel { return "test" }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return nil
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	poster := &fakePoster{}
	rec := &recordingNotifier{}
	fanout := NewFanout(&LogNotifier{Logger: logger.Discard()}, &SlackNotifier{Poster: poster, ChannelID: "C123"}, rec, nil)

	err := fanout.Notify(context.Background(), Event{Code: "REGENERATION_FAILED", Message: "boom", UserID: "u1"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if poster.calls != 1 || poster.channel != "C123" {
		t.Fatalf("slack not called: %+v", poster)
	}
	if len(rec.events) != 1 || rec.events[0].OccurredAt.IsZero() {
		t.Fatalf("expected timestamped event, got %+v", rec.events)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	poster := &fakePoster{err: errors.New("invalid_auth")}
	fanout := NewFanout(&SlackNotifier{Poster: poster, ChannelID: "C1"})
	err := fanout.Notify(context.Background(), Event{Code: "X"})
	if err == nil || !strings.Contains(err.Error(), "channel slack") {
		t.Fatalf("expected wrapped slack error, got %v", err)
	}
}

func TestUnconfiguredSlackIsSkipped(t *testing.T) {
	if err := (&SlackNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestEventFromError(t *testing.T) {
	err := xerrors.New(xerrors.CodeTimeout, "slow backend", xerrors.WithMetadata("variant", "Sleep Coach"))
	event := EventFromError(err, "重新生成失败")
	if event.Code != xerrors.CodeTimeout || event.Metadata["variant"] != "Sleep Coach" {
		t.Fatalf("unexpected event: %+v", event)
	}
	text := FormatText(event)
	if !strings.Contains(text, "TIMEOUT") || !strings.Contains(text, "variant: Sleep Coach") {
		t.Fatalf("unexpected text: %s", text)
	}
}
