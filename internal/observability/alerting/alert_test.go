package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"

	xerrors "AgentFleet-Chain/internal/errors"
)

type stubSender struct {
	payloads []string
	err      error
}

func (s *stubSender) Send(_ context.Context, payload string) error {
	s.payloads = append(s.payloads, payload)
	return s.err
}

type stubNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *stubNotifier) Channel() Channel { return n.channel }

func (n *stubNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutNotifiesAllChannels(t *testing.T) {
	logCh := &stubNotifier{channel: ChannelLog}
	hook := &stubNotifier{channel: ChannelWebhook}
	d := NewFanout(logCh, nil, hook)

	event := Event{
		Code:     xerrors.CodeExecutionFailure,
		Message:  "3 consecutive failures",
		Severity: xerrors.SeverityCritical,
		AgentID:  "agent-1",
		Streak:   3,
	}
	if err := d.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(logCh.events) != 1 || len(hook.events) != 1 {
		t.Fatalf("not all channels were notified: log=%d webhook=%d", len(logCh.events), len(hook.events))
	}
}

func TestFanoutAggregatesChannelErrors(t *testing.T) {
	boom := errors.New("webhook unreachable")
	logCh := &stubNotifier{channel: ChannelLog}
	hook := &stubNotifier{channel: ChannelWebhook, err: boom}
	d := NewFanout(logCh, hook)

	err := d.Notify(context.Background(), Event{AgentID: "agent-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected channel error to surface, got %v", err)
	}
	// A failing channel must not prevent delivery on the others.
	if len(logCh.events) != 1 {
		t.Fatal("log channel was skipped after a webhook failure")
	}
}

func TestWebhookNotifierFormatsPayload(t *testing.T) {
	sender := &stubSender{}
	n := &WebhookNotifier{Sender: sender}

	err := n.Notify(context.Background(), Event{
		Code:     xerrors.CodeExecutionFailure,
		Message:  "pipeline failed",
		Severity: xerrors.SeverityCritical,
		AgentID:  "agent-1",
		Streak:   3,
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sender.payloads) != 1 {
		t.Fatalf("expected one webhook call, got %d", len(sender.payloads))
	}
	payload := sender.payloads[0]
	for _, want := range []string{"agent-1", string(xerrors.CodeExecutionFailure), "3"} {
		if !strings.Contains(payload, want) {
			t.Fatalf("payload %q is missing %q", payload, want)
		}
	}
}

func TestWebhookNotifierWithoutSenderIsNoop(t *testing.T) {
	n := &WebhookNotifier{}
	if err := n.Notify(context.Background(), Event{AgentID: "agent-1"}); err != nil {
		t.Fatalf("unconfigured notifier must not fail: %v", err)
	}
}
