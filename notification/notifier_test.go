package notification

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type recordingNotifier struct {
	alerts []Alert
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, alert Alert) error {
	r.alerts = append(r.alerts, alert)
	return r.err
}

func TestMulti_DeliversToEveryChannel(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("unavailable")}
	ok := &recordingNotifier{}
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	m := Multi{Notifiers: []Notifier{failing, nil, ok}, Logger: logger}
	err := m.Notify(context.Background(), Alert{Title: "Task cost estimated"})
	if err == nil {
		t.Fatalf("expected the failing channel's error")
	}
	if len(ok.alerts) != 1 {
		t.Fatalf("expected the healthy channel to receive the alert, got %d", len(ok.alerts))
	}
	if !strings.Contains(buf.String(), "unavailable") {
		t.Fatalf("expected the failure to be logged, got %q", buf.String())
	}
}

func TestPubSub_PublishesAlertWithSeverity(t *testing.T) {
	var gotTopic string
	var gotAttrs map[string]string
	n := PubSub{
		Topic: "costing-alerts",
		Publish: func(_ context.Context, topic string, _ interface{}, attrs map[string]string) (string, error) {
			gotTopic = topic
			gotAttrs = attrs
			return "msg-1", nil
		},
	}
	if err := n.Notify(context.Background(), Alert{Severity: SeverityWarning}); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if gotTopic != "costing-alerts" || gotAttrs["severity"] != "warning" {
		t.Fatalf("unexpected publish topic=%q attrs=%v", gotTopic, gotAttrs)
	}
}

func TestPubSub_RequiresTopic(t *testing.T) {
	if err := (PubSub{}).Notify(context.Background(), Alert{}); err == nil {
		t.Fatalf("expected an error without a topic")
	}
}

func TestFormatAmount_GroupsThousands(t *testing.T) {
	got := FormatAmount(decimal.RequireFromString("1234567.5"))
	if got != "1,234,567.5000" {
		t.Fatalf("expected 1,234,567.5000, got %s", got)
	}
}
