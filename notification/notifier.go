// Package notification delivers user-facing alerts raised by the cascade. Delivery is best
// effort: implementations log failures and the cascade never fails because of them.
package notification

import (
	"context"
	"errors"

	"github.com/mmdatafocus/costing_backend/config"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Alert struct {
	UserIds  []string          `json:"user_ids"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Severity Severity          `json:"severity"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Nop drops every alert.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) error { return nil }

// Log writes alerts to the structured log.
type Log struct {
	Logger *logrus.Logger
}

func (n Log) Notify(_ context.Context, alert Alert) error {
	if n.Logger == nil {
		return nil
	}
	level := logrus.InfoLevel
	switch alert.Severity {
	case SeverityWarning:
		level = logrus.WarnLevel
	case SeverityError:
		level = logrus.ErrorLevel
	}
	n.Logger.WithFields(logrus.Fields{
		"field":    "Notification",
		"title":    alert.Title,
		"users":    alert.UserIds,
		"severity": alert.Severity,
		"metadata": alert.Metadata,
	}).Log(level, alert.Message)
	return nil
}

// PubSub publishes alerts as JSON to a topic consumed by the messaging service.
type PubSub struct {
	Topic   string
	Publish func(ctx context.Context, topic string, obj interface{}, attrs map[string]string) (string, error)
}

func NewPubSub(topic string) PubSub {
	return PubSub{Topic: topic, Publish: config.PublishToTopic}
}

func (n PubSub) Notify(ctx context.Context, alert Alert) error {
	if n.Topic == "" {
		return errors.New("notification topic is not configured")
	}
	publish := n.Publish
	if publish == nil {
		publish = config.PublishToTopic
	}
	_, err := publish(ctx, n.Topic, alert, map[string]string{"severity": string(alert.Severity)})
	return err
}

// Multi fans an alert out to every notifier. Failures are logged and joined; one failing
// channel does not stop the others.
type Multi struct {
	Notifiers []Notifier
	Logger    *logrus.Logger
}

func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m.Notifiers {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			config.LogError(m.Logger, "notification", "Notify", alert.Title, alert.Metadata, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var printer = message.NewPrinter(language.English)

// FormatAmount renders an amount with thousands separators and four decimals.
func FormatAmount(d decimal.Decimal) string {
	f, _ := d.Round(4).Float64()
	return printer.Sprintf("%.4f", f)
}

// Sprintf formats a message with locale-aware number grouping.
func Sprintf(format string, args ...interface{}) string {
	return printer.Sprintf(format, args...)
}
