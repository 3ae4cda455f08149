package workflow

import (
	"context"
	"errors"

	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/notification"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/sirupsen/logrus"
)

// notifyOnce sends alert at most once per (handlerName, messageId). An empty messageId sends
// unconditionally. Notification failures are logged and never fail the stage.
func (e *Engine) notifyOnce(ctx context.Context, handlerName, messageId string, alert notification.Alert) {
	if e.Notifier == nil {
		return
	}
	if messageId == "" {
		if err := e.Notifier.Notify(ctx, alert); err != nil {
			config.LogError(e.logger(), "Cascade", "notifyOnce", "notify "+handlerName, alert.Metadata, err)
		}
		return
	}

	skip, err := e.Store.BeginIdempotency(ctx, handlerName, messageId)
	if errors.Is(err, store.ErrIdempotencyActive) {
		e.logger().WithFields(logrus.Fields{
			"field":      "Cascade",
			"handler":    handlerName,
			"message_id": messageId,
		}).Debug("notification already in flight")
		return
	}
	if err != nil {
		config.LogError(e.logger(), "Cascade", "notifyOnce", "begin idempotency "+handlerName, messageId, err)
		return
	}
	if skip {
		return
	}

	if err := e.Notifier.Notify(ctx, alert); err != nil {
		config.LogError(e.logger(), "Cascade", "notifyOnce", "notify "+handlerName, alert.Metadata, err)
		if markErr := e.Store.MarkIdempotencyFailed(ctx, handlerName, messageId, err); markErr != nil {
			config.LogError(e.logger(), "Cascade", "notifyOnce", "mark idempotency failed", messageId, markErr)
		}
		return
	}
	if err := e.Store.MarkIdempotencySucceeded(ctx, handlerName, messageId); err != nil {
		config.LogError(e.logger(), "Cascade", "notifyOnce", "mark idempotency succeeded", messageId, err)
	}
}
