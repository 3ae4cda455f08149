package main

import (
	"context"
	"encoding/json"
	"errors"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/mmdatafocus/costing_backend/workflow"
	"github.com/sirupsen/logrus"
)

// RunCascadeSubscriber starts a pull subscription on the ledger topic. Receive blocks, so it runs
// in its own goroutine until ctx is cancelled.
func RunCascadeSubscriber(ctx context.Context, engine *workflow.Engine, settings config.Settings, logger *logrus.Logger) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, settings.LedgerTopic)
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, settings.LedgerSubscription, topic)
	if err != nil {
		return err
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = max(settings.StageConcurrency, 1)

	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.LedgerMessage{}
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			config.LogError(logger, "cascadeWorkflow.go", "RunCascadeSubscriber", "Unmarshaling pubsub message", string(msg.Data), err)
			msg.Ack()
			return
		}
		ctx = utils.SetCorrelationIdInContext(ctx, firstNonEmpty(m.CorrelationId, msg.ID))
		if err := processLedgerMessage(ctx, engine, logger, m, msg.ID); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithFields(logrus.Fields{
				"field":        "CascadeSubscriber",
				"subscription": settings.LedgerSubscription,
			}).Error("pubsub receive stopped: " + err.Error())
		}
	}()
	return nil
}
