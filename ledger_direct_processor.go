package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/mmdatafocus/costing_backend/workflow"
	"github.com/sirupsen/logrus"
)

// LedgerDirectProcessor drains due ledger events straight from the database without Pub/Sub.
// It runs alongside the subscriber as a backup worker and is the only consumer in local setups.
type LedgerDirectProcessor struct {
	Engine    *workflow.Engine
	Logger    *logrus.Logger
	Interval  time.Duration
	MaxRounds int
}

func NewLedgerDirectProcessor(engine *workflow.Engine, settings config.Settings, logger *logrus.Logger) *LedgerDirectProcessor {
	interval := settings.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &LedgerDirectProcessor{
		Engine:    engine,
		Logger:    logger,
		Interval:  interval,
		MaxRounds: 10,
	}
}

func shouldRunLedgerDirectProcessor() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("LEDGER_DIRECT_PROCESSING")))
	if val == "false" {
		return false
	}
	// Default: run even when Pub/Sub is configured. Claims and the change gate make duplicate
	// delivery harmless. Set LEDGER_DIRECT_PROCESSING=false to disable.
	return true
}

func (p *LedgerDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.Engine == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

// processOnce runs the pipeline until nothing is due. Failed events already carry their backoff,
// so errors are only logged here.
func (p *LedgerDirectProcessor) processOnce(ctx context.Context) {
	procCtx := utils.SystemContext(ctx, utils.TriggerLedger, "direct-"+p.Engine.WorkerID)
	rounds, err := p.Engine.RunToQuiescence(procCtx, p.MaxRounds)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"field":     "LedgerDirectProcessor",
			"worker_id": p.Engine.WorkerID,
			"rounds":    rounds,
		}).Error("direct processing failed: " + err.Error())
	}
}
