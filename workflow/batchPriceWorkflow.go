package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/shopspring/decimal"
)

// RecalculatePurchaseOrders re-derives every batch price of the given purchase orders and emits
// one batchPriceUpdate naming the batches whose price moved.
func (e *Engine) RecalculatePurchaseOrders(ctx context.Context, purchaseOrderIds []string, trigger *models.LedgerEvent) (result StageResult, err error) {
	ctx, span := startStage(ctx, StageBatchPrice, trigger)
	defer func() { endStage(span, result, err) }()

	ids := store.UniqueIDs(purchaseOrderIds)
	result = StageResult{Stage: StageBatchPrice, Inputs: len(ids)}
	gate := e.gate()

	var wb store.WriteBatch
	for _, poId := range ids {
		po, err := e.Store.GetPurchaseOrder(ctx, poId)
		if errors.Is(err, store.ErrNotFound) {
			e.logSkipped(StageBatchPrice, "purchase_order", poId, "purchase order not found")
			result.Skipped = append(result.Skipped, poId)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("load purchase order %s: %w", poId, err)
		}

		batches, err := e.Store.BatchesByPurchaseOrder(ctx, po.ID)
		if err != nil {
			return result, fmt.Errorf("load batches of purchase order %s: %w", po.ID, err)
		}
		if len(batches) == 0 {
			continue
		}

		rate, err := e.purchaseOrderRate(ctx, po)
		if err != nil {
			return result, err
		}

		pricing := models.ComputeBatchPrices(po, batches, rate)
		for _, id := range pricing.Unmatched {
			e.logSkipped(StageBatchPrice, "batch", id, "no purchase order line matches batch "+id+" of "+po.ID)
			result.Skipped = append(result.Skipped, id)
		}

		sort.Slice(batches, func(i, j int) bool { return batches[i].ID < batches[j].ID })
		for _, b := range batches {
			price, ok := pricing.Prices[b.ID]
			if !ok {
				continue
			}
			result.Recomputed++
			switch {
			case gate.BatchChanged(b.Price(), price):
				wb.BatchPrices = append(wb.BatchPrices, store.BatchPriceWrite{BatchId: b.ID, Price: price})
				result.Written = append(result.Written, b.ID)
				result.Downstream = append(result.Downstream, b.ID)
			case touchedSince(b.PriceUpdatedAt, trigger):
				result.Downstream = append(result.Downstream, b.ID)
			}
		}
	}

	if len(result.Downstream) > 0 {
		event, err := e.followOn(ctx, models.LedgerEventBatchPriceUpdate, models.BatchPriceUpdatePayload{BatchIds: result.Downstream}, trigger)
		if err != nil {
			return result, err
		}
		wb.Events = append(wb.Events, event)
		result.EventType = string(event.Type)
	}

	result.Commits, err = e.commit(ctx, wb)
	if err != nil {
		return result, fmt.Errorf("batch price stage: %w", err)
	}
	e.logStage(ctx, result, trigger)
	return result, nil
}

// purchaseOrderRate converts order currency into base currency at the order date.
func (e *Engine) purchaseOrderRate(ctx context.Context, po models.PurchaseOrder) (decimal.Decimal, error) {
	if !po.IsForeignCurrency(e.Settings.BaseCurrency) {
		return decimal.NewFromInt(1), nil
	}
	if e.Rates == nil {
		return decimal.Zero, fmt.Errorf("purchase order %s is in %s but no currency rate provider is configured", po.ID, po.Currency)
	}
	rate, err := e.Rates.GetRate(ctx, po.Currency, po.OrderDate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("currency rate %s for purchase order %s: %w", po.Currency, po.ID, err)
	}
	if !rate.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("currency rate %s for purchase order %s is not positive", po.Currency, po.ID)
	}
	return rate.Rate, nil
}
