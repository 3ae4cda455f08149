package models

import (
	"sort"

	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

// BatchPricing is the outcome of re-deriving the batches of one purchase order.
type BatchPricing struct {
	Prices map[string]BatchPrice
	// batch id -> matched purchase order item id
	Matches   map[string]string
	Unmatched []string
}

// ComputeBatchPrices re-derives every batch price of a purchase order. Pooled additional costs
// (gross of VAT) are shared by initial quantity across the matched batches of the order, so the
// priced batches absorb the whole pool. rate converts order currency into base currency.
//
// Line matching: exact item id first, then an item of the same material not yet claimed by an
// earlier batch, then any item of the same material. Unmatched batches get no price.
func ComputeBatchPrices(po PurchaseOrder, batches []Batch, rate decimal.Decimal) BatchPricing {
	out := BatchPricing{
		Prices:  make(map[string]BatchPrice, len(batches)),
		Matches: make(map[string]string, len(batches)),
	}
	if !rate.IsPositive() {
		rate = decimal.NewFromInt(1)
	}

	sorted := make([]Batch, len(batches))
	copy(sorted, batches)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BatchNumber != sorted[j].BatchNumber {
			return sorted[i].BatchNumber < sorted[j].BatchNumber
		}
		return sorted[i].ID < sorted[j].ID
	})

	claimed := make(map[string]bool, len(po.Items))
	items := make(map[string]PurchaseOrderItem, len(sorted))
	var matched []Batch
	totalInitial := decimal.Zero
	for _, b := range sorted {
		item, ok := matchItem(po.Items, b, claimed)
		if !ok {
			out.Unmatched = append(out.Unmatched, b.ID)
			continue
		}
		claimed[item.ID] = true
		out.Matches[b.ID] = item.ID
		items[b.ID] = item
		matched = append(matched, b)
		totalInitial = utils.Add(totalInitial, utils.NonNegative(b.InitialQuantity))
	}
	additionalGross := utils.Mul(po.TotalAdditionalCostsGross(), rate)

	for _, b := range matched {
		base := utils.Mul(items[b.ID].NetUnitPrice(), rate)
		perUnit := decimal.Zero
		if b.InitialQuantity.IsPositive() {
			share := utils.Div(utils.Mul(additionalGross, b.InitialQuantity), totalInitial)
			perUnit = utils.Div(share, b.InitialQuantity)
		}
		out.Prices[b.ID] = NewBatchPrice(base, perUnit)
	}
	return out
}

func matchItem(items []PurchaseOrderItem, b Batch, claimed map[string]bool) (PurchaseOrderItem, bool) {
	if b.PurchaseOrderItemId != "" {
		for _, item := range items {
			if item.ID == b.PurchaseOrderItemId {
				return item, true
			}
		}
	}
	var fallback *PurchaseOrderItem
	for i := range items {
		if items[i].MaterialId != b.MaterialId {
			continue
		}
		if !claimed[items[i].ID] {
			return items[i], true
		}
		if fallback == nil {
			fallback = &items[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return PurchaseOrderItem{}, false
}
