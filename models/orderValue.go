package models

import (
	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

// ComputeOrderValues recomputes every item value and the order total from the current tasks.
// Items whose task is missing keep their stored value; their ids are returned so the caller can
// log them.
func ComputeOrderValues(order Order, tasks map[string]Task) (OrderValues, []string) {
	values := OrderValues{ItemValues: make(map[string]decimal.Decimal, len(order.Items))}
	var missing []string

	itemsTotal := decimal.Zero
	for _, item := range order.Items {
		value, ok := orderItemValue(item, tasks)
		if !ok {
			missing = append(missing, item.ID)
			value = item.Value
		}
		values.ItemValues[item.ID] = value
		itemsTotal = utils.Add(itemsTotal, value)
	}

	extras := decimal.Zero
	for _, c := range order.AdditionalCosts {
		if c.Amount.IsPositive() {
			extras = utils.Add(extras, c.Amount)
		} else if c.Amount.IsNegative() {
			extras = utils.Sub(extras, c.Amount.Abs())
		}
	}

	values.TotalValue = utils.Sum(itemsTotal, order.ShippingCost, extras)
	return values, missing
}

// A price-list item with a positive price already embeds production cost.
func orderItemValue(item OrderItem, tasks map[string]Task) (decimal.Decimal, bool) {
	value := utils.Mul(item.Quantity, item.Price)
	if item.ProductionTaskId == nil || *item.ProductionTaskId == "" {
		return value, true
	}
	task, ok := tasks[*item.ProductionTaskId]
	if !ok {
		return decimal.Zero, false
	}
	if item.FromPriceList && item.Price.IsPositive() {
		return value, true
	}
	return utils.Add(value, task.TotalFullProductionCost), true
}
