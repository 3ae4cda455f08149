package models

import (
	"sort"

	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

// MaterialCostInput is everything the allocation needs for one task material.
// Batches holds the current state of every batch referenced by reservations or consumption;
// MaterialBatches holds every batch ever recorded for the material (active and exhausted) and
// is only read by the estimate branch.
type MaterialCostInput struct {
	Requirement       TaskMaterial
	DefaultUnitPrice  decimal.Decimal
	Consumptions      []ConsumptionRecord
	BatchReservations []BatchReservation
	POReservations    []PurchaseOrderReservation
	Batches           map[string]Batch
	MaterialBatches   []Batch
}

type MaterialCost struct {
	MaterialId         string
	IncludeInCosts     bool
	ConsumedQuantity   decimal.Decimal
	ConsumedCost       decimal.Decimal
	RemainingQuantity  decimal.Decimal
	RemainingUnitPrice decimal.Decimal
	RemainingCost      decimal.Decimal
	Total              decimal.Decimal
	// set only on the estimate branch with remaining quantity
	Estimate *EstimatedCost
}

// AllocateMaterialCost prices one material requirement. Missing prices resolve to zero.
func AllocateMaterialCost(in MaterialCostInput) MaterialCost {
	out := MaterialCost{
		MaterialId:     in.Requirement.MaterialId,
		IncludeInCosts: in.Requirement.Included(),
	}

	for _, c := range in.Consumptions {
		price := consumptionPrice(c, in.Batches, in.DefaultUnitPrice)
		out.ConsumedQuantity = utils.Add(out.ConsumedQuantity, c.Quantity)
		out.ConsumedCost = utils.Add(out.ConsumedCost, utils.Mul(c.Quantity, price))
	}

	out.RemainingQuantity = utils.NonNegative(utils.Sub(in.Requirement.RequiredQuantity, out.ConsumedQuantity))

	if out.RemainingQuantity.IsPositive() {
		if !hasReservationOrConsumption(in) {
			estimate := EstimateFromBatches(in.MaterialBatches)
			estimate.MaterialId = in.Requirement.MaterialId
			estimate.Quantity = out.RemainingQuantity
			estimate.EstimatedCost = utils.Mul(out.RemainingQuantity, estimate.EstimatedPrice)
			out.RemainingUnitPrice = estimate.EstimatedPrice
			out.RemainingCost = estimate.EstimatedCost
			out.Estimate = &estimate
		} else {
			out.RemainingUnitPrice = reservationUnitPrice(in)
			out.RemainingCost = utils.Mul(out.RemainingQuantity, out.RemainingUnitPrice)
		}
	}

	out.Total = utils.Add(out.ConsumedCost, out.RemainingCost)
	return out
}

// HasPresence reports whether the material is costed from reservations or consumption rather
// than estimated from its batch history.
func (in MaterialCostInput) HasPresence() bool {
	return hasReservationOrConsumption(in)
}

// Any non-cancelled reservation counts as presence, even with nothing left to claim; its
// zero weight then falls back to the material default price rather than the batch estimate.
func hasReservationOrConsumption(in MaterialCostInput) bool {
	if len(in.Consumptions) > 0 {
		return true
	}
	for _, r := range in.BatchReservations {
		if r.Status != ReservationStatusCancelled {
			return true
		}
	}
	for _, r := range in.POReservations {
		if r.Status != ReservationStatusCancelled {
			return true
		}
	}
	return false
}

func reservationUnitPrice(in MaterialCostInput) decimal.Decimal {
	weighted := decimal.Zero
	weight := decimal.Zero
	for _, r := range in.BatchReservations {
		if !r.Status.IsLive() {
			continue
		}
		qty := r.ClaimedQuantity()
		if !qty.IsPositive() {
			continue
		}
		price := firstPositive(currentBatchPrice(r.BatchId, in.Batches), r.UnitPrice, in.DefaultUnitPrice)
		weighted = utils.Add(weighted, utils.Mul(price, qty))
		weight = utils.Add(weight, qty)
	}
	for _, r := range in.POReservations {
		if !r.Status.IsLive() {
			continue
		}
		qty := r.ClaimedQuantity()
		if !qty.IsPositive() {
			continue
		}
		weighted = utils.Add(weighted, utils.Mul(r.UnitPrice, qty))
		weight = utils.Add(weight, qty)
	}
	if !weight.IsPositive() {
		return utils.Round4(in.DefaultUnitPrice)
	}
	return utils.Div(weighted, weight)
}

// Batch prices can be revised after consumption, so the current batch price wins over the
// frozen one.
func consumptionPrice(c ConsumptionRecord, batches map[string]Batch, def decimal.Decimal) decimal.Decimal {
	current := decimal.Zero
	if c.BatchId != nil {
		current = currentBatchPrice(*c.BatchId, batches)
	}
	return firstPositive(current, c.UnitPrice, def)
}

func currentBatchPrice(batchId string, batches map[string]Batch) decimal.Decimal {
	if b, ok := batches[batchId]; ok {
		return b.UnitPrice
	}
	return decimal.Zero
}

func firstPositive(values ...decimal.Decimal) decimal.Decimal {
	for _, v := range values {
		if v.IsPositive() {
			return utils.Round4(v)
		}
	}
	return decimal.Zero
}

// EstimateFromBatches is the quantity-weighted average unit price over batches with a positive
// price and initial quantity. It never falls back to a list price.
func EstimateFromBatches(batches []Batch) EstimatedCost {
	weighted := decimal.Zero
	weight := decimal.Zero
	count := 0
	for _, b := range batches {
		if !b.UnitPrice.IsPositive() || !b.InitialQuantity.IsPositive() {
			continue
		}
		weighted = utils.Add(weighted, utils.Mul(b.UnitPrice, b.InitialQuantity))
		weight = utils.Add(weight, b.InitialQuantity)
		count++
	}
	if count == 0 {
		return EstimatedCost{PriceSource: PriceSourceNoBatches}
	}
	return EstimatedCost{
		BatchCount:     count,
		PriceSource:    PriceSourceBatchesWeightedAverage,
		EstimatedPrice: utils.Div(weighted, weight),
	}
}

// ComputeTaskCosts sums material costs into the two parallel accumulators, adds processing cost
// to both and overhead to the full production total only.
func ComputeTaskCosts(task Task, inputs []MaterialCostInput, overheadCost decimal.Decimal) (TaskCosts, []MaterialCost) {
	costs := TaskCosts{
		TotalMaterialCost:       decimal.Zero,
		TotalFullProductionCost: decimal.Zero,
		EstimatedMaterialCost:   decimal.Zero,
		FactoryOverheadCost:     utils.Round4(overheadCost),
		EstimatedCostDetails:    EstimatedCostDetails{},
	}

	sorted := make([]MaterialCostInput, len(inputs))
	copy(sorted, inputs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Requirement.MaterialId < sorted[j].Requirement.MaterialId
	})

	lines := make([]MaterialCost, 0, len(sorted))
	for _, in := range sorted {
		line := AllocateMaterialCost(in)
		lines = append(lines, line)

		costs.TotalFullProductionCost = utils.Add(costs.TotalFullProductionCost, line.Total)
		if line.IncludeInCosts {
			costs.TotalMaterialCost = utils.Add(costs.TotalMaterialCost, line.Total)
		}
		if line.Estimate != nil {
			costs.EstimatedMaterialCost = utils.Add(costs.EstimatedMaterialCost, line.Estimate.EstimatedCost)
			costs.EstimatedCostDetails[line.MaterialId] = *line.Estimate
		}
	}

	processing := utils.Mul(task.ProcessingCostPerUnit, task.CompletedQuantity)
	costs.TotalMaterialCost = utils.Add(costs.TotalMaterialCost, processing)
	costs.TotalFullProductionCost = utils.Add(costs.TotalFullProductionCost, processing)
	costs.TotalFullProductionCost = utils.Add(costs.TotalFullProductionCost, costs.FactoryOverheadCost)

	denominator := task.CompletedQuantity
	if !denominator.IsPositive() {
		denominator = task.PlannedQuantity
	}
	costs.UnitMaterialCost = utils.Div(costs.TotalMaterialCost, denominator)
	costs.UnitFullProductionCost = utils.Div(costs.TotalFullProductionCost, denominator)

	return costs, lines
}

// ComputeTaskOverhead charges each period's cost per minute for the task's own effective minutes
// inside that period. Periods that exclude the task charge nothing.
func ComputeTaskOverhead(taskId string, sessions []WorkSession, periods []OverheadCostPeriod) decimal.Decimal {
	total := decimal.Zero
	for _, p := range periods {
		if p.Excludes(taskId) || !p.CostPerMinute.IsPositive() {
			continue
		}
		var own []WorkSession
		for _, s := range sessions {
			if s.TaskId == taskId {
				own = append(own, s)
			}
		}
		et := MergeSessions(own, nil, p.StartDate, p.EndDate)
		total = utils.Add(total, utils.Mul(et.TotalMinutes, p.CostPerMinute))
	}
	return total
}
