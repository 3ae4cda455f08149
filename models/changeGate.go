package models

import (
	"sort"

	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

var DefaultChangeTolerance = decimal.RequireFromString("0.005")

// ChangeGate suppresses writes and follow-on events when a recomputation moved no public field
// by more than Tolerance. A delta equal to the tolerance is not a change.
type ChangeGate struct {
	Tolerance decimal.Decimal
}

func NewChangeGate(tolerance decimal.Decimal) ChangeGate {
	if tolerance.IsNegative() {
		tolerance = decimal.Zero
	}
	return ChangeGate{Tolerance: tolerance}
}

func (g ChangeGate) Changed(old, new []decimal.Decimal) bool {
	return utils.MaxAbsDelta(old, new).GreaterThan(g.Tolerance)
}

func (g ChangeGate) BatchChanged(old, new BatchPrice) bool {
	return g.Changed(
		[]decimal.Decimal{old.UnitPrice, old.BaseUnitPrice, old.AdditionalCostPerUnit},
		[]decimal.Decimal{new.UnitPrice, new.BaseUnitPrice, new.AdditionalCostPerUnit},
	)
}

// TaskChanged compares both totals and both unit values independently, since the unit
// denominator can move on its own. A change in which materials are estimated, or in their
// price source, also counts so zero-valued estimates still become visible.
func (g ChangeGate) TaskChanged(old, new TaskCosts) bool {
	oldFields := []decimal.Decimal{
		old.TotalMaterialCost, old.TotalFullProductionCost,
		old.UnitMaterialCost, old.UnitFullProductionCost,
		old.EstimatedMaterialCost, old.FactoryOverheadCost,
	}
	newFields := []decimal.Decimal{
		new.TotalMaterialCost, new.TotalFullProductionCost,
		new.UnitMaterialCost, new.UnitFullProductionCost,
		new.EstimatedMaterialCost, new.FactoryOverheadCost,
	}
	for _, id := range unionKeys(old.EstimatedCostDetails, new.EstimatedCostDetails) {
		o, inOld := old.EstimatedCostDetails[id]
		n, inNew := new.EstimatedCostDetails[id]
		if inOld != inNew || o.PriceSource != n.PriceSource || o.BatchCount != n.BatchCount {
			return true
		}
		oldFields = append(oldFields, o.EstimatedPrice, o.EstimatedCost)
		newFields = append(newFields, n.EstimatedPrice, n.EstimatedCost)
	}
	return g.Changed(oldFields, newFields)
}

func (g ChangeGate) OrderChanged(old, new OrderValues) bool {
	oldFields := []decimal.Decimal{old.TotalValue}
	newFields := []decimal.Decimal{new.TotalValue}
	for _, id := range unionKeys(old.ItemValues, new.ItemValues) {
		oldFields = append(oldFields, old.ItemValues[id])
		newFields = append(newFields, new.ItemValues[id])
	}
	return g.Changed(oldFields, newFields)
}

// PeriodChanged treats the diagnostic counters as public fields too.
func (g ChangeGate) PeriodChanged(old, new OverheadRate) bool {
	counts := func(r OverheadRate) []decimal.Decimal {
		et := r.EffectiveTime
		return []decimal.Decimal{
			r.Amount, r.CostPerMinute, et.TotalMinutes,
			decimal.NewFromInt(int64(et.SessionsCount)),
			decimal.NewFromInt(int64(et.MergedPeriodsCount)),
			decimal.NewFromInt(int64(et.DuplicatesEliminated)),
			decimal.NewFromInt(int64(et.ClippedPeriods)),
			decimal.NewFromInt(int64(et.ExcludedSessionsCount)),
		}
	}
	return g.Changed(counts(old), counts(new))
}

// RateChanged compares only the values that feed task costs.
func (g ChangeGate) RateChanged(old, new OverheadRate) bool {
	return g.Changed(
		[]decimal.Decimal{old.CostPerMinute},
		[]decimal.Decimal{new.CostPerMinute},
	)
}

func unionKeys[V any](a, b map[string]V) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
